package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/money"
)

// ListingSummary is the browse view of one listing.
type ListingSummary struct {
	ListingID    string               `json:"listing_id"`
	Seller       string               `json:"seller"`
	ItemRef      string               `json:"item_ref"`
	Price        int64                `json:"price"`
	PriceDisplay string               `json:"price_display"`
	Status       domain.ListingStatus `json:"status"`
	HighestBid   int64                `json:"highest_bid"` // 0 when no bid is pending
	BidCount     int                  `json:"bid_count"`   // All bids ever placed
	LastSeq      uint64               `json:"last_seq"`
	UpdatedAt    time.Time            `json:"updated_at"`

	created uint64           // Ordering key
	pending map[string]int64 // Pending bid ID -> amount
}

// CatalogService keeps listing summaries up to date from the event stream.
type CatalogService struct {
	mu       sync.RWMutex
	listings map[string]*ListingSummary
	nextKey  uint64
}

// NewCatalogService creates a new CatalogService instance
func NewCatalogService() *CatalogService {
	return &CatalogService{
		listings: make(map[string]*ListingSummary),
	}
}

// Seed builds summaries from restored engine state. Call before Start.
func (s *CatalogService) Seed(listings []domain.Listing, bids []domain.Bid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range listings {
		sum := s.ensure(l.ID)
		sum.Seller = l.Seller
		sum.ItemRef = l.ItemRef
		sum.Price = l.Price
		sum.PriceDisplay = money.Format(l.Price)
		sum.Status = l.Status
		sum.UpdatedAt = l.UpdatedAt
	}
	for _, b := range bids {
		sum, ok := s.listings[b.ListingID]
		if !ok {
			continue
		}
		sum.BidCount++
		if b.IsPending() {
			sum.pending[b.ID] = b.Amount
		}
	}
	for _, sum := range s.listings {
		sum.refreshHighest()
	}
}

// Start consumes events until ctx is done or the channel closes.
func (s *CatalogService) Start(ctx context.Context, events <-chan event.Event) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.Apply(ev)
			}
		}
	}()
}

// Apply folds one event into the summaries. Events at or below a summary's LastSeq are ignored.
func (s *CatalogService) Apply(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.ensure(ev.ListingID)
	if ev.Seq != 0 && ev.Seq <= sum.LastSeq {
		return
	}

	switch ev.Type {
	case event.ListingCreated:
		sum.Seller = ev.Actor
		sum.ItemRef = ev.ItemRef
		sum.Price = ev.Amount
		sum.PriceDisplay = money.Format(ev.Amount)
	case event.BidPlaced:
		sum.BidCount++
		sum.pending[ev.BidID] = ev.Amount
	case event.BidCancelled, event.BidRejected, event.BidAccepted:
		delete(sum.pending, ev.BidID)
	}
	sum.refreshHighest()

	if ev.Status != "" {
		sum.Status = domain.ListingStatus(ev.Status)
	}
	if ev.Seq != 0 {
		sum.LastSeq = ev.Seq
	}
	sum.UpdatedAt = ev.Time()
}

// must be called with lock held
func (s *CatalogService) ensure(listingID string) *ListingSummary {
	sum, ok := s.listings[listingID]
	if !ok {
		s.nextKey++
		sum = &ListingSummary{ListingID: listingID, created: s.nextKey, pending: make(map[string]int64)}
		s.listings[listingID] = sum
	}
	return sum
}

func (sum *ListingSummary) refreshHighest() {
	sum.HighestBid = 0
	for _, amount := range sum.pending {
		if amount > sum.HighestBid {
			sum.HighestBid = amount
		}
	}
}

// List returns summaries in listing order, optionally filtered by status.
func (s *CatalogService) List(status domain.ListingStatus) []ListingSummary {
	s.mu.RLock()
	result := make([]ListingSummary, 0, len(s.listings))
	keys := make(map[string]uint64, len(s.listings))
	for _, sum := range s.listings {
		if status != "" && sum.Status != status {
			continue
		}
		result = append(result, sum.copy())
		keys[sum.ListingID] = sum.created
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return keys[result[i].ListingID] < keys[result[j].ListingID]
	})
	return result
}

// Get returns the summary of one listing.
func (s *CatalogService) Get(listingID string) (ListingSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.listings[listingID]
	if !ok {
		return ListingSummary{}, false
	}
	return sum.copy(), true
}

func (sum *ListingSummary) copy() ListingSummary {
	out := *sum
	out.pending = nil
	return out
}
