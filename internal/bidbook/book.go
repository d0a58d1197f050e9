// Package bidbook keeps the competing offers placed against each listing.
package bidbook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trust_bazaar/internal/domain"
)

type listingBids struct {
	order []*domain.Bid // Placement order
	byID  map[string]*domain.Bid
}

// Book holds one bid collection per listing.
type Book struct {
	mu       sync.RWMutex
	listings map[string]*listingBids
	nextSeq  uint64

	now func() time.Time
}

// New creates an empty bid book.
func New() *Book {
	return &Book{
		listings: make(map[string]*listingBids),
		nextSeq:  1,
		now:      time.Now,
	}
}

func (b *Book) collection(listingID string) *listingBids {
	lb, ok := b.listings[listingID]
	if !ok {
		lb = &listingBids{byID: make(map[string]*domain.Bid)}
		b.listings[listingID] = lb
	}
	return lb
}

// Place adds a Pending bid. The listing must be Active and amount must strictly
// exceed the current highest pending bid.
func (b *Book) Place(listing domain.Listing, bidder string, amount int64) (domain.Bid, error) {
	if amount <= 0 {
		return domain.Bid{}, domain.NewValidationError("placeBid", "amount must be positive, got %d", amount)
	}
	if listing.Status != domain.StatusActive {
		return domain.Bid{}, domain.NewStateError("placeBid", "listing %s is %s", listing.ID, listing.Status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	lb := b.collection(listing.ID)
	if top := highest(lb); top != nil && amount <= top.Amount {
		return domain.Bid{}, domain.NewValidationError("placeBid",
			"amount %d does not exceed highest pending bid %d", amount, top.Amount)
	}

	now := b.now().UTC()
	bid := &domain.Bid{
		ID:        uuid.NewString(),
		ListingID: listing.ID,
		Bidder:    bidder,
		Amount:    amount,
		Status:    domain.BidPending,
		Seq:       b.nextSeq,
		Timestamp: now,
		UpdatedAt: now,
	}
	b.nextSeq++
	lb.order = append(lb.order, bid)
	lb.byID[bid.ID] = bid
	return *bid, nil
}

// Cancel withdraws a Pending bid. Only the bidder may cancel it.
func (b *Book) Cancel(listingID, bidID, caller string) (domain.Bid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bid, err := b.find("cancelBid", listingID, bidID)
	if err != nil {
		return domain.Bid{}, err
	}
	if bid.Bidder != caller {
		return domain.Bid{}, domain.NewAuthorizationError("cancelBid", "bid %s belongs to another bidder", bidID)
	}
	if !bid.IsPending() {
		return domain.Bid{}, domain.NewStateError("cancelBid", "bid %s is %s", bidID, bid.Status)
	}
	bid.Status = domain.BidCancelled
	bid.UpdatedAt = b.now().UTC()
	return *bid, nil
}

// Get returns a copy of one bid.
func (b *Book) Get(listingID, bidID string) (domain.Bid, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, err := b.find("getBid", listingID, bidID)
	if err != nil {
		return domain.Bid{}, err
	}
	return *bid, nil
}

func (b *Book) find(op, listingID, bidID string) (*domain.Bid, error) {
	lb, ok := b.listings[listingID]
	if !ok {
		return nil, domain.NewNotFoundError(op, "bid %s on listing %s", bidID, listingID)
	}
	bid, ok := lb.byID[bidID]
	if !ok {
		return nil, domain.NewNotFoundError(op, "bid %s on listing %s", bidID, listingID)
	}
	return bid, nil
}

// HighestPending returns the best pending bid by (amount desc, timestamp asc).
func (b *Book) HighestPending(listingID string) (domain.Bid, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lb, ok := b.listings[listingID]
	if !ok {
		return domain.Bid{}, false
	}
	top := highest(lb)
	if top == nil {
		return domain.Bid{}, false
	}
	return *top, true
}

func highest(lb *listingBids) *domain.Bid {
	var top *domain.Bid
	for _, bid := range lb.order {
		if bid.IsPending() && (top == nil || bid.Outranks(top)) {
			top = bid
		}
	}
	return top
}

// Accept marks bidID Accepted and rejects every other pending bid of the
// listing in the same critical section.
func (b *Book) Accept(listingID, bidID string) (domain.Bid, []domain.Bid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bid, err := b.find("acceptBid", listingID, bidID)
	if err != nil {
		return domain.Bid{}, nil, err
	}
	if !bid.IsPending() {
		return domain.Bid{}, nil, domain.NewStateError("acceptBid", "bid %s is %s", bidID, bid.Status)
	}

	now := b.now().UTC()
	bid.Status = domain.BidAccepted
	bid.UpdatedAt = now
	rejected := b.rejectPendingLocked(listingID, bidID, now)
	return *bid, rejected, nil
}

// RejectAllPendingExcept rejects every pending bid of the listing other than keepBidID.
func (b *Book) RejectAllPendingExcept(listingID, keepBidID string) []domain.Bid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectPendingLocked(listingID, keepBidID, b.now().UTC())
}

// RejectAllPending rejects every pending bid of the listing.
func (b *Book) RejectAllPending(listingID string) []domain.Bid {
	return b.RejectAllPendingExcept(listingID, "")
}

func (b *Book) rejectPendingLocked(listingID, keepBidID string, now time.Time) []domain.Bid {
	lb, ok := b.listings[listingID]
	if !ok {
		return nil
	}
	var rejected []domain.Bid
	for _, bid := range lb.order {
		if bid.ID == keepBidID || !bid.IsPending() {
			continue
		}
		bid.Status = domain.BidRejected
		bid.UpdatedAt = now
		rejected = append(rejected, *bid)
	}
	return rejected
}

// List returns copies of the listing's bids in placement order.
func (b *Book) List(listingID string) []domain.Bid {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lb, ok := b.listings[listingID]
	if !ok {
		return []domain.Bid{}
	}
	out := make([]domain.Bid, len(lb.order))
	for i, bid := range lb.order {
		out[i] = *bid
	}
	return out
}

// Restore loads persisted bids. Placement order is rebuilt from Seq.
func (b *Book) Restore(bids []domain.Bid) error {
	sorted := make([]domain.Bid, len(bids))
	copy(sorted, bids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range sorted {
		bid := sorted[i]
		if bid.ID == "" || bid.ListingID == "" {
			return fmt.Errorf("bidbook: restore: incomplete bid record %q", bid.ID)
		}
		lb := b.collection(bid.ListingID)
		if _, dup := lb.byID[bid.ID]; dup {
			return fmt.Errorf("bidbook: restore: duplicate bid %s", bid.ID)
		}
		lb.order = append(lb.order, &bid)
		lb.byID[bid.ID] = &bid
		if bid.Seq >= b.nextSeq {
			b.nextSeq = bid.Seq + 1
		}
	}
	return nil
}
