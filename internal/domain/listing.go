package domain

import "time"

// ListingStatus is the lifecycle position of a listing.
type ListingStatus string

const (
	StatusActive              ListingStatus = "Active"
	StatusBidAccepted         ListingStatus = "BidAccepted"
	StatusPendingConfirmation ListingStatus = "PendingConfirmation"
	StatusCompleted           ListingStatus = "Completed"
	StatusCancelled           ListingStatus = "Cancelled"
	StatusRefunded            ListingStatus = "Refunded"
)

// listingTransitions is the forward-only transition graph. Nothing leads back to Active.
var listingTransitions = map[ListingStatus][]ListingStatus{
	StatusActive:              {StatusBidAccepted, StatusPendingConfirmation, StatusCancelled},
	StatusBidAccepted:         {StatusPendingConfirmation},
	StatusPendingConfirmation: {StatusCompleted, StatusRefunded},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s ListingStatus) CanTransitionTo(next ListingStatus) bool {
	for _, allowed := range listingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s ListingStatus) Valid() bool {
	switch s {
	case StatusActive, StatusBidAccepted, StatusPendingConfirmation,
		StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Listing is an item offered for sale. Price is in micro units of the settlement currency.
// Records are never deleted; terminal statuses retire them.
type Listing struct {
	ID        string        `gorm:"primaryKey" json:"id"`
	Seller    string        `gorm:"index" json:"seller"`
	ItemRef   string        `json:"item_ref"`
	Price     int64         `json:"price"`
	Status    ListingStatus `gorm:"index" json:"status"`
	Buyer     string        `json:"buyer,omitempty"`     // Payer of the escrow lock, once locked
	EscrowID  string        `json:"escrow_id,omitempty"` // Set together with Buyer
	Version   uint64        `json:"version"`             // Bumped on every mutation
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
