// Package event carries settlement events from the engine to the journal and subscribers.
package event

import "time"

// Type names a committed settlement transition.
type Type string

const (
	ListingCreated   Type = "listing.created"
	ListingCancelled Type = "listing.cancelled"
	ListingCompleted Type = "listing.completed"
	ListingRefunded  Type = "listing.refunded"
	BidPlaced        Type = "bid.placed"
	BidCancelled     Type = "bid.cancelled"
	BidAccepted      Type = "bid.accepted"
	BidRejected      Type = "bid.rejected"
	EscrowLocked     Type = "escrow.locked"
	EscrowReleased   Type = "escrow.released"
	EscrowRefunded   Type = "escrow.refunded"
)

// BaseEvent holds the sequencing fields shared by every event.
type BaseEvent struct {
	Seq uint64 `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	Ts  int64  `json:"ts"` // Unix micros
}

// Event is one journal entry. Fields that do not apply to a type stay empty.
type Event struct {
	BaseEvent
	Type         Type   `gorm:"index" json:"type"`
	ListingID    string `gorm:"index" json:"listing_id"`
	BidID        string `json:"bid_id,omitempty"`
	EscrowID     string `json:"escrow_id,omitempty"`
	Actor        string `json:"actor,omitempty"`        // Identity that caused the transition
	Counterparty string `json:"counterparty,omitempty"` // Other party, e.g. the payee of a lock
	Amount       int64  `json:"amount,omitempty"`
	Status       string `json:"status,omitempty"` // Listing status after the transition
	ItemRef      string `json:"item_ref,omitempty"`
}

// TableName keeps the journal table name stable.
func (Event) TableName() string { return "events" }

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMicro(e.Ts).UTC()
}
