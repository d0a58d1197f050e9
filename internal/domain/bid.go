package domain

import "time"

// BidStatus is the lifecycle position of a bid.
type BidStatus string

const (
	BidPending   BidStatus = "Pending"
	BidAccepted  BidStatus = "Accepted"
	BidRejected  BidStatus = "Rejected"
	BidCancelled BidStatus = "Cancelled"
)

// Bid is an offer against a listing. ListingID is a back-reference; the Bid Book owns the record.
type Bid struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ListingID string    `gorm:"index" json:"listing_id"`
	Bidder    string    `gorm:"index" json:"bidder"`
	Amount    int64     `json:"amount"`
	Status    BidStatus `json:"status"`
	Seq       uint64    `json:"seq"` // Placement order within the book, breaks timestamp ties
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPending checks if the bid can still be accepted or cancelled.
func (b *Bid) IsPending() bool {
	return b.Status == BidPending
}

// Outranks orders bids by amount desc, then timestamp asc, then placement order.
func (b *Bid) Outranks(other *Bid) bool {
	if b.Amount != other.Amount {
		return b.Amount > other.Amount
	}
	if !b.Timestamp.Equal(other.Timestamp) {
		return b.Timestamp.Before(other.Timestamp)
	}
	return b.Seq < other.Seq
}
