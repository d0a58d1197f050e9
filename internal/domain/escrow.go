package domain

import "time"

// EscrowState is the custody position of a locked amount.
type EscrowState string

const (
	EscrowHeld     EscrowState = "Held"
	EscrowReleased EscrowState = "Released"
	EscrowRefunded EscrowState = "Refunded"
)

// EscrowRecord tracks funds taken from Payer and earmarked for Payee (the seller).
type EscrowRecord struct {
	ID        string      `gorm:"primaryKey" json:"id"`
	ListingID string      `gorm:"uniqueIndex" json:"listing_id"`
	Payer     string      `json:"payer"`
	Payee     string      `json:"payee"`
	Amount    int64       `json:"amount"`
	State     EscrowState `gorm:"index" json:"state"`
	FeeShare  int64       `json:"fee_share"` // Set on release
	PayeeNet  int64       `json:"payee_net"` // Set on release
	CreatedAt time.Time   `json:"created_at"`
	SettledAt *time.Time  `json:"settled_at,omitempty"`
}

// IsHeld checks if the funds are still in custody.
func (r *EscrowRecord) IsHeld() bool {
	return r.State == EscrowHeld
}

// Movement builds a ledger movement tagged with this escrow. The memo is
// prefixed to the escrow ID.
func (r *EscrowRecord) Movement(kind MoveKind, account string, amount int64, memo string) Movement {
	return Movement{
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		Memo:      memo + " " + r.ID,
		EscrowID:  r.ID,
		ListingID: r.ListingID,
	}
}
