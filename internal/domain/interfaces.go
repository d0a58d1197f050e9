package domain

import "context"

// IdentityVerifier answers whether an identity belongs to a verified human.
// Consulted before listing, buying and bidding.
type IdentityVerifier interface {
	IsVerifiedHuman(ctx context.Context, identity string) (bool, error)
}

// Ledger holds the free balances of payers and payees. Amounts are micros.
type Ledger interface {
	// Debit fails with ErrInsufficientFunds when the account cannot cover amount.
	Debit(ctx context.Context, account string, amount int64) error
	Credit(ctx context.Context, account string, amount int64) error
	Balance(ctx context.Context, account string) (int64, error)
}

// MoveKind selects the direction of a Movement.
type MoveKind int

const (
	MoveDebit MoveKind = iota + 1
	MoveCredit
)

// String returns the string representation of MoveKind
func (k MoveKind) String() string {
	switch k {
	case MoveDebit:
		return "DEBIT"
	case MoveCredit:
		return "CREDIT"
	default:
		return "UNKNOWN"
	}
}

// Movement is one debit or credit against a ledger account. Escrow
// movements carry the escrow and listing they belong to.
type Movement struct {
	Kind      MoveKind
	Account   string
	Amount    int64
	Memo      string
	EscrowID  string
	ListingID string
}

// BatchLedger applies several movements as one all-or-nothing unit.
type BatchLedger interface {
	Apply(ctx context.Context, moves []Movement) error
}

// EscrowPosition is the net amount the ledger has moved into custody for one
// escrow: debits minus credits of every movement tagged with it.
type EscrowPosition struct {
	EscrowID  string
	ListingID string
	Net       int64
}

// AuditableLedger can check its own balances and report per-escrow positions,
// which the engine reconciles against its escrow records. An empty listingID
// selects every escrow.
type AuditableLedger interface {
	BatchLedger
	Verify(ctx context.Context) error
	EscrowPositions(ctx context.Context, listingID string) ([]EscrowPosition, error)
}
