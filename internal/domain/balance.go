package domain

import (
	"fmt"
	"sort"

	"trust_bazaar/internal/money"
)

// Balance represents a ledger account with invariant checking.
// All amounts are micros of the settlement currency.
type Balance struct {
	Account      string `json:"account"`
	AmountMicros int64  `json:"amount"`
	LastSeq      uint64 `json:"last_seq"` // Last movement sequence that modified this
}

// Credit adds funds to the balance.
func (b *Balance) Credit(amountMicros int64, seq uint64) error {
	if amountMicros < 0 {
		return NewValidationError("ledger.credit", "negative amount %d", amountMicros)
	}
	next, err := money.Add(b.AmountMicros, amountMicros)
	if err != nil {
		return NewValidationError("ledger.credit", "account %s: %v", b.Account, err)
	}
	b.AmountMicros = next
	b.LastSeq = seq
	return nil
}

// Debit removes funds from the balance. Fails with InsufficientFunds instead of overdrawing.
func (b *Balance) Debit(amountMicros int64, seq uint64) error {
	if amountMicros < 0 {
		return NewValidationError("ledger.debit", "negative amount %d", amountMicros)
	}
	if amountMicros > b.AmountMicros {
		return NewInsufficientFundsError("ledger.debit", "account %s needs %d, available %d",
			b.Account, amountMicros, b.AmountMicros)
	}
	b.AmountMicros -= amountMicros
	b.LastSeq = seq
	return nil
}

// VerifyInvariant checks that balance satisfies invariants.
func (b *Balance) VerifyInvariant() error {
	if b.AmountMicros < 0 {
		return NewCustodyError("ledger.verify", nil, "BALANCE_INVARIANT_NEGATIVE_AMOUNT: %s = %d",
			b.Account, b.AmountMicros)
	}
	return nil
}

// BalanceBook manages multiple balances with invariant checking.
// It is not safe for concurrent use; callers hold their own lock.
type BalanceBook struct {
	balances map[string]*Balance
}

// NewBalanceBook creates a new balance book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		balances: make(map[string]*Balance),
	}
}

// Get returns the balance for an account, creating if not exists.
func (bb *BalanceBook) Get(account string) *Balance {
	b, ok := bb.balances[account]
	if !ok {
		b = &Balance{Account: account}
		bb.balances[account] = b
	}
	return b
}

// Peek returns the balance for an account without creating it.
func (bb *BalanceBook) Peek(account string) (Balance, bool) {
	b, ok := bb.balances[account]
	if !ok {
		return Balance{Account: account}, false
	}
	return *b, true
}

// VerifyAll checks invariants on all balances.
func (bb *BalanceBook) VerifyAll() error {
	for _, b := range bb.balances {
		if err := b.VerifyInvariant(); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of all balances sorted by account (for state dump).
func (bb *BalanceBook) Snapshot() []Balance {
	result := make([]Balance, 0, len(bb.balances))
	for _, v := range bb.balances {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Account < result[j].Account
	})
	return result
}

// Total sums every balance. Used by conservation checks.
func (bb *BalanceBook) Total() (int64, error) {
	var total int64
	for _, b := range bb.balances {
		next, err := money.Add(total, b.AmountMicros)
		if err != nil {
			return 0, fmt.Errorf("domain: balance total: %w", err)
		}
		total = next
	}
	return total, nil
}
