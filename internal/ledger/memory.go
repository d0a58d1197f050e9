// Package ledger provides the balance ledger the escrow vault moves money on.
package ledger

import (
	"context"
	"sort"
	"sync"

	"trust_bazaar/internal/domain"
)

// Memory is an in-process ledger backed by a domain.BalanceBook.
type Memory struct {
	mu   sync.Mutex
	book *domain.BalanceBook
	seq  uint64

	positions map[string]*domain.EscrowPosition // By escrow ID
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		book:      domain.NewBalanceBook(),
		positions: make(map[string]*domain.EscrowPosition),
	}
}

// Deposit funds an account from outside the marketplace (top-up, seeding).
func (m *Memory) Deposit(ctx context.Context, account string, amount int64) error {
	return m.Credit(ctx, account, amount)
}

func (m *Memory) Debit(_ context.Context, account string, amount int64) error {
	if account == "" {
		return domain.NewValidationError("ledger.debit", "account is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	return m.book.Get(account).Debit(amount, m.seq)
}

func (m *Memory) Credit(_ context.Context, account string, amount int64) error {
	if account == "" {
		return domain.NewValidationError("ledger.credit", "account is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	return m.book.Get(account).Credit(amount, m.seq)
}

func (m *Memory) Balance(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, _ := m.book.Peek(account)
	return b.AmountMicros, nil
}

// Apply runs every movement or none of them.
func (m *Memory) Apply(_ context.Context, moves []domain.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// keep the pre-images so a failed move can roll the batch back
	before := make(map[string]domain.Balance, len(moves))
	for _, mv := range moves {
		if mv.Account == "" {
			return domain.NewValidationError("ledger.apply", "account is required")
		}
		if _, seen := before[mv.Account]; !seen {
			before[mv.Account] = *m.book.Get(mv.Account)
		}
	}

	for _, mv := range moves {
		m.seq++
		var err error
		switch mv.Kind {
		case domain.MoveDebit:
			err = m.book.Get(mv.Account).Debit(mv.Amount, m.seq)
		case domain.MoveCredit:
			err = m.book.Get(mv.Account).Credit(mv.Amount, m.seq)
		default:
			err = domain.NewValidationError("ledger.apply", "unknown movement kind %d", mv.Kind)
		}
		if err != nil {
			for account, snapshot := range before {
				*m.book.Get(account) = snapshot
			}
			return err
		}
	}

	for _, mv := range moves {
		if mv.EscrowID == "" {
			continue
		}
		p, ok := m.positions[mv.EscrowID]
		if !ok {
			p = &domain.EscrowPosition{EscrowID: mv.EscrowID, ListingID: mv.ListingID}
			m.positions[mv.EscrowID] = p
		}
		if mv.Kind == domain.MoveDebit {
			p.Net += mv.Amount
		} else {
			p.Net -= mv.Amount
		}
	}
	return nil
}

// Verify checks that no balance went negative.
func (m *Memory) Verify(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.VerifyAll()
}

// EscrowPositions returns the net custody movement of each escrow of a
// listing ("" for all), sorted by escrow ID.
func (m *Memory) EscrowPositions(_ context.Context, listingID string) ([]domain.EscrowPosition, error) {
	m.mu.Lock()
	out := make([]domain.EscrowPosition, 0, len(m.positions))
	for _, p := range m.positions {
		if listingID == "" || p.ListingID == listingID {
			out = append(out, *p)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EscrowID < out[j].EscrowID })
	return out, nil
}

// Snapshot returns every balance sorted by account.
func (m *Memory) Snapshot() []domain.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.Snapshot()
}

// Total sums all balances.
func (m *Memory) Total() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.book.Total()
}
