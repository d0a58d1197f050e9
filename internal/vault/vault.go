// Package vault holds buyer funds in custody between lock and settlement.
// It is the only component that moves money on the ledger.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/fee"
	"trust_bazaar/internal/money"
)

type entry struct {
	rec      domain.EscrowRecord
	inFlight bool // A release or refund is talking to the ledger
}

// Vault tracks escrow records and the total amount in custody.
type Vault struct {
	ledger domain.Ledger
	fees   *fee.Collector

	mu        sync.Mutex
	records   map[string]*entry   // By escrow ID
	history   map[string][]string // Listing ID -> escrow IDs, oldest first
	held      map[string]string   // Listing ID -> Held escrow ID ("" while a lock is reserving)
	custodied int64

	now func() time.Time
}

// New creates a vault moving money on ledger and splitting releases with fees.
func New(ledger domain.Ledger, fees *fee.Collector) *Vault {
	return &Vault{
		ledger:  ledger,
		fees:    fees,
		records: make(map[string]*entry),
		history: make(map[string][]string),
		held:    make(map[string]string),
		now:     time.Now,
	}
}

// Lock debits payer and creates a Held record for the listing.
// A second lock on a listing that already holds funds is a custody violation.
func (v *Vault) Lock(ctx context.Context, listingID, payer, payee string, amount int64) (domain.EscrowRecord, error) {
	if amount <= 0 {
		return domain.EscrowRecord{}, domain.NewValidationError("vault.lock", "amount must be positive, got %d", amount)
	}

	v.mu.Lock()
	if id, exists := v.held[listingID]; exists {
		v.mu.Unlock()
		return domain.EscrowRecord{}, domain.NewCustodyError("vault.lock", nil,
			"DOUBLE_LOCK: listing %s already holds escrow %q", listingID, id)
	}
	v.held[listingID] = ""
	v.mu.Unlock()

	id := uuid.NewString()
	debit := domain.Movement{Kind: domain.MoveDebit, Account: payer, Amount: amount,
		Memo: "lock " + id, EscrowID: id, ListingID: listingID}
	if err := v.apply(ctx, []domain.Movement{debit}); err != nil {
		v.unreserve(listingID)
		return domain.EscrowRecord{}, fmt.Errorf("vault: lock %s: %w", listingID, err)
	}

	v.mu.Lock()
	total, err := money.Add(v.custodied, amount)
	if err != nil {
		delete(v.held, listingID)
		v.mu.Unlock()

		reversal := debit
		reversal.Kind = domain.MoveCredit
		reversal.Memo = "lock reversal " + id
		if cerr := v.apply(context.WithoutCancel(ctx), []domain.Movement{reversal}); cerr != nil {
			return domain.EscrowRecord{}, domain.NewCustodyError("vault.lock", errors.Join(err, cerr),
				"custodied total overflow and debit of %s could not be reversed", payer)
		}
		full := domain.NewStateError("vault.lock", "custody capacity exceeded locking %d on listing %s", amount, listingID)
		full.Err = err
		return domain.EscrowRecord{}, full
	}
	defer v.mu.Unlock()

	rec := domain.EscrowRecord{
		ID:        id,
		ListingID: listingID,
		Payer:     payer,
		Payee:     payee,
		Amount:    amount,
		State:     domain.EscrowHeld,
		CreatedAt: v.now().UTC(),
	}
	v.records[rec.ID] = &entry{rec: rec}
	v.history[listingID] = append(v.history[listingID], rec.ID)
	v.held[listingID] = rec.ID
	v.custodied = total
	return rec, nil
}

func (v *Vault) unreserve(listingID string) {
	v.mu.Lock()
	delete(v.held, listingID)
	v.mu.Unlock()
}

// Release pays the payee net of fees and the fee recipient its share.
func (v *Vault) Release(ctx context.Context, listingID string) (domain.EscrowRecord, error) {
	e, err := v.begin("vault.release", listingID)
	if err != nil {
		return domain.EscrowRecord{}, err
	}

	sellerShare, feeShare, err := v.fees.ComputeFee(e.rec.Amount)
	if err != nil {
		v.abort(e)
		return domain.EscrowRecord{}, err
	}
	moves := []domain.Movement{
		e.rec.Movement(domain.MoveCredit, e.rec.Payee, sellerShare, "release"),
		e.rec.Movement(domain.MoveCredit, v.fees.Recipient(), feeShare, "fee"),
	}
	if err := v.apply(ctx, moves); err != nil {
		v.abort(e)
		return domain.EscrowRecord{}, fmt.Errorf("vault: release %s: %w", listingID, err)
	}

	return v.settle(e, domain.EscrowReleased, func(r *domain.EscrowRecord) {
		r.FeeShare = feeShare
		r.PayeeNet = sellerShare
	}), nil
}

// Refund returns the full amount to the payer.
func (v *Vault) Refund(ctx context.Context, listingID string) (domain.EscrowRecord, error) {
	e, err := v.begin("vault.refund", listingID)
	if err != nil {
		return domain.EscrowRecord{}, err
	}

	moves := []domain.Movement{
		e.rec.Movement(domain.MoveCredit, e.rec.Payer, e.rec.Amount, "refund"),
	}
	if err := v.apply(ctx, moves); err != nil {
		v.abort(e)
		return domain.EscrowRecord{}, fmt.Errorf("vault: refund %s: %w", listingID, err)
	}

	return v.settle(e, domain.EscrowRefunded, nil), nil
}

// begin claims the Held record of a listing for settlement.
func (v *Vault) begin(op, listingID string) (*entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id, ok := v.held[listingID]
	if !ok || id == "" {
		return nil, domain.NewStateError(op, "listing %s has no held escrow", listingID)
	}
	e := v.records[id]
	if e.inFlight {
		return nil, domain.NewStateError(op, "escrow %s is already settling", id)
	}
	e.inFlight = true
	return e, nil
}

func (v *Vault) abort(e *entry) {
	v.mu.Lock()
	e.inFlight = false
	v.mu.Unlock()
}

func (v *Vault) settle(e *entry, state domain.EscrowState, apply func(*domain.EscrowRecord)) domain.EscrowRecord {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now().UTC()
	e.rec.State = state
	e.rec.SettledAt = &now
	if apply != nil {
		apply(&e.rec)
	}
	e.inFlight = false
	delete(v.held, e.rec.ListingID)
	v.custodied -= e.rec.Amount
	return e.rec
}

// apply moves money as one unit. Ledgers without batch support get the moves
// in order, with already-applied moves reversed on failure.
func (v *Vault) apply(ctx context.Context, moves []domain.Movement) error {
	moves = nonZero(moves)
	if bl, ok := v.ledger.(domain.BatchLedger); ok {
		return bl.Apply(ctx, moves)
	}

	for i, mv := range moves {
		if err := v.move(ctx, mv); err != nil {
			if cerr := v.compensate(context.WithoutCancel(ctx), moves[:i]); cerr != nil {
				return domain.NewCustodyError("vault.compensate", errors.Join(err, cerr),
					"partial movement could not be reversed")
			}
			return err
		}
	}
	return nil
}

func (v *Vault) compensate(ctx context.Context, applied []domain.Movement) error {
	for i := len(applied) - 1; i >= 0; i-- {
		mv := applied[i]
		switch mv.Kind {
		case domain.MoveCredit:
			mv.Kind = domain.MoveDebit
		case domain.MoveDebit:
			mv.Kind = domain.MoveCredit
		}
		if err := v.move(ctx, mv); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) move(ctx context.Context, mv domain.Movement) error {
	switch mv.Kind {
	case domain.MoveDebit:
		return v.ledger.Debit(ctx, mv.Account, mv.Amount)
	case domain.MoveCredit:
		return v.ledger.Credit(ctx, mv.Account, mv.Amount)
	default:
		return domain.NewValidationError("vault.move", "unknown movement kind %d", mv.Kind)
	}
}

func nonZero(moves []domain.Movement) []domain.Movement {
	out := moves[:0:0]
	for _, mv := range moves {
		if mv.Amount != 0 {
			out = append(out, mv)
		}
	}
	return out
}

// Get returns the most recent escrow record of a listing.
func (v *Vault) Get(listingID string) (domain.EscrowRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := v.history[listingID]
	if len(ids) == 0 {
		return domain.EscrowRecord{}, domain.NewNotFoundError("getEscrow", "no escrow for listing %s", listingID)
	}
	return v.records[ids[len(ids)-1]].rec, nil
}

// History returns every escrow record of a listing, oldest first.
func (v *Vault) History(listingID string) []domain.EscrowRecord {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := v.history[listingID]
	out := make([]domain.EscrowRecord, len(ids))
	for i, id := range ids {
		out[i] = v.records[id].rec
	}
	return out
}

// Custodied returns the total amount currently held.
func (v *Vault) Custodied() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.custodied
}

// Records returns every escrow record sorted by creation time.
func (v *Vault) Records() []domain.EscrowRecord {
	v.mu.Lock()
	out := make([]domain.EscrowRecord, 0, len(v.records))
	for _, e := range v.records {
		out = append(out, e.rec)
	}
	v.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Audit checks single custody per listing and that held records sum to the custodied total.
func (v *Vault) Audit() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	perListing := make(map[string]int)
	var sum int64
	for _, e := range v.records {
		if !e.rec.IsHeld() {
			continue
		}
		perListing[e.rec.ListingID]++
		if perListing[e.rec.ListingID] > 1 {
			return domain.NewCustodyError("vault.audit", nil,
				"SINGLE_CUSTODY_VIOLATED: listing %s has more than one held escrow", e.rec.ListingID)
		}
		sum += e.rec.Amount
	}
	if sum != v.custodied {
		return domain.NewCustodyError("vault.audit", nil,
			"CONSERVATION_VIOLATED: held records sum to %d, custodied total is %d", sum, v.custodied)
	}
	return nil
}

// Restore loads persisted records and recomputes the custodied total from Held ones.
func (v *Vault) Restore(records []domain.EscrowRecord) error {
	sorted := make([]domain.EscrowRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, rec := range sorted {
		if _, dup := v.records[rec.ID]; dup {
			return fmt.Errorf("vault: restore: duplicate escrow %s", rec.ID)
		}
		if rec.IsHeld() {
			if other, exists := v.held[rec.ListingID]; exists {
				return domain.NewCustodyError("vault.restore", nil,
					"listing %s holds escrows %s and %s", rec.ListingID, other, rec.ID)
			}
			total, err := money.Add(v.custodied, rec.Amount)
			if err != nil {
				return domain.NewCustodyError("vault.restore", err, "custodied total overflow")
			}
			v.custodied = total
			v.held[rec.ListingID] = rec.ID
		}
		v.records[rec.ID] = &entry{rec: rec}
		v.history[rec.ListingID] = append(v.history[rec.ListingID], rec.ID)
	}
	return nil
}
