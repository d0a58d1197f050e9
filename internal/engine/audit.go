package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"trust_bazaar/internal/domain"
)

// errLedgerMismatch marks custody errors where the ledger disagrees with the escrow records.
var errLedgerMismatch = errors.New("ledger does not match escrow records")

// Audit verifies single custody, conservation, and that every listing's status
// agrees with its escrow record. With an auditable ledger it also checks that
// the ledger holds exactly what the Held records claim. A mismatch halts the listing.
func (e *Engine) Audit(ctx context.Context) error {
	_, err := e.audit(ctx, "audit", false)
	return err
}

// audit runs the checks. When tolerant, ledger mismatches halt their listing
// and are counted instead of stopping the audit.
func (e *Engine) audit(ctx context.Context, op string, tolerant bool) (mismatched int, err error) {
	if err := e.vault.Audit(); err != nil {
		slog.Error("CUSTODY_VIOLATION", slog.Any("error", err))
		e.rec.RecordCustodyViolation()
		return 0, err
	}
	al, auditable := e.ledger.(domain.AuditableLedger)
	if auditable {
		if err := al.Verify(ctx); err != nil {
			slog.Error("CUSTODY_VIOLATION", slog.Any("error", err))
			e.rec.RecordCustodyViolation()
			return 0, err
		}
	}

	for _, l := range e.listings.All() {
		err := e.run(ctx, op, l.ID, false, func(ctx context.Context) error {
			current, err := e.listings.Get(l.ID)
			if err != nil {
				return err
			}
			if err := e.auditListing(current); err != nil {
				return err
			}
			return e.reconcile(ctx, l.ID)
		})
		if err == nil {
			continue
		}
		if tolerant && errors.Is(err, errLedgerMismatch) {
			mismatched++
			continue
		}
		return mismatched, err
	}

	if !auditable {
		return mismatched, nil
	}
	// custody on the ledger for listings the registry never saw
	positions, err := al.EscrowPositions(ctx, "")
	if err != nil {
		return mismatched, fmt.Errorf("engine: %s: %w", op, err)
	}
	for _, p := range positions {
		if p.Net == 0 {
			continue
		}
		if _, err := e.listings.Get(p.ListingID); err == nil {
			continue
		}
		orphan := domain.NewCustodyError(op, errLedgerMismatch,
			"LEDGER_MISMATCH: escrow %s holds %d for unknown listing %s", p.EscrowID, p.Net, p.ListingID)
		e.halt(p.ListingID, orphan)
		if !tolerant {
			return mismatched, orphan
		}
		mismatched++
	}
	return mismatched, nil
}

// reconcile checks that the ledger's custody position of every escrow of the
// listing is the full amount while Held and zero otherwise.
func (e *Engine) reconcile(ctx context.Context, listingID string) error {
	al, ok := e.ledger.(domain.AuditableLedger)
	if !ok {
		return nil
	}
	positions, err := al.EscrowPositions(ctx, listingID)
	if err != nil {
		return fmt.Errorf("engine: reconcile %s: %w", listingID, err)
	}

	expect := make(map[string]int64)
	for _, rec := range e.vault.History(listingID) {
		if rec.IsHeld() {
			expect[rec.ID] = rec.Amount
		} else {
			expect[rec.ID] = 0
		}
	}
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		seen[p.EscrowID] = true
		if want := expect[p.EscrowID]; p.Net != want {
			return domain.NewCustodyError("audit", errLedgerMismatch,
				"LEDGER_MISMATCH: escrow %s of listing %s has %d in custody on the ledger, records expect %d",
				p.EscrowID, listingID, p.Net, want)
		}
	}
	for id, want := range expect {
		if want != 0 && !seen[id] {
			return domain.NewCustodyError("audit", errLedgerMismatch,
				"LEDGER_MISMATCH: escrow %s of listing %s is held for %d but the ledger has no custody movement",
				id, listingID, want)
		}
	}
	return nil
}

func (e *Engine) auditListing(l domain.Listing) error {
	rec, err := e.vault.Get(l.ID)
	hasEscrow := err == nil

	var want domain.EscrowState
	switch l.Status {
	case domain.StatusActive, domain.StatusCancelled:
		if hasEscrow && rec.IsHeld() {
			return domain.NewCustodyError("audit", nil, "listing %s is %s but escrow %s is held", l.ID, l.Status, rec.ID)
		}
		return nil
	case domain.StatusBidAccepted, domain.StatusPendingConfirmation:
		want = domain.EscrowHeld
	case domain.StatusCompleted:
		want = domain.EscrowReleased
	case domain.StatusRefunded:
		want = domain.EscrowRefunded
	}

	if !hasEscrow {
		return domain.NewCustodyError("audit", nil, "listing %s is %s without an escrow record", l.ID, l.Status)
	}
	if rec.State != want || rec.ID != l.EscrowID {
		return domain.NewCustodyError("audit", nil, "listing %s is %s (escrow %q) but vault has %s in state %s",
			l.ID, l.Status, l.EscrowID, rec.ID, rec.State)
	}
	return nil
}

// State is the full engine state written by DumpState.
type State struct {
	Listings  []domain.Listing      `json:"listings"`
	Bids      []domain.Bid          `json:"bids"`
	Escrows   []domain.EscrowRecord `json:"escrows"`
	Custodied int64                 `json:"custodied"`
	Halted    map[string]string     `json:"halted"`
	EventSeq  uint64                `json:"event_seq"`
}

// Snapshot collects the current state without taking listing locks.
func (e *Engine) Snapshot() State {
	s := State{
		Listings:  e.listings.All(),
		Escrows:   e.vault.Records(),
		Custodied: e.vault.Custodied(),
		Halted:    make(map[string]string),
	}
	for _, l := range s.Listings {
		s.Bids = append(s.Bids, e.bids.List(l.ID)...)
	}

	e.haltMu.RLock()
	for id, cause := range e.halted {
		s.Halted[id] = cause.Error()
	}
	e.haltMu.RUnlock()

	if e.bus != nil {
		s.EventSeq = e.bus.Seq()
	}
	return s
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (e *Engine) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	b, err := json.MarshalIndent(e.Snapshot(), "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		slog.Error("Failed to create dump directory", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}

// Restore loads persisted records into an empty engine and audits the result.
// Listings whose records disagree with the ledger, for example after a crash
// between a ledger write and the record write, are restored halted.
// It must run before the engine serves any operation.
func (e *Engine) Restore(ctx context.Context, listings []domain.Listing, bids []domain.Bid, escrows []domain.EscrowRecord) error {
	if err := e.listings.Restore(listings); err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	if err := e.bids.Restore(bids); err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	if err := e.vault.Restore(escrows); err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	e.rec.SetCustodied(e.vault.Custodied())

	mismatched, err := e.audit(ctx, "restore", true)
	if err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	if mismatched > 0 {
		slog.Warn("Listings halted pending ledger reconciliation", slog.Int("count", mismatched))
	}
	slog.Info("Engine state restored",
		slog.Int("listings", len(listings)),
		slog.Int("bids", len(bids)),
		slog.Int("escrows", len(escrows)),
		slog.Int64("custodied", e.vault.Custodied()))
	return nil
}
