package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/engine"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/fee"
	"trust_bazaar/internal/identity"
	"trust_bazaar/internal/ledger"
)

func setupTestDB(t *testing.T) *Storage {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	s, err := newWithDB(db)
	if err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveChangeAndLoadSnapshot(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	listing := domain.Listing{ID: "L1", Seller: "S", Price: 100, Status: domain.StatusActive, Version: 1, CreatedAt: now}
	bid := domain.Bid{ID: "b1", ListingID: "L1", Bidder: "B", Amount: 90, Status: domain.BidPending, Seq: 1, Timestamp: now}

	if err := s.SaveChange(ctx, domain.Change{Listing: &listing, Bids: []domain.Bid{bid}}); err != nil {
		t.Fatalf("SaveChange failed: %v", err)
	}

	// Update: accept the bid and lock funds
	listing.Status = domain.StatusPendingConfirmation
	listing.Buyer = "B"
	listing.EscrowID = "E1"
	listing.Version = 3
	bid.Status = domain.BidAccepted
	escrow := domain.EscrowRecord{ID: "E1", ListingID: "L1", Payer: "B", Payee: "S", Amount: 90, State: domain.EscrowHeld, CreatedAt: now}
	if err := s.SaveChange(ctx, domain.Change{Listing: &listing, Bids: []domain.Bid{bid}, Escrow: &escrow}); err != nil {
		t.Fatalf("SaveChange failed: %v", err)
	}

	listings, bids, escrows, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if len(listings) != 1 || listings[0].Status != domain.StatusPendingConfirmation || listings[0].EscrowID != "E1" {
		t.Errorf("unexpected listings: %+v", listings)
	}
	if len(bids) != 1 || bids[0].Status != domain.BidAccepted {
		t.Errorf("unexpected bids: %+v", bids)
	}
	if len(escrows) != 1 || escrows[0].State != domain.EscrowHeld || escrows[0].SettledAt != nil {
		t.Errorf("unexpected escrows: %+v", escrows)
	}
}

func TestEventJournal(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	seq, err := s.LastEventSeq(ctx)
	if err != nil || seq != 0 {
		t.Fatalf("empty journal: seq=%d err=%v", seq, err)
	}

	bus := event.NewBus(s)
	bus.Publish(ctx,
		event.Event{Type: event.ListingCreated, ListingID: "L1"},
		event.Event{Type: event.ListingCreated, ListingID: "L2"},
		event.Event{Type: event.BidPlaced, ListingID: "L1", Amount: 5},
	)

	seq, err = s.LastEventSeq(ctx)
	if err != nil || seq != 3 {
		t.Fatalf("LastEventSeq = %d, %v; want 3", seq, err)
	}

	evs, err := s.ListingEvents(ctx, "L1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Seq != 1 || evs[1].Type != event.BidPlaced || evs[1].Amount != 5 {
		t.Errorf("unexpected L1 events: %+v", evs)
	}

	evs, _ = s.ListingEvents(ctx, "L1", 1, 10)
	if len(evs) != 1 || evs[0].Seq != 3 {
		t.Errorf("afterSeq filter failed: %+v", evs)
	}

	resumed := event.NewBus(s)
	if err := resumed.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if out := resumed.Publish(ctx, event.Event{Type: event.ListingCancelled, ListingID: "L2"}); out[0].Seq != 4 {
		t.Errorf("resumed bus assigned seq %d, want 4", out[0].Seq)
	}
}

func TestAttestationsAndMeta(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	reg := identity.NewRegistry(s, nil)
	if err := reg.Attest(ctx, "alice", "token"); err != nil {
		t.Fatalf("Attest failed: %v", err)
	}
	reloaded := identity.NewRegistry(s, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := reloaded.IsVerifiedHuman(ctx, "alice"); !ok {
		t.Error("attestation not persisted")
	}

	v, err := s.GetMeta(ctx, "ledger_seeded")
	if err != nil || v != "" {
		t.Fatalf("unset meta: %q, %v", v, err)
	}
	if err := s.SetMeta(ctx, "ledger_seeded", "1"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetMeta(ctx, "ledger_seeded"); v != "1" {
		t.Errorf("meta = %q, want 1", v)
	}
}

func TestEngineWriteThroughAndRestore(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	led, err := ledger.NewSQL(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if err := led.Deposit(ctx, "B", 500); err != nil {
		t.Fatal(err)
	}
	fees, _ := fee.NewCollector(100, "platform")
	verifier := identity.NewRegistry(s, []string{"S", "B"})

	first := engine.New(engine.Config{}, led, verifier, fees,
		engine.WithStore(s), engine.WithBus(event.NewBus(s)))

	held, err := first.ListItem(ctx, "S", "held", 200)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.BuyItem(ctx, held.ID, "B"); err != nil {
		t.Fatal(err)
	}
	open, _ := first.ListItem(ctx, "S", "open", 50)
	if _, err := first.PlaceBid(ctx, open.ID, "B", 40); err != nil {
		t.Fatal(err)
	}

	listings, bids, escrows, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	second := engine.New(engine.Config{}, led, verifier, fees, engine.WithStore(s))
	if err := second.Restore(ctx, listings, bids, escrows); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if second.Custodied() != 200 {
		t.Errorf("custodied = %d, want 200", second.Custodied())
	}
	if err := second.ConfirmReceipt(ctx, held.ID, "B"); err != nil {
		t.Fatalf("ConfirmReceipt after restore failed: %v", err)
	}

	seller, _ := led.Balance(ctx, "S")
	platform, _ := led.Balance(ctx, "platform")
	if seller != 198 || platform != 2 {
		t.Errorf("seller=%d platform=%d, want 198/2", seller, platform)
	}

	evs, _ := s.ListingEvents(ctx, held.ID, 0, 0)
	if len(evs) != 2 {
		t.Errorf("expected created+locked journaled for first engine, got %d", len(evs))
	}
}

// escrowFailingStore refuses records that carry an escrow. Atomic is promoted
// from Storage, so the engine still runs each operation in one transaction.
type escrowFailingStore struct {
	*Storage
}

func (s escrowFailingStore) SaveChange(ctx context.Context, c domain.Change) error {
	if c.Escrow != nil {
		return errors.New("disk I/O error")
	}
	return s.Storage.SaveChange(ctx, c)
}

func TestEngineRollsBackLedgerWhenRecordWriteFails(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	led, err := ledger.NewSQL(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if err := led.Deposit(ctx, "B", 500); err != nil {
		t.Fatal(err)
	}
	fees, _ := fee.NewCollector(100, "platform")
	verifier := identity.NewRegistry(s, []string{"S", "B", "C"})

	first := engine.New(engine.Config{}, led, verifier, fees,
		engine.WithStore(escrowFailingStore{s}), engine.WithBus(event.NewBus(s)))

	l, err := first.ListItem(ctx, "S", "item", 200)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.BuyItem(ctx, l.ID, "B"); !errors.Is(err, domain.ErrCustody) {
		t.Fatalf("BuyItem err = %v, want custody error", err)
	}
	if !first.Halted(l.ID) {
		t.Error("listing not halted after failed record write")
	}

	// the debit rolled back with the records and the journal entry
	if bal, _ := led.Balance(ctx, "B"); bal != 500 {
		t.Errorf("buyer balance = %d, want 500", bal)
	}
	positions, err := led.EscrowPositions(ctx, l.ID)
	if err != nil || len(positions) != 0 {
		t.Errorf("positions = %+v, %v; want none", positions, err)
	}
	if evs, _ := s.ListingEvents(ctx, l.ID, 0, 0); len(evs) != 1 {
		t.Errorf("journal has %d events for the listing, want 1", len(evs))
	}

	listings, bids, escrows, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second := engine.New(engine.Config{}, led, verifier, fees, engine.WithStore(s))
	if err := second.Restore(ctx, listings, bids, escrows); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if second.Halted(l.ID) {
		t.Error("consistent listing restored halted")
	}

	if _, err := second.BuyItem(ctx, l.ID, "B"); err != nil {
		t.Fatalf("BuyItem after restore failed: %v", err)
	}
	if _, err := second.BuyItem(ctx, l.ID, "C"); !errors.Is(err, domain.ErrState) {
		t.Errorf("second sale err = %v, want state error", err)
	}
	if bal, _ := led.Balance(ctx, "B"); bal != 300 {
		t.Errorf("buyer balance = %d, want 300", bal)
	}
	if err := second.Audit(ctx); err != nil {
		t.Errorf("Audit after restore: %v", err)
	}
}
