package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/fee"
	"trust_bazaar/internal/identity"
	"trust_bazaar/internal/ledger"
)

// flakyStore fails SaveChange while fail is set. It keeps what it saved.
type flakyStore struct {
	mu      sync.Mutex
	fail    bool
	changes []domain.Change
}

func (s *flakyStore) SaveChange(_ context.Context, c domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database is locked")
	}
	s.changes = append(s.changes, c)
	return nil
}

// flakyJournal fails SaveEvents while fail is set.
type flakyJournal struct {
	mu   sync.Mutex
	fail bool
	last uint64
}

func (j *flakyJournal) SaveEvents(_ context.Context, evs []event.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	j.last = evs[len(evs)-1].Seq
	return nil
}

func (j *flakyJournal) LastEventSeq(context.Context) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, nil
}

func newStoredHarness(t *testing.T, store Store, journal event.Store) *harness {
	t.Helper()
	fees, err := fee.NewCollector(250, feeRecipient)
	require.NoError(t, err)

	mem := ledger.NewMemory()
	verifier := identity.NewRegistry(nil, []string{"S", "B", "B1", "B2"})
	bus := event.NewBus(journal)
	e := New(Config{OperationTimeout: time.Second}, mem, verifier, fees, WithBus(bus), WithStore(store))
	return &harness{engine: e, ledger: mem, bus: bus}
}

func TestRecordWriteFailureHaltsListing(t *testing.T) {
	store := &flakyStore{}
	h := newStoredHarness(t, store, nil)
	ctx := context.Background()
	h.fund(t, "B", 100)
	h.fund(t, "B1", 100)

	events, unsubscribe := h.bus.Subscribe(16)
	defer unsubscribe()

	l, err := h.engine.ListItem(ctx, "S", "item", 100)
	require.NoError(t, err)
	require.Equal(t, event.ListingCreated, (<-events).Type)

	store.fail = true
	_, err = h.engine.BuyItem(ctx, l.ID, "B")
	require.ErrorIs(t, err, domain.ErrCustody)
	require.True(t, h.engine.Halted(l.ID))
	require.Empty(t, events, "events of an unpersisted operation were delivered")

	store.fail = false
	_, err = h.engine.BuyItem(ctx, l.ID, "B1")
	require.ErrorIs(t, err, domain.ErrCustody)
	require.Equal(t, int64(100), h.balance(t, "B1"))
}

func TestListItemWriteFailureHaltsListing(t *testing.T) {
	store := &flakyStore{fail: true}
	h := newStoredHarness(t, store, nil)
	ctx := context.Background()

	_, err := h.engine.ListItem(ctx, "S", "item", 100)
	require.ErrorIs(t, err, domain.ErrCustody)

	listings := h.engine.Snapshot().Listings
	require.Len(t, listings, 1)
	require.True(t, h.engine.Halted(listings[0].ID))
}

func TestJournalFailureHaltsListingAndKeepsOrder(t *testing.T) {
	journal := &flakyJournal{}
	h := newStoredHarness(t, &flakyStore{}, journal)
	ctx := context.Background()

	events, unsubscribe := h.bus.Subscribe(16)
	defer unsubscribe()

	a, err := h.engine.ListItem(ctx, "S", "a", 10)
	require.NoError(t, err)
	<-events

	journal.fail = true
	require.ErrorIs(t, h.engine.CancelListing(ctx, a.ID, "S"), domain.ErrCustody)
	require.True(t, h.engine.Halted(a.ID))
	require.Empty(t, events)

	// the discarded seq does not stall later deliveries
	journal.fail = false
	b, err := h.engine.ListItem(ctx, "S", "b", 10)
	require.NoError(t, err)
	select {
	case ev := <-events:
		require.Equal(t, b.ID, ev.ListingID)
		require.Equal(t, uint64(3), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("event after a discarded one was never delivered")
	}
}

func TestRestore_HaltsListingWhenLedgerIsAhead(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.fund(t, "B", 100)
	h.fund(t, "B1", 100)

	l, err := h.engine.ListItem(ctx, "S", "item", 60)
	require.NoError(t, err)
	before := h.engine.Snapshot()

	// the ledger debit lands but the process dies before the records are written
	_, err = h.engine.BuyItem(ctx, l.ID, "B")
	require.NoError(t, err)

	restored := newHarness(t, h.ledger, h.ledger)
	require.NoError(t, restored.engine.Restore(ctx, before.Listings, before.Bids, before.Escrows))
	require.True(t, restored.engine.Halted(l.ID))
	require.Equal(t, domain.StatusActive, restored.status(t, l.ID))

	_, err = restored.engine.BuyItem(ctx, l.ID, "B1")
	require.ErrorIs(t, err, domain.ErrCustody)
	require.Equal(t, int64(100), restored.balance(t, "B1"))

	require.ErrorIs(t, restored.engine.Audit(ctx), domain.ErrCustody)
}

func TestRestore_HaltsListingWhenLedgerIsBehind(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.fund(t, "B", 100)

	l, _ := h.engine.ListItem(ctx, "S", "item", 60)
	_, err := h.engine.BuyItem(ctx, l.ID, "B")
	require.NoError(t, err)
	snap := h.engine.Snapshot()

	fresh := ledger.NewMemory()
	restored := newHarness(t, fresh, fresh)
	require.NoError(t, restored.engine.Restore(ctx, snap.Listings, snap.Bids, snap.Escrows))
	require.True(t, restored.engine.Halted(l.ID))
	require.ErrorIs(t, restored.engine.ConfirmReceipt(ctx, l.ID, "B"), domain.ErrCustody)
	require.Zero(t, restored.balance(t, "S"))
}

func TestAudit_OrphanCustodyHaltsUnknownListing(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.fund(t, "B", 100)

	require.NoError(t, h.ledger.Apply(ctx, []domain.Movement{
		{Kind: domain.MoveDebit, Account: "B", Amount: 40, EscrowID: "E-lost", ListingID: "L-lost"},
	}))
	require.ErrorIs(t, h.engine.Audit(ctx), domain.ErrCustody)
	require.True(t, h.engine.Halted("L-lost"))
}

func TestUnknownListingTakesNoLock(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.engine.GetListing(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrNotFound)
		require.ErrorIs(t, h.engine.CancelListing(ctx, "missing", "S"), domain.ErrNotFound)
	}
	_, loaded := h.engine.locks.m.Load("missing")
	require.False(t, loaded)
}
