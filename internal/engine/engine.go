// Package engine is the settlement state machine. It is the only entry point
// that mutates listings, bids and escrow records together.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"trust_bazaar/internal/bidbook"
	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/fee"
	"trust_bazaar/internal/registry"
	"trust_bazaar/internal/vault"
)

// Store receives the records of every committed operation.
type Store interface {
	SaveChange(ctx context.Context, c domain.Change) error
}

// Transactor is a Store that can run one operation as a database transaction.
// Ledger movements, records and journal entries written with the context fn
// receives commit together or roll back together.
type Transactor interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// Recorder receives operation metrics.
type Recorder interface {
	RecordOperation(op string, latency time.Duration, err error)
	RecordEscrow(state domain.EscrowState, amount int64)
	RecordCustodyViolation()
	RecordPersistFailure()
	SetCustodied(amount int64)
}

type noopRecorder struct{}

func (noopRecorder) RecordOperation(string, time.Duration, error) {}
func (noopRecorder) RecordEscrow(domain.EscrowState, int64)       {}
func (noopRecorder) RecordCustodyViolation()                      {}
func (noopRecorder) RecordPersistFailure()                        {}
func (noopRecorder) SetCustodied(int64)                           {}

// Config tunes the engine.
type Config struct {
	OperationTimeout time.Duration // Bounds lock wait plus ledger calls. 0 means 5s.
	DumpDir          string        // Where custody state dumps go. Empty disables dumps.
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBus publishes committed transitions on bus.
func WithBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithStore writes committed records through to store. A store that is also
// a Transactor makes every mutating operation one transaction.
func WithStore(store Store) Option {
	return func(e *Engine) {
		e.store = store
		e.tx, _ = store.(Transactor)
	}
}

// WithRecorder reports metrics to rec.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) { e.rec = rec }
}

// Engine orchestrates the listing registry, bid book and escrow vault.
type Engine struct {
	cfg Config

	listings *registry.Registry
	bids     *bidbook.Book
	vault    *vault.Vault
	ledger   domain.Ledger
	verifier domain.IdentityVerifier

	bus   *event.Bus
	store Store
	tx    Transactor // nil when the store has no transactions
	rec   Recorder

	locks listingLocks

	haltMu sync.RWMutex
	halted map[string]error // Listing ID -> custody error that stopped it
}

// New wires an engine over the given ledger and identity verifier.
func New(cfg Config, ledger domain.Ledger, verifier domain.IdentityVerifier, fees *fee.Collector, opts ...Option) *Engine {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	e := &Engine{
		cfg:      cfg,
		listings: registry.New(verifier),
		bids:     bidbook.New(),
		vault:    vault.New(ledger, fees),
		ledger:   ledger,
		verifier: verifier,
		rec:      noopRecorder{},
		halted:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run executes fn under the listing's lock. Mutating operations are refused
// while the listing is halted, and custody errors halt it.
func (e *Engine) run(ctx context.Context, op, listingID string, mutating bool, fn func(ctx context.Context) error) (err error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()
	defer func() {
		e.rec.RecordOperation(op, time.Since(start), err)
	}()

	// listings are never removed, so unknown IDs never get a lock
	if _, err := e.listings.Get(listingID); err != nil {
		return err
	}

	unlock, lerr := e.locks.acquire(ctx, listingID)
	if lerr != nil {
		busy := domain.NewStateError(op, "listing %s is busy", listingID)
		busy.Err = lerr
		return busy
	}
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.String("op", op), slog.Any("panic", r))
			err = domain.NewCustodyError(op, nil, "panic on listing %s: %v", listingID, r)
			e.halt(listingID, err)
		}
	}()

	if mutating {
		if cause := e.haltCause(listingID); cause != nil {
			return domain.NewCustodyError(op, cause, "listing %s is halted pending reconciliation", listingID)
		}
	}

	if mutating {
		err = e.transact(ctx, op, fn)
	} else {
		err = fn(ctx)
	}
	if domain.IsFatal(err) {
		e.halt(listingID, err)
	}
	return err
}

type unitKey struct{}

// unit collects the events stamped by one operation until it commits.
type unit struct {
	events []event.Event
}

// transact runs fn as one unit of work. Events it commits reach subscribers
// only when the unit succeeds, and are discarded otherwise.
func (e *Engine) transact(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	u := &unit{}
	ctx = context.WithValue(ctx, unitKey{}, u)

	finished := false
	defer func() {
		if !finished && e.bus != nil {
			e.bus.Discard(u.events...)
		}
	}()

	err := e.atomically(ctx, op, fn)
	finished = true
	if e.bus != nil {
		if err != nil {
			e.bus.Discard(u.events...)
		} else {
			e.bus.Deliver(u.events...)
		}
	}
	return err
}

func (e *Engine) atomically(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if e.tx == nil {
		return fn(ctx)
	}
	var fnErr error
	txErr := e.tx.Atomic(ctx, func(ctx context.Context) error {
		fnErr = fn(ctx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if txErr != nil {
		e.rec.RecordPersistFailure()
		slog.Error("PERSISTENCE_FAILURE", slog.String("op", op), slog.Any("error", txErr))
		return domain.NewCustodyError(op, txErr, "transaction did not commit")
	}
	return nil
}

func (e *Engine) haltCause(listingID string) error {
	e.haltMu.RLock()
	defer e.haltMu.RUnlock()
	return e.halted[listingID]
}

func (e *Engine) halt(listingID string, cause error) {
	e.haltMu.Lock()
	e.halted[listingID] = cause
	e.haltMu.Unlock()

	slog.Error("CUSTODY_VIOLATION",
		slog.String("listing_id", listingID),
		slog.Any("error", cause))
	e.rec.RecordCustodyViolation()

	if e.cfg.DumpDir != "" {
		name := fmt.Sprintf("custody_%s_%d.json", listingID, time.Now().UnixNano())
		e.DumpState(filepath.Join(e.cfg.DumpDir, name))
	}
}

// Halted reports whether mutating operations on the listing are stopped.
func (e *Engine) Halted(listingID string) bool {
	return e.haltCause(listingID) != nil
}

// Resume lifts a custody halt after manual reconciliation. Reports whether the listing was halted.
func (e *Engine) Resume(listingID string) bool {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()

	if _, ok := e.halted[listingID]; !ok {
		return false
	}
	delete(e.halted, listingID)
	slog.Warn("Listing resumed after custody halt", slog.String("listing_id", listingID))
	return true
}

// commit writes the touched records and journals events. Memory already holds
// the new state, so a failed write is a custody error: the caller halts the
// listing instead of reporting success for state that would not survive a restart.
func (e *Engine) commit(ctx context.Context, op string, c domain.Change, evs ...event.Event) error {
	if e.store != nil && !c.Empty() {
		if err := e.store.SaveChange(context.WithoutCancel(ctx), c); err != nil {
			e.rec.RecordPersistFailure()
			slog.Error("PERSISTENCE_FAILURE", slog.String("op", op), slog.Any("error", err))
			return domain.NewCustodyError(op, err, "records not persisted")
		}
	}
	if e.bus == nil || len(evs) == 0 {
		return nil
	}

	stamped := e.bus.Stamp(evs...)
	u, ok := ctx.Value(unitKey{}).(*unit)
	if ok {
		u.events = append(u.events, stamped...)
	}
	err := e.bus.Record(context.WithoutCancel(ctx), stamped)
	if !ok {
		e.bus.Deliver(stamped...)
	}
	if err != nil {
		e.rec.RecordPersistFailure()
		return domain.NewCustodyError(op, err, "events not journaled")
	}
	return nil
}
