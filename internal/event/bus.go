package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Store is the durable journal behind the bus.
type Store interface {
	SaveEvents(ctx context.Context, evs []Event) error
	LastEventSeq(ctx context.Context) (uint64, error)
}

// Stats counts bus delivery problems.
type Stats struct {
	Published       uint64
	Dropped         uint64 // Events a slow subscriber missed
	PersistFailures uint64
}

type slot struct {
	ev      Event
	discard bool
}

// Bus assigns strictly increasing sequence numbers, journals events and fans
// them out to subscribers without blocking the publisher.
//
// Publishing is split in three steps so callers can journal inside their own
// transaction: Stamp numbers the events, Record journals them, and Deliver (or
// Discard, when the transaction rolled back) hands them to subscribers. Every
// stamped event must end in exactly one of Deliver or Discard, otherwise
// delivery stalls at its sequence number.
type Bus struct {
	seq   atomic.Uint64
	store Store // nil disables the journal

	mu      sync.Mutex // Guards delivery order and the subscriber set; never held across I/O
	next    uint64     // Next seq to hand to subscribers
	pending map[uint64]slot
	subs    map[int]chan Event
	nextSub int

	published       atomic.Uint64
	dropped         atomic.Uint64
	persistFailures atomic.Uint64

	now func() time.Time
}

// NewBus creates a bus. store may be nil.
func NewBus(store Store) *Bus {
	return &Bus{
		store:   store,
		next:    1,
		pending: make(map[uint64]slot),
		subs:    make(map[int]chan Event),
		now:     time.Now,
	}
}

// Resume continues numbering after the last journaled event.
func (b *Bus) Resume(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	last, err := b.store.LastEventSeq(ctx)
	if err != nil {
		return fmt.Errorf("event: resume: %w", err)
	}

	b.mu.Lock()
	b.seq.Store(last)
	b.next = last + 1
	b.mu.Unlock()

	slog.Info("Event bus resumed", slog.Uint64("last_seq", last))
	return nil
}

// Publish stamps, journals and delivers events. The returned slice carries the assigned seqs.
// A journal failure is logged and counted; delivery still happens.
func (b *Bus) Publish(ctx context.Context, evs ...Event) []Event {
	out := b.Stamp(evs...)
	if len(out) == 0 {
		return nil
	}
	_ = b.Record(context.WithoutCancel(ctx), out)
	b.Deliver(out...)
	return out
}

// Stamp assigns sequence numbers and a shared timestamp.
func (b *Bus) Stamp(evs ...Event) []Event {
	if len(evs) == 0 {
		return nil
	}
	ts := b.now().UnixMicro()
	out := make([]Event, len(evs))
	for i, ev := range evs {
		ev.Seq = b.seq.Add(1)
		ev.Ts = ts
		out[i] = ev
	}
	return out
}

// Record journals stamped events. Failures are counted before being returned.
func (b *Bus) Record(ctx context.Context, evs []Event) error {
	if b.store == nil || len(evs) == 0 {
		return nil
	}
	if err := b.store.SaveEvents(ctx, evs); err != nil {
		b.persistFailures.Add(1)
		slog.Error("EVENT_JOURNAL_FAILURE",
			slog.Uint64("first_seq", evs[0].Seq),
			slog.Int("count", len(evs)),
			slog.Any("error", err))
		return fmt.Errorf("event: journal seq %d..%d: %w", evs[0].Seq, evs[len(evs)-1].Seq, err)
	}
	return nil
}

// Deliver hands stamped events to subscribers. Events wait until every lower
// sequence number has been delivered or discarded.
func (b *Bus) Deliver(evs ...Event) {
	b.settle(evs, false)
}

// Discard gives up the sequence numbers of events that were stamped but must not be seen.
func (b *Bus) Discard(evs ...Event) {
	b.settle(evs, true)
}

func (b *Bus) settle(evs []Event, discard bool) {
	if len(evs) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range evs {
		if ev.Seq < b.next {
			continue
		}
		b.pending[ev.Seq] = slot{ev: ev, discard: discard}
	}
	for {
		s, ok := b.pending[b.next]
		if !ok {
			return
		}
		delete(b.pending, b.next)
		b.next++
		if s.discard {
			continue
		}
		for _, ch := range b.subs {
			select {
			case ch <- s.ev:
			default:
				b.dropped.Add(1)
			}
		}
		b.published.Add(1)
	}
}

// Subscribe returns a channel receiving every event published from now on,
// and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Seq returns the last assigned sequence number.
func (b *Bus) Seq() uint64 {
	return b.seq.Load()
}

// Stats returns delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:       b.published.Load(),
		Dropped:         b.dropped.Load(),
		PersistFailures: b.persistFailures.Load(),
	}
}
