// Package registry owns listing records and their lifecycle status.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trust_bazaar/internal/domain"
)

// Registry stores listings by id. Records are never removed.
//
// Status changes go through the Mark* methods, which only the settlement
// engine calls while holding the listing's lock.
type Registry struct {
	verifier domain.IdentityVerifier

	mu       sync.RWMutex
	listings map[string]*domain.Listing

	now func() time.Time
}

// New creates a registry that checks sellers against verifier.
func New(verifier domain.IdentityVerifier) *Registry {
	return &Registry{
		verifier: verifier,
		listings: make(map[string]*domain.Listing),
		now:      time.Now,
	}
}

// Create admits a new Active listing.
func (r *Registry) Create(ctx context.Context, seller, itemRef string, price int64) (domain.Listing, error) {
	if price <= 0 {
		return domain.Listing{}, domain.NewValidationError("listItem", "price must be positive, got %d", price)
	}
	if seller == "" {
		return domain.Listing{}, domain.NewAuthorizationError("listItem", "seller identity is required")
	}
	ok, err := r.verifier.IsVerifiedHuman(ctx, seller)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("registry: verify seller %s: %w", seller, err)
	}
	if !ok {
		return domain.Listing{}, domain.NewAuthorizationError("listItem", "seller %s is not a verified human", seller)
	}

	now := r.now().UTC()
	l := &domain.Listing{
		ID:        uuid.NewString(),
		Seller:    seller,
		ItemRef:   itemRef,
		Price:     price,
		Status:    domain.StatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.listings[l.ID] = l
	r.mu.Unlock()

	return *l, nil
}

// Get returns a copy of the listing.
func (r *Registry) Get(id string) (domain.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listings[id]
	if !ok {
		return domain.Listing{}, domain.NewNotFoundError("getListing", "listing %s", id)
	}
	return *l, nil
}

// MarkBidAccepted moves Active -> BidAccepted.
func (r *Registry) MarkBidAccepted(id string) (domain.Listing, error) {
	return r.transition("markBidAccepted", id, domain.StatusBidAccepted, nil)
}

// MarkPending moves Active or BidAccepted -> PendingConfirmation and records the escrow payer.
func (r *Registry) MarkPending(id, buyer, escrowID string) (domain.Listing, error) {
	return r.transition("markPending", id, domain.StatusPendingConfirmation, func(l *domain.Listing) {
		l.Buyer = buyer
		l.EscrowID = escrowID
	})
}

// MarkCancelled moves Active -> Cancelled.
func (r *Registry) MarkCancelled(id string) (domain.Listing, error) {
	return r.transition("markCancelled", id, domain.StatusCancelled, nil)
}

// MarkCompleted moves PendingConfirmation -> Completed.
func (r *Registry) MarkCompleted(id string) (domain.Listing, error) {
	return r.transition("markCompleted", id, domain.StatusCompleted, nil)
}

// MarkRefunded moves PendingConfirmation -> Refunded.
func (r *Registry) MarkRefunded(id string) (domain.Listing, error) {
	return r.transition("markRefunded", id, domain.StatusRefunded, nil)
}

func (r *Registry) transition(op, id string, next domain.ListingStatus, apply func(*domain.Listing)) (domain.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listings[id]
	if !ok {
		return domain.Listing{}, domain.NewNotFoundError(op, "listing %s", id)
	}
	if !l.Status.CanTransitionTo(next) {
		return domain.Listing{}, domain.NewStateError(op, "listing %s is %s, cannot become %s", id, l.Status, next)
	}

	l.Status = next
	if apply != nil {
		apply(l)
	}
	l.Version++
	l.UpdatedAt = r.now().UTC()
	return *l, nil
}

// All returns copies of every listing, oldest first.
func (r *Registry) All() []domain.Listing {
	r.mu.RLock()
	out := make([]domain.Listing, 0, len(r.listings))
	for _, l := range r.listings {
		out = append(out, *l)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads persisted listings. Used once at startup before any operation.
func (r *Registry) Restore(listings []domain.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range listings {
		l := listings[i]
		if l.ID == "" || !l.Status.Valid() {
			return fmt.Errorf("registry: restore: bad listing record %q (status %q)", l.ID, l.Status)
		}
		if _, dup := r.listings[l.ID]; dup {
			return fmt.Errorf("registry: restore: duplicate listing %s", l.ID)
		}
		r.listings[l.ID] = &l
	}
	return nil
}
