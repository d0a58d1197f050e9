package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Attestation records that an identity passed the proof-of-personhood check.
type Attestation struct {
	Identity   string    `gorm:"primaryKey" json:"identity"`
	Source     string    `json:"source"` // "config" or "token"
	VerifiedAt time.Time `json:"verified_at"`
}

// AttestationStore persists attestations across restarts.
type AttestationStore interface {
	SaveAttestation(ctx context.Context, a Attestation) error
	LoadAttestations(ctx context.Context) ([]Attestation, error)
}

// Registry is the verified-human set consulted before listing, buying and bidding.
type Registry struct {
	store AttestationStore // nil keeps attestations in memory only

	mu       sync.RWMutex
	verified map[string]Attestation
}

// NewRegistry creates a registry seeded with pre-verified identities.
func NewRegistry(store AttestationStore, seed []string) *Registry {
	r := &Registry{
		store:    store,
		verified: make(map[string]Attestation, len(seed)),
	}
	now := time.Now().UTC()
	for _, id := range seed {
		if id != "" {
			r.verified[id] = Attestation{Identity: id, Source: "config", VerifiedAt: now}
		}
	}
	return r
}

// Load merges persisted attestations into the registry.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	list, err := r.store.LoadAttestations(ctx)
	if err != nil {
		return fmt.Errorf("identity: load attestations: %w", err)
	}
	r.mu.Lock()
	for _, a := range list {
		r.verified[a.Identity] = a
	}
	r.mu.Unlock()
	slog.Info("Identity attestations loaded", slog.Int("count", len(list)))
	return nil
}

// Attest marks identity as a verified human. Repeated calls are no-ops.
func (r *Registry) Attest(ctx context.Context, identity, source string) error {
	if identity == "" {
		return fmt.Errorf("identity: empty identity")
	}
	r.mu.Lock()
	if _, ok := r.verified[identity]; ok {
		r.mu.Unlock()
		return nil
	}
	a := Attestation{Identity: identity, Source: source, VerifiedAt: time.Now().UTC()}
	r.verified[identity] = a
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveAttestation(ctx, a); err != nil {
			return fmt.Errorf("identity: save attestation %s: %w", identity, err)
		}
	}
	return nil
}

// IsVerifiedHuman implements domain.IdentityVerifier.
func (r *Registry) IsVerifiedHuman(_ context.Context, identity string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.verified[identity]
	return ok, nil
}
