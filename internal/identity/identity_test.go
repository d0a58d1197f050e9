package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc, err := NewTokenService("secret", "trust-bazaar", time.Hour)
	require.NoError(t, err)

	token, err := svc.Issue("alice", RoleAdmin, true)
	require.NoError(t, err)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, RoleAdmin, claims.Role)
	require.True(t, claims.Human)
}

func TestTokenService_Rejects(t *testing.T) {
	svc, _ := NewTokenService("secret", "trust-bazaar", time.Hour)

	t.Run("WrongSecret", func(t *testing.T) {
		other, _ := NewTokenService("other", "trust-bazaar", time.Hour)
		token, _ := other.Issue("alice", RoleUser, false)
		_, err := svc.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		claims := Claims{Role: RoleUser, RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "trust-bazaar",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = svc.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("WrongIssuer", func(t *testing.T) {
		other, _ := NewTokenService("secret", "elsewhere", time.Hour)
		token, _ := other.Issue("alice", RoleUser, false)
		_, err := svc.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := svc.Verify("not-a-token")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("BadIssueArgs", func(t *testing.T) {
		_, err := svc.Issue("", RoleUser, false)
		require.Error(t, err)
		_, err = svc.Issue("alice", Role("root"), false)
		require.Error(t, err)
	})

	_, err := NewTokenService("  ", "x", 0)
	require.Error(t, err)
}

type memAttestations struct {
	saved []Attestation
	fail  bool
}

func (m *memAttestations) SaveAttestation(_ context.Context, a Attestation) error {
	if m.fail {
		return errors.New("db down")
	}
	m.saved = append(m.saved, a)
	return nil
}

func (m *memAttestations) LoadAttestations(context.Context) ([]Attestation, error) {
	return m.saved, nil
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	store := &memAttestations{}
	r := NewRegistry(store, []string{"seed-user", ""})

	ok, err := r.IsVerifiedHuman(ctx, "seed-user")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = r.IsVerifiedHuman(ctx, "bob")
	require.False(t, ok)

	require.NoError(t, r.Attest(ctx, "bob", "token"))
	require.NoError(t, r.Attest(ctx, "bob", "token"))
	require.Len(t, store.saved, 1)

	reloaded := NewRegistry(store, nil)
	require.NoError(t, reloaded.Load(ctx))
	ok, _ = reloaded.IsVerifiedHuman(ctx, "bob")
	require.True(t, ok)

	require.Error(t, r.Attest(ctx, "", "token"))

	store.fail = true
	require.Error(t, r.Attest(ctx, "carol", "token"))
}
