package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"trust_bazaar/internal/domain"
)

func writeConfig(t *testing.T, dir, driver, backend string) string {
	t.Helper()
	cfg := fmt.Sprintf(`app:
  name: "trust-bazaar-test"
engine:
  fee_rate_bps: 250
  fee_recipient: "platform"
  dump_dir: %q
storage:
  driver: %q
  dsn: %q
ledger:
  backend: %q
  seed_balances:
    alice: "100"
    bob: "100"
identity:
  token_secret: "test-secret"
  verified: ["alice", "bob"]
logging:
  level: "error"
  dir: %q
`, filepath.Join(dir, "dumps"), driver, filepath.Join(dir, "bazaar.db"), backend, filepath.Join(dir, "logs"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func keepDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestBootstrap_RestartRestoresState(t *testing.T) {
	keepDefaultLogger(t)
	ctx := context.Background()
	path := writeConfig(t, t.TempDir(), "sqlite", "sql")

	first := NewBootstrap()
	require.NoError(t, first.Initialize(ctx, path))
	l, err := first.Engine.ListItem(ctx, "alice", "item-1", 10_000000)
	require.NoError(t, err)
	_, err = first.Engine.BuyItem(ctx, l.ID, "bob")
	require.NoError(t, err)
	seq := first.Bus.Seq()
	require.NoError(t, first.Close())

	second := NewBootstrap()
	require.NoError(t, second.Initialize(ctx, path))
	defer second.Close()

	got, err := second.Engine.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingConfirmation, got.Status)
	require.Equal(t, int64(10_000000), second.Engine.Custodied())
	require.Equal(t, seq, second.Bus.Seq())

	// Opening balances are applied once per database
	bal, err := second.Engine.Balance(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(90_000000), bal)

	sum, ok := second.Catalog.Get(l.ID)
	require.True(t, ok)
	require.Equal(t, domain.StatusPendingConfirmation, sum.Status)

	require.NoError(t, second.Engine.ConfirmReceipt(ctx, l.ID, "bob"))
	bal, err = second.Engine.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(109_750000), bal)
}

func TestBootstrap_InMemory(t *testing.T) {
	keepDefaultLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := writeConfig(t, t.TempDir(), "none", "memory")

	b := NewBootstrap()
	require.NoError(t, b.Initialize(ctx, path))
	defer b.Close()
	require.Nil(t, b.Storage)
	b.Start(ctx)

	bal, err := b.Engine.Balance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100_000000), bal)

	rec := httptest.NewRecorder()
	b.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBootstrap_InvalidConfig(t *testing.T) {
	keepDefaultLogger(t)
	b := NewBootstrap()
	err := b.Initialize(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.NoError(t, b.Close())
}
