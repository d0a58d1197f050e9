package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"trust_bazaar/internal/api"
	"trust_bazaar/internal/domain"
	"trust_bazaar/internal/engine"
	"trust_bazaar/internal/event"
	"trust_bazaar/internal/fee"
	"trust_bazaar/internal/identity"
	"trust_bazaar/internal/infra"
	"trust_bazaar/internal/infra/storage"
	"trust_bazaar/internal/ledger"
	"trust_bazaar/internal/service"
)

const ledgerSeededKey = "ledger_seeded"

// fundedLedger is a ledger that accepts opening deposits.
type fundedLedger interface {
	domain.Ledger
	Deposit(ctx context.Context, account string, amount int64) error
}

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Storage    *storage.Storage // nil when storage.driver is none
	Ledger     domain.Ledger
	Tokens     *identity.TokenService
	Identities *identity.Registry
	Bus        *event.Bus
	Engine     *engine.Engine
	Catalog    *service.CatalogService
	Server     *api.Server

	catalogFeed <-chan event.Event
	unsubscribe func()
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping Trust Bazaar...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	if cfg.Storage.Driver != "none" {
		store, err := storage.NewStorage(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		b.Storage = store
		slog.Info("✅ Database initialized", slog.String("driver", cfg.Storage.Driver))
	} else {
		slog.Warn("⚠️ Storage disabled, state lives in memory only")
	}

	// 4. Ledger
	led, err := b.openLedger(ctx)
	if err != nil {
		return err
	}
	b.Ledger = led

	// 5. Identity
	tokens, err := identity.NewTokenService(cfg.Identity.TokenSecret, cfg.Identity.Issuer,
		time.Duration(cfg.Identity.TokenTTLMin)*time.Minute)
	if err != nil {
		return err
	}
	b.Tokens = tokens
	if b.Storage != nil {
		b.Identities = identity.NewRegistry(b.Storage, cfg.Identity.Verified)
		if err := b.Identities.Load(ctx); err != nil {
			return err
		}
	} else {
		b.Identities = identity.NewRegistry(nil, cfg.Identity.Verified)
	}
	slog.Info("✅ Identity registry ready", slog.Int("seeded", len(cfg.Identity.Verified)))

	// 6. Event Bus
	if b.Storage != nil {
		b.Bus = event.NewBus(b.Storage)
	} else {
		b.Bus = event.NewBus(nil)
	}
	if err := b.Bus.Resume(ctx); err != nil {
		return err
	}

	// 7. Settlement Engine
	fees, err := fee.NewCollector(cfg.Engine.FeeRateBps, cfg.Engine.FeeRecipient)
	if err != nil {
		return err
	}
	opts := []engine.Option{engine.WithBus(b.Bus), engine.WithRecorder(infra.GlobalMetrics)}
	if b.Storage != nil {
		opts = append(opts, engine.WithStore(b.Storage))
	}
	b.Engine = engine.New(engine.Config{
		OperationTimeout: cfg.OperationTimeout(),
		DumpDir:          cfg.Engine.DumpDir,
	}, led, b.Identities, fees, opts...)

	var bids []domain.Bid
	if b.Storage != nil {
		listings, loaded, escrows, err := b.Storage.LoadSnapshot(ctx)
		if err != nil {
			return err
		}
		if err := b.Engine.Restore(ctx, listings, loaded, escrows); err != nil {
			return fmt.Errorf("restore engine state: %w", err)
		}
		bids = loaded
		slog.Info("✅ Engine state restored",
			slog.Int("listings", len(listings)),
			slog.Int("bids", len(bids)),
			slog.Int64("custodied", b.Engine.Custodied()))
	}

	// 8. Catalog read model. Subscribe before serving so no event is missed.
	b.Catalog = service.NewCatalogService()
	b.Catalog.Seed(b.Engine.Listings(), bids)
	b.catalogFeed, b.unsubscribe = b.Bus.Subscribe(1024)

	// 9. API
	apiCfg := api.Config{
		Engine:     b.Engine,
		Catalog:    b.Catalog,
		Tokens:     tokens,
		Identities: b.Identities,
		Bus:        b.Bus,
		Metrics:    infra.GlobalMetrics,
	}
	if b.Storage != nil {
		apiCfg.Journal = b.Storage
		apiCfg.Health = b.Storage.Ping
	}
	b.Server = api.New(apiCfg)

	slog.Info("✅ Settlement engine ready",
		slog.Int64("fee_rate_bps", fees.RateBps()),
		slog.String("fee_recipient", fees.Recipient()))
	return nil
}

// openLedger builds the configured ledger and applies opening balances.
// SQL balances persist, so they are seeded once per database.
func (b *Bootstrap) openLedger(ctx context.Context) (domain.Ledger, error) {
	cfg := b.Config
	var led fundedLedger
	seed := true

	switch cfg.Ledger.Backend {
	case "sql":
		sqlLedger, err := ledger.NewSQL(b.Storage.DB())
		if err != nil {
			return nil, err
		}
		led = sqlLedger
		flag, err := b.Storage.GetMeta(ctx, ledgerSeededKey)
		if err != nil {
			return nil, fmt.Errorf("read ledger seed flag: %w", err)
		}
		seed = flag == ""
	default:
		led = ledger.NewMemory()
	}

	if seed {
		balances, err := cfg.SeedBalances()
		if err != nil {
			return nil, err
		}
		accounts := make([]string, 0, len(balances))
		for account := range balances {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			if err := led.Deposit(ctx, account, balances[account]); err != nil {
				return nil, fmt.Errorf("seed balance for %s: %w", account, err)
			}
		}
		if cfg.Ledger.Backend == "sql" {
			if err := b.Storage.SetMeta(ctx, ledgerSeededKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
				return nil, fmt.Errorf("write ledger seed flag: %w", err)
			}
		}
		slog.Info("✅ Ledger seeded", slog.String("backend", cfg.Ledger.Backend), slog.Int("accounts", len(accounts)))
	}
	return led, nil
}

// Start runs background consumers until ctx is done.
func (b *Bootstrap) Start(ctx context.Context) {
	b.Catalog.Start(ctx, b.catalogFeed)
	slog.Info("✅ Catalog service started")
}

// Close releases resources. Safe to call on a partially initialized Bootstrap.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	if b.Engine != nil {
		if err := b.Engine.Audit(context.Background()); err != nil {
			slog.Error("🚨 Shutdown audit failed", slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
