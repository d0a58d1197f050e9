package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trust_bazaar/internal/app"
	"trust_bazaar/internal/identity"
	"trust_bazaar/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	issueFor := flag.String("issue-token", "", "print an identity token for this subject and exit")
	role := flag.String("role", string(identity.RoleUser), "role for -issue-token (user|admin)")
	human := flag.Bool("human", false, "mark the -issue-token subject as a verified human")
	flag.Parse()

	if *issueFor != "" {
		if err := issueToken(*configPath, *issueFor, identity.Role(*role), *human); err != nil {
			slog.Error("❌ Token issue failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}
	defer func() {
		if err := bootstrap.Close(); err != nil {
			slog.Error("Shutdown completed with errors", slog.Any("error", err))
		}
	}()
	cfg := bootstrap.Config

	// 3. Pprof Server (for performance profiling)
	if cfg.Server.PprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", cfg.Server.PprofAddr))
			if err := http.ListenAndServe(cfg.Server.PprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Background consumers
	bootstrap.Start(ctx)

	// 5. HTTP API
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      bootstrap.Server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "✅ API server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("👋 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.InfoContext(ctx, "✨ Trust Bazaar fully operational. Press Ctrl+C to exit.")

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", slog.Any("error", err))
	}

	stats := bootstrap.Bus.Stats()
	snap := infra.GlobalMetrics.Snapshot()
	slog.Info("Final stats",
		slog.Uint64("events_published", stats.Published),
		slog.Uint64("events_dropped", stats.Dropped),
		slog.Uint64("operations", snap.OperationsTotal),
		slog.Int64("custodied", bootstrap.Engine.Custodied()))
}

// issueToken mints an identity token with the configured secret.
func issueToken(configPath, subject string, role identity.Role, human bool) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	tokens, err := identity.NewTokenService(cfg.Identity.TokenSecret, cfg.Identity.Issuer,
		time.Duration(cfg.Identity.TokenTTLMin)*time.Minute)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(subject, role, human)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
