// Command lifecycle runs the per-currency instrument lifecycle manager:
// it diffs the venue catalog against the tracked universe, retires settled
// options, registers new listings, and pushes the subscription changes to
// the collector fleet's control APIs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deribit-ticks/internal/config"
	"deribit-ticks/internal/exchange"
	"deribit-ticks/internal/lifecycle"
	"deribit-ticks/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateLifecycle(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	logger.Info("starting lifecycle manager",
		"currency", cfg.Currency,
		"collectors", len(cfg.Lifecycle.CollectorEndpoints),
		"interval", cfg.Lifecycle.RefreshInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client := exchange.NewClient(cfg.DeribitRESTURL, logger)
	meta := store.NewMetadataRepo(db, logger)

	mgr := lifecycle.New(cfg.Currency, cfg.Lifecycle.ExpiryBuffer,
		cfg.Lifecycle.RefreshInterval, cfg.Lifecycle.CollectorEndpoints,
		client, meta, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	cancel()
	<-done
	logger.Info("shutdown complete")
}
