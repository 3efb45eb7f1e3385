// Command funding polls 8-hour funding rate history for the tracked
// perpetuals and stores new observations, backfilling two days on startup.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deribit-ticks/internal/config"
	"deribit-ticks/internal/exchange"
	"deribit-ticks/internal/funding"
	"deribit-ticks/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateFunding(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client := exchange.NewClient(cfg.DeribitRESTURL, logger)
	repo := store.NewFundingRepo(db)

	coll := funding.New(cfg.Funding.Instruments, cfg.Funding.CheckInterval,
		client, repo, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		coll.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	cancel()
	<-done
	logger.Info("shutdown complete")
}
