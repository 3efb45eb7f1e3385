// Command collector runs one WebSocket tick collector: it owns a partition
// of the option universe for a currency (plus that currency's perpetual),
// streams ticker and trade channels into a buffer, and flushes batches to
// Postgres. A control API on 8000 + CONNECTION_ID accepts runtime
// subscription changes from the lifecycle manager.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deribit-ticks/internal/api"
	"deribit-ticks/internal/buffer"
	"deribit-ticks/internal/collector"
	"deribit-ticks/internal/config"
	"deribit-ticks/internal/exchange"
	"deribit-ticks/internal/instrument"
	"deribit-ticks/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateCollector(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	logger.Info("starting collector",
		"currency", cfg.Currency, "connection_id", cfg.ConnectionID,
		"control_port", cfg.ControlPort())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	client := exchange.NewClient(cfg.DeribitRESTURL, logger)
	if err := client.TestConnection(ctx); err != nil {
		logger.Error("venue unreachable", "error", err)
		os.Exit(1)
	}

	resolve := func(ctx context.Context) ([]string, error) {
		names, err := client.TopInstruments(ctx, cfg.Currency, cfg.TopNInstruments)
		if err != nil {
			return nil, err
		}
		part, err := instrument.PartitionFor(names, cfg.ConnectionID, cfg.MaxInstrumentsPerConn)
		if err != nil {
			return nil, err
		}
		// Connection 0 also carries the currency's perpetual.
		if cfg.ConnectionID == 0 {
			part = append(append([]string{}, part...), cfg.Currency+"-PERPETUAL")
		}
		return part, nil
	}

	initial, err := resolve(ctx)
	if err != nil {
		logger.Error("partition resolution failed", "error", err)
		os.Exit(1)
	}

	writer := store.NewBatchWriter(db, cfg.Currency, logger)
	buf := buffer.New(cfg.BufferSizeQuotes, cfg.BufferSizeTrades, cfg.BufferSizeDepth, logger)
	feed := exchange.NewFeed(cfg.DeribitWSURL, logger)
	snapshots := collector.NewSnapshotFetcher(client, writer, logger)

	coll := collector.New(cfg, feed, buf, writer, snapshots, resolve, initial, logger)

	srv := api.NewServer(cfg.ControlPort(), coll, logger)
	srv.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		coll.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	// Stop the collector (with its final drain) before the control API so
	// the lifecycle manager sees this process as reachable until the end.
	cancel()
	<-done

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("control api stop", "error", err)
	}
	logger.Info("shutdown complete")
}
