// Package funding collects 8-hour funding rate observations for
// perpetuals. Deribit settles funding at 00:00, 08:00, and 16:00 UTC;
// the collector polls history shortly after each settlement and backfills
// two days on startup so restarts never leave gaps.
package funding

import (
	"context"
	"log/slog"
	"time"

	"deribit-ticks/pkg/types"
)

// Source fetches funding history. *exchange.Client implements it.
type Source interface {
	GetFundingRateHistory(ctx context.Context, instrument string, start, end time.Time) ([]types.FundingRate, error)
}

// Store persists observations. *store.FundingRepo implements it.
type Store interface {
	UpsertFundingRates(ctx context.Context, rates []types.FundingRate) (int, error)
}

const (
	backfillWindow = 48 * time.Hour
	collectWindow  = 24 * time.Hour
	fundingPeriod  = 8 * time.Hour
)

// Collector polls funding history on a fixed check interval.
type Collector struct {
	instruments []string
	interval    time.Duration
	source      Source
	store       Store
	logger      *slog.Logger

	lastCollected time.Time
}

// New builds a collector for the given perpetual instruments.
func New(instruments []string, interval time.Duration, source Source, store Store, logger *slog.Logger) *Collector {
	return &Collector{
		instruments: instruments,
		interval:    interval,
		source:      source,
		store:       store,
		logger:      logger.With("component", "funding"),
	}
}

// NextFundingTime returns the first settlement moment strictly after now.
func NextFundingTime(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, h := range []int{0, 8, 16} {
		t := day.Add(time.Duration(h) * time.Hour)
		if t.After(now) {
			return t
		}
	}
	return day.Add(24 * time.Hour)
}

// LastFundingTime returns the most recent settlement moment at or before now.
func LastFundingTime(now time.Time) time.Time {
	return NextFundingTime(now).Add(-fundingPeriod)
}

// Run backfills, then polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("funding collector starting",
		"instruments", c.instruments, "check_interval", c.interval)

	c.collect(ctx, backfillWindow)
	c.lastCollected = LastFundingTime(time.Now())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("funding collector stopped")
			return ctx.Err()
		case <-ticker.C:
			last := LastFundingTime(time.Now())
			if !last.After(c.lastCollected) {
				continue
			}
			c.collect(ctx, collectWindow)
			c.lastCollected = last
		}
	}
}

// collect fetches the trailing window for every instrument and upserts it.
// Conflicts with previously stored observations are skipped by the store.
func (c *Collector) collect(ctx context.Context, window time.Duration) {
	end := time.Now().UTC()
	start := end.Add(-window)

	for _, name := range c.instruments {
		rates, err := c.source.GetFundingRateHistory(ctx, name, start, end)
		if err != nil {
			c.logger.Error("funding history fetch failed", "instrument", name, "error", err)
			continue
		}
		inserted, err := c.store.UpsertFundingRates(ctx, rates)
		if err != nil {
			c.logger.Error("funding upsert failed", "instrument", name, "error", err)
			continue
		}
		c.logger.Info("funding collected",
			"instrument", name, "fetched", len(rates), "inserted", inserted,
			"window", window)
	}
}
