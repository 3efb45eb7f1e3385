package collector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"deribit-ticks/internal/api"
	"deribit-ticks/internal/buffer"
	"deribit-ticks/internal/config"
	"deribit-ticks/internal/exchange"
	"deribit-ticks/internal/instrument"
	"deribit-ticks/pkg/types"
)

// Feed is the WebSocket session the collector drives. *exchange.Feed
// implements it; tests substitute a fake.
type Feed interface {
	Run(ctx context.Context, channelsFn func() []string) error
	Quotes() <-chan types.QuoteTick
	Trades() <-chan types.TradeTick
	Subscribe(ctx context.Context, channels []string) ([]string, error)
	Unsubscribe(ctx context.Context, channels []string) ([]string, error)
	IsConnected() bool
	LastMessageAt() time.Time
	ForceReconnect()
}

// Resolver recomputes this connection's instrument partition. Wired to the
// catalog client plus the partitioner in cmd/collector.
type Resolver func(ctx context.Context) ([]string, error)

const (
	heartbeatCheckInterval = 10 * time.Second
	heartbeatWarnAfter     = 10 * time.Second
	heartbeatRefreshAfter  = 300 * time.Second
	statsInterval          = 60 * time.Second
	finalDrainTimeout      = 30 * time.Second

	// A refresh never waits less than this, even when an expiry is close.
	minRefreshWait = 60 * time.Second
	// Refresh shortly after the settlement moment, not exactly on it.
	postExpirySlack = 60 * time.Second
)

// Collector owns one partition of the universe: it keeps the WS feed
// subscribed to it, buffers the resulting ticks, flushes them to the
// writer, and reconciles via periodic REST snapshots. It implements
// api.Controller for runtime subscription changes.
type Collector struct {
	cfg       *config.Config
	feed      Feed
	buf       *buffer.TickBuffer
	writer    Writer
	snapshots *SnapshotFetcher
	resolve   Resolver
	logger    *slog.Logger

	ownedMu sync.Mutex
	owned   map[string]bool

	startedAt    time.Time
	lastTickNano atomic.Int64
}

// New builds a collector for an initial instrument set.
func New(cfg *config.Config, feed Feed, buf *buffer.TickBuffer, writer Writer,
	snapshots *SnapshotFetcher, resolve Resolver, initial []string, logger *slog.Logger) *Collector {

	owned := make(map[string]bool, len(initial))
	for _, name := range initial {
		owned[name] = true
	}
	return &Collector{
		cfg:       cfg,
		feed:      feed,
		buf:       buf,
		writer:    writer,
		snapshots: snapshots,
		resolve:   resolve,
		logger:    logger.With("component", "collector", "connection_id", cfg.ConnectionID),
		owned:     owned,
	}
}

// Run executes the collector until ctx is cancelled, then drains the
// buffer one last time so in-flight ticks reach the database.
func (c *Collector) Run(ctx context.Context) error {
	c.startedAt = time.Now()
	names := c.ownedNames()
	c.logger.Info("collector starting",
		"currency", c.cfg.Currency, "instruments", len(names))

	// Seed the tables before the stream starts so thin instruments have
	// at least one row per run.
	if _, err := c.snapshots.FetchAndPopulate(ctx, names, true); err != nil {
		c.logger.Error("initial snapshot failed", "error", err)
	}

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(func(ctx context.Context) { c.feed.Run(ctx, c.channels) })
	run(c.dispatchLoop)
	run(c.flushLoop)
	run(c.heartbeatLoop)
	run(c.snapshotLoop)
	run(c.refreshLoop)
	run(c.statsLoop)

	<-ctx.Done()
	wg.Wait()

	// Final drain on a fresh context: the run context is already dead.
	drainCtx, cancel := context.WithTimeout(context.Background(), finalDrainTimeout)
	defer cancel()
	c.flush(drainCtx)
	c.logger.Info("collector stopped")
	return nil
}

// channels is the subscription set the feed applies on every (re)connect.
func (c *Collector) channels() []string {
	return exchange.Channels(c.ownedNames())
}

func (c *Collector) ownedNames() []string {
	c.ownedMu.Lock()
	defer c.ownedMu.Unlock()
	names := make([]string, 0, len(c.owned))
	for n := range c.owned {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// dispatchLoop moves decoded ticks from the feed into the buffer.
func (c *Collector) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-c.feed.Quotes():
			c.buf.AddQuote(q)
			c.lastTickNano.Store(time.Now().UnixNano())
		case t := <-c.feed.Trades():
			c.buf.AddTrade(t)
			c.lastTickNano.Store(time.Now().UnixNano())
		}
	}
}

// flushLoop drains the buffer on the flush interval or as soon as a queue
// crosses its high-water mark.
func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ctx)
		case <-c.buf.FullSignal():
			c.flush(ctx)
		}
	}
}

func (c *Collector) flush(ctx context.Context) {
	quotes, trades, depth := c.buf.Drain()
	if len(quotes) == 0 && len(trades) == 0 && len(depth) == 0 {
		return
	}
	if _, err := c.writer.WriteQuotes(ctx, quotes); err != nil {
		c.logger.Error("quote flush failed, batch dropped", "rows", len(quotes), "error", err)
	}
	if _, err := c.writer.WriteTrades(ctx, trades); err != nil {
		c.logger.Error("trade flush failed, batch dropped", "rows", len(trades), "error", err)
	}
	if _, err := c.writer.WriteDepth(ctx, depth); err != nil {
		c.logger.Error("depth flush failed, batch dropped", "rows", len(depth), "error", err)
	}
}

// heartbeatLoop watches stream liveness. A quiet market is normal for
// minutes at a time on deep OTM strikes, so only a long silence while the
// socket claims to be up forces a reconnect.
func (c *Collector) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.feed.IsConnected() {
				continue
			}
			last := c.feed.LastMessageAt()
			if last.IsZero() {
				continue
			}
			silence := time.Since(last)
			if silence > heartbeatRefreshAfter {
				c.logger.Error("stream silent too long", "silence", silence.Round(time.Second))
				c.recoverFromSilence(ctx)
			} else if silence > heartbeatWarnAfter {
				c.logger.Warn("stream silent", "silence", silence.Round(time.Second))
			}
		}
	}
}

// recoverFromSilence handles a stream that went quiet for the refresh
// threshold. Sustained silence usually means the partition settled out
// from under us, so the partition is recomputed first; a reconnect with
// the same dead channel set is the fallback when nothing changed.
func (c *Collector) recoverFromSilence(ctx context.Context) {
	if c.refreshInstruments(ctx) {
		return
	}
	c.feed.ForceReconnect()
}

// snapshotLoop reconciles top-of-book state on a fixed cadence.
func (c *Collector) snapshotLoop(ctx context.Context) {
	if c.cfg.SnapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.snapshots.FetchAndPopulate(ctx, c.ownedNames(), false); err != nil {
				c.logger.Error("periodic snapshot failed", "error", err)
			}
		}
	}
}

// refreshLoop recomputes the partition on the configured interval, or
// sooner when an owned instrument is about to settle.
func (c *Collector) refreshLoop(ctx context.Context) {
	if c.resolve == nil {
		return
	}
	for {
		wait := c.nextRefreshWait()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			c.refreshInstruments(ctx)
		}
	}
}

func (c *Collector) nextRefreshWait() time.Duration {
	wait := c.cfg.InstrumentRefreshInterval
	if next, ok := instrument.NextExpiry(c.ownedNames()); ok {
		untilExpiry := time.Until(next) + postExpirySlack
		if untilExpiry < minRefreshWait {
			untilExpiry = minRefreshWait
		}
		if untilExpiry < wait {
			wait = untilExpiry
		}
	}
	return wait
}

// refreshInstruments recomputes the partition and reports whether the
// owned set changed (a change already forces a reconnect).
func (c *Collector) refreshInstruments(ctx context.Context) bool {
	if c.resolve == nil {
		return false
	}
	fresh, err := c.resolve(ctx)
	if err != nil {
		c.logger.Error("instrument refresh failed, keeping current set", "error", err)
		return false
	}

	c.ownedMu.Lock()
	added, removed := 0, 0
	freshSet := make(map[string]bool, len(fresh))
	for _, n := range fresh {
		freshSet[n] = true
		if !c.owned[n] {
			added++
		}
	}
	for n := range c.owned {
		if !freshSet[n] {
			removed++
		}
	}
	changed := added > 0 || removed > 0
	if changed {
		c.owned = freshSet
	}
	c.ownedMu.Unlock()

	if !changed {
		c.logger.Info("instrument refresh: no changes", "instruments", len(fresh))
		return false
	}
	c.logger.Info("instrument set changed, reconnecting",
		"instruments", len(fresh), "added", added, "removed", removed)
	// Reconnect applies the new channel set wholesale; cheaper than
	// diffing subscribe/unsubscribe calls at this size.
	c.feed.ForceReconnect()
	return true
}

func (c *Collector) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := c.buf.Stats()
			c.logger.Info("collector stats",
				"instruments", len(c.ownedNames()),
				"connected", c.feed.IsConnected(),
				"buf_quotes", st.Quotes, "buf_trades", st.Trades, "buf_depth", st.Depth,
				"dropped_quotes", st.DroppedQuotes, "dropped_trades", st.DroppedTrades,
				"uptime", time.Since(c.startedAt).Round(time.Second))
		}
	}
}

// SubscribeInstruments implements api.Controller. New instruments join the
// owned set immediately; the WS subscription is confirmed when connected
// and otherwise applied on the next reconnect.
func (c *Collector) SubscribeInstruments(ctx context.Context, instruments []string) api.SubscribeResult {
	res := api.SubscribeResult{Success: true}

	for _, name := range dedupe(instruments) {
		c.ownedMu.Lock()
		already := c.owned[name]
		c.ownedMu.Unlock()
		if already {
			res.AlreadySubscribed = append(res.AlreadySubscribed, name)
			continue
		}

		if c.feed.IsConnected() {
			if _, err := c.feed.Subscribe(ctx, exchange.Channels([]string{name})); err != nil {
				// A drop between the connectivity check and the call is
				// the same as being down: queue and apply on reconnect.
				if !errors.Is(err, exchange.ErrNotConnected) {
					c.logger.Warn("subscribe failed", "instrument", name, "error", err)
					res.Failed = append(res.Failed, name)
					res.Success = false
					continue
				}
				c.logger.Warn("connection dropped mid-subscribe, queued", "instrument", name)
			}
		}
		c.ownedMu.Lock()
		c.owned[name] = true
		c.ownedMu.Unlock()
		res.Subscribed = append(res.Subscribed, name)
	}

	res.TotalInstruments = len(c.ownedNames())
	return res
}

// UnsubscribeInstruments implements api.Controller. Instruments leave the
// owned set unconditionally so a failed WS call still resolves on the next
// reconnect.
func (c *Collector) UnsubscribeInstruments(ctx context.Context, instruments []string) api.UnsubscribeResult {
	res := api.UnsubscribeResult{Success: true}

	for _, name := range dedupe(instruments) {
		c.ownedMu.Lock()
		owned := c.owned[name]
		if owned {
			delete(c.owned, name)
		}
		c.ownedMu.Unlock()
		if !owned {
			res.NotFound = append(res.NotFound, name)
			continue
		}

		if c.feed.IsConnected() {
			if _, err := c.feed.Unsubscribe(ctx, exchange.Channels([]string{name})); err != nil {
				if !errors.Is(err, exchange.ErrNotConnected) {
					c.logger.Warn("unsubscribe call failed, removed from owned set anyway",
						"instrument", name, "error", err)
					res.Failed = append(res.Failed, name)
					res.Success = false
					continue
				}
				c.logger.Warn("connection dropped mid-unsubscribe, removal queued", "instrument", name)
			}
		}
		res.Unsubscribed = append(res.Unsubscribed, name)
	}

	res.TotalInstruments = len(c.ownedNames())
	return res
}

// Status implements api.Controller.
func (c *Collector) Status(context.Context) api.Status {
	names := c.ownedNames()
	st := c.buf.Stats()

	status := api.Status{
		ConnectionID:     c.cfg.ConnectionID,
		Currency:         c.cfg.Currency,
		Connected:        c.feed.IsConnected(),
		TotalInstruments: len(names),
		Instruments:      names,
		Buffer: api.BufferStatus{
			Quotes:        st.Quotes,
			Trades:        st.Trades,
			Depth:         st.Depth,
			DroppedQuotes: st.DroppedQuotes,
			DroppedTrades: st.DroppedTrades,
			DroppedDepth:  st.DroppedDepth,
		},
		UptimeSec: int64(time.Since(c.startedAt).Seconds()),
	}
	if n := c.lastTickNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		status.LastTickAt = &t
	}
	return status
}

// CollectorID identifies this process in lifecycle events.
func (c *Collector) CollectorID() string {
	return c.cfg.Currency + "-" + strconv.Itoa(c.cfg.ConnectionID)
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
