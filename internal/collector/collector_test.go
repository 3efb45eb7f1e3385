package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"deribit-ticks/internal/buffer"
	"deribit-ticks/internal/config"
	"deribit-ticks/internal/exchange"
	"deribit-ticks/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFeed struct {
	mu           sync.Mutex
	connected    bool
	subscribed   []string
	unsubscribed []string
	subErr       error
	reconnects   int
	quotes       chan types.QuoteTick
	trades       chan types.TradeTick
}

func newFakeFeed(connected bool) *fakeFeed {
	return &fakeFeed{
		connected: connected,
		quotes:    make(chan types.QuoteTick, 16),
		trades:    make(chan types.TradeTick, 16),
	}
}

func (f *fakeFeed) Run(ctx context.Context, _ func() []string) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeFeed) Quotes() <-chan types.QuoteTick { return f.quotes }
func (f *fakeFeed) Trades() <-chan types.TradeTick { return f.trades }

func (f *fakeFeed) Subscribe(_ context.Context, channels []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.subscribed = append(f.subscribed, channels...)
	return channels, nil
}

func (f *fakeFeed) Unsubscribe(_ context.Context, channels []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.unsubscribed = append(f.unsubscribed, channels...)
	return channels, nil
}

func (f *fakeFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakeFeed) LastMessageAt() time.Time { return time.Now() }
func (f *fakeFeed) ForceReconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

type fakeWriter struct {
	mu     sync.Mutex
	quotes []types.QuoteTick
	trades []types.TradeTick
	depth  []types.DepthSnapshot
	err    error
}

func (w *fakeWriter) WriteQuotes(_ context.Context, q []types.QuoteTick) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.quotes = append(w.quotes, q...)
	return len(q), nil
}

func (w *fakeWriter) WriteTrades(_ context.Context, t []types.TradeTick) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.trades = append(w.trades, t...)
	return len(t), nil
}

func (w *fakeWriter) WriteDepth(_ context.Context, d []types.DepthSnapshot) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.depth = append(w.depth, d...)
	return len(d), nil
}

func testCollector(feed Feed, writer Writer, initial ...string) *Collector {
	cfg := &config.Config{
		Currency:         "BTC",
		ConnectionID:     1,
		FlushInterval:    time.Second,
		BufferSizeQuotes: 100,
		BufferSizeTrades: 100,
		BufferSizeDepth:  100,
	}
	buf := buffer.New(100, 100, 100, testLogger())
	snap := NewSnapshotFetcher(nil, writer, testLogger())
	return New(cfg, feed, buf, writer, snap, nil, initial, testLogger())
}

func TestSubscribeInstrumentsConnected(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	c := testCollector(feed, &fakeWriter{}, "BTC-PERPETUAL")

	res := c.SubscribeInstruments(context.Background(),
		[]string{"BTC-26SEP25-60000-C", "BTC-PERPETUAL", "BTC-26SEP25-60000-C"})

	if !res.Success {
		t.Error("success = false")
	}
	if len(res.Subscribed) != 1 || res.Subscribed[0] != "BTC-26SEP25-60000-C" {
		t.Errorf("subscribed = %v", res.Subscribed)
	}
	if len(res.AlreadySubscribed) != 1 || res.AlreadySubscribed[0] != "BTC-PERPETUAL" {
		t.Errorf("already = %v", res.AlreadySubscribed)
	}
	if res.TotalInstruments != 2 {
		t.Errorf("total = %d, want 2", res.TotalInstruments)
	}
	// Both ticker and trades channels were requested.
	want := exchange.Channels([]string{"BTC-26SEP25-60000-C"})
	if len(feed.subscribed) != len(want) {
		t.Errorf("ws channels = %v, want %v", feed.subscribed, want)
	}
}

func TestSubscribeQueuesWhenDisconnected(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(false)
	c := testCollector(feed, &fakeWriter{})

	res := c.SubscribeInstruments(context.Background(), []string{"ETH-27JUN25-3000-C"})
	if !res.Success || len(res.Subscribed) != 1 {
		t.Errorf("result = %+v", res)
	}
	// No WS call while down; the set change rides the next reconnect.
	if len(feed.subscribed) != 0 {
		t.Errorf("ws subscribe called while disconnected: %v", feed.subscribed)
	}
	if got := c.channels(); len(got) != 2 {
		t.Errorf("channels() = %v, want the queued instrument's pair", got)
	}
}

func TestSubscribeReportsFailures(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	feed.subErr = errors.New("venue rejected")
	c := testCollector(feed, &fakeWriter{})

	res := c.SubscribeInstruments(context.Background(), []string{"BTC-26SEP25-60000-C"})
	if res.Success {
		t.Error("success = true despite failure")
	}
	if len(res.Failed) != 1 || res.TotalInstruments != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestUnsubscribeInstruments(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	c := testCollector(feed, &fakeWriter{}, "BTC-PERPETUAL", "BTC-26SEP25-60000-C")

	res := c.UnsubscribeInstruments(context.Background(),
		[]string{"BTC-PERPETUAL", "BTC-UNKNOWN"})

	if len(res.Unsubscribed) != 1 || res.Unsubscribed[0] != "BTC-PERPETUAL" {
		t.Errorf("unsubscribed = %v", res.Unsubscribed)
	}
	if len(res.NotFound) != 1 || res.NotFound[0] != "BTC-UNKNOWN" {
		t.Errorf("not_found = %v", res.NotFound)
	}
	if res.TotalInstruments != 1 {
		t.Errorf("total = %d, want 1", res.TotalInstruments)
	}
}

func TestFlushDrainsBufferToWriter(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	writer := &fakeWriter{}
	c := testCollector(feed, writer, "BTC-PERPETUAL")

	c.buf.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL", Timestamp: time.Now()})
	c.buf.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL", Timestamp: time.Now()})
	c.flush(context.Background())

	if len(writer.quotes) != 2 {
		t.Errorf("writer got %d quotes, want 2", len(writer.quotes))
	}
	if st := c.buf.Stats(); st.Quotes != 0 {
		t.Errorf("buffer not drained: %+v", st)
	}
}

func TestRefreshForcesReconnectOnChange(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	c := testCollector(feed, &fakeWriter{}, "BTC-OLD")
	c.resolve = func(context.Context) ([]string, error) {
		return []string{"BTC-NEW"}, nil
	}

	c.refreshInstruments(context.Background())

	if feed.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", feed.reconnects)
	}
	names := c.ownedNames()
	if len(names) != 1 || names[0] != "BTC-NEW" {
		t.Errorf("owned = %v, want [BTC-NEW]", names)
	}

	// Unchanged set does not reconnect.
	c.refreshInstruments(context.Background())
	if feed.reconnects != 1 {
		t.Errorf("reconnects after no-op refresh = %d, want 1", feed.reconnects)
	}
}

func TestSubscribeQueuesOnMidCallDisconnect(t *testing.T) {
	t.Parallel()

	// The socket claims to be up but drops before the call lands: the
	// instrument must join the owned set and ride the next reconnect,
	// not land in failed.
	feed := newFakeFeed(true)
	feed.subErr = exchange.ErrNotConnected
	c := testCollector(feed, &fakeWriter{})

	res := c.SubscribeInstruments(context.Background(), []string{"BTC-26SEP25-60000-C"})
	if !res.Success {
		t.Error("success = false")
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed = %v, want none", res.Failed)
	}
	if len(res.Subscribed) != 1 || res.Subscribed[0] != "BTC-26SEP25-60000-C" {
		t.Errorf("subscribed = %v", res.Subscribed)
	}
	if names := c.ownedNames(); len(names) != 1 {
		t.Errorf("owned = %v, want the queued instrument", names)
	}
}

func TestUnsubscribeQueuesOnMidCallDisconnect(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	feed.subErr = exchange.ErrNotConnected
	c := testCollector(feed, &fakeWriter{}, "BTC-PERPETUAL")

	res := c.UnsubscribeInstruments(context.Background(), []string{"BTC-PERPETUAL"})
	if !res.Success || len(res.Failed) != 0 {
		t.Errorf("result = %+v, want queued removal", res)
	}
	if len(res.Unsubscribed) != 1 {
		t.Errorf("unsubscribed = %v", res.Unsubscribed)
	}
	if names := c.ownedNames(); len(names) != 0 {
		t.Errorf("owned = %v, want empty", names)
	}
}

func TestSilenceRecoveryRefreshesBeforeReconnect(t *testing.T) {
	t.Parallel()

	// Changed partition: the refresh itself reconnects, exactly once.
	feed := newFakeFeed(true)
	c := testCollector(feed, &fakeWriter{}, "BTC-OLD")
	c.resolve = func(context.Context) ([]string, error) {
		return []string{"BTC-NEW"}, nil
	}
	c.recoverFromSilence(context.Background())
	if feed.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", feed.reconnects)
	}
	if names := c.ownedNames(); len(names) != 1 || names[0] != "BTC-NEW" {
		t.Errorf("owned = %v, want refreshed set", names)
	}

	// Unchanged partition: fall back to a plain reconnect.
	feed2 := newFakeFeed(true)
	c2 := testCollector(feed2, &fakeWriter{}, "BTC-SAME")
	c2.resolve = func(context.Context) ([]string, error) {
		return []string{"BTC-SAME"}, nil
	}
	c2.recoverFromSilence(context.Background())
	if feed2.reconnects != 1 {
		t.Errorf("reconnects with unchanged set = %d, want 1", feed2.reconnects)
	}

	// No resolver wired: still reconnect rather than do nothing.
	feed3 := newFakeFeed(true)
	c3 := testCollector(feed3, &fakeWriter{}, "BTC-SAME")
	c3.recoverFromSilence(context.Background())
	if feed3.reconnects != 1 {
		t.Errorf("reconnects without resolver = %d, want 1", feed3.reconnects)
	}
}

func TestRefreshKeepsSetOnResolverError(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	c := testCollector(feed, &fakeWriter{}, "BTC-PERPETUAL")
	c.resolve = func(context.Context) ([]string, error) {
		return nil, errors.New("catalog down")
	}

	c.refreshInstruments(context.Background())

	if names := c.ownedNames(); len(names) != 1 || names[0] != "BTC-PERPETUAL" {
		t.Errorf("owned = %v, want unchanged", names)
	}
	if feed.reconnects != 0 {
		t.Error("reconnected despite resolver failure")
	}
}

func TestStatusReflectsState(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(true)
	c := testCollector(feed, &fakeWriter{}, "BTC-PERPETUAL")
	c.startedAt = time.Now().Add(-90 * time.Second)
	c.buf.AddQuote(types.QuoteTick{Instrument: "BTC-PERPETUAL"})

	st := c.Status(context.Background())
	if st.ConnectionID != 1 || st.Currency != "BTC" || !st.Connected {
		t.Errorf("status = %+v", st)
	}
	if st.TotalInstruments != 1 || st.Buffer.Quotes != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.UptimeSec < 89 {
		t.Errorf("uptime = %d, want >= 89", st.UptimeSec)
	}
}
