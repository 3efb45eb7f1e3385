package buffer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"deribit-ticks/pkg/types"
)

func newTestBuffer(q, t, d int) *TickBuffer {
	return New(q, t, d, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func quoteAt(i int) types.QuoteTick {
	return types.QuoteTick{
		Timestamp:  time.UnixMilli(int64(i)).UTC(),
		Instrument: "BTC-26SEP25-60000-C",
		MarkPrice:  types.Float64(0.05),
	}
}

func tradeAt(i int) types.TradeTick {
	return types.TradeTick{
		Timestamp:  time.UnixMilli(int64(i)).UTC(),
		Instrument: "BTC-PERPETUAL",
		TradeID:    fmt.Sprintf("T-%d", i),
		Price:      decimal.NewFromInt(60000),
		Amount:     decimal.NewFromInt(10),
		Direction:  types.DirectionBuy,
	}
}

func TestAddAndDrain(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(100, 100, 100)
	for i := 0; i < 5; i++ {
		b.AddQuote(quoteAt(i))
	}
	b.AddTrade(tradeAt(0))
	b.AddDepth(types.DepthSnapshot{Instrument: "BTC-PERPETUAL"})

	quotes, trades, depth := b.Drain()
	if len(quotes) != 5 || len(trades) != 1 || len(depth) != 1 {
		t.Fatalf("drained %d/%d/%d, want 5/1/1", len(quotes), len(trades), len(depth))
	}

	// Second drain finds nothing.
	quotes, trades, depth = b.Drain()
	if len(quotes)+len(trades)+len(depth) != 0 {
		t.Errorf("second drain returned %d/%d/%d, want empty", len(quotes), len(trades), len(depth))
	}
}

func TestDropWhenFull(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(3, 3, 3)
	for i := 0; i < 10; i++ {
		b.AddQuote(quoteAt(i))
	}
	st := b.Stats()
	if st.Quotes != 3 {
		t.Errorf("quotes buffered = %d, want 3", st.Quotes)
	}
	if st.DroppedQuotes != 7 {
		t.Errorf("dropped = %d, want 7", st.DroppedQuotes)
	}
}

func TestShouldFlushHighWater(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(10, 10, 10)
	for i := 0; i < 7; i++ {
		b.AddQuote(quoteAt(i))
	}
	if b.ShouldFlush() {
		t.Error("ShouldFlush true at 70%")
	}
	b.AddQuote(quoteAt(7))
	if !b.ShouldFlush() {
		t.Error("ShouldFlush false at 80%")
	}
}

func TestFullSignalNonBlocking(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(5, 5, 5)
	// Cross high water repeatedly with nobody listening; must not block.
	for i := 0; i < 20; i++ {
		b.AddQuote(quoteAt(i))
	}
	select {
	case <-b.FullSignal():
	default:
		t.Error("expected a pending full signal")
	}
}

func TestDrainAtomicUnderConcurrency(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(1_000_000, 1_000_000, 1_000_000)
	const producers = 8
	const perProducer = 2000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.AddQuote(quoteAt(p*perProducer + i))
			}
		}(p)
	}

	var drained int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			q, _, _ := b.Drain()
			drained += len(q)
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	<-done
	q, _, _ := b.Drain()
	drained += len(q)

	if drained != producers*perProducer {
		t.Errorf("drained %d ticks total, want %d (lost or duplicated under concurrency)",
			drained, producers*perProducer)
	}
	if got := b.Stats().DroppedQuotes; got != 0 {
		t.Errorf("dropped %d ticks with oversized buffer", got)
	}
}

func TestClearAll(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(10, 10, 10)
	b.AddQuote(quoteAt(0))
	b.AddTrade(tradeAt(0))
	b.ClearAll()
	st := b.Stats()
	if st.Quotes+st.Trades+st.Depth != 0 {
		t.Errorf("buffer not empty after ClearAll: %+v", st)
	}
}
