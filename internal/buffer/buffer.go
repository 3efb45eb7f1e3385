// Package buffer holds ticks between WebSocket arrival and database flush.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"deribit-ticks/pkg/types"
)

// Stats is a point-in-time view of buffer occupancy and drop counters.
type Stats struct {
	Quotes        int
	Trades        int
	Depth         int
	QuotesCap     int
	TradesCap     int
	DepthCap      int
	DroppedQuotes uint64
	DroppedTrades uint64
	DroppedDepth  uint64
}

// TickBuffer is a bounded staging area for three tick streams. Producers
// (the WS decoder, the snapshot fetcher) append; a single flush loop drains.
// When a queue is full new ticks are dropped and counted; flushing has
// priority over ingestion, so drops only happen when the database falls
// behind for a sustained period.
type TickBuffer struct {
	mu     sync.Mutex
	quotes []types.QuoteTick
	trades []types.TradeTick
	depth  []types.DepthSnapshot

	quotesCap int
	tradesCap int
	depthCap  int

	droppedQuotes uint64
	droppedTrades uint64
	droppedDepth  uint64

	lastWarn map[string]time.Time

	full chan struct{}
	log  *slog.Logger
}

const highWaterFraction = 0.8

// New builds a TickBuffer with the given per-queue capacities.
func New(quotesCap, tradesCap, depthCap int, logger *slog.Logger) *TickBuffer {
	return &TickBuffer{
		quotes:    make([]types.QuoteTick, 0, 1024),
		trades:    make([]types.TradeTick, 0, 256),
		depth:     make([]types.DepthSnapshot, 0, 64),
		quotesCap: quotesCap,
		tradesCap: tradesCap,
		depthCap:  depthCap,
		lastWarn:  make(map[string]time.Time, 3),
		full:      make(chan struct{}, 1),
		log:       logger.With("component", "buffer"),
	}
}

// FullSignal fires when any queue crosses its high-water mark, so the
// flush loop can run ahead of its timer. Never blocks the producer.
func (b *TickBuffer) FullSignal() <-chan struct{} { return b.full }

// AddQuote appends a quote tick, dropping it if the queue is full.
func (b *TickBuffer) AddQuote(q types.QuoteTick) {
	b.mu.Lock()
	if len(b.quotes) >= b.quotesCap {
		b.droppedQuotes++
		b.mu.Unlock()
		return
	}
	b.quotes = append(b.quotes, q)
	hot := len(b.quotes) >= int(float64(b.quotesCap)*highWaterFraction)
	b.maybeWarnLocked("quotes", len(b.quotes), b.quotesCap, hot)
	b.mu.Unlock()
	if hot {
		b.signalFull()
	}
}

// AddTrade appends a trade tick, dropping it if the queue is full.
func (b *TickBuffer) AddTrade(t types.TradeTick) {
	b.mu.Lock()
	if len(b.trades) >= b.tradesCap {
		b.droppedTrades++
		b.mu.Unlock()
		return
	}
	b.trades = append(b.trades, t)
	hot := len(b.trades) >= int(float64(b.tradesCap)*highWaterFraction)
	b.maybeWarnLocked("trades", len(b.trades), b.tradesCap, hot)
	b.mu.Unlock()
	if hot {
		b.signalFull()
	}
}

// AddDepth appends a depth snapshot, dropping it if the queue is full.
func (b *TickBuffer) AddDepth(d types.DepthSnapshot) {
	b.mu.Lock()
	if len(b.depth) >= b.depthCap {
		b.droppedDepth++
		b.mu.Unlock()
		return
	}
	b.depth = append(b.depth, d)
	hot := len(b.depth) >= int(float64(b.depthCap)*highWaterFraction)
	b.maybeWarnLocked("depth", len(b.depth), b.depthCap, hot)
	b.mu.Unlock()
	if hot {
		b.signalFull()
	}
}

// Drain atomically removes and returns everything buffered. Ticks arriving
// during a flush land in the fresh queues and go out with the next drain.
func (b *TickBuffer) Drain() ([]types.QuoteTick, []types.TradeTick, []types.DepthSnapshot) {
	b.mu.Lock()
	quotes, trades, depth := b.quotes, b.trades, b.depth
	b.quotes = make([]types.QuoteTick, 0, 1024)
	b.trades = make([]types.TradeTick, 0, 256)
	b.depth = make([]types.DepthSnapshot, 0, 64)
	b.mu.Unlock()
	return quotes, trades, depth
}

// ShouldFlush reports whether any queue is at or past its high-water mark.
func (b *TickBuffer) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.quotes) >= int(float64(b.quotesCap)*highWaterFraction) ||
		len(b.trades) >= int(float64(b.tradesCap)*highWaterFraction) ||
		len(b.depth) >= int(float64(b.depthCap)*highWaterFraction)
}

// Stats returns current occupancy and cumulative drop counts.
func (b *TickBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Quotes:        len(b.quotes),
		Trades:        len(b.trades),
		Depth:         len(b.depth),
		QuotesCap:     b.quotesCap,
		TradesCap:     b.tradesCap,
		DepthCap:      b.depthCap,
		DroppedQuotes: b.droppedQuotes,
		DroppedTrades: b.droppedTrades,
		DroppedDepth:  b.droppedDepth,
	}
}

// ClearAll discards everything buffered, logging what was thrown away.
// Used on unrecoverable writer failure to bound memory.
func (b *TickBuffer) ClearAll() {
	b.mu.Lock()
	q, t, d := len(b.quotes), len(b.trades), len(b.depth)
	b.quotes = b.quotes[:0]
	b.trades = b.trades[:0]
	b.depth = b.depth[:0]
	b.mu.Unlock()
	if q+t+d > 0 {
		b.log.Warn("buffer cleared, ticks discarded",
			"quotes", q, "trades", t, "depth", d)
	}
}

func (b *TickBuffer) signalFull() {
	select {
	case b.full <- struct{}{}:
	default:
	}
}

// maybeWarnLocked logs the high-water warning at most once per minute per
// queue. Caller holds b.mu.
func (b *TickBuffer) maybeWarnLocked(queue string, size, capacity int, hot bool) {
	if !hot {
		return
	}
	now := time.Now()
	if last, ok := b.lastWarn[queue]; ok && now.Sub(last) < time.Minute {
		return
	}
	b.lastWarn[queue] = now
	b.log.Warn("buffer above high-water mark",
		"queue", queue, "size", size, "capacity", capacity)
}
