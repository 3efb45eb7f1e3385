// Package collector runs one WebSocket collector process: it owns a
// partition of the instrument universe, buffers the resulting ticks, and
// flushes them to Postgres. REST snapshots fill the gaps the stream
// leaves (startup state, reconnect windows, thinly traded strikes).
package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"deribit-ticks/internal/exchange"
	"deribit-ticks/pkg/types"
)

// Writer persists drained tick batches. *store.BatchWriter implements it.
type Writer interface {
	WriteQuotes(ctx context.Context, quotes []types.QuoteTick) (int, error)
	WriteTrades(ctx context.Context, trades []types.TradeTick) (int, error)
	WriteDepth(ctx context.Context, snaps []types.DepthSnapshot) (int, error)
}

// BookSource fetches REST order books. *exchange.Client implements it.
type BookSource interface {
	GetOrderBook(ctx context.Context, instrument string, depth int) (*exchange.OrderBook, error)
}

const (
	snapshotBatchSize  = 10
	snapshotBatchPause = 500 * time.Millisecond
	snapshotFullDepth  = 20
)

// SnapshotFetcher reconciles stream data against REST order books. It
// writes directly through the Writer rather than the buffer, so a snapshot
// sweep cannot evict live stream ticks.
type SnapshotFetcher struct {
	books  BookSource
	writer Writer
	logger *slog.Logger
}

// NewSnapshotFetcher builds a fetcher over the given book source and writer.
func NewSnapshotFetcher(books BookSource, writer Writer, logger *slog.Logger) *SnapshotFetcher {
	return &SnapshotFetcher{
		books:  books,
		writer: writer,
		logger: logger.With("component", "snapshot"),
	}
}

// FetchAndPopulate sweeps the instruments in concurrent batches of ten
// with a pause between batches, converting each book into a quote tick
// (and a depth snapshot when fullDepth is set). Instruments with no bid,
// no ask, and no mark are skipped. Returns the number of instruments
// captured.
func (s *SnapshotFetcher) FetchAndPopulate(ctx context.Context, instruments []string, fullDepth bool) (int, error) {
	if len(instruments) == 0 {
		return 0, nil
	}
	start := time.Now()
	depth := 1
	if fullDepth {
		depth = snapshotFullDepth
	}

	var (
		mu     sync.Mutex
		quotes []types.QuoteTick
		depths []types.DepthSnapshot
		failed int
	)

	for offset := 0; offset < len(instruments); offset += snapshotBatchSize {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		end := offset + snapshotBatchSize
		if end > len(instruments) {
			end = len(instruments)
		}

		var wg sync.WaitGroup
		for _, name := range instruments[offset:end] {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				book, err := s.books.GetOrderBook(ctx, name, depth)
				if err != nil {
					s.logger.Warn("snapshot fetch failed", "instrument", name, "error", err)
					mu.Lock()
					failed++
					mu.Unlock()
					return
				}
				if book.BestBidPrice == nil && book.BestAskPrice == nil && book.MarkPrice == nil {
					return
				}
				quote := bookToQuote(book)
				mu.Lock()
				quotes = append(quotes, quote)
				if fullDepth {
					depths = append(depths, bookToDepth(book))
				}
				mu.Unlock()
			}(name)
		}
		wg.Wait()

		if end < len(instruments) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(snapshotBatchPause):
			}
		}
	}

	if _, err := s.writer.WriteQuotes(ctx, quotes); err != nil {
		return 0, err
	}
	if _, err := s.writer.WriteDepth(ctx, depths); err != nil {
		return len(quotes), err
	}

	s.logger.Info("snapshot sweep done",
		"instruments", len(instruments), "captured", len(quotes),
		"failed", failed, "full_depth", fullDepth,
		"elapsed_ms", time.Since(start).Milliseconds())
	return len(quotes), nil
}

func bookToQuote(b *exchange.OrderBook) types.QuoteTick {
	q := types.QuoteTick{
		Timestamp:       time.UnixMilli(b.Timestamp).UTC(),
		Instrument:      b.Instrument,
		BestBidPrice:    b.BestBidPrice,
		BestBidAmount:   b.BestBidAmount,
		BestAskPrice:    b.BestAskPrice,
		BestAskAmount:   b.BestAskAmount,
		MarkPrice:       b.MarkPrice,
		UnderlyingPrice: b.UnderlyingPrice,
		MarkIV:          b.MarkIV,
		BidIV:           b.BidIV,
		AskIV:           b.AskIV,
		OpenInterest:    b.OpenInterest,
		LastPrice:       b.LastPrice,
		FundingRate:     b.CurrentFunding,
		IndexPrice:      b.IndexPrice,
	}
	if b.Greeks != nil {
		q.Delta = b.Greeks.Delta
		q.Gamma = b.Greeks.Gamma
		q.Theta = b.Greeks.Theta
		q.Vega = b.Greeks.Vega
		q.Rho = b.Greeks.Rho
	}
	return q
}

func bookToDepth(b *exchange.OrderBook) types.DepthSnapshot {
	d := types.DepthSnapshot{
		Timestamp:       time.UnixMilli(b.Timestamp).UTC(),
		Instrument:      b.Instrument,
		Bids:            ladderLevels(b.Bids),
		Asks:            ladderLevels(b.Asks),
		MarkPrice:       b.MarkPrice,
		UnderlyingPrice: b.UnderlyingPrice,
		IndexPrice:      b.IndexPrice,
		FundingRate:     b.CurrentFunding,
		OpenInterest:    b.OpenInterest,
	}
	if b.Stats != nil {
		d.Volume24h = b.Stats.Volume
	}
	return d
}

func ladderLevels(rungs [][]float64) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(rungs))
	for _, r := range rungs {
		if len(r) < 2 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: r[0], Amount: r[1]})
	}
	return levels
}
