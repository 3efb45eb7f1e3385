package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"deribit-ticks/pkg/types"
)

const (
	// Rows per transaction. Keeps a flush of a full buffer from holding
	// one giant transaction open against the partitioned tables.
	subBatchRows = 10_000

	// Postgres caps bind parameters per statement at 65535, so a
	// sub-batch is split into statements of at most this many parameters.
	maxBindParams = 65_535

	statementTimeout = 60 * time.Second
)

var writeRetryWaits = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// insertSpec describes one target table: its columns and conflict policy.
type insertSpec struct {
	table    string
	columns  []string
	conflict string
}

// optionQuotesSpec builds the upsert spec for {ccy}_option_quotes. Every
// non-key column merges via COALESCE so sparse ticks never null out data
// an earlier tick carried.
func optionQuotesSpec(ccy string) insertSpec {
	table := strings.ToLower(ccy) + "_option_quotes"
	cols := []string{
		"timestamp", "instrument",
		"best_bid_price", "best_bid_amount", "best_ask_price", "best_ask_amount",
		"underlying_price", "mark_price",
		"delta", "gamma", "theta", "vega", "rho",
		"implied_volatility", "bid_iv", "ask_iv", "mark_iv",
		"open_interest", "last_price",
	}
	return insertSpec{
		table:    table,
		columns:  cols,
		conflict: coalesceConflict(table, cols, "timestamp", "instrument"),
	}
}

func perpQuotesSpec() insertSpec {
	cols := []string{
		"timestamp", "instrument",
		"best_bid_price", "best_bid_amount", "best_ask_price", "best_ask_amount",
		"mark_price", "index_price", "funding_rate", "open_interest", "last_price",
	}
	return insertSpec{
		table:    "perpetuals_quotes",
		columns:  cols,
		conflict: coalesceConflict("perpetuals_quotes", cols, "timestamp", "instrument"),
	}
}

func optionTradesSpec(ccy string) insertSpec {
	return insertSpec{
		table: strings.ToLower(ccy) + "_option_trades",
		columns: []string{
			"timestamp", "instrument", "trade_id",
			"price", "amount", "direction", "iv", "index_price",
		},
		conflict: "ON CONFLICT (trade_id, instrument) DO NOTHING",
	}
}

func perpTradesSpec() insertSpec {
	return insertSpec{
		table: "perpetuals_trades",
		columns: []string{
			"timestamp", "trade_id", "instrument",
			"price", "amount", "direction", "tick_direction", "liquidation",
		},
		conflict: "ON CONFLICT (timestamp, trade_id, instrument) DO NOTHING",
	}
}

func optionDepthSpec(ccy string) insertSpec {
	return insertSpec{
		table: strings.ToLower(ccy) + "_option_orderbook_depth",
		columns: []string{
			"timestamp", "instrument", "bids", "asks",
			"mark_price", "underlying_price", "open_interest", "volume_24h",
		},
	}
}

func perpDepthSpec() insertSpec {
	return insertSpec{
		table: "perpetuals_orderbook_depth",
		columns: []string{
			"timestamp", "instrument", "bids", "asks",
			"mark_price", "index_price", "funding_rate", "open_interest", "volume_24h",
		},
	}
}

// coalesceConflict renders the DO UPDATE clause that keeps prior non-null
// values: col = COALESCE(EXCLUDED.col, table.col) for every non-key column.
func coalesceConflict(table string, columns []string, keys ...string) string {
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	sets := make([]string, 0, len(columns))
	for _, col := range columns {
		if keySet[col] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, %s.%s)", col, col, table, col))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keys, ", "), strings.Join(sets, ", "))
}

// buildInsert renders a multi-row INSERT for n rows against the spec.
func buildInsert(spec insertSpec, nRows int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", spec.table, strings.Join(spec.columns, ", "))
	nCols := len(spec.columns)
	p := 1
	for r := 0; r < nRows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < nCols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p)
			p++
		}
		sb.WriteByte(')')
	}
	if spec.conflict != "" {
		sb.WriteByte(' ')
		sb.WriteString(spec.conflict)
	}
	return sb.String()
}

// BatchWriter persists drained tick batches. Writes are idempotent:
// re-sending a batch after a crash or retry never duplicates rows.
type BatchWriter struct {
	db       *sqlx.DB
	currency string
	logger   *slog.Logger
}

// NewBatchWriter creates a writer routing option rows to the currency's
// tables and perpetual rows to the shared perpetuals tables.
func NewBatchWriter(db *sqlx.DB, currency string, logger *slog.Logger) *BatchWriter {
	return &BatchWriter{
		db:       db,
		currency: currency,
		logger:   logger.With("component", "writer"),
	}
}

func isPerpetual(instrument string) bool {
	return strings.Contains(instrument, "-PERPETUAL")
}

// WriteQuotes upserts quote ticks, returning the number of rows sent.
func (w *BatchWriter) WriteQuotes(ctx context.Context, quotes []types.QuoteTick) (int, error) {
	if len(quotes) == 0 {
		return 0, nil
	}
	var optRows, perpRows [][]any
	for _, q := range quotes {
		if isPerpetual(q.Instrument) {
			perpRows = append(perpRows, []any{
				q.Timestamp, q.Instrument,
				q.BestBidPrice, q.BestBidAmount, q.BestAskPrice, q.BestAskAmount,
				q.MarkPrice, q.IndexPrice, q.FundingRate, q.OpenInterest, q.LastPrice,
			})
		} else {
			optRows = append(optRows, []any{
				q.Timestamp, q.Instrument,
				q.BestBidPrice, q.BestBidAmount, q.BestAskPrice, q.BestAskAmount,
				q.UnderlyingPrice, q.MarkPrice,
				q.Delta, q.Gamma, q.Theta, q.Vega, q.Rho,
				q.MarkIV, q.BidIV, q.AskIV, q.MarkIV,
				q.OpenInterest, q.LastPrice,
			})
		}
	}
	if err := w.writeRows(ctx, optionQuotesSpec(w.currency), optRows); err != nil {
		return 0, err
	}
	if err := w.writeRows(ctx, perpQuotesSpec(), perpRows); err != nil {
		return len(optRows), err
	}
	return len(quotes), nil
}

// WriteTrades inserts trade ticks, returning the number of rows sent.
func (w *BatchWriter) WriteTrades(ctx context.Context, trades []types.TradeTick) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	var optRows, perpRows [][]any
	for _, t := range trades {
		if isPerpetual(t.Instrument) {
			perpRows = append(perpRows, []any{
				t.Timestamp, t.TradeID, t.Instrument,
				t.Price, t.Amount, string(t.Direction), t.TickDirection, t.Liquidation,
			})
		} else {
			optRows = append(optRows, []any{
				t.Timestamp, t.Instrument, t.TradeID,
				t.Price, t.Amount, string(t.Direction), t.IV, t.IndexPrice,
			})
		}
	}
	if err := w.writeRows(ctx, optionTradesSpec(w.currency), optRows); err != nil {
		return 0, err
	}
	if err := w.writeRows(ctx, perpTradesSpec(), perpRows); err != nil {
		return len(optRows), err
	}
	return len(trades), nil
}

// WriteDepth appends depth snapshots, returning the number of rows sent.
func (w *BatchWriter) WriteDepth(ctx context.Context, snaps []types.DepthSnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	var optRows, perpRows [][]any
	for _, d := range snaps {
		bids, err := json.Marshal(d.Bids)
		if err != nil {
			return 0, fmt.Errorf("marshal bids %s: %w", d.Instrument, err)
		}
		asks, err := json.Marshal(d.Asks)
		if err != nil {
			return 0, fmt.Errorf("marshal asks %s: %w", d.Instrument, err)
		}
		if isPerpetual(d.Instrument) {
			perpRows = append(perpRows, []any{
				d.Timestamp, d.Instrument, bids, asks,
				d.MarkPrice, d.IndexPrice, d.FundingRate, d.OpenInterest, d.Volume24h,
			})
		} else {
			optRows = append(optRows, []any{
				d.Timestamp, d.Instrument, bids, asks,
				d.MarkPrice, d.UnderlyingPrice, d.OpenInterest, d.Volume24h,
			})
		}
	}
	if err := w.writeRows(ctx, optionDepthSpec(w.currency), optRows); err != nil {
		return 0, err
	}
	if err := w.writeRows(ctx, perpDepthSpec(), perpRows); err != nil {
		return len(optRows), err
	}
	return len(snaps), nil
}

// writeRows sends rows in sub-batches of one transaction each, chunking
// statements under the bind-parameter cap and retrying transient failures.
func (w *BatchWriter) writeRows(ctx context.Context, spec insertSpec, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()

	for offset := 0; offset < len(rows); offset += subBatchRows {
		end := offset + subBatchRows
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[offset:end]

		var err error
		for attempt := 0; ; attempt++ {
			err = w.writeTx(ctx, spec, batch)
			if err == nil || ctx.Err() != nil || attempt >= len(writeRetryWaits) {
				break
			}
			wait := writeRetryWaits[attempt]
			w.logger.Warn("batch write failed, retrying",
				"table", spec.table, "rows", len(batch), "attempt", attempt+1,
				"wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", spec.table, err)
		}
	}

	elapsed := time.Since(start)
	w.logger.Info("batch written",
		"table", spec.table, "rows", len(rows),
		"elapsed_ms", elapsed.Milliseconds(),
		"rows_per_sec", int(float64(len(rows))/maxSeconds(elapsed)))
	return nil
}

func maxSeconds(d time.Duration) float64 {
	if s := d.Seconds(); s > 0.001 {
		return s
	}
	return 0.001
}

func (w *BatchWriter) writeTx(ctx context.Context, spec insertSpec, rows [][]any) error {
	txCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	tx, err := w.db.BeginTxx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	maxRowsPerStmt := maxBindParams / len(spec.columns)
	for offset := 0; offset < len(rows); offset += maxRowsPerStmt {
		end := offset + maxRowsPerStmt
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[offset:end]

		query := buildInsert(spec, len(chunk))
		args := make([]any, 0, len(chunk)*len(spec.columns))
		for _, row := range chunk {
			args = append(args, row...)
		}
		if _, err := tx.ExecContext(txCtx, query, args...); err != nil {
			return fmt.Errorf("exec %d rows: %w", len(chunk), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
