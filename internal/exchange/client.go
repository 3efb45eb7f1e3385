// Package exchange implements the Deribit public REST and WebSocket clients.
//
// The REST client (Client) covers the read-only endpoints the ingestion
// plane needs:
//   - ListInstruments:        GET /public/get_instruments          — instrument catalog
//   - GetOrderBook:           GET /public/get_order_book           — book + ticker snapshot
//   - GetFundingRateHistory:  GET /public/get_funding_rate_history — perp funding
//   - TestConnection:         GET /public/test                     — liveness probe
//
// Every request is rate-limited via per-category TokenBuckets and retried
// on transport errors, 5xx, and 429 (honouring Retry-After). The catalog
// carries a one-hour cache with stale fallback so a venue outage does not
// wipe an otherwise healthy collector's instrument universe.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"deribit-ticks/pkg/types"
)

// ErrCatalogUnavailable means the instrument catalog could not be fetched
// and no cached copy (fresh or stale) exists.
var ErrCatalogUnavailable = errors.New("instrument catalog unavailable")

const catalogTTL = time.Hour

// rpcEnvelope is the JSON-RPC-over-HTTP response wrapper Deribit uses for
// every REST endpoint.
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("deribit error %d: %s", e.Code, e.Message)
}

// OrderBook is the decoded /public/get_order_book result. Deribit returns
// the full ticker alongside the ladders, so one call serves both quote
// reconciliation and depth capture.
type OrderBook struct {
	Timestamp       int64       `json:"timestamp"`
	Instrument      string      `json:"instrument_name"`
	Bids            [][]float64 `json:"bids"`
	Asks            [][]float64 `json:"asks"`
	BestBidPrice    *float64    `json:"best_bid_price"`
	BestBidAmount   *float64    `json:"best_bid_amount"`
	BestAskPrice    *float64    `json:"best_ask_price"`
	BestAskAmount   *float64    `json:"best_ask_amount"`
	MarkPrice       *float64    `json:"mark_price"`
	UnderlyingPrice *float64    `json:"underlying_price"`
	IndexPrice      *float64    `json:"index_price"`
	MarkIV          *float64    `json:"mark_iv"`
	BidIV           *float64    `json:"bid_iv"`
	AskIV           *float64    `json:"ask_iv"`
	Greeks          *Greeks     `json:"greeks"`
	OpenInterest    *float64    `json:"open_interest"`
	LastPrice       *float64    `json:"last_price"`
	CurrentFunding  *float64    `json:"current_funding"`
	Funding8H       *float64    `json:"funding_8h"`
	Stats           *BookStats  `json:"stats"`
}

// Greeks is the option risk block embedded in tickers and books.
type Greeks struct {
	Delta *float64 `json:"delta"`
	Gamma *float64 `json:"gamma"`
	Theta *float64 `json:"theta"`
	Vega  *float64 `json:"vega"`
	Rho   *float64 `json:"rho"`
}

// BookStats is the 24h stats block of a book/ticker response.
type BookStats struct {
	Volume *float64 `json:"volume"`
	High   *float64 `json:"high"`
	Low    *float64 `json:"low"`
}

// fundingHistoryEntry is one element of get_funding_rate_history.
type fundingHistoryEntry struct {
	Timestamp  int64   `json:"timestamp"`
	IndexPrice float64 `json:"index_price"`
	Interest8H float64 `json:"interest_8h"`
	Interest1H float64 `json:"interest_1h"`
}

type catalogKey struct {
	currency       string
	kind           string
	includeExpired bool
}

type catalogEntry struct {
	records   []types.InstrumentRecord
	fetchedAt time.Time
}

// Client is the Deribit public REST client.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger

	cacheMu sync.Mutex
	cache   map[catalogKey]catalogEntry
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			if r != nil && r.StatusCode() == http.StatusTooManyRequests {
				if s := r.Header().Get("Retry-After"); s != "" {
					if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
						return time.Duration(secs) * time.Second, nil
					}
				}
				return 60 * time.Second, nil
			}
			return 0, nil // fall back to the default backoff
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "rest"),
		cache:  make(map[catalogKey]catalogEntry),
	}
}

// ListInstruments fetches the instrument catalog for a currency and kind.
// Responses are cached for an hour; when the venue is unreachable a stale
// cache entry is served with a warning rather than failing the caller.
func (c *Client) ListInstruments(ctx context.Context, currency, kind string, includeExpired bool) ([]types.InstrumentRecord, error) {
	key := catalogKey{currency: currency, kind: kind, includeExpired: includeExpired}

	c.cacheMu.Lock()
	if entry, ok := c.cache[key]; ok && time.Since(entry.fetchedAt) < catalogTTL {
		records := entry.records
		c.cacheMu.Unlock()
		return records, nil
	}
	c.cacheMu.Unlock()

	records, err := c.fetchInstruments(ctx, currency, kind, includeExpired)
	if err != nil {
		c.cacheMu.Lock()
		entry, ok := c.cache[key]
		c.cacheMu.Unlock()
		if ok {
			c.logger.Warn("catalog fetch failed, serving stale cache",
				"currency", currency, "kind", kind,
				"age", time.Since(entry.fetchedAt).Round(time.Second), "error", err)
			return entry.records, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	c.cacheMu.Lock()
	c.cache[key] = catalogEntry{records: records, fetchedAt: time.Now()}
	c.cacheMu.Unlock()
	return records, nil
}

func (c *Client) fetchInstruments(ctx context.Context, currency, kind string, includeExpired bool) ([]types.InstrumentRecord, error) {
	if err := c.rl.Catalog.Wait(ctx); err != nil {
		return nil, err
	}

	var env rpcEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"currency": currency,
			"kind":     kind,
			"expired":  strconv.FormatBool(includeExpired),
		}).
		SetResult(&env).
		ForceContentType("application/json").
		Get("/public/get_instruments")
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get instruments: status %d: %s", resp.StatusCode(), resp.String())
	}
	if env.Error != nil {
		return nil, fmt.Errorf("get instruments: %w", env.Error)
	}

	var records []types.InstrumentRecord
	if err := json.Unmarshal(env.Result, &records); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	if !includeExpired {
		live := records[:0]
		for _, r := range records {
			if r.IsActive {
				live = append(live, r)
			}
		}
		records = live
	}
	return records, nil
}

// TopInstruments returns the names of the n active options with the most
// open interest. n <= 0 returns the whole active universe in venue order.
func (c *Client) TopInstruments(ctx context.Context, currency string, n int) ([]string, error) {
	records, err := c.ListInstruments(ctx, currency, string(types.KindOption), false)
	if err != nil {
		return nil, err
	}
	sorted := make([]types.InstrumentRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenInterest > sorted[j].OpenInterest
	})
	if n > 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	names := make([]string, len(sorted))
	for i, r := range sorted {
		names[i] = r.Name
	}
	return names, nil
}

// GetOrderBook fetches the book (with embedded ticker) for one instrument.
// depth is the number of ladder levels, typically 1 or 20.
func (c *Client) GetOrderBook(ctx context.Context, instrument string, depth int) (*OrderBook, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var env rpcEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"instrument_name": instrument,
			"depth":           strconv.Itoa(depth),
		}).
		SetResult(&env).
		ForceContentType("application/json").
		Get("/public/get_order_book")
	if err != nil {
		return nil, fmt.Errorf("get order book %s: %w", instrument, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order book %s: status %d: %s", instrument, resp.StatusCode(), resp.String())
	}
	if env.Error != nil {
		return nil, fmt.Errorf("get order book %s: %w", instrument, env.Error)
	}

	var book OrderBook
	if err := json.Unmarshal(env.Result, &book); err != nil {
		return nil, fmt.Errorf("decode order book %s: %w", instrument, err)
	}
	return &book, nil
}

// GetFundingRateHistory fetches 8h funding observations for a perpetual
// over [start, end].
func (c *Client) GetFundingRateHistory(ctx context.Context, instrument string, start, end time.Time) ([]types.FundingRate, error) {
	if err := c.rl.History.Wait(ctx); err != nil {
		return nil, err
	}

	var env rpcEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"instrument_name": instrument,
			"start_timestamp": strconv.FormatInt(start.UnixMilli(), 10),
			"end_timestamp":   strconv.FormatInt(end.UnixMilli(), 10),
		}).
		SetResult(&env).
		ForceContentType("application/json").
		Get("/public/get_funding_rate_history")
	if err != nil {
		return nil, fmt.Errorf("get funding history %s: %w", instrument, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get funding history %s: status %d: %s", instrument, resp.StatusCode(), resp.String())
	}
	if env.Error != nil {
		return nil, fmt.Errorf("get funding history %s: %w", instrument, env.Error)
	}

	var entries []fundingHistoryEntry
	if err := json.Unmarshal(env.Result, &entries); err != nil {
		return nil, fmt.Errorf("decode funding history %s: %w", instrument, err)
	}
	rates := make([]types.FundingRate, len(entries))
	for i, e := range entries {
		rates[i] = types.FundingRate{
			Timestamp:  time.UnixMilli(e.Timestamp).UTC(),
			Instrument: instrument,
			Interest8H: e.Interest8H,
			Interest1H: e.Interest1H,
			IndexPrice: e.IndexPrice,
		}
	}
	return rates, nil
}

// TestConnection probes /public/test. Used at startup to fail fast on
// misconfigured endpoints.
func (c *Client) TestConnection(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/public/test")
	if err != nil {
		return fmt.Errorf("test connection: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("test connection: status %d", resp.StatusCode())
	}
	return nil
}
