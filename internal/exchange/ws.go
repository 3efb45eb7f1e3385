// ws.go implements the Deribit JSON-RPC WebSocket feed.
//
// The Feed maintains one connection, subscribes to ticker and trades
// channels, decodes notifications into domain ticks, and delivers them on
// typed channels. Run owns the reconnect loop: on any read failure the
// connection is torn down and re-dialed with exponential backoff (1s
// doubling to 60s, reset after a successful connect), then resubscribed
// to the caller's current channel set.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"deribit-ticks/pkg/types"
)

// ErrNotConnected means a subscribe/unsubscribe was attempted while the
// WebSocket was down. Callers queue the change and retry after reconnect.
var ErrNotConnected = errors.New("websocket not connected")

const (
	handshakeTimeout = 10 * time.Second
	confirmTimeout   = 5 * time.Second
	pingInterval     = 20 * time.Second
	writeDeadline    = 10 * time.Second
	readDeadline     = 60 * time.Second

	// Channels per subscribe request. Deribit rejects oversized frames.
	subscribeChunk = 100
)

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *wsNotification `json:"params,omitempty"`
}

type wsNotification struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// tickerPayload mirrors the data object of a ticker.<instrument>.100ms
// notification. Absent fields stay nil so the upsert preserves prior values.
type tickerPayload struct {
	Timestamp       int64    `json:"timestamp"`
	Instrument      string   `json:"instrument_name"`
	BestBidPrice    *float64 `json:"best_bid_price"`
	BestBidAmount   *float64 `json:"best_bid_amount"`
	BestAskPrice    *float64 `json:"best_ask_price"`
	BestAskAmount   *float64 `json:"best_ask_amount"`
	MarkPrice       *float64 `json:"mark_price"`
	UnderlyingPrice *float64 `json:"underlying_price"`
	Greeks          *Greeks  `json:"greeks"`
	MarkIV          *float64 `json:"mark_iv"`
	BidIV           *float64 `json:"bid_iv"`
	AskIV           *float64 `json:"ask_iv"`
	OpenInterest    *float64 `json:"open_interest"`
	LastPrice       *float64 `json:"last_price"`
	CurrentFunding  *float64 `json:"current_funding"`
	IndexPrice      *float64 `json:"index_price"`
}

// tradePayload mirrors one element of a trades.<instrument>.100ms
// notification. Deribit emits a list but single objects appear in the
// wild, so the decoder accepts both.
type tradePayload struct {
	TradeID       string          `json:"trade_id"`
	Timestamp     int64           `json:"timestamp"`
	Instrument    string          `json:"instrument_name"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     string          `json:"direction"`
	IV            *float64        `json:"iv"`
	IndexPrice    *float64        `json:"index_price"`
	TickDirection *int            `json:"tick_direction"`
	Liquidation   json.RawMessage `json:"liquidation"`
}

// Feed is a Deribit WebSocket session with automatic reconnect.
type Feed struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	idSeq     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan wsMessage

	quotes chan types.QuoteTick
	trades chan types.TradeTick

	lastMsgNano  atomic.Int64
	dropWarnNano atomic.Int64
}

// NewFeed creates a Feed for the given WebSocket URL. Run must be called
// before ticks flow.
func NewFeed(url string, logger *slog.Logger) *Feed {
	return &Feed{
		url:     url,
		logger:  logger.With("component", "ws"),
		pending: make(map[int64]chan wsMessage),
		quotes:  make(chan types.QuoteTick, 8192),
		trades:  make(chan types.TradeTick, 2048),
	}
}

// Quotes delivers decoded ticker updates.
func (f *Feed) Quotes() <-chan types.QuoteTick { return f.quotes }

// Trades delivers decoded trade prints.
func (f *Feed) Trades() <-chan types.TradeTick { return f.trades }

// IsConnected reports whether a connection is currently up.
func (f *Feed) IsConnected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

// LastMessageAt returns the arrival time of the most recent frame, or the
// zero time before the first frame.
func (f *Feed) LastMessageAt() time.Time {
	n := f.lastMsgNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run dials, subscribes, and pumps messages until ctx is cancelled.
// channelsFn is consulted on every (re)connect so the subscription set
// tracks the collector's current owned instruments.
func (f *Feed) Run(ctx context.Context, channelsFn func() []string) error {
	bo := newReconnectBackoff()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := f.connect(ctx); err != nil {
			wait := bo.NextBackOff()
			f.logger.Warn("connect failed, backing off", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		if channels := channelsFn(); len(channels) > 0 {
			if _, err := f.Subscribe(ctx, channels); err != nil {
				f.logger.Error("resubscribe failed", "channels", len(channels), "error", err)
				f.teardown()
				wait := bo.NextBackOff()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			f.logger.Info("subscribed", "channels", len(channels))
		}
		bo.Reset()

		err := f.readLoop(ctx)
		f.teardown()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		f.logger.Warn("connection lost, reconnecting", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// newReconnectBackoff yields 1s, 2s, 4s, ... capped at 60s. No jitter:
// collectors are partitioned per process, so thundering herd is not a
// concern and deterministic waits read better in logs.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0
	return bo
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.lastMsgNano.Store(time.Now().UnixNano())
	f.logger.Info("connected", "url", f.url)
	return nil
}

// teardown closes the connection and fails all in-flight calls.
func (f *Feed) teardown() {
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()

	f.pendingMu.Lock()
	for id, ch := range f.pending {
		close(ch)
		delete(f.pending, id)
	}
	f.pendingMu.Unlock()
}

// ForceReconnect drops the current connection; Run redials and applies the
// current channel set. Used after the owned instrument set changes.
func (f *Feed) ForceReconnect() {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// readLoop pumps frames until the connection errors. A ping goroutine keeps
// the venue's idle timer at bay.
func (f *Feed) readLoop(ctx context.Context) error {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		f.lastMsgNano.Store(time.Now().UnixNano())
		f.handleMessage(data)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks the read loop immediately on shutdown.
			conn.Close()
			return
		case <-ticker.C:
			f.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
			f.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (f *Feed) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("undecodable frame", "error", err)
		return
	}

	// RPC response: route to the waiting caller.
	if msg.ID != nil {
		f.pendingMu.Lock()
		ch, ok := f.pending[*msg.ID]
		if ok {
			delete(f.pending, *msg.ID)
		}
		f.pendingMu.Unlock()
		if ok {
			ch <- msg
			close(ch)
		}
		return
	}

	if msg.Method != "subscription" || msg.Params == nil {
		return
	}

	switch {
	case strings.HasPrefix(msg.Params.Channel, "ticker."):
		f.handleTicker(msg.Params)
	case strings.HasPrefix(msg.Params.Channel, "trades."):
		f.handleTrades(msg.Params)
	}
}

func (f *Feed) handleTicker(n *wsNotification) {
	var p tickerPayload
	if err := json.Unmarshal(n.Data, &p); err != nil {
		f.logger.Warn("bad ticker payload", "channel", n.Channel, "error", err)
		return
	}
	instrument := p.Instrument
	if instrument == "" {
		instrument = channelInstrument(n.Channel)
	}
	tick := types.QuoteTick{
		Timestamp:       time.UnixMilli(p.Timestamp).UTC(),
		Instrument:      instrument,
		BestBidPrice:    p.BestBidPrice,
		BestBidAmount:   p.BestBidAmount,
		BestAskPrice:    p.BestAskPrice,
		BestAskAmount:   p.BestAskAmount,
		MarkPrice:       p.MarkPrice,
		UnderlyingPrice: p.UnderlyingPrice,
		MarkIV:          p.MarkIV,
		BidIV:           p.BidIV,
		AskIV:           p.AskIV,
		OpenInterest:    p.OpenInterest,
		LastPrice:       p.LastPrice,
		FundingRate:     p.CurrentFunding,
		IndexPrice:      p.IndexPrice,
	}
	if p.Greeks != nil {
		tick.Delta = p.Greeks.Delta
		tick.Gamma = p.Greeks.Gamma
		tick.Theta = p.Greeks.Theta
		tick.Vega = p.Greeks.Vega
		tick.Rho = p.Greeks.Rho
	}

	select {
	case f.quotes <- tick:
	default:
		f.warnDrop("quotes", instrument)
	}
}

func (f *Feed) handleTrades(n *wsNotification) {
	var payloads []tradePayload
	if err := json.Unmarshal(n.Data, &payloads); err != nil {
		var single tradePayload
		if err2 := json.Unmarshal(n.Data, &single); err2 != nil {
			f.logger.Warn("bad trades payload", "channel", n.Channel, "error", err)
			return
		}
		payloads = []tradePayload{single}
	}

	for _, p := range payloads {
		instrument := p.Instrument
		if instrument == "" {
			instrument = channelInstrument(n.Channel)
		}
		tick := types.TradeTick{
			Timestamp:     time.UnixMilli(p.Timestamp).UTC(),
			Instrument:    instrument,
			TradeID:       p.TradeID,
			Price:         p.Price,
			Amount:        p.Amount,
			Direction:     types.Direction(p.Direction),
			IV:            p.IV,
			IndexPrice:    p.IndexPrice,
			TickDirection: p.TickDirection,
			Liquidation:   len(p.Liquidation) > 0 && string(p.Liquidation) != "null" && string(p.Liquidation) != "false",
		}
		select {
		case f.trades <- tick:
		default:
			f.warnDrop("trades", instrument)
		}
	}
}

// warnDrop logs channel-full drops at most once per 10 seconds.
func (f *Feed) warnDrop(stream, instrument string) {
	now := time.Now().UnixNano()
	last := f.dropWarnNano.Load()
	if now-last < int64(10*time.Second) {
		return
	}
	if f.dropWarnNano.CompareAndSwap(last, now) {
		f.logger.Warn("tick channel full, dropping", "stream", stream, "instrument", instrument)
	}
}

// Subscribe requests the given channels and waits for the venue's
// confirmation. Returns the channels the venue acknowledged.
func (f *Feed) Subscribe(ctx context.Context, channels []string) ([]string, error) {
	return f.manageSubscriptions(ctx, "public/subscribe", channels)
}

// Unsubscribe removes the given channels, waiting for confirmation.
func (f *Feed) Unsubscribe(ctx context.Context, channels []string) ([]string, error) {
	return f.manageSubscriptions(ctx, "public/unsubscribe", channels)
}

func (f *Feed) manageSubscriptions(ctx context.Context, method string, channels []string) ([]string, error) {
	var confirmed []string
	for start := 0; start < len(channels); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(channels) {
			end = len(channels)
		}
		msg, err := f.call(ctx, method, map[string]any{"channels": channels[start:end]})
		if err != nil {
			return confirmed, err
		}
		var acked []string
		if err := json.Unmarshal(msg.Result, &acked); err != nil {
			return confirmed, fmt.Errorf("%s: decode result: %w", method, err)
		}
		confirmed = append(confirmed, acked...)
	}
	return confirmed, nil
}

// call sends one JSON-RPC request and waits for its response.
func (f *Feed) call(ctx context.Context, method string, params any) (wsMessage, error) {
	f.connMu.Lock()
	conn := f.conn
	f.connMu.Unlock()
	if conn == nil {
		return wsMessage{}, ErrNotConnected
	}

	id := f.idSeq.Add(1)
	ch := make(chan wsMessage, 1)
	f.pendingMu.Lock()
	f.pending[id] = ch
	f.pendingMu.Unlock()

	req := wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	f.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := conn.WriteJSON(req)
	f.writeMu.Unlock()
	if err != nil {
		f.pendingMu.Lock()
		delete(f.pending, id)
		f.pendingMu.Unlock()
		return wsMessage{}, fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		f.pendingMu.Lock()
		delete(f.pending, id)
		f.pendingMu.Unlock()
		return wsMessage{}, ctx.Err()
	case <-time.After(confirmTimeout):
		f.pendingMu.Lock()
		delete(f.pending, id)
		f.pendingMu.Unlock()
		return wsMessage{}, fmt.Errorf("%s: no response within %s", method, confirmTimeout)
	case msg, ok := <-ch:
		if !ok {
			return wsMessage{}, ErrNotConnected
		}
		if msg.Error != nil {
			return wsMessage{}, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg, nil
	}
}

// TickerChannel and TradesChannel build the 100ms channel names for an
// instrument.
func TickerChannel(instrument string) string { return "ticker." + instrument + ".100ms" }
func TradesChannel(instrument string) string { return "trades." + instrument + ".100ms" }

// Channels returns both subscription channels for each instrument.
func Channels(instruments []string) []string {
	out := make([]string, 0, 2*len(instruments))
	for _, i := range instruments {
		out = append(out, TickerChannel(i), TradesChannel(i))
	}
	return out
}

// channelInstrument extracts the instrument from "ticker.BTC-PERPETUAL.100ms".
func channelInstrument(channel string) string {
	parts := strings.Split(channel, ".")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
