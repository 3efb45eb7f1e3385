package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReconnectBackoffSequence(t *testing.T) {
	t.Parallel()

	bo := newReconnectBackoff()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w {
			t.Errorf("step %d: backoff = %v, want %v", i, got, w)
		}
	}
	bo.Reset()
	if got := bo.NextBackOff(); got != 1*time.Second {
		t.Errorf("after Reset: backoff = %v, want 1s", got)
	}
}

func TestHandleTickerDecodesGreeksAndFunding(t *testing.T) {
	t.Parallel()

	f := NewFeed("ws://unused", testLogger())
	f.handleMessage([]byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "ticker.BTC-26SEP25-60000-C.100ms",
			"data": {
				"timestamp": 1726300000123,
				"instrument_name": "BTC-26SEP25-60000-C",
				"best_bid_price": 0.051,
				"best_ask_price": 0.053,
				"mark_price": 0.052,
				"underlying_price": 60500.1,
				"mark_iv": 55.2,
				"greeks": {"delta": 0.45, "gamma": 0.0001, "theta": -12.4, "vega": 30.2, "rho": 9.1},
				"open_interest": 1200.0
			}
		}
	}`))

	select {
	case tick := <-f.Quotes():
		if tick.Instrument != "BTC-26SEP25-60000-C" {
			t.Errorf("instrument = %q", tick.Instrument)
		}
		if !tick.Timestamp.Equal(time.UnixMilli(1726300000123).UTC()) {
			t.Errorf("timestamp = %v", tick.Timestamp)
		}
		if tick.Delta == nil || *tick.Delta != 0.45 {
			t.Errorf("delta = %v", tick.Delta)
		}
		if tick.BestBidAmount != nil || tick.LastPrice != nil || tick.FundingRate != nil {
			t.Error("absent fields decoded non-nil")
		}
	default:
		t.Fatal("no quote delivered")
	}
}

func TestHandleTickerPerpetualFunding(t *testing.T) {
	t.Parallel()

	f := NewFeed("ws://unused", testLogger())
	f.handleMessage([]byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "ticker.BTC-PERPETUAL.100ms",
			"data": {
				"timestamp": 1726300000123,
				"instrument_name": "BTC-PERPETUAL",
				"best_bid_price": 60000.5,
				"current_funding": 0.00003,
				"index_price": 60001.2
			}
		}
	}`))

	tick := <-f.Quotes()
	if tick.FundingRate == nil || *tick.FundingRate != 0.00003 {
		t.Errorf("funding = %v", tick.FundingRate)
	}
	if tick.IndexPrice == nil || *tick.IndexPrice != 60001.2 {
		t.Errorf("index = %v", tick.IndexPrice)
	}
	if tick.Delta != nil {
		t.Error("perpetual tick has greeks")
	}
}

func TestHandleTradesArrayAndSingle(t *testing.T) {
	t.Parallel()

	f := NewFeed("ws://unused", testLogger())

	f.handleMessage([]byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "trades.BTC-PERPETUAL.100ms",
			"data": [
				{"trade_id": "T-1", "timestamp": 1726300000001, "instrument_name": "BTC-PERPETUAL", "price": 60000.5, "amount": 100, "direction": "buy", "tick_direction": 0},
				{"trade_id": "T-2", "timestamp": 1726300000002, "instrument_name": "BTC-PERPETUAL", "price": 60001.0, "amount": 50, "direction": "sell", "tick_direction": 3, "liquidation": "M"}
			]
		}
	}`))

	first := <-f.Trades()
	if first.TradeID != "T-1" || first.Price.String() != "60000.5" || first.Liquidation {
		t.Errorf("first trade = %+v", first)
	}
	second := <-f.Trades()
	if second.TradeID != "T-2" || !second.Liquidation {
		t.Errorf("second trade = %+v", second)
	}
	if second.TickDirection == nil || *second.TickDirection != 3 {
		t.Errorf("tick_direction = %v", second.TickDirection)
	}

	// Single-object payloads are accepted too.
	f.handleMessage([]byte(`{
		"jsonrpc": "2.0",
		"method": "subscription",
		"params": {
			"channel": "trades.ETH-27JUN25-3000-C.100ms",
			"data": {"trade_id": "T-3", "timestamp": 1726300000003, "price": 0.05, "amount": 2, "direction": "buy", "iv": 61.5}
		}
	}`))
	third := <-f.Trades()
	if third.TradeID != "T-3" || third.Instrument != "ETH-27JUN25-3000-C" {
		t.Errorf("single-object trade = %+v", third)
	}
	if third.IV == nil || *third.IV != 61.5 {
		t.Errorf("iv = %v", third.IV)
	}
}

func TestChannels(t *testing.T) {
	t.Parallel()

	got := Channels([]string{"BTC-PERPETUAL"})
	if len(got) != 2 || got[0] != "ticker.BTC-PERPETUAL.100ms" || got[1] != "trades.BTC-PERPETUAL.100ms" {
		t.Errorf("Channels = %v", got)
	}
}

func TestSubscribeNotConnected(t *testing.T) {
	t.Parallel()

	f := NewFeed("ws://unused", testLogger())
	if _, err := f.Subscribe(context.Background(), []string{"ticker.BTC-PERPETUAL.100ms"}); err != ErrNotConnected {
		t.Errorf("Subscribe while down = %v, want ErrNotConnected", err)
	}
}

// wsTestServer upgrades connections and confirms every subscribe request.
func wsTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			params, _ := req.Params.(map[string]any)
			raw, _ := json.Marshal(params["channels"])
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(raw)}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func TestSubscribeConfirmation(t *testing.T) {
	t.Parallel()

	srv := wsTestServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	f := NewFeed(wsURL, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx, func() []string { return nil })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !f.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("feed never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	channels := Channels([]string{"BTC-PERPETUAL", "BTC-26SEP25-60000-C"})
	confirmed, err := f.Subscribe(ctx, channels)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(confirmed) != len(channels) {
		t.Errorf("confirmed %d channels, want %d", len(confirmed), len(channels))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Run did not stop after cancel")
	}
}
