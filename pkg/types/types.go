// Package types defines the market-data domain model shared by the
// collectors, the batch writer, and the lifecycle manager.
//
// Optional numeric fields are modeled as pointers, not zero values: the
// Deribit ticker stream frequently omits bid/ask during thin markets and
// the REST snapshot omits Greeks entirely. The batch writer's COALESCE
// upsert depends on absent-vs-zero being distinguishable.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a Deribit instrument.
type Kind string

const (
	KindOption    Kind = "option"
	KindFuture    Kind = "future"
	KindPerpetual Kind = "perpetual"
)

// Direction is the taker side of a trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// InstrumentRecord is one entry from the exchange's instrument catalog.
type InstrumentRecord struct {
	Name             string   `json:"instrument_name"`
	Currency         string   `json:"base_currency"`
	Kind             Kind     `json:"kind"`
	IsActive         bool     `json:"is_active"`
	Strike           *float64 `json:"strike,omitempty"`
	OptionType       string   `json:"option_type,omitempty"` // "call" or "put", empty for futures
	ExpirationMs     int64    `json:"expiration_timestamp"`
	OpenInterest     float64  `json:"open_interest"`
	SettlementPeriod string   `json:"settlement_period,omitempty"`
}

// Expiry returns the settlement moment, or the zero time when the
// instrument never expires (perpetuals).
func (r InstrumentRecord) Expiry() time.Time {
	if r.ExpirationMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.ExpirationMs).UTC()
}

// QuoteTick is a single top-of-book observation, from either the WS ticker
// channel or a REST orderbook snapshot. (Timestamp, Instrument) is the
// upsert key; every other field may be nil and is preserved on conflict.
type QuoteTick struct {
	Timestamp  time.Time
	Instrument string

	BestBidPrice  *float64
	BestBidAmount *float64
	BestAskPrice  *float64
	BestAskAmount *float64

	MarkPrice       *float64
	UnderlyingPrice *float64

	// Option Greeks, nil for futures and perpetuals.
	Delta *float64
	Gamma *float64
	Theta *float64
	Vega  *float64
	Rho   *float64

	BidIV  *float64
	AskIV  *float64
	MarkIV *float64

	OpenInterest *float64
	LastPrice    *float64

	// Perpetual-only fields.
	FundingRate *float64
	IndexPrice  *float64
}

// TradeTick is one trade print. Trades are immutable: (TradeID, Instrument)
// is unique and conflicts are ignored on write.
type TradeTick struct {
	Timestamp  time.Time
	Instrument string
	TradeID    string
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Direction  Direction

	// IV at trade time, options only.
	IV         *float64
	IndexPrice *float64

	// Perpetual-only fields.
	TickDirection *int
	Liquidation   bool
}

// PriceLevel is one rung of an orderbook ladder.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// DepthSnapshot is a full-depth orderbook capture from REST. Append-only;
// no uniqueness beyond (Timestamp, Instrument).
type DepthSnapshot struct {
	Timestamp  time.Time
	Instrument string
	Bids       []PriceLevel
	Asks       []PriceLevel

	MarkPrice       *float64
	UnderlyingPrice *float64
	IndexPrice      *float64
	FundingRate     *float64
	OpenInterest    *float64
	Volume24h       *float64
}

// FundingRate is one 8-hour funding observation for a perpetual.
type FundingRate struct {
	Timestamp  time.Time
	Instrument string
	Interest8H float64
	Interest1H float64
	IndexPrice float64
}

// EventType enumerates lifecycle event kinds written to lifecycle_events.
type EventType string

const (
	EventInstrumentListed    EventType = "instrument_listed"
	EventInstrumentExpired   EventType = "instrument_expired"
	EventSubscriptionAdded   EventType = "subscription_added"
	EventSubscriptionRemoved EventType = "subscription_removed"
)

// LifecycleEvent records a listing, expiry, or (un)subscription outcome.
type LifecycleEvent struct {
	EventTime   time.Time
	Type        EventType
	Instrument  string
	Currency    string
	CollectorID string
	Success     bool
	Error       string
	Details     map[string]any
}

// Float64 returns a pointer to v. Convenient for building ticks by hand.
func Float64(v float64) *float64 { return &v }
