// Package lifecycle keeps the tracked instrument universe aligned with the
// venue catalog: newly listed options are registered and pushed to a
// collector, settled ones are retired and unsubscribed everywhere.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"deribit-ticks/internal/api"
	"deribit-ticks/internal/instrument"
	"deribit-ticks/pkg/types"
)

// Catalog lists instruments from the venue. *exchange.Client implements it.
type Catalog interface {
	ListInstruments(ctx context.Context, currency, kind string, includeExpired bool) ([]types.InstrumentRecord, error)
}

// MetadataStore is the tracked-universe persistence. *store.MetadataRepo
// implements it.
type MetadataStore interface {
	TrackedInstruments(ctx context.Context, currency string) ([]string, error)
	InsertInstrument(ctx context.Context, rec types.InstrumentRecord) error
	MarkExpired(ctx context.Context, instruments []string) (int64, error)
	UpdateLastSeen(ctx context.Context, instruments []string) error
	LogEvent(ctx context.Context, ev types.LifecycleEvent) error
}

const rpcTimeout = 10 * time.Second

// Manager runs the per-currency lifecycle loop.
type Manager struct {
	currency  string
	buffer    time.Duration
	endpoints []string
	interval  time.Duration

	catalog Catalog
	meta    MetadataStore
	rpc     *resty.Client
	logger  *slog.Logger
}

// New builds a manager for one currency against a set of collector
// control-API endpoints.
func New(currency string, buffer, interval time.Duration, endpoints []string,
	catalog Catalog, meta MetadataStore, logger *slog.Logger) *Manager {

	return &Manager{
		currency:  currency,
		buffer:    buffer,
		interval:  interval,
		endpoints: endpoints,
		catalog:   catalog,
		meta:      meta,
		rpc:       resty.New().SetTimeout(rpcTimeout),
		logger:    logger.With("component", "lifecycle", "currency", currency),
	}
}

// Run executes cycles until ctx is cancelled. One cycle runs immediately.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("lifecycle manager starting",
		"interval", m.interval, "expiry_buffer", m.buffer, "collectors", len(m.endpoints))

	m.runCycle(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lifecycle manager stopped")
			return ctx.Err()
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// runCycle diffs the venue catalog against the tracked set and reconciles
// both the database and the collectors. Any step may fail without aborting
// the remaining steps; the next cycle retries naturally.
func (m *Manager) runCycle(ctx context.Context) {
	now := time.Now().UTC()

	records, err := m.catalog.ListInstruments(ctx, m.currency, string(types.KindOption), false)
	if err != nil {
		m.logger.Error("catalog fetch failed, skipping cycle", "error", err)
		return
	}

	// Instruments settling within the buffer are treated as already gone,
	// so collectors stop streaming them before the settlement print.
	active := make(map[string]types.InstrumentRecord, len(records))
	for _, r := range records {
		if expiry := r.Expiry(); !expiry.IsZero() && !now.Add(m.buffer).Before(expiry) {
			continue
		}
		if instrument.IsExpired(r.Name, now, m.buffer) {
			continue
		}
		active[r.Name] = r
	}

	tracked, err := m.meta.TrackedInstruments(ctx, m.currency)
	if err != nil {
		m.logger.Error("tracked set fetch failed, skipping cycle", "error", err)
		return
	}
	trackedSet := make(map[string]bool, len(tracked))
	for _, n := range tracked {
		trackedSet[n] = true
	}

	var expired []string
	for _, n := range tracked {
		if _, ok := active[n]; !ok {
			expired = append(expired, n)
		}
	}
	var listed []types.InstrumentRecord
	activeNames := make([]string, 0, len(active))
	for n, r := range active {
		activeNames = append(activeNames, n)
		if !trackedSet[n] {
			listed = append(listed, r)
		}
	}

	m.logger.Info("lifecycle cycle",
		"active", len(active), "tracked", len(tracked),
		"expired", len(expired), "listed", len(listed))

	if len(expired) > 0 {
		m.retireExpired(ctx, now, expired)
	}
	if len(listed) > 0 {
		m.registerListed(ctx, now, listed)
	}
	if err := m.meta.UpdateLastSeen(ctx, activeNames); err != nil {
		m.logger.Error("last_seen update failed", "error", err)
	}
}

func (m *Manager) retireExpired(ctx context.Context, now time.Time, expired []string) {
	n, err := m.meta.MarkExpired(ctx, expired)
	if err != nil {
		m.logger.Error("mark expired failed", "instruments", len(expired), "error", err)
	} else {
		m.logger.Info("instruments retired", "requested", len(expired), "flipped", n)
	}

	removedBy := m.fanoutUnsubscribe(ctx, expired)
	for _, name := range expired {
		ev := types.LifecycleEvent{
			EventTime:  now,
			Type:       types.EventInstrumentExpired,
			Instrument: name,
			Currency:   m.currency,
			Success:    err == nil,
		}
		if err != nil {
			ev.Error = err.Error()
		}
		m.logEvent(ctx, ev)

		sub := types.LifecycleEvent{
			EventTime:  now,
			Type:       types.EventSubscriptionRemoved,
			Instrument: name,
			Currency:   m.currency,
		}
		if endpoint, ok := removedBy[name]; ok {
			sub.Success = true
			sub.CollectorID = endpoint
		} else {
			sub.Error = "no collector reported ownership"
		}
		m.logEvent(ctx, sub)
	}
}

func (m *Manager) registerListed(ctx context.Context, now time.Time, listed []types.InstrumentRecord) {
	endpoint := m.leastLoadedCollector(ctx)

	var names []string
	for _, rec := range listed {
		names = append(names, rec.Name)
		ev := types.LifecycleEvent{
			EventTime:  now,
			Type:       types.EventInstrumentListed,
			Instrument: rec.Name,
			Currency:   m.currency,
			Success:    true,
		}
		if err := m.meta.InsertInstrument(ctx, rec); err != nil {
			m.logger.Error("instrument insert failed", "instrument", rec.Name, "error", err)
			ev.Success = false
			ev.Error = err.Error()
		}
		m.logEvent(ctx, ev)
	}

	if endpoint == "" {
		m.logger.Warn("no reachable collector, new instruments not pushed", "instruments", len(names))
		return
	}

	result, err := m.postSubscribe(ctx, endpoint, names)
	for _, name := range names {
		ev := types.LifecycleEvent{
			EventTime:   now,
			Type:        types.EventSubscriptionAdded,
			Instrument:  name,
			Currency:    m.currency,
			CollectorID: endpoint,
			Success:     err == nil,
		}
		if err != nil {
			ev.Error = err.Error()
		} else if contains(result.Failed, name) {
			ev.Success = false
			ev.Error = "collector reported failure"
		}
		m.logEvent(ctx, ev)
	}
	if err != nil {
		m.logger.Error("subscribe fanout failed", "endpoint", endpoint, "error", err)
	} else {
		m.logger.Info("new instruments pushed",
			"endpoint", endpoint, "subscribed", len(result.Subscribed),
			"already", len(result.AlreadySubscribed), "failed", len(result.Failed))
	}
}

// fanoutUnsubscribe asks every collector to drop the instruments. Only the
// owning partition actually removes each one; the rest report not_found.
// Returns which endpoint owned each instrument.
func (m *Manager) fanoutUnsubscribe(ctx context.Context, instruments []string) map[string]string {
	removedBy := make(map[string]string)
	for _, endpoint := range m.endpoints {
		var result api.UnsubscribeResult
		resp, err := m.rpc.R().
			SetContext(ctx).
			SetBody(map[string]any{"instruments": instruments}).
			SetResult(&result).
			ForceContentType("application/json").
			Post(endpoint + "/api/unsubscribe")
		if err != nil {
			m.logger.Warn("unsubscribe fanout failed", "endpoint", endpoint, "error", err)
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			m.logger.Warn("unsubscribe fanout rejected",
				"endpoint", endpoint, "status", resp.StatusCode(), "body", resp.String())
			continue
		}
		for _, name := range result.Unsubscribed {
			removedBy[name] = endpoint
		}
	}
	return removedBy
}

func (m *Manager) postSubscribe(ctx context.Context, endpoint string, instruments []string) (api.SubscribeResult, error) {
	var result api.SubscribeResult
	resp, err := m.rpc.R().
		SetContext(ctx).
		SetBody(map[string]any{"instruments": instruments}).
		SetResult(&result).
		ForceContentType("application/json").
		Post(endpoint + "/api/subscribe")
	if err != nil {
		return result, fmt.Errorf("subscribe %s: %w", endpoint, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return result, fmt.Errorf("subscribe %s: status %d: %s", endpoint, resp.StatusCode(), resp.String())
	}
	return result, nil
}

// leastLoadedCollector picks the reachable collector tracking the fewest
// instruments. Empty string when none respond.
func (m *Manager) leastLoadedCollector(ctx context.Context) string {
	best := ""
	bestLoad := -1
	for _, endpoint := range m.endpoints {
		var st api.Status
		resp, err := m.rpc.R().SetContext(ctx).SetResult(&st).
			ForceContentType("application/json").Get(endpoint + "/api/status")
		if err != nil || resp.StatusCode() != http.StatusOK {
			continue
		}
		if bestLoad < 0 || st.TotalInstruments < bestLoad {
			best = endpoint
			bestLoad = st.TotalInstruments
		}
	}
	return best
}

func (m *Manager) logEvent(ctx context.Context, ev types.LifecycleEvent) {
	if err := m.meta.LogEvent(ctx, ev); err != nil {
		m.logger.Warn("event log failed", "type", ev.Type, "instrument", ev.Instrument, "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
