package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"deribit-ticks/pkg/types"
)

// MetadataRepo manages the instrument_metadata and lifecycle_events
// tables used by the lifecycle manager.
type MetadataRepo struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewMetadataRepo creates a repo over an open pool.
func NewMetadataRepo(db *sqlx.DB, logger *slog.Logger) *MetadataRepo {
	return &MetadataRepo{db: db, logger: logger.With("component", "metadata")}
}

// TrackedInstruments returns the active instrument names for a currency.
func (r *MetadataRepo) TrackedInstruments(ctx context.Context, currency string) ([]string, error) {
	var names []string
	err := r.db.SelectContext(ctx, &names,
		`SELECT instrument FROM instrument_metadata
		 WHERE currency = $1 AND is_active ORDER BY instrument`, currency)
	if err != nil {
		return nil, fmt.Errorf("tracked instruments %s: %w", currency, err)
	}
	return names, nil
}

// InsertInstrument registers a newly listed instrument. Re-listing an
// instrument that was marked inactive reactivates it.
func (r *MetadataRepo) InsertInstrument(ctx context.Context, rec types.InstrumentRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO instrument_metadata
		   (instrument, currency, kind, strike, option_type, expiry, is_active, first_seen_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, '0001-01-01T00:00:00Z'::timestamptz), TRUE, NOW(), NOW())
		 ON CONFLICT (instrument) DO UPDATE
		   SET is_active = TRUE, last_seen_at = NOW()`,
		rec.Name, rec.Currency, string(rec.Kind), rec.Strike, nullIfEmpty(rec.OptionType), rec.Expiry())
	if err != nil {
		return fmt.Errorf("insert instrument %s: %w", rec.Name, err)
	}
	return nil
}

// MarkExpired deactivates instruments and stamps their expiry processing
// time. Returns the number of rows actually flipped.
func (r *MetadataRepo) MarkExpired(ctx context.Context, instruments []string) (int64, error) {
	if len(instruments) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE instrument_metadata
		 SET is_active = FALSE, expired_at = NOW()
		 WHERE instrument = ANY($1::text[]) AND is_active`,
		pq.Array(instruments))
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateLastSeen bulk-refreshes last_seen_at for instruments still present
// in the venue catalog.
func (r *MetadataRepo) UpdateLastSeen(ctx context.Context, instruments []string) error {
	if len(instruments) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE instrument_metadata SET last_seen_at = NOW()
		 WHERE instrument = ANY($1::text[])`,
		pq.Array(instruments))
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// LogEvent appends one row to lifecycle_events. Event logging is best
// effort; failures are reported but must not stop a lifecycle cycle.
func (r *MetadataRepo) LogEvent(ctx context.Context, ev types.LifecycleEvent) error {
	var details any
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = b
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events
		   (event_time, event_type, instrument, currency, collector_id, success, error, details)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		ev.EventTime, string(ev.Type), ev.Instrument, ev.Currency,
		ev.CollectorID, ev.Success, ev.Error, details)
	if err != nil {
		return fmt.Errorf("log event %s %s: %w", ev.Type, ev.Instrument, err)
	}
	return nil
}

// FundingRepo persists 8h funding observations.
type FundingRepo struct {
	db *sqlx.DB
}

// NewFundingRepo creates a repo over an open pool.
func NewFundingRepo(db *sqlx.DB) *FundingRepo {
	return &FundingRepo{db: db}
}

// UpsertFundingRates inserts observations, skipping duplicates. Backfills
// overlap with prior runs by design, so conflicts are the common case.
func (r *FundingRepo) UpsertFundingRates(ctx context.Context, rates []types.FundingRate) (int, error) {
	inserted := 0
	for _, fr := range rates {
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO funding_rates (timestamp, instrument, interest_8h, interest_1h, index_price)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (timestamp, instrument) DO NOTHING`,
			fr.Timestamp, fr.Instrument, fr.Interest8H, fr.Interest1H, fr.IndexPrice)
		if err != nil {
			return inserted, fmt.Errorf("upsert funding %s@%s: %w", fr.Instrument, fr.Timestamp, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
