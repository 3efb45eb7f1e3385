// Package config defines all configuration for the ingestion processes.
// Everything is environment-driven (the deployment is a docker-compose
// fleet); defaults live here and nowhere else.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration shared by the collector, the
// lifecycle manager, and the funding-rate collector. Each process reads
// the subset it needs; Validate* methods check per-process requirements.
type Config struct {
	Currency     string
	ConnectionID int

	DeribitWSURL   string
	DeribitRESTURL string
	DatabaseURL    string

	// TopNInstruments limits the universe to the N options with the most
	// open interest. Zero means the full active universe, partitioned.
	TopNInstruments int

	// MaxInstrumentsPerConn keeps each connection under the exchange's
	// 500-channel cap (two channels per instrument).
	MaxInstrumentsPerConn int

	BufferSizeQuotes int
	BufferSizeTrades int
	BufferSizeDepth  int

	FlushInterval             time.Duration
	SnapshotInterval          time.Duration
	InstrumentRefreshInterval time.Duration

	ControlAPIPort int // 0 means 8000 + ConnectionID

	Lifecycle LifecycleConfig
	Funding   FundingConfig
	Logging   LoggingConfig
}

// LifecycleConfig configures the per-currency lifecycle manager.
type LifecycleConfig struct {
	RefreshInterval    time.Duration
	ExpiryBuffer       time.Duration
	CollectorEndpoints []string
}

// FundingConfig configures the funding-rate collector.
type FundingConfig struct {
	CheckInterval time.Duration
	Instruments   []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// NewLogger builds the process root logger from the logging config.
// Unknown levels fall back to info, unknown formats to text.
func (lc LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(lc.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Load reads configuration from the environment with defaults applied.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("CURRENCY", "ETH")
	v.SetDefault("CONNECTION_ID", 0)
	v.SetDefault("DERIBIT_WS_URL", "wss://www.deribit.com/ws/api/v2")
	v.SetDefault("DERIBIT_REST_URL", "https://www.deribit.com/api/v2")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("TOP_N_INSTRUMENTS", 0)
	v.SetDefault("MAX_INSTRUMENTS_PER_CONN", 250)
	v.SetDefault("BUFFER_SIZE_QUOTES", 200000)
	v.SetDefault("BUFFER_SIZE_TRADES", 100000)
	v.SetDefault("BUFFER_SIZE_DEPTH", 50000)
	v.SetDefault("FLUSH_INTERVAL_SEC", 3)
	v.SetDefault("SNAPSHOT_INTERVAL_SEC", 300)
	v.SetDefault("INSTRUMENT_REFRESH_INTERVAL_SEC", 3600)
	v.SetDefault("CONTROL_API_PORT", 0)
	v.SetDefault("LIFECYCLE_REFRESH_INTERVAL_SEC", 300)
	v.SetDefault("LIFECYCLE_EXPIRY_BUFFER_MINUTES", 5)
	v.SetDefault("COLLECTOR_ENDPOINTS", "")
	v.SetDefault("FUNDING_CHECK_INTERVAL_SEC", 600)
	v.SetDefault("FUNDING_INSTRUMENTS", "BTC-PERPETUAL,ETH-PERPETUAL")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	cfg := &Config{
		Currency:                  strings.ToUpper(v.GetString("CURRENCY")),
		ConnectionID:              v.GetInt("CONNECTION_ID"),
		DeribitWSURL:              v.GetString("DERIBIT_WS_URL"),
		DeribitRESTURL:            v.GetString("DERIBIT_REST_URL"),
		DatabaseURL:               v.GetString("DATABASE_URL"),
		TopNInstruments:           v.GetInt("TOP_N_INSTRUMENTS"),
		MaxInstrumentsPerConn:     v.GetInt("MAX_INSTRUMENTS_PER_CONN"),
		BufferSizeQuotes:          v.GetInt("BUFFER_SIZE_QUOTES"),
		BufferSizeTrades:          v.GetInt("BUFFER_SIZE_TRADES"),
		BufferSizeDepth:           v.GetInt("BUFFER_SIZE_DEPTH"),
		FlushInterval:             time.Duration(v.GetInt("FLUSH_INTERVAL_SEC")) * time.Second,
		SnapshotInterval:          time.Duration(v.GetInt("SNAPSHOT_INTERVAL_SEC")) * time.Second,
		InstrumentRefreshInterval: time.Duration(v.GetInt("INSTRUMENT_REFRESH_INTERVAL_SEC")) * time.Second,
		ControlAPIPort:            v.GetInt("CONTROL_API_PORT"),
		Lifecycle: LifecycleConfig{
			RefreshInterval:    time.Duration(v.GetInt("LIFECYCLE_REFRESH_INTERVAL_SEC")) * time.Second,
			ExpiryBuffer:       time.Duration(v.GetInt("LIFECYCLE_EXPIRY_BUFFER_MINUTES")) * time.Minute,
			CollectorEndpoints: splitList(v.GetString("COLLECTOR_ENDPOINTS")),
		},
		Funding: FundingConfig{
			CheckInterval: time.Duration(v.GetInt("FUNDING_CHECK_INTERVAL_SEC")) * time.Second,
			Instruments:   splitList(v.GetString("FUNDING_INSTRUMENTS")),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	return cfg, nil
}

// ControlPort resolves the control-API port for this connection.
func (c *Config) ControlPort() int {
	if c.ControlAPIPort != 0 {
		return c.ControlAPIPort
	}
	return 8000 + c.ConnectionID
}

// ValidateCollector checks the fields the WS collector process requires.
func (c *Config) ValidateCollector() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if c.ConnectionID < 0 {
		return fmt.Errorf("CONNECTION_ID must be >= 0, got %d", c.ConnectionID)
	}
	if c.MaxInstrumentsPerConn <= 0 || c.MaxInstrumentsPerConn > 250 {
		return fmt.Errorf("MAX_INSTRUMENTS_PER_CONN must be in 1..250 (500-channel cap), got %d", c.MaxInstrumentsPerConn)
	}
	if c.BufferSizeQuotes <= 0 || c.BufferSizeTrades <= 0 || c.BufferSizeDepth <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL_SEC must be positive")
	}
	return nil
}

// ValidateLifecycle checks the fields the lifecycle manager requires.
func (c *Config) ValidateLifecycle() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if len(c.Lifecycle.CollectorEndpoints) == 0 {
		return fmt.Errorf("COLLECTOR_ENDPOINTS is required (comma-separated collector URLs)")
	}
	if c.Lifecycle.RefreshInterval <= 0 {
		return fmt.Errorf("LIFECYCLE_REFRESH_INTERVAL_SEC must be positive")
	}
	return nil
}

// ValidateFunding checks the fields the funding-rate collector requires.
func (c *Config) ValidateFunding() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if len(c.Funding.Instruments) == 0 {
		return fmt.Errorf("FUNDING_INSTRUMENTS is required")
	}
	return nil
}

func (c *Config) validateCommon() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Currency == "" {
		return fmt.Errorf("CURRENCY is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
