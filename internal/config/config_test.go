package config

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Currency != "ETH" {
		t.Errorf("currency = %q, want ETH", cfg.Currency)
	}
	if cfg.DeribitWSURL != "wss://www.deribit.com/ws/api/v2" {
		t.Errorf("ws url = %q", cfg.DeribitWSURL)
	}
	if cfg.BufferSizeQuotes != 200000 || cfg.BufferSizeTrades != 100000 || cfg.BufferSizeDepth != 50000 {
		t.Errorf("buffer sizes = %d/%d/%d", cfg.BufferSizeQuotes, cfg.BufferSizeTrades, cfg.BufferSizeDepth)
	}
	if cfg.FlushInterval != 3*time.Second {
		t.Errorf("flush interval = %v", cfg.FlushInterval)
	}
	if cfg.MaxInstrumentsPerConn != 250 {
		t.Errorf("max per conn = %d", cfg.MaxInstrumentsPerConn)
	}
	if cfg.Lifecycle.ExpiryBuffer != 5*time.Minute {
		t.Errorf("expiry buffer = %v", cfg.Lifecycle.ExpiryBuffer)
	}
	if len(cfg.Funding.Instruments) != 2 {
		t.Errorf("funding instruments = %v", cfg.Funding.Instruments)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CURRENCY", "btc")
	t.Setenv("CONNECTION_ID", "2")
	t.Setenv("DATABASE_URL", "postgres://ticks@db/ticks")
	t.Setenv("FLUSH_INTERVAL_SEC", "10")
	t.Setenv("COLLECTOR_ENDPOINTS", "http://c0:8000, http://c1:8001,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Currency != "BTC" {
		t.Errorf("currency = %q, want upper-cased BTC", cfg.Currency)
	}
	if cfg.ConnectionID != 2 {
		t.Errorf("connection id = %d", cfg.ConnectionID)
	}
	if cfg.FlushInterval != 10*time.Second {
		t.Errorf("flush interval = %v", cfg.FlushInterval)
	}
	got := cfg.Lifecycle.CollectorEndpoints
	if len(got) != 2 || got[0] != "http://c0:8000" || got[1] != "http://c1:8001" {
		t.Errorf("endpoints = %v", got)
	}
}

func TestControlPort(t *testing.T) {
	cfg := &Config{ConnectionID: 3}
	if got := cfg.ControlPort(); got != 8003 {
		t.Errorf("ControlPort = %d, want 8003", got)
	}
	cfg.ControlAPIPort = 9100
	if got := cfg.ControlPort(); got != 9100 {
		t.Errorf("ControlPort override = %d, want 9100", got)
	}
}

func TestValidateCollector(t *testing.T) {
	base := func() *Config {
		return &Config{
			Currency:              "BTC",
			DatabaseURL:           "postgres://x",
			MaxInstrumentsPerConn: 250,
			BufferSizeQuotes:      1,
			BufferSizeTrades:      1,
			BufferSizeDepth:       1,
			FlushInterval:         time.Second,
		}
	}

	if err := base().ValidateCollector(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"missing currency", func(c *Config) { c.Currency = "" }, "CURRENCY"},
		{"negative connection id", func(c *Config) { c.ConnectionID = -1 }, "CONNECTION_ID"},
		{"over channel cap", func(c *Config) { c.MaxInstrumentsPerConn = 300 }, "MAX_INSTRUMENTS_PER_CONN"},
		{"zero buffer", func(c *Config) { c.BufferSizeQuotes = 0 }, "buffer"},
		{"zero flush", func(c *Config) { c.FlushInterval = 0 }, "FLUSH_INTERVAL_SEC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.ValidateCollector()
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateLifecycleRequiresEndpoints(t *testing.T) {
	cfg := &Config{
		Currency:    "BTC",
		DatabaseURL: "postgres://x",
		Lifecycle:   LifecycleConfig{RefreshInterval: time.Minute},
	}
	if err := cfg.ValidateLifecycle(); err == nil || !strings.Contains(err.Error(), "COLLECTOR_ENDPOINTS") {
		t.Errorf("error = %v, want COLLECTOR_ENDPOINTS requirement", err)
	}
	cfg.Lifecycle.CollectorEndpoints = []string{"http://c0:8000"}
	if err := cfg.ValidateLifecycle(); err != nil {
		t.Errorf("valid lifecycle config rejected: %v", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "json"}
	logger := lc.NewLogger(io.Discard)
	if logger == nil {
		t.Fatal("nil logger")
	}
	// Unknown values fall back instead of failing.
	lc = LoggingConfig{Level: "nope", Format: "nope"}
	if lc.NewLogger(io.Discard) == nil {
		t.Fatal("nil logger on fallback")
	}
}
