// Package api serves the per-collector control plane: runtime subscription
// management and health/status introspection over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SubscribeResult reports the outcome of a subscribe request, instrument
// by instrument.
type SubscribeResult struct {
	Success           bool     `json:"success"`
	Subscribed        []string `json:"subscribed"`
	AlreadySubscribed []string `json:"already_subscribed"`
	Failed            []string `json:"failed"`
	TotalInstruments  int      `json:"total_instruments"`
}

// UnsubscribeResult reports the outcome of an unsubscribe request.
type UnsubscribeResult struct {
	Success          bool     `json:"success"`
	Unsubscribed     []string `json:"unsubscribed"`
	NotFound         []string `json:"not_found"`
	Failed           []string `json:"failed"`
	TotalInstruments int      `json:"total_instruments"`
}

// Status is the collector's self-description.
type Status struct {
	ConnectionID     int          `json:"connection_id"`
	Currency         string       `json:"currency"`
	Connected        bool         `json:"connected"`
	TotalInstruments int          `json:"total_instruments"`
	Instruments      []string     `json:"instruments"`
	Buffer           BufferStatus `json:"buffer"`
	LastTickAt       *time.Time   `json:"last_tick_at,omitempty"`
	UptimeSec        int64        `json:"uptime_sec"`
}

// BufferStatus summarizes buffer occupancy for /api/status.
type BufferStatus struct {
	Quotes        int    `json:"quotes"`
	Trades        int    `json:"trades"`
	Depth         int    `json:"depth"`
	DroppedQuotes uint64 `json:"dropped_quotes"`
	DroppedTrades uint64 `json:"dropped_trades"`
	DroppedDepth  uint64 `json:"dropped_depth"`
}

// Controller is what the API needs from the collector. The collector
// implements it; tests substitute a fake.
type Controller interface {
	SubscribeInstruments(ctx context.Context, instruments []string) SubscribeResult
	UnsubscribeInstruments(ctx context.Context, instruments []string) UnsubscribeResult
	Status(ctx context.Context) Status
}

// Server is the control-plane HTTP server. One per collector process,
// listening on 8000 + connection id unless overridden.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

const handlerTimeout = 10 * time.Second

// NewServer builds the server and its routes.
func NewServer(port int, ctrl Controller, logger *slog.Logger) *Server {
	h := &handlers{ctrl: ctrl, logger: logger.With("component", "api")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/subscribe", h.subscribe)
	mux.HandleFunc("POST /api/unsubscribe", h.unsubscribe)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /health", h.health)

	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      http.TimeoutHandler(mux, handlerTimeout, `{"error":"handler timeout"}`),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: handlerTimeout + time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("control api listening", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control api failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("control api stopping")
	return s.srv.Shutdown(ctx)
}
