package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type handlers struct {
	ctrl   Controller
	logger *slog.Logger
}

type instrumentsRequest struct {
	Instruments []string `json:"instruments"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	instruments, ok := h.decodeInstruments(w, r)
	if !ok {
		return
	}
	result := h.ctrl.SubscribeInstruments(r.Context(), instruments)
	h.logger.Info("subscribe request handled",
		"requested", len(instruments),
		"subscribed", len(result.Subscribed),
		"already", len(result.AlreadySubscribed),
		"failed", len(result.Failed))
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) unsubscribe(w http.ResponseWriter, r *http.Request) {
	instruments, ok := h.decodeInstruments(w, r)
	if !ok {
		return
	}
	result := h.ctrl.UnsubscribeInstruments(r.Context(), instruments)
	h.logger.Info("unsubscribe request handled",
		"requested", len(instruments),
		"unsubscribed", len(result.Unsubscribed),
		"not_found", len(result.NotFound),
		"failed", len(result.Failed))
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status(r.Context()))
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"now":    time.Now().UTC().Format(time.RFC3339),
	})
}

// decodeInstruments parses and validates the request body, writing a 400
// on failure.
func (h *handlers) decodeInstruments(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req instrumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return nil, false
	}
	if len(req.Instruments) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "instruments list is required"})
		return nil, false
	}
	return req.Instruments, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
