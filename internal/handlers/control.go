package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
)

// CheckRequest is the body of POST /check
type CheckRequest struct {
	Type   string `json:"type" validate:"required"`
	Key    string `json:"key" validate:"required"`
	Points int    `json:"points" validate:"gte=0"`
}

// ResetRequest is the body of POST /reset
type ResetRequest struct {
	Type string `json:"type" validate:"required"`
	Key  string `json:"key" validate:"required"`
}

type CheckAllowedResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
	Degraded  bool      `json:"degraded,omitempty"`
}

type CheckRejectedResponse struct {
	Allowed    bool  `json:"allowed"`
	RetryAfter int64 `json:"retryAfter"`
}

type StatusResponse struct {
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
	Blocked   bool      `json:"blocked"`
	Degraded  bool      `json:"degraded,omitempty"`
}

type LimiterInfo struct {
	Name          string `json:"name"`
	Points        int    `json:"points"`
	Duration      int    `json:"duration"`
	BlockDuration int    `json:"blockDuration"`
}

type StoreInfo struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	Breaker   string `json:"breaker"`
}

type AnalyticsResponse struct {
	RateLimiters []LimiterInfo `json:"rateLimiters"`
	Store        StoreInfo     `json:"store"`
}

// Health reports liveness. It never touches the counter store.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": h.now().UTC(),
	})
}

// Check consumes points for key in the requested category.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.sendJSONError(w, r, err)
		return
	}

	limiter, err := h.registry.Get(req.Type)
	if err != nil {
		h.sendJSONError(w, r, err)
		return
	}

	result, err := limiter.Consume(r.Context(), req.Key, req.Points)
	if err != nil {
		retry, ok := errors.RetryAfterOf(err)
		if !ok {
			h.sendJSONError(w, r, err)
			return
		}

		seconds := int64((retry + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		h.sendJSONResponse(w, http.StatusTooManyRequests, CheckRejectedResponse{
			Allowed:    false,
			RetryAfter: seconds,
		})
		return
	}

	h.sendJSONResponse(w, http.StatusOK, CheckAllowedResponse{
		Allowed:   true,
		Remaining: result.Remaining,
		ResetTime: result.ResetTime(h.now()).UTC(),
		Degraded:  result.Degraded,
	})
}

// Reset clears the record for key. A store outage is reported as 503.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.sendJSONError(w, r, err)
		return
	}

	limiter, err := h.registry.Get(req.Type)
	if err != nil {
		h.sendJSONError(w, r, err)
		return
	}

	if err := limiter.Reset(r.Context(), req.Key); err != nil {
		h.sendJSONError(w, r, err)
		return
	}

	h.logger.WithContext(r.Context()).Info("Rate limit reset via control API",
		logging.String("category", req.Type),
		logging.String("key", req.Key),
	)
	h.sendJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// Status reports the state of a key without consuming.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limiter, err := h.registry.Get(vars["type"])
	if err != nil {
		h.sendJSONError(w, r, err)
		return
	}

	result, err := limiter.PeekStatus(r.Context(), vars["key"])
	if err != nil {
		h.sendJSONError(w, r, err)
		return
	}

	h.sendJSONResponse(w, http.StatusOK, StatusResponse{
		Remaining: result.Remaining,
		ResetTime: result.ResetTime(h.now()).UTC(),
		Blocked:   result.Blocked,
		Degraded:  result.Degraded,
	})
}

// Analytics returns every category config and the store connectivity.
func (h *Handlers) Analytics(w http.ResponseWriter, r *http.Request) {
	configs := h.registry.Configs()
	limiters := make([]LimiterInfo, 0, len(configs))
	for _, c := range configs {
		limiters = append(limiters, LimiterInfo{
			Name:          c.Name,
			Points:        c.Points,
			Duration:      c.WindowSeconds,
			BlockDuration: c.BlockSeconds,
		})
	}

	store := StoreInfo{Status: "disconnected", Breaker: "unknown"}
	if h.store != nil {
		store.Connected = h.store.Connected()
		store.Breaker = h.store.BreakerState().String()
		if store.Connected {
			store.Status = "connected"
		}
	}

	h.sendJSONResponse(w, http.StatusOK, AnalyticsResponse{
		RateLimiters: limiters,
		Store:        store,
	})
}
