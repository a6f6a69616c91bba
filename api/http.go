package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/hazyhaar/domsteer/kit"
	"github.com/hazyhaar/domsteer/observability"
)

// CallRequest is the envelope for POST /api/call: one action name and
// its raw payload, passed to the router untouched.
type CallRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CallResponse carries either the action result or a classified error,
// never both.
type CallResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// RegisterHTTP mounts the call endpoint and the health probe on r.
// requireAuth, when non-nil, guards /api/call; /health stays open so
// load balancers and uptime checks need no credentials.
func (s *Service) RegisterHTTP(r chi.Router, requireAuth func(http.Handler) http.Handler) {
	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		if requireAuth != nil {
			r.Use(requireAuth)
		}
		r.Post("/api/call", s.handleCall)
	})
}

func (s *Service) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, CallResponse{Error: &ErrorBody{
			Code:    CodeBadRequest,
			Message: "invalid request body",
		}})
		return
	}
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, CallResponse{Error: &ErrorBody{
			Code:    CodeBadRequest,
			Message: "action required",
		}})
		return
	}

	ctx := kit.WithTransport(r.Context(), "http")
	data, err := s.Call(ctx, req.Action, req.Payload)
	if err != nil {
		body := errorBody(err)
		if body.Code == CodeRateLimited {
			// Details are built in-process, so waitMs is still an int64
			// here rather than a decoded float.
			if ms, ok := body.Details["waitMs"].(int64); ok && ms > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
			}
		}
		writeJSON(w, httpStatus(body.Code), CallResponse{Error: body})
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{Success: true, Data: data})
}

type healthResponse struct {
	Status    string                         `json:"status"`
	Sessions  int                            `json:"sessions"`
	Pending   int                            `json:"pending,omitempty"`
	Heartbeat *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
}

// handleHealth reports liveness plus whatever depth is configured:
// session count always, queue backlog with a queue, worker heartbeat
// with a health DB. A stale heartbeat degrades the status but keeps
// the probe at 200 — the API itself is still serving.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: len(s.cfg.Sessions.List())}
	if s.queue != nil {
		if n, err := s.queue.Pending(r.Context()); err == nil {
			resp.Pending = n
		}
	}
	if s.healthDB != nil {
		hb, err := observability.LatestHeartbeat(r.Context(), s.healthDB, s.healthWorker, s.healthStale)
		switch {
		case err != nil:
			s.logger.Warn("heartbeat lookup failed", "worker", s.healthWorker, "error", err)
		case hb != nil:
			resp.Heartbeat = hb
			if !hb.Alive {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
