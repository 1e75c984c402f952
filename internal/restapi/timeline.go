// Package restapi exposes the realtime core's small synchronous HTTP surface:
// read-only access to a call's published timeline. It does not touch call
// audio or control state — that lives entirely in internal/realtimeapi.
package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/invorto/voicecore/internal/timeline"
)

// Auth validates the bearer credential on a REST request. Its shape matches
// internal/realtimeapi.Authenticator exactly, so a single implementation
// backs both the WebSocket and REST surfaces. A nil Auth accepts any request.
type Auth interface {
	Authenticate(ctx context.Context, token, tenantID string) error
}

// Handler serves the REST surface described in this package's doc comment.
type Handler struct {
	timeline *timeline.Publisher
	auth     Auth
}

// NewHandler creates a Handler backed by pub. auth may be nil.
func NewHandler(pub *timeline.Publisher, auth Auth) *Handler {
	return &Handler{timeline: pub, auth: auth}
}

// Register mounts the handler's routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/calls/{id}/timeline", h.handleTimeline)
}

// timelineEventView is one entry in the JSON response, matching the wire
// shape of §6's timeline read: {kind, payload, timestamp}.
type timelineEventView struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

type timelineResponse struct {
	CallID   string              `json:"callId"`
	Timeline []timelineEventView `json:"timeline"`
}

// handleTimeline serves GET /v1/calls/{id}/timeline. Query parameters:
//
//	from, to  — Redis Stream range bounds ("-"/"+" for unbounded), default all
//	count     — maximum entries returned, server-side bounded if omitted
func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	if h.auth != nil {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer credential", http.StatusUnauthorized)
			return
		}
		if err := h.auth.Authenticate(r.Context(), token, r.URL.Query().Get("tenantId")); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	q := r.URL.Query()
	count := 0
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = n
	}

	events, err := h.timeline.Range(r.Context(), callID, q.Get("from"), q.Get("to"), count)
	if err != nil {
		http.Error(w, "timeline read failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := timelineResponse{
		CallID:   callID,
		Timeline: make([]timelineEventView, 0, len(events)),
	}
	for _, ev := range events {
		resp.Timeline = append(resp.Timeline, timelineEventView{
			Kind:      ev.Kind,
			Payload:   ev.Payload,
			Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000000000Z07:00"),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// bearerToken extracts the "Bearer <token>" credential from the Authorization
// header, matching the REST surface's simpler single-header auth convention
// (the realtime WS endpoint additionally supports a subprotocol carrier,
// which a plain HTTP GET has no equivalent need for).
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
