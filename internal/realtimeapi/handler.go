package realtimeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/invorto/voicecore/internal/admission"
	"github.com/invorto/voicecore/internal/catalog"
	"github.com/invorto/voicecore/internal/session"
	"github.com/invorto/voicecore/internal/timeline"
	"github.com/invorto/voicecore/internal/tools"
	"github.com/invorto/voicecore/internal/transcript"
	"github.com/invorto/voicecore/internal/webhook"
	"github.com/invorto/voicecore/pkg/memory"
	"github.com/invorto/voicecore/pkg/provider/llm"
	"github.com/invorto/voicecore/pkg/provider/stt"
	ttsprovider "github.com/invorto/voicecore/pkg/provider/tts"
	"github.com/invorto/voicecore/pkg/provider/vad"
)

// bearerSubprotocol is the fixed first element of the WS subprotocol list
// used to smuggle a bearer token past browser clients that cannot set
// arbitrary headers on a WebSocket handshake: the client offers
// ["bearer", "<token>"] and the server echoes back only "bearer".
const bearerSubprotocol = "bearer"

// Authenticator validates the bearer credential presented on a connect
// request. A nil Authenticator accepts any non-empty token, matching the
// absence of an identity provider in a bare deployment.
type Authenticator interface {
	Authenticate(ctx context.Context, token, tenantID string) error
}

// Deps bundles every collaborator one realtime call needs. Handler itself is
// stateless beyond Deps; all per-call state lives in the pipeline spawned by
// serveCall.
type Deps struct {
	Gate     *admission.Gate
	Catalog  *catalog.Client
	Timeline *timeline.Publisher
	Mirror   *webhook.Mirror
	Tools    *tools.Executor
	Auth     Authenticator

	LLM llm.Provider
	STT stt.Provider
	TTS ttsprovider.Provider
	VAD vad.Engine // optional; nil disables model-based VAD blending

	// MemoryStore, if set, receives periodic consolidation of each call's
	// turn history for long-running sessions. Nil disables consolidation.
	MemoryStore memory.SessionStore

	// Correction, if set, runs every final ASR transcript through phonetic
	// and/or LLM-assisted correction before it reaches the turn pipeline.
	// CorrectionEntities is the domain vocabulary (product names, person
	// names, etc.) the matcher is biased toward. Nil Correction disables
	// the pass entirely.
	Correction         transcript.Pipeline
	CorrectionEntities []string

	// InactivityTimeout and RefreshInterval configure the session
	// supervisor; see [session.SupervisorConfig].
	InactivityTimeout time.Duration
	RefreshInterval   time.Duration

	// SilenceMs and MinWords configure endpointing; see
	// internal/ingress/endpoint.Config. NoiseFloorDBFS and BargeInEnabled are
	// not read by the call pipeline: the energy meter derives its own noise
	// floor, and barge-in is always detected while the agent is speaking.
	SilenceMs      int
	MinWords       int
	NoiseFloorDBFS float64
	BargeInEnabled bool

	// HighWaterMark/LowWaterMark bound the TTS egress send buffer in bytes.
	HighWaterMark int
	LowWaterMark  int

	// DefaultSampleRate is used when the ?rate= query parameter is absent.
	DefaultSampleRate int
}

// Handler upgrades /realtime/voice connections and drives their call
// pipelines until the caller disconnects.
type Handler struct {
	deps Deps
}

// NewHandler creates a Handler from deps.
func NewHandler(deps Deps) *Handler {
	if deps.DefaultSampleRate <= 0 {
		deps.DefaultSampleRate = 16000
	}
	return &Handler{deps: deps}
}

// connectParams is the parsed, validated query string of a connect request.
type connectParams struct {
	callID         string
	agentID        string
	tenantID       string
	campaignID     string
	sampleRate     int
	audioEncoding  AudioEncoding
	ttsCodecName   string
	token          string
	tokenViaHeader bool
}

func (h *Handler) parseParams(r *http.Request) (connectParams, error) {
	q := r.URL.Query()
	p := connectParams{
		callID:       strings.TrimSpace(q.Get("callId")),
		agentID:      strings.TrimSpace(q.Get("agentId")),
		tenantID:     strings.TrimSpace(q.Get("tenantId")),
		campaignID:   strings.TrimSpace(q.Get("campaignId")),
		ttsCodecName: strings.TrimSpace(q.Get("codec")),
		sampleRate:   h.deps.DefaultSampleRate,
	}
	if p.callID == "" || p.agentID == "" {
		return p, fmt.Errorf("realtimeapi: callId and agentId are required")
	}
	if rate := q.Get("rate"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("realtimeapi: invalid rate %q", rate)
		}
		p.sampleRate = n
	}
	enc, err := ParseAudioEncoding(q.Get("audio_encoding"))
	if err != nil {
		return p, err
	}
	p.audioEncoding = enc

	token, viaHeader := extractToken(r, q.Get("token"))
	if token == "" {
		return p, fmt.Errorf("realtimeapi: missing bearer credential")
	}
	p.token, p.tokenViaHeader = token, viaHeader
	return p, nil
}

// extractToken looks for a bearer credential carried as a WS subprotocol
// ("bearer, <token>") before falling back to the token query parameter.
func extractToken(r *http.Request, queryToken string) (token string, viaHeader bool) {
	for _, raw := range r.Header.Values("Sec-WebSocket-Protocol") {
		parts := strings.Split(raw, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		if len(parts) >= 2 && parts[0] == bearerSubprotocol && parts[1] != "" {
			return parts[1], true
		}
	}
	return queryToken, false
}

// ServeHTTP authenticates and admits the connection, upgrades it to a
// WebSocket, and runs the call pipeline to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, err := h.parseParams(r)
	if err != nil {
		slog.Warn("realtimeapi: bad connect request", "err", err, "remote", r.RemoteAddr)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.deps.Auth != nil {
		if err := h.deps.Auth.Authenticate(r.Context(), params.token, params.tenantID); err != nil {
			slog.Warn("realtimeapi: authentication failed", "call_id", params.callID, "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	token, err := h.deps.Gate.Acquire(params.callID, params.tenantID)
	if err != nil {
		reason, _ := admission.AsRejection(err)
		slog.Info("realtimeapi: admission rejected", "call_id", params.callID, "reason", reason)
		http.Error(w, reason.String(), http.StatusServiceUnavailable)
		return
	}

	agentCfg, err := h.deps.Catalog.GetAgentConfig(r.Context(), params.agentID)
	if err != nil {
		token.Release()
		slog.Warn("realtimeapi: agent config lookup failed", "agent_id", params.agentID, "err", err)
		if errors.Is(err, catalog.ErrNotFound) {
			http.Error(w, "unknown agent", http.StatusBadRequest)
			return
		}
		http.Error(w, "agent lookup failed", http.StatusInternalServerError)
		return
	}

	subprotocols := []string{bearerSubprotocol}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		token.Release()
		slog.Warn("realtimeapi: websocket accept failed", "call_id", params.callID, "err", err)
		return
	}

	sup := session.New(context.Background(), session.SupervisorConfig{
		CallID:     params.callID,
		AgentID:    params.agentID,
		TenantID:   params.tenantID,
		CampaignID: params.campaignID,
		Config: session.Config{
			Voice:         agentCfg.Voice,
			Language:      agentCfg.Language,
			Temperature:   agentCfg.Temperature,
			MaxTokens:     agentCfg.MaxTokens,
			ToolAllowlist: agentCfg.ToolAllowlist,
		},
		Admission:         token,
		InactivityTimeout: h.deps.InactivityTimeout,
		RefreshInterval:   h.deps.RefreshInterval,
	})

	c := newCall(h.deps, sup, agentCfg, conn, params)
	c.run()
}

// closeWithAppCode closes conn with one of the application-defined status
// codes described in this package's doc comment.
func closeWithAppCode(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	_ = conn.Close(code, reason)
}

const (
	statusRateLimited websocket.StatusCode = 4001
	statusBadRequest  websocket.StatusCode = 4003

	// statusUnauthorized (4002) is documented wire-protocol parity: auth
	// failures are rejected during the HTTP handshake itself (before a
	// WebSocket connection exists to close), so no call.go path ever needs
	// to emit it.
	statusUnauthorized websocket.StatusCode = 4002
)
