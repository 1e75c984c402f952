package realtimeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/invorto/voicecore/internal/agentrt"
	"github.com/invorto/voicecore/internal/asr"
	"github.com/invorto/voicecore/internal/catalog"
	"github.com/invorto/voicecore/internal/ingress/endpoint"
	"github.com/invorto/voicecore/internal/ingress/energy"
	"github.com/invorto/voicecore/internal/ingress/jitter"
	"github.com/invorto/voicecore/internal/session"
	"github.com/invorto/voicecore/internal/tts"
	"github.com/invorto/voicecore/internal/webhook"
	"github.com/invorto/voicecore/pkg/audio"
	"github.com/invorto/voicecore/pkg/provider/llm"
	"github.com/invorto/voicecore/pkg/provider/stt"
	"github.com/invorto/voicecore/pkg/provider/vad"
	"github.com/invorto/voicecore/pkg/types"
)

// frameDuration is the nominal duration of one inbound audio frame. The
// client is expected to send fixed-size chunks at this cadence; it matches
// the jitter buffer's default target delay.
const frameDuration = 20 * time.Millisecond

// congestionBacklogRunes bounds how much recognized speech can accumulate
// behind an in-flight turn before a congestion event is raised. The text
// itself is never dropped, only flagged once per backlog episode.
const congestionBacklogRunes = 2000

// congestionHardCapRunes is the point past which an unconsumed backlog stops
// being a warning and becomes fatal: the caller's turn consumption has
// stalled for long enough that holding the backlog in memory indefinitely is
// no longer reasonable, and the connection is closed with rate_limited.
const congestionHardCapRunes = congestionBacklogRunes * 8

// call drives one accepted WebSocket connection's ingress/agent/egress
// pipeline from connect to disconnect.
type call struct {
	deps     Deps
	sup      *session.Supervisor
	agentCfg *catalog.AgentConfig
	conn     *websocket.Conn
	params   connectParams
	writer   *wsWriter

	jbuf        *jitter.Buffer
	meter       *energy.Meter
	vadSession  vad.SessionHandle
	endpointDet *endpoint.Detector
	asrAdapter  *asr.Adapter
	agentRT     *agentrt.Runtime
	ttsEgress   *tts.Egress
	ctxMgr       *session.ContextManager
	toolExec     *turnToolExecutor
	consolidator *session.Consolidator

	inboundSeq uint32
	paused     atomic.Bool

	pendingMu     sync.Mutex
	pendingText   strings.Builder
	pendingFinals []session.TranscriptHypothesis
	congested     bool

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	startedAt time.Time
	wg        sync.WaitGroup
	turnWG    sync.WaitGroup
}

func newCall(deps Deps, sup *session.Supervisor, agentCfg *catalog.AgentConfig, conn *websocket.Conn, params connectParams) *call {
	c := &call{
		deps:      deps,
		sup:       sup,
		agentCfg:  agentCfg,
		conn:      conn,
		params:    params,
		writer:    newWSWriter(conn, params.audioEncoding),
		startedAt: time.Now(),
	}

	c.jbuf = jitter.New(jitter.Config{FrameDuration: frameDuration})

	if deps.VAD != nil {
		vs, err := deps.VAD.NewSession(vad.Config{
			SampleRate:       params.sampleRate,
			FrameSizeMs:      int(frameDuration / time.Millisecond),
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		})
		if err != nil {
			slog.Warn("realtimeapi: vad session unavailable, falling back to energy-only", "call_id", params.callID, "err", err)
		} else {
			c.vadSession = vs
		}
	}
	c.meter = energy.New(energy.Config{VAD: c.vadSession})

	c.endpointDet = endpoint.New(endpoint.Config{
		SilenceMs: deps.SilenceMs,
		MinWords:  deps.MinWords,
	})

	c.asrAdapter = asr.New(asr.AdapterConfig{
		Provider: deps.STT,
		Stream: stt.StreamConfig{
			SampleRate: params.sampleRate,
			Channels:   1,
			Language:   agentCfg.Language,
		},
		Correction:         deps.Correction,
		CorrectionEntities: deps.CorrectionEntities,
	})

	c.toolExec = newTurnToolExecutor(deps.Tools)
	c.agentRT = agentrt.New(agentrt.Config{
		LLM:          deps.LLM,
		Tools:        c.toolExec,
		ToolDefs:     deps.Tools.Definitions(),
		SystemPrompt: agentCfg.SystemPrompt,
		Temperature:  agentCfg.Temperature,
		MaxTokens:    agentCfg.MaxTokens,
	})

	c.ctxMgr = session.NewContextManager(session.ContextManagerConfig{
		MaxTokens:  agentCfg.MaxTokens,
		Summariser: session.NewLLMSummariser(deps.LLM),
	})

	if deps.MemoryStore != nil {
		guard := session.NewMemoryGuard(deps.MemoryStore)
		c.consolidator = session.NewConsolidator(session.ConsolidatorConfig{
			Store:      guard,
			ContextMgr: c.ctxMgr,
			SessionID:  params.callID,
		})
	}

	ttsEncoding := tts.ParseEncoding(params.ttsCodecName)
	codec, err := tts.NewCodec(ttsEncoding, params.sampleRate, 1)
	if err != nil {
		slog.Warn("realtimeapi: tts codec unavailable, falling back to pcm16", "call_id", params.callID, "codec", ttsEncoding, "err", err)
		ttsEncoding = tts.PCM16
		codec = nil
	}

	c.ttsEgress = tts.New(tts.Config{
		Provider:      deps.TTS,
		Voice:         types.VoiceProfile{ID: agentCfg.Voice, Provider: "catalog"},
		Locale:        agentCfg.Language,
		Encoding:      ttsEncoding,
		Codec:         codec,
		HighWaterMark: deps.HighWaterMark,
		LowWaterMark:  deps.LowWaterMark,
	})

	return c
}

// run drives the call to completion and blocks until the connection closes.
func (c *call) run() {
	ctx := c.sup.Context()
	defer c.sup.Close()
	defer c.writer.Close()
	defer func() {
		if c.vadSession != nil {
			_ = c.vadSession.Close()
		}
		_ = c.asrAdapter.Close()
	}()

	c.appendTimeline(ctx, "session.connected", map[string]string{"agentId": c.agentCfg.AgentID})
	if err := c.writer.WriteJSON(connectedEnvelope(c.params.callID)); err != nil {
		slog.Warn("realtimeapi: failed to send connected handshake", "call_id", c.params.callID, "err", err)
		return
	}

	if err := c.sup.To(session.Ready); err != nil {
		slog.Error("realtimeapi: invalid transition to ready", "call_id", c.params.callID, "err", err)
		return
	}
	if err := c.asrAdapter.Start(ctx); err != nil {
		c.sendError("AdapterUnavailable", err.Error())
		closeWithAppCode(c.conn, websocket.StatusInternalError, "speech recognition unavailable")
		return
	}
	if err := c.sup.To(session.Listening); err != nil {
		slog.Error("realtimeapi: invalid transition to listening", "call_id", c.params.callID, "err", err)
		return
	}

	if c.consolidator != nil {
		c.consolidator.Start(ctx)
		defer c.consolidator.Stop()
	}

	c.wg.Add(3)
	go c.readLoop(ctx)
	go c.ingestLoop(ctx)
	go c.transcriptLoop(ctx)

	<-ctx.Done()
	c.wg.Wait()
	c.turnWG.Wait()
	c.finalizeCall()
}

func (c *call) finalizeCall() {
	if c.consolidator != nil {
		if err := c.consolidator.ConsolidateNow(context.Background()); err != nil {
			slog.Warn("realtimeapi: final consolidation failed", "call_id", c.params.callID, "err", err)
		}
	}
	c.appendTimeline(context.Background(), "session.closed", map[string]string{"callId": c.params.callID})

	status := catalog.CallStatus{
		CallID:     c.params.callID,
		Status:     "completed",
		EndedAt:    time.Now().UTC(),
		DurationMs: time.Since(c.startedAt).Milliseconds(),
	}
	if err := c.deps.Catalog.PutCallStatus(context.Background(), status); err != nil {
		slog.Warn("realtimeapi: failed to write final call status", "call_id", c.params.callID, "err", err)
	}
	c.appendTimeline(context.Background(), "call.status_changed", status)
}

// readLoop reads inbound WebSocket frames until the connection closes,
// pushing binary audio into the jitter buffer and dispatching JSON control
// frames inline.
func (c *call) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				slog.Warn("realtimeapi: read error", "call_id", c.params.callID, "err", err)
			}
			c.sup.Close()
			return
		}
		c.sup.MarkActivity()

		switch msgType {
		case websocket.MessageBinary:
			seq := c.inboundSeq
			c.inboundSeq++
			c.jbuf.Push(audio.AudioFrame{
				Data:       data,
				SampleRate: c.params.sampleRate,
				Channels:   1,
				Sequence:   seq,
			})
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

func (c *call) handleControl(ctx context.Context, raw []byte) {
	ctrl, err := decodeControl(raw)
	if err != nil {
		c.sendError("BadRequest", err.Error())
		closeWithAppCode(c.conn, statusBadRequest, "malformed control frame")
		c.sup.Close()
		return
	}

	switch ctrl.T {
	case ctrlStart:
		// No-op: admission and the connected handshake already establish the
		// session; start exists for clients that prefer an explicit signal.
	case ctrlPause:
		c.paused.Store(true)
	case ctrlResume:
		c.paused.Store(false)
	case ctrlEnd:
		c.sup.Close()
	case ctrlDTMFSend:
		c.appendTimeline(ctx, "dtmf.receive", map[string]string{"digits": ctrl.Digits})
		if err := c.writer.WriteJSON(dtmfReceiveEnvelope(ctrl.Digits)); err != nil {
			slog.Warn("realtimeapi: failed to echo dtmf", "call_id", c.params.callID, "err", err)
		}
	case ctrlTransfer:
		c.appendTimeline(ctx, "call.status_changed", map[string]string{"status": "transfer_requested", "target": ctrl.Target})
	case ctrlConfig:
		slog.Info("realtimeapi: config frame ignored, session config is immutable", "call_id", c.params.callID)
	case ctrlToolResult:
		// Tools fulfilled client-side (e.g. device actions the server cannot
		// perform) are recorded on the timeline but not folded back into the
		// agent runtime's tool loop, which only drives server-executed tools.
		c.appendTimeline(ctx, "tool.result", map[string]string{"toolId": ctrl.ToolID, "result": ctrl.Result, "source": "client"})
	default:
		c.sendError("BadRequest", fmt.Sprintf("unknown control type %q", ctrl.T))
	}
}

// ingestLoop paces jitter-buffer reads at frameDuration, runs energy
// metering and endpoint detection on each frame, and forwards audio to the
// ASR adapter.
func (c *call) ingestLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := c.jbuf.Read()
			if !ok {
				continue
			}
			if c.paused.Load() {
				continue
			}

			update, _ := c.meter.Process(frame.Data)
			event := c.endpointDet.Observe(update.Speech, frameDuration)

			switch event {
			case endpoint.StartOfSpeech:
				c.pendingMu.Lock()
				c.pendingText.Reset()
				c.pendingFinals = nil
				c.pendingMu.Unlock()
			case endpoint.BargeIn:
				c.handleBargeIn(ctx)
			case endpoint.EndOfSpeech:
				c.handleEndOfSpeech(ctx)
			}

			if err := c.asrAdapter.SendAudio(frame.Data); err != nil && !errors.Is(err, asr.ErrClosed) {
				slog.Warn("realtimeapi: send audio to asr failed", "call_id", c.params.callID, "err", err)
			}
		}
	}
}

// transcriptLoop forwards ASR partials/finals to the client and timeline,
// and accumulates committed words for endpointing.
func (c *call) transcriptLoop(ctx context.Context) {
	defer c.wg.Done()
	partials := c.asrAdapter.Partials()
	finals := c.asrAdapter.Finals()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil {
					return
				}
				continue
			}
			c.emitTranscript(ctx, sttPartialEnvelope(t.Text, t.Confidence), "stt.partial", t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil {
					return
				}
				continue
			}
			c.endpointDet.CommitWords(t.Text)
			c.pendingMu.Lock()
			if c.pendingText.Len() > 0 {
				c.pendingText.WriteByte(' ')
			}
			c.pendingText.WriteString(t.Text)
			c.pendingFinals = append(c.pendingFinals, session.TranscriptHypothesis{
				Text:       t.Text,
				Confidence: t.Confidence,
				Final:      true,
			})
			overflow := c.pendingText.Len() > congestionBacklogRunes && !c.congested
			if overflow {
				c.congested = true
			}
			hardCapped := c.pendingText.Len() > congestionHardCapRunes
			c.pendingMu.Unlock()
			c.emitTranscript(ctx, sttFinalEnvelope(t.Text, t.Confidence), "stt.final", t)
			if hardCapped {
				c.sendError("BackpressureOverflow", "unconsumed transcript backlog exceeded hard cap")
				closeWithAppCode(c.conn, statusRateLimited, "backpressure overflow")
				c.sup.Close()
				return
			}
			if overflow {
				c.sendCongestion("turn_backlog")
			}
		}
	}
}

func (c *call) emitTranscript(ctx context.Context, env outboundEnvelope, kind string, t types.Transcript) {
	if err := c.writer.WriteJSON(env); err != nil {
		slog.Warn("realtimeapi: write transcript frame failed", "call_id", c.params.callID, "err", err)
		return
	}
	c.appendTimeline(ctx, kind, map[string]any{"text": t.Text, "confidence": t.Confidence})
}

// handleBargeIn cancels any in-flight turn's TTS egress and returns the
// session to Listening.
func (c *call) handleBargeIn(ctx context.Context) {
	c.turnMu.Lock()
	cancel := c.turnCancel
	c.turnMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	turn := c.sup.CurrentTurn()
	turnID := ""
	if turn != nil {
		turnID = turn.ID
	}
	if err := c.writer.WriteJSON(bargeInEnvelope(turnID)); err != nil {
		slog.Warn("realtimeapi: write barge-in frame failed", "call_id", c.params.callID, "err", err)
	}
	c.appendTimeline(ctx, "barge_in", map[string]string{"turnId": turnID})
}

// handleEndOfSpeech starts a new turn with the accumulated transcript, or
// defers it if a turn is already in flight (the pending text keeps
// accumulating until that turn completes).
func (c *call) handleEndOfSpeech(ctx context.Context) {
	if c.sup.CurrentTurn() != nil {
		return
	}

	c.pendingMu.Lock()
	text := strings.TrimSpace(c.pendingText.String())
	finals := c.pendingFinals
	c.pendingText.Reset()
	c.pendingFinals = nil
	c.congested = false
	c.pendingMu.Unlock()

	if text == "" {
		return
	}
	c.spawnTurn(ctx, text, finals)
}

// spawnTurn runs a turn on its own goroutine so the ingest loop keeps
// pacing audio reads and detecting barge-in while the agent thinks and
// speaks; startTurn would otherwise block the caller for the whole turn.
func (c *call) spawnTurn(ctx context.Context, text string, finals []session.TranscriptHypothesis) {
	c.turnWG.Add(1)
	go func() {
		defer c.turnWG.Done()
		c.startTurn(ctx, text, finals)
	}()
}

// startTurn opens a turn, runs the agent, and drives TTS egress until the
// assistant finishes speaking or is interrupted.
func (c *call) startTurn(ctx context.Context, text string, finals []session.TranscriptHypothesis) {
	turnID := uuid.NewString()
	turn, err := c.sup.OpenTurn(turnID)
	if err != nil {
		slog.Warn("realtimeapi: open turn failed", "call_id", c.params.callID, "err", err)
		return
	}
	turn.Finals = finals
	if err := c.sup.To(session.Speaking); err != nil {
		slog.Warn("realtimeapi: transition to speaking failed", "call_id", c.params.callID, "err", err)
	}
	c.writer.setTurnID(turnID)
	c.toolExec.budget = c.toolExec.executor.NewTurnBudget()
	c.endpointDet.SetAgentSpeaking(true)

	turnCtx, cancel := context.WithCancel(ctx)
	c.turnMu.Lock()
	c.turnCancel = cancel
	c.turnMu.Unlock()

	history := toTypesMessages(c.ctxMgr.Messages())
	if err := c.ctxMgr.AddMessages(ctx, llm.Message{Role: "user", Content: text}); err != nil {
		slog.Warn("realtimeapi: context manager add message failed", "call_id", c.params.callID, "err", err)
	}

	textCh := make(chan string, 8)
	speakEvents := c.ttsEgress.Speak(turnCtx, c.writer, textCh)

	events := c.agentRT.RunTurn(turnCtx, history, text)

	var assistantText strings.Builder
	var turnErr error

	for ev := range events {
		if ev.ToolCall != nil {
			invocation := session.ToolInvocation{
				Name:      ev.ToolCall.Name,
				Arguments: ev.ToolCall.Arguments,
				StartedAt: time.Now(),
			}
			c.appendTimeline(ctx, "tool.call", map[string]string{"turnId": turnID, "name": ev.ToolCall.Name})
			if err := c.writer.WriteJSON(toolCallEnvelope(turnID, ev.ToolCall.Name)); err != nil {
				slog.Warn("realtimeapi: write tool.call frame failed", "call_id", c.params.callID, "err", err)
			}
			invocation.EndedAt = time.Now()
			if ev.ToolErr != nil {
				invocation.Err = ev.ToolErr
				c.sendError("ToolExecutionError", ev.ToolErr.Error())
			} else {
				invocation.Result = ev.ToolResult
				c.appendTimeline(ctx, "tool.result", map[string]string{"turnId": turnID, "name": ev.ToolCall.Name, "result": ev.ToolResult})
				if err := c.writer.WriteJSON(toolResultEnvelope(turnID, ev.ToolCall.Name, ev.ToolResult)); err != nil {
					slog.Warn("realtimeapi: write tool.result frame failed", "call_id", c.params.callID, "err", err)
				}
			}
			turn.Tools = append(turn.Tools, invocation)
			continue
		}

		if ev.Text != "" {
			assistantText.WriteString(ev.Text)
			turn.AssistantText = assistantText.String()
			if err := c.writer.WriteJSON(llmDeltaEnvelope(turnID, ev.Text)); err != nil {
				slog.Warn("realtimeapi: write llm.delta frame failed", "call_id", c.params.callID, "err", err)
			}
			c.appendTimeline(ctx, "llm.delta", map[string]string{"turnId": turnID, "text": ev.Text})
			select {
			case textCh <- ev.Text:
			case <-turnCtx.Done():
			}
		}

		if ev.Done {
			turnErr = ev.Err
			break
		}
	}
	close(textCh)

	for se := range speakEvents {
		switch {
		case se.Done:
			if err := c.writer.WriteJSON(ttsDoneEnvelope(turnID)); err != nil {
				slog.Warn("realtimeapi: write tts.done frame failed", "call_id", c.params.callID, "err", err)
			}
			c.appendTimeline(ctx, "tts.done", map[string]string{"turnId": turnID})
		case se.Cancelled:
			// Barge-in already notified the client; nothing further to send.
		case se.Err != nil:
			c.sendError("AdapterFatal", se.Err.Error())
		case se.ChunkBytes > 0:
			c.appendTimeline(ctx, "tts.chunk", map[string]any{"turnId": turnID, "bytes": se.ChunkBytes})
		}
	}

	if turnErr != nil {
		c.sendError("AdapterFatal", turnErr.Error())
	}
	interrupted := turnErr != nil && errors.Is(turnErr, context.Canceled)
	if assistantText.Len() > 0 {
		msg := llm.Message{Role: "assistant", Content: assistantText.String(), Interrupted: interrupted}
		if err := c.ctxMgr.AddMessages(ctx, msg); err != nil {
			slog.Warn("realtimeapi: context manager add assistant message failed", "call_id", c.params.callID, "err", err)
		}
	}
	if err := c.writer.WriteJSON(llmFinalEnvelope(turnID, assistantText.String())); err != nil {
		slog.Warn("realtimeapi: write llm.final frame failed", "call_id", c.params.callID, "err", err)
	}
	c.appendTimeline(ctx, "llm.final", map[string]string{"turnId": turnID, "text": assistantText.String()})

	c.turnMu.Lock()
	c.turnCancel = nil
	c.turnMu.Unlock()
	c.endpointDet.SetAgentSpeaking(false)
	c.sup.CloseTurn(interrupted)
	if err := c.sup.To(session.Listening); err != nil {
		slog.Warn("realtimeapi: transition to listening failed", "call_id", c.params.callID, "err", err)
	}

	c.drainPendingTurn(ctx)
}

// drainPendingTurn starts the next queued turn if speech was recognized
// while the previous turn was in flight.
func (c *call) drainPendingTurn(ctx context.Context) {
	c.pendingMu.Lock()
	text := strings.TrimSpace(c.pendingText.String())
	finals := c.pendingFinals
	c.pendingText.Reset()
	c.pendingFinals = nil
	c.congested = false
	c.pendingMu.Unlock()
	if text == "" {
		return
	}
	c.startTurn(ctx, text, finals)
}

func (c *call) sendError(kind, message string) {
	if err := c.writer.WriteJSON(errorEnvelope(kind, message)); err != nil {
		slog.Warn("realtimeapi: failed to write error frame", "call_id", c.params.callID, "err", err)
	}
	c.appendTimeline(context.Background(), "error", map[string]string{"kind": kind, "message": message})
}

func (c *call) sendCongestion(reason string) {
	if err := c.writer.WriteJSON(congestionEnvelope(reason)); err != nil {
		slog.Warn("realtimeapi: failed to write congestion frame", "call_id", c.params.callID, "err", err)
	}
}

func (c *call) appendTimeline(ctx context.Context, kind string, payload any) {
	if c.deps.Timeline == nil {
		return
	}
	id, err := c.deps.Timeline.Append(ctx, c.params.callID, kind, payload)
	if err != nil {
		slog.Warn("realtimeapi: timeline append failed", "call_id", c.params.callID, "kind", kind, "err", err)
		return
	}
	if c.deps.Mirror == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.deps.Mirror.Enqueue(webhook.Event{
		ID:        id,
		CallID:    c.params.callID,
		Kind:      kind,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		slog.Warn("realtimeapi: webhook mirror enqueue failed", "call_id", c.params.callID, "kind", kind, "err", err)
	}
}
