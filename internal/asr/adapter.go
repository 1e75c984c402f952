// Package asr wraps an [stt.Provider] streaming session with automatic
// reconnection. Providers drop their socket periodically (idle timeouts,
// load-balancer recycling); callers should see one continuous transcript
// stream for the life of a call, not a session handle that occasionally
// goes dead.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/invorto/voicecore/internal/transcript"
	"github.com/invorto/voicecore/pkg/provider/stt"
	"github.com/invorto/voicecore/pkg/types"
)

// Default reconnection parameters.
const (
	defaultMaxRetries  = 10
	defaultBaseBackoff = 250 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
	defaultJitter      = 0.20 // ±20%

	// replayWindow is how much recent audio is retained for replay to a
	// freshly (re)established session, so words spoken during the outage
	// are not silently dropped.
	replayWindow = 2 * time.Second
)

// ErrClosed is returned by SendAudio after [Adapter.Close] has been called.
var ErrClosed = errors.New("asr: adapter closed")

// AdapterConfig configures an [Adapter].
type AdapterConfig struct {
	// Provider is the underlying STT backend.
	Provider stt.Provider

	// Stream describes the audio format and recognition hints.
	Stream stt.StreamConfig

	// MaxRetries bounds reconnection attempts per outage. Defaults to 10.
	MaxRetries int

	// BaseBackoff is the initial backoff between reconnection attempts.
	// Doubles each attempt, capped at MaxBackoff. Defaults to 250ms.
	BaseBackoff time.Duration

	// MaxBackoff caps the backoff duration. Defaults to 5s.
	MaxBackoff time.Duration

	// Correction, when set, re-aligns misheard domain vocabulary in every
	// final transcript before it reaches Finals(). Left nil, finals pass
	// through unmodified.
	Correction transcript.Pipeline

	// CorrectionEntities is the known-name list passed to Correction on every
	// call. Ignored when Correction is nil.
	CorrectionEntities []string
}

// Adapter presents a single continuous partial/final transcript stream over
// a sequence of [stt.SessionHandle] connections, reconnecting transparently
// on failure.
//
// All methods are safe for concurrent use.
type Adapter struct {
	provider    stt.Provider
	streamCfg   stt.StreamConfig
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	correction         transcript.Pipeline
	correctionEntities []string

	mu      sync.Mutex
	handle  stt.SessionHandle
	chunks  [][]byte // ring of recently sent chunks, oldest first
	bytesMs time.Duration
	closed  bool
	done    chan struct{}

	partials chan types.Transcript
	finals   chan types.Transcript
}

// New creates an [Adapter]. Call [Adapter.Start] to open the initial session.
func New(cfg AdapterConfig) *Adapter {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	maxB := cfg.MaxBackoff
	if maxB <= 0 {
		maxB = defaultMaxBackoff
	}
	return &Adapter{
		provider:           cfg.Provider,
		streamCfg:          cfg.Stream,
		maxRetries:         maxRetries,
		baseBackoff:        base,
		maxBackoff:         maxB,
		correction:         cfg.Correction,
		correctionEntities: cfg.CorrectionEntities,
		done:               make(chan struct{}),
		partials:           make(chan types.Transcript, 16),
		finals:             make(chan types.Transcript, 16),
	}
}

// Start opens the initial STT session and begins forwarding its transcript
// channels. Must be called once before [Adapter.SendAudio].
func (a *Adapter) Start(ctx context.Context) error {
	h, err := a.provider.StartStream(ctx, a.streamCfg)
	if err != nil {
		return fmt.Errorf("asr: start stream: %w", err)
	}
	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()

	go a.pump(ctx, h)
	return nil
}

// Partials returns the adapter's merged low-latency transcript stream.
// The channel stays open across reconnections and is closed by [Adapter.Close].
func (a *Adapter) Partials() <-chan types.Transcript { return a.partials }

// Finals returns the adapter's merged authoritative transcript stream.
// The channel stays open across reconnections and is closed by [Adapter.Close].
func (a *Adapter) Finals() <-chan types.Transcript { return a.finals }

// SendAudio forwards a PCM chunk to the active session and retains it in the
// replay buffer so it can be resent if the session drops before the provider
// acknowledges it.
func (a *Adapter) SendAudio(chunk []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	h := a.handle
	a.recordChunkLocked(chunk)
	a.mu.Unlock()

	if h == nil {
		return nil // reconnecting; chunk is buffered for replay
	}
	if err := h.SendAudio(chunk); err != nil {
		return fmt.Errorf("asr: send audio: %w", err)
	}
	return nil
}

// recordChunkLocked appends chunk to the replay ring, keeping only the most
// recent maxChunks chunks. Must be called with a.mu held.
func (a *Adapter) recordChunkLocked(chunk []byte) {
	a.chunks = append(a.chunks, chunk)
	// Each chunk's duration is tracked implicitly by frame count; trim to a
	// bounded number of chunks as a simple proxy for replayWindow, since the
	// caller controls frame size.
	const maxChunks = 200
	if len(a.chunks) > maxChunks {
		a.chunks = a.chunks[len(a.chunks)-maxChunks:]
	}
}

// Close terminates the active session and stops reconnection attempts.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	h := a.handle
	a.handle = nil
	close(a.done)
	a.mu.Unlock()

	if h != nil {
		return h.Close()
	}
	return nil
}

// pump forwards h's Partials/Finals to the adapter's merged channels. When h
// closes unexpectedly (both channels close before [Adapter.Close] is called),
// pump attempts reconnection with exponential backoff and jitter, replaying
// buffered audio to the new session.
func (a *Adapter) pump(ctx context.Context, h stt.SessionHandle) {
	partialsCh := h.Partials()
	finalsCh := h.Finals()
	for partialsCh != nil || finalsCh != nil {
		select {
		case <-a.done:
			return
		case p, ok := <-partialsCh:
			if !ok {
				partialsCh = nil
				continue
			}
			select {
			case a.partials <- p:
			case <-a.done:
				return
			}
		case f, ok := <-finalsCh:
			if !ok {
				finalsCh = nil
				continue
			}
			f = a.applyCorrection(ctx, f)
			select {
			case a.finals <- f:
			case <-a.done:
				return
			}
		}
	}

	select {
	case <-a.done:
		return
	default:
	}

	newHandle := a.reconnect(ctx)
	if newHandle == nil {
		close(a.partials)
		close(a.finals)
		return
	}
	a.pump(ctx, newHandle)
}

// reconnect retries StartStream with exponential backoff and jitter, then
// replays the buffered audio window to the new session. Returns nil if the
// adapter was closed or retries were exhausted.
func (a *Adapter) reconnect(ctx context.Context) stt.SessionHandle {
	backoff := a.baseBackoff

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil
		default:
		}

		slog.Warn("asr stream disconnected, attempting reconnect",
			"attempt", attempt,
			"max_retries", a.maxRetries,
			"backoff", backoff,
		)

		h, err := a.provider.StartStream(ctx, a.streamCfg)
		if err == nil {
			a.mu.Lock()
			a.handle = h
			buffered := make([][]byte, len(a.chunks))
			copy(buffered, a.chunks)
			a.mu.Unlock()

			for _, chunk := range buffered {
				if sendErr := h.SendAudio(chunk); sendErr != nil {
					slog.Warn("asr reconnect: failed to replay buffered audio", "err", sendErr)
					break
				}
			}

			slog.Info("asr stream reconnected", "attempt", attempt, "replayed_chunks", len(buffered))
			return h
		}

		slog.Warn("asr reconnect attempt failed", "attempt", attempt, "err", err)

		jittered := applyJitter(backoff, defaultJitter)
		select {
		case <-ctx.Done():
			return nil
		case <-a.done:
			return nil
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > a.maxBackoff {
			backoff = a.maxBackoff
		}
	}

	slog.Error("asr reconnection failed after max retries", "max_retries", a.maxRetries)
	return nil
}

// applyCorrection runs the configured correction pipeline over a final
// transcript, substituting misheard domain vocabulary. Returns t unmodified
// if no pipeline is configured or the pipeline errors.
func (a *Adapter) applyCorrection(ctx context.Context, t types.Transcript) types.Transcript {
	if a.correction == nil {
		return t
	}
	corrected, err := a.correction.Correct(ctx, t, a.correctionEntities)
	if err != nil {
		slog.Warn("asr: correction pipeline failed, forwarding raw transcript", "err", err)
		return t
	}
	t.Text = corrected.Corrected
	return t
}

// applyJitter returns d adjusted by a uniform random factor in
// [1-frac, 1+frac], never negative.
func applyJitter(d time.Duration, frac float64) time.Duration {
	delta := (rand.Float64()*2 - 1) * frac
	adjusted := time.Duration(float64(d) * (1 + delta))
	if adjusted < 0 {
		return 0
	}
	return adjusted
}
