// Package tts adapts a pkg/provider/tts.Provider into the egress side of a
// realtime call: it paces synthesized audio against the client WebSocket's
// send buffer with high/low water marks, serves frequent short utterances
// from an in-memory cache, transcodes to the negotiated wire encoding, and
// cancels immediately on caller barge-in.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ttsprovider "github.com/invorto/voicecore/pkg/provider/tts"
	"github.com/invorto/voicecore/pkg/types"
)

const defaultPollInterval = 10 * time.Millisecond

// Writer abstracts the client WebSocket's send side so Egress can pace
// itself against real backpressure without depending on a transport package.
type Writer interface {
	// Write sends one audio chunk. Implementations should not block
	// indefinitely; a slow client is handled by Egress's water-mark pausing,
	// not by blocking inside Write.
	Write(chunk []byte) error

	// Buffered reports the number of bytes currently queued for send.
	Buffered() int
}

// Config configures an [Egress].
type Config struct {
	Provider ttsprovider.Provider
	Voice    types.VoiceProfile
	Locale   string
	Encoding Encoding
	Codec    Codec

	// HighWaterMark pauses pulling from the provider once Writer.Buffered
	// reaches or exceeds this many bytes.
	HighWaterMark int
	// LowWaterMark resumes pulling once Writer.Buffered drops to or below
	// this many bytes. Must be <= HighWaterMark.
	LowWaterMark int

	// Cache, if set, serves and stores utterances listed in
	// CacheableUtterances.
	Cache               *UtteranceCache
	CacheableUtterances []string

	// PollInterval is how often Egress rechecks Writer.Buffered while
	// paused. Defaults to 10ms.
	PollInterval time.Duration
}

// Event reports egress progress for the timeline publisher.
type Event struct {
	// ChunkBytes is the length of audio written for a tts.chunk event.
	ChunkBytes int
	// Done marks a clean end of the utterance (tts.done).
	Done bool
	// Cancelled marks the utterance was cut short by barge-in or ctx cancellation.
	Cancelled bool
	Err       error
}

// Egress drives one text-fragment-at-a-time synthesis pipeline for a single
// call. Not safe for concurrent Speak calls — one Egress per session, one
// utterance at a time, matching the supervisor's single egress writer.
type Egress struct {
	cfg       Config
	codec     Codec
	cacheable map[string]bool
}

// New creates an [Egress].
func New(cfg Config) *Egress {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	codec := cfg.Codec
	if codec == nil {
		codec = pcmPassthrough{}
	}
	cacheable := make(map[string]bool, len(cfg.CacheableUtterances))
	for _, u := range cfg.CacheableUtterances {
		cacheable[u] = true
	}
	return &Egress{cfg: cfg, codec: codec, cacheable: cacheable}
}

// Speak synthesizes each fragment received on text, writing encoded audio to
// w under flow control, and emits one [Event] per chunk plus a final Done or
// Cancelled event. The returned channel is closed after the final event.
//
// Cancel ctx to interrupt mid-utterance on barge-in; Speak stops pulling from
// the provider and returns promptly without draining remaining provider output.
func (e *Egress) Speak(ctx context.Context, w Writer, text <-chan string) <-chan Event {
	out := make(chan Event, 4)
	go e.speak(ctx, w, text, out)
	return out
}

func (e *Egress) speak(ctx context.Context, w Writer, text <-chan string, out chan<- Event) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			out <- Event{Cancelled: true}
			return
		case fragment, ok := <-text:
			if !ok {
				out <- Event{Done: true}
				return
			}
			if fragment == "" {
				continue
			}
			if cancelled, err := e.speakFragment(ctx, w, fragment, out); cancelled || err != nil {
				if err != nil {
					out <- Event{Err: err}
				} else {
					out <- Event{Cancelled: true}
				}
				return
			}
		}
	}
}

// speakFragment synthesizes and writes one text fragment. It returns
// cancelled=true if ctx was cancelled mid-fragment.
func (e *Egress) speakFragment(ctx context.Context, w Writer, fragment string, out chan<- Event) (cancelled bool, err error) {
	if e.cfg.Cache != nil && e.cacheable[fragment] {
		if chunks, hit := e.cfg.Cache.Get(fragment, e.cfg.Voice, e.cfg.Locale, e.cfg.Encoding); hit {
			for _, c := range chunks {
				if !e.waitForDrain(ctx, w) {
					return true, nil
				}
				if werr := w.Write(c); werr != nil {
					return false, fmt.Errorf("tts: write cached chunk: %w", werr)
				}
				out <- Event{ChunkBytes: len(c)}
			}
			return false, nil
		}
	}

	textCh := make(chan string, 1)
	textCh <- fragment
	close(textCh)

	audioCh, err := e.cfg.Provider.SynthesizeStream(ctx, textCh, e.cfg.Voice)
	if err != nil {
		return false, fmt.Errorf("tts: synthesize stream: %w", err)
	}

	var collected [][]byte
	shouldCache := e.cfg.Cache != nil && e.cacheable[fragment]

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case pcm, ok := <-audioCh:
			if !ok {
				if shouldCache && len(collected) > 0 {
					e.cfg.Cache.Put(fragment, e.cfg.Voice, e.cfg.Locale, e.cfg.Encoding, collected)
				}
				return false, nil
			}
			encoded, encErr := e.codec.Encode(pcm)
			if encErr != nil {
				slog.Warn("tts: codec encode failed, dropping chunk", "err", encErr)
				continue
			}
			if !e.waitForDrain(ctx, w) {
				return true, nil
			}
			if werr := w.Write(encoded); werr != nil {
				return false, fmt.Errorf("tts: write chunk: %w", werr)
			}
			out <- Event{ChunkBytes: len(encoded)}
			if shouldCache {
				collected = append(collected, encoded)
			}
		}
	}
}

// waitForDrain blocks while w.Buffered() is at or above the high-water mark,
// polling until it falls to or below the low-water mark. Returns false if ctx
// is cancelled while waiting.
func (e *Egress) waitForDrain(ctx context.Context, w Writer) bool {
	if e.cfg.HighWaterMark <= 0 || w.Buffered() < e.cfg.HighWaterMark {
		return true
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if w.Buffered() <= e.cfg.LowWaterMark {
				return true
			}
		}
	}
}
