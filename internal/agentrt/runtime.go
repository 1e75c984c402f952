// Package agentrt drives the turn-taking agent loop: it assembles a prompt
// from system instructions, pruned history, and the current turn's user
// transcript, streams the LLM's reply, forwards complete sentences to TTS as
// they become available, and pauses forwarding around tool calls.
package agentrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/invorto/voicecore/pkg/provider/llm"
	"github.com/invorto/voicecore/pkg/types"
)

// minSentenceFlush is the character-count heuristic for flushing a chunk of
// assistant text that has not yet hit a sentence terminator — avoids TTS
// waiting indefinitely on a very long sentence.
const minSentenceFlush = 80

// maxToolRounds bounds how many tool-call round-trips a single turn may make
// before the runtime gives up and returns whatever text has been produced.
const maxToolRounds = 4

// maxLLMRetries bounds transient-error retries for a single StreamCompletion call.
const maxLLMRetries = 2

// FallbackUtterance is the graceful apology spoken when LLM retries are
// exhausted mid-turn, per the error-handling policy in this package's
// [Event.Err] contract. Callers should synthesize this text via TTS and
// transition the session to Closing if the failure recurs.
const FallbackUtterance = "I'm sorry, I'm having trouble right now. Let's try that again in a moment."

// ToolExecutor dispatches one tool invocation and returns its result as a
// string suitable for folding back into the conversation as a "tool" message.
type ToolExecutor interface {
	Execute(ctx context.Context, call types.ToolCall) (result string, err error)
}

// Config configures a [Runtime].
type Config struct {
	LLM      llm.Provider
	Tools    ToolExecutor
	ToolDefs []types.ToolDefinition

	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// RetryBackoff is the base delay between StreamCompletion retries.
	RetryBackoff time.Duration
}

// Event is emitted on a [Runtime.RunTurn] event channel as the turn progresses.
type Event struct {
	// Text, when non-empty, is a complete sentence (or a forced flush) ready
	// for TTS.
	Text string

	// ToolCall and ToolResult are set when a tool was invoked mid-turn; Text
	// is empty on these events so the caller can distinguish "text to speak"
	// from "tool activity to log to the timeline".
	ToolCall   *types.ToolCall
	ToolResult string
	ToolErr    error

	// Done marks the final event of the turn. FinalText is the full
	// assistant reply (all Text events concatenated); Err is set if the turn
	// ended in failure after retries were exhausted.
	Done      bool
	FinalText string
	Err       error
}

// Runtime executes one turn at a time. Not safe for concurrent RunTurn calls
// on the same Runtime — callers should serialize turns per session, which the
// state machine already guarantees (turns never overlap).
type Runtime struct {
	cfg Config
}

// New creates a [Runtime].
func New(cfg Config) *Runtime {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Runtime{cfg: cfg}
}

// RunTurn assembles the prompt from history+userFinal, streams the model's
// reply, and emits [Event] values on the returned channel: sentence-chunked
// text for TTS, tool-call/result pairs, and a final Done event. The channel
// is closed after the Done event. RunTurn returns once the goroutine driving
// the turn has been spawned; cancel ctx to abort early (e.g. on barge-in).
func (r *Runtime) RunTurn(ctx context.Context, history []types.Message, userFinal string) <-chan Event {
	out := make(chan Event, 8)
	go r.runTurn(ctx, history, userFinal, out)
	return out
}

func (r *Runtime) runTurn(ctx context.Context, history []types.Message, userFinal string, out chan<- Event) {
	defer close(out)

	messages := append(append([]types.Message{}, history...), types.Message{Role: "user", Content: userFinal})

	var full strings.Builder
	for round := 0; round < maxToolRounds; round++ {
		req := llm.CompletionRequest{
			Messages:     messages,
			Tools:        r.cfg.ToolDefs,
			Temperature:  r.cfg.Temperature,
			MaxTokens:    r.cfg.MaxTokens,
			SystemPrompt: r.cfg.SystemPrompt,
		}

		chunks, err := r.streamWithRetry(ctx, req)
		if err != nil {
			r.emit(ctx, out, Event{Done: true, FinalText: full.String(), Err: err})
			return
		}

		assistantMsg, toolCalls, sentErr := r.forwardSentences(ctx, chunks, out, &full)
		if sentErr != nil {
			r.emit(ctx, out, Event{Done: true, FinalText: full.String(), Err: sentErr})
			return
		}

		if len(toolCalls) == 0 {
			r.emit(ctx, out, Event{Done: true, FinalText: full.String()})
			return
		}

		messages = append(messages, assistantMsg)
		for _, call := range toolCalls {
			result, toolErr := r.cfg.Tools.Execute(ctx, call)
			callCopy := call
			r.emit(ctx, out, Event{ToolCall: &callCopy, ToolResult: result, ToolErr: toolErr})
			if toolErr != nil {
				result = fmt.Sprintf("error: %v", toolErr)
			}
			messages = append(messages, types.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	r.emit(ctx, out, Event{Done: true, FinalText: full.String(), Err: errors.New("agentrt: max tool rounds exceeded")})
}

// forwardSentences reads chunks from ch, emits sentence-chunked text events,
// and returns the accumulated assistant message plus any tool calls the model
// requested.
func (r *Runtime) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, out chan<- Event, full *strings.Builder) (types.Message, []types.ToolCall, error) {
	var buf strings.Builder
	var toolCalls []types.ToolCall

	for {
		select {
		case <-ctx.Done():
			return types.Message{Role: "assistant", Content: full.String()}, toolCalls, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				r.flush(ctx, out, &buf, full)
				return types.Message{Role: "assistant", Content: full.String(), ToolCalls: toolCalls}, toolCalls, nil
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
			}
			toolCalls = append(toolCalls, chunk.ToolCalls...)

			for {
				idx := sentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+2]
				rest := buf.String()[idx+2:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				full.WriteString(sentence)
				if !r.emit(ctx, out, Event{Text: sentence}) {
					return types.Message{Role: "assistant", Content: full.String(), ToolCalls: toolCalls}, toolCalls, ctx.Err()
				}
			}

			if buf.Len() >= minSentenceFlush {
				r.flush(ctx, out, &buf, full)
			}

			if chunk.FinishReason != "" {
				r.flush(ctx, out, &buf, full)
				return types.Message{Role: "assistant", Content: full.String(), ToolCalls: toolCalls}, toolCalls, nil
			}
		}
	}
}

func (r *Runtime) flush(ctx context.Context, out chan<- Event, buf *strings.Builder, full *strings.Builder) {
	if buf.Len() == 0 {
		return
	}
	text := buf.String()
	buf.Reset()
	full.WriteString(text)
	r.emit(ctx, out, Event{Text: text})
}

// emit sends ev on out, returning false if ctx was cancelled first.
func (r *Runtime) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamWithRetry calls StreamCompletion, retrying transient start failures
// with linear backoff up to maxLLMRetries times.
func (r *Runtime) streamWithRetry(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var lastErr error
	for attempt := 0; attempt <= maxLLMRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("agentrt: retrying LLM stream", "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
		ch, err := r.cfg.LLM.StreamCompletion(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("agentrt: llm stream failed after %d attempts: %w", maxLLMRetries+1, lastErr)
}

// sentenceBoundary returns the index of the first '.', '!', or '?' character
// immediately followed by whitespace, or -1 if none exists.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
