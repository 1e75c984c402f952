package agentrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/invorto/voicecore/pkg/provider/llm"
	llmmock "github.com/invorto/voicecore/pkg/provider/llm/mock"
	"github.com/invorto/voicecore/pkg/types"
)

func collectEvents(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Done {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for turn to finish")
		}
	}
}

func TestRuntime_SimpleTurnNoTools(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello there. "},
			{Text: "How can I help?", FinishReason: "stop"},
		},
	}
	rt := New(Config{LLM: provider})

	events := collectEvents(t, rt.RunTurn(context.Background(), nil, "hi"), time.Second)

	last := events[len(events)-1]
	if !last.Done || last.Err != nil {
		t.Fatalf("final event = %+v, want Done with no error", last)
	}
	if last.FinalText != "Hello there. How can I help?" {
		t.Fatalf("FinalText = %q", last.FinalText)
	}

	var sentences []string
	for _, ev := range events {
		if ev.Text != "" {
			sentences = append(sentences, ev.Text)
		}
	}
	if len(sentences) == 0 {
		t.Fatal("expected at least one sentence-chunked text event")
	}
	if sentences[0] != "Hello there. " {
		t.Errorf("first sentence = %q, want %q", sentences[0], "Hello there. ")
	}
}

func TestRuntime_LongFragmentFlushedByCharThreshold(t *testing.T) {
	long := ""
	for i := 0; i < 20; i++ {
		long += "word "
	}
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: long, FinishReason: "stop"},
		},
	}
	rt := New(Config{LLM: provider})

	events := collectEvents(t, rt.RunTurn(context.Background(), nil, "hi"), time.Second)
	foundFlush := false
	for _, ev := range events {
		if len(ev.Text) >= minSentenceFlush {
			foundFlush = true
		}
	}
	if !foundFlush {
		t.Error("expected a flush once the character threshold was exceeded")
	}
}

// toolRoundProvider returns one response with a tool call on the first
// StreamCompletion call, then a plain text response on the second.
type toolRoundProvider struct {
	calls int
}

func (p *toolRoundProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.calls++
	ch := make(chan llm.Chunk, 2)
	if p.calls == 1 {
		ch <- llm.Chunk{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"x"}`}}, FinishReason: "tool_calls"}
	} else {
		ch <- llm.Chunk{Text: "Done. ", FinishReason: "stop"}
	}
	close(ch)
	return ch, nil
}

func (p *toolRoundProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}
func (p *toolRoundProvider) CountTokens(messages []types.Message) (int, error) { return 0, nil }
func (p *toolRoundProvider) Capabilities() types.ModelCapabilities             { return types.ModelCapabilities{} }

type fakeExecutor struct {
	calls []types.ToolCall
}

func (e *fakeExecutor) Execute(ctx context.Context, call types.ToolCall) (string, error) {
	e.calls = append(e.calls, call)
	return "tool result", nil
}

func TestRuntime_ToolCallPauseAndResume(t *testing.T) {
	exec := &fakeExecutor{}
	rt := New(Config{LLM: &toolRoundProvider{}, Tools: exec})

	events := collectEvents(t, rt.RunTurn(context.Background(), nil, "book a flight"), time.Second)

	if len(exec.calls) != 1 || exec.calls[0].Name != "lookup" {
		t.Fatalf("executor calls = %+v, want one call to 'lookup'", exec.calls)
	}

	var sawToolResult, sawText bool
	for _, ev := range events {
		if ev.ToolCall != nil {
			sawToolResult = true
			if ev.ToolResult != "tool result" {
				t.Errorf("ToolResult = %q, want %q", ev.ToolResult, "tool result")
			}
		}
		if ev.Text != "" {
			sawText = true
		}
	}
	if !sawToolResult {
		t.Error("expected a tool-call event")
	}
	if !sawText {
		t.Error("expected text after the tool round completed")
	}

	last := events[len(events)-1]
	if !last.Done || last.Err != nil {
		t.Fatalf("final event = %+v", last)
	}
}

func TestRuntime_StreamErrorRetriesThenFails(t *testing.T) {
	provider := &llmmock.Provider{StreamErr: errors.New("connection refused")}
	rt := New(Config{LLM: provider, RetryBackoff: time.Millisecond})

	events := collectEvents(t, rt.RunTurn(context.Background(), nil, "hi"), 2*time.Second)
	last := events[len(events)-1]
	if !last.Done || last.Err == nil {
		t.Fatalf("final event = %+v, want Done with error", last)
	}
	if calls := len(provider.StreamCalls); calls != maxLLMRetries+1 {
		t.Errorf("StreamCompletion called %d times, want %d", calls, maxLLMRetries+1)
	}
}

func TestRuntime_CancellationStopsTurn(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hello"}},
	}
	rt := New(Config{LLM: provider})

	ctx, cancel := context.WithCancel(context.Background())
	ch := rt.RunTurn(ctx, nil, "hi")
	cancel()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected the turn to end promptly after cancellation")
	}
}

func TestSentenceBoundary(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"Hello. World", 5},
		{"No terminator here", -1},
		{"Question? Yes", 8},
		{"Exclaim! Ok", 7},
		{"Trailing period.", -1}, // no whitespace after the period
	}
	for _, c := range cases {
		if got := sentenceBoundary(c.in); got != c.want {
			t.Errorf("sentenceBoundary(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
