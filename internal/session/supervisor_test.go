package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeToken struct {
	refreshes int
	released  int
}

func (f *fakeToken) Refresh() { f.refreshes++ }
func (f *fakeToken) Release() { f.released++ }

func TestSupervisor_LegalTransitions(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	defer s.Close()

	steps := []State{Ready, Listening, Speaking, Listening, Closing, Closed}
	for _, next := range steps {
		if err := s.To(next); err != nil {
			t.Fatalf("transition to %v: unexpected error: %v", next, err)
		}
	}
	if got := s.State(); got != Closed {
		t.Fatalf("final state = %v, want Closed", got)
	}
}

func TestSupervisor_IllegalTransitionRejected(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	defer s.Close()

	err := s.To(Speaking) // Connecting -> Speaking is not a legal edge
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestSupervisor_ClosedIsSink(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	if err := s.To(Ready); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.To(Closing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.To(Closed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.To(Ready); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition after Closed", err)
	}
}

func TestSupervisor_CloseReleasesAdmissionOnce(t *testing.T) {
	tok := &fakeToken{}
	s := New(context.Background(), SupervisorConfig{CallID: "call-1", Admission: tok})

	s.Close()
	s.Close()
	s.Close()

	if tok.released != 1 {
		t.Fatalf("released = %d, want 1", tok.released)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() channel should be closed after Close()")
	}
	if s.ctx.Err() == nil {
		t.Fatal("context should be cancelled after Close()")
	}
}

func TestSupervisor_ClosersRunInLIFOOrder(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	var order []int
	s.AddCloser(func() error { order = append(order, 1); return nil })
	s.AddCloser(func() error { order = append(order, 2); return nil })
	s.AddCloser(func() error { order = append(order, 3); return nil })

	s.Close()

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSupervisor_ClosingErrorDoesNotStopOtherClosers(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	ran := make([]bool, 2)
	s.AddCloser(func() error { ran[0] = true; return errors.New("boom") })
	s.AddCloser(func() error { ran[1] = true; return nil })

	s.Close()

	if !ran[0] || !ran[1] {
		t.Fatalf("both closers should run despite the first erroring, got %v", ran)
	}
}

func TestSupervisor_TurnLifecycle(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	defer s.Close()

	if s.CurrentTurn() != nil {
		t.Fatal("no turn should be open initially")
	}

	turn, err := s.OpenTurn("turn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	turn.AssistantText = "hello there"

	if _, err := s.OpenTurn("turn-2"); err == nil {
		t.Fatal("expected error opening a second turn while one is open")
	}

	s.CloseTurn(false)
	if s.CurrentTurn() != nil {
		t.Fatal("turn should be closed")
	}

	hist := s.TurnHistory()
	if len(hist) != 1 || hist[0].ID != "turn-1" || hist[0].AssistantText != "hello there" {
		t.Fatalf("turn history = %+v, want one turn-1 with recorded text", hist)
	}
	if hist[0].Interrupted {
		t.Fatal("turn should not be marked interrupted")
	}
}

func TestSupervisor_CloseTurnMarksInterrupted(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	defer s.Close()

	if _, err := s.OpenTurn("turn-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.CloseTurn(true)

	hist := s.TurnHistory()
	if len(hist) != 1 || !hist[0].Interrupted {
		t.Fatalf("turn history = %+v, want one interrupted turn", hist)
	}
}

func TestSupervisor_CostAccumulation(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{CallID: "call-1"})
	defer s.Close()

	s.AddCost(CostCounters{LLMInputTokens: 100, LLMOutputTokens: 20})
	s.AddCost(CostCounters{LLMInputTokens: 50, TTSCharacters: 300})

	got := s.Costs()
	if got.LLMInputTokens != 150 || got.LLMOutputTokens != 20 || got.TTSCharacters != 300 {
		t.Fatalf("costs = %+v, want LLMInputTokens=150 LLMOutputTokens=20 TTSCharacters=300", got)
	}
}

func TestSupervisor_RefreshLoopCallsToken(t *testing.T) {
	tok := &fakeToken{}
	s := New(context.Background(), SupervisorConfig{
		CallID:          "call-1",
		Admission:       tok,
		RefreshInterval: 10 * time.Millisecond,
	})
	defer s.Close()

	time.Sleep(60 * time.Millisecond)
	if tok.refreshes == 0 {
		t.Fatal("expected at least one Refresh call")
	}
}

func TestSupervisor_InactivityTimeoutClosesSession(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{
		CallID:            "call-1",
		InactivityTimeout: 40 * time.Millisecond,
	})

	select {
	case <-s.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("session should have closed due to inactivity")
	}
}

func TestSupervisor_InactivitySuspendedWhileSpeaking(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{
		CallID:            "call-1",
		InactivityTimeout: 40 * time.Millisecond,
	})
	defer s.Close()

	if err := s.To(Ready); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.To(Listening); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.To(Speaking); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-s.Done():
		t.Fatal("session should not close while Speaking, even past the inactivity window")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSupervisor_MarkActivityResetsTimer(t *testing.T) {
	s := New(context.Background(), SupervisorConfig{
		CallID:            "call-1",
		InactivityTimeout: 60 * time.Millisecond,
	})
	defer s.Close()

	stop := time.After(100 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			s.MarkActivity()
			time.Sleep(15 * time.Millisecond)
		}
	}

	select {
	case <-s.Done():
		t.Fatal("session closed despite repeated activity")
	default:
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Connecting: "connecting",
		Ready:      "ready",
		Listening:  "listening",
		Speaking:   "speaking",
		Closing:    "closing",
		Closed:     "closed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
