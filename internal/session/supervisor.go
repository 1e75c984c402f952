package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidTransition is returned by [Supervisor.To] when the
// requested state change is not legal from the current state.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// AdmissionToken is the narrow capability the supervisor needs from the
// admission gate: release the reserved slots and keep them alive.
type AdmissionToken interface {
	Refresh()
	Release()
}

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// CallID is the client-provided call identifier. Must be unique across
	// live sessions.
	CallID string

	// AgentID identifies the agent configuration driving this call.
	AgentID string

	TenantID   string
	CampaignID string

	// Config is the immutable per-session configuration snapshot.
	Config Config

	// Admission is the token reserved for this call's global+tenant slots.
	// Released exactly once when the supervisor reaches Closed.
	Admission AdmissionToken

	// InactivityTimeout closes the session if no inbound audio or control
	// message arrives within the window. Suspended while Speaking. Zero
	// disables the timeout.
	InactivityTimeout time.Duration

	// RefreshInterval is how often Admission.Refresh is called while the
	// session is alive. Typically SlotTTL/3.
	RefreshInterval time.Duration
}

// Supervisor owns one realtime call's lifecycle: its state machine, its
// current [Turn], transcript history, and accumulated cost counters. It
// coordinates cancellation of every pipeline goroutine spawned for the call
// and releases acquired resources exactly once, in LIFO order.
//
// All exported methods are safe for concurrent use.
type Supervisor struct {
	cfg SupervisorConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	turn        *Turn
	turnHistory []Turn
	costs       CostCounters
	closers     []func() error
	closeOnce   sync.Once
	closed      chan struct{}

	lastActivity time.Time
}

// New creates a [Supervisor] in the [Connecting] state. The returned
// supervisor owns ctx's lifetime: Close cancels it.
func New(ctx context.Context, cfg SupervisorConfig) *Supervisor {
	sctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		cfg:          cfg,
		ctx:          sctx,
		cancel:       cancel,
		state:        Connecting,
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	if cfg.Admission != nil {
		s.AddCloser(func() error {
			cfg.Admission.Release()
			return nil
		})
	}
	if cfg.RefreshInterval > 0 && cfg.Admission != nil {
		go s.refreshLoop(cfg.RefreshInterval)
	}
	if cfg.InactivityTimeout > 0 {
		go s.inactivityLoop(cfg.InactivityTimeout)
	}
	return s
}

// Context returns the supervisor's cancellation context. Every pipeline
// spawned for this call must observe ctx.Done() and exit promptly.
func (s *Supervisor) Context() context.Context { return s.ctx }

// CallID returns the call identifier this supervisor owns.
func (s *Supervisor) CallID() string { return s.cfg.CallID }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddCloser registers fn to run during [Supervisor.Close]. Closers run in
// LIFO order (last registered, first run), mirroring resource acquisition
// order. fn's error is logged but does not stop the remaining closers from
// running.
func (s *Supervisor) AddCloser(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// MarkActivity resets the inactivity timer. Called on every inbound audio
// frame or control message.
func (s *Supervisor) MarkActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// transitions enumerates the legal state graph.
var transitions = map[State][]State{
	Connecting: {Ready, Closing},
	Ready:      {Listening, Closing},
	Listening:  {Speaking, Closing},
	Speaking:   {Listening, Closing},
	Closing:    {Closed},
}

// To attempts to move the supervisor to next. It returns [ErrInvalidTransition]
// wrapped with the attempted edge if next is not reachable from the current
// state. Closed is a sink: once reached, every subsequent call fails.
func (s *Supervisor) To(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return fmt.Errorf("session %s: %w: closed -> %s", s.cfg.CallID, ErrInvalidTransition, next)
	}

	for _, allowed := range transitions[s.state] {
		if allowed == next {
			slog.Info("session: state transition", "call_id", s.cfg.CallID, "from", s.state, "to", next)
			s.state = next
			if next == Listening || next == Speaking {
				s.lastActivity = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("session %s: %w: %s -> %s", s.cfg.CallID, ErrInvalidTransition, s.state, next)
}

// OpenTurn starts a new [Turn]. It is an error to open a turn while one is
// already open; [Supervisor.CloseTurn] records the closed turn in the history.
func (s *Supervisor) OpenTurn(id string) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != nil {
		return nil, fmt.Errorf("session %s: turn %s already open", s.cfg.CallID, s.turn.ID)
	}
	s.turn = &Turn{ID: id, OpenedAt: time.Now()}
	return s.turn, nil
}

// CurrentTurn returns the open turn, or nil if no turn is open.
func (s *Supervisor) CurrentTurn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// CloseTurn closes the currently open turn, recording it in the turn history.
// interrupted marks whether the turn ended via barge-in rather than normal
// completion. CloseTurn is a no-op if no turn is open.
func (s *Supervisor) CloseTurn(interrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == nil {
		return
	}
	s.turn.ClosedAt = time.Now()
	s.turn.Interrupted = interrupted
	s.turnHistory = append(s.turnHistory, *s.turn)
	s.turn = nil
}

// TurnHistory returns a copy of every closed turn, oldest first.
func (s *Supervisor) TurnHistory() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turnHistory))
	copy(out, s.turnHistory)
	return out
}

// AddCost accumulates usage into the session's cost counters.
func (s *Supervisor) AddCost(delta CostCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs.STTSeconds += delta.STTSeconds
	s.costs.LLMInputTokens += delta.LLMInputTokens
	s.costs.LLMOutputTokens += delta.LLMOutputTokens
	s.costs.TTSCharacters += delta.TTSCharacters
}

// Costs returns a snapshot of the session's accumulated cost counters.
func (s *Supervisor) Costs() CostCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costs
}

// Close transitions the supervisor to Closing then Closed, cancels its
// context, and runs registered closers in LIFO order exactly once. Safe to
// call more than once and from multiple goroutines; only the first call has
// effect.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closing
		closers := make([]func() error, len(s.closers))
		copy(closers, s.closers)
		s.mu.Unlock()

		s.cancel()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("session: closer returned error", "call_id", s.cfg.CallID, "err", err)
			}
		}

		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		close(s.closed)
		slog.Info("session: closed", "call_id", s.cfg.CallID)
	})
}

// Done returns a channel closed once the supervisor has fully closed.
func (s *Supervisor) Done() <-chan struct{} { return s.closed }

func (s *Supervisor) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cfg.Admission.Refresh()
		}
	}
}

func (s *Supervisor) inactivityLoop(timeout time.Duration) {
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			speaking := s.state == Speaking
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()
			if speaking {
				continue // inactivity is suspended while assistant audio drains
			}
			if idle >= timeout {
				slog.Info("session: inactivity timeout", "call_id", s.cfg.CallID, "idle", idle)
				s.Close()
				return
			}
		}
	}
}
