// Package tools implements the tool executor: a registry of named handlers
// with JSON-schema argument validation, per-tool timeouts, and a per-turn
// invocation cap, invoked by the agent runtime on behalf of a call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/invorto/voicecore/pkg/types"
)

const defaultTimeout = 10 * time.Second

// ErrInvalidArguments is returned (wrapped) when a tool call's arguments fail
// schema validation.
var ErrInvalidArguments = errors.New("tools: invalid arguments")

// ErrUnknownTool is returned when a tool call names a tool that was never
// registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ErrTurnCapExceeded is returned once a turn's tool-call budget is spent.
var ErrTurnCapExceeded = errors.New("tools: per-turn call cap exceeded")

// Handler executes one tool invocation given its JSON-encoded arguments and
// returns a result string suitable for folding back into the conversation.
type Handler func(ctx context.Context, argsJSON string) (string, error)

// Definition describes a registered tool.
type Definition struct {
	Def        types.ToolDefinition
	Handler    Handler
	Timeout    time.Duration // 0 = defaultTimeout
	Idempotent bool
}

type registeredTool struct {
	def      Definition
	resolved *jsonschema.Resolved
}

// Executor dispatches tool calls against a registry of [Definition]s, bounded
// by a per-call timeout and a per-turn invocation cap.
//
// Safe for concurrent use.
type Executor struct {
	mu      sync.RWMutex
	tools   map[string]registeredTool
	perTurn int
}

// Config configures an [Executor].
type Config struct {
	// MaxCallsPerTurn bounds how many tool calls a single turn may dispatch.
	// 0 means unlimited.
	MaxCallsPerTurn int
}

// New creates an empty [Executor].
func New(cfg Config) *Executor {
	return &Executor{
		tools:   make(map[string]registeredTool),
		perTurn: cfg.MaxCallsPerTurn,
	}
}

// Register adds or replaces a tool definition, compiling its JSON-schema
// parameter spec. Returns an error if the schema itself is malformed.
func (e *Executor) Register(def Definition) error {
	resolved, err := compileSchema(def.Def.Parameters)
	if err != nil {
		return fmt.Errorf("tools: register %q: %w", def.Def.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[def.Def.Name] = registeredTool{def: def, resolved: resolved}
	return nil
}

// Definitions returns the tool definitions visible to the LLM, in
// registration order is not guaranteed.
func (e *Executor) Definitions() []types.ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t.def.Def)
	}
	return out
}

// TurnBudget tracks tool-call counts for a single turn. Create one per turn
// and pass it to every [Executor.Execute] call for that turn.
type TurnBudget struct {
	mu    sync.Mutex
	used  int
	limit int
}

// NewTurnBudget creates a [TurnBudget] bounded at limit calls (0 = unlimited).
func (e *Executor) NewTurnBudget() *TurnBudget {
	return &TurnBudget{limit: e.perTurn}
}

func (b *TurnBudget) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Execute validates call.Arguments against the tool's schema, dispatches the
// handler under a per-tool timeout, and returns the result. Non-idempotent
// tools are never retried by this package — callers that retry a turn after
// cancellation must not resubmit a non-idempotent call; check
// [Definition.Idempotent] via [Executor.IsIdempotent] before doing so.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall, budget *TurnBudget) (string, error) {
	if budget != nil && !budget.reserve() {
		return "", ErrTurnCapExceeded
	}

	e.mu.RLock()
	tool, ok := e.tools[call.Name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}

	if err := validateArguments(tool.resolved, call.Arguments); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	timeout := tool.def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := tool.def.Handler(callCtx, call.Arguments)
	if err != nil {
		return "", fmt.Errorf("tools: %q: %w", call.Name, err)
	}
	return result, nil
}

// IsIdempotent reports whether name was registered as idempotent. Returns
// false for an unknown tool.
func (e *Executor) IsIdempotent(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	return ok && t.def.Idempotent
}

// compileSchema converts a tool's declared JSON-schema parameter map into a
// resolved, directly-validatable schema. A nil/empty params map resolves to a
// schema that accepts any object.
func compileSchema(params map[string]any) (*jsonschema.Resolved, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	var schema jsonschema.Schema
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
		}
	}
	return schema.Resolve(nil)
}

// validateArguments checks argsJSON against resolved. An empty argsJSON is
// treated as "{}" so parameter-less tools validate cleanly.
func validateArguments(resolved *jsonschema.Resolved, argsJSON string) error {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	var instance any
	if err := json.Unmarshal([]byte(argsJSON), &instance); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return resolved.Validate(instance)
}
