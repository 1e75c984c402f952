package realtimeapi

import (
	"context"

	"github.com/invorto/voicecore/internal/tools"
	"github.com/invorto/voicecore/pkg/types"
)

// turnToolExecutor adapts a shared [tools.Executor] into the single-turn
// [agentrt.ToolExecutor] capability the agent runtime expects, holding one
// [tools.TurnBudget] per turn (renewed by call.startTurn) so the per-turn
// invocation cap applies across the whole turn rather than resetting between
// Execute calls.
type turnToolExecutor struct {
	executor *tools.Executor
	budget   *tools.TurnBudget
}

func newTurnToolExecutor(executor *tools.Executor) *turnToolExecutor {
	return &turnToolExecutor{executor: executor, budget: executor.NewTurnBudget()}
}

func (t *turnToolExecutor) Execute(ctx context.Context, call types.ToolCall) (string, error) {
	return t.executor.Execute(ctx, call, t.budget)
}
