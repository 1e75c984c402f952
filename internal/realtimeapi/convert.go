package realtimeapi

import (
	"github.com/invorto/voicecore/pkg/provider/llm"
	"github.com/invorto/voicecore/pkg/types"
)

// toLLMMessages converts the agent runtime's wire message type into the
// context manager's accounting type, used when folding a finished turn's
// history back into the session's running context.
func toLLMMessages(msgs []types.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{
			Role:        m.Role,
			Content:     m.Content,
			Name:        m.Name,
			ToolCalls:   toLLMToolCalls(m.ToolCalls),
			ToolCallID:  m.ToolCallID,
			Interrupted: m.Interrupted,
		}
	}
	return out
}

// toTypesMessages converts the context manager's tracked history back into
// the agent runtime's wire message type ahead of a new turn.
func toTypesMessages(msgs []llm.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = types.Message{
			Role:        m.Role,
			Content:     m.Content,
			Name:        m.Name,
			ToolCalls:   toTypesToolCalls(m.ToolCalls),
			ToolCallID:  m.ToolCallID,
			Interrupted: m.Interrupted,
		}
	}
	return out
}

func toLLMToolCalls(calls []types.ToolCall) []llm.ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func toTypesToolCalls(calls []llm.ToolCall) []types.ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]types.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = types.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}
