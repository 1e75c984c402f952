package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invorto/voicecore/internal/tools"
	"github.com/invorto/voicecore/pkg/types"
)

// Slot is one bookable calendar slot.
type Slot struct {
	Start time.Time
	End   time.Time
}

// CalendarBackend is the minimal interface a calendar provider must satisfy.
// A concrete implementation might call Google Calendar, a scheduling SaaS, or
// an internal booking service; this package only shapes the tool contract.
type CalendarBackend interface {
	// AvailableSlots returns open slots for the given free-form natural-language
	// date/time expression (e.g. "tomorrow 3pm", "next Tuesday afternoon").
	AvailableSlots(ctx context.Context, when string) ([]Slot, error)
	// Book reserves the slot starting at start for the given duration and
	// returns a confirmation identifier.
	Book(ctx context.Context, start time.Time, duration time.Duration) (confirmationID string, err error)
}

// CalendarConfig configures the calendar_check and calendar_book tools.
type CalendarConfig struct {
	Backend CalendarBackend
}

type calendarCheckArgs struct {
	DateTime string `json:"dateTime"`
}

// CalendarCheckTool returns a [tools.Definition] that lists open slots for a
// natural-language date/time expression.
func CalendarCheckTool(cfg CalendarConfig) tools.Definition {
	return tools.Definition{
		Def: types.ToolDefinition{
			Name:        "calendar_check",
			Description: "Lists available calendar slots near the given date/time expression.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"dateTime": map[string]any{"type": "string", "description": "natural-language date/time, e.g. 'tomorrow 3pm'"},
				},
				"required":             []any{"dateTime"},
				"additionalProperties": false,
			},
		},
		Idempotent: true,
		Handler: func(ctx context.Context, argsJSON string) (string, error) {
			var args calendarCheckArgs
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return "", fmt.Errorf("calendar_check: parse arguments: %w", err)
			}
			slots, err := cfg.Backend.AvailableSlots(ctx, args.DateTime)
			if err != nil {
				return "", fmt.Errorf("calendar_check: %w", err)
			}
			if len(slots) == 0 {
				return "no open slots found", nil
			}
			descs := make([]string, len(slots))
			for i, s := range slots {
				descs[i] = s.Start.Format(time.RFC3339) + " - " + s.End.Format(time.RFC3339)
			}
			return strings.Join(descs, "\n"), nil
		},
	}
}

type calendarBookArgs struct {
	Start      string `json:"start"`
	DurationMs int64  `json:"durationMs"`
}

// CalendarBookTool returns a [tools.Definition] that reserves a slot. Marked
// non-idempotent: retrying a timed-out booking could double-book the slot.
func CalendarBookTool(cfg CalendarConfig) tools.Definition {
	return tools.Definition{
		Def: types.ToolDefinition{
			Name:        "calendar_book",
			Description: "Books a calendar slot starting at the given RFC3339 timestamp.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start":      map[string]any{"type": "string", "description": "RFC3339 start timestamp"},
					"durationMs": map[string]any{"type": "integer", "minimum": 1},
				},
				"required":             []any{"start", "durationMs"},
				"additionalProperties": false,
			},
		},
		Idempotent: false,
		Handler: func(ctx context.Context, argsJSON string) (string, error) {
			var args calendarBookArgs
			if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
				return "", fmt.Errorf("calendar_book: parse arguments: %w", err)
			}
			start, err := time.Parse(time.RFC3339, args.Start)
			if err != nil {
				return "", fmt.Errorf("calendar_book: invalid start timestamp: %w", err)
			}
			confirmationID, err := cfg.Backend.Book(ctx, start, time.Duration(args.DurationMs)*time.Millisecond)
			if err != nil {
				return "", fmt.Errorf("calendar_book: %w", err)
			}
			return "booked, confirmation " + confirmationID, nil
		},
	}
}
