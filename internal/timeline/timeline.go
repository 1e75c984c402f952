// Package timeline implements the per-call ordered event log: events are
// appended with server-assigned, strictly increasing ids and read back by
// range, backed by a Redis Stream per call.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRangeCount bounds a Range call with Count<=0, so a forgetful caller
// can never accidentally pull an entire call's history in one round-trip.
const defaultRangeCount = 200

// Event is one entry in a call's timeline.
type Event struct {
	// ID is the server-assigned, strictly increasing event id (a Redis Stream
	// entry id, "<unixMs>-<seq>").
	ID string
	// CallID is the call this event belongs to.
	CallID string
	// Kind names the event (e.g. "stt.final", "llm.delta", "tool.call").
	Kind string
	// Payload is the event's JSON-encoded body.
	Payload json.RawMessage
	// Timestamp is server-assigned at append.
	Timestamp time.Time
}

// Publisher appends events to a call's timeline and serves range reads.
//
// Safe for concurrent use; per spec the append side is effectively
// single-writer (the session's timeline task), while Range is read-only and
// safe for concurrent readers (REST handlers).
type Publisher struct {
	rdb *redis.Client
}

// New creates a Publisher backed by rdb.
func New(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func streamKey(callID string) string {
	return "timeline:" + callID
}

// Append adds one event of the given kind to callID's timeline, JSON-encoding
// payload as the event body, and returns the server-assigned event id.
func (p *Publisher) Append(ctx context.Context, callID, kind string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("timeline: marshal payload for %q: %w", kind, err)
	}

	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(callID),
		Values: map[string]any{
			"kind":    kind,
			"payload": string(body),
			"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("timeline: append %q for call %q: %w", kind, callID, err)
	}
	return id, nil
}

// Range returns events for callID with ids in [from,to] (Redis Stream range
// syntax: "-" and "+" denote the lowest/highest possible ids), oldest first,
// bounded at count entries (count<=0 uses a default bound).
func (p *Publisher) Range(ctx context.Context, callID, from, to string, count int) ([]Event, error) {
	if count <= 0 {
		count = defaultRangeCount
	}
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}

	messages, err := p.rdb.XRangeN(ctx, streamKey(callID), from, to, int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("timeline: range call %q: %w", callID, err)
	}

	events := make([]Event, 0, len(messages))
	for _, m := range messages {
		ev, err := eventFromMessage(callID, m)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventFromMessage(callID string, m redis.XMessage) (Event, error) {
	kind, _ := m.Values["kind"].(string)
	payload, _ := m.Values["payload"].(string)
	tsStr, _ := m.Values["ts"].(string)

	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		ts = time.Time{}
	}

	return Event{
		ID:        m.ID,
		CallID:    callID,
		Kind:      kind,
		Payload:   json.RawMessage(payload),
		Timestamp: ts,
	}, nil
}
