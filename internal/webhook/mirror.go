// Package webhook implements the timeline mirror: copying selected timeline
// events to tenant-configured HTTP subscribers, with HMAC signing, PII
// redaction, exponential-backoff retries, and a dead-letter queue.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// baseBackoff, backoffFactor and maxBackoff define the retry schedule: 1s,
// 2s, 4s, 8s, ... capped at 5 minutes.
const (
	baseBackoff   = 1 * time.Second
	backoffFactor = 2
	maxBackoff    = 5 * time.Minute

	defaultMaxAttempts = 5
	defaultTimeout     = 10 * time.Second
)

// TenantConfig describes one tenant's webhook subscription.
type TenantConfig struct {
	TenantID string
	URL      string
	Secret   string
	// Kinds, if non-empty, restricts delivery to these event kinds. Empty
	// means all kinds are mirrored.
	Kinds []string
}

// Event is the subset of a timeline event the mirror needs to serialize and
// deliver. Kept narrow and decoupled from internal/timeline.Event so this
// package never imports the timeline store.
type Event struct {
	ID        string
	CallID    string
	Kind      string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Mirror fans timeline events out to configured tenant webhooks by enqueuing
// a signed [Job] per matching subscription.
type Mirror struct {
	queue   *Queue
	tenants []TenantConfig
}

// NewMirror creates a Mirror that enqueues onto queue for each of tenants.
func NewMirror(queue *Queue, tenants []TenantConfig) *Mirror {
	return &Mirror{queue: queue, tenants: tenants}
}

func (m *Mirror) matches(cfg TenantConfig, kind string) bool {
	if len(cfg.Kinds) == 0 {
		return true
	}
	for _, k := range cfg.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Enqueue serializes ev and, for every tenant subscribed to ev.Kind, signs it
// and pushes a delivery Job onto the queue.
func (m *Mirror) Enqueue(ev Event) error {
	wire, err := json.Marshal(struct {
		ID        string          `json:"id"`
		CallID    string          `json:"callId"`
		Kind      string          `json:"kind"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
	}{ev.ID, ev.CallID, ev.Kind, ev.Payload, ev.Timestamp})
	if err != nil {
		return fmt.Errorf("webhook: marshal event %q: %w", ev.ID, err)
	}

	now := time.Now()
	for _, cfg := range m.tenants {
		if !m.matches(cfg, ev.Kind) {
			continue
		}

		body, sig := Sign(cfg.Secret, wire, now)
		job := Job{
			ID:     uuid.NewString(),
			CallID: ev.CallID,
			Kind:   ev.Kind,
			URL:    cfg.URL,
			Secret: cfg.Secret,
			Body:   body,
			Headers: map[string]string{
				"content-type":        "application/json",
				"x-invorto-signature": sig.String(),
				"x-invorto-event":     ev.Kind,
			},
			NextAttemptAt: now,
		}
		m.queue.Push(job)
	}
	return nil
}

// nextBackoff returns the delay before the next attempt given how many
// attempts have already been made, exponential with a 5 minute cap.
func nextBackoff(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= backoffFactor
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
