// Package archive mirrors timeline events into a durable PostgreSQL table,
// so a call's history survives past the Redis Stream's retention window.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/invorto/voicecore/internal/timeline"
)

// Schema is the SQL DDL for the timeline_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS timeline_events (
    id         TEXT NOT NULL,
    call_id    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    payload    JSONB NOT NULL DEFAULT '{}',
    ts         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (call_id, id)
);
CREATE INDEX IF NOT EXISTS idx_timeline_events_call_ts ON timeline_events(call_id, ts);
`

// DB is the database interface used by [Mirror]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Mirror durably persists [timeline.Event] values into PostgreSQL.
type Mirror struct {
	db DB
}

// New creates a Mirror over db. Call [Mirror.Migrate] once before use.
func New(db DB) *Mirror {
	return &Mirror{db: db}
}

// Migrate executes the [Schema] DDL, creating the table and indexes if they
// do not already exist.
func (m *Mirror) Migrate(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Write upserts ev into the durable store. Upsert (rather than plain insert)
// makes Write idempotent, so a crash-and-redeliver of the same event from the
// Redis Stream consumer never produces a duplicate row.
func (m *Mirror) Write(ctx context.Context, ev timeline.Event) error {
	const q = `
		INSERT INTO timeline_events (id, call_id, kind, payload, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, id) DO UPDATE SET
		    kind    = EXCLUDED.kind,
		    payload = EXCLUDED.payload,
		    ts      = EXCLUDED.ts`

	_, err := m.db.Exec(ctx, q, ev.ID, ev.CallID, ev.Kind, []byte(ev.Payload), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("archive: write event %q for call %q: %w", ev.ID, ev.CallID, err)
	}
	return nil
}

// Range returns archived events for callID ordered oldest first, bounded at
// count (count<=0 uses a default bound of 500).
func (m *Mirror) Range(ctx context.Context, callID string, count int) ([]timeline.Event, error) {
	if count <= 0 {
		count = 500
	}

	rows, err := m.db.Query(ctx, `
		SELECT id, kind, payload, ts
		FROM   timeline_events
		WHERE  call_id = $1
		ORDER  BY ts
		LIMIT  $2`, callID, count)
	if err != nil {
		return nil, fmt.Errorf("archive: range call %q: %w", callID, err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (timeline.Event, error) {
		var ev timeline.Event
		var payload []byte
		if err := row.Scan(&ev.ID, &ev.Kind, &payload, &ev.Timestamp); err != nil {
			return timeline.Event{}, err
		}
		ev.CallID = callID
		ev.Payload = payload
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: collect call %q: %w", callID, err)
	}
	return events, nil
}
