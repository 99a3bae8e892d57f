// Package archive keeps a queryable copy of the console's activity stream
// in Postgres.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"smart-energy-console/shared/events"
)

const activityDDL = `
CREATE TABLE IF NOT EXISTS console_activity (
	event_id    UUID PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	browser_id  TEXT NOT NULL,
	user_id     TEXT,
	role        TEXT,
	event_type  TEXT NOT NULL,
	request_id  TEXT,
	payload     JSONB
);
CREATE INDEX IF NOT EXISTS console_activity_user_idx ON console_activity (user_id, occurred_at);
`

var ErrInvalidEvent = errors.New("invalid activity event")

// Decode reads one published envelope. Events without an id, a type or a
// browser are rejected so they can be skipped rather than retried.
func Decode(value []byte) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return events.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch {
	case env.EventID == uuid.Nil:
		return events.Envelope{}, fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	case strings.TrimSpace(env.EventType) == "":
		return events.Envelope{}, fmt.Errorf("%w: missing event_type", ErrInvalidEvent)
	case strings.TrimSpace(env.BrowserID) == "":
		return events.Envelope{}, fmt.Errorf("%w: missing browser_id", ErrInvalidEvent)
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	return env, nil
}

type Archive struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

func (a *Archive) Migrate(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, activityDDL)
	return err
}

// Write stores the batch. Redelivered events are ignored.
func (a *Archive) Write(ctx context.Context, batch []events.Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, env := range batch {
		var payload any
		if len(env.Payload) > 0 {
			payload = string(env.Payload)
		}
		b.Queue(`
			INSERT INTO console_activity (
				event_id, occurred_at, browser_id, user_id, role,
				event_type, request_id, payload
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
			ON CONFLICT (event_id) DO NOTHING
		`,
			env.EventID,
			env.OccurredAt,
			env.BrowserID,
			nullIfEmpty(env.UserID),
			nullIfEmpty(env.Role),
			env.EventType,
			nullIfEmpty(env.RequestID),
			payload,
		)
	}

	br := a.pool.SendBatch(ctx, b)
	defer br.Close()
	for range batch {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
