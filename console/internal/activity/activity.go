// Package activity records what users did through the console and hands it
// to a publisher after the request finishes.
package activity

import (
	"context"
	"log/slog"
	"sync"

	"smart-energy-console/shared/events"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/mqx"
)

type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// Actor is who triggered an event, when known.
type Actor struct {
	UserID string
	Role   string
}

type Pending struct {
	Type    string
	Actor   Actor
	Payload any
}

// Recorder collects events raised while one request is handled.
type Recorder struct {
	mu      sync.Mutex
	pending []Pending
}

type recorderKey struct{}

func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	rec := &Recorder{}
	return context.WithValue(ctx, recorderKey{}, rec), rec
}

// Record is a no-op outside a recording request.
func Record(ctx context.Context, eventType string, actor Actor, payload any) {
	rec, ok := ctx.Value(recorderKey{}).(*Recorder)
	if !ok || rec == nil {
		return
	}
	rec.mu.Lock()
	rec.pending = append(rec.pending, Pending{Type: eventType, Actor: actor, Payload: payload})
	rec.mu.Unlock()
}

func (r *Recorder) Drain() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

type KafkaPublisher struct {
	Producer *mqx.Producer
	Topic    string
}

func (p KafkaPublisher) Publish(ctx context.Context, env events.Envelope) error {
	headers := map[string]string{"event_type": env.EventType}
	if env.RequestID != "" {
		headers["request_id"] = env.RequestID
	}
	return p.Producer.PublishJSON(ctx, p.Topic, env.BrowserID, env, headers)
}

// LogPublisher writes events to the service log when no broker is set up.
type LogPublisher struct {
	Logger logx.Logger
}

func (p LogPublisher) Publish(ctx context.Context, env events.Envelope) error {
	p.Logger.Info(ctx, "activity_event", "user activity",
		slog.String("event_id", env.EventID.String()),
		slog.String("event_type", env.EventType),
		slog.String("browser_id", env.BrowserID),
		slog.String("user_id", env.UserID),
		slog.String("role", env.Role),
	)
	return nil
}
