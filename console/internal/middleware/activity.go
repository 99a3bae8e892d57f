package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"smart-energy-console/console/internal/activity"
	"smart-energy-console/shared/browserx"
	"smart-energy-console/shared/events"
	"smart-energy-console/shared/httpx"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/metricsx"
)

// ActivityMiddleware publishes the events handlers recorded once the
// response is written. Publishing never delays the response.
type ActivityMiddleware struct {
	Publisher activity.Publisher
	Mux       *http.ServeMux
	Logger    logx.Logger
	Timeout   time.Duration
	Skip      func(*http.Request) bool
}

func (m ActivityMiddleware) Wrap(next http.Handler) http.Handler {
	if m.Publisher == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, rec := activity.WithRecorder(r.Context())
		srw := &httpx.StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
		next.ServeHTTP(srw, r.WithContext(ctx))

		pending := rec.Drain()
		if len(pending) == 0 {
			return
		}
		route := m.route(r)
		bid := browserx.IDFromContext(r.Context())
		requestID := httpx.RequestIDFromContext(r.Context())

		envs := make([]events.Envelope, 0, len(pending))
		for _, p := range pending {
			env, err := events.New(p.Type, bid, p.Payload)
			if err != nil {
				m.Logger.Warn(r.Context(), "activity_encode_failed", "failed to encode activity event", logx.Err("INTERNAL_ERROR", err)...)
				continue
			}
			env.UserID = p.Actor.UserID
			env.Role = p.Actor.Role
			env.RequestID = requestID
			envs = append(envs, env)
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			for _, env := range envs {
				if err := m.Publisher.Publish(ctx, env); err != nil {
					metricsx.IncActivityPublishFailure()
					m.Logger.Warn(context.Background(), "activity_publish_failed", "activity publish failed",
						slog.String("error_code", "UPSTREAM_ERROR"),
						slog.String("error", err.Error()),
						slog.String("event_type", env.EventType),
						slog.String("route", route),
						slog.Int("status", srw.StatusCode),
					)
				}
			}
		}()
	})
}

func (m ActivityMiddleware) route(r *http.Request) string {
	if m.Mux == nil {
		return r.URL.Path
	}
	if _, pattern := m.Mux.Handler(r); pattern != "" {
		return pattern
	}
	return r.URL.Path
}
