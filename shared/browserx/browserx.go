// Package browserx carries the identity of the calling browser through a
// request. Every piece of durable client state is keyed by this id.
package browserx

import "context"

type contextKey struct{}

type Browser struct {
	ID string
	// Fresh is true when the id was minted on this request.
	Fresh bool
}

func WithBrowser(ctx context.Context, b Browser) context.Context {
	return context.WithValue(ctx, contextKey{}, b)
}

func FromContext(ctx context.Context) (Browser, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if b, ok := v.(Browser); ok {
			return b, true
		}
	}
	return Browser{}, false
}

func IDFromContext(ctx context.Context) string {
	if b, ok := FromContext(ctx); ok {
		return b.ID
	}
	return ""
}
