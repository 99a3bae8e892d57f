// Package storage holds the console's per-browser durable state: the
// bearer token, the persisted session blob and the chat transcript.
package storage

import (
	"context"
	"errors"
)

const (
	KeyToken         = "token"
	KeyAuthState     = "auth-storage"
	KeyChatMessages  = "chatMessages"
	KeyChatSessionID = "chatSessionId"
	KeyChatUserID    = "chatUserId"
)

var ErrNoBrowser = errors.New("browser id is required")

// Store is a string key/value space per browser id. Get reports ok=false
// for absent keys; Remove of an absent key is not an error.
type Store interface {
	Get(ctx context.Context, browserID string, key string) (string, bool, error)
	Set(ctx context.Context, browserID string, key string, value string) error
	Remove(ctx context.Context, browserID string, keys ...string) error
}

// Sweeper is implemented by backends that expire idle browsers themselves.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

func checkBrowser(browserID string) error {
	if browserID == "" {
		return ErrNoBrowser
	}
	return nil
}
