// Package poll runs a function on a fixed interval for as long as the
// owning context lives.
package poll

import (
	"context"
	"errors"
	"time"
)

// Every calls fn immediately and then once per interval until ctx is done
// or fn returns an error. A cancelled ctx returns nil.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		return errors.New("interval must be > 0")
	}
	if err := fn(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
