package storage

import (
	"context"

	"smart-energy-console/shared/metricsx"
)

type instrumented struct {
	next    Store
	backend string
}

// Instrument counts failed operations per backend.
func Instrument(next Store, backend string) Store {
	return instrumented{next: next, backend: backend}
}

func (s instrumented) Get(ctx context.Context, browserID string, key string) (string, bool, error) {
	v, ok, err := s.next.Get(ctx, browserID, key)
	if err != nil {
		metricsx.IncStorageFailure(s.backend, "get")
	}
	return v, ok, err
}

func (s instrumented) Set(ctx context.Context, browserID string, key string, value string) error {
	err := s.next.Set(ctx, browserID, key, value)
	if err != nil {
		metricsx.IncStorageFailure(s.backend, "set")
	}
	return err
}

func (s instrumented) Remove(ctx context.Context, browserID string, keys ...string) error {
	err := s.next.Remove(ctx, browserID, keys...)
	if err != nil {
		metricsx.IncStorageFailure(s.backend, "remove")
	}
	return err
}

func (s instrumented) Sweep(ctx context.Context) (int64, error) {
	sw, ok := s.next.(Sweeper)
	if !ok {
		return 0, nil
	}
	n, err := sw.Sweep(ctx)
	if err != nil {
		metricsx.IncStorageFailure(s.backend, "sweep")
	}
	return n, err
}
