package storage

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    func() time.Time
	browsers map[string]*memoryBrowser
}

type memoryBrowser struct {
	values   map[string]string
	lastSeen time.Time
}

// NewMemoryStore keeps state in process. Browsers untouched for ttl are
// dropped on the next Sweep; ttl <= 0 keeps them forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, clock: time.Now, browsers: make(map[string]*memoryBrowser)}
}

func (s *MemoryStore) Get(_ context.Context, browserID string, key string) (string, bool, error) {
	if err := checkBrowser(browserID); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.live(browserID)
	if b == nil {
		return "", false, nil
	}
	v, ok := b.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, browserID string, key string, value string) error {
	if err := checkBrowser(browserID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.live(browserID)
	if b == nil {
		b = &memoryBrowser{values: make(map[string]string)}
		s.browsers[browserID] = b
	}
	b.values[key] = value
	b.lastSeen = s.clock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, browserID string, keys ...string) error {
	if err := checkBrowser(browserID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.live(browserID)
	if b == nil {
		return nil
	}
	for _, k := range keys {
		delete(b.values, k)
	}
	b.lastSeen = s.clock()
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id := range s.browsers {
		if s.expired(s.browsers[id]) {
			delete(s.browsers, id)
			n++
		}
	}
	return n, nil
}

// live returns the browser's entry, dropping it first if it has expired.
// Callers hold s.mu.
func (s *MemoryStore) live(browserID string) *memoryBrowser {
	b, ok := s.browsers[browserID]
	if !ok {
		return nil
	}
	if s.expired(b) {
		delete(s.browsers, browserID)
		return nil
	}
	return b
}

func (s *MemoryStore) expired(b *memoryBrowser) bool {
	return s.ttl > 0 && s.clock().Sub(b.lastSeen) > s.ttl
}
