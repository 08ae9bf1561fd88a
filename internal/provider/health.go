package provider

import (
	"context"
	"sync"
	"time"
)

// Health is the per-provider circuit state.
type Health struct {
	Healthy             bool
	LatencyMS           float64
	ConsecutiveFailures int
	OpenUntil           time.Time
	Calls               int64
	LastError           string
}

func (h Health) open(now time.Time) bool {
	return !h.OpenUntil.IsZero() && now.Before(h.OpenUntil)
}

// HealthStore holds provider health. Unknown providers load as healthy.
type HealthStore interface {
	Load(ctx context.Context, name string) (Health, error)
	Update(ctx context.Context, name string, fn func(*Health)) (Health, error)
}

// MemoryHealthStore keeps health in process memory; each worker process
// has its own view.
type MemoryHealthStore struct {
	mu     sync.Mutex
	health map[string]Health
}

func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{health: make(map[string]Health)}
}

func (s *MemoryHealthStore) Load(_ context.Context, name string) (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(name), nil
}

func (s *MemoryHealthStore) Update(_ context.Context, name string, fn func(*Health)) (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.get(name)
	fn(&h)
	s.health[name] = h
	return h, nil
}

func (s *MemoryHealthStore) get(name string) Health {
	h, ok := s.health[name]
	if !ok {
		return Health{Healthy: true}
	}
	return h
}
