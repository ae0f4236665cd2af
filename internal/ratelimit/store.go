package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/filegate/internal/models"
)

// Store counts hits per key inside a fixed window. A key is absent until its
// first increment and disappears once its window elapses.
type Store interface {
	Increment(ctx context.Context, key string) (models.RateLimitCounter, error)
	Decrement(ctx context.Context, key string) error
	ResetKey(ctx context.Context, key string) error
	ResetAll(ctx context.Context) error
}

type memoryEntry struct {
	hits    int64
	resetAt time.Time
	timer   *time.Timer
}

// MemoryStore is a per-process Store. Counts are not shared between
// replicas.
type MemoryStore struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore(window time.Duration) *MemoryStore {
	return &MemoryStore{
		window:  window,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

// Window returns the counting window.
func (s *MemoryStore) Window() time.Duration {
	return s.window
}

// live returns the entry for key if its window has not elapsed. Caller holds mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !s.now().Before(e.resetAt) {
		s.drop(key, e)
		return nil
	}
	return e
}

// drop removes e if it is still the entry for key. Caller holds mu.
func (s *MemoryStore) drop(key string, e *memoryEntry) {
	if cur, ok := s.entries[key]; ok && cur == e {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

func (s *MemoryStore) Increment(ctx context.Context, key string) (models.RateLimitCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memoryEntry{resetAt: s.now().Add(s.window)}
		e.timer = time.AfterFunc(s.window, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.drop(key, e)
		})
		s.entries[key] = e
	}
	e.hits++

	return models.RateLimitCounter{TotalHits: e.hits, ResetTime: e.resetAt}, nil
}

func (s *MemoryStore) Decrement(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.live(key); e != nil && e.hits > 0 {
		e.hits--
	}
	return nil
}

// Get returns the current counter for key without modifying it.
func (s *MemoryStore) Get(key string) (models.RateLimitCounter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return models.RateLimitCounter{}, false
	}
	return models.RateLimitCounter{TotalHits: e.hits, ResetTime: e.resetAt}, true
}

func (s *MemoryStore) ResetKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.drop(key, e)
	}
	return nil
}

func (s *MemoryStore) ResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if s.live(key) != nil {
			n++
		}
	}
	return n
}
