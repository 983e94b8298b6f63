package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the sliding log in process. It only limits a single
// instance; use it for development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, window time.Duration, limit int) (TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	log := s.hits[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]

	res := TakeResult{Count: len(log)}
	if len(log) < limit {
		log = append(log, now)
		res.Allowed = true
		res.Count = len(log)
	}
	if len(log) > 0 {
		res.Oldest = log[0]
	}
	if len(log) == 0 {
		delete(s.hits, key)
	} else {
		s.hits[key] = log
	}
	return res, nil
}
