package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryState struct {
	lastEvaluationAt time.Time
	day              string
	casesToday       int
}

// MemoryStore keeps limiter state in process for single-instance deployments.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*memoryState),
	}
}

func (s *MemoryStore) state(identity string) *memoryState {
	st, ok := s.states[identity]
	if !ok {
		st = &memoryState{}
		s.states[identity] = st
	}
	return st
}

func (s *MemoryStore) TryEvaluate(ctx context.Context, identity string, now time.Time, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(identity)
	if !st.lastEvaluationAt.IsZero() && now.Sub(st.lastEvaluationAt) < cooldown {
		return false, nil
	}
	st.lastEvaluationAt = now
	return true, nil
}

func (s *MemoryStore) CasesOn(ctx context.Context, identity, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(identity)
	if st.day != day {
		return 0, nil
	}
	return st.casesToday, nil
}

func (s *MemoryStore) AddCase(ctx context.Context, identity, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(identity)
	if st.day != day {
		st.day = day
		st.casesToday = 0
	}
	st.casesToday++
	return st.casesToday, nil
}
