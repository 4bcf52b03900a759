package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemorySaver is a process-local Saver. It keeps at most maxTurns turns per
// thread, evicting the oldest first.
type MemorySaver struct {
	mu       sync.Mutex
	maxTurns int
	threads  map[string]*State
}

// NewMemorySaver creates an in-memory saver. maxTurns <= 0 keeps every turn.
func NewMemorySaver(maxTurns int) *MemorySaver {
	return &MemorySaver{
		maxTurns: maxTurns,
		threads:  make(map[string]*State),
	}
}

// Load returns a copy of the stored state.
func (s *MemorySaver) Load(_ context.Context, threadID string) (*State, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[threadID]
	if !ok {
		return NewState(threadID), nil
	}
	return st.Clone(), nil
}

// Save commits the state using the version check.
func (s *MemorySaver) Save(_ context.Context, state *State) error {
	if state.ThreadID == "" {
		return ErrEmptyThreadID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if st, ok := s.threads[state.ThreadID]; ok {
		current = st.Version
	}
	if current != state.Version {
		return fmt.Errorf("%w: thread %q at version %d, saving %d",
			ErrConflict, state.ThreadID, current, state.Version)
	}

	stored := state.Clone()
	stored.Turns = trimTurns(stored.Turns, s.maxTurns)
	stored.Version = current + 1
	stored.UpdatedAt = time.Now().UTC()
	s.threads[state.ThreadID] = stored

	state.Version = stored.Version
	state.UpdatedAt = stored.UpdatedAt
	return nil
}

// Delete removes the thread.
func (s *MemorySaver) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// DeleteBefore removes threads whose last update is older than cutoff.
func (s *MemorySaver) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, st := range s.threads {
		if st.UpdatedAt.Before(cutoff) {
			delete(s.threads, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored threads.
func (s *MemorySaver) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
