package token

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cartrouter/internal/model"
)

// MemoryStore keeps tokens in a mutex-guarded map.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]model.ConfirmationToken
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]model.ConfirmationToken)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, t model.ConfirmationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ID]; ok {
		return eris.Errorf("token %s already exists", t.ID)
	}
	s.tokens[t.ID] = t
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (model.ConfirmationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return model.ConfirmationToken{}, ErrNotFound
	}
	return t, nil
}

// CompareAndSwap implements Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, from, to model.TokenState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.State != from {
		return false, nil
	}
	t.State, t.UpdatedAt = to, at
	s.tokens[id] = t
	return true, nil
}

// DeleteBefore implements Store.
func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tokens {
		if Reclaimable(t, cutoff) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

// Reclaimable reports whether a sweep at cutoff may delete t: terminal
// tokens last updated before cutoff, and QUOTED tokens whose deadline passed
// before cutoff.
func Reclaimable(t model.ConfirmationToken, cutoff time.Time) bool {
	if t.State.Terminal() {
		return t.UpdatedAt.Before(cutoff)
	}
	return t.ExpiresAt.Before(cutoff)
}
