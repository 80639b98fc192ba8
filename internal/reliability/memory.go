package reliability

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/sells-group/cartrouter/internal/model"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.Mutex
	outcomes map[string]model.OrderOutcome
	scores   map[string]model.ReliabilityScore
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outcomes: make(map[string]model.OrderOutcome),
		scores:   make(map[string]model.ReliabilityScore),
	}
}

// InsertOutcome implements Store.
func (m *MemoryStore) InsertOutcome(_ context.Context, o model.OrderOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outcomes[o.OrderID]; ok {
		return false, nil
	}
	m.outcomes[o.OrderID] = o
	return true, nil
}

// SaveScore implements Store.
func (m *MemoryStore) SaveScore(_ context.Context, s model.ReliabilityScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.ProviderID] = s
	return nil
}

// LoadScores implements Store.
func (m *MemoryStore) LoadScores(_ context.Context) ([]model.ReliabilityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ReliabilityScore, 0, len(m.scores))
	for _, s := range m.scores {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b model.ReliabilityScore) int { return strings.Compare(a.ProviderID, b.ProviderID) })
	return out, nil
}
