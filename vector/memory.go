package vector

import (
	"context"
	"sync"
)

// Memory is an in-process Index for tests and single-node deployments.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Vector
}

var _ Index = (*Memory)(nil)

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]Vector)}
}

// Upsert implements Index.
func (m *Memory) Upsert(_ context.Context, collection string, vec Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collection]
	if !ok {
		col = make(map[string]Vector)
		m.collections[collection] = col
	}
	col[vec.ID] = copyVector(vec)
	return nil
}

// Search implements Index.
func (m *Memory) Search(_ context.Context, collection string, query []float64, opts SearchOptions) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.collections[collection]
	matches := make([]Match, 0, len(col))
	for id, vec := range col {
		if !matchesFilter(vec.Metadata, opts.Filter) {
			continue
		}
		matches = append(matches, Match{
			ID:       id,
			Score:    cosine(query, vec.Values),
			Metadata: copyMeta(vec.Metadata),
		})
	}
	return rank(matches, opts.K), nil
}

// Delete implements Index.
func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.collections[collection]; ok {
		delete(col, id)
	}
	return nil
}

func copyVector(v Vector) Vector {
	out := Vector{ID: v.ID, Values: make([]float64, len(v.Values)), Metadata: copyMeta(v.Metadata)}
	copy(out.Values, v.Values)
	return out
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
