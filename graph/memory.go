package graph

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string]Edge
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory graph store.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
	}
}

// Merge implements Store.
func (m *Memory) Merge(_ context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range mut.Nodes {
		m.nodes[n.ID] = copyNode(n)
	}
	for _, e := range mut.Edges {
		m.edges[e.ID] = copyEdge(e)
	}
	return nil
}

// Neighbors implements Store.
func (m *Memory) Neighbors(_ context.Context, nodeID string, opts NeighborOptions) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultNeighborLimit
	}

	edgeIDs := make([]string, 0, len(m.edges))
	for id, e := range m.edges {
		if e.From != nodeID && e.To != nodeID {
			continue
		}
		if opts.EdgeType != "" && e.Type != opts.EdgeType {
			continue
		}
		edgeIDs = append(edgeIDs, id)
	}
	sort.Strings(edgeIDs)

	out := make([]Neighbor, 0, len(edgeIDs))
	for _, id := range edgeIDs {
		if len(out) >= limit {
			break
		}
		e := m.edges[id]
		otherID := e.To
		if otherID == nodeID {
			otherID = e.From
		}
		node, ok := m.nodes[otherID]
		if !ok {
			continue
		}
		out = append(out, Neighbor{Node: copyNode(node), Edge: copyEdge(e)})
	}
	return out, nil
}

// RemoveByProperty implements Store.
func (m *Memory) RemoveByProperty(_ context.Context, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := make(map[string]bool)
	for id, n := range m.nodes {
		if n.Properties != nil && n.Properties[key] == value {
			removed[id] = true
			delete(m.nodes, id)
		}
	}
	for id, e := range m.edges {
		matches := e.Properties != nil && e.Properties[key] == value
		if matches || removed[e.From] || removed[e.To] {
			delete(m.edges, id)
		}
	}
	return nil
}

func copyNode(n Node) Node {
	return Node{ID: n.ID, Label: n.Label, Properties: copyProps(n.Properties)}
}

func copyEdge(e Edge) Edge {
	return Edge{ID: e.ID, From: e.From, To: e.To, Type: e.Type, Properties: copyProps(e.Properties)}
}

func copyProps(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
