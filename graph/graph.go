// Package graph defines the graph store port used by the entity extraction
// and retrieval activities, with memory and Mongo implementations. Writes
// carry MERGE semantics: nodes and edges are keyed by ID, and merging an
// existing ID updates it in place instead of duplicating, so replayed
// activity attempts are safe.
package graph

import "context"

const defaultNeighborLimit = 25

type (
	// Node is one graph entity.
	Node struct {
		ID         string         `json:"id"`
		Label      string         `json:"label"`
		Properties map[string]any `json:"properties,omitempty"`
	}

	// Edge is one directed relation between two nodes.
	Edge struct {
		ID         string         `json:"id"`
		From       string         `json:"from"`
		To         string         `json:"to"`
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties,omitempty"`
	}

	// Mutation is one batch of merges applied together.
	Mutation struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}

	// Neighbor pairs a connected node with the edge reaching it.
	Neighbor struct {
		Node Node `json:"node"`
		Edge Edge `json:"edge"`
	}

	// NeighborOptions filters and bounds a neighborhood read.
	NeighborOptions struct {
		// EdgeType keeps only edges of the given type when non-empty.
		EdgeType string
		// Limit caps results. Zero means 25.
		Limit int
	}

	// Store is the graph port.
	Store interface {
		// Merge applies the mutation idempotently by node/edge ID.
		Merge(ctx context.Context, mut Mutation) error
		// Neighbors returns nodes connected to nodeID in either direction,
		// ordered by edge ID.
		Neighbors(ctx context.Context, nodeID string, opts NeighborOptions) ([]Neighbor, error)
		// RemoveByProperty deletes every node whose properties carry the
		// key/value pair, together with all edges touching a removed node or
		// carrying the pair themselves. Compensations key this on
		// document_id to revert one document's contribution.
		RemoveByProperty(ctx context.Context, key string, value any) error
	}
)
