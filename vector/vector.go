// Package vector defines the vector index port used by the embedding and
// retrieval activities, with memory and Redis implementations. Upsert is
// idempotent by vector ID; Search returns matches ranked by cosine
// similarity.
package vector

import (
	"context"
	"math"
	"sort"
)

const defaultK = 10

type (
	// Vector is one embedded item.
	Vector struct {
		ID       string            `json:"id"`
		Values   []float64         `json:"values"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Match is one ranked search hit.
	Match struct {
		ID       string            `json:"id"`
		Score    float64           `json:"score"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// SearchOptions bounds and filters a search.
	SearchOptions struct {
		// K caps the number of matches. Zero means 10.
		K int
		// Filter is a metadata equality conjunction; vectors missing any
		// pair are excluded.
		Filter map[string]string
	}

	// Index is the vector store port.
	Index interface {
		Upsert(ctx context.Context, collection string, vec Vector) error
		Search(ctx context.Context, collection string, query []float64, opts SearchOptions) ([]Match, error)
		// Delete removes the vector; deleting an absent ID is not an error.
		Delete(ctx context.Context, collection, id string) error
	}
)

func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta == nil || meta[k] != v {
			return false
		}
	}
	return true
}

// rank orders matches by descending score, breaking ties by ID so results
// are stable, and truncates to k.
func rank(matches []Match, k int) []Match {
	if k <= 0 {
		k = defaultK
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
