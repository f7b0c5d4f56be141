package activities

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// defaultHashingDim is the vector width of the dev-mode embedder.
const defaultHashingDim = 256

// HashingEmbedder is a deterministic bag-of-words embedder for dev mode and
// tests: each token is feature-hashed into a fixed-width vector which is then
// L2-normalized. Identical texts always embed identically, which keeps
// replayed and retried pipelines stable without a provider account.
type HashingEmbedder struct {
	// Dim is the vector width. Zero means 256.
	Dim int
}

// Embed implements Embedder.
func (h HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = defaultHashingDim
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, dim)
		for _, tok := range tokenize(text) {
			f := fnv.New32a()
			f.Write([]byte(tok))
			vec[int(f.Sum32())%dim]++
		}
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for j := range vec {
				vec[j] /= norm
			}
		}
		out[i] = vec
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}
