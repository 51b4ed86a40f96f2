package engine

import (
	"hash/fnv"
	"math"
	"strings"
)

// embeddingDim is the fixed dimension all pattern embeddings share.
const embeddingDim = 128

// Embedder maps text to a fixed-dimension vector. The default is a
// deterministic token-hash embedder; callers may plug a real model.
type Embedder interface {
	Embed(text string) []float64
	Dim() int
}

// HashEmbedder is a deterministic bag-of-tokens hash embedder. Identical
// texts always produce identical vectors.
type HashEmbedder struct{}

// Dim returns the fixed embedding dimension.
func (HashEmbedder) Dim() int { return embeddingDim }

// Embed hashes lowercase tokens into a unit-normalized vector.
func (HashEmbedder) Embed(text string) []float64 {
	v := make([]float64, embeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % embeddingDim)
		// Second hash bit decides sign to keep the expectation centered.
		if (sum>>32)&1 == 0 {
			v[idx]++
		} else {
			v[idx]--
		}
	}
	normalize(v)
	return v
}

func normalize(v []float64) {
	var n float64
	for _, x := range v {
		n += x * x
	}
	if n == 0 {
		return
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] /= n
	}
}

// Cosine returns the cosine similarity of two equal-length vectors.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
