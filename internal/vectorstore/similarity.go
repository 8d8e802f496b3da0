package vectorstore

import (
	"math"
	"sort"
)

// DefaultTopK is used when a search asks for k <= 0.
const DefaultTopK = 5

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of a and b given their precomputed
// norms. Zero vectors score 0.
func Cosine(a []float32, normA float64, b []float32, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	n := min(len(a), len(b))
	dot := 0.0
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

// Hit is a candidate position with its score.
type Hit struct {
	Pos   int
	Score float64
}

// TopK returns the k best-scoring positions, highest first. Ties keep the
// lower position first so results are deterministic.
func TopK(scores []float64, k int) []Hit {
	if k <= 0 {
		k = DefaultTopK
	}
	hits := make([]Hit, len(scores))
	for i, s := range scores {
		hits[i] = Hit{Pos: i, Score: s}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k]
}
