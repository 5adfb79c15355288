package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder generates deterministic embeddings without a model. Each
// token hashes to a bucket; the vector is the normalized bag of token
// buckets, so texts sharing words land near each other. Used as the
// offline default and in tests, where determinism matters more than
// semantic quality.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder. dims <= 0 selects 384, matching
// small sentence-transformer models.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	v := make(Vector, e.dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		seed := h.Sum64()
		bucket := int(seed % uint64(e.dims))
		// A second derived bucket smooths collisions between short texts.
		seed = seed*6364136223846793005 + 1442695040888963407
		alt := int(seed % uint64(e.dims))
		sign := float32(1)
		if seed&1 == 1 {
			sign = -1
		}
		v[bucket] += 1
		v[alt] += sign * 0.5
	}
	if allZero(v) {
		v[0] = 1
	}
	return Normalize(v), nil
}

func (e *HashEmbedder) Dims() int { return e.dims }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func allZero(v Vector) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
