package embed

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the cat sat on the mat")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, _ := e.Embed(ctx, "the cat sat on the mat")
	if CosineSimilarity(a, b) < 0.9999 {
		t.Error("identical text should embed identically")
	}
	if len(a) != e.Dims() {
		t.Errorf("expected %d dims, got %d", e.Dims(), len(a))
	}
}

func TestHashEmbedderSimilarTextsScoreHigher(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "my cat's name is whiskers")
	near, _ := e.Embed(ctx, "what is my cat's name")
	far, _ := e.Embed(ctx, "quarterly revenue projections for acme corp")

	if CosineSimilarity(base, near) <= CosineSimilarity(base, far) {
		t.Error("overlapping text should be more similar than unrelated text")
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize(Vector{3, 4})
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("expected unit vector, got norm %f", norm)
	}

	// Zero vector stays zero instead of dividing by zero.
	z := Normalize(Vector{0, 0})
	if z[0] != 0 || z[1] != 0 {
		t.Error("zero vector changed")
	}
}

func TestCosineSimilarityBounds(t *testing.T) {
	a := Vector{1, 0}
	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-6 {
		t.Errorf("self similarity = %f, want 1", got)
	}
	if got := CosineSimilarity(a, Vector{0, 1}); math.Abs(got) > 1e-6 {
		t.Errorf("orthogonal similarity = %f, want 0", got)
	}
	if got := CosineSimilarity(a, Vector{1, 0, 0}); got != 0 {
		t.Errorf("mismatched lengths = %f, want 0", got)
	}
}
