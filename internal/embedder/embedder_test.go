package embedder

import (
	"context"
	"math"
	"testing"
)

func TestFallbackEmbedIsUnitNorm(t *testing.T) {
	vec := fallbackEmbed("Max prefers tabs over spaces")
	if len(vec) != Dimensions {
		t.Fatalf("expected %d dimensions, got %d", Dimensions, len(vec))
	}

	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)
	if math.Abs(norm-1.0) > 1e-3 {
		t.Fatalf("expected unit norm, got %f", norm)
	}
}

func TestFallbackEmbedDeterministic(t *testing.T) {
	a := fallbackEmbed("coding style preferences")
	b := fallbackEmbed("coding style preferences")

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic output at index %d: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestNormalizeIdempotence(t *testing.T) {
	vec := fallbackEmbed("idempotence check")
	renormalized := normalize(append([]float32(nil), vec...))

	for i := range vec {
		if math.Abs(float64(vec[i]-renormalized[i])) > 1e-6 {
			t.Fatalf("normalizing an already-unit vector changed it at index %d", i)
		}
	}
}

func TestEmbedFallsBackWithoutModel(t *testing.T) {
	Reset(context.Background())
	e := Get(context.Background(), Config{})

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != Dimensions {
		t.Fatalf("expected %d dimensions, got %d", Dimensions, len(vec))
	}
	if e.primaryAvailable {
		t.Fatal("expected primary path unavailable with no model configured")
	}
}

func TestGetIsSingleton(t *testing.T) {
	Reset(context.Background())
	a := Get(context.Background(), Config{})
	b := Get(context.Background(), Config{})
	if a != b {
		t.Fatal("expected Get to return the same instance across calls")
	}
}
