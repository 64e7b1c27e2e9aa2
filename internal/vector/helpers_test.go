package vector

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
)

// scenarioVectors are rows A=0, B=1, C=2.
func scenarioVectors() [][]float32 {
	return [][]float32{{1, 0}, {0, 1}, {0.9, 0.1}}
}

func assertScenario(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()

	hits, err := idx.Search(ctx, []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Row != 0 || math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("hit 0 = %+v, want row 0 score 1.0", hits[0])
	}
	want := 0.9 / math.Sqrt(0.82)
	if hits[1].Row != 2 || math.Abs(hits[1].Score-want) > 1e-6 {
		t.Errorf("hit 1 = %+v, want row 2 score %.6f", hits[1], want)
	}

	hits, err = idx.Search(ctx, []float32{0, 1}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Row != 1 || math.Abs(hits[0].Score-1) > 1e-6 {
		t.Errorf("hits = %+v, want [row 1 score 1.0]", hits)
	}

	hits, err = idx.Search(ctx, []float32{1, 0}, 50, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Errorf("k beyond size should clamp to 3, got %d", len(hits))
	}

	hits, err = idx.Search(ctx, []float32{1, 0}, math.MaxInt, roaring.BitmapOf(1))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 || hits[0].Row != 0 || hits[1].Row != 2 {
		t.Errorf("max k with exclusion = %+v, want rows [0 2]", hits)
	}
}

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

// assertMatchesExact checks that every hit idx returns carries the exact score
// and that results are ordered.
func assertMatchesExact(t *testing.T, idx Index, vectors [][]float32, k int) {
	t.Helper()
	ctx := context.Background()
	for qi := 0; qi < 20; qi++ {
		q := vectors[qi]
		hits, err := idx.Search(ctx, q, k, nil)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != k {
			t.Fatalf("expected %d hits, got %d", k, len(hits))
		}
		if hits[0].Row != qi || math.Abs(hits[0].Score-1) > 1e-6 {
			t.Errorf("query %d: self match = %+v", qi, hits[0])
		}
		for i, h := range hits {
			if exact := CosineSimilarity(q, vectors[h.Row]); math.Abs(exact-h.Score) > 1e-9 {
				t.Errorf("query %d hit %d: score %f, exact %f", qi, i, h.Score, exact)
			}
			if i > 0 && worse(hits[i-1], h) {
				t.Errorf("query %d: hits out of order at %d", qi, i)
			}
		}
	}
}
