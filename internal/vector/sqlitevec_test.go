package vector

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
)

func newSQLiteVecOrSkip(t *testing.T, dim int, vectors [][]float32) *SQLiteVecIndex {
	t.Helper()
	idx, err := NewSQLiteVecIndex(context.Background(), dim, vectors, nil)
	if err != nil {
		t.Skipf("sqlite-vec not available: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestSQLiteVecIndex_Scenario(t *testing.T) {
	idx := newSQLiteVecOrSkip(t, 2, scenarioVectors())
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}
	assertScenario(t, idx)
}

func TestSQLiteVecIndex_MatchesExact(t *testing.T) {
	vectors := randomVectors(300, 8, 21)
	idx := newSQLiteVecOrSkip(t, 8, vectors)
	assertMatchesExact(t, idx, vectors, 5)
}

func TestSQLiteVecIndex_Exclude(t *testing.T) {
	idx := newSQLiteVecOrSkip(t, 2, scenarioVectors())
	hits, err := idx.Search(context.Background(), []float32{1, 0}, 1, roaring.BitmapOf(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Row != 2 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestSQLiteVecIndex_KBeyondVec0Limit(t *testing.T) {
	vectors := randomVectors(sqliteVecMaxK+904, 3, 5)
	idx := newSQLiteVecOrSkip(t, 3, vectors)

	hits, err := idx.Search(context.Background(), vectors[0], 6000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != len(vectors) {
		t.Fatalf("got %d hits, want %d", len(hits), len(vectors))
	}

	hits, err = idx.Search(context.Background(), vectors[0], sqliteVecMaxK+1, roaring.BitmapOf(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != sqliteVecMaxK+1 {
		t.Fatalf("got %d hits, want %d", len(hits), sqliteVecMaxK+1)
	}
	for i, h := range hits {
		if h.Row == 0 {
			t.Fatal("excluded row returned")
		}
		if i > 0 && worse(hits[i-1], h) {
			t.Fatalf("hits out of order at %d", i)
		}
	}
}
