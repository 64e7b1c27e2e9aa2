// Package vector provides nearest-neighbour indexes over the feature store.
//
// Indexes are derived data: they are built from a full copy of the stored
// vectors, addressed by feature row, and rebuilt rather than mutated when the
// store grows. Every strategy returns hits ordered by descending cosine
// similarity with ties broken by ascending row.
package vector

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"
)

// Index answers k-nearest-neighbour queries over a fixed set of vectors.
type Index interface {
	// Search returns up to k hits for query, skipping rows in exclude (may be nil).
	Search(ctx context.Context, query []float32, k int, exclude *roaring.Bitmap) ([]Hit, error)
	// Size returns the number of indexed vectors.
	Size() int
	// Type returns the index type identifier.
	Type() string
	Close() error
}

// Hit is a single search hit. Row addresses the feature store.
type Hit struct {
	Row   int
	Score float64 // cosine similarity in [-1, 1]
}

func excluded(exclude *roaring.Bitmap, row int) bool {
	return exclude != nil && exclude.Contains(uint32(row))
}

func excludedCount(exclude *roaring.Bitmap) int {
	if exclude == nil {
		return 0
	}
	return int(exclude.GetCardinality())
}
