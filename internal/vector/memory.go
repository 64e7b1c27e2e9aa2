package vector

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// MemoryIndex is an exact brute-force index. It is the default strategy and the
// reference the approximate strategies are measured against.
type MemoryIndex struct {
	dimensions int
	vectors    [][]float32
	norms      []float64
}

// NewMemoryIndex indexes vectors, which must all have the given dimension.
// The slices are retained, not copied.
func NewMemoryIndex(dimensions int, vectors [][]float32) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	m := &MemoryIndex{
		dimensions: dimensions,
		vectors:    vectors,
		norms:      make([]float64, len(vectors)),
	}
	for i, v := range vectors {
		if len(v) != dimensions {
			return nil, fmt.Errorf("vector %d dimension mismatch: got %d, expected %d", i, len(v), dimensions)
		}
		m.norms[i] = L2Norm(v)
	}
	return m, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Search scans every vector and returns the top-k by cosine similarity.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, exclude *roaring.Bitmap) ([]Hit, error) {
	qn, err := checkQuery(query, m.dimensions, k)
	if err != nil {
		return nil, err
	}
	top := newTopK(k, len(m.vectors))
	for row, vec := range m.vectors {
		if row%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if excluded(exclude, row) {
			continue
		}
		top.push(Hit{Row: row, Score: cosine(query, qn, vec, m.norms[row])})
	}
	return top.results(), nil
}

// score returns the exact cosine similarity between query and row.
func (m *MemoryIndex) score(query []float32, qn float64, row int) float64 {
	return cosine(query, qn, m.vectors[row], m.norms[row])
}

// rescore turns candidate rows into exact, ordered top-k hits.
func (m *MemoryIndex) rescore(query []float32, qn float64, rows []int, k int, exclude *roaring.Bitmap) []Hit {
	top := newTopK(k, len(rows))
	seen := make(map[int]struct{}, len(rows))
	for _, row := range rows {
		if row < 0 || row >= len(m.vectors) || excluded(exclude, row) {
			continue
		}
		if _, dup := seen[row]; dup {
			continue
		}
		seen[row] = struct{}{}
		top.push(Hit{Row: row, Score: m.score(query, qn, row)})
	}
	return top.results()
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	return len(m.vectors)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
