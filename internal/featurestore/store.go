// Package featurestore holds the feature vectors of ingested artworks as a
// rectangular float32 array, one row per artwork, and persists it in a compact
// binary file.
//
// A FeatureStore is not safe for concurrent mutation. The repository treats
// published stores as immutable and mutates only private clones.
package featurestore

import (
	"math"

	"github.com/hyperjump/kanshou/internal/errs"
)

// FeatureStore is an append-only array of vectors sharing one dimension.
type FeatureStore struct {
	dim  int
	rows [][]float32
}

// New returns an empty store. dim may be 0, in which case the first appended
// vector fixes it.
func New(dim int) *FeatureStore {
	if dim < 0 {
		dim = 0
	}
	return &FeatureStore{dim: dim}
}

// Dimension returns the vector dimension, or 0 when not yet fixed.
func (s *FeatureStore) Dimension() int {
	return s.dim
}

// Rows returns the number of stored vectors.
func (s *FeatureStore) Rows() int {
	return len(s.rows)
}

// Row returns the vector at row i. The returned slice must not be modified.
func (s *FeatureStore) Row(i int) []float32 {
	if i < 0 || i >= len(s.rows) {
		return nil
	}
	return s.rows[i]
}

// All returns every vector in row order. The returned slices must not be modified.
func (s *FeatureStore) All() [][]float32 {
	out := make([][]float32, len(s.rows))
	copy(out, s.rows)
	return out
}

// Check validates vector against the store without appending it.
func (s *FeatureStore) Check(vector []float32) error {
	if s.dim > 0 && len(vector) != s.dim {
		return errs.DimensionMismatch(errs.CodeFeatureDimensionMismatch, s.dim, len(vector))
	}
	return ValidateVector(errs.CodeFeatureInvalid, vector)
}

// Append copies vector into a new row and returns its row number.
func (s *FeatureStore) Append(vector []float32) (int, error) {
	if err := s.Check(vector); err != nil {
		return 0, err
	}
	if s.dim == 0 {
		s.dim = len(vector)
	}
	row := make([]float32, len(vector))
	copy(row, vector)
	s.rows = append(s.rows, row)
	return len(s.rows) - 1, nil
}

// Clone returns a store sharing the existing rows. Appending to the clone does
// not affect s.
func (s *FeatureStore) Clone() *FeatureStore {
	rows := make([][]float32, len(s.rows), len(s.rows)+8)
	copy(rows, s.rows)
	return &FeatureStore{dim: s.dim, rows: rows}
}

// ValidateVector checks that v is non-empty, finite and has a non-zero norm.
func ValidateVector(code errs.Code, v []float32) error {
	if len(v) == 0 {
		return errs.Invalid(code, "vector is empty")
	}
	var sum float64
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.Invalid(code, "component %d is not finite", i)
		}
		sum += f * f
	}
	if sum == 0 {
		return errs.Invalid(code, "vector has zero norm")
	}
	return nil
}
