// Package embedding turns artwork images into feature vectors.
package embedding

import (
	"context"
	"math"
)

// Extractor produces a fixed-length feature vector for an encoded image.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
	Dimensions() int
	Close() error
}

// NormalizeL2Slice normalizes the slice in place to unit L2 norm.
func NormalizeL2Slice(x []float32) {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sum))
	for i := range x {
		x[i] *= norm
	}
}
