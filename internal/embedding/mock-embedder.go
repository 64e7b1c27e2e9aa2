package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockExtractor is a deterministic extractor for tests. It derives the vector from
// the SHA-256 of the image bytes, so the same image always gets the same embedding.
type MockExtractor struct {
	dimensions int
}

// NewMockExtractor returns an extractor that produces deterministic vectors of the given dimensions.
func NewMockExtractor(dimensions int) *MockExtractor {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockExtractor{dimensions: dimensions}
}

// Extract returns a unit vector seeded by the image content.
func (e *MockExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(image)
	seed := binary.LittleEndian.Uint64(sum[:8])
	emb := make([]float32, e.dimensions)
	for i := range emb {
		emb[i] = float32(math.Sin(float64(seed%100003)*float64(i+1))*0.1 + 0.01)
	}
	NormalizeL2Slice(emb)
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (e *MockExtractor) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockExtractor.
func (e *MockExtractor) Close() error {
	return nil
}
