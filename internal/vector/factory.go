package vector

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses exact brute-force search. Good for small and medium stores.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeHNSW uses a pure-Go HNSW graph for approximate search on large stores.
	IndexTypeHNSW IndexType = "hnsw"
	// IndexTypeSQLiteVec uses an in-memory sqlite-vec vec0 table.
	IndexTypeSQLiteVec IndexType = "sqlitevec"
	// IndexTypeFAISS uses FAISS IndexFlatIP.
	// Requires FAISS library and build tag -tags=faiss.
	IndexTypeFAISS IndexType = "faiss"
)

// Options selects and configures the index strategy.
type Options struct {
	Type   string
	HNSW   HNSWOptions
	Logger *zap.Logger
}

// ValidateType returns an error for unknown index types. "" means memory.
func ValidateType(indexType string) error {
	switch IndexType(indexType) {
	case IndexTypeMemory, IndexTypeHNSW, IndexTypeSQLiteVec, IndexTypeFAISS, "":
		return nil
	default:
		return fmt.Errorf("unknown index type: %s (supported: memory, hnsw, sqlitevec, faiss)", indexType)
	}
}

// NewVectorIndex builds an index of the configured type over vectors.
// Strategies that cannot be built in this binary or environment (faiss without
// the build tag, sqlitevec without the extension) fall back to memory.
func NewVectorIndex(ctx context.Context, opts Options, dimensions int, vectors [][]float32) (Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch IndexType(opts.Type) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions, vectors)
	case IndexTypeHNSW:
		return NewHNSWIndex(ctx, dimensions, vectors, opts.HNSW)
	case IndexTypeSQLiteVec:
		idx, err := NewSQLiteVecIndex(ctx, dimensions, vectors, logger)
		if err != nil {
			logger.Warn("sqlite-vec index unavailable, falling back to memory", zap.Error(err))
			return NewMemoryIndex(dimensions, vectors)
		}
		return idx, nil
	case IndexTypeFAISS:
		idx, err := NewFAISSIndex(ctx, dimensions, vectors)
		if err != nil {
			logger.Warn("FAISS index unavailable, falling back to memory", zap.Error(err))
			return NewMemoryIndex(dimensions, vectors)
		}
		return idx, nil
	default:
		return nil, ValidateType(opts.Type)
	}
}

// IsFAISSAvailable returns true if FAISS support is compiled in.
// This is determined by the build tag -tags=faiss.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex(context.Background(), 1, nil)
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
