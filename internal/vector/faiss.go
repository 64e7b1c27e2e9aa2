//go:build faiss && cgo
// +build faiss,cgo

package vector

/*
#cgo CFLAGS: -I/opt/homebrew/include -I/usr/local/include
#cgo LDFLAGS: -L/opt/homebrew/lib -L/usr/local/lib -lfaiss_c

#include <stdlib.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"
)

// FAISSIndex runs inner-product search over unit-length copies of the vectors
// with FAISS IndexFlatIP. FAISS labels are feature rows.
type FAISSIndex struct {
	index *C.FaissIndexFlatIP
	exact *MemoryIndex
	mu    sync.RWMutex
}

// NewFAISSIndex builds a FAISS index over vectors.
func NewFAISSIndex(ctx context.Context, dimensions int, vectors [][]float32) (*FAISSIndex, error) {
	exact, err := NewMemoryIndex(dimensions, vectors)
	if err != nil {
		return nil, err
	}

	var index *C.FaissIndexFlatIP
	ret := C.faiss_IndexFlatIP_new_with(&index, C.idx_t(dimensions))
	if ret != 0 {
		return nil, fmt.Errorf("failed to create FAISS index: %s", faissLastError())
	}
	f := &FAISSIndex{index: index, exact: exact}

	if n := len(vectors); n > 0 {
		flat := make([]float32, 0, n*dimensions)
		for _, v := range vectors {
			flat = append(flat, normalized(v)...)
		}
		if err := ctx.Err(); err != nil {
			f.Close()
			return nil, err
		}
		ret = C.faiss_Index_add(f.index, C.idx_t(n), (*C.float)(unsafe.Pointer(&flat[0])))
		if ret != 0 {
			f.Close()
			return nil, fmt.Errorf("failed to add vectors to FAISS index: %s", faissLastError())
		}
	}
	return f, nil
}

// faissLastError returns the last FAISS error message.
func faissLastError() string {
	cErr := C.faiss_get_last_error()
	if cErr == nil {
		return "unknown error"
	}
	return C.GoString(cErr)
}

// Search returns the top-k rows by cosine similarity.
func (f *FAISSIndex) Search(ctx context.Context, query []float32, k int, exclude *roaring.Bitmap) ([]Hit, error) {
	qn, err := checkQuery(query, f.exact.dimensions, k)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.index == nil {
		return nil, fmt.Errorf("FAISS index is closed")
	}
	ntotal := int(C.faiss_Index_ntotal(f.index))
	if ntotal == 0 {
		return []Hit{}, nil
	}
	k = min(k, ntotal)
	fetch := min(2*k+excludedCount(exclude), ntotal)

	q := normalized(query)
	distances := make([]float32, fetch)
	labels := make([]int64, fetch)
	ret := C.faiss_Index_search(
		f.index,
		1,
		(*C.float)(unsafe.Pointer(&q[0])),
		C.idx_t(fetch),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0])),
	)
	if ret != 0 {
		return nil, fmt.Errorf("FAISS search failed: %s", faissLastError())
	}

	rows := make([]int, 0, fetch)
	for _, label := range labels {
		if label >= 0 {
			rows = append(rows, int(label))
		}
	}
	return f.exact.rescore(query, qn, rows, k, exclude), nil
}

// Size returns the number of vectors in the index.
func (f *FAISSIndex) Size() int {
	return f.exact.Size()
}

// Close frees the FAISS index resources.
func (f *FAISSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.index)
		f.index = nil
	}
	return nil
}

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string {
	return string(IndexTypeFAISS)
}
