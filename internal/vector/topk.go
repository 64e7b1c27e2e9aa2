package vector

import (
	"container/heap"
	"sort"
)

// worse orders hits by descending score, then ascending row.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Row > b.Row
}

// SortHits sorts hits best first: descending score, ties by ascending row.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool { return worse(hits[j], hits[i]) })
}

type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK keeps the k best hits seen so far. limit bounds how many hits can ever
// be pushed, so the heap never grows beyond the candidate count.
type topK struct {
	k int
	h hitHeap
}

func newTopK(k, limit int) *topK {
	if limit < 0 {
		limit = 0
	}
	if k > limit {
		k = limit
	}
	return &topK{k: k, h: make(hitHeap, 0, k)}
}

func (t *topK) push(hit Hit) {
	if t.k == 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, hit)
		return
	}
	if worse(t.h[0], hit) {
		t.h[0] = hit
		heap.Fix(&t.h, 0)
	}
}

func (t *topK) results() []Hit {
	out := make([]Hit, len(t.h))
	copy(out, t.h)
	SortHits(out)
	return out
}
