package vector

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	// DefaultM is the default number of links per node above layer 0.
	DefaultM = 16
	// DefaultEFConstruction is the candidate list size used while building.
	DefaultEFConstruction = 200
	// DefaultEFSearch is the minimum candidate list size used while searching.
	DefaultEFSearch = 64
	// DefaultExactThreshold is the store size at or below which HNSWIndex scans exactly.
	DefaultExactThreshold = 1000

	minimumM = 2
)

// HNSWOptions configures the graph index.
type HNSWOptions struct {
	M              int
	EFConstruction int
	EFSearch       int
	ExactThreshold int
	Seed           int64
}

// DefaultHNSWOptions are used for zero fields.
var DefaultHNSWOptions = HNSWOptions{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	ExactThreshold: DefaultExactThreshold,
	Seed:           42,
}

func (o HNSWOptions) withDefaults() HNSWOptions {
	if o.M < minimumM {
		o.M = DefaultHNSWOptions.M
	}
	if o.EFConstruction <= 0 {
		o.EFConstruction = DefaultHNSWOptions.EFConstruction
	}
	if o.EFSearch <= 0 {
		o.EFSearch = DefaultHNSWOptions.EFSearch
	}
	if o.ExactThreshold < 0 {
		o.ExactThreshold = 0
	}
	if o.Seed == 0 {
		o.Seed = DefaultHNSWOptions.Seed
	}
	return o
}

// HNSWIndex is a hierarchical navigable small world graph over unit-length
// copies of the vectors. Candidates found by the graph are rescored exactly, so
// returned scores and their order match MemoryIndex; only recall is
// approximate. Stores no larger than ExactThreshold are scanned exactly.
type HNSWIndex struct {
	opts      HNSWOptions
	exact     *MemoryIndex
	unit      [][]float32
	levels    []int
	links     [][][]int32 // links[node][layer]
	entry     int
	maxLevel  int
	levelMult float64
	graph     bool
}

// NewHNSWIndex builds the graph over vectors.
func NewHNSWIndex(ctx context.Context, dimensions int, vectors [][]float32, opts HNSWOptions) (*HNSWIndex, error) {
	exact, err := NewMemoryIndex(dimensions, vectors)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	h := &HNSWIndex{
		opts:      opts,
		exact:     exact,
		levelMult: 1 / math.Log(float64(opts.M)),
	}
	if len(vectors) <= opts.ExactThreshold {
		return h, nil
	}

	h.graph = true
	h.unit = make([][]float32, len(vectors))
	h.levels = make([]int, len(vectors))
	h.links = make([][][]int32, len(vectors))
	rng := rand.New(rand.NewSource(opts.Seed))
	for i, v := range vectors {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("build hnsw: %w", err)
			}
		}
		h.unit[i] = normalized(v)
		h.insert(i, rng)
	}
	return h, nil
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() string {
	return string(IndexTypeHNSW)
}

// Size returns the number of vectors in the index.
func (h *HNSWIndex) Size() int {
	return h.exact.Size()
}

// Close is a no-op for HNSWIndex.
func (h *HNSWIndex) Close() error {
	return nil
}

// Search walks the graph for candidates and returns the exact top-k among them.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int, exclude *roaring.Bitmap) ([]Hit, error) {
	if !h.graph {
		return h.exact.Search(ctx, query, k, exclude)
	}
	qn, err := checkQuery(query, h.exact.dimensions, k)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// A graph walk can miss unreachable nodes, so full-store requests go exact.
	if k >= h.Size()-excludedCount(exclude) {
		return h.exact.Search(ctx, query, k, exclude)
	}

	q := normalized(query)
	ep, epDist := h.entry, h.dist(q, h.entry)
	for l := h.maxLevel; l > 0; l-- {
		ep, epDist = h.greedy(q, ep, epDist, l)
	}
	ef := h.opts.EFSearch
	if want := k + excludedCount(exclude); want > ef {
		ef = want
	}
	cands := h.searchLayer(q, candidate{row: ep, dist: epDist}, ef, 0)
	rows := make([]int, len(cands))
	for i, c := range cands {
		rows[i] = c.row
	}
	return h.exact.rescore(query, qn, rows, k, exclude), nil
}

func (h *HNSWIndex) dist(q []float32, row int) float64 {
	return 1 - InnerProduct(q, h.unit[row])
}

func (h *HNSWIndex) maxConn(layer int) int {
	if layer == 0 {
		return 2 * h.opts.M
	}
	return h.opts.M
}

func (h *HNSWIndex) insert(row int, rng *rand.Rand) {
	level := int(math.Floor(-math.Log(1-rng.Float64()) * h.levelMult))
	h.levels[row] = level
	h.links[row] = make([][]int32, level+1)
	if row == 0 {
		h.entry, h.maxLevel = 0, level
		return
	}

	q := h.unit[row]
	ep, epDist := h.entry, h.dist(q, h.entry)
	for l := h.maxLevel; l > level; l-- {
		ep, epDist = h.greedy(q, ep, epDist, l)
	}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		cands := h.searchLayer(q, candidate{row: ep, dist: epDist}, h.opts.EFConstruction, l)
		neighbors := h.selectNeighbors(cands, h.opts.M)
		h.links[row][l] = neighbors
		for _, nb := range neighbors {
			h.connect(int(nb), row, l)
		}
		ep, epDist = cands[0].row, cands[0].dist
	}
	if level > h.maxLevel {
		h.entry, h.maxLevel = row, level
	}
}

// greedy moves to the closest neighbour on layer until no neighbour is closer.
func (h *HNSWIndex) greedy(q []float32, ep int, epDist float64, layer int) (int, float64) {
	for changed := true; changed; {
		changed = false
		for _, nb := range h.links[ep][layer] {
			if d := h.dist(q, int(nb)); d < epDist {
				ep, epDist, changed = int(nb), d, true
			}
		}
	}
	return ep, epDist
}

// searchLayer returns up to ef nearest candidates on layer, nearest first.
func (h *HNSWIndex) searchLayer(q []float32, ep candidate, ef, layer int) []candidate {
	visited := roaring.New()
	visited.Add(uint32(ep.row))
	cands := &nearHeap{ep}
	results := &farHeap{ep}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		for _, nb := range h.links[c.row][layer] {
			if !visited.CheckedAdd(uint32(nb)) {
				continue
			}
			d := h.dist(q, int(nb))
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(cands, candidate{row: int(nb), dist: d})
				heap.Push(results, candidate{row: int(nb), dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// selectNeighbors keeps up to m candidates that are closer to the new node
// than to any neighbour already kept, then fills up with the nearest rest.
func (h *HNSWIndex) selectNeighbors(cands []candidate, m int) []int32 {
	out := make([]int32, 0, m)
	taken := make(map[int]bool, m)
	for _, c := range cands {
		if len(out) >= m {
			break
		}
		good := true
		for _, r := range out {
			if 1-InnerProduct(h.unit[c.row], h.unit[r]) < c.dist {
				good = false
				break
			}
		}
		if good {
			out = append(out, int32(c.row))
			taken[c.row] = true
		}
	}
	for _, c := range cands {
		if len(out) >= m {
			break
		}
		if !taken[c.row] {
			out = append(out, int32(c.row))
			taken[c.row] = true
		}
	}
	return out
}

// connect adds a link from node to target on layer, pruning node's links to the nearest maxConn.
func (h *HNSWIndex) connect(node, target, layer int) {
	links := append(h.links[node][layer], int32(target))
	if limit := h.maxConn(layer); len(links) > limit {
		base := h.unit[node]
		sort.Slice(links, func(i, j int) bool {
			return h.dist(base, int(links[i])) < h.dist(base, int(links[j]))
		})
		links = links[:limit]
	}
	h.links[node][layer] = links
}

type candidate struct {
	row  int
	dist float64
}

// nearHeap pops the nearest candidate first.
type nearHeap []candidate

func (h nearHeap) Len() int { return len(h) }
func (h nearHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].row < h[j].row
}
func (h nearHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *nearHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// farHeap pops the farthest candidate first.
type farHeap []candidate

func (h farHeap) Len() int { return len(h) }
func (h farHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].row > h[j].row
}
func (h farHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *farHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *farHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
