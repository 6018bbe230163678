package matcher

import (
	"math"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-attendance/internal/gallery"
)

const (
	// HNSWMaxNeighbors is the M parameter of the graph.
	HNSWMaxNeighbors = 16
	// DefaultHNSWCandidates is how many approximate neighbours are re-scored exactly.
	DefaultHNSWCandidates = 10
	// HNSWExactCutoff is the largest gallery answered by a linear scan instead
	// of the graph. It covers any classroom roster.
	HNSWExactCutoff = 1000
)

// HNSW answers Nearest from an approximate graph index over large galleries.
// Graph results are candidates only: they are re-scored with the exact
// distance, and Match falls back to a full scan whenever no candidate is
// within the threshold, so a face is never rejected because the graph missed
// its true neighbour. Galleries of at most HNSWExactCutoff entries are never
// indexed and behave exactly like Exact.
//
// The graph is built once per gallery and never mutated, so it needs no lock.
type HNSW struct {
	exact      *Exact
	graph      *hnsw.Graph[int]
	candidates int
}

// NewHNSW indexes every entry of g. candidates below 1 are treated as 1.
func NewHNSW(g *gallery.Gallery, candidates int) *HNSW {
	return newHNSW(g, candidates, HNSWExactCutoff)
}

func newHNSW(g *gallery.Gallery, candidates, cutoff int) *HNSW {
	if candidates < 1 {
		candidates = 1
	}
	h := &HNSW{exact: NewExact(g), candidates: candidates}
	g = h.exact.Gallery()
	if g.Len() == 0 || g.Len() <= cutoff {
		return h
	}

	graph := hnsw.NewGraph[int]()
	graph.M = HNSWMaxNeighbors
	graph.Distance = hnsw.EuclideanDistance
	graph.EfSearch = max(graph.EfSearch, 4*candidates)

	nodes := make([]hnsw.Node[int], 0, g.Len())
	for i := range g.Len() {
		_, vec := g.At(i)
		nodes = append(nodes, hnsw.MakeNode(i, vec))
	}
	graph.Add(nodes...)
	h.graph = graph
	return h
}

func (h *HNSW) Gallery() *gallery.Gallery { return h.exact.Gallery() }

// Nearest returns the best graph candidate, or the exact nearest entry when
// the gallery is not indexed.
func (h *HNSW) Nearest(query []float32) (int, float64) {
	if h.graph == nil {
		return h.exact.Nearest(query)
	}
	g := h.exact.Gallery()
	if len(query) != g.Dim() {
		return -1, math.Inf(1)
	}

	best, bestDist := -1, math.Inf(1)
	for _, n := range h.graph.Search(query, h.candidates) {
		_, vec := g.At(n.Key)
		d := EuclideanDistance(query, vec)
		if d < bestDist || (d == bestDist && n.Key < best) {
			best, bestDist = n.Key, d
		}
	}
	if best < 0 {
		return h.exact.Nearest(query)
	}
	return best, bestDist
}

// NearestWithin is Nearest, rescanning the whole gallery when the best graph
// candidate is not strictly below threshold.
func (h *HNSW) NearestWithin(query []float32, threshold float64) (int, float64) {
	idx, dist := h.Nearest(query)
	if h.graph != nil && !(dist < threshold) {
		return h.exact.Nearest(query)
	}
	return idx, dist
}

// Indexed reports whether queries go through the graph.
func (h *HNSW) Indexed() bool { return h.graph != nil }

// Len returns the number of indexed entries.
func (h *HNSW) Len() int {
	if h.graph == nil {
		return 0
	}
	return h.graph.Len()
}
