package matcher

import (
	"fmt"
	"math"

	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// Searcher finds the nearest gallery entry to a probe.
// Nearest returns (-1, +Inf) when the gallery has no comparable entry.
type Searcher interface {
	Nearest(probe []float32) (index int, distance float64)
	Gallery() *gallery.Gallery
}

// thresholdSearcher is implemented by approximate searchers that must revisit
// their answer once the acceptance threshold is known.
type thresholdSearcher interface {
	NearestWithin(query []float32, threshold float64) (index int, distance float64)
}

// Searcher kinds accepted by NewSearcher.
const (
	KindExact = "exact"
	KindHNSW  = "hnsw"
)

// NewSearcher builds the searcher named by kind over g.
func NewSearcher(kind string, g *gallery.Gallery) (Searcher, error) {
	switch kind {
	case KindExact, "":
		return NewExact(g), nil
	case KindHNSW:
		return NewHNSW(g, DefaultHNSWCandidates), nil
	default:
		return nil, fmt.Errorf("unknown searcher %q", kind)
	}
}

// Exact is a linear scan over the gallery in insertion order.
type Exact struct {
	g *gallery.Gallery
}

func NewExact(g *gallery.Gallery) *Exact {
	if g == nil {
		g = gallery.Empty()
	}
	return &Exact{g: g}
}

func (e *Exact) Gallery() *gallery.Gallery { return e.g }

func (e *Exact) Nearest(probe []float32) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i := range e.g.Len() {
		_, vec := e.g.At(i)
		// strict comparison keeps the earliest entry on ties
		if d := EuclideanDistance(probe, vec); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}
