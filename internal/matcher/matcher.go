// Package matcher classifies probe embeddings against a gallery by Euclidean
// nearest neighbour with a strict rejection threshold.
package matcher

import (
	"math"

	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// NoMatch is the label reported when a probe is not close enough to any entry.
const NoMatch = ""

// Result of classifying one probe. Distance is always set so callers can log near-misses.
// For an empty gallery Distance is +Inf and Index is -1.
type Result struct {
	Label    string
	Distance float64
	Index    int // gallery index of the nearest entry, -1 when there is none
}

// Matched reports whether the probe was accepted as Label.
func (r Result) Matched() bool {
	return r.Label != NoMatch
}

// EuclideanDistance returns the L2 distance between a and b.
// Vectors of different length are infinitely far apart.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Classify scans every entry of g and returns the closest label when its distance
// is strictly below threshold. Equal distances resolve to the earliest entry.
func Classify(probe []float32, g *gallery.Gallery, threshold float64) Result {
	return Match(NewExact(g), probe, threshold)
}

// Match applies the threshold to the nearest neighbour found by s.
func Match(s Searcher, probe []float32, threshold float64) Result {
	var idx int
	var dist float64
	if w, ok := s.(thresholdSearcher); ok {
		idx, dist = w.NearestWithin(probe, threshold)
	} else {
		idx, dist = s.Nearest(probe)
	}
	if idx < 0 {
		return Result{Label: NoMatch, Distance: dist, Index: -1}
	}
	if !(dist < threshold) {
		return Result{Label: NoMatch, Distance: dist, Index: idx}
	}
	label, _ := s.Gallery().At(idx)
	return Result{Label: label, Distance: dist, Index: idx}
}
