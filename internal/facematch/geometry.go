// Package facematch holds the face-region geometry and label helpers shared by
// the recognition pipeline and gallery enrollment.
package facematch

import (
	"image"
	"math"
)

// Box is a face bounding box [X1, Y1, X2, Y2] in frame pixel coordinates.
// Detectors may report fractional or out-of-frame corners.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width returns the box width, which is negative for an inverted box.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height, which is negative for an inverted box.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Pad grows the box by padding pixels on every side.
func (b Box) Pad(padding int) Box {
	p := float64(padding)
	return Box{X1: b.X1 - p, Y1: b.Y1 - p, X2: b.X2 + p, Y2: b.Y2 + p}
}

// PadAndClamp pads the box, truncates it to whole pixels and clamps it to bounds.
// ok is false when the result has zero width or height; such crops must be skipped.
func PadAndClamp(b Box, padding int, bounds image.Rectangle) (image.Rectangle, bool) {
	if math.IsNaN(b.X1) || math.IsNaN(b.Y1) || math.IsNaN(b.X2) || math.IsNaN(b.Y2) {
		return image.Rectangle{}, false
	}
	p := b.Pad(padding)
	r := image.Rect(
		clampInt(p.X1, bounds.Min.X, bounds.Max.X),
		clampInt(p.Y1, bounds.Min.Y, bounds.Max.Y),
		clampInt(p.X2, bounds.Min.X, bounds.Max.X),
		clampInt(p.Y2, bounds.Min.Y, bounds.Max.Y),
	)
	// image.Rect canonicalizes inverted corners, so an inverted detection is not degenerate
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return image.Rectangle{}, false
	}
	return r, true
}

// clampInt truncates v toward zero like an integer box cast, then clamps to [lo, hi].
func clampInt(v float64, lo, hi int) int {
	if v <= float64(lo) {
		return lo
	}
	if v >= float64(hi) {
		return hi
	}
	return int(v)
}

// ComputeIoU calculates Intersection over Union between two boxes.
func ComputeIoU(a, b Box) float64 {
	// Calculate intersection.
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	// Calculate union.
	union := a.Width()*a.Height() + b.Width()*b.Height() - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// Relative converts the box to relative (0-1) [x, y, w, h] coordinates for overlays.
// Returns the zero value when width or height is not positive.
func (b Box) Relative(width, height int) [4]float64 {
	if width <= 0 || height <= 0 {
		return [4]float64{}
	}
	return [4]float64{
		b.X1 / float64(width),
		b.Y1 / float64(height),
		b.Width() / float64(width),
		b.Height() / float64(height),
	}
}
