// Package detector adapts an external face detector to the recognition pipeline.
// The core only consumes its output: boxes in frame pixels and a confidence.
package detector

import (
	"cmp"
	"context"
	"image"
	"slices"

	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// Detection is one candidate face region.
type Detection struct {
	Box        facematch.Box
	Confidence float64
}

// Frame is a decoded frame together with its original encoding, when known.
// Adapters that call out over the network send Encoded as is instead of re-encoding.
type Frame struct {
	Image   image.Image
	Encoded []byte
}

// Detector finds faces in a frame.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, frame Frame) ([]Detection, error)

func (f Func) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	return f(ctx, frame)
}

// Filter returns the detections whose confidence is at least minConfidence,
// in detector order. The input slice is not modified.
func Filter(dets []Detection, minConfidence float64) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= minConfidence {
			out = append(out, d)
		}
	}
	return out
}

// DuplicateIoU is the overlap above which two detections are taken to be the same face.
const DuplicateIoU = 0.5

// Suppress drops every detection that overlaps a more confident one by more
// than maxIoU. Survivors keep detector order; on equal confidence the earlier
// detection survives.
func Suppress(dets []Detection, maxIoU float64) []Detection {
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(dets[b].Confidence, dets[a].Confidence)
	})

	keep := make([]bool, len(dets))
	var kept []int
	for _, i := range order {
		duplicate := false
		for _, k := range kept {
			if facematch.ComputeIoU(dets[i].Box, dets[k].Box) > maxIoU {
				duplicate = true
				break
			}
		}
		if !duplicate {
			keep[i] = true
			kept = append(kept, i)
		}
	}

	out := make([]Detection, 0, len(kept))
	for i, d := range dets {
		if keep[i] {
			out = append(out, d)
		}
	}
	return out
}

// Best returns the most confident detection that passes minConfidence.
// The earliest detection wins on equal confidence.
func Best(dets []Detection, minConfidence float64) (Detection, bool) {
	var best Detection
	found := false
	for _, d := range Filter(dets, minConfidence) {
		if !found || d.Confidence > best.Confidence {
			best, found = d, true
		}
	}
	return best, found
}
