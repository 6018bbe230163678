package frames

import (
	"bytes"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// DifferenceHash computes a 64-bit dHash: the image is shrunk to 9x8 grey
// pixels and each bit records whether a pixel is brighter than its right neighbour.
func DifferenceHash(img image.Image) uint64 {
	small := image.NewRGBA(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if luma(small.RGBAAt(x, y)) > luma(small.RGBAAt(x+1, y)) {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

func luma(c color.RGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}

// HammingDistance counts the differing bits of two hashes.
func HammingDistance(a, b uint64) int {
	xor := a ^ b
	distance := 0
	for xor != 0 {
		distance++
		xor &= xor - 1 // clear lowest set bit
	}
	return distance
}

// Sampler decides which frames of a stream are worth recognizing.
//
// Every keeps one frame in Every (1 keeps all). When SimilarBits is positive a
// kept frame is still dropped if its dHash is within SimilarBits of the last
// frame that was submitted, which skips a static camera view. A zero Sampler
// keeps everything. Sampler is not safe for concurrent use.
type Sampler struct {
	Every       int
	SimilarBits int

	// Decode turns frame bytes into an image for hashing. Frames it fails on
	// are kept so the pipeline can account for them.
	Decode func([]byte) (image.Image, error)

	last    uint64
	hasLast bool
}

// Keep reports whether f should be submitted.
func (s *Sampler) Keep(f Frame) bool {
	if s.Every > 1 && f.Index%s.Every != 0 {
		return false
	}
	if s.SimilarBits <= 0 {
		return true
	}

	decode := s.Decode
	if decode == nil {
		decode = func(b []byte) (image.Image, error) {
			img, _, err := image.Decode(bytes.NewReader(b))
			return img, err
		}
	}
	img, err := decode(f.Data)
	if err != nil {
		return true
	}
	h := DifferenceHash(img)
	if s.hasLast && HammingDistance(h, s.last) <= s.SimilarBits {
		return false
	}
	s.last, s.hasLast = h, true
	return true
}
