// Package embedder turns face crops into fixed-length embeddings.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"
)

var (
	// ErrEmbedding is returned when an embedding could not be computed for one face.
	ErrEmbedding = errors.New("embedding failed")
	// ErrTimeout is returned when computing an embedding exceeded its deadline.
	ErrTimeout = errors.New("embedding timed out")
)

// Embedder computes the embedding of one face crop. Implementations must be safe
// for concurrent use and deterministic for identical input.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

// Func adapts a plain function to the Embedder interface.
type Func func(ctx context.Context, face image.Image) ([]float32, error)

func (f Func) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	return f(ctx, face)
}

// Crop returns the region r of img. Sub-images share pixels with img when the
// image type supports it, otherwise the region is copied.
func Crop(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// Resize scales img to a size x size square, the input shape of the embedding model.
func Resize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

type result struct {
	vec []float32
	err error
}

// WithTimeout bounds every Embed call on e by d and maps failures onto
// ErrTimeout and ErrEmbedding. The call returns at the deadline even if e ignores
// its context; the late result is discarded.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	return Func(func(ctx context.Context, face image.Image) ([]float32, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		done := make(chan result, 1)
		go func() {
			vec, err := e.Embed(ctx, face)
			done <- result{vec: vec, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				if errors.Is(r.err, context.DeadlineExceeded) {
					return nil, fmt.Errorf("%w after %v: %w", ErrTimeout, d, r.err)
				}
				return nil, fmt.Errorf("%w: %w", ErrEmbedding, r.err)
			}
			if len(r.vec) == 0 {
				return nil, fmt.Errorf("%w: empty vector", ErrEmbedding)
			}
			return r.vec, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %v", ErrTimeout, d)
			}
			return nil, fmt.Errorf("%w: %w", ErrEmbedding, ctx.Err())
		}
	})
}
