package embedder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/kozaktomas/face-attendance/internal/inference"
)

// HTTP computes embeddings on the inference service. Crops are resized to the
// model input size and uploaded as JPEG.
type HTTP struct {
	client   *inference.Client
	cropSize int
}

func NewHTTP(client *inference.Client, cropSize int) *HTTP {
	return &HTTP{client: client, cropSize: cropSize}
}

func (h *HTTP) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	resized := Resize(face, h.cropSize)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode face crop: %w", err)
	}

	vec, err := h.client.EmbedFaceCrop(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("embed face crop: %w", err)
	}
	return vec, nil
}
