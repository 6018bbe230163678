package detector

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"

	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/inference"
)

// HTTP runs detection on the inference service.
type HTTP struct {
	client *inference.Client
	logger *slog.Logger
}

func NewHTTP(client *inference.Client, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{client: client, logger: logger.With("component", "detector")}
}

func (h *HTTP) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	data := frame.Encoded
	if len(data) == 0 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		data = buf.Bytes()
	}

	resp, err := h.client.DetectFaces(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	dets := make([]Detection, 0, len(resp.Faces))
	for i, f := range resp.Faces {
		if len(f.BBox) != 4 {
			h.logger.Warn("ignoring face with malformed bbox", "index", i, "bbox", f.BBox)
			continue
		}
		dets = append(dets, Detection{
			Box:        facematch.Box{X1: f.BBox[0], Y1: f.BBox[1], X2: f.BBox[2], Y2: f.BBox[3]},
			Confidence: f.DetScore,
		})
	}
	return dets, nil
}
