// Package pipeline runs detect, crop, embed, match, dedup and notify for one
// submitted frame.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/detector"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/session"
)

// Notifier is called synchronously, once per (session, label), when an identity is
// first recognized. A returned error is logged and counted; the mark is kept.
type Notifier func(label string) error

// FaceResult describes what happened to one detected face.
type FaceResult struct {
	Box        facematch.Box   // as reported by the detector
	Crop       image.Rectangle // padded and clamped region that was embedded
	Confidence float64
	Label      string // matcher.NoMatch unless Matched
	Distance   float64
	Matched    bool
	New        bool  // first recognition of Label in this session
	Err        error // embedding failure; the face was skipped
}

// FrameResult is the detailed outcome of one frame, for callers drawing overlays.
type FrameResult struct {
	TraceID string
	Bounds  image.Rectangle
	Faces   []FaceResult
	Err     error // decode or detect failure; Faces is empty
}

// Labels returns the matched labels in detection order, repeats included.
func (r FrameResult) Labels() []string {
	labels := []string{}
	for _, f := range r.Faces {
		if f.Matched {
			labels = append(labels, f.Label)
		}
	}
	return labels
}

// Options configure a Pipeline. Detector, Embedder, Registry and Searcher are required.
type Options struct {
	Detector detector.Detector
	Embedder embedder.Embedder
	Registry *session.Registry
	// Searcher returns the searcher over the current gallery. It is called once per
	// frame, so a reload never changes the gallery in the middle of a frame.
	Searcher func() matcher.Searcher
	Policy   session.Policy

	Threshold     float64
	MinConfidence float64
	Padding       int

	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

// Pipeline processes frames. It is safe for concurrent use.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case opts.Embedder == nil:
		return nil, errors.New("pipeline: embedder is required")
	case opts.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case opts.Searcher == nil:
		return nil, errors.New("pipeline: searcher is required")
	case opts.Threshold <= 0:
		return nil, fmt.Errorf("pipeline: threshold must be positive, got %v", opts.Threshold)
	case opts.Padding < 0:
		return nil, fmt.Errorf("pipeline: padding must not be negative, got %d", opts.Padding)
	}
	if opts.Policy == "" {
		opts.Policy = session.PolicySession
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{opts: opts, logger: logger.With("component", "pipeline")}, nil
}

// Process handles one frame for sessionID and returns the labels recognized in it,
// new or not. It never fails: undecodable frames and per-face failures simply
// contribute nothing. onNew may be nil.
func (p *Pipeline) Process(ctx context.Context, sessionID string, raw []byte, onNew Notifier) []string {
	return p.ProcessDetailed(ctx, sessionID, raw, onNew).Labels()
}

// ProcessDetailed is Process with per-face detail.
func (p *Pipeline) ProcessDetailed(ctx context.Context, sessionID string, raw []byte, onNew Notifier) FrameResult {
	start := time.Now()
	res := FrameResult{TraceID: uuid.NewString()}
	logger := p.logger.With("session", facematch.SanitizeLabel(sessionID), "trace_id", res.TraceID)

	img, format, err := Decode(raw)
	if err != nil {
		logger.Debug("dropping undecodable frame", "bytes", len(raw), "error", err)
		res.Err = err
		p.opts.Metrics.RecordFrame(metrics.FrameDecodeError, time.Since(start))
		return res
	}
	res.Bounds = img.Bounds()

	handle := p.opts.Registry.Ensure(p.opts.Policy.Key(sessionID))
	searcher := p.opts.Searcher()

	dets, err := p.opts.Detector.Detect(ctx, detector.Frame{Image: img, Encoded: raw})
	if err != nil {
		logger.Warn("face detection failed", "format", format, "error", err)
		res.Err = err
		p.opts.Metrics.RecordFrame(metrics.FrameDetectError, time.Since(start))
		return res
	}
	confident := detector.Filter(dets, p.opts.MinConfidence)
	for range len(dets) - len(confident) {
		p.opts.Metrics.RecordFace(metrics.FaceLowConfidence)
	}
	// one face reported twice by the detector is embedded once
	kept := detector.Suppress(confident, detector.DuplicateIoU)
	for range len(confident) - len(kept) {
		p.opts.Metrics.RecordFace(metrics.FaceDuplicate)
	}

	for i, det := range kept {
		face, ok := p.processFace(ctx, logger.With("face", i), img, det, searcher)
		if !ok {
			continue
		}
		if face.Matched && handle.MarkIfNew(face.Label) {
			face.New = true
			p.notify(logger, face.Label, onNew)
		}
		res.Faces = append(res.Faces, face)
	}

	p.opts.Metrics.RecordFrame(metrics.FrameOK, time.Since(start))
	logger.Debug("frame processed",
		"format", format,
		"detections", len(dets),
		"faces", len(res.Faces),
		"duration", time.Since(start))
	return res
}

// processFace crops, embeds and classifies one detection. ok is false for
// degenerate crops, which are dropped from the result entirely.
func (p *Pipeline) processFace(ctx context.Context, logger *slog.Logger, img image.Image,
	det detector.Detection, searcher matcher.Searcher) (FaceResult, bool) {
	face := FaceResult{Box: det.Box, Confidence: det.Confidence, Label: matcher.NoMatch}

	crop, ok := facematch.PadAndClamp(det.Box, p.opts.Padding, img.Bounds())
	if !ok {
		logger.Debug("skipping degenerate face box", "box", det.Box)
		p.opts.Metrics.RecordFace(metrics.FaceDegenerate)
		return face, false
	}
	face.Crop = crop

	probe, err := p.opts.Embedder.Embed(ctx, embedder.Crop(img, crop))
	if err != nil {
		logger.Warn("skipping face, embedding failed", "crop", crop, "error", err)
		p.opts.Metrics.RecordEmbedFailure(err)
		face.Err = err
		return face, true
	}

	r := matcher.Match(searcher, probe, p.opts.Threshold)
	p.opts.Metrics.RecordDistance(r.Distance)
	face.Distance = r.Distance
	if !r.Matched() {
		logger.Debug("no match", "nearest_distance", r.Distance, "threshold", p.opts.Threshold)
		p.opts.Metrics.RecordFace(metrics.FaceUnmatched)
		return face, true
	}
	face.Label = r.Label
	face.Matched = true
	p.opts.Metrics.RecordFace(metrics.FaceMatched)
	return face, true
}

func (p *Pipeline) notify(logger *slog.Logger, label string, onNew Notifier) {
	safe := facematch.SanitizeLabel(label)
	logger.Info("identity recognized", "label", safe)
	if onNew == nil {
		return
	}
	err := onNew(label)
	p.opts.Metrics.RecordNotification(err)
	if err != nil {
		// the mark stays; the identity will not be announced again in this session
		logger.Error("first-seen notification failed", "label", safe, "error", err)
	}
}
