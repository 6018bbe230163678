// Package enroll builds gallery entries from a directory of labelled photos
// laid out as <dir>/<person>/<image>.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/kozaktomas/face-attendance/internal/detector"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/frames"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
)

var (
	ErrNoFace = errors.New("no face detected")
	ErrNoData = errors.New("no person directories found")
)

// Person is one sub-directory of the enrollment root.
type Person struct {
	Name   string
	Images []string
}

// Scan lists the person directories under dir and the image files inside each.
// os.ReadDir sorts by name, so people and their images come back in name order; directories without images are kept with
// an empty Images slice so callers can report them.
func Scan(dir string) ([]Person, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read enrollment directory: %w", err)
	}
	var people []Person
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := Person{Name: e.Name()}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		for _, f := range files {
			if !f.IsDir() && frames.IsImageFile(f.Name()) {
				p.Images = append(p.Images, filepath.Join(dir, e.Name(), f.Name()))
			}
		}
		people = append(people, p)
	}
	if len(people) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoData, dir)
	}
	return people, nil
}

// ImageResult is the outcome for one enrollment photo.
type ImageResult struct {
	Person     string
	Path       string
	Confidence float64
	Err        error
}

// Store persists the references of one person, replacing what it held before.
type Store interface {
	ReplaceLabel(ctx context.Context, label string, embeddings [][]float32) error
}

type Options struct {
	Detector      detector.Detector
	Embedder      embedder.Embedder
	MinConfidence float64
	Padding       int
	Logger        *slog.Logger

	// Store, when set, receives every person that produced at least one embedding.
	Store Store
	// OnImage is called after each photo, for progress reporting.
	OnImage func(ImageResult)
}

type Enroller struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Enroller, error) {
	if opts.Detector == nil || opts.Embedder == nil {
		return nil, errors.New("enroll: detector and embedder are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Enroller{opts: opts, logger: logger.With("component", "enroll")}, nil
}

// Report summarises a run.
type Report struct {
	People   int
	Images   int
	Encoded  int
	Replaced int // previous entries removed for re-enrolled people
	Failures []ImageResult
}

// EmbedImage detects the most confident face of one photo and embeds it with
// the same padding and crop rules as live recognition.
func (e *Enroller) EmbedImage(ctx context.Context, path string) ([]float32, float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	img, _, err := pipeline.Decode(raw)
	if err != nil {
		return nil, 0, err
	}
	dets, err := e.opts.Detector.Detect(ctx, detector.Frame{Image: img, Encoded: raw})
	if err != nil {
		return nil, 0, fmt.Errorf("detect: %w", err)
	}
	best, ok := detector.Best(dets, e.opts.MinConfidence)
	if !ok {
		return nil, 0, ErrNoFace
	}
	crop, ok := facematch.PadAndClamp(best.Box, e.opts.Padding, img.Bounds())
	if !ok {
		return nil, best.Confidence, ErrNoFace
	}
	vec, err := e.opts.Embedder.Embed(ctx, embedder.Crop(img, crop))
	if err != nil {
		return nil, best.Confidence, err
	}
	return vec, best.Confidence, nil
}

// EnrollPerson embeds every photo of p. Failed photos are reported, not fatal.
func (e *Enroller) EnrollPerson(ctx context.Context, p Person) ([][]float32, []ImageResult) {
	var (
		vecs    [][]float32
		results []ImageResult
	)
	for _, path := range p.Images {
		if ctx.Err() != nil {
			break
		}
		vec, conf, err := e.EmbedImage(ctx, path)
		r := ImageResult{Person: p.Name, Path: path, Confidence: conf, Err: err}
		if err != nil {
			e.logger.Warn("photo not enrolled", "person", facematch.SanitizeLabel(p.Name),
				"file", filepath.Base(path), "error", err)
		} else {
			vecs = append(vecs, vec)
		}
		results = append(results, r)
		if e.opts.OnImage != nil {
			e.opts.OnImage(r)
		}
	}
	return vecs, results
}

// Run enrolls every person under dir and merges the result into existing.
// A person's previous entries are replaced only when at least one new
// embedding was produced for them; people whose photos all fail keep theirs.
func (e *Enroller) Run(ctx context.Context, dir string, existing []gallery.Entry) ([]gallery.Entry, Report, error) {
	people, err := Scan(dir)
	if err != nil {
		return nil, Report{}, err
	}

	merged := slices.Clone(existing)
	var rep Report
	for _, p := range people {
		if err := ctx.Err(); err != nil {
			return nil, rep, err
		}
		if len(p.Images) == 0 {
			e.logger.Warn("no images found", "person", facematch.SanitizeLabel(p.Name))
			continue
		}
		rep.People++
		rep.Images += len(p.Images)

		vecs, results := e.EnrollPerson(ctx, p)
		for _, r := range results {
			if r.Err != nil {
				rep.Failures = append(rep.Failures, r)
			}
		}
		if len(vecs) == 0 {
			continue
		}
		rep.Encoded += len(vecs)

		var removed int
		merged, removed = Replace(merged, p.Name, vecs)
		rep.Replaced += removed

		if e.opts.Store != nil {
			if err := e.opts.Store.ReplaceLabel(ctx, p.Name, vecs); err != nil {
				return nil, rep, fmt.Errorf("store %s: %w", p.Name, err)
			}
		}
		e.logger.Info("person enrolled", "person", facematch.SanitizeLabel(p.Name),
			"encodings", len(vecs), "replaced", removed)
	}
	return merged, rep, nil
}

// Replace drops every entry whose label normalizes to the same form as label
// and appends the new embeddings under label. It returns the number removed.
func Replace(entries []gallery.Entry, label string, vecs [][]float32) ([]gallery.Entry, int) {
	key := facematch.NormalizeLabel(label)
	out := make([]gallery.Entry, 0, len(entries)+len(vecs))
	for _, en := range entries {
		if facematch.NormalizeLabel(en.Label) != key {
			out = append(out, en)
		}
	}
	removed := len(entries) - len(out)
	for _, v := range vecs {
		out = append(out, gallery.Entry{Label: label, Embedding: v})
	}
	return out, removed
}
