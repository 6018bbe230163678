// Package attendance wires the gallery, session registry and frame pipeline into
// the service that applications call.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/detector"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/notify"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
	"github.com/kozaktomas/face-attendance/internal/session"
)

// AbsenceRecorder marks the gallery identities that were never seen in a
// session once it ends.
type AbsenceRecorder interface {
	MarkAbsent(ctx context.Context, sessionID string, labels []string) error
}

type Options struct {
	Holder   *gallery.Holder
	Detector detector.Detector
	// Embedder is wrapped with Recognition.EmbedTimeout.
	Embedder    embedder.Embedder
	Recognition config.RecognitionConfig

	// Sink receives a first-seen event for every new (session, label).
	Sink notify.Sink
	// Absences, when set, is told which identities were absent on EndSession.
	Absences AbsenceRecorder

	Metrics *metrics.Pipeline
	Logger  *slog.Logger
}

// searcherRef lets an interface value live behind an atomic.Pointer.
type searcherRef struct {
	matcher.Searcher
}

// Service is safe for concurrent use by any number of callers.
type Service struct {
	holder   *gallery.Holder
	registry *session.Registry
	policy   session.Policy
	pipeline *pipeline.Pipeline
	pool     *pipeline.Pool
	searcher atomic.Pointer[searcherRef]
	kind     string

	sink     notify.Sink
	absences AbsenceRecorder
	metrics  *metrics.Pipeline
	logger   *slog.Logger
}

func New(opts Options) (*Service, error) {
	if opts.Holder == nil {
		return nil, errors.New("attendance: gallery holder is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("attendance: embedder is required")
	}
	policy, err := session.ParsePolicy(opts.Recognition.Dedup)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		holder:   opts.Holder,
		registry: session.NewRegistry(),
		policy:   policy,
		kind:     opts.Recognition.Matcher,
		sink:     opts.Sink,
		absences: opts.Absences,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "attendance"),
	}
	initial, err := matcher.NewSearcher(s.kind, opts.Holder.Current())
	if err != nil {
		return nil, err
	}
	s.searcher.Store(&searcherRef{initial})
	opts.Holder.OnSwap(s.rebuildSearcher)

	emb := opts.Embedder
	if opts.Recognition.EmbedTimeout > 0 {
		emb = embedder.WithTimeout(emb, opts.Recognition.EmbedTimeout)
	}
	s.pipeline, err = pipeline.New(pipeline.Options{
		Detector:      opts.Detector,
		Embedder:      emb,
		Registry:      s.registry,
		Searcher:      s.Searcher,
		Policy:        policy,
		Threshold:     opts.Recognition.Threshold,
		MinConfidence: opts.Recognition.MinConfidence,
		Padding:       opts.Recognition.Padding,
		Metrics:       opts.Metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	s.pool = pipeline.NewPool(s.pipeline, opts.Recognition.Workers)
	return s, nil
}

// rebuildSearcher runs on every gallery swap, before any frame can observe
// the new gallery through Searcher.
func (s *Service) rebuildSearcher(g *gallery.Gallery) {
	next, err := matcher.NewSearcher(s.kind, g)
	if err != nil {
		// kind was validated in New
		s.logger.Error("rebuild searcher", "error", err)
		return
	}
	s.searcher.Store(&searcherRef{next})
	s.metrics.RecordGalleryReload(g.Len(), nil)
}

// Searcher returns the searcher over the current gallery.
func (s *Service) Searcher() matcher.Searcher {
	return s.searcher.Load().Searcher
}

// Gallery returns the active gallery snapshot.
func (s *Service) Gallery() *gallery.Gallery {
	return s.Searcher().Gallery()
}

// Process recognizes the faces of one encoded frame for sessionID and returns
// the matched labels. onNew, which may be nil, runs together with the
// configured sink exactly once per newly recognized label.
func (s *Service) Process(ctx context.Context, sessionID string, raw []byte, onNew pipeline.Notifier) []string {
	return s.ProcessDetailed(ctx, sessionID, raw, onNew).Labels()
}

// ProcessDetailed is Process with per-face results. Frames run on the worker
// pool; if ctx ends before a worker is free the result is empty with Err set.
func (s *Service) ProcessDetailed(ctx context.Context, sessionID string, raw []byte, onNew pipeline.Notifier) pipeline.FrameResult {
	res, err := s.pool.Submit(ctx, sessionID, raw, s.notifier(ctx, sessionID, onNew))
	if err != nil {
		s.logger.Warn("frame not processed", "session", facematch.SanitizeLabel(sessionID), "error", err)
		return pipeline.FrameResult{Err: err}
	}
	s.metrics.SetActiveSessions(s.registry.Len())
	return res
}

func (s *Service) notifier(ctx context.Context, sessionID string, onNew pipeline.Notifier) pipeline.Notifier {
	// the frame outlives a cancelled submitter once a worker has it
	toSink := notify.Callback(context.WithoutCancel(ctx), sessionID, s.sink)
	switch {
	case toSink == nil:
		return onNew
	case onNew == nil:
		return toSink
	}
	return func(label string) error {
		return errors.Join(toSink(label), onNew(label))
	}
}

// ReloadGallery reloads the gallery from its sources and returns the new entry
// count. On failure the previous gallery stays active.
func (s *Service) ReloadGallery(ctx context.Context) (int, error) {
	g, err := s.holder.Reload(ctx)
	if err != nil {
		s.metrics.RecordGalleryReload(0, err)
		return s.holder.Current().Len(), err
	}
	return g.Len(), nil
}

// WatchGallery reloads the gallery whenever the file at path changes, until ctx ends.
func (s *Service) WatchGallery(ctx context.Context, path string, debounce time.Duration) error {
	return gallery.Watch(ctx, s.holder, path, debounce)
}

// RecognizedSnapshot returns a copy of the labels recognized so far in
// sessionID, in first-seen order. Unknown sessions yield an empty slice.
func (s *Service) RecognizedSnapshot(sessionID string) []string {
	return s.registry.Snapshot(s.policy.Key(sessionID))
}

// EndSession evicts the session and returns its final snapshot. With the
// process dedup policy every session id shares one scope, so ending any of
// them ends it for all. When an AbsenceRecorder is configured the gallery
// identities missing from the snapshot are reported absent.
func (s *Service) EndSession(ctx context.Context, sessionID string) ([]string, error) {
	key := s.policy.Key(sessionID)
	seen, ok := s.registry.End(key)
	s.metrics.SetActiveSessions(s.registry.Len())
	if !ok {
		seen = []string{}
	}
	s.logger.Info("session ended", "session", facematch.SanitizeLabel(sessionID), "present", len(seen))

	if s.absences == nil {
		return seen, nil
	}
	absent := Absent(s.holder.Current(), seen)
	if len(absent) == 0 {
		return seen, nil
	}
	if err := s.absences.MarkAbsent(ctx, sessionID, absent); err != nil {
		return seen, fmt.Errorf("mark %d absent: %w", len(absent), err)
	}
	return seen, nil
}

// Absent returns the labels of g that are not in present, in gallery order.
func Absent(g *gallery.Gallery, present []string) []string {
	absent := []string{}
	for _, label := range g.Labels() {
		if !slices.Contains(present, label) {
			absent = append(absent, label)
		}
	}
	return absent
}

// Sessions lists the ids of the sessions currently tracked.
func (s *Service) Sessions() []string {
	return s.registry.IDs()
}

// Close drains the worker pool. Frames submitted afterwards come back empty
// with pipeline.ErrPoolClosed.
func (s *Service) Close() {
	s.pool.Close()
}
