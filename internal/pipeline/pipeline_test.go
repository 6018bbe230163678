package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kozaktomas/face-attendance/internal/detector"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/matcher"
	"github.com/kozaktomas/face-attendance/internal/metrics"
	"github.com/kozaktomas/face-attendance/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	aliceColor = color.RGBA{R: 200, A: 255}
	bobColor   = color.RGBA{G: 200, A: 255}
	eveColor   = color.RGBA{B: 200, A: 255} // not enrolled
)

// placed is a painted face region and the confidence the fake detector reports for it.
type placed struct {
	rect       image.Rectangle
	color      color.RGBA
	confidence float64
}

var (
	aliceAt = placed{rect: image.Rect(40, 40, 120, 140), color: aliceColor, confidence: 0.97}
	bobAt   = placed{rect: image.Rect(180, 60, 260, 160), color: bobColor, confidence: 0.91}
	eveAt   = placed{rect: image.Rect(120, 150, 180, 230), color: eveColor, confidence: 0.88}
)

// scene paints faces onto a 320x240 frame, encodes it as PNG and returns the
// detections a perfect detector would report.
func scene(t *testing.T, faces ...placed) ([]byte, []detector.Detection) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 128, G: 128, B: 128, A: 255}}, image.Point{}, draw.Src)
	dets := make([]detector.Detection, 0, len(faces))
	for _, f := range faces {
		draw.Draw(img, f.rect, &image.Uniform{C: f.color}, image.Point{}, draw.Src)
		dets = append(dets, detector.Detection{Box: boxFromRect(f.rect), Confidence: f.confidence})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes(), dets
}

func boxFromRect(r image.Rectangle) facematch.Box {
	return facematch.Box{X1: float64(r.Min.X), Y1: float64(r.Min.Y), X2: float64(r.Max.X), Y2: float64(r.Max.Y)}
}

// sceneDetector answers with the detections registered for each encoded frame.
type sceneDetector struct {
	mu     sync.Mutex
	frames map[string][]detector.Detection
	calls  atomic.Int32
	err    error
}

func (d *sceneDetector) add(raw []byte, dets []detector.Detection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames == nil {
		d.frames = make(map[string][]detector.Detection)
	}
	d.frames[string(raw)] = dets
}

func (d *sceneDetector) Detect(_ context.Context, f detector.Frame) ([]detector.Detection, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.frames[string(f.Encoded)]), nil
}

// colorEmbedder maps the centre pixel colour of a crop to a fixed embedding.
type colorEmbedder struct {
	vectors map[color.RGBA][]float32
	fail    map[color.RGBA]error
	block   map[color.RGBA]bool
	calls   atomic.Int32
}

func (e *colorEmbedder) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	e.calls.Add(1)
	b := face.Bounds()
	c := color.RGBAModel.Convert(face.At(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2)).(color.RGBA)
	if e.block[c] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := e.fail[c]; err != nil {
		return nil, err
	}
	if v, ok := e.vectors[c]; ok {
		return slices.Clone(v), nil
	}
	return []float32{50, 50, 50}, nil
}

type fixture struct {
	pipeline *Pipeline
	registry *session.Registry
	detector *sceneDetector
	embedder *colorEmbedder
	metrics  *metrics.Pipeline
}

func newFixture(t *testing.T, policy session.Policy) *fixture {
	t.Helper()
	g, err := gallery.New([]gallery.Entry{
		{Label: "alice", Embedding: []float32{1, 0, 0}},
		{Label: "bob", Embedding: []float32{-1, 0, 0}},
	})
	require.NoError(t, err)

	m, err := metrics.NewPipeline(prometheus.NewRegistry())
	require.NoError(t, err)

	f := &fixture{
		registry: session.NewRegistry(),
		detector: &sceneDetector{},
		embedder: &colorEmbedder{
			vectors: map[color.RGBA][]float32{
				aliceColor: {1, 0.1, 0},
				bobColor:   {-1, 0, 0.2},
			},
		},
		metrics: m,
	}
	searcher := matcher.NewExact(g)
	f.pipeline, err = New(Options{
		Detector:      f.detector,
		Embedder:      embedder.WithTimeout(f.embedder, 100*time.Millisecond),
		Registry:      f.registry,
		Searcher:      func() matcher.Searcher { return searcher },
		Policy:        policy,
		Threshold:     0.6,
		MinConfidence: 0.5,
		Padding:       20,
		Metrics:       m,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) frame(t *testing.T, faces ...placed) []byte {
	raw, dets := scene(t, faces...)
	f.detector.add(raw, dets)
	return raw
}

// recorder collects notifications.
type recorder struct {
	mu     sync.Mutex
	labels []string
	err    error
}

func (r *recorder) notify(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, label)
	return r.err
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.labels)
}

func TestProcess_SessionScenario(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	ctx := context.Background()
	rec := &recorder{}

	both := f.frame(t, aliceAt, bobAt)
	labels := f.pipeline.Process(ctx, "S1", both, rec.notify)

	assert.ElementsMatch(t, []string{"alice", "bob"}, labels)
	assert.Equal(t, []string{"alice", "bob"}, rec.got(), "callback fires once per new identity, in detection order")
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.registry.Snapshot("S1"))

	aliceOnly := f.frame(t, aliceAt)
	labels = f.pipeline.Process(ctx, "S1", aliceOnly, rec.notify)

	assert.Equal(t, []string{"alice"}, labels, "already-seen identities are still reported")
	assert.Len(t, rec.got(), 2, "no callback for an already-seen identity")
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.registry.Snapshot("S1"))
}

func TestProcess_IdempotentAcrossFrames(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{}
	raw := f.frame(t, aliceAt)

	f.pipeline.Process(context.Background(), "S1", raw, rec.notify)
	after1 := f.registry.Snapshot("S1")
	for range 9 {
		f.pipeline.Process(context.Background(), "S1", raw, rec.notify)
	}

	assert.Equal(t, []string{"alice"}, rec.got())
	assert.Equal(t, after1, f.registry.Snapshot("S1"))
}

func TestProcess_SessionIsolation(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{}
	raw := f.frame(t, aliceAt)

	f.pipeline.Process(context.Background(), "S1", raw, rec.notify)
	assert.Empty(t, f.registry.Snapshot("S2"))

	f.pipeline.Process(context.Background(), "S2", raw, rec.notify)
	assert.Equal(t, []string{"alice", "alice"}, rec.got(), "each session announces alice once")
}

func TestProcess_ProcessPolicySharesScope(t *testing.T) {
	f := newFixture(t, session.PolicyProcess)
	rec := &recorder{}
	raw := f.frame(t, aliceAt)

	f.pipeline.Process(context.Background(), "S1", raw, rec.notify)
	f.pipeline.Process(context.Background(), "S2", raw, rec.notify)

	assert.Equal(t, []string{"alice"}, rec.got())
	assert.Equal(t, []string{"alice"}, f.registry.Snapshot(session.ProcessScope))
}

func TestProcess_MalformedFrame(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{}

	for name, raw := range map[string][]byte{
		"nil":       nil,
		"garbage":   []byte("definitely not an image"),
		"truncated": []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00},
	} {
		t.Run(name, func(t *testing.T) {
			labels := f.pipeline.Process(context.Background(), "S1", raw, rec.notify)
			assert.NotNil(t, labels)
			assert.Empty(t, labels)

			res := f.pipeline.ProcessDetailed(context.Background(), "S1", raw, rec.notify)
			assert.ErrorIs(t, res.Err, ErrDecode)
		})
	}
	assert.Zero(t, f.detector.calls.Load(), "detector must not run on undecodable frames")
	assert.Empty(t, rec.got())
	assert.Equal(t, float64(6), testutil.ToFloat64(f.metrics.FramesTotal.WithLabelValues(metrics.FrameDecodeError)))
}

func TestProcess_DegenerateBoxSkipped(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{}

	raw, dets := scene(t, aliceAt)
	// a box entirely right of the frame clamps to zero width
	dets = append([]detector.Detection{{Box: facematch.Box{X1: 400, Y1: 10, X2: 480, Y2: 90}, Confidence: 0.99}}, dets...)
	f.detector.add(raw, dets)

	res := f.pipeline.ProcessDetailed(context.Background(), "S1", raw, rec.notify)

	assert.Equal(t, []string{"alice"}, res.Labels())
	assert.Len(t, res.Faces, 1)
	assert.Equal(t, int32(1), f.embedder.calls.Load(), "degenerate crop must not be embedded")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FacesTotal.WithLabelValues(metrics.FaceDegenerate)))
}

func TestProcess_PaddedCropIsClamped(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	corner := placed{rect: image.Rect(0, 0, 60, 60), color: aliceColor, confidence: 0.9}

	res := f.pipeline.ProcessDetailed(context.Background(), "S1", f.frame(t, corner), nil)

	require.Len(t, res.Faces, 1)
	assert.Equal(t, image.Rect(0, 0, 80, 80), res.Faces[0].Crop)
	assert.True(t, res.Faces[0].Crop.In(res.Bounds))
}

func TestProcess_EmbeddingFailureSkipsOnlyThatFace(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	f.embedder.fail = map[color.RGBA]error{bobColor: errors.New("model crashed")}
	rec := &recorder{}

	res := f.pipeline.ProcessDetailed(context.Background(), "S1", f.frame(t, bobAt, aliceAt), rec.notify)

	assert.Equal(t, []string{"alice"}, res.Labels())
	assert.Equal(t, []string{"alice"}, rec.got())
	require.Len(t, res.Faces, 2)
	assert.ErrorIs(t, res.Faces[0].Err, embedder.ErrEmbedding)
	assert.False(t, res.Faces[0].Matched)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FacesTotal.WithLabelValues(metrics.FaceEmbedError)))
}

func TestProcess_EmbeddingTimeoutSkipsOnlyThatFace(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	f.embedder.block = map[color.RGBA]bool{aliceColor: true}
	rec := &recorder{}

	start := time.Now()
	res := f.pipeline.ProcessDetailed(context.Background(), "S1", f.frame(t, aliceAt, bobAt), rec.notify)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"bob"}, res.Labels())
	assert.ErrorIs(t, res.Faces[0].Err, embedder.ErrTimeout)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FacesTotal.WithLabelValues(metrics.FaceEmbedTimeout)))
}

func TestProcess_LowConfidenceDiscarded(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	faint := aliceAt
	faint.confidence = 0.3

	labels := f.pipeline.Process(context.Background(), "S1", f.frame(t, faint, bobAt), nil)

	assert.Equal(t, []string{"bob"}, labels)
	assert.Equal(t, int32(1), f.embedder.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FacesTotal.WithLabelValues(metrics.FaceLowConfidence)))
}

func TestProcess_DuplicateDetectionsEmbeddedOnce(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{}

	raw, dets := scene(t, aliceAt, bobAt)
	echo := dets[0]
	echo.Box.X1 += 4
	echo.Box.X2 += 4
	echo.Confidence = 0.8
	f.detector.add(raw, append(dets, echo))

	res := f.pipeline.ProcessDetailed(context.Background(), "S1", raw, rec.notify)

	assert.Equal(t, []string{"alice", "bob"}, res.Labels())
	assert.Equal(t, int32(2), f.embedder.calls.Load())
	assert.Equal(t, aliceAt.confidence, res.Faces[0].Confidence)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FacesTotal.WithLabelValues(metrics.FaceDuplicate)))
}

func TestProcess_UnknownFaceReportsDistance(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{}

	res := f.pipeline.ProcessDetailed(context.Background(), "S1", f.frame(t, eveAt), rec.notify)

	assert.Empty(t, res.Labels())
	assert.Empty(t, rec.got())
	require.Len(t, res.Faces, 1)
	assert.False(t, res.Faces[0].Matched)
	assert.Equal(t, matcher.NoMatch, res.Faces[0].Label)
	assert.Greater(t, res.Faces[0].Distance, 0.6)
	assert.Empty(t, f.registry.Snapshot("S1"))
}

func TestProcess_CallbackFailureKeepsMark(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{err: errors.New("database unavailable")}
	raw := f.frame(t, aliceAt)

	labels := f.pipeline.Process(context.Background(), "S1", raw, rec.notify)
	assert.Equal(t, []string{"alice"}, labels)

	rec.err = nil
	f.pipeline.Process(context.Background(), "S1", raw, rec.notify)

	assert.Equal(t, []string{"alice"}, rec.got(), "no redelivery after a failed callback")
	assert.Equal(t, []string{"alice"}, f.registry.Snapshot("S1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.NotificationsTotal.WithLabelValues("error")))
}

func TestProcess_DetectorFailure(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	f.detector.err = errors.New("detector offline")

	res := f.pipeline.ProcessDetailed(context.Background(), "S1", f.frame(t, aliceAt), nil)

	assert.Empty(t, res.Labels())
	assert.Error(t, res.Err)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FramesTotal.WithLabelValues(metrics.FrameDetectError)))
}

func TestProcess_EmptyGallery(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	empty := matcher.NewExact(gallery.Empty())
	f.pipeline.opts.Searcher = func() matcher.Searcher { return empty }

	labels := f.pipeline.Process(context.Background(), "S1", f.frame(t, aliceAt, bobAt), nil)
	assert.Empty(t, labels)
}

func TestProcess_RepeatedIdentityInOneFrame(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	rec := &recorder{}
	twin := placed{rect: image.Rect(200, 40, 280, 140), color: aliceColor, confidence: 0.9}

	labels := f.pipeline.Process(context.Background(), "S1", f.frame(t, aliceAt, twin), rec.notify)

	assert.Equal(t, []string{"alice", "alice"}, labels)
	assert.Equal(t, []string{"alice"}, rec.got())
}

func TestNew_Validation(t *testing.T) {
	base := newFixture(t, session.PolicySession).pipeline.opts

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"no detector", func(o *Options) { o.Detector = nil }},
		{"no embedder", func(o *Options) { o.Embedder = nil }},
		{"no registry", func(o *Options) { o.Registry = nil }},
		{"no searcher", func(o *Options) { o.Searcher = nil }},
		{"zero threshold", func(o *Options) { o.Threshold = 0 }},
		{"negative padding", func(o *Options) { o.Padding = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}
}

func TestPool_ConcurrentSameSessionRace(t *testing.T) {
	for _, k := range []int{2, 10, 100} {
		t.Run(fmt.Sprintf("K=%d", k), func(t *testing.T) {
			f := newFixture(t, session.PolicySession)
			pool := NewPool(f.pipeline, 8)
			defer pool.Close()

			raw := f.frame(t, aliceAt)
			var fired atomic.Int32
			onNew := func(string) error {
				fired.Add(1)
				return nil
			}

			var wg sync.WaitGroup
			start := make(chan struct{})
			for range k {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					res, err := pool.Submit(context.Background(), "S1", raw, onNew)
					assert.NoError(t, err)
					assert.Equal(t, []string{"alice"}, res.Labels())
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), fired.Load())
			assert.Equal(t, []string{"alice"}, f.registry.Snapshot("S1"))
		})
	}
}

func TestPool_DistinctSessionsRunConcurrently(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	pool := NewPool(f.pipeline, 4)
	defer pool.Close()

	raw := f.frame(t, aliceAt, bobAt)
	rec := &recorder{}
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Submit(context.Background(), fmt.Sprintf("S%d", i%5), raw, rec.notify)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, rec.got(), 10, "alice and bob once in each of five sessions")
	for i := range 5 {
		assert.ElementsMatch(t, []string{"alice", "bob"}, f.registry.Snapshot(fmt.Sprintf("S%d", i)))
	}
}

func TestPool_Closed(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	pool := NewPool(f.pipeline, 2)
	pool.Close()
	pool.Close() // idempotent

	_, err := pool.Submit(context.Background(), "S1", f.frame(t, aliceAt), nil)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_SubmitHonoursContextWhileQueued(t *testing.T) {
	f := newFixture(t, session.PolicySession)
	release := make(chan struct{})
	f.pipeline.opts.Detector = detector.Func(func(context.Context, detector.Frame) ([]detector.Detection, error) {
		<-release
		return nil, nil
	})
	pool := NewPool(f.pipeline, 1)
	raw := f.frame(t, aliceAt)

	// occupy the worker and fill the one-slot queue
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Submit(context.Background(), "S1", raw, nil)
		}()
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.Submit(ctx, "S1", raw, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
	pool.Close()
}
