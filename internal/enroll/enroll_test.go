package enroll

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/detector"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// writePhoto stores a 100x100 PNG whose left half is left and right half is right.
func writePhoto(t *testing.T, path string, left, right color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := range 100 {
		for x := range 100 {
			if x < 50 {
				img.SetRGBA(x, y, left)
			} else {
				img.SetRGBA(x, y, right)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

var (
	red   = color.RGBA{255, 0, 0, 255}
	green = color.RGBA{0, 255, 0, 255}
	blue  = color.RGBA{0, 0, 255, 255}
	black = color.RGBA{0, 0, 0, 255}
)

// halvesDetector reports the left half at 0.6 and the right half at 0.9.
// Photos whose left half is black have no face.
var halvesDetector = detector.Func(func(_ context.Context, f detector.Frame) ([]detector.Detection, error) {
	if c := color.RGBAModel.Convert(f.Image.At(10, 10)).(color.RGBA); c == black {
		return nil, nil
	}
	return []detector.Detection{
		{Box: facematch.Box{X1: 10, Y1: 10, X2: 40, Y2: 90}, Confidence: 0.6},
		{Box: facematch.Box{X1: 60, Y1: 10, X2: 90, Y2: 90}, Confidence: 0.9},
	}, nil
})

// colorEmbedder returns the colour at the crop centre as the embedding.
var colorEmbedder = embedder.Func(func(_ context.Context, face image.Image) ([]float32, error) {
	b := face.Bounds()
	c := color.RGBAModel.Convert(face.At((b.Min.X+b.Max.X)/2, (b.Min.Y+b.Max.Y)/2)).(color.RGBA)
	return []float32{float32(c.R) / 255, float32(c.G) / 255, float32(c.B) / 255}, nil
})

type recordingStore struct {
	calls map[string][][]float32
	err   error
}

func (s *recordingStore) ReplaceLabel(_ context.Context, label string, vecs [][]float32) error {
	if s.err != nil {
		return s.err
	}
	if s.calls == nil {
		s.calls = map[string][][]float32{}
	}
	s.calls[label] = vecs
	return nil
}

func newEnroller(t *testing.T, store Store) *Enroller {
	t.Helper()
	e, err := New(Options{
		Detector:      halvesDetector,
		Embedder:      colorEmbedder,
		MinConfidence: 0.5,
		Padding:       5,
		Store:         store,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writePhoto(t, filepath.Join(dir, "alice", "2.png"), red, green)
	writePhoto(t, filepath.Join(dir, "alice", "1.jpg"), red, green)
	if err := os.WriteFile(filepath.Join(dir, "alice", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "bob"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	people, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(people) != 2 {
		t.Fatalf("expected 2 people, got %d", len(people))
	}
	if people[0].Name != "alice" || len(people[0].Images) != 2 {
		t.Errorf("unexpected alice entry: %+v", people[0])
	}
	if filepath.Base(people[0].Images[0]) != "1.jpg" {
		t.Errorf("expected images in name order, got %v", people[0].Images)
	}
	if people[1].Name != "bob" || len(people[1].Images) != 0 {
		t.Errorf("unexpected bob entry: %+v", people[1])
	}

	if _, err := Scan(t.TempDir()); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData for an empty directory, got %v", err)
	}
}

func TestEmbedImage_PicksMostConfidentFace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.png")
	writePhoto(t, path, red, blue)

	vec, conf, err := newEnroller(t, nil).EmbedImage(context.Background(), path)
	if err != nil {
		t.Fatalf("EmbedImage: %v", err)
	}
	if conf != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", conf)
	}
	if vec[2] != 1 || vec[0] != 0 {
		t.Errorf("expected the blue right-hand face, got %v", vec)
	}
}

func TestEmbedImage_Failures(t *testing.T) {
	dir := t.TempDir()
	noFace := filepath.Join(dir, "empty.png")
	writePhoto(t, noFace, black, black)
	garbage := filepath.Join(dir, "garbage.png")
	if err := os.WriteFile(garbage, []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newEnroller(t, nil)
	if _, _, err := e.EmbedImage(context.Background(), noFace); !errors.Is(err, ErrNoFace) {
		t.Errorf("expected ErrNoFace, got %v", err)
	}
	if _, _, err := e.EmbedImage(context.Background(), garbage); err == nil {
		t.Error("expected decode error")
	}
	if _, _, err := e.EmbedImage(context.Background(), filepath.Join(dir, "missing.png")); err == nil {
		t.Error("expected read error")
	}
}

func TestRun_ReplacesReEnrolledPeople(t *testing.T) {
	dir := t.TempDir()
	writePhoto(t, filepath.Join(dir, "Alice", "1.png"), red, green)
	writePhoto(t, filepath.Join(dir, "Alice", "2.png"), black, black) // no face
	writePhoto(t, filepath.Join(dir, "dave", "1.png"), red, blue)
	if err := os.MkdirAll(filepath.Join(dir, "bob"), 0o755); err != nil {
		t.Fatal(err)
	}

	existing := []gallery.Entry{
		{Label: "alice", Embedding: []float32{9, 9, 9}},
		{Label: "bob", Embedding: []float32{8, 8, 8}},
		{Label: "carol", Embedding: []float32{7, 7, 7}},
	}
	store := &recordingStore{}
	var seen []ImageResult
	e := newEnroller(t, store)
	e.opts.OnImage = func(r ImageResult) { seen = append(seen, r) }

	merged, rep, err := e.Run(context.Background(), dir, existing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.People != 2 || rep.Images != 3 || rep.Encoded != 2 || rep.Replaced != 1 {
		t.Errorf("unexpected report %+v", rep)
	}
	if len(rep.Failures) != 1 || !errors.Is(rep.Failures[0].Err, ErrNoFace) {
		t.Errorf("expected one ErrNoFace failure, got %+v", rep.Failures)
	}
	if len(seen) != 3 {
		t.Errorf("expected a progress callback per photo, got %d", len(seen))
	}

	labels := make([]string, len(merged))
	for i, en := range merged {
		labels[i] = en.Label
	}
	want := []string{"bob", "carol", "Alice", "dave"}
	if len(labels) != len(want) {
		t.Fatalf("expected labels %v, got %v", want, labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("expected labels %v, got %v", want, labels)
			break
		}
	}
	if g, err := gallery.New(merged); err != nil || g.Len() != 4 {
		t.Errorf("merged entries should form a valid gallery: %v", err)
	}

	if len(store.calls) != 2 || len(store.calls["Alice"]) != 1 || len(store.calls["dave"]) != 1 {
		t.Errorf("unexpected store calls %v", store.calls)
	}
	if existing[0].Label != "alice" {
		t.Error("Run must not modify the existing slice")
	}
}

func TestRun_KeepsPreviousEntriesWhenNothingEncodes(t *testing.T) {
	dir := t.TempDir()
	writePhoto(t, filepath.Join(dir, "alice", "1.png"), black, black)

	existing := []gallery.Entry{{Label: "alice", Embedding: []float32{1, 1, 1}}}
	merged, rep, err := newEnroller(t, nil).Run(context.Background(), dir, existing)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(merged) != 1 || merged[0].Embedding[0] != 1 {
		t.Errorf("expected the old alice entry to survive, got %+v", merged)
	}
	if rep.Encoded != 0 || rep.Replaced != 0 {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestRun_StoreError(t *testing.T) {
	dir := t.TempDir()
	writePhoto(t, filepath.Join(dir, "alice", "1.png"), red, green)

	storeErr := errors.New("database is read-only")
	_, _, err := newEnroller(t, &recordingStore{err: storeErr}).Run(context.Background(), dir, nil)
	if !errors.Is(err, storeErr) {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestReplace(t *testing.T) {
	entries := []gallery.Entry{
		{Label: "Jan Novák", Embedding: []float32{1}},
		{Label: "eva", Embedding: []float32{2}},
		{Label: "jan-novak", Embedding: []float32{3}},
	}
	out, removed := Replace(entries, "jan_novak", [][]float32{{4}, {5}})
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if len(out) != 3 || out[0].Label != "eva" || out[1].Label != "jan_novak" || out[2].Embedding[0] != 5 {
		t.Errorf("unexpected result %+v", out)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Embedder: colorEmbedder}); err == nil {
		t.Error("expected error without detector")
	}
	if _, err := New(Options{Detector: halvesDetector}); err == nil {
		t.Error("expected error without embedder")
	}
}
