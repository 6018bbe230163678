package matcher

import (
	"math"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/gallery"
)

const threshold = 0.6

func mustGallery(t *testing.T, entries ...gallery.Entry) *gallery.Gallery {
	t.Helper()
	g, err := gallery.New(entries)
	if err != nil {
		t.Fatalf("build gallery: %v", err)
	}
	return g
}

// aliceBob returns embeddings exactly 2.0 apart.
func aliceBob() (alice, bob []float32) {
	return []float32{1, 0, 0, 0}, []float32{-1, 0, 0, 0}
}

func TestEuclideanDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 0},
		{name: "3-4-5", a: []float32{0, 0}, b: []float32{3, 4}, want: 5},
		{name: "symmetric", a: []float32{3, 4}, b: []float32{0, 0}, want: 5},
		{name: "empty", a: []float32{}, b: []float32{}, want: 0},
		{name: "length mismatch", a: []float32{1}, b: []float32{1, 2}, want: math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EuclideanDistance(tt.a, tt.b)
			if math.IsInf(tt.want, 1) {
				if !math.IsInf(got, 1) {
					t.Errorf("expected +Inf, got %v", got)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassify_AliceBobScenario(t *testing.T) {
	alice, bob := aliceBob()
	g := mustGallery(t,
		gallery.Entry{Label: "alice", Embedding: alice},
		gallery.Entry{Label: "bob", Embedding: bob},
	)

	if d := EuclideanDistance(alice, bob); d != 2.0 {
		t.Fatalf("fixture distance should be 2.0, got %v", d)
	}

	t.Run("exact probe", func(t *testing.T) {
		r := Classify(alice, g, threshold)
		if r.Label != "alice" || r.Distance != 0 {
			t.Errorf("expected (alice, 0), got (%q, %v)", r.Label, r.Distance)
		}
	})

	t.Run("noisy probe", func(t *testing.T) {
		probe := []float32{1, 0.3, 0.4, 0} // noise norm 0.5
		r := Classify(probe, g, threshold)
		if r.Label != "alice" {
			t.Errorf("expected alice, got %q", r.Label)
		}
		if math.Abs(r.Distance-0.5) > 1e-6 {
			t.Errorf("expected distance 0.5, got %v", r.Distance)
		}
	})

	t.Run("midpoint", func(t *testing.T) {
		r := Classify([]float32{0, 0, 0, 0}, g, threshold)
		if r.Matched() {
			t.Errorf("expected no match, got %q", r.Label)
		}
		if r.Distance != 1.0 {
			t.Errorf("expected near-miss distance 1.0, got %v", r.Distance)
		}
		if r.Index != 0 {
			t.Errorf("expected nearest index 0 on tie, got %d", r.Index)
		}
	})
}

func TestClassify_ThresholdBoundary(t *testing.T) {
	g := mustGallery(t, gallery.Entry{Label: "alice", Embedding: []float32{0, 0}})

	tests := []struct {
		name      string
		probe     []float32
		threshold float64
		wantMatch bool
	}{
		{name: "distance equals threshold", probe: []float32{3, 4}, threshold: 5, wantMatch: false},
		{name: "just below", probe: []float32{3, 4}, threshold: 5.000001, wantMatch: true},
		{name: "just above", probe: []float32{3, 4}, threshold: 4.999999, wantMatch: false},
		{name: "zero distance zero threshold", probe: []float32{0, 0}, threshold: 0, wantMatch: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.probe, g, tt.threshold)
			if r.Matched() != tt.wantMatch {
				t.Errorf("expected matched=%v, got %v (distance %v)", tt.wantMatch, r.Matched(), r.Distance)
			}
		})
	}
}

func TestClassify_TieBreakEarliestEntry(t *testing.T) {
	g := mustGallery(t,
		gallery.Entry{Label: "first", Embedding: []float32{1, 0}},
		gallery.Entry{Label: "second", Embedding: []float32{-1, 0}},
		gallery.Entry{Label: "third", Embedding: []float32{0, 1}},
	)
	// (0, -0.25) is nowhere near third and equidistant from first and second
	r := Classify([]float32{0, -0.25}, g, 10)
	if r.Label != "first" || r.Index != 0 {
		t.Errorf("expected earliest entry to win the tie, got %q at %d", r.Label, r.Index)
	}
}

func TestClassify_EmptyGallery(t *testing.T) {
	for name, g := range map[string]*gallery.Gallery{
		"empty": gallery.Empty(),
		"nil":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			r := Classify([]float32{1, 2, 3}, g, threshold)
			if r.Matched() {
				t.Errorf("expected no match, got %q", r.Label)
			}
			if !math.IsInf(r.Distance, 1) || r.Index != -1 {
				t.Errorf("expected sentinel (+Inf, -1), got (%v, %d)", r.Distance, r.Index)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	alice, bob := aliceBob()
	g := mustGallery(t,
		gallery.Entry{Label: "alice", Embedding: alice},
		gallery.Entry{Label: "bob", Embedding: bob},
	)
	probe := []float32{0.8, 0.1, 0, 0}
	first := Classify(probe, g, threshold)
	for range 100 {
		if r := Classify(probe, g, threshold); r != first {
			t.Fatalf("classification changed between calls: %+v vs %+v", first, r)
		}
	}
}

func TestClassify_MultipleEntriesPerLabel(t *testing.T) {
	g := mustGallery(t,
		gallery.Entry{Label: "alice", Embedding: []float32{5, 5}},
		gallery.Entry{Label: "bob", Embedding: []float32{1, 1}},
		gallery.Entry{Label: "alice", Embedding: []float32{0, 0}},
	)
	r := Classify([]float32{0.1, 0}, g, threshold)
	if r.Label != "alice" || r.Index != 2 {
		t.Errorf("expected second alice reference to match, got %q at %d", r.Label, r.Index)
	}
}

func TestClassify_DimensionMismatchIsNoMatch(t *testing.T) {
	g := mustGallery(t, gallery.Entry{Label: "alice", Embedding: []float32{1, 0}})
	r := Classify([]float32{1, 0, 0}, g, threshold)
	if r.Matched() || !math.IsInf(r.Distance, 1) {
		t.Errorf("expected no match at +Inf, got %+v", r)
	}
}

func TestNewSearcher(t *testing.T) {
	g := gallery.Empty()
	for _, kind := range []string{"", KindExact, KindHNSW} {
		if _, err := NewSearcher(kind, g); err != nil {
			t.Errorf("kind %q: unexpected error %v", kind, err)
		}
	}
	if _, err := NewSearcher("kd-tree", g); err == nil {
		t.Error("expected error for unknown searcher")
	}
}
