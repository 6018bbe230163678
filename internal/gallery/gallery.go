// Package gallery holds the known-identity reference embeddings that probes are
// matched against, and the machinery to load and atomically replace them.
package gallery

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when every configured source failed to load.
	ErrUnavailable = errors.New("gallery unavailable")
	// ErrInvalidEntry is returned for entries with an empty label or a mismatched embedding length.
	ErrInvalidEntry = errors.New("invalid gallery entry")
)

// Entry is one reference embedding for an identity. A label may appear in many entries.
type Entry struct {
	Label     string
	Embedding []float32
}

// Gallery is an immutable, ordered set of entries with a single embedding length.
type Gallery struct {
	entries []Entry
	dim     int
}

// New validates entries and copies them into a new Gallery.
// Insertion order is preserved; it decides ties during matching.
func New(entries []Entry) (*Gallery, error) {
	g := &Gallery{entries: make([]Entry, 0, len(entries))}
	for i, e := range entries {
		if e.Label == "" {
			return nil, fmt.Errorf("%w: entry %d has an empty label", ErrInvalidEntry, i)
		}
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("%w: entry %d (%s) has an empty embedding", ErrInvalidEntry, i, e.Label)
		}
		if g.dim == 0 {
			g.dim = len(e.Embedding)
		} else if len(e.Embedding) != g.dim {
			return nil, fmt.Errorf("%w: entry %d (%s) has %d dimensions, expected %d",
				ErrInvalidEntry, i, e.Label, len(e.Embedding), g.dim)
		}
		vec := make([]float32, len(e.Embedding))
		copy(vec, e.Embedding)
		g.entries = append(g.entries, Entry{Label: e.Label, Embedding: vec})
	}
	return g, nil
}

// Empty returns a gallery with no entries. Every probe against it is a "no match".
func Empty() *Gallery {
	return &Gallery{}
}

// Len returns the number of entries.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Dim returns the embedding length shared by all entries, or 0 for an empty gallery.
func (g *Gallery) Dim() int {
	if g == nil {
		return 0
	}
	return g.dim
}

// At returns the label and embedding of entry i.
// The returned slice is owned by the gallery and must not be modified.
func (g *Gallery) At(i int) (string, []float32) {
	e := g.entries[i]
	return e.Label, e.Embedding
}

// Entries returns a deep copy of all entries.
func (g *Gallery) Entries() []Entry {
	if g == nil {
		return nil
	}
	out := make([]Entry, len(g.entries))
	for i, e := range g.entries {
		vec := make([]float32, len(e.Embedding))
		copy(vec, e.Embedding)
		out[i] = Entry{Label: e.Label, Embedding: vec}
	}
	return out
}

// Labels returns the distinct labels in first-insertion order.
func (g *Gallery) Labels() []string {
	if g == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(g.entries))
	var labels []string
	for _, e := range g.entries {
		if _, ok := seen[e.Label]; ok {
			continue
		}
		seen[e.Label] = struct{}{}
		labels = append(labels, e.Label)
	}
	return labels
}

// Counts returns the number of reference embeddings per label.
func (g *Gallery) Counts() map[string]int {
	counts := make(map[string]int)
	if g == nil {
		return counts
	}
	for _, e := range g.entries {
		counts[e.Label]++
	}
	return counts
}
