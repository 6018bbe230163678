package database

import (
	"context"
	"time"

	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// GalleryReader provides read-only access to enrolled face encodings
type GalleryReader interface {
	gallery.Source
	// ListLabels returns every enrolled label with its number of encodings, by label
	ListLabels(ctx context.Context) ([]LabelCount, error)
	// Count returns the total number of encodings stored
	Count(ctx context.Context) (int, error)
	// Nearest returns up to limit encodings closest to probe by Euclidean distance
	Nearest(ctx context.Context, probe []float32, limit int) ([]Neighbor, error)
}

// GalleryWriter provides write access to enrolled face encodings
type GalleryWriter interface {
	GalleryReader

	// ReplaceLabel removes every encoding whose label normalizes like label
	// and stores embeddings under label, in one transaction.
	ReplaceLabel(ctx context.Context, label string, embeddings [][]float32) error

	// Import stores records in order. With replace set the table is emptied first.
	Import(ctx context.Context, records []gallery.Record, replace bool) (int, error)

	// DeleteLabel removes a person and returns the number of encodings deleted.
	DeleteLabel(ctx context.Context, label string) (int, error)
}

// AttendanceWriter records attendance outcomes. Both operations are idempotent.
type AttendanceWriter interface {
	// MarkPresent records label as present in sessionID. An ABSENT record is
	// upgraded; an existing PRESENT record is left untouched.
	MarkPresent(ctx context.Context, sessionID, label, eventID string, at time.Time) error
	// MarkAbsent records labels as absent unless they already have a record.
	MarkAbsent(ctx context.Context, sessionID string, labels []string) error
}

// AttendanceReader lists what has been recorded for a session
type AttendanceReader interface {
	Records(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
}
