package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Record is a stored gallery row before decoding: a label and its raw embedding bytes.
type Record struct {
	Label string
	Raw   []byte
}

// Source yields stored gallery records. Implementations live next to their storage
// (database/postgres, database/mariadb, FileSource).
type Source interface {
	Name() string
	LoadRecords(ctx context.Context) ([]Record, error)
}

// Decode converts records into a Gallery, skipping rows that fail to decode.
// The number of skipped rows is returned so callers can report it.
func Decode(records []Record, logger *slog.Logger) (*Gallery, int, error) {
	entries := make([]Entry, 0, len(records))
	skipped := 0
	for i, r := range records {
		vec, err := DecodeEmbedding(r.Raw)
		if err != nil {
			skipped++
			if logger != nil {
				logger.Warn("skipping gallery record", "index", i, "label", r.Label, "error", err)
			}
			continue
		}
		entries = append(entries, Entry{Label: r.Label, Embedding: vec})
	}
	g, err := New(entries)
	if err != nil {
		return nil, skipped, err
	}
	return g, skipped, nil
}

// Load tries each source in order and returns the first gallery that loads and validates.
// A source that returns zero records is accepted; an empty gallery is valid.
// When all sources fail, the error wraps ErrUnavailable together with every cause.
func Load(ctx context.Context, logger *slog.Logger, sources ...Source) (*Gallery, string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sources) == 0 {
		return nil, "", fmt.Errorf("%w: no sources configured", ErrUnavailable)
	}

	var errs []error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		records, err := src.LoadRecords(ctx)
		if err != nil {
			logger.Warn("gallery source failed", "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		g, skipped, err := Decode(records, logger.With("source", src.Name()))
		if err != nil {
			logger.Warn("gallery source returned invalid entries", "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		logger.Info("gallery loaded",
			"source", src.Name(),
			"entries", g.Len(),
			"labels", len(g.Labels()),
			"skipped", skipped)
		return g, src.Name(), nil
	}
	return nil, "", fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}
