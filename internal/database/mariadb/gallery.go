package mariadb

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// DefaultTable holds one row per reference encoding: name and raw float32 bytes.
const DefaultTable = "face_encodings"

// GallerySource loads gallery records from Table (DefaultTable when empty).
type GallerySource struct {
	pool  *Pool
	Table string
}

func NewGallerySource(pool *Pool) *GallerySource {
	return &GallerySource{pool: pool, Table: DefaultTable}
}

func (s *GallerySource) Name() string { return "mariadb" }

// LoadRecords returns every row in id order.
func (s *GallerySource) LoadRecords(ctx context.Context) ([]gallery.Record, error) {
	table := s.Table
	if table == "" {
		table = DefaultTable
	}
	// table is configuration, never user input
	query := fmt.Sprintf("SELECT name, encoding FROM `%s` ORDER BY id", table)

	rows, err := s.pool.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var records []gallery.Record
	for rows.Next() {
		var rec gallery.Record
		if err := rows.Scan(&rec.Label, &rec.Raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return records, nil
}
