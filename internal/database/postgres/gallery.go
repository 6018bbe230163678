package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

// GalleryRepository stores enrolled encodings in face_encodings. The raw
// little-endian float32 bytes in encoding are authoritative; the pgvector
// column mirrors them for database-side nearest-neighbour queries.
type GalleryRepository struct {
	pool *Pool
}

var _ database.GalleryWriter = (*GalleryRepository)(nil)

func NewGalleryRepository(pool *Pool) *GalleryRepository {
	return &GalleryRepository{pool: pool}
}

func (r *GalleryRepository) Name() string { return "postgres" }

// LoadRecords returns every encoding in insertion order.
func (r *GalleryRepository) LoadRecords(ctx context.Context) ([]gallery.Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, encoding FROM face_encodings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query face encodings: %w", err)
	}
	defer rows.Close()

	var records []gallery.Record
	for rows.Next() {
		var rec gallery.Record
		if err := rows.Scan(&rec.Label, &rec.Raw); err != nil {
			return nil, fmt.Errorf("scan face encoding: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate face encodings: %w", err)
	}
	return records, nil
}

func (r *GalleryRepository) ListLabels(ctx context.Context) ([]database.LabelCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, COUNT(*)
		FROM face_encodings
		GROUP BY name
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()

	var out []database.LabelCount
	for rows.Next() {
		var lc database.LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		out = append(out, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labels: %w", err)
	}
	return out, nil
}

func (r *GalleryRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM face_encodings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count face encodings: %w", err)
	}
	return n, nil
}

// Nearest ranks encodings by L2 distance (pgvector <->). Rows whose vector
// column is missing or has a different dimension are not comparable and are skipped.
func (r *GalleryRepository) Nearest(ctx context.Context, probe []float32, limit int) ([]database.Neighbor, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, embedding <-> $1::vector AS distance
		FROM face_encodings
		WHERE embedding IS NOT NULL AND vector_dims(embedding) = $2
		ORDER BY distance, id
		LIMIT $3
	`, pgvector.NewVector(probe), len(probe), limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest encodings: %w", err)
	}
	defer rows.Close()

	var out []database.Neighbor
	for rows.Next() {
		var n database.Neighbor
		if err := rows.Scan(&n.ID, &n.Label, &n.Distance); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}
	return out, nil
}

// matchingNames returns the stored names that normalize like label.
func matchingNames(ctx context.Context, tx *sql.Tx, label string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT name FROM face_encodings`)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	key := facematch.NormalizeLabel(label)
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		if facematch.NormalizeLabel(name) == key {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

func deleteNames(ctx context.Context, tx *sql.Tx, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM face_encodings WHERE name = ANY($1)`, pq.Array(names))
	if err != nil {
		return 0, fmt.Errorf("delete encodings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

func insertEncoding(ctx context.Context, tx *sql.Tx, label string, raw []byte) error {
	// the vector mirror is best effort; rows that do not decode keep a NULL vector
	var vec any
	if v, err := gallery.DecodeEmbedding(raw); err == nil {
		vec = pgvector.NewVector(v)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO face_encodings (name, encoding, embedding)
		VALUES ($1, $2, $3::vector)
	`, label, raw, vec)
	if err != nil {
		return fmt.Errorf("insert encoding for %s: %w", label, err)
	}
	return nil
}

func (r *GalleryRepository) ReplaceLabel(ctx context.Context, label string, embeddings [][]float32) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	names, err := matchingNames(ctx, tx, label)
	if err != nil {
		return err
	}
	if _, err := deleteNames(ctx, tx, names); err != nil {
		return err
	}
	for _, emb := range embeddings {
		if err := insertEncoding(ctx, tx, label, gallery.EncodeEmbedding(emb)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *GalleryRepository) Import(ctx context.Context, records []gallery.Record, replace bool) (int, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM face_encodings`); err != nil {
			return 0, fmt.Errorf("clear face encodings: %w", err)
		}
	}
	for _, rec := range records {
		if err := insertEncoding(ctx, tx, rec.Label, rec.Raw); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(records), nil
}

func (r *GalleryRepository) DeleteLabel(ctx context.Context, label string) (int, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	names, err := matchingNames(ctx, tx, label)
	if err != nil {
		return 0, err
	}
	n, err := deleteNames(ctx, tx, names)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n, nil
}
