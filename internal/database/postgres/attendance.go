package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// AttendanceRepository keeps one attendance_records row per (session, label).
type AttendanceRepository struct {
	pool *Pool
}

var (
	_ database.AttendanceWriter = (*AttendanceRepository)(nil)
	_ database.AttendanceReader = (*AttendanceRepository)(nil)
)

func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

// MarkPresent upserts a PRESENT record. Redelivering the same event, or a later
// event for a student already present, changes nothing.
func (r *AttendanceRepository) MarkPresent(ctx context.Context, sessionID, label, eventID string, at time.Time) error {
	query := `
		INSERT INTO attendance_records (session_id, label, status, marked_by, event_id, marked_at)
		VALUES ($1, $2, 'PRESENT', 'SYSTEM', $3, $4)
		ON CONFLICT (session_id, label) DO UPDATE SET
			status = 'PRESENT',
			marked_by = 'SYSTEM',
			event_id = EXCLUDED.event_id,
			marked_at = EXCLUDED.marked_at
		WHERE attendance_records.status = 'ABSENT'
	`
	event := sql.NullString{String: eventID, Valid: eventID != ""}
	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query, sessionID, label, event, at.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("mark %s present: %w", label, err)
	}
	return nil
}

// MarkAbsent inserts ABSENT records for labels that have no record yet.
func (r *AttendanceRepository) MarkAbsent(ctx context.Context, sessionID string, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	query := `
		INSERT INTO attendance_records (session_id, label, status, marked_by)
		SELECT $1, label, 'ABSENT', 'SYSTEM'
		FROM unnest($2::text[]) AS label
		ON CONFLICT (session_id, label) DO NOTHING
	`
	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx, query, sessionID, pq.Array(labels))
		return err
	})
	if err != nil {
		return fmt.Errorf("mark %d absent: %w", len(labels), err)
	}
	return nil
}

// Records returns the session's records ordered by label.
func (r *AttendanceRepository) Records(ctx context.Context, sessionID string) ([]database.AttendanceRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, label, status, marked_by, event_id, marked_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY label
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var out []database.AttendanceRecord
	for rows.Next() {
		var (
			rec      database.AttendanceRecord
			status   string
			markedBy string
			eventID  sql.NullString
		)
		if err := rows.Scan(&rec.SessionID, &rec.Label, &status, &markedBy, &eventID, &rec.MarkedAt); err != nil {
			return nil, fmt.Errorf("scan attendance record: %w", err)
		}
		if rec.Status, err = database.ParseStatus(status); err != nil {
			return nil, err
		}
		rec.MarkedBy = database.MarkedBy(markedBy)
		rec.EventID = eventID.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance: %w", err)
	}
	return out, nil
}
