package database

import (
	"fmt"
	"time"
)

// LabelCount is one enrolled person and how many reference encodings they have
type LabelCount struct {
	Label string
	Count int
}

// Neighbor is an encoding returned by a nearest-neighbour query
type Neighbor struct {
	ID       int64   `json:"id"`
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
}

// Status of an attendance record
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
)

// MarkedBy records who produced an attendance record
type MarkedBy string

const (
	MarkedBySystem  MarkedBy = "SYSTEM"
	MarkedByFaculty MarkedBy = "FACULTY"
)

// ParseStatus validates a status read from storage.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPresent, StatusAbsent:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown attendance status %q", s)
}

// AttendanceRecord is one student's outcome in one session
type AttendanceRecord struct {
	SessionID string    `json:"session_id"`
	Label     string    `json:"label"`
	Status    Status    `json:"status"`
	MarkedBy  MarkedBy  `json:"marked_by"`
	EventID   string    `json:"event_id,omitempty"` // first-seen event that marked the student present, if any
	MarkedAt  time.Time `json:"marked_at"`
}

// Present reports whether the student attended.
func (r AttendanceRecord) Present() bool {
	return r.Status == StatusPresent
}
