// Package mock provides in-memory implementations of database interfaces for testing.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

type storedEncoding struct {
	id    int64
	label string
	raw   []byte
}

// MockGalleryStore is a mock implementation of database.GalleryWriter
type MockGalleryStore struct {
	mu     sync.RWMutex
	rows   []storedEncoding
	nextID int64

	// Error injection
	LoadError    error
	ListError    error
	NearestError error
	ReplaceError error
	ImportError  error
	DeleteError  error
}

// NewMockGalleryStore creates a new mock gallery store
func NewMockGalleryStore() *MockGalleryStore {
	return &MockGalleryStore{nextID: 1}
}

func (m *MockGalleryStore) insertLocked(label string, raw []byte) {
	m.rows = append(m.rows, storedEncoding{id: m.nextID, label: label, raw: append([]byte(nil), raw...)})
	m.nextID++
}

// AddEncoding appends one encoding
func (m *MockGalleryStore) AddEncoding(label string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(label, gallery.EncodeEmbedding(vec))
}

func (m *MockGalleryStore) Name() string { return "mock" }

// LoadRecords returns every encoding in insertion order
func (m *MockGalleryStore) LoadRecords(_ context.Context) ([]gallery.Record, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]gallery.Record, len(m.rows))
	for i, r := range m.rows {
		records[i] = gallery.Record{Label: r.label, Raw: append([]byte(nil), r.raw...)}
	}
	return records, nil
}

// ListLabels returns labels with their encoding counts, sorted by label
func (m *MockGalleryStore) ListLabels(_ context.Context) ([]database.LabelCount, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range m.rows {
		counts[r.label]++
	}
	result := make([]database.LabelCount, 0, len(counts))
	for label, n := range counts {
		result = append(result, database.LabelCount{Label: label, Count: n})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Label < result[j].Label })
	return result, nil
}

// Count returns the number of stored encodings
func (m *MockGalleryStore) Count(_ context.Context) (int, error) {
	if m.ListError != nil {
		return 0, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows), nil
}

// Nearest scans every decodable encoding of the probe's dimension
func (m *MockGalleryStore) Nearest(_ context.Context, probe []float32, limit int) ([]database.Neighbor, error) {
	if m.NearestError != nil {
		return nil, m.NearestError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []database.Neighbor
	for _, r := range m.rows {
		vec, err := gallery.DecodeEmbedding(r.raw)
		if err != nil || len(vec) != len(probe) {
			continue
		}
		var sum float64
		for i := range vec {
			d := float64(vec[i]) - float64(probe[i])
			sum += d * d
		}
		result = append(result, database.Neighbor{ID: r.id, Label: r.label, Distance: math.Sqrt(sum)})
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Distance < result[j].Distance })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockGalleryStore) deleteLocked(label string) int {
	key := facematch.NormalizeLabel(label)
	kept := m.rows[:0]
	removed := 0
	for _, r := range m.rows {
		if facematch.NormalizeLabel(r.label) == key {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return removed
}

// ReplaceLabel swaps every encoding of label for embeddings
func (m *MockGalleryStore) ReplaceLabel(_ context.Context, label string, embeddings [][]float32) error {
	if m.ReplaceError != nil {
		return m.ReplaceError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(label)
	for _, vec := range embeddings {
		m.insertLocked(label, gallery.EncodeEmbedding(vec))
	}
	return nil
}

// Import appends records, emptying the store first when replace is set
func (m *MockGalleryStore) Import(_ context.Context, records []gallery.Record, replace bool) (int, error) {
	if m.ImportError != nil {
		return 0, m.ImportError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if replace {
		m.rows = nil
	}
	for _, r := range records {
		m.insertLocked(r.Label, r.Raw)
	}
	return len(records), nil
}

// DeleteLabel removes every encoding of label
func (m *MockGalleryStore) DeleteLabel(_ context.Context, label string) (int, error) {
	if m.DeleteError != nil {
		return 0, m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(label), nil
}

type attendanceKey struct {
	session string
	label   string
}

// MockAttendanceStore is a mock implementation of database.AttendanceWriter and database.AttendanceReader
type MockAttendanceStore struct {
	mu      sync.RWMutex
	records map[attendanceKey]database.AttendanceRecord
	calls   int

	// Error injection
	MarkPresentError error
	MarkAbsentError  error
	RecordsError     error
}

// NewMockAttendanceStore creates a new mock attendance store
func NewMockAttendanceStore() *MockAttendanceStore {
	return &MockAttendanceStore{records: make(map[attendanceKey]database.AttendanceRecord)}
}

// MarkPresent upgrades or inserts a PRESENT record; an existing PRESENT record wins
func (m *MockAttendanceStore) MarkPresent(_ context.Context, sessionID, label, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.MarkPresentError != nil {
		return m.MarkPresentError
	}
	key := attendanceKey{sessionID, label}
	if existing, ok := m.records[key]; ok && existing.Present() {
		return nil
	}
	m.records[key] = database.AttendanceRecord{
		SessionID: sessionID,
		Label:     label,
		Status:    database.StatusPresent,
		MarkedBy:  database.MarkedBySystem,
		EventID:   eventID,
		MarkedAt:  at,
	}
	return nil
}

// MarkAbsent inserts ABSENT records for labels that have none yet
func (m *MockAttendanceStore) MarkAbsent(_ context.Context, sessionID string, labels []string) error {
	if m.MarkAbsentError != nil {
		return m.MarkAbsentError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, label := range labels {
		key := attendanceKey{sessionID, label}
		if _, ok := m.records[key]; ok {
			continue
		}
		m.records[key] = database.AttendanceRecord{
			SessionID: sessionID,
			Label:     label,
			Status:    database.StatusAbsent,
			MarkedBy:  database.MarkedBySystem,
			MarkedAt:  now,
		}
	}
	return nil
}

// Records returns the session's records sorted by label
func (m *MockAttendanceStore) Records(_ context.Context, sessionID string) ([]database.AttendanceRecord, error) {
	if m.RecordsError != nil {
		return nil, m.RecordsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []database.AttendanceRecord
	for key, r := range m.records {
		if key.session == sessionID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Label < result[j].Label })
	return result, nil
}

// MarkPresentCalls returns how many times MarkPresent was invoked, including failures
func (m *MockAttendanceStore) MarkPresentCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Verify interface compliance
var (
	_ database.GalleryWriter    = (*MockGalleryStore)(nil)
	_ database.AttendanceWriter = (*MockAttendanceStore)(nil)
	_ database.AttendanceReader = (*MockAttendanceStore)(nil)
)
