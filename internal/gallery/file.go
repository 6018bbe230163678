package gallery

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// fileFormat is the on-disk layout of the fallback gallery.
// Encodings hold the same little-endian float32 bytes as the database rows.
type fileFormat struct {
	Labels    []string
	Encodings [][]byte
}

// FileSource reads a local gob snapshot of the gallery. It is the secondary source
// used when the database cannot be reached.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (f *FileSource) Name() string {
	return "file:" + f.Path
}

func (f *FileSource) LoadRecords(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open gallery file: %w", err)
	}
	defer file.Close()

	var data fileFormat
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode gallery file %s: %w", f.Path, err)
	}
	if len(data.Labels) != len(data.Encodings) {
		return nil, fmt.Errorf("gallery file %s has %d labels but %d encodings",
			f.Path, len(data.Labels), len(data.Encodings))
	}

	records := make([]Record, len(data.Labels))
	for i := range data.Labels {
		records[i] = Record{Label: data.Labels[i], Raw: data.Encodings[i]}
	}
	return records, nil
}

// WriteFile stores records as a gob snapshot at path. The file is written to a
// temporary name and renamed so a concurrent reader or watcher never sees a partial file.
func WriteFile(path string, records []Record) error {
	data := fileFormat{
		Labels:    make([]string, len(records)),
		Encodings: make([][]byte, len(records)),
	}
	for i, r := range records {
		data.Labels[i] = r.Label
		data.Encodings[i] = r.Raw
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create gallery directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".gallery-*.gob")
	if err != nil {
		return fmt.Errorf("create temp gallery file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := gob.NewEncoder(tmp).Encode(&data); err != nil {
		tmp.Close()
		return fmt.Errorf("encode gallery file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp gallery file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace gallery file: %w", err)
	}
	return nil
}

// RecordsFromEntries encodes entries back into storable records.
func RecordsFromEntries(entries []Entry) []Record {
	records := make([]Record, len(entries))
	for i, e := range entries {
		records[i] = Record{Label: e.Label, Raw: EncodeEmbedding(e.Embedding)}
	}
	return records
}
