package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink keeps the status record in a JSON file, merging each patch onto
// what is already on disk.
type FileSink struct {
	path  string
	clock func() time.Time

	mu     sync.Mutex
	loaded bool
	cur    Status
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path, clock: time.Now}
}

func (f *FileSink) Path() string {
	return f.path
}

// Read returns the record currently on disk; a missing file is an empty record.
func (f *FileSink) Read(_ context.Context) (Status, error) {
	var s Status
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("status: read %s: %w", f.path, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("status: decode %s: %w", f.path, err)
	}
	return s, nil
}

func (f *FileSink) Update(ctx context.Context, p Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.loaded {
		// A corrupt file is overwritten.
		s, _ := f.Read(ctx)
		f.cur = s
		f.loaded = true
	}
	f.cur.Apply(p, f.clock().UTC())
	return writeAtomic(f.path, f.cur)
}

func writeAtomic(path string, s Status) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("status: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("status: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("status: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("status: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("status: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("status: rename: %w", err)
	}
	return nil
}

// MemorySink records patches in process.
type MemorySink struct {
	mu      sync.Mutex
	cur     Status
	patches []Patch
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Update(_ context.Context, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur.Apply(p, time.Now().UTC())
	m.patches = append(m.patches, p)
	return nil
}

// Status returns the merged record.
func (m *MemorySink) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cur
	s.DeadLetters = append([]DeadLetter(nil), m.cur.DeadLetters...)
	return s
}

// Patches returns every patch received, in order.
func (m *MemorySink) Patches() []Patch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Patch(nil), m.patches...)
}
