package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// DefaultFileName is the checkpoint file name used when no explicit path is configured.
const DefaultFileName = "lastRun.dat"

// Store persists the single last-run timestamp.
type Store interface {
	// Read returns nil when no checkpoint has been written yet.
	Read() (*time.Time, error)
	Write(t time.Time) error
}

// FileStore keeps the checkpoint as an RFC3339 string in a file.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// ResolvePath picks the checkpoint location. An explicit path wins; otherwise
// the file lives in the first probe directory that exists, else in the
// working directory.
func ResolvePath(explicit string, probeDirs ...string) string {
	if explicit != "" {
		return explicit
	}
	for _, dir := range probeDirs {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return filepath.Join(dir, DefaultFileName)
		}
	}
	return DefaultFileName
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Read loads the checkpoint.
func (s *FileStore) Read() (*time.Time, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %q: %w", value, err)
	}
	return &t, nil
}

// Write replaces the checkpoint atomically.
func (s *FileStore) Write(t time.Time) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	if err := atomic.WriteFile(s.path, strings.NewReader(t.UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}
