package checkpoint

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertsync/sophos-autotask/internal/utils"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", DefaultFileName)
	store := NewFileStore(path)
	assert.Equal(t, path, store.Path())

	got, err := store.Read()
	require.NoError(t, err)
	assert.Nil(t, got, "missing file means first run")

	when := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	require.NoError(t, store.Write(when))

	got, err = store.Read()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, when.Equal(*got))
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("not a time"), 0o600))
	_, err := NewFileStore(path).Read()
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "/explicit/lastRun.dat", ResolvePath("/explicit/lastRun.dat", dir))
	assert.Equal(t, filepath.Join(dir, DefaultFileName), ResolvePath("", dir))
	assert.Equal(t, DefaultFileName, ResolvePath("", filepath.Join(dir, "missing")))
	assert.Equal(t, filepath.Join(dir, DefaultFileName), ResolvePath("", filepath.Join(dir, "missing"), dir))
	assert.Equal(t, DefaultFileName, ResolvePath(""))
}

type memStore struct {
	value    *time.Time
	readErr  error
	writeErr error
	writes   int
}

func (m *memStore) Read() (*time.Time, error) { return m.value, m.readErr }

func (m *memStore) Write(t time.Time) error {
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.value = &t
	return nil
}

func TestWindowStalenessBoundary(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		last *time.Time
		want bool
	}{
		{"absent", nil, false},
		{"fresh", ptr(now.Add(-10 * time.Minute)), true},
		{"exactly 24h", ptr(now.Add(-24 * time.Hour)), true},
		{"25h", ptr(now.Add(-25 * time.Hour)), false},
		{"future", ptr(now.Add(time.Hour)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWindow(&memStore{value: tc.last}, 0, utils.FixedClock{T: now}, quietLogger())
			got := w.Since()
			if !tc.want {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tc.last.Equal(*got))
		})
	}
}

func TestWindowReadErrorMeansUnbounded(t *testing.T) {
	w := NewWindow(&memStore{readErr: errors.New("disk gone")}, 0, utils.FixedClock{T: time.Now()}, quietLogger())
	assert.Nil(t, w.Since())
}

func TestWindowCommitSwallowsWriteFailure(t *testing.T) {
	store := &memStore{writeErr: errors.New("read-only filesystem")}
	w := NewWindow(store, 0, nil, quietLogger())
	w.Commit(time.Now())
	assert.Equal(t, 1, store.writes)
	assert.Nil(t, store.value)
}

func TestWindowCommitNeverRegresses(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	store := &memStore{value: ptr(now)}
	w := NewWindow(store, 0, utils.FixedClock{T: now}, quietLogger())

	w.Commit(now.Add(-time.Minute))
	assert.Equal(t, 0, store.writes)

	w.Commit(now.Add(10 * time.Minute))
	assert.Equal(t, 1, store.writes)
	assert.True(t, now.Add(10*time.Minute).Equal(*store.value))
}

func TestWindowCommitReplacesFutureCheckpoint(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	store := &memStore{value: ptr(now.AddDate(1, 0, 0))}
	w := NewWindow(store, 0, utils.FixedClock{T: now}, quietLogger())

	w.Commit(now)
	assert.True(t, now.Equal(*store.value))
}

func ptr(t time.Time) *time.Time { return &t }
