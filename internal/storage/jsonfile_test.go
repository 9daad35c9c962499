package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type document struct {
	Name    string   `json:"name"`
	Count   int      `json:"count"`
	Tags    []string `json:"tags"`
	Enabled bool     `json:"enabled"`
}

// TestJSONFileRoundTrip verifies that a written document reads back equal.
func TestJSONFileRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value document
	}{
		{name: "zero value", value: document{}},
		{name: "populated", value: document{Name: "alpha", Count: 3, Tags: []string{"a", "b"}, Enabled: true}},
		{name: "unicode", value: document{Name: "wörker ✓", Tags: []string{""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewJSONFile(filepath.Join(t.TempDir(), "state.json"))

			require.NoError(t, f.Write(tt.value))

			var got document
			require.NoError(t, f.Read(&got))
			assert.Equal(t, tt.value, got)
		})
	}
}

// TestJSONFileOverwrite verifies that a second write replaces the first one.
func TestJSONFileOverwrite(t *testing.T) {
	f := NewJSONFile(filepath.Join(t.TempDir(), "state.json"))

	require.NoError(t, f.Write(document{Name: "first"}))
	require.NoError(t, f.Write(document{Name: "second", Count: 2}))

	var got document
	require.NoError(t, f.Read(&got))
	assert.Equal(t, document{Name: "second", Count: 2}, got)
}

// TestJSONFileNotFound verifies the sentinel for a missing document.
func TestJSONFileNotFound(t *testing.T) {
	f := NewJSONFile(filepath.Join(t.TempDir(), "missing.json"))

	var got document
	err := f.Read(&got)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestJSONFileCorrupt verifies that undecodable content is an error but not
// ErrNotFound.
func TestJSONFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"name\": "), 0o640))

	var got document
	err := NewJSONFile(path).Read(&got)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "decoding")
}

// TestJSONFileWriteMissingDirectory verifies that the write fails cleanly
// when the parent directory does not exist.
func TestJSONFileWriteMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "state.json")

	err := NewJSONFile(path).Write(document{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening")
}

// TestJSONFileNoTempLeftBehind verifies that a successful write leaves only
// the target in the directory.
func TestJSONFileNoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	f := NewJSONFile(filepath.Join(dir, "state.json"))
	require.NoError(t, f.Write(document{Name: "x"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

// TestJSONFileCrashBeforeRename simulates the process dying after the
// temporary file was written but before it replaced the target.
func TestJSONFileCrashBeforeRename(t *testing.T) {
	dir := t.TempDir()
	f := NewJSONFile(filepath.Join(dir, "state.json"))
	require.NoError(t, f.Write(document{Name: "before"}))

	t.Run("rename fails", func(t *testing.T) {
		rename = func(oldpath, newpath string) error { return errors.New("power lost") }
		defer func() { rename = os.Rename }()

		err := f.Write(document{Name: "replacement"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "power lost")

		var got document
		require.NoError(t, f.Read(&got))
		assert.Equal(t, "before", got.Name)

		_, statErr := os.Stat(filepath.Join(dir, "."+strconv.Itoa(os.Getpid())+".state.json"))
		assert.True(t, os.IsNotExist(statErr), "temporary file should be removed")
	})

	t.Run("stale temporary file", func(t *testing.T) {
		// A killed process leaves its half-written temporary file behind.
		stale := filepath.Join(dir, ".99999.state.json")
		require.NoError(t, os.WriteFile(stale, []byte("{\"name\":\"torn"), 0o640))

		var got document
		require.NoError(t, f.Read(&got))
		assert.Equal(t, "before", got.Name)

		require.NoError(t, f.Write(document{Name: "next"}))
		require.NoError(t, f.Read(&got))
		assert.Equal(t, "next", got.Name)
	})
}

// TestJSONFileCrashBeforeDirectorySync simulates a failure after the rename
// but before the directory entry was flushed: the write reports an error,
// yet the new content is already the visible document.
func TestJSONFileCrashBeforeDirectorySync(t *testing.T) {
	f := NewJSONFile(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, f.Write(document{Name: "before"}))

	syncDir = func(string) error { return errors.New("io error") }
	defer func() { syncDir = syncDirectory }()

	err := f.Write(document{Name: "replacement"})
	require.Error(t, err)

	var got document
	require.NoError(t, f.Read(&got))
	assert.Equal(t, "replacement", got.Name)
}

// TestJSONFileConcurrentWritePanics verifies the single in-flight write guard.
func TestJSONFileConcurrentWritePanics(t *testing.T) {
	f := NewJSONFile(filepath.Join(t.TempDir(), "state.json"))

	// Pretend a write is already in progress.
	inFlight.Store(filepath.Clean(f.Path()), struct{}{})
	assert.Panics(t, func() {
		_ = f.Write(document{Name: "second"})
	})

	inFlight.Delete(filepath.Clean(f.Path()))
	assert.NotPanics(t, func() {
		require.NoError(t, f.Write(document{Name: "third"}))
	})
}

// TestJSONFileGuardSharedByPath verifies two JSONFiles on the same path
// cannot write at once, since they share a temp file.
func TestJSONFileGuardSharedByPath(t *testing.T) {
	dir := t.TempDir()
	first := NewJSONFile(filepath.Join(dir, "state.json"))
	second := NewJSONFile(filepath.Join(dir, ".", "state.json"))
	other := NewJSONFile(filepath.Join(dir, "other.json"))

	release := make(chan struct{})
	entered := make(chan struct{})
	var hold sync.Once
	rename = func(oldpath, newpath string) error {
		if filepath.Base(newpath) == "state.json" {
			hold.Do(func() {
				close(entered)
				<-release
			})
		}
		return os.Rename(oldpath, newpath)
	}
	defer func() { rename = os.Rename }()

	done := make(chan error, 1)
	go func() { done <- first.Write(document{Name: "first"}) }()
	<-entered

	assert.Panics(t, func() {
		_ = second.Write(document{Name: "second"})
	})
	assert.NotPanics(t, func() {
		require.NoError(t, other.Write(document{Name: "other"}))
	})

	close(release)
	require.NoError(t, <-done)

	var got document
	require.NoError(t, second.Read(&got))
	assert.Equal(t, "first", got.Name)
	require.NoError(t, second.Write(document{Name: "second"}))
}

// TestJSONFileUnencodable verifies encoding errors surface before any file
// is touched.
func TestJSONFileUnencodable(t *testing.T) {
	dir := t.TempDir()
	f := NewJSONFile(filepath.Join(dir, "state.json"))

	err := f.Write(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoding")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestEnsureDir verifies parent directory creation.
func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "state.json")
	require.NoError(t, EnsureDir(path))

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, NewJSONFile(path).Write(document{Name: "ok"}))
}
