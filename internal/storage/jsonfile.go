package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrNotFound is returned by Read when the document has never been written.
var ErrNotFound = errors.New("document not found")

const (
	modeFile os.FileMode = 0o640
	modeDir  os.FileMode = 0o750
)

// rename and syncDir are variables so tests can simulate a crash or an I/O
// failure between the individual steps of a write.
var (
	rename  = os.Rename
	syncDir = syncDirectory
)

// inFlight holds the cleaned paths with a write in progress. Every JSONFile
// for the same path shares one temp file name, so the guard is per path.
var inFlight sync.Map

// JSONFile is a single JSON document stored at a fixed path.
// The zero value is not usable; create one with NewJSONFile.
type JSONFile struct {
	path string
}

// NewJSONFile returns a JSONFile for path. Nothing is touched on disk until
// the first Read or Write.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the target path of the document.
func (f *JSONFile) Path() string {
	return f.path
}

// Write durably replaces the document with value. It panics if another Write
// to the same path has not returned yet.
func (f *JSONFile) Write(value any) error {
	key := filepath.Clean(f.path)
	if _, busy := inFlight.LoadOrStore(key, struct{}{}); busy {
		panic(fmt.Sprintf("storage: concurrent write to %q", f.path))
	}
	defer inFlight.Delete(key)

	return writeJSON(f.path, value)
}

// Read decodes the document into out. It returns ErrNotFound if the file
// does not exist.
func (f *JSONFile) Read(out any) error {
	return readJSON(f.path, out)
}

// writeJSON atomically and durably replaces the file at path with the JSON
// encoding of value. See the package documentation for the write protocol.
func writeJSON(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+strconv.Itoa(os.Getpid())+"."+filepath.Base(path))

	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %q to %q: %w", tmp, path, err)
	}

	return syncDir(dir)
}

// readJSON decodes the JSON document at path into out.
func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// writeSynced creates (or truncates) name, writes data and forces it to
// stable storage before closing.
func writeSynced(name string, data []byte) error {
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, modeFile)
	if err != nil {
		return fmt.Errorf("opening %q: %w", name, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing %q: %w", name, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("fsync %q: %w", name, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", name, err)
	}
	return nil
}

// syncDirectory flushes the directory entry table of dir. A rename is only
// durable once this returns.
func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory %q: %w", dir, err)
	}

	syncErr := d.Sync()
	// Always close, but report the sync failure first.
	closeErr := d.Close()
	if syncErr != nil {
		return fmt.Errorf("fsync directory %q: %w", dir, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing directory %q: %w", dir, closeErr)
	}
	return nil
}

// EnsureDir creates the parent directory of path if it is missing.
func EnsureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), modeDir); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}
