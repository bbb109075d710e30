package persistence

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// errReadBack marks a temp file whose contents did not verify. It is not
// worth retrying the same bytes.
type errReadBack struct{ err error }

func (e *errReadBack) Error() string { return "read-back: " + e.err.Error() }
func (e *errReadBack) Unwrap() error { return e.err }

// writeFunc writes data to path atomically after verify accepts the bytes
// actually read back from disk.
type writeFunc func(path string, data []byte, mode os.FileMode, verify func([]byte) error) error

func randomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// writeAtomic writes to a sibling temp file created with final permissions,
// fsyncs it, re-reads and verifies it, then renames it over path.
// The previous file is untouched on every failure path.
func writeAtomic(path string, data []byte, mode os.FileMode, verify func([]byte) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmpPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if verify != nil {
		written, err := os.ReadFile(tmpPath)
		if err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("read back temp file: %w", err)
		}
		if err := verify(written); err != nil {
			os.Remove(tmpPath)
			return &errReadBack{err: err}
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry for the rename where supported.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func isReadBack(err error) bool {
	var rb *errReadBack
	return errors.As(err, &rb)
}
