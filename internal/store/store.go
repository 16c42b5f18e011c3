// Package store implements atomic file-per-collection JSON
// persistence: write to <path>.tmp, fsync, then rename, so an
// interrupted write never corrupts the previous file. HomeRoute
// persists several unrelated collections (applications, CA index,
// DHCPv6 leases, PD state, proxy config, firewall rules, ad-block
// cache) through this one mechanism.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/homeroute/homeroute/internal/apierr"
)

// File is a single JSON-encoded collection backed by one file on disk.
// Every mutation goes through Save, which is safe to call concurrently
// with Load from other processes (never observes a partial write).
type File[T any] struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a handle for the collection at path. The parent
// directory is created (0700) if missing; no file is written until
// the first Save.
func NewFile[T any](path string) (*File[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apierr.IO(err, "create data directory for %s", path)
	}
	return &File[T]{path: path}, nil
}

// Load reads the current value. A missing file is not an error: it
// returns the zero value of T so first-boot callers can proceed with
// defaults.
func (f *File[T]) Load() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var v T
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return v, apierr.IO(err, "read %s", f.path)
	}
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, apierr.IO(err, "corrupt store file %s", f.path)
	}
	return v, nil
}

// Save durably persists v: write to "<path>.tmp", fsync, rename over
// path. An interrupted write leaves the previous file intact — the
// rename is the only state transition an external reader can observe.
func (f *File[T]) Save(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apierr.IO(err, "marshal %s", f.path)
	}

	tmpPath := f.path + ".tmp"
	fh, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return apierr.IO(err, "create temp file for %s", f.path)
	}

	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmpPath)
		return apierr.IO(err, "write temp file for %s", f.path)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmpPath)
		return apierr.IO(err, "fsync temp file for %s", f.path)
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return apierr.IO(err, "close temp file for %s", f.path)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return apierr.IO(err, "rename into place for %s", f.path)
	}
	return nil
}

// Path reports the backing file path, used by collections that also
// need to derive sibling paths (e.g. the CA's cert/key directories).
func (f *File[T]) Path() string { return f.path }
