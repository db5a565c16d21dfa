package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pipedal/pipedal-host/apperr"
)

// writeJSONAtomic serializes v and installs it at path by writing a sibling
// temp file, fsyncing it, then renaming over the destination — a partially
// written file never replaces a valid one (spec.md §4.6). Grounded on the
// teacher's saveIndex/writeDetails pair in session/cache_store.go,
// generalized from one hand-written envelope type to any JSON-able value.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &apperr.StorageError{Op: "mkdir", Path: filepath.Dir(path), Cause: err}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &apperr.StorageError{Op: "marshal", Path: path, Cause: err}
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &apperr.StorageError{Op: "create", Path: tmp, Cause: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &apperr.StorageError{Op: "write", Path: tmp, Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &apperr.StorageError{Op: "fsync", Path: tmp, Cause: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &apperr.StorageError{Op: "close", Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &apperr.StorageError{Op: "rename", Path: path, Cause: err}
	}
	return nil
}

// readJSON loads and unmarshals path into v. ok is false (with a nil err)
// when the file does not exist yet, distinguishing "never written" from a
// genuine read failure.
func readJSON(path string, v interface{}) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &apperr.StorageError{Op: "read", Path: path, Cause: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &apperr.StorageError{Op: "unmarshal", Path: path, Cause: err}
	}
	return true, nil
}
