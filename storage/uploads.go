package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// WellKnownDirectory names one of the closed set of upload categories
// consumed by plugins (spec.md glossary "Well-known directory"). These are
// subdirectories of user_uploads/, not arbitrary paths: a plugin's
// FileProperty.Directory names one of these, and uploads are always
// written under the directory the property declares.
type WellKnownDirectory string

const (
	DirAudioLoops      WellKnownDirectory = "AudioLoops"
	DirAudioRecordings WellKnownDirectory = "AudioRecordings"
	DirAudioSamples    WellKnownDirectory = "AudioSamples"
	DirAudioTracks     WellKnownDirectory = "AudioTracks"
	DirCabIRs          WellKnownDirectory = "CabIRs"
	DirSF2             WellKnownDirectory = "SF2"
	DirSFZ             WellKnownDirectory = "SFZ"
	DirMidiClips       WellKnownDirectory = "MidiClips"
	DirNeuralModels    WellKnownDirectory = "NeuralModels"
	DirPluginPrivate   WellKnownDirectory = "PluginPrivate"
)

// FileEntry is one listed file or subdirectory.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

// findItemAndProperty resolves instanceID to its Item and confirms the
// plugin declares patchProperty among its file properties, per spec.md
// §4.6 upload_user_file: "validates that the currently loaded pedalboard
// contains an Item whose patch-property set includes patch_property".
func (s *Store) findItemAndProperty(pb pedalboard.Pedalboard, instanceID int64, patchProperty string) (pedalboard.Item, catalog.FileProperty, error) {
	var item pedalboard.Item
	found := false
	for _, it := range pb.GetAllPlugins() {
		if it.InstanceID == instanceID {
			item = it
			found = true
			break
		}
	}
	if !found {
		return pedalboard.Item{}, catalog.FileProperty{}, &apperr.StateError{Code: "instance_not_found", Detail: fmt.Sprintf("instance %d", instanceID)}
	}
	info, ok := s.cat.Lookup(item.PluginURI)
	if !ok {
		return pedalboard.Item{}, catalog.FileProperty{}, &apperr.StateError{Code: "plugin_not_found", Detail: item.PluginURI}
	}
	for _, fp := range info.FileProperties {
		if fp.URI == patchProperty {
			return item, fp, nil
		}
	}
	return pedalboard.Item{}, catalog.FileProperty{}, &apperr.InvalidRequestError{Code: "unknown_file_property", Detail: patchProperty}
}

func (s *Store) wellKnownDir(dir WellKnownDirectory, instanceID int64) string {
	if dir == DirPluginPrivate {
		return filepath.Join(s.uploadsRoot(), string(dir), fmt.Sprintf("%d", instanceID))
	}
	return filepath.Join(s.uploadsRoot(), string(dir))
}

func validExtension(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}

// UploadUserFile streams length bytes from r into directory/name under
// user_uploads, after checking the currently loaded pedalboard has an item
// whose declared file properties include patchProperty (spec.md §4.6
// upload_user_file). Returns the path relative to user_uploads/.
func (s *Store) UploadUserFile(pb pedalboard.Pedalboard, instanceID int64, patchProperty string, directory WellKnownDirectory, name string, r io.Reader, length int64) (string, error) {
	_, fp, err := s.findItemAndProperty(pb, instanceID, patchProperty)
	if err != nil {
		return "", err
	}
	if !validExtension(name, fp.Extensions) {
		return "", &apperr.InvalidRequestError{Code: "bad_extension", Detail: name}
	}

	dir := s.wellKnownDir(directory, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &apperr.StorageError{Op: "mkdir", Path: dir, Cause: err}
	}
	safe := safeFileName(name)
	dest := filepath.Join(dir, safe)
	tmp := dest + ".upload.tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &apperr.StorageError{Op: "create", Path: tmp, Cause: err}
	}
	n, err := io.CopyN(f, r, length)
	if err != nil && err != io.EOF {
		f.Close()
		os.Remove(tmp)
		return "", &apperr.StorageError{Op: "write", Path: tmp, Cause: err}
	}
	if n != length {
		f.Close()
		os.Remove(tmp)
		return "", &apperr.StorageError{Op: "write", Path: tmp, Cause: fmt.Errorf("short write: got %d want %d", n, length)}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", &apperr.StorageError{Op: "fsync", Path: tmp, Cause: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", &apperr.StorageError{Op: "close", Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", &apperr.StorageError{Op: "rename", Path: dest, Cause: err}
	}
	rel, _ := filepath.Rel(s.uploadsRoot(), dest)
	return rel, nil
}

// GetFileList lists files under user_uploads/relativePath, filtered to the
// extensions the given file property declares (spec.md §4.6 get_file_list).
func (s *Store) GetFileList(relativePath string, fileProperty catalog.FileProperty) ([]FileEntry, error) {
	root := s.uploadsRoot()
	target := filepath.Join(root, filepath.Clean("/"+relativePath))
	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &apperr.StorageError{Op: "readdir", Path: target, Cause: err}
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, FileEntry{Name: unsafeFileName(e.Name()), IsDir: true})
			continue
		}
		if !validExtension(e.Name(), fileProperty.Extensions) {
			continue
		}
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		out = append(out, FileEntry{Name: unsafeFileName(e.Name()), Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RenameFilePropertyFile renames a user-uploaded file within the
// user_uploads subtree (spec.md §4.6 rename_file_property_file).
func (s *Store) RenameFilePropertyFile(relativeDir, oldName, newName string) error {
	dir := filepath.Join(s.uploadsRoot(), filepath.Clean("/"+relativeDir))
	oldPath := filepath.Join(dir, safeFileName(oldName))
	newPath := filepath.Join(dir, safeFileName(newName))
	if err := os.Rename(oldPath, newPath); err != nil {
		return &apperr.StorageError{Op: "rename", Path: newPath, Cause: err}
	}
	return nil
}

// CopyFilePropertyFile duplicates a user-uploaded file within the
// user_uploads subtree (spec.md §4.6 copy_file_property_file).
func (s *Store) CopyFilePropertyFile(relativeDir, srcName, dstName string) error {
	dir := filepath.Join(s.uploadsRoot(), filepath.Clean("/"+relativeDir))
	src := filepath.Join(dir, safeFileName(srcName))
	dst := filepath.Join(dir, safeFileName(dstName))
	data, err := os.ReadFile(src)
	if err != nil {
		return &apperr.StorageError{Op: "read", Path: src, Cause: err}
	}
	return writeFileAtomic(dst, data)
}

// DeleteSampleFile removes a user-uploaded file (spec.md §4.6
// delete_sample_file). Missing files are not an error: deletion is
// idempotent from the caller's point of view.
func (s *Store) DeleteSampleFile(relativeDir, name string) error {
	dir := filepath.Join(s.uploadsRoot(), filepath.Clean("/"+relativeDir))
	path := filepath.Join(dir, safeFileName(name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &apperr.StorageError{Op: "remove", Path: path, Cause: err}
	}
	return nil
}

// CreateNewSampleDirectory creates a subdirectory under user_uploads
// (spec.md §4.6 create_new_sample_directory).
func (s *Store) CreateNewSampleDirectory(relativeDir, name string) error {
	dir := filepath.Join(s.uploadsRoot(), filepath.Clean("/"+relativeDir), safeFileName(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &apperr.StorageError{Op: "mkdir", Path: dir, Cause: err}
	}
	return nil
}

// AbstractPath is the portable token form of an on-disk upload path:
// install-relative rather than absolute, so presets referencing it stay
// valid across installs onto a different data root (spec.md §4.6
// to_abstract_path_json / from_abstract_path_json).
type AbstractPath struct {
	Directory WellKnownDirectory `json:"directory"`
	Relative  string             `json:"relative"`
}

// ToAbstractPath converts an absolute on-disk path under user_uploads into
// its abstract (directory, relative) token form.
func (s *Store) ToAbstractPath(absolute string) (AbstractPath, error) {
	rel, err := filepath.Rel(s.uploadsRoot(), absolute)
	if err != nil || strings.HasPrefix(rel, "..") {
		return AbstractPath{}, &apperr.InvalidRequestError{Code: "path_outside_uploads", Detail: absolute}
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 {
		return AbstractPath{}, &apperr.InvalidRequestError{Code: "path_too_shallow", Detail: absolute}
	}
	return AbstractPath{Directory: WellKnownDirectory(parts[0]), Relative: parts[1]}, nil
}

// FromAbstractPath resolves an abstract token back to an absolute on-disk
// path under the current install's data root.
func (s *Store) FromAbstractPath(p AbstractPath) string {
	return filepath.Join(s.uploadsRoot(), string(p.Directory), p.Relative)
}

// writeFileAtomic is the raw-bytes counterpart of writeJSONAtomic, used for
// binary user uploads that are not JSON envelopes.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &apperr.StorageError{Op: "mkdir", Path: filepath.Dir(path), Cause: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &apperr.StorageError{Op: "write", Path: tmp, Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &apperr.StorageError{Op: "rename", Path: path, Cause: err}
	}
	return nil
}
