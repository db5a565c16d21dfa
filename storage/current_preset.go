package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pipedal/pipedal-host/pedalboard"
)

func (s *Store) loadSentinelPath() string { return filepath.Join(s.root, "loading.sentinel") }

// LoadCurrentPreset reads the transient "unsaved edits" snapshot written by
// SaveCurrentPresetSnapshot, or a fresh empty pedalboard if none exists
// yet. If the crash-on-load sentinel from a previous run is still present
// — the process died between BeginPresetLoad and EndPresetLoad, i.e. while
// the saved preset was being brought up — the saved board is presumed to
// be what killed it and an empty pedalboard is returned instead (spec.md
// §7 Crash-on-load guard).
func (s *Store) LoadCurrentPreset() (pedalboard.Pedalboard, error) {
	if _, err := os.Stat(s.loadSentinelPath()); err == nil {
		s.log.Warn().Msg("storage: previous run crashed while loading a preset, starting from an empty board")
		_ = os.Remove(s.loadSentinelPath())
		return pedalboard.New(), nil
	}
	var cf currentPresetFile
	found, err := readJSON(s.currentPresetPath(), &cf)
	if err != nil {
		return pedalboard.Pedalboard{}, err
	}
	if !found {
		return pedalboard.New(), nil
	}
	return cf.Pedalboard, nil
}

// BeginPresetLoad drops the crash-on-load sentinel before a saved preset
// is handed to the audio host; EndPresetLoad clears it once the load
// survived. A sentinel found at the next startup means the load never
// completed.
func (s *Store) BeginPresetLoad() {
	if err := os.WriteFile(s.loadSentinelPath(), []byte("loading\n"), 0o644); err != nil {
		s.log.Warn().Err(err).Msg("storage: writing crash-on-load sentinel")
	}
}

// EndPresetLoad removes the crash-on-load sentinel.
func (s *Store) EndPresetLoad() {
	_ = os.Remove(s.loadSentinelPath())
}

// SaveCurrentPresetSnapshot persists pb as the transient current-preset
// file, called after every edit so a crash mid-session loses at most the
// edits since the last autosave rather than the whole session.
func (s *Store) SaveCurrentPresetSnapshot(pb pedalboard.Pedalboard) error {
	cf := currentPresetFile{Version: bankFileVersion, UpdatedAt: time.Now(), Pedalboard: pb}
	return writeJSONAtomic(s.currentPresetPath(), &cf)
}
