package storage

import (
	"time"

	"github.com/pipedal/pipedal-host/pedalboard"
)

// loadSettings reads settings.json, returning the zero Settings value
// (not an error) when it has never been written.
func (s *Store) loadSettings() (Settings, error) {
	var sf settingsFile
	found, err := readJSON(s.settingsPath(), &sf)
	if err != nil {
		return Settings{}, err
	}
	if !found {
		return Settings{}, nil
	}
	return sf.Settings, nil
}

func (s *Store) saveSettings(settings Settings) error {
	sf := settingsFile{Version: settingsVersion, UpdatedAt: time.Now(), Settings: settings}
	return writeJSONAtomic(s.settingsPath(), &sf)
}

// GetFavorites returns the user's favorited plugin URIs (spec.md §4.6).
func (s *Store) GetFavorites() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return nil, err
	}
	return settings.Favorites, nil
}

// SetFavorites replaces the favorites list.
func (s *Store) SetFavorites(favorites []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return err
	}
	settings.Favorites = favorites
	return s.saveSettings(settings)
}

// GetSystemMidiBindings returns the MIDI bindings that operate on the
// system rather than on a pedalboard control (program-change navigation,
// shutdown/hotspot toggles; see spec.md §9).
func (s *Store) GetSystemMidiBindings() ([]pedalboard.MidiBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return nil, err
	}
	return settings.SystemMidiBindings, nil
}

// SetSystemMidiBindings replaces the system MIDI binding list.
func (s *Store) SetSystemMidiBindings(bindings []pedalboard.MidiBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return err
	}
	settings.SystemMidiBindings = bindings
	return s.saveSettings(settings)
}

// GetJackServerSettings returns the legacy Jack server settings map. Per
// spec.md §9 the Jack code paths are partially dead; this is kept as an
// opaque passthrough map rather than a typed struct so callers on either
// side of a dead path don't need this package to track its schema.
func (s *Store) GetJackServerSettings() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return nil, err
	}
	return settings.JackServerSettings, nil
}

// SetJackServerSettings replaces the Jack server settings map.
func (s *Store) SetJackServerSettings(m map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return err
	}
	settings.JackServerSettings = m
	return s.saveSettings(settings)
}

// AudioSettings is the subset of Settings describing device selection,
// returned/accepted separately from favorites/MIDI/Jack so callers that
// only care about the audio device don't have to round-trip the rest.
type AudioSettings struct {
	InputDevice  string
	OutputDevice string
	SampleRate   int
	BufferSize   int
}

// GetAudioSettings returns the persisted audio device selection.
func (s *Store) GetAudioSettings() (AudioSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return AudioSettings{}, err
	}
	return AudioSettings{
		InputDevice:  settings.AudioInputDevice,
		OutputDevice: settings.AudioOutputDevice,
		SampleRate:   settings.SampleRate,
		BufferSize:   settings.BufferSize,
	}, nil
}

// SetAudioSettings persists the audio device selection.
func (s *Store) SetAudioSettings(a AudioSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, err := s.loadSettings()
	if err != nil {
		return err
	}
	settings.AudioInputDevice = a.InputDevice
	settings.AudioOutputDevice = a.OutputDevice
	settings.SampleRate = a.SampleRate
	settings.BufferSize = a.BufferSize
	return s.saveSettings(settings)
}
