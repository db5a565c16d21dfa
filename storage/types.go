// Package storage implements the filesystem-backed persistence layer of
// spec.md §4.6: banks, presets, plugin presets, user uploads, favorites,
// and system settings, all mutated only from the caller's (service) thread
// and all written with the write-temp-then-rename discipline. Grounded on
// the teacher's session/cache_store.go versioned-JSON-envelope pattern,
// generalized from a single plugin-metadata cache into the full bank/
// preset/settings file layout.
package storage

import (
	"time"

	"github.com/pipedal/pipedal-host/pedalboard"
)

const (
	bankIndexVersion    = "1.0-bank-index"
	bankFileVersion     = "1.0-bank"
	pluginPresetVersion = "1.0-plugin-presets"
	settingsVersion     = "1.0-settings"
)

// BankIndexEntry names one bank in display order.
type BankIndexEntry struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// bankIndexFile is the on-disk envelope for banks/index.json.
type bankIndexFile struct {
	Version      string           `json:"version"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Banks        []BankIndexEntry `json:"banks"`
	SelectedBank int64            `json:"selectedBank"`
	NextBankID   int64            `json:"nextBankId"`
}

// Bank is an ordered list of pedalboards ("presets") plus the selected one.
type Bank struct {
	ID             int64                   `json:"id"`
	Name           string                  `json:"name"`
	Presets        []pedalboard.Pedalboard `json:"presets"`
	PresetIDs      []int64                 `json:"presetIds"`
	SelectedPreset int64                   `json:"selectedPreset"`
	NextPresetID   int64                   `json:"nextPresetId"`
}

// bankFile is the on-disk envelope for banks/<safe-name>.json.
type bankFile struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Bank      Bank      `json:"bank"`
}

// PluginPreset is a named, reusable parameter set for one plugin type
// (spec.md §4.6 get_plugin_presets/save_plugin_preset).
type PluginPreset struct {
	ID            int64                            `json:"id"`
	Label         string                           `json:"label"`
	ControlValues map[string]float64               `json:"controlValues,omitempty"`
	State         map[string]pedalboard.StateValue `json:"state,omitempty"`
	LilvPresetURI string                           `json:"lilvPresetUri,omitempty"`
	Factory       bool                             `json:"factory,omitempty"`
}

// pluginPresetFile is the on-disk envelope for plugin_presets/<safe-uri>.json.
type pluginPresetFile struct {
	Version        string         `json:"version"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	PluginURI      string         `json:"pluginUri"`
	CatalogVersion int64          `json:"catalogVersion"`
	NextPresetID   int64          `json:"nextPresetId"`
	Presets        []PluginPreset `json:"presets"`
}

// Settings holds audio device selection, hotspot settings, favorites, and
// MIDI system bindings (spec.md §4.6).
type Settings struct {
	AudioInputDevice   string                   `json:"audioInputDevice,omitempty"`
	AudioOutputDevice  string                   `json:"audioOutputDevice,omitempty"`
	SampleRate         int                      `json:"sampleRate,omitempty"`
	BufferSize         int                      `json:"bufferSize,omitempty"`
	Favorites          []string                 `json:"favorites,omitempty"`
	SystemMidiBindings []pedalboard.MidiBinding `json:"systemMidiBindings,omitempty"`
	JackServerSettings map[string]string        `json:"jackServerSettings,omitempty"`
	HotspotEnabled     bool                     `json:"hotspotEnabled,omitempty"`
}

// settingsFile is the on-disk envelope for settings.json.
type settingsFile struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Settings  Settings  `json:"settings"`
}

// currentPresetFile is the on-disk envelope for current_preset.json — the
// transient "unsaved edits" snapshot of the loaded pedalboard.
type currentPresetFile struct {
	Version    string                `json:"version"`
	UpdatedAt  time.Time             `json:"updatedAt"`
	Pedalboard pedalboard.Pedalboard `json:"pedalboard"`
}
