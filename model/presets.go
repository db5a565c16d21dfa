package model

// Preset/bank operations routed through Storage (spec.md §4.5 "Preset/bank
// operations (§4.6) are routed through Storage"). Model's job here is
// limited to keeping the live pedalboard and the broadcast set in sync
// with whatever Storage just did; Storage itself owns all on-disk state.

import (
	"fmt"
	"io"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/pedalboard"
	"github.com/pipedal/pipedal-host/storage"
)

// LoadPreset loads preset id from the selected bank into the live
// pedalboard and broadcasts the change. Path properties the plugin no
// longer declares are pruned before the board goes live (spec.md §3).
func (m *Model) LoadPreset(clientID string, id int64) error {
	pb, err := m.store.GetPreset(id)
	if err != nil {
		return err
	}
	m.pruneFileProperties(&pb)
	return m.SetPedalboard(clientID, pb)
}

// SaveCurrentPreset overwrites the selected preset with the live pedalboard.
func (m *Model) SaveCurrentPreset(clientID string) error {
	return m.store.SaveCurrentPreset(m.host.Pedalboard())
}

// SaveCurrentPresetAs saves the live pedalboard as a new preset named name,
// inserted after afterID, and returns its id.
func (m *Model) SaveCurrentPresetAs(clientID string, name string, afterID int64) (int64, error) {
	return m.store.SaveCurrentPresetAs(m.host.Pedalboard(), name, afterID)
}

// DeletePresetItem deletes a preset from the selected bank and returns the
// preset id storage selected in its place. The live pedalboard is not
// reloaded.
func (m *Model) DeletePresetItem(clientID string, id int64) (int64, error) {
	newSelection, err := m.store.DeletePreset(id)
	if err != nil {
		return 0, err
	}
	return newSelection, nil
}

// RenamePresetItem renames a preset.
func (m *Model) RenamePresetItem(id int64, name string) error {
	return m.store.RenamePreset(id, name)
}

// CopyPreset duplicates a preset within the selected bank.
func (m *Model) CopyPreset(fromID, toID int64) (int64, error) {
	return m.store.CopyPreset(fromID, toID)
}

// BankIndex returns the ordered list of known banks and the selected one.
func (m *Model) BankIndex() ([]storage.BankIndexEntry, int64) {
	return m.store.BankIndex()
}

// OpenBank loads a bank's selected preset into the live pedalboard.
func (m *Model) OpenBank(clientID string, id int64) error {
	bank, err := m.store.LoadBank(id)
	if err != nil {
		return err
	}
	for i, pid := range bank.PresetIDs {
		if pid == bank.SelectedPreset {
			pb := bank.Presets[i].DeepCopy()
			m.pruneFileProperties(&pb)
			return m.SetPedalboard(clientID, pb)
		}
	}
	return nil
}

// MoveBank relocates a bank index entry.
func (m *Model) MoveBank(from, to int) error { return m.store.MoveBank(from, to) }

// RenameBank renames a bank.
func (m *Model) RenameBank(id int64, name string) error { return m.store.RenameBank(id, name) }

// DeleteBankItem removes a bank and returns the new selection.
func (m *Model) DeleteBankItem(id int64) (int64, error) { return m.store.DeleteBank(id) }

// LoadPluginPreset applies a stored plugin preset's controls/state/lilv URI
// onto a live instance (spec.md §4.7 loadPluginPreset).
func (m *Model) LoadPluginPreset(clientID string, instanceID int64, uri string, presetID int64) error {
	controls, state, lilvURI, err := m.store.LoadPluginPresetValues(uri, presetID)
	if err != nil {
		return err
	}

	pb := m.host.Pedalboard()
	if !pb.SetItemPreset(instanceID, controls, state, lilvURI) {
		return &apperr.StateError{Code: "instance_not_found", Detail: fmt.Sprintf("instance %d", instanceID)}
	}
	return m.SetPedalboard(clientID, pb)
}

// GetPluginPresets lists every preset for a plugin URI.
func (m *Model) GetPluginPresets(uri string) ([]storage.PluginPreset, error) {
	return m.store.GetPluginPresets(uri)
}

// SavePluginPreset captures one instance's controls/state as a new named
// plugin preset.
func (m *Model) SavePluginPreset(instanceID int64, name string) (int64, error) {
	pb := m.host.Pedalboard()
	for _, it := range pb.GetAllPlugins() {
		if it.InstanceID == instanceID {
			return m.store.SavePluginPreset(it.PluginURI, name, it)
		}
	}
	return 0, &apperr.StateError{Code: "instance_not_found", Detail: fmt.Sprintf("instance %d", instanceID)}
}

// CopyPluginPreset duplicates a plugin preset under a new label.
func (m *Model) CopyPluginPreset(uri string, presetID int64, newLabel string) (int64, error) {
	return m.store.CopyPluginPreset(uri, presetID, newLabel)
}

// Favorites / system MIDI bindings / Jack settings passthroughs (spec.md
// §4.6); Model adds nothing beyond routing since these are not part of the
// live realtime graph.
func (m *Model) GetFavorites() ([]string, error)            { return m.store.GetFavorites() }
func (m *Model) SetFavorites(f []string) error              { return m.store.SetFavorites(f) }
func (m *Model) GetSystemMidiBindings() ([]pedalboard.MidiBinding, error) {
	return m.store.GetSystemMidiBindings()
}
func (m *Model) SetSystemMidiBindings(b []pedalboard.MidiBinding) error {
	if err := m.store.SetSystemMidiBindings(b); err != nil {
		return err
	}
	if m.sysRouter != nil {
		m.sysRouter.SetBindings(systemBindingsToMap(b))
	}
	return nil
}
func (m *Model) GetJackServerSettings() (map[string]string, error) { return m.store.GetJackServerSettings() }
func (m *Model) SetJackServerSettings(s map[string]string) error   { return m.store.SetJackServerSettings(s) }

// UploadUserFile validates and stores a user-uploaded sample/model/IR file
// against the live pedalboard (spec.md §4.6 upload_user_file).
func (m *Model) UploadUserFile(instanceID int64, patchProperty string, directory storage.WellKnownDirectory, name string, r io.Reader, length int64) (string, error) {
	return m.store.UploadUserFile(m.host.Pedalboard(), instanceID, patchProperty, directory, name, r, length)
}

// GetFileList lists files under relativePath filtered by a plugin's
// declared file property.
func (m *Model) GetFileList(relativePath string, fp catalog.FileProperty) ([]storage.FileEntry, error) {
	return m.store.GetFileList(relativePath, fp)
}
