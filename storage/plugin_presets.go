package storage

import (
	"fmt"
	"time"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// GetPluginPresets lists every preset (factory and user-saved) for one
// plugin URI (spec.md §4.6 get_plugin_presets).
func (s *Store) GetPluginPresets(uri string) ([]PluginPreset, error) {
	var pf pluginPresetFile
	found, err := readJSON(s.pluginPresetPath(uri), &pf)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return pf.Presets, nil
}

func (s *Store) loadPluginPresetFile(uri string) (pluginPresetFile, error) {
	var pf pluginPresetFile
	found, err := readJSON(s.pluginPresetPath(uri), &pf)
	if err != nil {
		return pluginPresetFile{}, err
	}
	if !found {
		pf = pluginPresetFile{Version: pluginPresetVersion, PluginURI: uri, NextPresetID: 1}
	}
	return pf, nil
}

func (s *Store) savePluginPresetFile(pf pluginPresetFile) error {
	pf.UpdatedAt = time.Now()
	return writeJSONAtomic(s.pluginPresetPath(pf.PluginURI), &pf)
}

// SavePluginPreset captures item's controls/state into a new named preset
// for its plugin URI and returns the new preset id (spec.md §4.6
// save_plugin_preset).
func (s *Store) SavePluginPreset(uri, name string, item pedalboard.Item) (int64, error) {
	pf, err := s.loadPluginPresetFile(uri)
	if err != nil {
		return 0, err
	}
	id := pf.NextPresetID
	pf.NextPresetID++
	pf.Presets = append(pf.Presets, PluginPreset{
		ID:            id,
		Label:         name,
		ControlValues: copyFloatMap(item.ControlValues),
		State:         copyStateMap(item.State),
		LilvPresetURI: item.LilvPresetURI,
	})
	if err := s.savePluginPresetFile(pf); err != nil {
		return 0, err
	}
	return id, nil
}

// LoadPluginPresetValues returns the stored control values, state blob, and
// lilv preset URI for one plugin preset (spec.md §4.6
// load_plugin_preset_values).
func (s *Store) LoadPluginPresetValues(uri string, presetID int64) (map[string]float64, map[string]pedalboard.StateValue, string, error) {
	pf, err := s.loadPluginPresetFile(uri)
	if err != nil {
		return nil, nil, "", err
	}
	for _, p := range pf.Presets {
		if p.ID == presetID {
			return p.ControlValues, p.State, p.LilvPresetURI, nil
		}
	}
	return nil, nil, "", &apperr.StateError{Code: "plugin_preset_not_found", Detail: fmt.Sprintf("%s preset %d", uri, presetID)}
}

// CopyPluginPreset duplicates presetID under a new label within the same
// plugin URI's preset list, returning the new id.
func (s *Store) CopyPluginPreset(uri string, presetID int64, newLabel string) (int64, error) {
	pf, err := s.loadPluginPresetFile(uri)
	if err != nil {
		return 0, err
	}
	var src *PluginPreset
	for i := range pf.Presets {
		if pf.Presets[i].ID == presetID {
			src = &pf.Presets[i]
			break
		}
	}
	if src == nil {
		return 0, &apperr.StateError{Code: "plugin_preset_not_found", Detail: fmt.Sprintf("%s preset %d", uri, presetID)}
	}
	id := pf.NextPresetID
	pf.NextPresetID++
	cp := *src
	cp.ID = id
	cp.Label = newLabel
	cp.Factory = false
	cp.ControlValues = copyFloatMap(src.ControlValues)
	cp.State = copyStateMap(src.State)
	pf.Presets = append(pf.Presets, cp)
	if err := s.savePluginPresetFile(pf); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdatePluginPresets replaces the full preset list for uri wholesale, used
// by clients that manage ordering/bulk edits themselves.
func (s *Store) UpdatePluginPresets(uri string, presets []PluginPreset) error {
	pf, err := s.loadPluginPresetFile(uri)
	if err != nil {
		return err
	}
	pf.Presets = presets
	return s.savePluginPresetFile(pf)
}

// reindexFactoryPresetsIfStale copies each catalog plugin's FactoryPresets
// into its plugin_presets file once per catalog version change (spec.md
// §4.6 "periodically re-indexes factory plugin presets on startup when the
// plugin catalog version changes"). Factory presets are tagged Factory so
// a later catalog rescan can drop and re-copy them without disturbing
// user-saved presets mixed into the same file.
func (s *Store) reindexFactoryPresetsIfStale() error {
	if s.cat == nil {
		return nil
	}
	version := s.cat.Version()
	for _, info := range s.cat.All() {
		pf, err := s.loadPluginPresetFile(info.URI)
		if err != nil {
			return err
		}
		if pf.CatalogVersion == version {
			continue
		}
		kept := pf.Presets[:0]
		for _, p := range pf.Presets {
			if !p.Factory {
				kept = append(kept, p)
			}
		}
		for _, fp := range info.FactoryPresets {
			id := pf.NextPresetID
			pf.NextPresetID++
			kept = append(kept, PluginPreset{ID: id, Label: fp.Label, LilvPresetURI: fp.URI, Factory: true})
		}
		pf.Presets = kept
		pf.CatalogVersion = version
		if err := s.savePluginPresetFile(pf); err != nil {
			return err
		}
	}
	return nil
}
