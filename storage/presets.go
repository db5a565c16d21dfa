package storage

import (
	"fmt"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// currentBankLocked loads the selected bank. Callers must hold s.mu.
func (s *Store) currentBankLocked() (Bank, error) {
	i, ok := s.findBankEntry(s.index.SelectedBank)
	if !ok {
		return Bank{}, &apperr.StateError{Code: "no_selected_bank", Detail: "no bank selected"}
	}
	var bf bankFile
	found, err := readJSON(s.bankPath(s.index.Banks[i].Name), &bf)
	if err != nil {
		return Bank{}, err
	}
	if !found {
		return Bank{}, &apperr.StateError{Code: "bank_file_missing", Detail: s.index.Banks[i].Name}
	}
	return ensureSelectablePreset(bf.Bank), nil
}

func (s *Store) saveBankLocked(bank Bank) error {
	bf := bankFile{Version: bankFileVersion, Bank: bank}
	return writeJSONAtomic(s.bankPath(bank.Name), &bf)
}

// GetPreset returns one pedalboard from the selected bank by preset id
// (spec.md §4.6 get_preset).
func (s *Store) GetPreset(id int64) (pedalboard.Pedalboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, err := s.currentBankLocked()
	if err != nil {
		return pedalboard.Pedalboard{}, err
	}
	i, ok := indexOfPresetID(bank, id)
	if !ok {
		return pedalboard.Pedalboard{}, &apperr.StateError{Code: "preset_not_found", Detail: fmt.Sprintf("preset %d", id)}
	}
	return bank.Presets[i].DeepCopy(), nil
}

// SaveCurrentPreset overwrites the selected preset in the selected bank
// with pb (spec.md §4.6 save_current_preset).
func (s *Store) SaveCurrentPreset(pb pedalboard.Pedalboard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, err := s.currentBankLocked()
	if err != nil {
		return err
	}
	i, ok := indexOfPresetID(bank, bank.SelectedPreset)
	if !ok {
		return &apperr.StateError{Code: "no_selected_preset", Detail: "save_current_preset"}
	}
	bank.Presets[i] = pb.DeepCopy()
	return s.saveBankLocked(bank)
}

// SaveCurrentPresetAs appends pb as a new preset named name, inserted after
// afterID, and returns its new id (spec.md §4.6 save_current_preset_as).
func (s *Store) SaveCurrentPresetAs(pb pedalboard.Pedalboard, name string, afterID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, err := s.currentBankLocked()
	if err != nil {
		return 0, err
	}
	for _, p := range bank.Presets {
		if p.Name == name {
			return 0, &apperr.StateError{Code: "duplicate_name", Detail: name}
		}
	}
	pb = pb.DeepCopy()
	pb.Name = name
	newID := bank.NextPresetID
	if newID == 0 {
		newID = 1
	}
	bank.NextPresetID = newID + 1

	insertAt := len(bank.Presets)
	if i, ok := indexOfPresetID(bank, afterID); ok {
		insertAt = i + 1
	}
	bank.Presets = insertSlice(bank.Presets, insertAt, pb)
	bank.PresetIDs = insertID(bank.PresetIDs, insertAt, newID)
	bank.SelectedPreset = newID

	if err := s.saveBankLocked(bank); err != nil {
		return 0, err
	}
	return newID, nil
}

// DeletePreset removes a preset from the selected bank and returns the id
// that should become selected afterward (spec.md §4.6 delete_preset).
func (s *Store) DeletePreset(id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, err := s.currentBankLocked()
	if err != nil {
		return 0, err
	}
	i, ok := indexOfPresetID(bank, id)
	if !ok {
		return 0, &apperr.StateError{Code: "preset_not_found", Detail: fmt.Sprintf("preset %d", id)}
	}
	bank.Presets = append(bank.Presets[:i:i], bank.Presets[i+1:]...)
	bank.PresetIDs = append(bank.PresetIDs[:i:i], bank.PresetIDs[i+1:]...)
	bank = ensureSelectablePreset(bank)
	if err := s.saveBankLocked(bank); err != nil {
		return 0, err
	}
	return bank.SelectedPreset, nil
}

// RenamePreset renames a preset in the selected bank, rejecting a duplicate
// name and leaving the on-disk bank unchanged on conflict (spec.md §8
// scenario 4).
func (s *Store) RenamePreset(id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, err := s.currentBankLocked()
	if err != nil {
		return err
	}
	i, ok := indexOfPresetID(bank, id)
	if !ok {
		return &apperr.StateError{Code: "preset_not_found", Detail: fmt.Sprintf("preset %d", id)}
	}
	for j, p := range bank.Presets {
		if j != i && p.Name == name {
			return &apperr.StateError{Code: "duplicate_name", Detail: name}
		}
	}
	bank.Presets[i].Name = name
	return s.saveBankLocked(bank)
}

// CopyPreset duplicates the preset at fromID to just after toID, returning
// the new preset's id (spec.md §4.6 copy_preset).
func (s *Store) CopyPreset(fromID, toID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, err := s.currentBankLocked()
	if err != nil {
		return 0, err
	}
	i, ok := indexOfPresetID(bank, fromID)
	if !ok {
		return 0, &apperr.StateError{Code: "preset_not_found", Detail: fmt.Sprintf("preset %d", fromID)}
	}
	copyPb := bank.Presets[i].DeepCopy()
	copyPb.Name = copyPb.Name + " copy"
	newID := bank.NextPresetID
	if newID == 0 {
		newID = 1
	}
	bank.NextPresetID = newID + 1

	insertAt := len(bank.Presets)
	if j, ok := indexOfPresetID(bank, toID); ok {
		insertAt = j + 1
	}
	bank.Presets = insertSlice(bank.Presets, insertAt, copyPb)
	bank.PresetIDs = insertID(bank.PresetIDs, insertAt, newID)

	if err := s.saveBankLocked(bank); err != nil {
		return 0, err
	}
	return newID, nil
}

func insertSlice(items []pedalboard.Pedalboard, at int, v pedalboard.Pedalboard) []pedalboard.Pedalboard {
	out := make([]pedalboard.Pedalboard, 0, len(items)+1)
	out = append(out, items[:at]...)
	out = append(out, v)
	out = append(out, items[at:]...)
	return out
}

func insertID(ids []int64, at int, v int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	out = append(out, ids[:at]...)
	out = append(out, v)
	out = append(out, ids[at:]...)
	return out
}
