package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// Store is the filesystem-backed persistence layer rooted at one data
// directory. Every exported method assumes it is called from a single
// caller thread, per spec.md §5 ("Storage mutates the filesystem only on
// the service thread"). Store's mutex guards the in-memory bank index and
// the read-modify-write of bank and settings files; the plugin-preset,
// current-preset and upload methods do not take it.
type Store struct {
	root string
	log  zerolog.Logger
	cat  catalog.PluginCatalog

	mu    sync.Mutex
	index bankIndexFile
}

// Open loads (or creates) the bank index at root and returns a ready Store.
func Open(root string, cat catalog.PluginCatalog, logger zerolog.Logger) (*Store, error) {
	s := &Store{root: root, cat: cat, log: logger}
	ok, err := readJSON(s.indexPath(), &s.index)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.index = bankIndexFile{Version: bankIndexVersion, NextBankID: 1, SelectedBank: -1}
		if err := s.createDefaultBankLocked(); err != nil {
			return nil, err
		}
		if err := s.saveIndexLocked(); err != nil {
			return nil, err
		}
	}
	if err := s.reindexFactoryPresetsIfStale(); err != nil {
		s.log.Warn().Err(err).Msg("storage: factory preset reindex failed")
	}
	return s, nil
}

// createDefaultBankLocked gives a freshly initialized index one selectable
// bank, mirroring ensureSelectablePreset's "always leave one selectable
// preset" guarantee one level up: a store with zero banks would otherwise
// fail every preset operation with "no selected bank" before a UI ever gets
// a chance to create one.
func (s *Store) createDefaultBankLocked() error {
	bank := ensureSelectablePreset(Bank{Name: "Default"})
	bank.ID = s.index.NextBankID
	s.index.NextBankID++
	s.index.Banks = append(s.index.Banks, BankIndexEntry{ID: bank.ID, Name: bank.Name})
	s.index.SelectedBank = bank.ID

	bf := bankFile{Version: bankFileVersion, UpdatedAt: time.Now(), Bank: bank}
	return writeJSONAtomic(s.bankPath(bank.Name), &bf)
}

func (s *Store) indexPath() string { return filepath.Join(s.root, "banks", "index.json") }
func (s *Store) bankPath(name string) string {
	return filepath.Join(s.root, "banks", safeFileName(name)+".json")
}
func (s *Store) pluginPresetPath(uri string) string {
	return filepath.Join(s.root, "plugin_presets", safeFileName(uri)+".json")
}
func (s *Store) settingsPath() string { return filepath.Join(s.root, "settings.json") }
func (s *Store) currentPresetPath() string { return filepath.Join(s.root, "current_preset.json") }
func (s *Store) uploadsRoot() string { return filepath.Join(s.root, "user_uploads") }

func (s *Store) saveIndexLocked() error {
	s.index.UpdatedAt = time.Now()
	return writeJSONAtomic(s.indexPath(), &s.index)
}

// BankIndex returns the ordered list of known banks and the selected one.
func (s *Store) BankIndex() ([]BankIndexEntry, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BankIndexEntry, len(s.index.Banks))
	copy(out, s.index.Banks)
	return out, s.index.SelectedBank
}

func (s *Store) findBankEntry(id int64) (int, bool) {
	for i, e := range s.index.Banks {
		if e.ID == id {
			return i, true
		}
	}
	return -1, false
}

// LoadBank reads one bank by id (spec.md §4.6 load_bank).
func (s *Store) LoadBank(id int64) (Bank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findBankEntry(id)
	if !ok {
		return Bank{}, &apperr.StateError{Code: "bank_not_found", Detail: fmt.Sprintf("bank %d", id)}
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

// SaveBank persists bank's contents and (re)registers it in the index
// (spec.md §4.6 save_bank). A zero ID allocates a new one.
func (s *Store) SaveBank(bank Bank) (Bank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bank = ensureSelectablePreset(bank)
	if bank.ID == 0 {
		bank.ID = s.index.NextBankID
		s.index.NextBankID++
		s.index.Banks = append(s.index.Banks, BankIndexEntry{ID: bank.ID, Name: bank.Name})
	} else if i, ok := s.findBankEntry(bank.ID); ok {
		s.index.Banks[i].Name = bank.Name
	} else {
		s.index.Banks = append(s.index.Banks, BankIndexEntry{ID: bank.ID, Name: bank.Name})
	}

	bf := bankFile{Version: bankFileVersion, UpdatedAt: time.Now(), Bank: bank}
	if err := writeJSONAtomic(s.bankPath(bank.Name), &bf); err != nil {
		return Bank{}, err
	}
	if err := s.saveIndexLocked(); err != nil {
		return Bank{}, err
	}
	return bank, nil
}

// DeleteBank removes a bank and returns the id that should become selected
// afterward (spec.md §4.6 delete_bank "new_selection").
func (s *Store) DeleteBank(id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.findBankEntry(id)
	if !ok {
		return 0, &apperr.StateError{Code: "bank_not_found", Detail: fmt.Sprintf("bank %d", id)}
	}
	name := s.index.Banks[i].Name
	s.index.Banks = append(s.index.Banks[:i:i], s.index.Banks[i+1:]...)

	if s.index.SelectedBank == id {
		if len(s.index.Banks) > 0 {
			s.index.SelectedBank = s.index.Banks[0].ID
		} else {
			s.index.SelectedBank = -1
		}
	}
	if err := s.saveIndexLocked(); err != nil {
		return 0, err
	}
	removeBankFile(s.bankPath(name))
	return s.index.SelectedBank, nil
}

// MoveBank relocates the bank index entry at position from to position to
// (spec.md §4.6 move_bank).
func (s *Store) MoveBank(from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < 0 || from >= len(s.index.Banks) || to < 0 || to >= len(s.index.Banks) {
		return &apperr.InvalidRequestError{Code: "bad_index", Detail: "move_bank out of range"}
	}
	entry := s.index.Banks[from]
	s.index.Banks = append(s.index.Banks[:from:from], s.index.Banks[from+1:]...)
	s.index.Banks = append(s.index.Banks[:to], append([]BankIndexEntry{entry}, s.index.Banks[to:]...)...)
	return s.saveIndexLocked()
}

// RenameBank renames a bank, rejecting a name already used by another bank
// (spec.md §8 scenario 4: duplicate names reply "error", index unchanged).
func (s *Store) RenameBank(id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.findBankEntry(id)
	if !ok {
		return &apperr.StateError{Code: "bank_not_found", Detail: fmt.Sprintf("bank %d", id)}
	}
	for j, e := range s.index.Banks {
		if j != i && e.Name == name {
			return &apperr.StateError{Code: "duplicate_name", Detail: name}
		}
	}
	oldName := s.index.Banks[i].Name
	if oldName == name {
		return nil
	}

	var bf bankFile
	found, err := readJSON(s.bankPath(oldName), &bf)
	if err != nil {
		return err
	}
	if found {
		bf.Bank.Name = name
		if err := writeJSONAtomic(s.bankPath(name), &bf); err != nil {
			return err
		}
		removeBankFile(s.bankPath(oldName))
	}
	s.index.Banks[i].Name = name
	return s.saveIndexLocked()
}

// ensureSelectablePreset invents a default empty pedalboard whenever a bank
// write would otherwise leave no selectable preset (spec.md §4.6
// Validation: "exactly one preset selected").
func ensureSelectablePreset(bank Bank) Bank {
	if len(bank.Presets) > 0 {
		if _, ok := indexOfPresetID(bank, bank.SelectedPreset); ok {
			return bank
		}
		bank.SelectedPreset = bank.PresetIDs[0]
		return bank
	}
	pb := pedalboard.New()
	id := bank.NextPresetID
	if id == 0 {
		id = 1
	}
	bank.Presets = []pedalboard.Pedalboard{pb}
	bank.PresetIDs = []int64{id}
	bank.SelectedPreset = id
	bank.NextPresetID = id + 1
	return bank
}

func indexOfPresetID(bank Bank, id int64) (int, bool) {
	for i, pid := range bank.PresetIDs {
		if pid == id {
			return i, true
		}
	}
	return -1, false
}
