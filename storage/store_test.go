package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/pedalboard"
)

func testCatalog() *catalog.FixtureCatalog {
	return catalog.NewFixtureCatalog(catalog.PluginInfo{
		URI: "gain:1", Name: "Gain", InputPorts: 2, OutputPorts: 2,
		ControlPorts: []catalog.ControlPort{{Symbol: "gain", Index: 0, Default: 1, Min: 0, Max: 4}},
		FileProperties: []catalog.FileProperty{
			{URI: "urn:gain:ir", Directory: string(DirCabIRs), Extensions: []string{"wav"}},
		},
		FactoryPresets: []catalog.FactoryPreset{{URI: "urn:gain:factory:clean", Label: "Clean"}},
	})
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testCatalog(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestOpenCreatesSelectableDefault(t *testing.T) {
	s := openTestStore(t)
	entries, selected := s.BankIndex()
	require.Len(t, entries, 1)
	require.Equal(t, entries[0].ID, selected)

	bank, err := s.LoadBank(selected)
	require.NoError(t, err)
	require.NotEmpty(t, bank.Presets)
	_, ok := indexOfPresetID(bank, bank.SelectedPreset)
	require.True(t, ok)
}

func TestOpenReloadsExistingIndex(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, testCatalog(), zerolog.Nop())
	require.NoError(t, err)
	id, err := s1.SaveCurrentPresetAs(pedalboard.New(), "Kept", 0)
	require.NoError(t, err)

	s2, err := Open(dir, testCatalog(), zerolog.Nop())
	require.NoError(t, err)
	pb, err := s2.GetPreset(id)
	require.NoError(t, err)
	require.Equal(t, "Kept", pb.Name)
}

func TestSaveCurrentPresetAsAndGetPreset(t *testing.T) {
	s := openTestStore(t)
	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true,
			ControlValues: map[string]float64{"gain": 2}},
	}
	id, err := s.SaveCurrentPresetAs(pb, "Crunch", 0)
	require.NoError(t, err)

	got, err := s.GetPreset(id)
	require.NoError(t, err)
	require.Equal(t, "Crunch", got.Name)
	require.Equal(t, 2.0, got.Items[0].ControlValues["gain"])
}

func TestRenamePresetConflictLeavesDiskUnchanged(t *testing.T) {
	s := openTestStore(t)
	idA, err := s.SaveCurrentPresetAs(pedalboard.New(), "A", 0)
	require.NoError(t, err)
	idB, err := s.SaveCurrentPresetAs(pedalboard.New(), "B", idA)
	require.NoError(t, err)

	err = s.RenamePreset(idB, "A")
	var stateErr *apperr.StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, "duplicate_name", stateErr.Code)

	// On-disk state unchanged: B is still named B.
	pb, err := s.GetPreset(idB)
	require.NoError(t, err)
	require.Equal(t, "B", pb.Name)
}

func TestDeletePresetAlwaysLeavesASelection(t *testing.T) {
	s := openTestStore(t)
	_, selected := s.BankIndex()
	bank, err := s.LoadBank(selected)
	require.NoError(t, err)

	// Delete every preset the bank has; the invariant invents a default.
	for _, id := range bank.PresetIDs {
		_, err := s.DeletePreset(id)
		require.NoError(t, err)
	}
	bank, err = s.LoadBank(selected)
	require.NoError(t, err)
	require.NotEmpty(t, bank.Presets)
	_, ok := indexOfPresetID(bank, bank.SelectedPreset)
	require.True(t, ok)
}

func TestCopyPresetInsertsAfterTarget(t *testing.T) {
	s := openTestStore(t)
	idA, err := s.SaveCurrentPresetAs(pedalboard.New(), "A", 0)
	require.NoError(t, err)

	newID, err := s.CopyPreset(idA, idA)
	require.NoError(t, err)
	pb, err := s.GetPreset(newID)
	require.NoError(t, err)
	require.Equal(t, "A copy", pb.Name)
}

func TestRenameBankConflict(t *testing.T) {
	s := openTestStore(t)
	first, err := s.SaveBank(Bank{Name: "Live"})
	require.NoError(t, err)
	second, err := s.SaveBank(Bank{Name: "Studio"})
	require.NoError(t, err)

	err = s.RenameBank(second.ID, "Live")
	var stateErr *apperr.StateError
	require.ErrorAs(t, err, &stateErr)

	require.NoError(t, s.RenameBank(first.ID, "Stage"))
	bank, err := s.LoadBank(first.ID)
	require.NoError(t, err)
	require.Equal(t, "Stage", bank.Name)
}

func TestDeleteBankMovesSelection(t *testing.T) {
	s := openTestStore(t)
	_, originallySelected := s.BankIndex()
	extra, err := s.SaveBank(Bank{Name: "Extra"})
	require.NoError(t, err)

	newSelection, err := s.DeleteBank(originallySelected)
	require.NoError(t, err)
	require.Equal(t, extra.ID, newSelection)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := openTestStore(t)
	_, err := s.SaveCurrentPresetAs(pedalboard.New(), "Tidy", 0)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(s.root, "banks"))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestSafeFileNameRoundTrip(t *testing.T) {
	names := []string{
		"Plain",
		"With Spaces",
		"slash/and\\backslash",
		"percent%sign",
		"unicode — böard",
		"http://example.org/plugin#frag",
		"control\x07char",
		"low\x01\x0fbytes",
	}
	for _, name := range names {
		encoded := safeFileName(name)
		require.NotContains(t, encoded, "/")
		require.NotContains(t, encoded, "\\")
		require.Equal(t, name, unsafeFileName(encoded))
	}
}

func TestFavoritesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetFavorites([]string{"gain:1", "urn:other"}))
	got, err := s.GetFavorites()
	require.NoError(t, err)
	require.Equal(t, []string{"gain:1", "urn:other"}, got)
}

func TestSystemMidiBindingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	in := []pedalboard.MidiBinding{{Symbol: "shutdown", Controller: 10}}
	require.NoError(t, s.SetSystemMidiBindings(in))
	got, err := s.GetSystemMidiBindings()
	require.NoError(t, err)
	require.Equal(t, in, got)
}

func TestPluginPresetSaveLoadCopy(t *testing.T) {
	s := openTestStore(t)
	item := pedalboard.Item{
		Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1",
		ControlValues: map[string]float64{"gain": 3},
		State:         map[string]pedalboard.StateValue{"k": {Kind: pedalboard.StateFloat, Float: 0.5}},
	}
	id, err := s.SavePluginPreset("gain:1", "Hot", item)
	require.NoError(t, err)

	controls, state, _, err := s.LoadPluginPresetValues("gain:1", id)
	require.NoError(t, err)
	require.Equal(t, 3.0, controls["gain"])
	require.Equal(t, 0.5, state["k"].Float)

	copyID, err := s.CopyPluginPreset("gain:1", id, "Hotter")
	require.NoError(t, err)
	require.NotEqual(t, id, copyID)

	presets, err := s.GetPluginPresets("gain:1")
	require.NoError(t, err)
	// Factory preset from the catalog reindex plus the two saved above.
	require.Len(t, presets, 3)
}

func TestFactoryPresetsReindexedOncePerCatalogVersion(t *testing.T) {
	dir := t.TempDir()
	cat := testCatalog()
	_, err := Open(dir, cat, zerolog.Nop())
	require.NoError(t, err)

	// Reopening at the same catalog version must not duplicate them.
	s, err := Open(dir, cat, zerolog.Nop())
	require.NoError(t, err)
	presets, err := s.GetPluginPresets("gain:1")
	require.NoError(t, err)
	require.Len(t, presets, 1)
	require.True(t, presets[0].Factory)
}

func TestUploadUserFileValidatesProperty(t *testing.T) {
	s := openTestStore(t)
	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true},
	}

	rel, err := s.UploadUserFile(pb, 1, "urn:gain:ir", DirCabIRs, "cab.wav",
		strings.NewReader("RIFFdata"), 8)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(string(DirCabIRs), "cab.wav"), rel)

	// Unknown patch property is rejected before any bytes land on disk.
	_, err = s.UploadUserFile(pb, 1, "urn:gain:nope", DirCabIRs, "cab.wav",
		strings.NewReader("RIFFdata"), 8)
	var invalid *apperr.InvalidRequestError
	require.ErrorAs(t, err, &invalid)

	// Disallowed extension is rejected too.
	_, err = s.UploadUserFile(pb, 1, "urn:gain:ir", DirCabIRs, "cab.exe",
		strings.NewReader("MZ"), 2)
	require.ErrorAs(t, err, &invalid)
}

func TestAbstractPathRoundTrip(t *testing.T) {
	s := openTestStore(t)
	abs := filepath.Join(s.uploadsRoot(), string(DirCabIRs), "cab.wav")

	ap, err := s.ToAbstractPath(abs)
	require.NoError(t, err)
	require.Equal(t, DirCabIRs, ap.Directory)
	require.Equal(t, "cab.wav", ap.Relative)
	require.Equal(t, abs, s.FromAbstractPath(ap))

	_, err = s.ToAbstractPath("/etc/passwd")
	require.Error(t, err)
}

func TestFileListFiltersByExtension(t *testing.T) {
	s := openTestStore(t)
	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true},
	}
	_, err := s.UploadUserFile(pb, 1, "urn:gain:ir", DirCabIRs, "cab.wav",
		strings.NewReader("RIFF"), 4)
	require.NoError(t, err)

	fp := catalog.FileProperty{URI: "urn:gain:ir", Extensions: []string{"wav"}}
	files, err := s.GetFileList(string(DirCabIRs), fp)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "cab.wav", files[0].Name)
}

func TestCrashOnLoadGuardStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testCatalog(), zerolog.Nop())
	require.NoError(t, err)

	pb := pedalboard.New()
	pb.Name = "Crasher"
	require.NoError(t, s.SaveCurrentPresetSnapshot(pb))

	// Simulate a process that died mid-load: the sentinel is written and
	// never cleared.
	s.BeginPresetLoad()

	s2, err := Open(dir, testCatalog(), zerolog.Nop())
	require.NoError(t, err)
	got, err := s2.LoadCurrentPreset()
	require.NoError(t, err)
	require.Equal(t, "Default", got.Name)

	// The guard is one-shot: with the sentinel consumed, the saved board
	// loads again.
	got, err = s2.LoadCurrentPreset()
	require.NoError(t, err)
	require.Equal(t, "Crasher", got.Name)
}

func TestPresetLoadSentinelClearedOnSuccess(t *testing.T) {
	s := openTestStore(t)
	pb := pedalboard.New()
	pb.Name = "Fine"
	require.NoError(t, s.SaveCurrentPresetSnapshot(pb))

	s.BeginPresetLoad()
	s.EndPresetLoad()

	got, err := s.LoadCurrentPreset()
	require.NoError(t, err)
	require.Equal(t, "Fine", got.Name)
}
