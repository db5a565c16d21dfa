package pedalboard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func boardWithSplit() Pedalboard {
	pb := New()
	pb.Items = []Item{
		{Kind: KindPlugin, InstanceID: 1, PluginURI: "u:one", Enabled: true,
			ControlValues: map[string]float64{"gain": 1}},
		{Kind: KindSplit, InstanceID: 10, Split: SplitMix, Mix: 0.5,
			Top: []Item{
				{Kind: KindPlugin, InstanceID: 2, PluginURI: "u:two", Enabled: true,
					ControlValues: map[string]float64{"drive": 0.3}},
			},
			Bottom: []Item{
				{Kind: KindEmpty},
			},
		},
		{Kind: KindPlugin, InstanceID: 3, PluginURI: "u:three", Enabled: false},
	}
	return pb
}

func TestGetAllPluginsDescendsSplits(t *testing.T) {
	pb := boardWithSplit()
	all := pb.GetAllPlugins()
	require.Len(t, all, 5) // 1, split, 2, empty, 3

	ids := pb.SortedInstanceIDs()
	require.Equal(t, []int64{1, 2, 3, 10}, ids)
}

func TestSetControlInsideSplitChild(t *testing.T) {
	pb := boardWithSplit()
	require.True(t, pb.SetControl(2, "drive", 0.9))
	require.Equal(t, 0.9, pb.Items[1].Top[0].ControlValues["drive"])
	require.False(t, pb.SetControl(42, "drive", 0.9))
}

func TestStructuralIdentityIgnoresValues(t *testing.T) {
	pb := boardWithSplit()
	cp := pb.DeepCopy()
	cp.SetControl(1, "gain", 3)
	cp.SetItemEnabled(3, true)
	cp.SetPathProperty(2, "urn:p", "/x")
	cp.Items[0].State = map[string]StateValue{"k": {Kind: StateInt, Int: 9}}

	require.True(t, pb.IsStructurallyIdentical(cp))
	require.True(t, cp.IsStructurallyIdentical(pb))
}

func TestStructuralIdentityBreaksOnTopology(t *testing.T) {
	pb := boardWithSplit()

	inserted := pb.DeepCopy()
	inserted.Items = append([]Item{{Kind: KindPlugin, InstanceID: 7, PluginURI: "u:new"}}, inserted.Items...)
	require.False(t, pb.IsStructurallyIdentical(inserted))

	swapped := pb.DeepCopy()
	swapped.Items[0].PluginURI = "u:other"
	require.False(t, pb.IsStructurallyIdentical(swapped))

	reSplit := pb.DeepCopy()
	reSplit.Items[1].Top = nil
	require.False(t, pb.IsStructurallyIdentical(reSplit))
}

func TestDeepCopySharesNothing(t *testing.T) {
	pb := boardWithSplit()
	pb.Items[0].State = map[string]StateValue{"blob": {Kind: StateBinary, Binary: []byte{1, 2}}}
	pb.Items[0].MidiBindings = []MidiBinding{{Symbol: "gain", Controller: 7}}
	pb.Snapshots = []Snapshot{pb.MakeSnapshotFromCurrent(nil)}

	cp := pb.DeepCopy()
	cp.Items[0].ControlValues["gain"] = 99
	cp.Items[0].State["blob"].Binary[0] = 42
	cp.Items[1].Top[0].ControlValues["drive"] = 99
	cp.Items[0].MidiBindings[0].Controller = 99
	cp.Snapshots[0].Values[0].ControlValues["gain"] = 99

	require.Equal(t, 1.0, pb.Items[0].ControlValues["gain"])
	require.Equal(t, byte(1), pb.Items[0].State["blob"].Binary[0])
	require.Equal(t, 0.3, pb.Items[1].Top[0].ControlValues["drive"])
	require.Equal(t, 7, pb.Items[0].MidiBindings[0].Controller)
	require.Equal(t, 1.0, pb.Snapshots[0].Values[0].ControlValues["gain"])
}

func TestApplySnapshotIsIdempotent(t *testing.T) {
	pb := boardWithSplit()
	pb.Snapshots = []Snapshot{{
		Name: "clean",
		Values: []SnapshotValue{
			{InstanceID: 1, Enabled: false, ControlValues: map[string]float64{"gain": 0.25}},
			{InstanceID: 2, Enabled: true, ControlValues: map[string]float64{"drive": 0.7}},
		},
	}}

	require.True(t, pb.ApplySnapshot(0))
	first := pb.DeepCopy()
	pb.ApplySnapshot(0)

	require.Equal(t, first.Items[0].ControlValues, pb.Items[0].ControlValues)
	require.Equal(t, first.Items[0].Enabled, pb.Items[0].Enabled)
	require.Equal(t, first.Items[1].Top[0].ControlValues, pb.Items[1].Top[0].ControlValues)
	require.Equal(t, 0, pb.SelectedSnapshot)
}

func TestApplySnapshotDropsOrphanedValues(t *testing.T) {
	pb := boardWithSplit()
	pb.Snapshots = []Snapshot{{
		Name: "orphaned",
		Values: []SnapshotValue{
			{InstanceID: 42, Enabled: true, ControlValues: map[string]float64{"gone": 1}},
			{InstanceID: 1, Enabled: true, ControlValues: map[string]float64{"gain": 0.5}},
		},
	}}

	require.True(t, pb.ApplySnapshot(0))
	require.Equal(t, 0.5, pb.Items[0].ControlValues["gain"])
}

func TestApplySnapshotOutOfRange(t *testing.T) {
	pb := boardWithSplit()
	require.False(t, pb.ApplySnapshot(0))
	require.False(t, pb.ApplySnapshot(-1))
}

func TestMakeSnapshotCapturesAllInstances(t *testing.T) {
	pb := boardWithSplit()
	prev := Snapshot{Name: "live", Color: "#ff0000"}
	snap := pb.MakeSnapshotFromCurrent(&prev)

	require.Equal(t, "live", snap.Name)
	require.Equal(t, "#ff0000", snap.Color)
	require.True(t, snap.Modified)
	// Plugins and the split node, but not the Empty placeholder.
	require.Len(t, snap.Values, 4)
}

func TestPathPropertyCache(t *testing.T) {
	pb := boardWithSplit()
	_, ok := pb.PathProperty(1, "urn:ir")
	require.False(t, ok)

	require.True(t, pb.SetPathProperty(1, "urn:ir", "/audio/ir/cab.wav"))
	v, ok := pb.PathProperty(1, "urn:ir")
	require.True(t, ok)
	require.Equal(t, "/audio/ir/cab.wav", v)
}

func TestSetItemPresetBumpsStateUpdateCount(t *testing.T) {
	pb := boardWithSplit()
	before := pb.Items[0].StateUpdateCount
	ok := pb.SetItemPreset(1, map[string]float64{"gain": 2},
		map[string]StateValue{"k": {Kind: StateString, String: "v"}}, "urn:preset:1")
	require.True(t, ok)
	require.Equal(t, before+1, pb.Items[0].StateUpdateCount)
	require.Equal(t, "urn:preset:1", pb.Items[0].LilvPresetURI)
}

func TestPruneFilePropertiesDropsUndeclared(t *testing.T) {
	pb := boardWithSplit()
	pb.SetPathProperty(1, "urn:one:ir", "/irs/cab.wav")
	pb.SetPathProperty(1, "urn:stale", "/gone.bin")
	pb.SetPathProperty(2, "urn:stale", "/gone.bin")
	pb.Snapshots = []Snapshot{{
		Name: "snap",
		Values: []SnapshotValue{
			{InstanceID: 1, PathProperties: map[string]string{
				"urn:one:ir": "/irs/other.wav",
				"urn:stale":  "/gone.bin",
			}},
			{InstanceID: 42, PathProperties: map[string]string{"urn:stale": "/gone.bin"}},
		},
	}}

	declared := map[string]map[string]bool{
		"u:one": {"urn:one:ir": true},
	}
	changed := pb.PruneFileProperties(func(pluginURI, propertyURI string) bool {
		return declared[pluginURI][propertyURI]
	})
	require.True(t, changed)

	v, ok := pb.PathProperty(1, "urn:one:ir")
	require.True(t, ok)
	require.Equal(t, "/irs/cab.wav", v)
	_, ok = pb.PathProperty(1, "urn:stale")
	require.False(t, ok)

	// The split child's map emptied out entirely.
	require.Nil(t, pb.Items[1].Top[0].PathProperties)

	// Snapshot values are pruned too; orphaned values are left for
	// apply-time dropping.
	require.Equal(t, map[string]string{"urn:one:ir": "/irs/other.wav"}, pb.Snapshots[0].Values[0].PathProperties)
	require.NotNil(t, pb.Snapshots[0].Values[1].PathProperties)
}

func TestPruneFilePropertiesNoChange(t *testing.T) {
	pb := boardWithSplit()
	pb.SetPathProperty(1, "urn:one:ir", "/irs/cab.wav")
	changed := pb.PruneFileProperties(func(string, string) bool { return true })
	require.False(t, changed)
	_, ok := pb.PathProperty(1, "urn:one:ir")
	require.True(t, ok)
}
