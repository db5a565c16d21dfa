package model

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/internal/audiodriver"
	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/pedalboard"
)

func testCatalog() *catalog.FixtureCatalog {
	return catalog.NewFixtureCatalog(catalog.PluginInfo{
		URI: "gain:1", Name: "Gain", InputPorts: 2, OutputPorts: 2,
		ControlPorts: []catalog.ControlPort{{Symbol: "gain", Index: 0, Default: 1, Min: 0, Max: 4}},
		FileProperties: []catalog.FileProperty{
			{URI: "urn:gain:ir", Directory: "CabIRs", Extensions: []string{"wav"}},
		},
	})
}

func openTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := Open(Config{
		DataRoot:   t.TempDir(),
		DeviceName: audiodriver.DummyDevicePrefix + "test",
		SampleRate: 48000,
		BufferSize: 32,
		Channels:   2,
		Catalog:    testCatalog(),
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type fakeSubscriber struct {
	id   string
	recv chan Notification
}

func (s *fakeSubscriber) ClientID() string { return s.id }
func (s *fakeSubscriber) Deliver(n Notification) {
	select {
	case s.recv <- n:
	default:
	}
}

func TestOpenAndClose(t *testing.T) {
	m := openTestModel(t)
	require.NotNil(t, m.Catalog())
}

func TestSetControlBroadcastsExceptOriginator(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true,
			ControlValues: map[string]float64{"gain": 1}},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))

	origin := &fakeSubscriber{id: "origin", recv: make(chan Notification, 4)}
	other := &fakeSubscriber{id: "other", recv: make(chan Notification, 4)}
	m.Subscribe(origin)
	m.Subscribe(other)

	require.NoError(t, m.SetControl("origin", 1, "gain", 2.5))

	select {
	case n := <-other.recv:
		require.Equal(t, NotifyControlChanged, n.Kind)
		require.Equal(t, 2.5, n.ControlChanged.Value)
	case <-time.After(time.Second):
		t.Fatal("expected other subscriber to be notified")
	}

	select {
	case <-origin.recv:
		t.Fatal("originator should not receive its own echo")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))

	sub := &fakeSubscriber{id: "client", recv: make(chan Notification, 4)}
	m.Subscribe(sub)
	m.Unsubscribe("client")

	require.NoError(t, m.SetControl("someone-else", 1, "gain", 3))
	select {
	case <-sub.recv:
		t.Fatal("unsubscribed client should not receive notifications")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVuSubscriptionRoutesOnlyMatchingInstances(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true},
		{Kind: pedalboard.KindPlugin, InstanceID: 2, PluginURI: "gain:1", Enabled: true},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))

	received := make(chan int64, 8)
	handle := m.AddVuSubscription("client", []int64{1}, func(updates []graph.VuUpdate) {
		for _, u := range updates {
			select {
			case received <- u.InstanceID:
			default:
			}
		}
	})
	t.Cleanup(func() { m.RemoveVuSubscription(handle) })

	select {
	case id := <-received:
		require.Equal(t, int64(1), id)
	case <-time.After(time.Second):
		t.Fatal("expected a VU update within 1s")
	}
}

func TestGetPatchPropertyTimesOutWithNoCachedValue(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))

	_, err := m.GetPatchProperty(1, "urn:test:prop")
	require.Error(t, err)
}

func TestBankAndPresetRoundTrip(t *testing.T) {
	m := openTestModel(t)

	newID, err := m.SaveCurrentPresetAs("client", "Saved", 0)
	require.NoError(t, err)
	require.NotZero(t, newID)

	entries, selected := m.BankIndex()
	require.NotEmpty(t, entries)
	require.NoError(t, m.OpenBank("client", selected))
}

func TestGetPatchPropertyFallsBackToCachedValue(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 7, PluginURI: "gain:1", Enabled: true},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))

	// The write succeeds on the realtime thread and is cached into the
	// service-side pedalboard's path properties.
	uri := "urn:gain:ir"
	require.NoError(t, m.SetPatchProperty("client", 7, uri, []byte("/audio/ir/cab.wav")))

	// The fixture instance never answers PatchGet, so the realtime request
	// times out; the reply must come from the cached value, not an error.
	atom, err := m.GetPatchProperty(7, uri)
	require.NoError(t, err)
	require.Equal(t, "/audio/ir/cab.wav", string(atom))
}

func TestSetPatchPropertyMarksSnapshotModified(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true},
	}
	pb.Snapshots = []pedalboard.Snapshot{{Name: "base"}}
	pb.SelectedSnapshot = 0
	require.NoError(t, m.SetPedalboard("setup", pb))

	require.NoError(t, m.SetPatchProperty("client", 1, "urn:gain:ir", []byte("/a.wav")))
	require.True(t, m.Pedalboard().Snapshots[0].Modified)
}

func TestUnsubscribeCancelsVuHandles(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))

	received := make(chan struct{}, 64)
	m.AddVuSubscription("client", []int64{1}, func([]graph.VuUpdate) {
		select {
		case received <- struct{}{}:
		default:
		}
	})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected VU delivery before unsubscribe")
	}

	// Disconnect semantics: every handle owned by the client goes away and
	// the realtime subscription set shrinks with it.
	m.Unsubscribe("client")
	// A dispatch snapshotted just before the unsubscribe may still land;
	// give it a beat, then drain before asserting silence.
	time.Sleep(100 * time.Millisecond)
	for len(received) > 0 {
		<-received
	}
	select {
	case <-received:
		t.Fatal("VU delivery after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLoadPresetPrunesUndeclaredPathProperties(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true,
			PathProperties: map[string]string{
				"urn:gain:ir": "/audio/ir/cab.wav",
				"urn:stale":   "/gone.bin",
			}},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))
	id, err := m.SaveCurrentPresetAs("setup", "WithProps", 0)
	require.NoError(t, err)

	require.NoError(t, m.LoadPreset("client", id))

	loaded := m.Pedalboard()
	props := loaded.Items[0].PathProperties
	require.Equal(t, "/audio/ir/cab.wav", props["urn:gain:ir"])
	_, stale := props["urn:stale"]
	require.False(t, stale, "undeclared path property must be pruned on load")
}
