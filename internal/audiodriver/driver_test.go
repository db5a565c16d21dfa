package audiodriver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/internal/ring"
	"github.com/pipedal/pipedal-host/pedalboard"
)

func gainInfo(uri string) catalog.PluginInfo {
	return catalog.PluginInfo{
		URI: uri, Name: "Gain", InputPorts: 2, OutputPorts: 2,
		ControlPorts: []catalog.ControlPort{{Symbol: "gain", Index: 0, Default: 1, Min: 0, Max: 4}},
	}
}

func onePluginBoard() pedalboard.Pedalboard {
	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true,
			ControlValues: map[string]float64{"gain": 2}},
	}
	return pb
}

func TestDriverProcessesThroughDummyDevice(t *testing.T) {
	cat := catalog.NewFixtureCatalog(gainInfo("gain:1"))
	g, err := graph.Build(onePluginBoard(), cat, 48000, 32, 2)
	require.NoError(t, err)

	device := NewDummyDevice(48000, 32, 2)
	d := NewDriver(device, 4096, 4096)
	d.SetGraph(g)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return d.PeriodCount() > 0
	}, time.Second, time.Millisecond)
}

func TestDriverAppliesControlFromForwardRing(t *testing.T) {
	cat := catalog.NewFixtureCatalog(gainInfo("gain:1"))
	g, err := graph.Build(onePluginBoard(), cat, 48000, 32, 2)
	require.NoError(t, err)

	device := NewDummyDevice(48000, 32, 2)
	d := NewDriver(device, 4096, 4096)
	d.SetGraph(g)

	require.NoError(t, d.PushSetControl(1, "gain", 3.5))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	require.Eventually(t, func() bool {
		inst, ok := g.Instance(1)
		if !ok {
			return false
		}
		v, _ := inst.ControlValue("gain")
		return v == 3.5
	}, time.Second, time.Millisecond)
}

func TestDriverRetiresOldGraphOnSwap(t *testing.T) {
	cat := catalog.NewFixtureCatalog(gainInfo("gain:1"))
	g1, err := graph.Build(onePluginBoard(), cat, 48000, 32, 2)
	require.NoError(t, err)
	g2, err := graph.Build(onePluginBoard(), cat, 48000, 32, 2)
	require.NoError(t, err)

	device := NewDummyDevice(48000, 32, 2)
	d := NewDriver(device, 4096, 4096)
	d.SetGraph(g1)
	d.SetGraph(g2)

	select {
	case old := <-d.RetiredGraphs():
		require.Same(t, g1, old)
	default:
		t.Fatal("expected retired graph on channel")
	}
}

func TestDriverVolumeScaling(t *testing.T) {
	cat := catalog.NewFixtureCatalog(gainInfo("gain:1"))
	pb := pedalboard.New()
	g, err := graph.Build(pb, cat, 48000, 32, 2)
	require.NoError(t, err)

	device := NewDummyDevice(48000, 32, 2)
	d := NewDriver(device, 4096, 4096)
	d.SetGraph(g)
	d.SetOutputVolume(0.5)

	out := [][]float32{make([]float32, 32), make([]float32, 32)}
	in := [][]float32{make([]float32, 32), make([]float32, 32)}
	for i := range in[0] {
		in[0][i], in[1][i] = 1, 1
	}
	d.callback(out, in, 32)
	require.InDelta(t, 0.5, out[0][0], 1e-6)
}

func TestDriverPatchGetTimesOutWithNoGraph(t *testing.T) {
	device := NewDummyDevice(48000, 32, 2)
	d := NewDriver(device, 4096, 4096)

	require.NoError(t, d.PushPatchGet(7, 1, 42))
	d.callback(
		[][]float32{make([]float32, 32), make([]float32, 32)},
		[][]float32{make([]float32, 32), make([]float32, 32)},
		32,
	)

	msg, err := d.Return().Pop()
	require.NoError(t, err)
	require.Equal(t, MsgPatchReply, msg.Type)
}

func TestSnapshotValuesRoundTripIncludingState(t *testing.T) {
	values := []pedalboard.SnapshotValue{
		{
			InstanceID:    1,
			Enabled:       true,
			ControlValues: map[string]float64{"gain": 2.5},
			State: map[string]pedalboard.StateValue{
				"ir":    {Kind: pedalboard.StatePath, String: "/audio/ir/cab.wav"},
				"count": {Kind: pedalboard.StateInt, Int: 7},
			},
		},
	}
	decoded, ok := decodeSnapshotValues(encodeSnapshotValues(values))
	require.True(t, ok)
	require.Len(t, decoded, 1)
	require.Equal(t, int64(1), decoded[0].InstanceID)
	require.Equal(t, 2.5, decoded[0].ControlValues["gain"])
	require.Equal(t, "/audio/ir/cab.wav", decoded[0].State["ir"].String)
	require.Equal(t, int64(7), decoded[0].State["count"].Int)
}

func TestReportXrunCounts(t *testing.T) {
	d := NewDriver(NewDummyDevice(48000, 32, 2), 1024, 1024)
	require.Zero(t, d.XrunCount())
	d.ReportXrun()
	d.ReportXrun()
	require.Equal(t, int64(2), d.XrunCount())
}

func TestPatchReplySurvivesFullReturnRing(t *testing.T) {
	cat := catalog.NewFixtureCatalog(gainInfo("gain:1"))
	g, err := graph.Build(onePluginBoard(), cat, 48000, 32, 2)
	require.NoError(t, err)

	d := NewDriver(NewDummyDevice(48000, 32, 2), 4096, 1024)
	d.SetGraph(g)

	// Choke the return ring so not even a small reply fits.
	for d.Return().Push(MsgVuUpdate, make([]byte, 64)) == nil {
	}
	for d.Return().Push(MsgVuUpdate, []byte{0}) == nil {
	}

	out := [][]float32{make([]float32, 32), make([]float32, 32)}
	in := [][]float32{make([]float32, 32), make([]float32, 32)}
	require.NoError(t, d.PushPatchSet(9, 1, 42, []byte("x")))
	d.callback(out, in, 32)

	// The reply is parked, not dropped; once the service thread drains the
	// backlog, the next period delivers it.
	for {
		if _, err := d.Return().Pop(); err != nil {
			break
		}
	}
	d.callback(out, in, 32)

	var sawReply bool
	for {
		msg, err := d.Return().Pop()
		if err != nil {
			break
		}
		if msg.Type == MsgPatchReply {
			reply, ok := DecodePatchReply(msg.Payload)
			require.True(t, ok)
			require.Equal(t, uint64(9), reply.RequestID)
			sawReply = true
		}
	}
	require.True(t, sawReply, "patch reply must survive a full return ring")
}

func TestVuPublishRespectsPatchReplyReserve(t *testing.T) {
	d := NewDriver(NewDummyDevice(48000, 32, 2), 4096, 1024)

	// Fill the ring past half; the VU push below fits the raw free space
	// but would eat into the (ring-capped) reservation.
	for d.Return().Free() >= d.Return().Cap()/2 {
		require.NoError(t, d.Return().Push(MsgVuUpdate, make([]byte, 128)))
	}
	free := d.Return().Free()
	d.pushBestEffort(MsgVuUpdate, make([]byte, free-2*ring.HeaderSize))
	require.Equal(t, free, d.Return().Free(), "VU push must not consume the patch-reply reservation")
}
