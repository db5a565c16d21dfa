package wsapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/internal/audiodriver"
	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/model"
	"github.com/pipedal/pipedal-host/pedalboard"
	"github.com/pipedal/pipedal-host/protocol"
)

func testCatalog() *catalog.FixtureCatalog {
	return catalog.NewFixtureCatalog(catalog.PluginInfo{
		URI: "gain:1", Name: "Gain", InputPorts: 2, OutputPorts: 2,
		ControlPorts: []catalog.ControlPort{{Symbol: "gain", Index: 0, Default: 1, Min: 0, Max: 4}},
	})
}

func openTestModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.Open(model.Config{
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

// dialSession starts an httptest server fronting a wsapi.Server over m and
// returns a connected client, closing both on test cleanup.
func dialSession(t *testing.T, m *model.Model) *websocket.Conn {
	t.Helper()
	srv := NewServer(m, zerolog.Nop())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHelloHandshakeRepliesEhlo(t *testing.T) {
	m := openTestModel(t)
	conn := dialSession(t, m)

	req, err := protocol.NewRequest(protocol.MessageHello, 1, protocol.HelloBody{ClientVersion: "1.0.0"})
	require.NoError(t, err)
	sendFrame(t, conn, req)

	reply := readFrame(t, conn)
	require.Equal(t, protocol.MessageEhlo, reply.Header.Message)
	require.NotNil(t, reply.Header.Reply)
	require.Equal(t, 1, *reply.Header.Reply)

	var body protocol.EhloBody
	require.NoError(t, reply.Decode(&body))
	require.NotEmpty(t, body.ClientID)
}

func TestSetControlBroadcastsToOtherSession(t *testing.T) {
	m := openTestModel(t)

	pb := pedalboard.New()
	pb.Items = []pedalboard.Item{
		{Kind: pedalboard.KindPlugin, InstanceID: 1, PluginURI: "gain:1", Enabled: true,
			ControlValues: map[string]float64{"gain": 1}},
	}
	require.NoError(t, m.SetPedalboard("setup", pb))

	a := dialSession(t, m)
	b := dialSession(t, m)

	for _, conn := range []*websocket.Conn{a, b} {
		req, err := protocol.NewRequest(protocol.MessageHello, 1, protocol.HelloBody{})
		require.NoError(t, err)
		sendFrame(t, conn, req)
		readFrame(t, conn) // ehlo
	}

	req, err := protocol.NewRequest(protocol.MessageSetControl, 2, protocol.SetControlBody{InstanceID: 1, Symbol: "gain", Value: 2.5})
	require.NoError(t, err)
	sendFrame(t, a, req)

	reply := readFrame(t, a)
	require.Equal(t, protocol.MessageSetControl, reply.Header.Message)
	require.NotNil(t, reply.Header.Reply)

	notif := readFrame(t, b)
	require.Equal(t, protocol.MessageOnControlChanged, notif.Header.Message)
	require.Nil(t, notif.Header.Reply)
	require.Nil(t, notif.Header.ReplyTo)

	var body protocol.SetControlBody
	require.NoError(t, notif.Decode(&body))
	require.Equal(t, 2.5, body.Value)
}

func TestUnknownMessageRepliesWithError(t *testing.T) {
	m := openTestModel(t)
	conn := dialSession(t, m)

	req, err := protocol.NewRequest("notAThing", 9, protocol.OkBody{})
	require.NoError(t, err)
	sendFrame(t, conn, req)

	reply := readFrame(t, conn)
	require.Equal(t, protocol.MessageError, reply.Header.Message)
	require.NotNil(t, reply.Header.Reply)
	require.Equal(t, 9, *reply.Header.Reply)
}

// --- ack/coalescing unit tests, exercised directly against a Session ---

func newTestSession(t *testing.T, m *model.Model) *Session {
	t.Helper()
	globalVuInFlight.Store(0)
	s := NewSession(nil, m, zerolog.Nop())
	t.Cleanup(func() { close(s.send) })
	return s
}

func drainOne(t *testing.T, s *Session) protocol.Frame {
	t.Helper()
	select {
	case data := <-s.send:
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("expected a queued outbound frame")
		return protocol.Frame{}
	}
}

func TestVuStreamCoalescesWhileInFlight(t *testing.T) {
	m := openTestModel(t)
	s := newTestSession(t, m)

	s.deliverVU(1, []graph.VuUpdate{{InstanceID: 1, PeakIn: 0.1, PeakOut: 0.2}})
	f1 := drainOne(t, s)
	require.Equal(t, protocol.MessageOnVuUpdate, f1.Header.Message)

	// A second update while the first is still unacked must coalesce, not
	// queue a second frame.
	s.deliverVU(1, []graph.VuUpdate{{InstanceID: 1, PeakIn: 0.5, PeakOut: 0.6}})
	select {
	case <-s.send:
		t.Fatal("coalesced update should not have been sent yet")
	default:
	}

	s.handleAck(int64(*f1.Header.ReplyTo))
	f2 := drainOne(t, s)
	var body protocol.VuUpdateBody
	require.NoError(t, f2.Decode(&body))
	require.Equal(t, float32(0.5), body.Updates[0].PeakIn)
}

func TestGlobalVuCapDropsBeyondFive(t *testing.T) {
	m := openTestModel(t)
	s := newTestSession(t, m)

	for h := uint64(1); h <= maxGlobalVuInFlight; h++ {
		s.deliverVU(h, []graph.VuUpdate{{InstanceID: int64(h)}})
		drainOne(t, s)
	}

	// The sixth distinct stream exceeds the process-wide cap and must be
	// dropped outright, not queued.
	s.deliverVU(maxGlobalVuInFlight+1, []graph.VuUpdate{{InstanceID: 99}})
	select {
	case <-s.send:
		t.Fatal("update beyond the global VU cap should have been dropped")
	default:
	}
}

func TestPortStreamCoalescesWhileInFlight(t *testing.T) {
	m := openTestModel(t)
	s := newTestSession(t, m)

	s.deliverPort(1, graph.PortUpdate{InstanceID: 1, Symbol: "gain", Value: 1})
	f1 := drainOne(t, s)

	s.deliverPort(1, graph.PortUpdate{InstanceID: 1, Symbol: "gain", Value: 2})
	select {
	case <-s.send:
		t.Fatal("coalesced port update should not have been sent yet")
	default:
	}

	s.handleAck(int64(*f1.Header.ReplyTo))
	f2 := drainOne(t, s)
	var body protocol.PortUpdateBody
	require.NoError(t, f2.Decode(&body))
	require.Equal(t, 2.0, body.Update.Value)
}

func TestGetJackStatusReportsRunning(t *testing.T) {
	m := openTestModel(t)
	conn := dialSession(t, m)

	req, err := protocol.NewRequest(protocol.MessageGetJackStatus, 4, protocol.OkBody{})
	require.NoError(t, err)
	sendFrame(t, conn, req)

	reply := readFrame(t, conn)
	require.Equal(t, protocol.MessageGetJackStatus, reply.Header.Message)

	var body protocol.JackStatusBody
	require.NoError(t, reply.Decode(&body))
	require.Equal(t, "running", body.State)
	require.Zero(t, body.XrunCount)
}
