package wsapi

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/midibind"
	"github.com/pipedal/pipedal-host/model"
	"github.com/pipedal/pipedal-host/protocol"
)

// writeWait bounds how long a single outbound frame may take to write
// before the connection is considered dead (streamspace hub.go writePump).
const writeWait = 10 * time.Second

// pongWait/pingPeriod keep the connection alive and let the server detect a
// client that stopped responding (streamspace hub.go readPump/writePump).
const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// sendBuffer is the outbound queue depth; a client that can't keep up is
// disconnected rather than allowed to back-pressure the broadcast path
// (streamspace hub.go Client.send / ws_poc shared.Client slow-client
// detection, simplified here to a single "drop the connection" response
// since audio control messages, unlike a price feed, are not safe to
// silently fall behind on).
const sendBuffer = 256

// Session is one remote client's connection to the shared model.Model
// (spec.md §4.7 C8). It implements model.Subscriber so Model's broadcast
// loop can hand it notifications directly; Run owns request dispatch,
// writeLoop owns the single outbound byte stream.
type Session struct {
	clientID string
	conn     *websocket.Conn
	model    *model.Model
	log      zerolog.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	nextReqID atomic.Int64

	acksMu      sync.Mutex
	pendingAcks map[int64]ackRoute

	streamsMu    sync.Mutex
	vuStreams    map[uint64]*vuStream
	portStreams  map[uint64]*portStream
	patchStreams map[uint64]*patchStream

	vuHandles    map[uint64]struct{}
	portHandles  map[uint64]struct{}
	midiHandles  map[uint64]struct{}
	patchHandles map[uint64]struct{}

	// onShutdown/onRestart back the shutdown/restart control messages
	// (spec.md §9 "treat the outbound side effects... as opaque calls into
	// external collaborators"). Left nil by NewSession; Server.ServeHTTP
	// sets them from its OnShutdown/OnRestart fields before calling Run.
	onShutdown func()
	onRestart  func()
}

// SetSystemActions wires the shutdown/restart control messages to the
// process's privileged helper. Left unset, those requests reply with a
// StateError instead of silently doing nothing.
func (s *Session) SetSystemActions(onShutdown, onRestart func()) {
	s.onShutdown = onShutdown
	s.onRestart = onRestart
}

// NewSession wraps an upgraded websocket connection. The caller is expected
// to call Run, which blocks until the connection closes.
func NewSession(conn *websocket.Conn, m *model.Model, log zerolog.Logger) *Session {
	clientID := model.NewClientID()
	return &Session{
		clientID:     clientID,
		conn:         conn,
		model:        m,
		log:          log.With().Str("clientId", clientID).Logger(),
		send:         make(chan []byte, sendBuffer),
		closed:       make(chan struct{}),
		pendingAcks:  make(map[int64]ackRoute),
		vuStreams:    make(map[uint64]*vuStream),
		portStreams:  make(map[uint64]*portStream),
		patchStreams: make(map[uint64]*patchStream),
		vuHandles:    make(map[uint64]struct{}),
		portHandles:  make(map[uint64]struct{}),
		midiHandles:  make(map[uint64]struct{}),
		patchHandles: make(map[uint64]struct{}),
	}
}

// ClientID implements model.Subscriber.
func (s *Session) ClientID() string { return s.clientID }

// Deliver implements model.Subscriber: every broadcast notification is
// translated into a protocol frame and queued for the write loop (spec.md
// §4.5 "broadcast to all... the sender is typically excluded from its own
// echo").
func (s *Session) Deliver(n model.Notification) {
	frame, ok := notificationFrame(n)
	if !ok {
		return
	}
	s.enqueue(frame)
}

// Run drives the connection until it closes: starts the write loop, then
// reads and dispatches inbound frames on the calling goroutine. It returns
// once the connection is gone and the session has been torn down.
func (s *Session) Run() {
	go s.writeLoop()

	s.conn.SetReadLimit(1 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn().Err(err).Msg("wsapi: malformed frame")
			continue
		}
		s.handleInbound(f)
	}

	s.teardown()
}

// teardown cancels every subscription this session owns and removes it
// from Model's broadcast set (spec.md §4.7 "On disconnect all its
// subscriptions are cancelled and it is removed"); Model.Unsubscribe
// already cancels VU/port/patch-property/MIDI handles keyed by clientID,
// so Session only needs to stop its own goroutines and close the socket.
func (s *Session) teardown() {
	s.model.Unsubscribe(s.clientID)
	s.close()
}

// close marks the session dead and closes the socket. The send channel is
// deliberately never closed: Model's broadcast loop may still hold this
// session in a snapshot it took before Unsubscribe ran, and a late Deliver
// must land in a full-but-harmless buffer, not panic on a closed channel.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writeLoop is the single goroutine permitted to write to the socket
// (spec.md §4.7 "a write mutex for the single outbound byte stream" —
// here enforced by funneling every outbound frame through one channel and
// one writer rather than by a literal mutex, the same shape as
// streamspace's Client.writePump).
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

// enqueue marshals frame and queues it; a full send buffer means the
// client is too slow to keep up with control-plane traffic and is
// disconnected rather than allowed to block Model's broadcast path.
func (s *Session) enqueue(frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Str("message", frame.Header.Message).Msg("wsapi: encoding outbound frame")
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.send <- data:
	default:
		s.log.Warn().Msg("wsapi: outbound queue full, disconnecting slow client")
		s.close()
	}
}

func (s *Session) nextID() int64 { return s.nextReqID.Add(1) }

// registerAck remembers which stream an outbound request id belongs to, so
// the matching inbound ack can find it back in handleAck.
func (s *Session) registerAck(id int64, route ackRoute) {
	s.acksMu.Lock()
	s.pendingAcks[id] = route
	s.acksMu.Unlock()
}

// handleAck resolves an inbound frame whose Header.Reply echoes an
// ack-seeking push this session sent, and advances that stream's gate.
func (s *Session) handleAck(id int64) {
	s.acksMu.Lock()
	route, ok := s.pendingAcks[id]
	delete(s.pendingAcks, id)
	s.acksMu.Unlock()
	if !ok {
		return
	}
	switch route.kind {
	case ackVU:
		s.ackVU(route.handle)
	case ackPort:
		s.ackPort(route.handle)
	case ackPatch:
		s.ackPatch(route.handle)
	}
}

// --- VU subscriptions ---

func (s *Session) vuStreamFor(handle uint64) *vuStream {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	st, ok := s.vuStreams[handle]
	if !ok {
		st = &vuStream{}
		s.vuStreams[handle] = st
	}
	return st
}

// deliverVU is the VU callback handed to Model.AddVuSubscription for one
// subscription handle
// (spec.md §4.2 "enqueued to the return ring on a fixed cadence"). It
// enforces both the per-stream in-flight cap and the process-wide VU cap
// (spec.md §8).
func (s *Session) deliverVU(handle uint64, updates []graph.VuUpdate) {
	st := s.vuStreamFor(handle)
	st.mu.Lock()
	if st.inFlight {
		st.pending = updates
		st.hasPending = true
		st.mu.Unlock()
		return
	}
	if !acquireGlobalVuSlot() {
		st.mu.Unlock()
		return
	}
	id := s.nextID()
	st.inFlight = true
	st.mu.Unlock()

	s.registerAck(id, ackRoute{kind: ackVU, handle: handle})
	s.sendVU(handle, id, updates)
}

func (s *Session) sendVU(handle uint64, id int64, updates []graph.VuUpdate) {
	frame, err := protocol.NewRequest(protocol.MessageOnVuUpdate, int(id), protocol.VuUpdateBody{Handle: handle, Updates: updates})
	if err != nil {
		s.log.Error().Err(err).Msg("wsapi: encoding onVuUpdate")
		return
	}
	s.enqueue(frame)
}

func (s *Session) ackVU(handle uint64) {
	releaseGlobalVuSlot()
	s.streamsMu.Lock()
	st := s.vuStreams[handle]
	s.streamsMu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	if !st.hasPending {
		st.inFlight = false
		st.mu.Unlock()
		return
	}
	if !acquireGlobalVuSlot() {
		// The coalesced value is dropped and the stream goes idle; the
		// next deliverVU call starts from scratch.
		st.inFlight = false
		st.hasPending = false
		updates := st.pending
		st.pending = nil
		st.mu.Unlock()
		_ = updates
		return
	}
	updates := st.pending
	st.pending = nil
	st.hasPending = false
	id := s.nextID()
	st.mu.Unlock()

	s.registerAck(id, ackRoute{kind: ackVU, handle: handle})
	s.sendVU(handle, id, updates)
}

// --- Port monitor subscriptions ---

func (s *Session) portStreamFor(handle uint64) *portStream {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	st, ok := s.portStreams[handle]
	if !ok {
		st = &portStream{}
		s.portStreams[handle] = st
	}
	return st
}

func (s *Session) deliverPort(handle uint64, update graph.PortUpdate) {
	st := s.portStreamFor(handle)
	st.mu.Lock()
	if st.inFlight {
		st.pending = update
		st.hasPending = true
		st.mu.Unlock()
		return
	}
	id := s.nextID()
	st.inFlight = true
	st.mu.Unlock()

	s.registerAck(id, ackRoute{kind: ackPort, handle: handle})
	s.sendPort(handle, id, update)
}

func (s *Session) sendPort(handle uint64, id int64, update graph.PortUpdate) {
	frame, err := protocol.NewRequest(protocol.MessageOnPortUpdate, int(id), protocol.PortUpdateBody{Handle: handle, Update: update})
	if err != nil {
		s.log.Error().Err(err).Msg("wsapi: encoding onPortUpdate")
		return
	}
	s.enqueue(frame)
}

func (s *Session) ackPort(handle uint64) {
	s.streamsMu.Lock()
	st := s.portStreams[handle]
	s.streamsMu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	if !st.hasPending {
		st.inFlight = false
		st.mu.Unlock()
		return
	}
	update := st.pending
	st.hasPending = false
	id := s.nextID()
	st.mu.Unlock()

	s.registerAck(id, ackRoute{kind: ackPort, handle: handle})
	s.sendPort(handle, id, update)
}

// --- Patch-property monitor subscriptions ---

func (s *Session) patchStreamFor(handle uint64) *patchStream {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	st, ok := s.patchStreams[handle]
	if !ok {
		st = &patchStream{}
		s.patchStreams[handle] = st
	}
	return st
}

func (s *Session) deliverPatch(handle uint64, ev model.PatchPropertyEvent) {
	st := s.patchStreamFor(handle)
	st.mu.Lock()
	if st.inFlight {
		st.pending = ev
		st.hasPending = true
		st.mu.Unlock()
		return
	}
	id := s.nextID()
	st.inFlight = true
	st.mu.Unlock()

	s.registerAck(id, ackRoute{kind: ackPatch, handle: handle})
	s.sendPatch(handle, id, ev)
}

func (s *Session) sendPatch(handle uint64, id int64, ev model.PatchPropertyEvent) {
	frame, err := protocol.NewRequest(protocol.MessageOnPatchPropertyChanged, int(id),
		protocol.PatchPropertyBody{InstanceID: ev.InstanceID, URI: ev.URI, Atom: ev.Atom})
	if err != nil {
		s.log.Error().Err(err).Msg("wsapi: encoding onPatchPropertyChanged")
		return
	}
	s.enqueue(frame)
}

func (s *Session) ackPatch(handle uint64) {
	s.streamsMu.Lock()
	st := s.patchStreams[handle]
	s.streamsMu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	if !st.hasPending {
		st.inFlight = false
		st.mu.Unlock()
		return
	}
	ev := st.pending
	st.hasPending = false
	id := s.nextID()
	st.mu.Unlock()

	s.registerAck(id, ackRoute{kind: ackPatch, handle: handle})
	s.sendPatch(handle, id, ev)
}

// --- MIDI-learn fan-out (no ack/coalescing: events are rare and advisory) ---

func (s *Session) deliverMidi(handle uint64, ev midibind.Event) {
	frame, err := protocol.NewNotification(protocol.MessageOnMidiEvent, protocol.MidiEventBody{Handle: handle, Event: ev})
	if err != nil {
		s.log.Error().Err(err).Msg("wsapi: encoding onMidiEvent")
		return
	}
	s.enqueue(frame)
}
