package model

import (
	"sync"
	"time"

	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/midibind"
)

// vuSub is one client's interest in a set of instances' VU peaks.
type vuSub struct {
	id          uint64
	clientID    string
	instanceIDs []int64
	deliver     func([]graph.VuUpdate)
}

// portSub is one client's interest in a single (instance, symbol) port at
// a sampled rate (spec.md §4.2 port monitor).
type portSub struct {
	id         uint64
	clientID   string
	instanceID int64
	symbol     string
	rateHz     float64
	deliver    func(graph.PortUpdate)
}

// patchPropSub polls one URI-keyed patch property every
// patchPropertyPollInterval and delivers on change (spec.md §4.5 monitor_patch_property). Patch properties are
// not sampled by the realtime thread the way control ports are, so this is
// a service-thread poller rather than a ring-level subscription.
type patchPropSub struct {
	id         uint64
	clientID   string
	instanceID int64
	uri        string
	deliver    func(PatchPropertyEvent)
	stop       chan struct{}
}

// midiSub is one client's MIDI-learn registration: every raw CC/program
// event reaching the listener is forwarded until cancelled (spec.md §4.5
// listen_for_midi_event).
type midiSub struct {
	id       uint64
	clientID string
	deliver  func(midibind.Event)
}

// handleTable owns every subscription handle, keyed by a process-unique
// uint64 (spec.md §4.5 "each returns a handle unique across the process").
type handleTable struct {
	mu   sync.Mutex
	next uint64

	vu        map[uint64]*vuSub
	port      map[uint64]*portSub
	patchProp map[uint64]*patchPropSub
	midi      map[uint64]*midiSub
}

func (t *handleTable) init() {
	t.vu = make(map[uint64]*vuSub)
	t.port = make(map[uint64]*portSub)
	t.patchProp = make(map[uint64]*patchPropSub)
	t.midi = make(map[uint64]*midiSub)
}

func (t *handleTable) newID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return t.next
}

// removeAllForClient cancels every handle owned by clientID, called on
// session disconnect (spec.md §4.7). recompute is invoked once afterward
// if any VU/port handle was removed, so the realtime subscription set
// reflects the disconnect immediately.
func (t *handleTable) removeAllForClient(clientID string, recompute func()) {
	t.mu.Lock()
	changed := false
	for id, s := range t.vu {
		if s.clientID == clientID {
			delete(t.vu, id)
			changed = true
		}
	}
	for id, s := range t.port {
		if s.clientID == clientID {
			delete(t.port, id)
			changed = true
		}
	}
	for id, s := range t.patchProp {
		if s.clientID == clientID {
			close(s.stop)
			delete(t.patchProp, id)
		}
	}
	for id, s := range t.midi {
		if s.clientID == clientID {
			delete(t.midi, id)
		}
	}
	t.mu.Unlock()
	if changed {
		recompute()
	}
}

// AddVuSubscription registers deliver to receive VU peaks for instanceIDs
// and returns its handle (spec.md §4.5 add_vu_subscription).
func (m *Model) AddVuSubscription(clientID string, instanceIDs []int64, deliver func([]graph.VuUpdate)) uint64 {
	id := m.handles.newID()
	m.handles.mu.Lock()
	m.handles.vu[id] = &vuSub{id: id, clientID: clientID, instanceIDs: instanceIDs, deliver: deliver}
	m.handles.mu.Unlock()
	m.recomputeSubscriptions()
	return id
}

// RemoveVuSubscription cancels a VU handle.
func (m *Model) RemoveVuSubscription(handle uint64) {
	m.handles.mu.Lock()
	delete(m.handles.vu, handle)
	m.handles.mu.Unlock()
	m.recomputeSubscriptions()
}

// MonitorPort registers deliver for one (instance, symbol) port, sampled
// at rateHz by the realtime thread (spec.md §4.5 monitor_port).
func (m *Model) MonitorPort(clientID string, instanceID int64, symbol string, rateHz float64, deliver func(graph.PortUpdate)) uint64 {
	id := m.handles.newID()
	m.handles.mu.Lock()
	m.handles.port[id] = &portSub{id: id, clientID: clientID, instanceID: instanceID, symbol: symbol, rateHz: rateHz, deliver: deliver}
	m.handles.mu.Unlock()
	m.recomputeSubscriptions()
	return id
}

// UnmonitorPort cancels a port-monitor handle.
func (m *Model) UnmonitorPort(handle uint64) {
	m.handles.mu.Lock()
	delete(m.handles.port, handle)
	m.handles.mu.Unlock()
	m.recomputeSubscriptions()
}

// recomputeSubscriptions rebuilds the union of every active VU/port
// interest and pushes it into the audio host (spec.md §4.5 "The set of
// active subscriptions is recomputed and pushed into the realtime thread
// after every change").
func (m *Model) recomputeSubscriptions() {
	m.handles.mu.Lock()
	instanceSet := make(map[int64]struct{})
	for _, s := range m.handles.vu {
		for _, id := range s.instanceIDs {
			instanceSet[id] = struct{}{}
		}
	}
	vuInstances := make([]int64, 0, len(instanceSet))
	for id := range instanceSet {
		vuInstances = append(vuInstances, id)
	}

	var portInstances []int64
	var portSymbols []string
	var portRates []float64
	for _, s := range m.handles.port {
		portInstances = append(portInstances, s.instanceID)
		portSymbols = append(portSymbols, s.symbol)
		portRates = append(portRates, s.rateHz)
	}
	m.handles.mu.Unlock()

	m.host.SetVuSubscriptions(vuInstances, m.dispatchVu)
	m.host.SetPortMonitors(portInstances, portSymbols, portRates, m.dispatchPort)
}

// dispatchVu fans a drained VU batch out to every handle whose instance
// set intersects it.
func (m *Model) dispatchVu(batch []graph.VuUpdate) {
	m.handles.mu.Lock()
	subs := make([]*vuSub, 0, len(m.handles.vu))
	for _, s := range m.handles.vu {
		subs = append(subs, s)
	}
	m.handles.mu.Unlock()

	for _, s := range subs {
		var filtered []graph.VuUpdate
		for _, u := range batch {
			if containsID(s.instanceIDs, u.InstanceID) {
				filtered = append(filtered, u)
			}
		}
		if len(filtered) > 0 {
			s.deliver(filtered)
		}
	}
}

// dispatchPort fans a drained port-update batch out to the one handle each
// update belongs to.
func (m *Model) dispatchPort(batch []graph.PortUpdate) {
	m.handles.mu.Lock()
	subs := make([]*portSub, 0, len(m.handles.port))
	for _, s := range m.handles.port {
		subs = append(subs, s)
	}
	m.handles.mu.Unlock()

	for _, u := range batch {
		for _, s := range subs {
			if s.instanceID == u.InstanceID && s.symbol == u.Symbol {
				s.deliver(u)
			}
		}
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ListenForMidiEvent registers deliver as a MIDI-learn observer: every CC/program-change the physical input port reports is
// forwarded until the caller cancels (spec.md §4.5 listen_for_midi_event).
// Returns the zero handle with no listener registered if no MIDI input is
// available.
func (m *Model) ListenForMidiEvent(clientID string, deliver func(midibind.Event)) uint64 {
	if m.midi == nil {
		return 0
	}
	id := m.handles.newID()
	m.handles.mu.Lock()
	m.handles.midi[id] = &midiSub{id: id, clientID: clientID, deliver: deliver}
	m.handles.mu.Unlock()
	return id
}

// CancelListenForMidiEvent cancels a MIDI-learn registration.
func (m *Model) CancelListenForMidiEvent(handle uint64) {
	m.handles.mu.Lock()
	delete(m.handles.midi, handle)
	m.handles.mu.Unlock()
}

func (m *Model) dispatchMidi(ev midibind.Event) {
	m.handles.mu.Lock()
	subs := make([]*midiSub, 0, len(m.handles.midi))
	for _, s := range m.handles.midi {
		subs = append(subs, s)
	}
	m.handles.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

// patchPropertyPollInterval is the fixed sampling period for
// monitor_patch_property, chosen to match the UI-facing refresh rate of a
// typical port monitor rather than the realtime port-sampling path.
const patchPropertyPollInterval = 100 * time.Millisecond

// MonitorPatchProperty polls one instance's URI-keyed patch property and
// calls deliver whenever its value changes (spec.md §4.5
// monitor_patch_property). Returns a handle for CancelMonitorPatchProperty.
func (m *Model) MonitorPatchProperty(clientID string, instanceID int64, uri string, deliver func(PatchPropertyEvent)) uint64 {
	id := m.handles.newID()
	stop := make(chan struct{})
	sub := &patchPropSub{id: id, clientID: clientID, instanceID: instanceID, uri: uri, deliver: deliver, stop: stop}

	m.handles.mu.Lock()
	m.handles.patchProp[id] = sub
	m.handles.mu.Unlock()

	go m.pollPatchProperty(sub)
	return id
}

// CancelMonitorPatchProperty stops polling and releases the handle.
func (m *Model) CancelMonitorPatchProperty(handle uint64) {
	m.handles.mu.Lock()
	sub, ok := m.handles.patchProp[handle]
	if ok {
		delete(m.handles.patchProp, handle)
	}
	m.handles.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

func (m *Model) pollPatchProperty(sub *patchPropSub) {
	ticker := time.NewTicker(patchPropertyPollInterval)
	defer ticker.Stop()

	var last []byte
	haveLast := false
	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
			atom, err := m.GetPatchProperty(sub.instanceID, sub.uri)
			if err != nil {
				continue
			}
			if haveLast && bytesEqual(last, atom) {
				continue
			}
			last, haveLast = atom, true
			sub.deliver(PatchPropertyEvent{InstanceID: sub.instanceID, URI: sub.uri, Atom: atom})
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
