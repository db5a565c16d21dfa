// Package midibind is the realtime-external MIDI collaborator spec.md §9
// leaves lightly specified: it owns the physical MIDI input port used for
// (a) MIDI-learn ("listen for the next CC and report it"), and (b)
// dispatching the handful of system-level MIDI bindings (shutdown,
// restart, hotspot toggle) that are not pedalboard controls at all.
//
// Both call sites are service-thread, non-realtime. The pedalboard's own
// MidiBinding/MidiChannelBinding values are stored pedalboard data only:
// neither this package nor internal/graph acts on them.
// This package exists only for the two side-channel uses spec.md §9 calls
// out as "treat the outbound side effects... as opaque calls into external
// collaborators": SystemActions below is exactly that opaque boundary.
//
// The concrete port backend comes from gomidi's process-wide driver
// registry: whichever drivers.Driver the linking binary registered (the
// cgo rtmidi backend on a real device) is the one Open enumerates. A
// binary that links no driver — tests, headless CI — gets a clean error
// from Open, which model.Model already tolerates by running without MIDI.
package midibind

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Event is a normalized incoming MIDI message, restricted to the subset
// spec.md §4.7's listen_for_midi_event/system bindings care about: control
// changes and program changes. Note-based bindings are out of scope for a
// guitar-effects host's continuous-controller use case.
type Event struct {
	Channel    uint8 `json:"channel"`
	Controller uint8 `json:"controller"`
	Value      uint8 `json:"value"`
	IsProgram  bool  `json:"isProgram,omitempty"`
}

// SystemActions is the opaque external-collaborator boundary for the
// outbound side of a matched system MIDI binding (spec.md §9: "treat the
// outbound side effects... as opaque calls"). The privileged helper
// process that actually performs these lives outside this module's scope
// (spec.md §1).
type SystemActions interface {
	Shutdown()
	Restart()
	HotspotToggle()
}

// Listener owns one open MIDI input port and fans its events out to a
// single handler at a time, mirroring the single-subscriber VU/port
// listener shape host.Host already uses (host/host.go SetVuSubscriptions).
type Listener struct {
	log zerolog.Logger

	in   drivers.In
	stop func()

	mu      sync.RWMutex
	handler func(Event)
}

// Open starts listening on the named MIDI input port of the registered
// gomidi driver. An empty portName selects the first available input.
func Open(portName string, logger zerolog.Logger) (*Listener, error) {
	in, err := findInPort(portName)
	if err != nil {
		return nil, err
	}
	if err := in.Open(); err != nil {
		return nil, fmt.Errorf("midibind: opening port %q: %w", portName, err)
	}

	l := &Listener{log: logger, in: in}
	stop, err := midi.ListenTo(in, l.dispatch)
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("midibind: listening on %q: %w", portName, err)
	}
	l.stop = stop
	return l, nil
}

func findInPort(portName string) (drivers.In, error) {
	ins := midi.GetInPorts()
	if len(ins) == 0 {
		return nil, fmt.Errorf("midibind: no MIDI input ports available")
	}
	if portName == "" {
		return ins[0], nil
	}
	for _, in := range ins {
		if in.String() == portName {
			return in, nil
		}
	}
	return nil, fmt.Errorf("midibind: MIDI input port %q not found", portName)
}

func (l *Listener) dispatch(msg midi.Message, _ int32) {
	ev, ok := normalize(msg)
	if !ok {
		return
	}
	l.mu.RLock()
	h := l.handler
	l.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// normalize reduces a raw MIDI message to the Event subset this package
// forwards, reporting !ok for message kinds it ignores.
func normalize(msg midi.Message) (Event, bool) {
	var ch, cc, val uint8
	switch {
	case msg.GetControlChange(&ch, &cc, &val):
		return Event{Channel: ch, Controller: cc, Value: val}, true
	case msg.GetProgramChange(&ch, &val):
		return Event{Channel: ch, Value: val, IsProgram: true}, true
	default:
		return Event{}, false
	}
}

// SetHandler installs the single active event handler, replacing any
// previous one. Passing nil stops delivery without closing the port.
func (l *Listener) SetHandler(h func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Close stops listening and releases the port. The registry-owned driver
// itself stays open; it belongs to the process, not to this listener.
func (l *Listener) Close() error {
	if l.stop != nil {
		l.stop()
	}
	return l.in.Close()
}

// SystemBindingRouter matches incoming events against the stored system
// MIDI bindings (spec.md §4.6 get/set_system_midi_bindings) and invokes the
// matching opaque SystemActions call. Binding Symbol selects the action by
// the well-known names "shutdown", "restart", "hotspot".
type SystemBindingRouter struct {
	actions SystemActions
	log     zerolog.Logger

	mu       sync.RWMutex
	bindings map[uint8]string // controller -> action symbol, channel-agnostic
}

// NewSystemBindingRouter constructs a router with no bindings installed.
func NewSystemBindingRouter(actions SystemActions, logger zerolog.Logger) *SystemBindingRouter {
	return &SystemBindingRouter{actions: actions, log: logger, bindings: map[uint8]string{}}
}

// SetBindings replaces the controller->action map wholesale.
func (r *SystemBindingRouter) SetBindings(controllerToSymbol map[uint8]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = controllerToSymbol
}

// Handle is installed as a Listener handler (directly or chained) to act on
// system bindings; it ignores events that don't match a bound controller.
func (r *SystemBindingRouter) Handle(ev Event) {
	if ev.IsProgram {
		return
	}
	r.mu.RLock()
	symbol, ok := r.bindings[ev.Controller]
	r.mu.RUnlock()
	if !ok || ev.Value == 0 {
		return
	}
	switch symbol {
	case "shutdown":
		r.log.Info().Msg("midibind: system binding triggered shutdown")
		r.actions.Shutdown()
	case "restart":
		r.log.Info().Msg("midibind: system binding triggered restart")
		r.actions.Restart()
	case "hotspot":
		r.log.Info().Msg("midibind: system binding triggered hotspot toggle")
		r.actions.HotspotToggle()
	}
}
