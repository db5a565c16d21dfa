// Package model implements the process-singleton façade described by
// spec.md §4.5 (C7): it owns the *host.Host, the *storage.Store, and the
// plugin catalog, and it is the only place the recursive-in-spirit
// broadcast mutex of spec.md §5 lives. Every public operation serializes
// through Model's mutex; broadcasts copy the subscriber set before
// invoking it so a subscriber that calls back into Model while being
// notified (e.g. a session tearing itself down) never deadlocks.
//
// Grounded on the teacher's root macaudio package: Dispatcher's
// single-goroutine operation serializer becomes Model's mutex-guarded
// methods, and its ErrorHandler seam becomes Model itself implementing
// host.ErrorHandler so device-fault notifications reach subscribers the
// same way a logged error reaches the teacher's log sink.
package model

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/host"
	"github.com/pipedal/pipedal-host/midibind"
	"github.com/pipedal/pipedal-host/pedalboard"
	"github.com/pipedal/pipedal-host/storage"
)

// Config configures Open.
type Config struct {
	DataRoot   string
	DeviceName string
	SampleRate int
	BufferSize int
	Channels   int
	Catalog    catalog.PluginCatalog
	MidiPort   string // empty selects the driver default input, per midibind.Open
	Logger     zerolog.Logger

	// SystemActions wires system MIDI bindings (shutdown/restart/hotspot)
	// to the privileged helper that actually performs them. Left nil,
	// system bindings are stored and reported but never fire.
	SystemActions midibind.SystemActions
}

// Model is the process-singleton orchestrator/façade. All exported methods
// are safe to call from any goroutine (spec.md §5 "connection threads...
// communicate with Model via the above mutex").
type Model struct {
	log   zerolog.Logger
	host  *host.Host
	store *storage.Store
	cat   catalog.PluginCatalog
	midi  *midibind.Listener

	mu sync.Mutex

	subMu       sync.Mutex
	subscribers []Subscriber

	sysRouter *midibind.SystemBindingRouter

	uridMu   sync.Mutex
	uriToID  map[string]uint32
	idToURI  map[uint32]string
	nextURID uint32

	handles handleTable
}

// Open constructs a Model: opens storage, opens the audio host (which in
// turn starts the realtime thread), and opens the MIDI-learn/system-binding
// listener. A MIDI-open failure is logged and tolerated — MIDI bindings are
// a convenience, not a requirement for the audio path to run.
func Open(cfg Config) (*Model, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("model: Config.Catalog is required")
	}

	store, err := storage.Open(cfg.DataRoot, cfg.Catalog, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("model: opening storage: %w", err)
	}

	m := &Model{
		log:      cfg.Logger,
		store:    store,
		cat:      cfg.Catalog,
		uriToID:  make(map[string]uint32),
		idToURI:  make(map[uint32]string),
		nextURID: 1,
	}
	m.handles.init()

	h, err := host.Open(host.Config{
		DeviceName: cfg.DeviceName,
		SampleRate: cfg.SampleRate,
		BufferSize: cfg.BufferSize,
		Channels:   cfg.Channels,
		Catalog:    cfg.Catalog,
		Logger:     cfg.Logger,
		ErrorHandler: &host.ChainErrorHandler{Handlers: []host.ErrorHandler{
			&host.ZerologErrorHandler{Logger: cfg.Logger},
			m,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("model: opening audio host: %w", err)
	}
	m.host = h

	pb, err := store.LoadCurrentPreset()
	if err != nil {
		m.log.Warn().Err(err).Msg("model: loading current preset failed, starting from an empty board")
	} else {
		m.pruneFileProperties(&pb)
		// The sentinel stays on disk for the whole bring-up: if loading
		// this board kills the process, the next start skips it (spec.md
		// §7 Crash-on-load guard).
		store.BeginPresetLoad()
		if err := m.host.SetPedalboard(pb); err != nil {
			m.log.Warn().Err(err).Msg("model: restoring current preset into the audio host failed")
		}
		store.EndPresetLoad()
	}

	h.SetVuSubscriptions(nil, m.dispatchVu)
	h.SetPortMonitors(nil, nil, nil, m.dispatchPort)

	if listener, err := midibind.Open(cfg.MidiPort, cfg.Logger); err != nil {
		m.log.Warn().Err(err).Msg("model: opening MIDI input failed, MIDI-learn and system bindings are unavailable")
	} else {
		m.midi = listener
		if cfg.SystemActions != nil {
			m.sysRouter = midibind.NewSystemBindingRouter(cfg.SystemActions, cfg.Logger)
			if bindings, err := store.GetSystemMidiBindings(); err != nil {
				m.log.Warn().Err(err).Msg("model: loading system MIDI bindings failed")
			} else {
				m.sysRouter.SetBindings(systemBindingsToMap(bindings))
			}
		}
		listener.SetHandler(func(ev midibind.Event) {
			m.dispatchMidi(ev)
			if m.sysRouter != nil {
				m.sysRouter.Handle(ev)
			}
		})
	}

	return m, nil
}

// Close stops the audio host and releases the MIDI listener.
func (m *Model) Close() error {
	if m.midi != nil {
		_ = m.midi.Close()
	}
	return m.host.Close()
}

// HandleError implements host.ErrorHandler: every host-reported fault is
// also broadcast to subscribers as an AudioFault notification (spec.md
// §4.5 on_alsa_driver_terminated_abnormally is handled inside host.Host
// itself; Model's job is only to tell sessions it happened).
func (m *Model) HandleError(err error) {
	m.broadcast(Notification{
		Kind:       NotifyAudioFault,
		AudioFault: &apperr.AudioFaultError{Cause: err},
	}, "")
}

// Pedalboard returns a deep copy of the currently loaded pedalboard.
func (m *Model) Pedalboard() pedalboard.Pedalboard {
	return m.host.Pedalboard()
}

// Catalog exposes the plugin catalog for read-only UI queries (the plugin
// picker, favorites list) that do not touch the live pedalboard.
func (m *Model) Catalog() catalog.PluginCatalog {
	return m.cat
}

// SetPedalboard installs a new pedalboard (spec.md §4.5 set_pedalboard) and
// broadcasts the change to every other session.
func (m *Model) SetPedalboard(clientID string, pb pedalboard.Pedalboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.host.SetPedalboard(pb); err != nil {
		return err
	}
	m.autosaveLocked()
	m.broadcast(Notification{Kind: NotifyPedalboardChanged, OriginClientID: clientID, Pedalboard: &pb}, clientID)
	return nil
}

// SetSnapshot applies a named snapshot through the fast path (spec.md §4.5
// set_snapshot).
func (m *Model) SetSnapshot(clientID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.host.SetSnapshot(index); err != nil {
		return err
	}
	m.autosaveLocked()
	// Everyone, the originator included, rebinds to the post-snapshot board:
	// a snapshot switch is a confirmation, not an edit echo (spec.md §4.5
	// Broadcast discipline).
	pb := m.host.Pedalboard()
	m.broadcast(Notification{Kind: NotifyPedalboardChanged, OriginClientID: clientID, Pedalboard: &pb}, "")
	return nil
}

// JackStatus reports the audio path's health for the control protocol's
// status poll: the lifecycle state (including the dummy-device fallback
// after repeated faults) and the xrun counter (spec.md §4.3, §8 scenario 5).
func (m *Model) JackStatus() (state string, xruns int64) {
	switch m.host.State() {
	case host.StateRunning:
		state = "running"
	case host.StateDummyFallback:
		state = "error"
	case host.StateClosed:
		state = "closed"
	default:
		state = "starting"
	}
	return state, m.host.XrunCount()
}

// SetControl applies one control-value edit, mirrors it into storage's
// autosave snapshot, and broadcasts OnControlChanged to every session but
// the originator (spec.md §4.5 set_control).
func (m *Model) SetControl(clientID string, instanceID int64, symbol string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.host.SetControl(instanceID, symbol, value); err != nil {
		return &apperr.StateError{Code: "instance_not_found", Detail: err.Error()}
	}
	m.autosaveLocked()
	m.broadcast(Notification{
		Kind:           NotifyControlChanged,
		OriginClientID: clientID,
		ControlChanged: &ControlChangedEvent{InstanceID: instanceID, Symbol: symbol, Value: value},
	}, clientID)
	return nil
}

// SetItemEnabled toggles bypass on one item and broadcasts the change.
func (m *Model) SetItemEnabled(clientID string, instanceID int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.host.SetItemEnabled(instanceID, enabled); err != nil {
		return &apperr.StateError{Code: "instance_not_found", Detail: err.Error()}
	}
	m.autosaveLocked()
	m.broadcast(Notification{
		Kind:           NotifyItemEnabled,
		OriginClientID: clientID,
		ItemEnabled:    &ItemEnabledEvent{InstanceID: instanceID, Enabled: enabled},
	}, clientID)
	return nil
}

// SetItemTitle renames an item's display title/color.
func (m *Model) SetItemTitle(clientID string, instanceID int64, title, color string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.host.SetItemTitle(instanceID, title, color); err != nil {
		return &apperr.StateError{Code: "instance_not_found", Detail: err.Error()}
	}
	m.autosaveLocked()
	m.broadcast(Notification{
		Kind:           NotifyItemTitle,
		OriginClientID: clientID,
		ItemTitle:      &ItemTitleEvent{InstanceID: instanceID, Title: title, Color: color},
	}, clientID)
	return nil
}

// SetItemUseModUI toggles a plugin instance's ModGUI preference.
func (m *Model) SetItemUseModUI(clientID string, instanceID int64, use bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.host.SetItemUseModUI(instanceID, use); err != nil {
		return &apperr.StateError{Code: "instance_not_found", Detail: err.Error()}
	}
	m.autosaveLocked()
	return nil
}

// SetInputVolume / SetOutputVolume take a level in dB, apply it as a linear
// pre/post gain, and broadcast the dB value so every connected UI's meter
// stays in sync.
func (m *Model) SetInputVolume(clientID string, db float64) {
	m.host.SetInputVolume(math.Pow(10, db/20))
	m.broadcast(Notification{Kind: NotifyInputVolume, OriginClientID: clientID, Volume: &db}, clientID)
}

func (m *Model) SetOutputVolume(clientID string, db float64) {
	m.host.SetOutputVolume(math.Pow(10, db/20))
	m.broadcast(Notification{Kind: NotifyOutputVolume, OriginClientID: clientID, Volume: &db}, clientID)
}

// autosaveLocked writes the current pedalboard to the transient
// current-preset file (spec.md §4.6). Callers must hold m.mu. Failures are
// logged, not propagated: losing the autosave never blocks an edit the
// user is actively making on the realtime path.
func (m *Model) autosaveLocked() {
	pb := m.host.Pedalboard()
	if err := m.store.SaveCurrentPresetSnapshot(pb); err != nil {
		m.log.Warn().Err(err).Msg("model: autosave of current preset failed")
	}
}

// pruneFileProperties enforces spec.md §3's load-time invariant: a path
// property surviving in a stored pedalboard must still appear in its
// plugin's declared file-property set; anything else is pruned before the
// board reaches the audio host. Applied at every load site (startup,
// LoadPreset, OpenBank), never on live edits.
func (m *Model) pruneFileProperties(pb *pedalboard.Pedalboard) {
	if pb.PruneFileProperties(func(pluginURI, propertyURI string) bool {
		info, ok := m.cat.Lookup(pluginURI)
		return ok && info.HasFileProperty(propertyURI)
	}) {
		m.log.Debug().Str("pedalboard", pb.Name).Msg("model: pruned undeclared path properties on load")
	}
}

// NewClientID mints a process-unique session identifier (spec.md §4.7
// "a unique client_id").
func NewClientID() string { return uuid.NewString() }

// systemBindingsToMap flattens stored system MIDI bindings into the
// controller->action-symbol map midibind.SystemBindingRouter expects.
func systemBindingsToMap(bindings []pedalboard.MidiBinding) map[uint8]string {
	out := make(map[uint8]string, len(bindings))
	for _, b := range bindings {
		out[uint8(b.Controller)] = b.Symbol
	}
	return out
}
