// Package host implements the orchestrator described by spec.md §5
// (AudioHost): it owns the active realtime Graph's lifecycle, decides
// between the structure-preserving snapshot fast path and a full graph
// rebuild, and supervises the audio device including the retry/fallback
// ladder that follows an ALSA failure. It is the only package that talks
// to both internal/graph and internal/audiodriver.
//
// Grounded on the teacher's engine.go (lifecycle state machine, mutex
// discipline, ErrorHandler boundary) and dispatcher.go (single serialized
// path for topology-changing operations), adapted from an AVFoundation
// node graph to an LV2 plugin graph and from per-channel AVAudioEngine
// nodes to internal/graph.Graph generations.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/internal/audiodriver"
	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// InitState tracks host initialization/runtime lifecycle (spec.md §5).
type InitState int

const (
	// StateCreated marks a Host before Open has succeeded.
	StateCreated InitState = iota
	// StateRunning marks a Host with a live device and graph.
	StateRunning
	// StateDummyFallback marks a Host that gave up on the real device
	// and is running the synthetic dummy device (spec.md §6).
	StateDummyFallback
	// StateClosed marks a Host after Close.
	StateClosed
)

// maxDeviceRetries bounds the immediate-retry ladder before falling back
// to the dummy device (spec.md §6).
const maxDeviceRetries = 3

// Config configures a Host for Open.
type Config struct {
	DeviceName   string
	SampleRate   int
	BufferSize   int
	Channels     int
	Catalog      catalog.PluginCatalog
	ErrorHandler ErrorHandler
	Logger       zerolog.Logger
}

// VuListener receives drained VU updates (spec.md §4.2/§8 subscriptions).
type VuListener func([]graph.VuUpdate)

// PortListener receives drained port-monitor updates.
type PortListener func([]graph.PortUpdate)

// Host is the process-resident audio orchestrator.
type Host struct {
	id  uuid.UUID
	log zerolog.Logger

	mu           sync.RWMutex
	cat          catalog.PluginCatalog
	pb           pedalboard.Pedalboard
	nframes      int
	channels     int
	sampleRate   int
	deviceName   string
	errorHandler ErrorHandler
	state        InitState

	driver *audiodriver.Driver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	vuMu       sync.RWMutex
	vuListener VuListener

	portMu       sync.RWMutex
	portListener PortListener

	pendingMu sync.Mutex
	pending   map[uint64]chan audiodriver.PatchReplyMsg
	nextReqID uint64
}

// Open constructs a Host, opens the configured audio device, builds an
// initial empty-board graph, and starts the realtime loop. A device that
// fails to open is reported as an error; Open does not fall back to the
// dummy device (only handleDeviceFailure does, after a running device dies).
func Open(cfg Config) (*Host, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("host: Config.Catalog is required")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = &ZerologErrorHandler{Logger: cfg.Logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		id:           uuid.New(),
		log:          cfg.Logger,
		cat:          cfg.Catalog,
		pb:           pedalboard.New(),
		nframes:      cfg.BufferSize,
		channels:     cfg.Channels,
		sampleRate:   cfg.SampleRate,
		deviceName:   cfg.DeviceName,
		errorHandler: cfg.ErrorHandler,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[uint64]chan audiodriver.PatchReplyMsg),
	}

	if err := h.openDevice(h.deviceName); err != nil {
		cancel()
		return nil, fmt.Errorf("host: opening device %q: %w", h.deviceName, err)
	}

	g, err := graph.Build(h.pb, h.cat, h.sampleRate, h.nframes, h.channels)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("host: building initial graph: %w", err)
	}
	h.driver.SetGraph(g)

	if err := h.driver.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("host: starting driver: %w", err)
	}
	h.state = StateRunning

	h.wg.Add(3)
	go h.pumpReturn()
	go h.reapRetired()
	go h.watchFatal()

	return h, nil
}

// currentDriver returns the active Driver under a read lock. handleDeviceFailure
// replaces h.driver wholesale on a retry/fallback, so every long-lived
// goroutine that touches it (pumpReturn, reapRetired, watchFatal) must
// re-fetch it through here rather than capture it once.
func (h *Host) currentDriver() *audiodriver.Driver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.driver
}

func (h *Host) openDevice(name string) error {
	device, err := audiodriver.OpenDevice(name, h.sampleRate, h.nframes, h.channels)
	if err != nil {
		return err
	}
	h.driver = audiodriver.NewDriver(device, 1<<16, 1<<16)
	return nil
}

// Close stops the realtime loop and releases the device.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosed
	h.mu.Unlock()

	h.cancel()
	driver := h.currentDriver()
	err := driver.Stop()
	if cerr := driver.Close(); cerr != nil && err == nil {
		err = cerr
	}
	h.wg.Wait()
	return err
}

// State reports the host's lifecycle state.
func (h *Host) State() InitState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Pedalboard returns a deep copy of the currently loaded pedalboard.
func (h *Host) Pedalboard() pedalboard.Pedalboard {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pb.DeepCopy()
}

// SetPedalboard installs a new pedalboard, taking the structure-preserving
// snapshot fast path (spec.md §4.5) when the new board shares the current
// board's plugin/split topology and no changed plugin state forces a
// rebuild, and rebuilding the graph otherwise.
func (h *Host) SetPedalboard(pb pedalboard.Pedalboard) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pb.IsStructurallyIdentical(pb) && !h.needsRebuildForState(pb) {
		snap := pb.MakeSnapshotFromCurrent(nil)
		h.pb = pb.DeepCopy()
		return h.driver.PushApplySnapshot(snap.Values)
	}

	g, err := graph.Build(pb, h.cat, h.sampleRate, h.nframes, h.channels)
	if err != nil {
		return fmt.Errorf("host: rebuilding graph: %w", err)
	}
	h.pb = pb.DeepCopy()
	h.driver.SetGraph(g)
	return nil
}

// needsRebuildForState implements spec.md §4.5's precise fast-path rule:
// "if state_update_count differs ... include it in the SnapshotValue" only
// when the instance itself supports in-place state restore; otherwise a
// changed state blob forces a full rebuild. This is the conservative
// choice spec.md §9's Open Question calls for until per-plugin capability
// can really be queried ahead of time — here it can, via
// catalog.Instance.SupportsInPlaceStateRestore, so it is queried per
// instance rather than assumed false for everyone.
func (h *Host) needsRebuildForState(pb pedalboard.Pedalboard) bool {
	g := h.driver.Graph()
	if g == nil {
		return false
	}
	prevCounts := make(map[int64]int64)
	for _, it := range h.pb.GetAllPlugins() {
		if it.Kind == pedalboard.KindPlugin {
			prevCounts[it.InstanceID] = it.StateUpdateCount
		}
	}
	for _, it := range pb.GetAllPlugins() {
		if it.Kind != pedalboard.KindPlugin {
			continue
		}
		if it.StateUpdateCount == prevCounts[it.InstanceID] {
			continue
		}
		inst, ok := g.Instance(it.InstanceID)
		if !ok || !inst.SupportsInPlaceStateRestore() {
			return true
		}
	}
	return false
}

// SetSnapshot applies a named snapshot to the current pedalboard via the
// same fast path SetPedalboard uses when topology is unchanged — applying
// a snapshot never changes topology by definition (spec.md §4.5).
func (h *Host) SetSnapshot(index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.pb.Snapshots) {
		return fmt.Errorf("host: snapshot index %d out of range", index)
	}
	snap := h.pb.Snapshots[index]
	h.pb.ApplySnapshot(index)
	return h.driver.PushApplySnapshot(snap.Values)
}

// SetControl applies an immediate control change to one plugin instance,
// mirroring it into the in-memory pedalboard and pushing it to the
// realtime thread (spec.md §4.2/§5).
func (h *Host) SetControl(instanceID int64, symbol string, value float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.pb.SetControl(instanceID, symbol, value) {
		return fmt.Errorf("host: no such instance %d", instanceID)
	}
	return h.driver.PushSetControl(instanceID, symbol, value)
}

// SetItemEnabled toggles a plugin's bypass state.
func (h *Host) SetItemEnabled(instanceID int64, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.pb.SetItemEnabled(instanceID, enabled) {
		return fmt.Errorf("host: no such instance %d", instanceID)
	}
	return h.driver.PushSetBypass(instanceID, !enabled)
}

// SetItemTitle renames a plugin instance and/or its display color
// (display-only; no realtime-side effect).
func (h *Host) SetItemTitle(instanceID int64, title, color string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pb.SetItemTitle(instanceID, title, color) {
		return fmt.Errorf("host: no such instance %d", instanceID)
	}
	return nil
}

// SetItemUseModUI toggles whether a plugin instance prefers its ModGUI.
func (h *Host) SetItemUseModUI(instanceID int64, use bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pb.SetItemUseModUI(instanceID, use) {
		return fmt.Errorf("host: no such instance %d", instanceID)
	}
	return nil
}

// SetInputVolume / SetOutputVolume adjust pre/post gain on the realtime
// thread (spec.md §4.3).
func (h *Host) SetInputVolume(v float64)  { h.currentDriver().SetInputVolume(v) }
func (h *Host) SetOutputVolume(v float64) { h.currentDriver().SetOutputVolume(v) }

// XrunCount reports the current driver's under/overrun counter.
func (h *Host) XrunCount() int64 { return h.currentDriver().XrunCount() }

// SetVuSubscriptions installs the VU listener and the set of instances it
// should receive peak updates for. Passing a nil listener stops delivery.
// The instance set is pushed straight to the active graph: spec.md §4.2
// treats subscription-set changes as a service-thread-driven mutation of
// the live graph, not a control message that needs to cross the ring.
func (h *Host) SetVuSubscriptions(instanceIDs []int64, listener VuListener) {
	h.vuMu.Lock()
	h.vuListener = listener
	h.vuMu.Unlock()

	if g := h.currentDriver().Graph(); g != nil {
		g.SetVuSubscriptions(instanceIDs)
	}
}

// SetPortMonitors installs the port-monitor listener and the set of
// (instance, symbol) pairs it should receive sampled updates for.
func (h *Host) SetPortMonitors(instanceIDs []int64, symbols []string, rates []float64, listener PortListener) {
	h.portMu.Lock()
	h.portListener = listener
	h.portMu.Unlock()

	if g := h.currentDriver().Graph(); g != nil {
		g.SetPortMonitors(instanceIDs, symbols, rates)
	}
}

const patchRequestTimeout = 250 * time.Millisecond

// GetPatchProperty requests a patch property from a running instance and
// blocks (up to patchRequestTimeout) for the realtime thread's reply
// (spec.md §4.6 send_get_patch_property). A timed-out request returns an
// error rather than a zero value, so callers never mistake "no answer"
// for "empty property."
func (h *Host) GetPatchProperty(instanceID int64, propertyURID uint32) ([]byte, error) {
	reqID, replyCh := h.registerPending()
	defer h.clearPending(reqID)

	if err := h.currentDriver().PushPatchGet(reqID, instanceID, propertyURID); err != nil {
		return nil, err
	}
	select {
	case reply := <-replyCh:
		if reply.Timeout {
			return nil, fmt.Errorf("host: patch get timed out for instance %d", instanceID)
		}
		return reply.Atom, nil
	case <-time.After(patchRequestTimeout):
		return nil, fmt.Errorf("host: patch get timed out for instance %d", instanceID)
	}
}

// SetPatchProperty requests a patch property write and waits for
// acknowledgement the same way GetPatchProperty does.
func (h *Host) SetPatchProperty(instanceID int64, propertyURID uint32, atom []byte) error {
	reqID, replyCh := h.registerPending()
	defer h.clearPending(reqID)

	if err := h.currentDriver().PushPatchSet(reqID, instanceID, propertyURID, atom); err != nil {
		return err
	}
	select {
	case reply := <-replyCh:
		if reply.Timeout {
			return fmt.Errorf("host: patch set timed out for instance %d", instanceID)
		}
		return nil
	case <-time.After(patchRequestTimeout):
		return fmt.Errorf("host: patch set timed out for instance %d", instanceID)
	}
}

func (h *Host) registerPending() (uint64, chan audiodriver.PatchReplyMsg) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	h.nextReqID++
	id := h.nextReqID
	ch := make(chan audiodriver.PatchReplyMsg, 1)
	h.pending[id] = ch
	return id, ch
}

func (h *Host) clearPending(id uint64) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

// pumpReturn drains the driver's return ring continuously, dispatching VU
// batches, port updates, and patch replies (spec.md §4.4).
func (h *Host) pumpReturn() {
	defer h.wg.Done()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	var vuBatch []graph.VuUpdate
	var portBatch []graph.PortUpdate

	flush := func() {
		if len(vuBatch) > 0 {
			h.vuMu.RLock()
			listener := h.vuListener
			h.vuMu.RUnlock()
			if listener != nil {
				listener(vuBatch)
			}
			vuBatch = nil
		}
		if len(portBatch) > 0 {
			h.portMu.RLock()
			listener := h.portListener
			h.portMu.RUnlock()
			if listener != nil {
				listener(portBatch)
			}
			portBatch = nil
		}
	}

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			driver := h.currentDriver()
			if err := driver.TakeSchedulingError(); err != nil {
				h.errorHandler.HandleError(fmt.Errorf("host: realtime scheduling unavailable, continuing at normal priority: %w", err))
			}
			for {
				msg, err := driver.Return().Pop()
				if err != nil {
					break
				}
				switch msg.Type {
				case audiodriver.MsgVuUpdate:
					u, ok := audiodriver.DecodeVuUpdate(msg.Payload)
					if !ok {
						continue
					}
					vuBatch = append(vuBatch, graph.VuUpdate{
						InstanceID: u.InstanceID,
						PeakIn:     float32(u.PeakIn),
						PeakOut:    float32(u.PeakOut),
					})
				case audiodriver.MsgPortMonitorUpdate:
					u, ok := audiodriver.DecodePortUpdate(msg.Payload)
					if !ok {
						continue
					}
					portBatch = append(portBatch, graph.PortUpdate{InstanceID: u.InstanceID, Symbol: u.Symbol, Value: u.Value})
				case audiodriver.MsgPatchReply:
					h.dispatchPatchReply(msg.Payload)
				}
			}
			flush()
		}
	}
}

func (h *Host) dispatchPatchReply(payload []byte) {
	reply, ok := audiodriver.DecodePatchReply(payload)
	if !ok {
		return
	}
	h.pendingMu.Lock()
	ch, exists := h.pending[reply.RequestID]
	h.pendingMu.Unlock()
	if !exists {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// reapRetired closes graphs displaced by SetPedalboard's rebuild path once
// the realtime thread has moved on, releasing their plugin instances
// (spec.md §4.3 ReplaceGraph). The periodic wake-up re-fetches the driver
// so a device fallback (which installs a whole new Driver with its own
// retired-graph channel) doesn't leave this goroutine parked on the old
// driver's channel forever.
func (h *Host) reapRetired() {
	defer h.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case g, ok := <-h.currentDriver().RetiredGraphs():
			if !ok {
				return
			}
			g.Close()
		case <-ticker.C:
		}
	}
}

// watchFatal implements the retry/fallback ladder of spec.md §6: on an
// unrecoverable device error, retry opening the same device immediately,
// then with a 100ms*attempt backoff up to maxDeviceRetries times, then
// give up and switch to the dummy device so the rest of the host keeps
// functioning headless. The ticker re-fetches the driver after a fallback,
// as in reapRetired.
func (h *Host) watchFatal() {
	defer h.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case err, ok := <-h.currentDriver().Fatal():
			if !ok {
				return
			}
			h.errorHandler.HandleError(fmt.Errorf("host: device reported fatal error: %w", err))
			h.handleDeviceFailure()
		case <-ticker.C:
		}
	}
}

func (h *Host) handleDeviceFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	// The failed device is dead weight from here on; release it before
	// opening its replacement so ALSA doesn't hold the card busy.
	_ = h.driver.Stop()
	_ = h.driver.Close()

	g, buildErr := graph.Build(h.pb, h.cat, h.sampleRate, h.nframes, h.channels)
	if buildErr != nil {
		h.errorHandler.HandleError(fmt.Errorf("host: rebuilding graph after device failure: %w", buildErr))
		return
	}

	for attempt := 0; attempt <= maxDeviceRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		if err := h.openDevice(h.deviceName); err != nil {
			h.errorHandler.HandleError(fmt.Errorf("host: device retry %d failed: %w", attempt, err))
			continue
		}
		h.driver.SetGraph(g)
		if err := h.driver.Start(h.ctx); err != nil {
			h.errorHandler.HandleError(fmt.Errorf("host: device retry %d failed to start: %w", attempt, err))
			continue
		}
		h.state = StateRunning
		return
	}

	h.errorHandler.HandleError(fmt.Errorf("host: exhausted %d device retries, falling back to dummy device", maxDeviceRetries))
	if err := h.openDevice(audiodriver.DummyDevicePrefix + "fallback"); err != nil {
		h.errorHandler.HandleError(fmt.Errorf("host: dummy device fallback failed: %w", err))
		return
	}
	h.driver.SetGraph(g)
	if err := h.driver.Start(h.ctx); err != nil {
		h.errorHandler.HandleError(fmt.Errorf("host: dummy device fallback failed to start: %w", err))
		return
	}
	h.state = StateDummyFallback
}
