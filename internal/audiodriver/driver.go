package audiodriver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pipedal/pipedal-host/internal/audiodriver/rtsched"
	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/internal/ring"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// audioThreadPriority is the SCHED_FIFO priority requested for the audio
// callback thread, matching the elevated-but-not-maximal priority a
// JACK-style host asks for so the kernel's own realtime housekeeping stays
// ahead of us.
const audioThreadPriority = 80

// vuPublishSeconds is the VU batching cadence in seconds of audio
// (spec.md §4.2 "a fixed cadence (≈every 50 ms of audio)").
const vuPublishSeconds = 0.05

// patchReplyReserve is return-ring space VU/port traffic may never consume
// (spec.md §4.3: "on full ring, drop VU/port but never drop
// patch-replies"). VU/port pushes drop themselves once free space would
// dip below this; patch replies ignore it and, should the ring still be
// full, park in pendingReplies until a later period flushes them.
const patchReplyReserve = 4096

// maxPendingPatchReplies bounds the park queue. The service side blocks
// each patch caller for at most its request timeout, so outstanding
// requests — and therefore parked replies — can't realistically approach
// this; shedding the oldest beyond it lets that caller time out into the
// cached-value fallback instead of wedging the audio thread.
const maxPendingPatchReplies = 32

// ErrNoActiveGraph is returned by Push helpers that need to resolve
// against the active graph (e.g. PushSetControl's symbol lookup) before
// one has been installed via SetGraph.
var ErrNoActiveGraph = errors.New("audiodriver: no active graph")

func floatBits(v float64) uint64     { return math.Float64bits(v) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// Callback is invoked once per period by a Device. output and input are
// per-channel sample slices sized to the device's configured buffer size;
// the callback must fill every channel of output before returning.
type Callback func(output, input [][]float32, nFrames int)

// Device abstracts one realtime audio I/O backend: the ALSA-backed malgo
// device on Linux, or the synthetic DummyDevice used in tests and as the
// fallback after repeated ALSA failures (spec.md §6 "on_alsa_driver
// fallback ladder").
type Device interface {
	SampleRate() int
	BufferSize() int
	Channels() int
	Start(cb Callback) error
	Stop() error
	Close() error
}

// Driver owns the realtime audio thread described by spec.md §4.3: it
// drains the forward ring, runs the active Graph, and publishes VU/port/
// patch-reply traffic on the return ring. The active *graph.Graph is
// swapped with an atomic pointer rather than pushed through the byte ring
// — a Graph is a Go heap object, not wire data, and this process never
// crosses an address-space boundary the way spec.md's ring design
// anticipates for a future out-of-process LV2 worker. Retired graphs are
// handed back on a buffered channel for the owner to Close() off the
// realtime thread.
type Driver struct {
	device  Device
	forward *ring.Ring
	ret     *ring.Ring

	g       atomic.Pointer[graph.Graph]
	retired chan *graph.Graph

	inputVolBits  atomic.Uint64
	outputVolBits atomic.Uint64

	periods atomic.Int64
	xruns   atomic.Int64
	fatal   chan error

	// vuFrames counts frames processed since the last VU publish so the
	// return ring carries peak batches on the ~50ms-of-audio cadence of
	// spec.md §4.2 instead of one batch per period.
	vuFrames int

	// pendingReplies holds encoded patch replies that did not fit the
	// return ring at completion time. Audio-thread-owned; flushed at the
	// top of every callback, ahead of any VU/port publishing.
	pendingReplies [][]byte

	schedOnce sync.Once
	schedErr  atomic.Pointer[error]

	// scratch is reused every period to decode forward-ring messages
	// without allocating (see drainForward). Decoded []byte views (e.g.
	// a PatchSet atom) alias this buffer and are only valid until the
	// next message is drained; handlePatchSet's callee must copy
	// whatever it needs to keep before returning.
	scratch []byte
}

// NewDriver wires a Device to a pair of rings. forwardCap/retCap size the
// byte rings; both should comfortably exceed the largest burst of control
// traffic expected within one scheduling quantum (spec.md §4.1).
func NewDriver(device Device, forwardCap, retCap int) *Driver {
	forward := ring.Open(forwardCap)
	d := &Driver{
		device:         device,
		forward:        forward,
		ret:            ring.Open(retCap),
		retired:        make(chan *graph.Graph, 4),
		fatal:          make(chan error, 1),
		scratch:        make([]byte, forward.Cap()),
		pendingReplies: make([][]byte, 0, maxPendingPatchReplies),
	}
	d.inputVolBits.Store(math1())
	d.outputVolBits.Store(math1())
	return d
}

func math1() uint64 { return floatBits(1.0) }

// Forward returns the ring the service thread pushes control messages on.
func (d *Driver) Forward() *ring.Ring { return d.forward }

// Return returns the ring the service thread drains for VU/port/patch
// traffic.
func (d *Driver) Return() *ring.Ring { return d.ret }

// Graph returns the currently active graph, or nil if none has been
// installed yet. Safe to call from any goroutine.
func (d *Driver) Graph() *graph.Graph { return d.g.Load() }

// RetiredGraphs yields graphs displaced by SetGraph, for the caller to
// Close() once it is certain the realtime thread has moved past them.
func (d *Driver) RetiredGraphs() <-chan *graph.Graph { return d.retired }

// Fatal yields unrecoverable device errors (spec.md §6 AlsaFatal).
func (d *Driver) Fatal() <-chan error { return d.fatal }

// SetGraph installs a new active graph, to be picked up by the very next
// period. The previous graph, if any, is sent to RetiredGraphs.
func (d *Driver) SetGraph(g *graph.Graph) {
	old := d.g.Swap(g)
	if old != nil {
		d.retired <- old
	}
}

// SetInputVolume / SetOutputVolume adjust the pre/post gain applied in the
// realtime callback (spec.md §4.3 SetInputVolume/SetOutputVolume).
func (d *Driver) SetInputVolume(v float64)  { d.inputVolBits.Store(floatBits(v)) }
func (d *Driver) SetOutputVolume(v float64) { d.outputVolBits.Store(floatBits(v)) }

// PeriodCount reports how many realtime callbacks have run.
func (d *Driver) PeriodCount() int64 { return d.periods.Load() }

// XrunCount reports buffer underrun/overrun events observed by the
// Device, where the Device implementation can detect them.
func (d *Driver) XrunCount() int64 { return d.xruns.Load() }

// ReportXrun is called by a Device implementation when it observes an
// under/overrun (spec.md §4.3 "Report xruns ... as a counter").
func (d *Driver) ReportXrun() { d.xruns.Add(1) }

// faultNotifier is implemented by Device backends that can call back when
// their stream dies outside a Stop/Close request (malgo's DeviceCallbacks
// .Stop). Driver wires it to ReportFatal so the host's retry ladder runs.
type faultNotifier interface {
	OnUnexpectedStop(func())
}

// Start begins realtime processing. It returns once the Device has
// accepted the callback; ctx cancellation stops the device.
func (d *Driver) Start(ctx context.Context) error {
	if fn, ok := d.device.(faultNotifier); ok {
		fn.OnUnexpectedStop(func() {
			d.ReportFatal(errors.New("audiodriver: device stream stopped unexpectedly"))
		})
	}
	if err := d.device.Start(d.callback); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = d.device.Stop()
	}()
	return nil
}

// Stop halts realtime processing.
func (d *Driver) Stop() error { return d.device.Stop() }

// Close releases the device.
func (d *Driver) Close() error { return d.device.Close() }

// callback is the realtime entry point. Draining SetControl/SetBypass/
// volume messages, Graph.Process and volume scaling do not allocate. Some
// paths do: decoding an ApplySnapshot, encoding a patch reply, and encoding
// each published VU/port update (DrainVU/DrainPortUpdates also return
// freshly allocated slices). Port updates are published every period in
// which a monitored value changed.
func (d *Driver) callback(output, input [][]float32, nFrames int) {
	d.schedOnce.Do(func() {
		// First invocation runs on the device's audio thread: pin the
		// goroutine there and ask for SCHED_FIFO. Elevation failure is
		// recorded, not acted on — the service thread reads it via
		// TakeSchedulingError and logs it; audio keeps running at normal
		// priority (SPEC_FULL.md §4.3 scheduling).
		rtsched.Pin()
		if err := rtsched.Elevate(audioThreadPriority); err != nil {
			d.schedErr.Store(&err)
		}
	})

	d.flushPendingReplies()
	d.drainForward()

	g := d.g.Load()
	if g == nil {
		zero(output)
		d.periods.Add(1)
		return
	}

	inVol := float32(floatFromBits(d.inputVolBits.Load()))
	if inVol != 1 {
		scale(input, nFrames, inVol)
	}

	g.Process(nFrames, input, output)

	outVol := float32(floatFromBits(d.outputVolBits.Load()))
	if outVol != 1 {
		scale(output, nFrames, outVol)
	}

	d.vuFrames += nFrames
	if float64(d.vuFrames) >= vuPublishSeconds*float64(d.device.SampleRate()) {
		d.publishVU(g)
		d.vuFrames = 0
	}
	d.publishPortUpdates(g)
	d.periods.Add(1)
}

// TakeSchedulingError returns (and clears) the realtime-elevation failure
// recorded by the first callback, if any. The audio thread cannot log; the
// host's return-ring pump calls this and reports it once.
func (d *Driver) TakeSchedulingError() error {
	p := d.schedErr.Swap(nil)
	if p == nil {
		return nil
	}
	return *p
}

func zero(buf [][]float32) {
	for ch := range buf {
		for i := range buf[ch] {
			buf[ch][i] = 0
		}
	}
}

func scale(buf [][]float32, nFrames int, gain float32) {
	for ch := range buf {
		row := buf[ch]
		if len(row) > nFrames {
			row = row[:nFrames]
		}
		for i := range row {
			row[i] *= gain
		}
	}
}

// drainForward applies every queued control message without blocking:
// PopInto decodes directly into d.scratch, reused every call. Only the
// ApplySnapshot decode and the patch replies it sends allocate.
// ring.ErrEmpty ends the loop for this period.
func (d *Driver) drainForward() {
	g := d.g.Load()
	for {
		typ, n, err := d.forward.PopInto(d.scratch)
		if err != nil {
			return
		}
		payload := d.scratch[:n]
		switch typ {
		case MsgSetControl:
			if m, ok := DecodeSetControl(payload); ok && g != nil {
				g.SetControlByIndex(m.InstanceID, int(m.ControlIndex), m.Value)
			}
		case MsgSetBypass:
			if m, ok := DecodeSetBypass(payload); ok && g != nil {
				g.SetBypass(m.InstanceID, m.Enabled)
			}
		case MsgSetInputVolume:
			if v, _, ok := getF64(payload); ok {
				d.inputVolBits.Store(floatBits(v))
			}
		case MsgSetOutputVolume:
			if v, _, ok := getF64(payload); ok {
				d.outputVolBits.Store(floatBits(v))
			}
		case MsgApplySnapshot:
			if g != nil {
				// ApplySnapshot's control-value map is decoded fresh here
				// and does allocate: snapshot switches are user-paced
				// events, not a per-period cost, so this trades a small
				// bounded allocation on a rare path for not having to
				// intern snapshot payloads by control index as well.
				if values, ok := decodeSnapshotValues(payload); ok {
					g.ApplySnapshot(values)
				}
			}
		case MsgPatchGet:
			d.handlePatchGet(g, payload)
		case MsgPatchSet:
			d.handlePatchSet(g, payload)
		}
	}
}

func (d *Driver) handlePatchGet(g *graph.Graph, payload []byte) {
	reqID, rest, ok := getU64(payload)
	if !ok {
		return
	}
	instanceID, rest, ok := getI64(rest)
	if !ok {
		return
	}
	propertyURID, _, ok := getU32(rest)
	if !ok {
		return
	}
	if g == nil {
		d.pushPatchReply(reqID, nil, true)
		return
	}
	atom, err := g.HandlePatchGet(instanceID, propertyURID)
	if err != nil {
		d.pushPatchReply(reqID, nil, true)
		return
	}
	d.pushPatchReply(reqID, atom, false)
}

func (d *Driver) handlePatchSet(g *graph.Graph, payload []byte) {
	reqID, rest, ok := getU64(payload)
	if !ok {
		return
	}
	instanceID, rest, ok := getI64(rest)
	if !ok {
		return
	}
	propertyURID, rest, ok := getU32(rest)
	if !ok {
		return
	}
	atom, _, ok := getBytes(rest)
	if !ok {
		return
	}
	if g == nil {
		d.pushPatchReply(reqID, nil, true)
		return
	}
	if err := g.HandlePatchSet(instanceID, propertyURID, atom); err != nil {
		d.pushPatchReply(reqID, nil, true)
		return
	}
	d.pushPatchReply(reqID, nil, false)
}

// pushPatchReply completes a patch request on the return ring. Unlike the
// best-effort VU/port publishers, a reply that does not fit is parked and
// retried every subsequent period until it lands (spec.md §4.3 "never drop
// patch-replies"); VU/port traffic is barred from the reservation that
// keeps that retry short-lived.
func (d *Driver) pushPatchReply(reqID uint64, atom []byte, timeout bool) {
	buf := putU64(nil, reqID)
	buf = putBool(buf, timeout)
	buf = putBytes(buf, atom)
	d.flushPendingReplies()
	if len(d.pendingReplies) == 0 && d.ret.Push(MsgPatchReply, buf) == nil {
		return
	}
	if len(d.pendingReplies) == maxPendingPatchReplies {
		copy(d.pendingReplies, d.pendingReplies[1:])
		d.pendingReplies = d.pendingReplies[:maxPendingPatchReplies-1]
	}
	d.pendingReplies = append(d.pendingReplies, buf)
}

// flushPendingReplies retries parked patch replies in arrival order,
// stopping at the first that still does not fit. Compacts in place; no
// allocation.
func (d *Driver) flushPendingReplies() {
	if len(d.pendingReplies) == 0 {
		return
	}
	i := 0
	for ; i < len(d.pendingReplies); i++ {
		if d.ret.Push(MsgPatchReply, d.pendingReplies[i]) != nil {
			break
		}
		d.pendingReplies[i] = nil
	}
	if i > 0 {
		n := copy(d.pendingReplies, d.pendingReplies[i:])
		d.pendingReplies = d.pendingReplies[:n]
	}
}

// pushBestEffort publishes a VU/port message only when doing so leaves the
// patch-reply reservation untouched; otherwise the update is dropped
// (spec.md §4.3 "on full ring, drop VU/port"). The reservation is capped
// at a quarter of the ring so an unusually small ring still carries VU
// traffic.
func (d *Driver) pushBestEffort(typ byte, buf []byte) {
	reserve := patchReplyReserve
	if quarter := d.ret.Cap() / 4; reserve > quarter {
		reserve = quarter
	}
	if d.ret.Free() < len(buf)+ring.HeaderSize+reserve {
		return
	}
	_ = d.ret.Push(typ, buf)
}

func (d *Driver) publishVU(g *graph.Graph) {
	updates := g.DrainVU()
	for _, u := range updates {
		buf := putI64(nil, u.InstanceID)
		buf = putF64(buf, float64(u.PeakIn))
		buf = putF64(buf, float64(u.PeakOut))
		d.pushBestEffort(MsgVuUpdate, buf)
	}
}

func (d *Driver) publishPortUpdates(g *graph.Graph) {
	updates := g.DrainPortUpdates()
	for _, u := range updates {
		buf := putI64(nil, u.InstanceID)
		buf = putString(buf, u.Symbol)
		buf = putF64(buf, u.Value)
		d.pushBestEffort(MsgPortMonitorUpdate, buf)
	}
}

// ReportFatal is called by a Device implementation when the stream dies
// irrecoverably (spec.md §6 AlsaFatal); the host watches Fatal() to drive
// its retry/fallback ladder.
func (d *Driver) ReportFatal(err error) {
	select {
	case d.fatal <- err:
	default:
	}
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func getBytes(buf []byte) ([]byte, []byte, bool) {
	n, rest, ok := getU32(buf)
	if !ok || uint64(len(rest)) < uint64(n) {
		return nil, buf, false
	}
	return rest[:n], rest[n:], true
}

func encodeSnapshotValues(values []pedalboard.SnapshotValue) []byte {
	buf := putU32(nil, uint32(len(values)))
	for _, v := range values {
		buf = putI64(buf, v.InstanceID)
		buf = putBool(buf, v.Enabled)
		buf = putU32(buf, uint32(len(v.ControlValues)))
		for symbol, value := range v.ControlValues {
			buf = putString(buf, symbol)
			buf = putF64(buf, value)
		}
		buf = putU32(buf, uint32(len(v.State)))
		for key, sv := range v.State {
			buf = putString(buf, key)
			buf = putStateValue(buf, sv)
		}
	}
	return buf
}

// putStateValue/getStateValue carry a pedalboard.StateValue union across
// the ring (spec.md §4.5 ApplySnapshot must include a changed plugin state
// blob, not just control values): the Kind string selects which single
// field follows.
func putStateValue(buf []byte, v pedalboard.StateValue) []byte {
	buf = putString(buf, string(v.Kind))
	switch v.Kind {
	case pedalboard.StateBool:
		buf = putBool(buf, v.Bool)
	case pedalboard.StateInt:
		buf = putI64(buf, v.Int)
	case pedalboard.StateFloat:
		buf = putF64(buf, v.Float)
	case pedalboard.StateString, pedalboard.StatePath:
		buf = putString(buf, v.String)
	case pedalboard.StateBinary:
		buf = putBytes(buf, v.Binary)
	}
	return buf
}

func getStateValue(buf []byte) (pedalboard.StateValue, []byte, bool) {
	var v pedalboard.StateValue
	kindStr, rest, ok := getString(buf)
	if !ok {
		return v, buf, false
	}
	v.Kind = pedalboard.StateValueKind(kindStr)
	switch v.Kind {
	case pedalboard.StateBool:
		if v.Bool, rest, ok = getBool(rest); !ok {
			return v, buf, false
		}
	case pedalboard.StateInt:
		if v.Int, rest, ok = getI64(rest); !ok {
			return v, buf, false
		}
	case pedalboard.StateFloat:
		if v.Float, rest, ok = getF64(rest); !ok {
			return v, buf, false
		}
	case pedalboard.StateString, pedalboard.StatePath:
		if v.String, rest, ok = getString(rest); !ok {
			return v, buf, false
		}
	case pedalboard.StateBinary:
		var b []byte
		if b, rest, ok = getBytes(rest); !ok {
			return v, buf, false
		}
		v.Binary = append([]byte(nil), b...)
	}
	return v, rest, true
}

func decodeSnapshotValues(buf []byte) ([]pedalboard.SnapshotValue, bool) {
	n, rest, ok := getU32(buf)
	if !ok {
		return nil, false
	}
	values := make([]pedalboard.SnapshotValue, 0, n)
	for i := uint32(0); i < n; i++ {
		var v pedalboard.SnapshotValue
		if v.InstanceID, rest, ok = getI64(rest); !ok {
			return nil, false
		}
		if v.Enabled, rest, ok = getBool(rest); !ok {
			return nil, false
		}
		var count uint32
		if count, rest, ok = getU32(rest); !ok {
			return nil, false
		}
		v.ControlValues = make(map[string]float64, count)
		for j := uint32(0); j < count; j++ {
			var symbol string
			var value float64
			if symbol, rest, ok = getString(rest); !ok {
				return nil, false
			}
			if value, rest, ok = getF64(rest); !ok {
				return nil, false
			}
			v.ControlValues[symbol] = value
		}
		var stateCount uint32
		if stateCount, rest, ok = getU32(rest); !ok {
			return nil, false
		}
		if stateCount > 0 {
			v.State = make(map[string]pedalboard.StateValue, stateCount)
			for j := uint32(0); j < stateCount; j++ {
				var key string
				var sv pedalboard.StateValue
				if key, rest, ok = getString(rest); !ok {
					return nil, false
				}
				if sv, rest, ok = getStateValue(rest); !ok {
					return nil, false
				}
				v.State[key] = sv
			}
		}
		values = append(values, v)
	}
	return values, true
}

// PushApplySnapshot encodes and enqueues an ApplySnapshot message on the
// forward ring (spec.md §4.5 fast path), used by the host/service thread.
func (d *Driver) PushApplySnapshot(values []pedalboard.SnapshotValue) error {
	return d.forward.Push(MsgApplySnapshot, encodeSnapshotValues(values))
}

// PushSetControl resolves symbol to its Build-time control index against
// the currently active graph and enqueues a SetControl message. Returns
// an error if no graph is active yet or the (instanceID, symbol) pair is
// unknown — the caller (Host) is expected to have already validated the
// pedalboard against the catalog before reaching here.
func (d *Driver) PushSetControl(instanceID int64, symbol string, value float64) error {
	g := d.g.Load()
	if g == nil {
		return ErrNoActiveGraph
	}
	index, ok := g.ControlIndex(instanceID, symbol)
	if !ok {
		return fmt.Errorf("audiodriver: no control index for instance %d symbol %q", instanceID, symbol)
	}
	msg := SetControlMsg{InstanceID: instanceID, ControlIndex: int32(index), Value: value}
	return d.forward.Push(MsgSetControl, EncodeSetControl(msg))
}

// PushSetBypass enqueues a SetBypass message.
func (d *Driver) PushSetBypass(instanceID int64, enabled bool) error {
	return d.forward.Push(MsgSetBypass, EncodeSetBypass(SetBypassMsg{instanceID, enabled}))
}

// PushPatchGet enqueues a PatchGet request.
func (d *Driver) PushPatchGet(reqID uint64, instanceID int64, propertyURID uint32) error {
	buf := putU64(nil, reqID)
	buf = putI64(buf, instanceID)
	buf = putU32(buf, propertyURID)
	return d.forward.Push(MsgPatchGet, buf)
}

// PushPatchSet enqueues a PatchSet request.
func (d *Driver) PushPatchSet(reqID uint64, instanceID int64, propertyURID uint32, atom []byte) error {
	buf := putU64(nil, reqID)
	buf = putI64(buf, instanceID)
	buf = putU32(buf, propertyURID)
	buf = putBytes(buf, atom)
	return d.forward.Push(MsgPatchSet, buf)
}
