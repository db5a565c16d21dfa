// Package audiodriver owns the realtime audio thread: it opens an ALSA
// duplex stream (or the synthetic dummy driver), pins a realtime
// goroutine, calls PluginGraph.process once per period, and drains/fills
// the forward/return rings (spec.md §4.3).
package audiodriver

import (
	"encoding/binary"
	"math"

	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// Forward-ring message type tags (service thread -> realtime thread).
const (
	MsgSetControl byte = iota + 1
	MsgSetBypass
	MsgSetInputVolume
	MsgSetOutputVolume
	MsgReplaceGraph
	MsgApplySnapshot
	MsgPatchGet
	MsgPatchSet
	MsgAckMidiProgramRequest
	MsgAckSnapshotRequest
)

// Return-ring message type tags (realtime thread -> service thread).
const (
	MsgVuUpdate byte = iota + 64
	MsgPortMonitorUpdate
	MsgPatchReply
	MsgPatchSetNotify
	MsgMidiValueChanged
	MsgMidiListen
	MsgMidiProgramChange
	MsgNextMidiProgram
	MsgMidiRealtimeEvent
	MsgLv2RealtimeError
	MsgAlsaFatal
	MsgOldGraphRetired
)

// SetControlMsg is the forward-ring payload for MsgSetControl. It carries
// the control's Build-time-resolved index rather than its symbol: the
// realtime thread's drain loop must not allocate, and turning a []byte
// payload into a string always allocates one. ControlIndex is resolved
// from the symbol once, off the realtime thread, by the pusher (see
// Driver.PushSetControl) using the same index graph.Build already
// computed (spec.md §4.2 "resolved once at Build").
type SetControlMsg struct {
	InstanceID   int64
	ControlIndex int32
	Value        float64
}

// SetBypassMsg is the forward-ring payload for MsgSetBypass.
type SetBypassMsg struct {
	InstanceID int64
	Enabled    bool
}

// PatchGetMsg requests a patch property read within a frame budget.
type PatchGetMsg struct {
	RequestID    uint64
	InstanceID   int64
	PropertyURID uint32
	TimeoutFrame int64
}

// PatchSetMsg requests a patch property write.
type PatchSetMsg struct {
	RequestID    uint64
	InstanceID   int64
	PropertyURID uint32
	Atom         []byte
	TimeoutFrame int64
}

// PatchReplyMsg is the return-ring reply to a PatchGetMsg/PatchSetMsg. An
// empty Atom with Timeout=true signals an unanswered request (spec.md
// §4.3 "completed on the return ring with an empty payload").
type PatchReplyMsg struct {
	RequestID uint64
	Atom      []byte
	Timeout   bool
}

// PatchSetNotifyMsg announces that a path-valued patch property changed,
// so the service thread can mirror it into the pedalboard (spec.md §4.5).
type PatchSetNotifyMsg struct {
	InstanceID   int64
	PropertyURID uint32
	Atom         []byte
}

// VuUpdateBatch carries every subscribed instance's peak values captured
// on the ~50ms cadence (spec.md §4.2).
type VuUpdateBatch struct {
	Updates []graph.VuUpdate
}

// PortMonitorUpdateMsg is one (handle, value) change.
type PortMonitorUpdateMsg struct {
	InstanceID int64
	Symbol     string
	Value      float64
}

// Lv2RealtimeErrorMsg surfaces a plugin-reported runtime error (spec.md §7
// PluginFault).
type Lv2RealtimeErrorMsg struct {
	InstanceID int64
	TextID     string
}

// --- minimal length-prefixed encoding used over the byte ring. ---
//
// These messages never leave process memory (the ring is in-process), so
// a compact hand-rolled encoding is used rather than encoding/gob or JSON,
// matching spec.md §4.1's requirement that ring traffic never allocates
// more than necessary on the realtime side. Strings are length-prefixed
// UTF-8; everything else is fixed-width little-endian, following the
// explicit-offset-checked reader style spec.md §9 calls for ("every
// field-access validates remaining bytes").

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func getString(buf []byte) (string, []byte, bool) {
	if len(buf) < 4 {
		return "", buf, false
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return "", buf, false
	}
	return string(buf[:n]), buf[n:], true
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func getU64(buf []byte) (uint64, []byte, bool) {
	if len(buf) < 8 {
		return 0, buf, false
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], true
}

func putI64(buf []byte, v int64) []byte { return putU64(buf, uint64(v)) }
func getI64(buf []byte) (int64, []byte, bool) {
	u, rest, ok := getU64(buf)
	return int64(u), rest, ok
}

func putF64(buf []byte, v float64) []byte {
	return putU64(buf, math.Float64bits(v))
}
func getF64(buf []byte) (float64, []byte, bool) {
	u, rest, ok := getU64(buf)
	return math.Float64frombits(u), rest, ok
}

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
func getU32(buf []byte) (uint32, []byte, bool) {
	if len(buf) < 4 {
		return 0, buf, false
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], true
}

func putBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
func getBool(buf []byte) (bool, []byte, bool) {
	if len(buf) < 1 {
		return false, buf, false
	}
	return buf[0] != 0, buf[1:], true
}

// EncodeSetControl serializes a SetControlMsg payload.
func EncodeSetControl(m SetControlMsg) []byte {
	buf := putI64(nil, m.InstanceID)
	buf = putU32(buf, uint32(m.ControlIndex))
	buf = putF64(buf, m.Value)
	return buf
}

// DecodeSetControl parses a SetControlMsg payload.
func DecodeSetControl(buf []byte) (SetControlMsg, bool) {
	var m SetControlMsg
	var ok bool
	var idx uint32
	if m.InstanceID, buf, ok = getI64(buf); !ok {
		return m, false
	}
	if idx, buf, ok = getU32(buf); !ok {
		return m, false
	}
	m.ControlIndex = int32(idx)
	if m.Value, _, ok = getF64(buf); !ok {
		return m, false
	}
	return m, true
}

// EncodeSetBypass serializes a SetBypassMsg payload.
func EncodeSetBypass(m SetBypassMsg) []byte {
	buf := putI64(nil, m.InstanceID)
	buf = putBool(buf, m.Enabled)
	return buf
}

// DecodeSetBypass parses a SetBypassMsg payload.
func DecodeSetBypass(buf []byte) (SetBypassMsg, bool) {
	var m SetBypassMsg
	var ok bool
	if m.InstanceID, buf, ok = getI64(buf); !ok {
		return m, false
	}
	if m.Enabled, _, ok = getBool(buf); !ok {
		return m, false
	}
	return m, true
}

// SnapshotApplyMsg carries the values for a single ApplySnapshot message.
type SnapshotApplyMsg struct {
	Values []pedalboard.SnapshotValue
}

// VuUpdateDecoded is the parsed form of a MsgVuUpdate return-ring payload.
type VuUpdateDecoded struct {
	InstanceID      int64
	PeakIn, PeakOut float64
}

// DecodeVuUpdate parses a MsgVuUpdate payload, exported for consumers
// outside this package (host's return-ring pump).
func DecodeVuUpdate(buf []byte) (VuUpdateDecoded, bool) {
	var m VuUpdateDecoded
	var ok bool
	if m.InstanceID, buf, ok = getI64(buf); !ok {
		return m, false
	}
	if m.PeakIn, buf, ok = getF64(buf); !ok {
		return m, false
	}
	if m.PeakOut, _, ok = getF64(buf); !ok {
		return m, false
	}
	return m, true
}

// PortUpdateDecoded is the parsed form of a MsgPortMonitorUpdate payload.
type PortUpdateDecoded struct {
	InstanceID int64
	Symbol     string
	Value      float64
}

// DecodePortUpdate parses a MsgPortMonitorUpdate payload.
func DecodePortUpdate(buf []byte) (PortUpdateDecoded, bool) {
	var m PortUpdateDecoded
	var ok bool
	if m.InstanceID, buf, ok = getI64(buf); !ok {
		return m, false
	}
	if m.Symbol, buf, ok = getString(buf); !ok {
		return m, false
	}
	if m.Value, _, ok = getF64(buf); !ok {
		return m, false
	}
	return m, true
}

// DecodePatchReply parses a MsgPatchReply payload.
func DecodePatchReply(buf []byte) (PatchReplyMsg, bool) {
	var m PatchReplyMsg
	var ok bool
	if m.RequestID, buf, ok = getU64(buf); !ok {
		return m, false
	}
	if m.Timeout, buf, ok = getBool(buf); !ok {
		return m, false
	}
	if m.Atom, _, ok = getBytes(buf); !ok {
		return m, false
	}
	return m, true
}
