package wsapi

import (
	"sync"
	"sync/atomic"

	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/model"
)

// maxGlobalVuInFlight bounds the process-wide count of unacknowledged
// onVuUpdate pushes across every session (spec.md §4.7/§8 "VU updates
// additionally have a process-wide in-flight cap of 5; if exceeded the
// update is dropped, not queued").
const maxGlobalVuInFlight = 5

var globalVuInFlight atomic.Int64

func acquireGlobalVuSlot() bool {
	for {
		n := globalVuInFlight.Load()
		if n >= maxGlobalVuInFlight {
			return false
		}
		if globalVuInFlight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func releaseGlobalVuSlot() { globalVuInFlight.Add(-1) }

// vuStream, portStream and patchStream each track one subscription's
// outstanding-ack state: at most one push in flight, later values
// coalesced last-writer-wins until the client's ack arrives (spec.md §4.7
// "at most one outstanding per logical stream... subsequent values are
// coalesced"). They are intentionally three near-identical types rather
// than one generic one — each payload shape is small and distinct, and
// there are exactly three of them.
type vuStream struct {
	mu         sync.Mutex
	inFlight   bool
	pending    []graph.VuUpdate
	hasPending bool
}

type portStream struct {
	mu         sync.Mutex
	inFlight   bool
	pending    graph.PortUpdate
	hasPending bool
}

type patchStream struct {
	mu         sync.Mutex
	inFlight   bool
	pending    model.PatchPropertyEvent
	hasPending bool
}

// ackRoute is what a pending outbound request id resolves back to when the
// client's ack frame arrives, so Session.handleAck never needs a type
// switch over payload shapes.
type ackRoute struct {
	kind   ackKind
	handle uint64
}

type ackKind int

const (
	ackVU ackKind = iota
	ackPort
	ackPatch
)
