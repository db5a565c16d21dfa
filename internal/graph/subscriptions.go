package graph

import "errors"

// ErrNoSuchInstance is returned by patch bridges when the instance id does
// not resolve in this graph.
var ErrNoSuchInstance = errors.New("graph: no such instance")

// VuUpdate is one instance's accumulated peak values, ready to be pushed
// onto the return ring by the caller (spec.md §4.2).
type VuUpdate struct {
	InstanceID int64   `json:"instanceId"`
	PeakIn     float32 `json:"peakIn"`
	PeakOut    float32 `json:"peakOut"`
}

// PortUpdate is one (handle, value) change, ready for the return ring.
type PortUpdate struct {
	InstanceID int64   `json:"instanceId"`
	Symbol     string  `json:"symbol"`
	Value      float64 `json:"value"`
}

// SetVuSubscriptions replaces the set of instances with an active VU
// subscription. Safe to call from the service thread against the live
// graph: the replacement map is published with an atomic pointer swap, and
// the audio thread works against whichever map it loaded at the top of its
// current capture pass. Accumulated peaks for instances present in both
// sets are discarded by the swap; the next block starts them from zero.
func (g *Graph) SetVuSubscriptions(instanceIDs []int64) {
	next := make(map[int64]*vuAccumulator, len(instanceIDs))
	for _, id := range instanceIDs {
		next[id] = &vuAccumulator{}
	}
	g.vuSubs.Store(&next)
}

// SetPortMonitors replaces the active port-monitor subscription set, with
// the same publication discipline as SetVuSubscriptions.
func (g *Graph) SetPortMonitors(instanceIDs []int64, symbols []string, rates []float64) {
	next := make(map[portSubKey]*portMonitor, len(instanceIDs))
	for i, id := range instanceIDs {
		key := portSubKey{instanceID: id, symbol: symbols[i]}
		next[key] = &portMonitor{rateHz: rates[i]}
	}
	g.portSubs.Store(&next)
}

func absf32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// captureVU updates absolute-peak accumulators for every subscribed
// instance, post-process and non-blocking (spec.md §4.2). Draining and
// resetting on the ~50ms cadence is the caller's (AudioDriver's)
// responsibility via DrainVU.
func (g *Graph) captureVU(nFrames int) {
	subs := *g.vuSubs.Load()
	if len(subs) == 0 {
		return
	}
	for id, acc := range subs {
		n, ok := g.byID[id]
		if !ok {
			continue
		}
		for ch := range n.inBuf {
			for s := 0; s < nFrames; s++ {
				v := absf32(n.inBuf[ch][s])
				if v > acc.peakIn {
					acc.peakIn = v
				}
			}
		}
		for ch := range n.outBuf {
			for s := 0; s < nFrames; s++ {
				v := absf32(n.outBuf[ch][s])
				if v > acc.peakOut {
					acc.peakOut = v
				}
			}
		}
	}
}

// DrainVU returns and resets every subscribed instance's accumulated
// peaks. Called by the audio driver on its ~50ms cadence (spec.md §4.2).
func (g *Graph) DrainVU() []VuUpdate {
	subs := *g.vuSubs.Load()
	if len(subs) == 0 {
		return nil
	}
	out := make([]VuUpdate, 0, len(subs))
	for id, acc := range subs {
		out = append(out, VuUpdate{InstanceID: id, PeakIn: acc.peakIn, PeakOut: acc.peakOut})
		acc.peakIn, acc.peakOut = 0, 0
	}
	return out
}

// capturePortMonitors samples each subscribed port and records a pending
// update on change only (spec.md §4.2); the requested rate bounds how often
// a port is re-read rather than how often an unchanged value is repeated.
func (g *Graph) capturePortMonitors(nFrames int) {
	subs := *g.portSubs.Load()
	if len(subs) == 0 {
		return
	}
	for key, pm := range subs {
		pm.framesUntilSample -= nFrames
		if pm.framesUntilSample > 0 {
			continue
		}
		pm.framesUntilSample = pm.sampleInterval(g.sampleRate, g.nframes)
		n, ok := g.byID[key.instanceID]
		if !ok || n.instance == nil {
			continue
		}
		v, ok := n.instance.ControlValue(key.symbol)
		if !ok {
			continue
		}
		if !pm.haveValue || v != pm.lastValue {
			pm.lastValue = v
			pm.haveValue = true
			pm.changed = true
		}
	}
}

// DrainPortUpdates returns every port whose sampled value changed since
// the last drain.
func (g *Graph) DrainPortUpdates() []PortUpdate {
	subs := *g.portSubs.Load()
	if len(subs) == 0 {
		return nil
	}
	var out []PortUpdate
	for key, pm := range subs {
		if pm.changed {
			out = append(out, PortUpdate{InstanceID: key.instanceID, Symbol: key.symbol, Value: pm.lastValue})
			pm.changed = false
		}
	}
	return out
}
