package graph

import "github.com/pipedal/pipedal-host/pedalboard"

// Process runs the graph for n_frames. Called exactly once per ALSA
// period from the realtime thread (spec.md §4.2). It must not allocate,
// log, or lock — every buffer it touches was carved out of g.arena at
// Build. VU/port capture below reads pre-sized accumulator structs; the
// maps they live in are never resized here: the service thread replaces
// them wholesale through an atomic pointer swap (SetVuSubscriptions,
// SetPortMonitors).
func (g *Graph) Process(nFrames int, input, output [][]float32) {
	if nFrames > g.nframes {
		nFrames = g.nframes
	}
	last := processChain(g.nodes, nFrames, input)
	if last != nil {
		copyBuf(output, last, nFrames)
	} else {
		copyBuf(output, input, nFrames)
	}
	g.captureVU(nFrames)
	g.capturePortMonitors(nFrames)
}

// processChain runs each node in order, series-chaining node i's output
// into node i+1's input (spec.md §4.2: "evaluation order equals list
// order"). Returns the last node's output buffer, or nil if nodes is
// empty (caller then passes input straight through).
func processChain(nodes []node, nFrames int, input [][]float32) [][]float32 {
	cur := input
	var last [][]float32
	for i := range nodes {
		n := &nodes[i]
		n.inBuf = cur
		switch n.kind {
		case pedalboard.KindPlugin:
			if n.instance != nil {
				n.instance.Connect(cur, n.outBuf)
				n.instance.Run(nFrames)
			} else {
				copyBuf(n.outBuf, cur, nFrames)
			}
		case pedalboard.KindSplit:
			processSplit(n, nFrames, cur)
		case pedalboard.KindEmpty:
			copyBuf(n.outBuf, cur, nFrames)
		}
		cur = n.outBuf
		last = n.outBuf
	}
	return last
}

func copyBuf(dst, src [][]float32, nFrames int) {
	for ch := range dst {
		if ch < len(src) {
			copy(dst[ch][:nFrames], src[ch][:nFrames])
		}
	}
}

// processSplit evaluates top then bottom against independent scratch
// buffers carved once at Build, then mixes per splitType/mix/pan/vol
// (spec.md §4.2) into n.outBuf.
func processSplit(n *node, nFrames int, input [][]float32) {
	topLast := processChain(n.top, nFrames, input)
	if topLast == nil {
		topLast = input
	}
	copyBuf(n.topScratch, topLast, nFrames)

	botLast := processChain(n.bottom, nFrames, input)
	if botLast == nil {
		botLast = input
	}
	copyBuf(n.botScratch, botLast, nFrames)

	switch n.split {
	case pedalboard.SplitAOnly:
		copyBuf(n.outBuf, n.topScratch, nFrames)
	case pedalboard.SplitBOnly:
		copyBuf(n.outBuf, n.botScratch, nFrames)
	case pedalboard.SplitLR:
		mixLR(n.outBuf, n.topScratch, n.botScratch, nFrames, n)
	default: // SplitMix and any unrecognized value default to a plain mix.
		mixSum(n.outBuf, n.topScratch, n.botScratch, nFrames, n.mix)
	}
}

func mixSum(output, top, bottom [][]float32, nFrames int, mix float64) {
	mixF := float32(mix)
	for ch := range output {
		for s := 0; s < nFrames; s++ {
			output[ch][s] = top[ch][s]*(1-mixF) + bottom[ch][s]*mixF
		}
	}
}

func mixLR(output, top, bottom [][]float32, nFrames int, n *node) {
	volL, volR := float32(n.volL), float32(n.volR)
	for ch := range output {
		for s := 0; s < nFrames; s++ {
			if ch%2 == 0 {
				output[ch][s] = top[ch][s] * volL
			} else {
				output[ch][s] = bottom[ch][s] * volR
			}
		}
	}
}

// --- Realtime-safe mutating operations (called by the ring drainer). ---

// SetControl applies an immediate control change (spec.md §4.2/§4.3).
func (g *Graph) SetControl(instanceID int64, symbol string, value float64) {
	n, ok := g.byID[instanceID]
	if !ok || n.instance == nil {
		return
	}
	_ = n.instance.SetControl(symbol, value)
}

// SetControlByIndex is SetControl's zero-allocation counterpart: index is
// a Build-time-resolved control index (see ControlIndex/SymbolAt) rather
// than a symbol string, so the audio driver's forward-ring drain loop
// never has to convert bytes to a string on the realtime thread.
func (g *Graph) SetControlByIndex(instanceID int64, index int, value float64) {
	n, ok := g.byID[instanceID]
	if !ok || n.instance == nil {
		return
	}
	symbol, ok := g.SymbolAt(instanceID, index)
	if !ok {
		return
	}
	_ = n.instance.SetControl(symbol, value)
}

// SetBypass applies an immediate bypass change.
func (g *Graph) SetBypass(instanceID int64, enabled bool) {
	n, ok := g.byID[instanceID]
	if !ok {
		return
	}
	n.enabled = !enabled
	if n.instance != nil {
		n.instance.SetBypass(enabled)
	}
}

// ApplySnapshot performs the bulk rebind of control values and bypass
// across many instances that makes up the structure-preserving fast path
// (spec.md §4.5). Orphaned values (referencing an instance id this graph
// does not have) are silently skipped, never an error. A snapshot value
// carrying a plugin-state blob is only restored in place when the
// instance reports SupportsInPlaceStateRestore; the caller (host.Host) is
// responsible for routing anything else through a full graph rebuild
// instead of ApplySnapshot (spec.md §4.5 precise rule, §9 Open Question).
func (g *Graph) ApplySnapshot(values []pedalboard.SnapshotValue) {
	for _, v := range values {
		n, ok := g.byID[v.InstanceID]
		if !ok || n.instance == nil {
			continue
		}
		n.instance.SetBypass(!v.Enabled)
		n.enabled = v.Enabled
		for symbol, value := range v.ControlValues {
			_ = n.instance.SetControl(symbol, value)
		}
		if v.State != nil && n.instance.SupportsInPlaceStateRestore() {
			_ = n.instance.RestoreState(stateToInterfaceMap(v.State))
		}
	}
}

// stateToInterfaceMap unwraps a pedalboard.StateValue union into the
// loosely-typed map catalog.Instance.RestoreState accepts.
func stateToInterfaceMap(state map[string]pedalboard.StateValue) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		switch v.Kind {
		case pedalboard.StateBool:
			out[k] = v.Bool
		case pedalboard.StateInt:
			out[k] = v.Int
		case pedalboard.StateFloat:
			out[k] = v.Float
		case pedalboard.StateString, pedalboard.StatePath:
			out[k] = v.String
		case pedalboard.StateBinary:
			out[k] = v.Binary
		}
	}
	return out
}

// HandlePatchGet bridges to the instance's patch-property getter
// (spec.md §4.2).
func (g *Graph) HandlePatchGet(instanceID int64, propertyURID uint32) ([]byte, error) {
	n, ok := g.byID[instanceID]
	if !ok || n.instance == nil {
		return nil, ErrNoSuchInstance
	}
	return n.instance.HandlePatchGet(propertyURID)
}

// HandlePatchSet bridges to the instance's patch-property setter.
func (g *Graph) HandlePatchSet(instanceID int64, propertyURID uint32, atom []byte) error {
	n, ok := g.byID[instanceID]
	if !ok || n.instance == nil {
		return ErrNoSuchInstance
	}
	return n.instance.HandlePatchSet(propertyURID, atom)
}
