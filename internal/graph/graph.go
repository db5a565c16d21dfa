// Package graph implements the realtime-resident plugin graph (spec.md
// §4.2): the owner of instantiated plugins, their port buffers, execution
// order, and split/mix topology. Graph.Process is called exactly once per
// period from the realtime audio thread and must not allocate, log, or
// lock; every other method here either runs at build time (off the
// realtime thread) or is one of the three realtime-safe mutating
// operations the ring drainer is allowed to call (SetControl, SetBypass,
// ApplySnapshot).
//
// Grounded on the teacher's engine.Channel/ChannelImpl buffer-ownership
// pattern (each channel pre-allocates its buffers and the realtime
// callback only ever indexes into them) and avaudio/pluginchain's
// series-connection logic, generalized from "a fixed chain of AVAudioUnit
// nodes" to "an ordered tree of catalog.Instance nodes with split
// topology."
package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// node is one compiled, realtime-ready element of the graph.
type node struct {
	kind       pedalboard.ItemKind
	instanceID int64
	instance   catalog.Instance // nil for Split/Empty
	enabled    bool

	// outBuf is this node's output buffer, carved from the shared arena
	// once at Build; chaining uses it directly as the next node's input
	// (or, for the first node in a list, the caller's own input buffer).
	outBuf [][]float32

	// inBuf is the buffer this node was last connected to as input —
	// either the previous node's outBuf or the chain's own input buffer.
	// Recorded by processChain every Process call so captureVU can read
	// the pre-Run signal for the input-side VU accumulator without
	// threading a separate parameter through the chain walk.
	inBuf [][]float32

	// split-only
	split                  pedalboard.SplitType
	top, bottom            []node
	selectV, mix           float64
	panL, panR             float64
	volL, volR             float64
	topScratch, botScratch [][]float32 // carved from the arena at Build, reused every Process call
}

// symbolIndex maps (instanceID, symbol) to a stable control index, used by
// AudioDriver message decoding so the forward ring never carries strings.
type symbolIndex struct {
	bySymbol map[int64]map[string]int
	byIndex  map[int64][]string
}

// Graph is the realtime-resident owner described by spec.md §4.2. A Graph
// is built once off the realtime thread by Build and is thereafter either
// the "active" graph on the audio thread or a to-be-discarded "old" graph
// handed back on the driver's retired-graph channel — it is never mutated piecewise from
// the service thread once published. The one exception is the VU/port
// subscription set, which the service thread replaces wholesale through an
// atomic pointer swap (see SetVuSubscriptions); the audio thread only ever
// reads whichever immutable map it loads at the top of a capture pass.
type Graph struct {
	nodes      []node
	byID       map[int64]*node
	arena      []float32
	sampleRate int
	nframes    int
	nch        int
	index      symbolIndex

	vuSubs   atomic.Pointer[map[int64]*vuAccumulator]
	portSubs atomic.Pointer[map[portSubKey]*portMonitor]
}

type portSubKey struct {
	instanceID int64
	symbol     string
}

// vuAccumulator tracks absolute-peak input/output values over one block.
type vuAccumulator struct {
	peakIn, peakOut float32
}

// portMonitor samples one port at a configured rate and reports on change.
type portMonitor struct {
	rateHz            float64
	lastValue         float64
	haveValue         bool
	changed           bool
	framesUntilSample int
	intervalFrames    int
}

// sampleInterval converts rateHz into a whole-period frame count, computed
// once on first use. One period is the granularity floor: a rate at or
// above one sample per period degenerates to sampling every period.
func (pm *portMonitor) sampleInterval(sampleRate, nframes int) int {
	if pm.intervalFrames == 0 {
		pm.intervalFrames = nframes
		if pm.rateHz > 0 {
			frames := int(float64(sampleRate) / pm.rateHz)
			if frames > nframes {
				pm.intervalFrames = frames
			}
		}
	}
	return pm.intervalFrames
}

// Build compiles a pedalboard snapshot into a realtime-ready Graph. It
// looks up every plugin instance from cat, allocates the buffer arena
// once, and resolves every (instanceID, symbol) -> index mapping up
// front. Build is the only place allocation happens; Process never
// allocates.
func Build(pb pedalboard.Pedalboard, cat catalog.PluginCatalog, sampleRate, nframes, channels int) (*Graph, error) {
	g := &Graph{
		byID:       make(map[int64]*node),
		sampleRate: sampleRate,
		nframes:    nframes,
		nch:        channels,
		index: symbolIndex{
			bySymbol: make(map[int64]map[string]int),
			byIndex:  make(map[int64][]string),
		},
	}
	emptyVu := make(map[int64]*vuAccumulator)
	emptyPort := make(map[portSubKey]*portMonitor)
	g.vuSubs.Store(&emptyVu)
	g.portSubs.Store(&emptyPort)

	// First pass: count buffer slots (one output buffer per node, plus two
	// scratch buffers per split) so the arena can be allocated exactly once.
	var slots int
	var countItems func(items []pedalboard.Item)
	countItems = func(items []pedalboard.Item) {
		for _, it := range items {
			slots++
			if it.Kind == pedalboard.KindSplit {
				slots += 2
				countItems(it.Top)
				countItems(it.Bottom)
			}
		}
	}
	countItems(pb.Items)
	g.arena = make([]float32, slots*channels*nframes)

	var cursor int
	carve := func() [][]float32 {
		buf := make([][]float32, channels)
		for ch := 0; ch < channels; ch++ {
			start := cursor
			cursor += nframes
			buf[ch] = g.arena[start:cursor]
		}
		return buf
	}

	var build func(items []pedalboard.Item) ([]node, error)
	build = func(items []pedalboard.Item) ([]node, error) {
		out := make([]node, 0, len(items))
		for _, it := range items {
			n := node{kind: it.Kind, instanceID: it.InstanceID, enabled: it.Enabled}
			n.outBuf = carve()

			switch it.Kind {
			case pedalboard.KindPlugin:
				info, ok := cat.Lookup(it.PluginURI)
				if !ok {
					return nil, fmt.Errorf("graph: unknown plugin uri %q", it.PluginURI)
				}
				instance := newInstance(info, cat)
				for symbol, value := range it.ControlValues {
					_ = instance.SetControl(symbol, value)
				}
				instance.SetBypass(!it.Enabled)
				n.instance = instance
				g.registerSymbols(it.InstanceID, info)
			case pedalboard.KindSplit:
				n.split = it.Split
				n.selectV, n.mix = it.Select, it.Mix
				n.panL, n.panR = it.PanL, it.PanR
				n.volL, n.volR = it.VolL, it.VolR
				n.topScratch = carve()
				n.botScratch = carve()
				top, err := build(it.Top)
				if err != nil {
					return nil, err
				}
				bottom, err := build(it.Bottom)
				if err != nil {
					return nil, err
				}
				n.top, n.bottom = top, bottom
			case pedalboard.KindEmpty:
				// pass-through, nothing to build.
			}

			out = append(out, n)
			if it.InstanceID != 0 {
				g.byID[it.InstanceID] = &out[len(out)-1]
			}
		}
		return out, nil
	}

	built, err := build(pb.Items)
	if err != nil {
		return nil, err
	}
	g.nodes = built
	return g, nil
}

// newInstance instantiates a plugin through the catalog's own
// NewInstance(PluginInfo) method when the catalog has one, and otherwise
// falls back to catalog.NewFixtureInstance. Kept as a package variable so
// Build does not hardcode a concrete catalog implementation.
var newInstance = func(info catalog.PluginInfo, cat catalog.PluginCatalog) catalog.Instance {
	if factory, ok := cat.(interface {
		NewInstance(catalog.PluginInfo) catalog.Instance
	}); ok {
		return factory.NewInstance(info)
	}
	return catalog.NewFixtureInstance(info)
}

func (g *Graph) registerSymbols(instanceID int64, info catalog.PluginInfo) {
	m := make(map[string]int, len(info.ControlPorts))
	syms := make([]string, len(info.ControlPorts))
	for _, c := range info.ControlPorts {
		m[c.Symbol] = c.Index
		if c.Index >= 0 && c.Index < len(syms) {
			syms[c.Index] = c.Symbol
		}
	}
	g.index.bySymbol[instanceID] = m
	g.index.byIndex[instanceID] = syms
}

// ControlIndex maps (instanceID, symbol) -> control index, resolved once
// at Build (spec.md §4.2).
func (g *Graph) ControlIndex(instanceID int64, symbol string) (int, bool) {
	m, ok := g.index.bySymbol[instanceID]
	if !ok {
		return 0, false
	}
	idx, ok := m[symbol]
	return idx, ok
}

// SymbolAt is the inverse of ControlIndex.
func (g *Graph) SymbolAt(instanceID int64, index int) (string, bool) {
	syms, ok := g.index.byIndex[instanceID]
	if !ok || index < 0 || index >= len(syms) {
		return "", false
	}
	return syms[index], true
}

// Instance looks up a plugin instance by instance id (read-only accessor,
// spec.md §4.2).
func (g *Graph) Instance(instanceID int64) (catalog.Instance, bool) {
	n, ok := g.byID[instanceID]
	if !ok || n.instance == nil {
		return nil, false
	}
	return n.instance, true
}

// Close releases every instantiated plugin. Called off the realtime
// thread once a Graph has been replaced (spec.md §4.3 ReplaceGraph).
func (g *Graph) Close() {
	var closeNodes func([]node)
	closeNodes = func(nodes []node) {
		for i := range nodes {
			if nodes[i].instance != nil {
				_ = nodes[i].instance.Close()
			}
			closeNodes(nodes[i].top)
			closeNodes(nodes[i].bottom)
		}
	}
	closeNodes(g.nodes)
}
