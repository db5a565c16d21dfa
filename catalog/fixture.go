package catalog

import "sync"

// FixtureCatalog is an in-memory PluginCatalog used by tests and as
// pipedald's empty startup catalog; it never touches the filesystem. Grounded on the
// teacher's in-process device/plugin registries (devices.AudioDevices,
// plugins.Plugins), which are also flat, mutex-protected slices the rest
// of the system queries by key.
type FixtureCatalog struct {
	mu      sync.RWMutex
	plugins map[string]PluginInfo
	version int64
}

// NewFixtureCatalog creates a catalog seeded with the given plugin infos.
func NewFixtureCatalog(infos ...PluginInfo) *FixtureCatalog {
	c := &FixtureCatalog{plugins: make(map[string]PluginInfo), version: 1}
	for _, info := range infos {
		c.plugins[info.URI] = info
	}
	return c
}

// Lookup implements PluginCatalog.
func (c *FixtureCatalog) Lookup(uri string) (PluginInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.plugins[uri]
	return info, ok
}

// All implements PluginCatalog.
func (c *FixtureCatalog) All() []PluginInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PluginInfo, 0, len(c.plugins))
	for _, info := range c.plugins {
		out = append(out, info)
	}
	return out
}

// Version implements PluginCatalog.
func (c *FixtureCatalog) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Put adds or replaces a plugin definition and bumps Version, simulating a
// directory rescan picking up a new or changed plugin.
func (c *FixtureCatalog) Put(info PluginInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins[info.URI] = info
	c.version++
}

// instance is the in-memory Instance graph.Build falls back to when the
// catalog has no instance factory: it multiplies its input by the value of
// its "gain" control (unity when the plugin has no such control) so tests
// can observe that Run actually touched the buffers.
type instance struct {
	mu       sync.Mutex
	uri      string
	info     PluginInfo
	controls map[string]float64
	bypassed bool
	in, out  [][]float32
	state    map[string]interface{}
}

// NewFixtureInstance builds an Instance for uri from info, with all
// control ports set to their declared defaults.
func NewFixtureInstance(info PluginInfo) Instance {
	controls := make(map[string]float64, len(info.ControlPorts))
	for _, c := range info.ControlPorts {
		controls[c.Symbol] = c.Default
	}
	return &instance{uri: info.URI, info: info, controls: controls}
}

func (i *instance) URI() string { return i.uri }

func (i *instance) SetControl(symbol string, value float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.info.ControlPortBySymbol(symbol); !ok {
		return ErrNotFound
	}
	i.controls[symbol] = value
	return nil
}

func (i *instance) ControlValue(symbol string) (float64, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.controls[symbol]
	return v, ok
}

func (i *instance) SetBypass(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bypassed = enabled
}

func (i *instance) Connect(inputs, outputs [][]float32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.in, i.out = inputs, outputs
}

func (i *instance) Run(frames int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.bypassed {
		for ch := range i.out {
			if ch < len(i.in) {
				copy(i.out[ch][:frames], i.in[ch][:frames])
			}
		}
		return
	}
	gain := float32(1.0)
	if g, ok := i.controls["gain"]; ok {
		gain = float32(g)
	}
	for ch := range i.out {
		if ch >= len(i.in) {
			continue
		}
		for n := 0; n < frames; n++ {
			i.out[ch][n] = i.in[ch][n] * gain
		}
	}
}

func (i *instance) HandlePatchGet(propertyURID uint32) ([]byte, error) {
	return nil, ErrNotFound
}

func (i *instance) HandlePatchSet(propertyURID uint32, atom []byte) error {
	return nil
}

func (i *instance) SupportsInPlaceStateRestore() bool { return true }

func (i *instance) RestoreState(state map[string]interface{}) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = state
	return nil
}

// RestoredState returns the last state blob passed to RestoreState, for
// tests asserting that a snapshot's state actually reached the instance.
func (i *instance) RestoredState() map[string]interface{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *instance) Close() error { return nil }
