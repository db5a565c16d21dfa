// Package pedalboard implements the pure-value data model described by the
// host: an ordered plugin chain, its split topology, and its snapshots.
// Every operation here is total, non-blocking, and operates on a local
// copy — mutation never touches the realtime-visible graph directly.
package pedalboard

import "sort"

// Pedalboard is the user's ordered plugin chain plus its snapshots. It is
// JSON-serializable and safe to copy by value for anything that does not
// need DeepCopy's guarantee of broken sharing.
type Pedalboard struct {
	Name             string     `json:"name"`
	Items            []Item     `json:"items"`
	InputVolumeDB    float64    `json:"inputVolumeDb"`
	OutputVolumeDB   float64    `json:"outputVolumeDb"`
	Snapshots        []Snapshot `json:"snapshots"`
	SelectedSnapshot int        `json:"selectedSnapshot"`
}

// ItemKind discriminates the three concrete kinds of pedalboard node.
type ItemKind string

const (
	KindPlugin ItemKind = "plugin"
	KindSplit  ItemKind = "split"
	KindEmpty  ItemKind = "empty"
)

// SplitType selects how a Split node recombines its two child chains.
type SplitType string

const (
	SplitAOnly SplitType = "A"
	SplitBOnly SplitType = "B"
	SplitMix   SplitType = "mix"
	SplitLR    SplitType = "lr"
)

// MidiBinding associates a MIDI CC (or note) with a control symbol.
type MidiBinding struct {
	Symbol     string  `json:"symbol"`
	Controller int     `json:"controller"`
	MinValue   float64 `json:"minValue"`
	MaxValue   float64 `json:"maxValue"`
}

// MidiChannelBinding restricts MIDI bindings on an item to one channel.
type MidiChannelBinding struct {
	Channel int `json:"channel"`
}

// StateValueKind tags the type carried by a StateValue union.
type StateValueKind string

const (
	StateBool   StateValueKind = "bool"
	StateInt    StateValueKind = "int"
	StateFloat  StateValueKind = "float"
	StateString StateValueKind = "string"
	StatePath   StateValueKind = "path"
	StateBinary StateValueKind = "binary"
)

// StateValue is one entry of a plugin's opaque key->typed-value state blob.
type StateValue struct {
	Kind   StateValueKind `json:"kind"`
	Bool   bool           `json:"bool,omitempty"`
	Int    int64          `json:"int,omitempty"`
	Float  float64        `json:"float,omitempty"`
	String string         `json:"string,omitempty"`
	Binary []byte         `json:"binary,omitempty"`
}

// Item is one of Plugin, Split, or Empty. InstanceID is stable and nonzero
// for Plugin and Split nodes; zero for Empty placeholders.
type Item struct {
	Kind       ItemKind `json:"kind"`
	InstanceID int64    `json:"instanceId"`

	// Plugin fields.
	PluginURI        string                `json:"pluginUri,omitempty"`
	Enabled          bool                  `json:"enabled"`
	UseModUI         bool                  `json:"useModUi,omitempty"`
	ControlValues    map[string]float64    `json:"controlValues,omitempty"`
	State            map[string]StateValue `json:"state,omitempty"`
	LilvPresetURI    string                `json:"lilvPresetUri,omitempty"`
	PathProperties   map[string]string     `json:"pathProperties,omitempty"`
	MidiBindings     []MidiBinding         `json:"midiBindings,omitempty"`
	MidiChannel      *MidiChannelBinding   `json:"midiChannel,omitempty"`
	Title            string                `json:"title,omitempty"`
	Color            string                `json:"color,omitempty"`
	StateUpdateCount int64                 `json:"stateUpdateCount,omitempty"`

	// Split fields.
	Top    []Item    `json:"top,omitempty"`
	Bottom []Item    `json:"bottom,omitempty"`
	Select float64   `json:"select,omitempty"`
	Mix    float64   `json:"mix,omitempty"`
	PanL   float64   `json:"panL,omitempty"`
	PanR   float64   `json:"panR,omitempty"`
	VolL   float64   `json:"volL,omitempty"`
	VolR   float64   `json:"volR,omitempty"`
	Split  SplitType `json:"splitType,omitempty"`
}

// SnapshotValue carries one instance's complete replacement parameter set.
type SnapshotValue struct {
	InstanceID     int64                 `json:"instanceId"`
	Enabled        bool                  `json:"enabled"`
	ControlValues  map[string]float64    `json:"controlValues,omitempty"`
	State          map[string]StateValue `json:"state,omitempty"`
	PathProperties map[string]string     `json:"pathProperties,omitempty"`
}

// Snapshot is a named parameter-only overlay. Applying it preserves topology.
type Snapshot struct {
	Name     string          `json:"name"`
	Color    string          `json:"color,omitempty"`
	Modified bool            `json:"modified"`
	Values   []SnapshotValue `json:"values"`
}

// New creates an empty pedalboard: no items, no snapshots, name "Default".
func New() Pedalboard {
	return Pedalboard{
		Name:             "Default",
		Items:            nil,
		Snapshots:        nil,
		SelectedSnapshot: -1,
	}
}

// GetAllPlugins returns a depth-first list of items, descending into split
// children, including Empty placeholders.
func (p Pedalboard) GetAllPlugins() []Item {
	var out []Item
	var walk func([]Item)
	walk = func(items []Item) {
		for _, it := range items {
			out = append(out, it)
			if it.Kind == KindSplit {
				walk(it.Top)
				walk(it.Bottom)
			}
		}
	}
	walk(p.Items)
	return out
}

// findInstance returns a pointer to the Item with the given InstanceID by
// descending through split children, or nil if it does not exist. The
// pointer aliases into items, so callers that mutate through it must own
// a copy of the pedalboard (see DeepCopy).
func findInstance(items []Item, id int64) *Item {
	for i := range items {
		if items[i].InstanceID == id {
			return &items[i]
		}
		if items[i].Kind == KindSplit {
			if found := findInstance(items[i].Top, id); found != nil {
				return found
			}
			if found := findInstance(items[i].Bottom, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// SetControl mutates one control value on the item identified by id.
// Returns false if the instance does not exist.
func (p *Pedalboard) SetControl(id int64, symbol string, value float64) bool {
	item := findInstance(p.Items, id)
	if item == nil {
		return false
	}
	if item.ControlValues == nil {
		item.ControlValues = make(map[string]float64)
	}
	item.ControlValues[symbol] = value
	return true
}

// SetPathProperty records the last-known value of a URI-keyed path patch
// property on the identified item (spec.md §4.5 send_set_patch_property:
// "on PatchSet of a path property, updates the service-side pedalboard's
// patch_properties"). Returns false if the instance does not exist.
func (p *Pedalboard) SetPathProperty(id int64, uri, value string) bool {
	item := findInstance(p.Items, id)
	if item == nil {
		return false
	}
	if item.PathProperties == nil {
		item.PathProperties = make(map[string]string)
	}
	item.PathProperties[uri] = value
	return true
}

// PathProperty returns the cached value of a path patch property, used as
// the PatchGet timeout fallback (spec.md §5 Cancellation & timeout).
func (p Pedalboard) PathProperty(id int64, uri string) (string, bool) {
	item := findInstance(p.Items, id)
	if item == nil || item.PathProperties == nil {
		return "", false
	}
	v, ok := item.PathProperties[uri]
	return v, ok
}

// SetItemPreset replaces an item's control values, state blob, and lilv
// preset URI wholesale, as loading a stored plugin preset onto a live
// instance does (spec.md §4.6 load_plugin_preset_values). Bumps
// StateUpdateCount so a state-dependent snapshot diff notices the change.
func (p *Pedalboard) SetItemPreset(id int64, controls map[string]float64, state map[string]StateValue, lilvPresetURI string) bool {
	item := findInstance(p.Items, id)
	if item == nil {
		return false
	}
	item.ControlValues = copyFloatMap(controls)
	item.State = copyStateMap(state)
	item.LilvPresetURI = lilvPresetURI
	item.StateUpdateCount++
	return true
}

// SetItemEnabled sets the enabled flag on the identified item.
func (p *Pedalboard) SetItemEnabled(id int64, enabled bool) bool {
	item := findInstance(p.Items, id)
	if item == nil {
		return false
	}
	item.Enabled = enabled
	return true
}

// SetItemUseModUI sets the use-mod-ui flag on the identified item.
func (p *Pedalboard) SetItemUseModUI(id int64, useModUI bool) bool {
	item := findInstance(p.Items, id)
	if item == nil {
		return false
	}
	item.UseModUI = useModUI
	return true
}

// SetItemTitle sets the display title/color on the identified item.
func (p *Pedalboard) SetItemTitle(id int64, title, color string) bool {
	item := findInstance(p.Items, id)
	if item == nil {
		return false
	}
	item.Title = title
	item.Color = color
	return true
}

// structuralKey captures everything that must match for two pedalboards to
// be structurally identical: ordered plugin URIs and split topology.
type structuralKey struct {
	URI   string
	Split SplitType
	Top   []structuralKey
	Bot   []structuralKey
}

func structureOf(items []Item) []structuralKey {
	keys := make([]structuralKey, 0, len(items))
	for _, it := range items {
		k := structuralKey{URI: it.PluginURI, Split: it.Split}
		if it.Kind == KindSplit {
			k.Top = structureOf(it.Top)
			k.Bot = structureOf(it.Bottom)
		}
		keys = append(keys, k)
	}
	return keys
}

func sameStructure(a, b []structuralKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URI != b[i].URI || a[i].Split != b[i].Split {
			return false
		}
		if !sameStructure(a[i].Top, b[i].Top) || !sameStructure(a[i].Bot, b[i].Bot) {
			return false
		}
	}
	return true
}

// IsStructurallyIdentical reports whether the ordered item list, split
// topology, and plugin URIs are identical to other. Control values,
// bypass, state, and path properties never break structural identity.
func (p Pedalboard) IsStructurallyIdentical(other Pedalboard) bool {
	return sameStructure(structureOf(p.Items), structureOf(other.Items))
}

// DeepCopy returns a copy that shares no backing arrays or maps with p, so
// it is safe to hand to a snapshot-apply or a realtime graph build without
// fear of a later edit on either copy leaking across.
func (p Pedalboard) DeepCopy() Pedalboard {
	out := p
	out.Items = deepCopyItems(p.Items)
	out.Snapshots = make([]Snapshot, len(p.Snapshots))
	for i, s := range p.Snapshots {
		out.Snapshots[i] = deepCopySnapshot(s)
	}
	return out
}

func deepCopyItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it
		out[i].ControlValues = copyFloatMap(it.ControlValues)
		out[i].State = copyStateMap(it.State)
		out[i].PathProperties = copyStringMap(it.PathProperties)
		out[i].MidiBindings = append([]MidiBinding(nil), it.MidiBindings...)
		if it.MidiChannel != nil {
			mc := *it.MidiChannel
			out[i].MidiChannel = &mc
		}
		out[i].Top = deepCopyItems(it.Top)
		out[i].Bottom = deepCopyItems(it.Bottom)
	}
	return out
}

func deepCopySnapshot(s Snapshot) Snapshot {
	out := s
	out.Values = make([]SnapshotValue, len(s.Values))
	for i, v := range s.Values {
		out.Values[i] = v
		out.Values[i].ControlValues = copyFloatMap(v.ControlValues)
		out.Values[i].State = copyStateMap(v.State)
		out.Values[i].PathProperties = copyStringMap(v.PathProperties)
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStateMap(m map[string]StateValue) map[string]StateValue {
	if m == nil {
		return nil
	}
	out := make(map[string]StateValue, len(m))
	for k, v := range m {
		vv := v
		vv.Binary = append([]byte(nil), v.Binary...)
		out[k] = vv
	}
	return out
}

// MakeSnapshotFromCurrent captures the pedalboard's current values into a
// new Snapshot, reusing previous's name/color if given.
func (p Pedalboard) MakeSnapshotFromCurrent(previous *Snapshot) Snapshot {
	snap := Snapshot{Modified: true}
	if previous != nil {
		snap.Name = previous.Name
		snap.Color = previous.Color
	}
	for _, it := range p.GetAllPlugins() {
		if it.Kind == KindEmpty {
			continue
		}
		snap.Values = append(snap.Values, SnapshotValue{
			InstanceID:     it.InstanceID,
			Enabled:        it.Enabled,
			ControlValues:  copyFloatMap(it.ControlValues),
			State:          copyStateMap(it.State),
			PathProperties: copyStringMap(it.PathProperties),
		})
	}
	return snap
}

// ApplySnapshot rebinds control values, bypass, state, and path properties
// from the snapshot at index. It never adds or removes items. Snapshot
// values referencing instance ids absent from the pedalboard are silently
// dropped. Returns whether anything changed.
func (p *Pedalboard) ApplySnapshot(index int) bool {
	if index < 0 || index >= len(p.Snapshots) {
		return false
	}
	snap := p.Snapshots[index]
	changed := false
	for _, v := range snap.Values {
		item := findInstance(p.Items, v.InstanceID)
		if item == nil {
			continue // orphaned value: silently dropped, per spec.
		}
		if item.Enabled != v.Enabled {
			item.Enabled = v.Enabled
			changed = true
		}
		if v.ControlValues != nil {
			item.ControlValues = copyFloatMap(v.ControlValues)
			changed = true
		}
		if v.State != nil {
			item.State = copyStateMap(v.State)
			item.StateUpdateCount++
			changed = true
		}
		if v.PathProperties != nil {
			item.PathProperties = copyStringMap(v.PathProperties)
			changed = true
		}
	}
	p.SelectedSnapshot = index
	return changed
}

// PruneFileProperties drops every path-property entry whose URI the
// owning plugin does not declare in its file-property set, applied to
// items and to snapshot values alike. Called on load, not on edit: a
// pedalboard read back from storage may predate a plugin dropping (or
// never having had) a property it once referenced. allowed reports
// whether propertyURI is declared by the plugin identified by pluginURI;
// the caller binds it to the plugin catalog. Returns whether anything was
// removed.
func (p *Pedalboard) PruneFileProperties(allowed func(pluginURI, propertyURI string) bool) bool {
	changed := false
	prune := func(pluginURI string, props map[string]string) map[string]string {
		for uri := range props {
			if !allowed(pluginURI, uri) {
				delete(props, uri)
				changed = true
			}
		}
		if len(props) == 0 {
			return nil
		}
		return props
	}

	var walk func(items []Item)
	walk = func(items []Item) {
		for i := range items {
			it := &items[i]
			if it.Kind == KindSplit {
				walk(it.Top)
				walk(it.Bottom)
				continue
			}
			if it.Kind == KindPlugin && it.PathProperties != nil {
				it.PathProperties = prune(it.PluginURI, it.PathProperties)
			}
		}
	}
	walk(p.Items)

	for si := range p.Snapshots {
		values := p.Snapshots[si].Values
		for vi := range values {
			v := &values[vi]
			if v.PathProperties == nil {
				continue
			}
			item := findInstance(p.Items, v.InstanceID)
			if item == nil {
				continue // orphaned value: dropped at apply time instead.
			}
			v.PathProperties = prune(item.PluginURI, v.PathProperties)
		}
	}
	return changed
}

// SortedInstanceIDs is a convenience used by tests and by the VU/port
// monitor wiring to enumerate instance ids deterministically.
func (p Pedalboard) SortedInstanceIDs() []int64 {
	ids := make([]int64, 0, len(p.Items))
	for _, it := range p.GetAllPlugins() {
		if it.InstanceID != 0 {
			ids = append(ids, it.InstanceID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
