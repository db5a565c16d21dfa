package model

import (
	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// intern returns the process-local URID for uri, assigning one on first
// use. The real LV2 URID map is out of scope (catalog.HostServices exists
// for the plugin runtime's own use, not the control plane's); Model's
// table only has to agree with itself, since it is the sole translator
// between the protocol's URI-keyed patch properties and host.Host's
// already-interned uint32 requests.
func (m *Model) intern(uri string) uint32 {
	m.uridMu.Lock()
	defer m.uridMu.Unlock()
	if id, ok := m.uriToID[uri]; ok {
		return id
	}
	id := m.nextURID
	m.nextURID++
	m.uriToID[uri] = id
	m.idToURI[id] = uri
	return id
}

// GetPatchProperty requests a plugin's current value for uri (spec.md §4.5
// send_get_patch_property). On timeout it falls back to the pedalboard's
// last cached path-property value before reporting failure (spec.md §5
// "Cancellation & timeout").
func (m *Model) GetPatchProperty(instanceID int64, uri string) ([]byte, error) {
	urid := m.intern(uri)
	atom, err := m.host.GetPatchProperty(instanceID, urid)
	if err == nil {
		return atom, nil
	}

	pb := m.host.Pedalboard()
	if cached, ok := pb.PathProperty(instanceID, uri); ok {
		return []byte(cached), nil
	}
	return nil, &apperr.RealtimeTimeoutError{InstanceID: instanceID, PropertyURI: uri}
}

// SetPatchProperty requests a plugin property write (spec.md §4.5
// send_set_patch_property). On success it updates the service-side
// pedalboard's cached path-property value and marks the selected snapshot
// modified, then broadcasts the change to every other session.
func (m *Model) SetPatchProperty(clientID string, instanceID int64, uri string, atom []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	urid := m.intern(uri)
	if err := m.host.SetPatchProperty(instanceID, urid, atom); err != nil {
		return &apperr.RealtimeTimeoutError{InstanceID: instanceID, PropertyURI: uri}
	}

	pb := m.host.Pedalboard()
	pb.SetPathProperty(instanceID, uri, string(atom))
	markSelectedSnapshotModified(&pb)
	if err := m.host.SetPedalboard(pb); err != nil {
		m.log.Warn().Err(err).Msg("model: re-applying pedalboard after patch-property write failed")
	}
	m.autosaveLocked()

	m.broadcast(Notification{
		Kind:           NotifyPatchPropertyChanged,
		OriginClientID: clientID,
		PatchProperty:  &PatchPropertyEvent{InstanceID: instanceID, URI: uri, Atom: atom},
	}, clientID)
	return nil
}

// markSelectedSnapshotModified flags the currently selected snapshot dirty,
// mirroring what a control-value edit would do, since a path-property write
// is otherwise invisible to the snapshot-modified tracking (spec.md §4.5
// "marks the preset modified").
func markSelectedSnapshotModified(pb *pedalboard.Pedalboard) {
	if pb.SelectedSnapshot < 0 || pb.SelectedSnapshot >= len(pb.Snapshots) {
		return
	}
	pb.Snapshots[pb.SelectedSnapshot].Modified = true
}
