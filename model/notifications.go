package model

import (
	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/pedalboard"
)

// NotificationKind discriminates the payload carried by a Notification.
type NotificationKind int

const (
	NotifyControlChanged NotificationKind = iota
	NotifyItemEnabled
	NotifyItemTitle
	NotifyPedalboardChanged
	NotifyInputVolume
	NotifyOutputVolume
	NotifyPatchPropertyChanged
	NotifyAudioFault
)

// ControlChangedEvent mirrors spec.md §4.5 set_control's broadcast payload.
type ControlChangedEvent struct {
	InstanceID int64
	Symbol     string
	Value      float64
}

// ItemEnabledEvent mirrors set_item_enabled's broadcast payload.
type ItemEnabledEvent struct {
	InstanceID int64
	Enabled    bool
}

// ItemTitleEvent mirrors set_item_title's broadcast payload.
type ItemTitleEvent struct {
	InstanceID int64
	Title      string
	Color      string
}

// PatchPropertyEvent mirrors send_set_patch_property's broadcast payload.
type PatchPropertyEvent struct {
	InstanceID int64
	URI        string
	Atom       []byte
}

// Notification is broadcast to every Subscriber in Model's subscriber set
// (spec.md §4.5 "Broadcast discipline"). Exactly one payload field is set,
// selected by Kind.
type Notification struct {
	Kind           NotificationKind
	OriginClientID string

	ControlChanged   *ControlChangedEvent
	ItemEnabled      *ItemEnabledEvent
	ItemTitle        *ItemTitleEvent
	Pedalboard       *pedalboard.Pedalboard
	Volume           *float64
	PatchProperty    *PatchPropertyEvent
	AudioFault       *apperr.AudioFaultError
}

// Subscriber receives broadcast Notifications. wsapi's per-connection
// session is the only production implementation; ClientID identifies the
// originator for self-exclusion (spec.md §4.5 "the sender is typically
// excluded from its own echo for edits").
type Subscriber interface {
	ClientID() string
	Deliver(Notification)
}

// Subscribe adds sub to the broadcast set (spec.md §4.7 "On hello the
// session is added to the Model's broadcast set").
func (m *Model) Subscribe(sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Unsubscribe removes sub and cancels every subscription handle it owns
// (spec.md §4.7 "On disconnect all its subscriptions are cancelled and it
// is removed").
func (m *Model) Unsubscribe(clientID string) {
	m.subMu.Lock()
	out := m.subscribers[:0:0]
	for _, s := range m.subscribers {
		if s.ClientID() != clientID {
			out = append(out, s)
		}
	}
	m.subscribers = out
	m.subMu.Unlock()

	m.handles.removeAllForClient(clientID, m.recomputeSubscriptions)
}

// broadcast delivers n to every subscriber except excludeClientID (pass ""
// to exclude no one). It iterates a local copy of the subscriber slice so a
// Deliver implementation that calls back into Model — e.g. a session
// tearing itself down mid-notification — never observes a half-mutated
// slice or needs Model's mutex to be reentrant (spec.md §5).
func (m *Model) broadcast(n Notification, excludeClientID string) {
	m.subMu.Lock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.Unlock()

	for _, s := range subs {
		if excludeClientID != "" && s.ClientID() == excludeClientID {
			continue
		}
		s.Deliver(n)
	}
}
