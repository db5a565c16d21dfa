package wsapi

import (
	"github.com/pipedal/pipedal-host/model"
	"github.com/pipedal/pipedal-host/protocol"
)

// notificationFrame translates one model.Notification into its wire frame
// (spec.md §4.7 "server-initiated notifications"). It never carries a
// reply correlation — these are fire-and-forget broadcasts, distinct from
// the ack-seeking per-subscription pushes in acks.go/session.go.
func notificationFrame(n model.Notification) (protocol.Frame, bool) {
	switch n.Kind {
	case model.NotifyControlChanged:
		f, err := protocol.NewNotification(protocol.MessageOnControlChanged, protocol.SetControlBody{
			InstanceID: n.ControlChanged.InstanceID, Symbol: n.ControlChanged.Symbol, Value: n.ControlChanged.Value,
		})
		return f, err == nil
	case model.NotifyItemEnabled:
		f, err := protocol.NewNotification(protocol.MessageOnItemEnabledChanged, protocol.SetItemEnableBody{
			InstanceID: n.ItemEnabled.InstanceID, Enabled: n.ItemEnabled.Enabled,
		})
		return f, err == nil
	case model.NotifyItemTitle:
		f, err := protocol.NewNotification(protocol.MessageOnItemTitleChanged, protocol.ItemTitleBody{
			InstanceID: n.ItemTitle.InstanceID, Title: n.ItemTitle.Title, Color: n.ItemTitle.Color,
		})
		return f, err == nil
	case model.NotifyPedalboardChanged:
		if n.Pedalboard == nil {
			return protocol.Frame{}, false
		}
		f, err := protocol.NewNotification(protocol.MessageOnPedalboardChanged, protocol.CurrentPedalboardBody{Pedalboard: *n.Pedalboard})
		return f, err == nil
	case model.NotifyInputVolume:
		if n.Volume == nil {
			return protocol.Frame{}, false
		}
		f, err := protocol.NewNotification(protocol.MessageOnInputVolumeChanged, protocol.VolumeBody{Value: *n.Volume})
		return f, err == nil
	case model.NotifyOutputVolume:
		if n.Volume == nil {
			return protocol.Frame{}, false
		}
		f, err := protocol.NewNotification(protocol.MessageOnOutputVolumeChanged, protocol.VolumeBody{Value: *n.Volume})
		return f, err == nil
	case model.NotifyPatchPropertyChanged:
		f, err := protocol.NewNotification(protocol.MessageOnPatchPropertyChanged, protocol.PatchPropertyBody{
			InstanceID: n.PatchProperty.InstanceID, URI: n.PatchProperty.URI, Atom: n.PatchProperty.Atom,
		})
		return f, err == nil
	case model.NotifyAudioFault:
		detail := ""
		if n.AudioFault != nil {
			detail = n.AudioFault.Error()
		}
		f, err := protocol.NewNotification(protocol.MessageOnAudioFault, protocol.AudioFaultBody{Detail: detail})
		return f, err == nil
	default:
		return protocol.Frame{}, false
	}
}
