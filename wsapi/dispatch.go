package wsapi

import (
	"sync/atomic"

	"github.com/pipedal/pipedal-host/apperr"
	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/midibind"
	"github.com/pipedal/pipedal-host/model"
	"github.com/pipedal/pipedal-host/protocol"
)

// handleInbound routes one decoded frame: an ack (Header.Reply set) resolves
// a pending push stream, and a request (Header.ReplyTo set) is dispatched
// and always answered, success or failure, with exactly one reply frame
// (spec.md §4.7 "every request receives exactly one reply").
func (s *Session) handleInbound(f protocol.Frame) {
	if f.Header.Reply != nil {
		s.handleAck(int64(*f.Header.Reply))
		return
	}
	if f.Header.ReplyTo == nil {
		s.log.Warn().Str("message", f.Header.Message).Msg("wsapi: request frame missing replyTo")
		return
	}
	replyTo := *f.Header.ReplyTo

	replyMessage, body, err := s.dispatch(f)
	if err != nil {
		errFrame, ferr := protocol.NewError(replyTo, err.Error())
		if ferr != nil {
			s.log.Error().Err(ferr).Msg("wsapi: encoding error reply")
			return
		}
		s.enqueue(errFrame)
		return
	}

	frame, ferr := protocol.NewReply(replyMessage, replyTo, body)
	if ferr != nil {
		s.log.Error().Err(ferr).Msg("wsapi: encoding reply")
		return
	}
	s.enqueue(frame)
}

// dispatch decodes f's body (if any), performs the matching Model call, and
// returns the reply message name and body. The out-of-scope file-serving
// transport (spec.md §1 "HTTP file serving... invoked by core but not part
// of it") is deliberately not switched on here: getFileList below answers
// from storage.Store directly because it is part of the control plane (the
// plugin file picker), but uploadUserFile is not — it needs a streamed
// octet body no JSON frame can carry, and stays an HTTP-only operation.
func (s *Session) dispatch(f protocol.Frame) (string, any, error) {
	switch f.Header.Message {
	case protocol.MessageHello:
		var body protocol.HelloBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		s.model.Subscribe(s)
		return protocol.MessageEhlo, protocol.EhloBody{ClientID: s.clientID, ServerVersion: serverVersion}, nil

	case protocol.MessageCurrentPedalboard:
		pb := s.model.Pedalboard()
		return protocol.MessageCurrentPedalboard, protocol.CurrentPedalboardBody{Pedalboard: pb}, nil

	case protocol.MessageUpdateCurrentPedalboard:
		var body protocol.CurrentPedalboardBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetPedalboard(s.clientID, body.Pedalboard); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSetControl, protocol.MessagePreviewControl:
		var body protocol.SetControlBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetControl(s.clientID, body.InstanceID, body.Symbol, body.Value); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSetInputVolume:
		var body protocol.VolumeBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		s.model.SetInputVolume(s.clientID, body.Value)
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSetOutputVolume:
		var body protocol.VolumeBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		s.model.SetOutputVolume(s.clientID, body.Value)
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSetPedalboardItemEnable:
		var body protocol.SetItemEnableBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetItemEnabled(s.clientID, body.InstanceID, body.Enabled); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSetItemTitle:
		var body protocol.ItemTitleBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetItemTitle(s.clientID, body.InstanceID, body.Title, body.Color); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSetItemUseModUI:
		var body protocol.SetItemUseModUIBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetItemUseModUI(s.clientID, body.InstanceID, body.UseModUI); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSetJackSettings:
		var body protocol.JackSettingsBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetJackServerSettings(body.Settings); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageGetJackServerSettings:
		settings, err := s.model.GetJackServerSettings()
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.JackSettingsBody{Settings: settings}, nil

	case protocol.MessageGetJackStatus:
		state, xruns := s.model.JackStatus()
		return f.Header.Message, protocol.JackStatusBody{State: state, XrunCount: xruns}, nil

	case protocol.MessageSaveCurrentPreset:
		if err := s.model.SaveCurrentPreset(s.clientID); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageSaveCurrentPresetAs:
		var body protocol.SaveCurrentPresetAsBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		id, err := s.model.SaveCurrentPresetAs(s.clientID, body.Name, body.AfterID)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.NewIDBody{ID: id}, nil

	case protocol.MessageLoadPreset:
		var body protocol.PresetIDBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.LoadPreset(s.clientID, body.PresetID); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageDeletePresetItem:
		var body protocol.PresetIDBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		newSelection, err := s.model.DeletePresetItem(s.clientID, body.PresetID)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.NewIDBody{ID: newSelection}, nil

	case protocol.MessageRenamePresetItem:
		var body protocol.RenamePresetItemBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.RenamePresetItem(body.PresetID, body.Name); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageCopyPreset:
		var body protocol.CopyPresetBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		id, err := s.model.CopyPreset(body.FromID, body.ToID)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.NewIDBody{ID: id}, nil

	case protocol.MessageMoveBank:
		var body protocol.MoveBankBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.MoveBank(body.From, body.To); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageOpenBank:
		var body protocol.BankIDBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.OpenBank(s.clientID, body.BankID); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageRenameBank:
		var body protocol.RenameBankBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.RenameBank(body.BankID, body.Name); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageDeleteBankItem:
		var body protocol.BankIDBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		newSelection, err := s.model.DeleteBankItem(body.BankID)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.NewIDBody{ID: newSelection}, nil

	case protocol.MessageLoadPluginPreset:
		var body protocol.LoadPluginPresetBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.LoadPluginPreset(s.clientID, body.InstanceID, body.URI, body.PresetID); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageCopyPluginPreset:
		var body protocol.CopyPluginPresetBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		id, err := s.model.CopyPluginPreset(body.URI, body.PresetID, body.NewLabel)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.NewIDBody{ID: id}, nil

	case protocol.MessageSavePluginPreset:
		var body protocol.SavePluginPresetBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		id, err := s.model.SavePluginPreset(body.InstanceID, body.Name)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.NewIDBody{ID: id}, nil

	case protocol.MessageGetPluginPresets:
		var body protocol.URIBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		presets, err := s.model.GetPluginPresets(body.URI)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.PluginPresetListBody{Presets: presets}, nil

	case protocol.MessageGetFavorites:
		uris, err := s.model.GetFavorites()
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.FavoritesBody{URIs: uris}, nil

	case protocol.MessageSetFavorites:
		var body protocol.FavoritesBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetFavorites(body.URIs); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageGetSystemMidiBindings:
		bindings, err := s.model.GetSystemMidiBindings()
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.SystemMidiBindingsBody{Bindings: bindings}, nil

	case protocol.MessageSetSystemMidiBindings:
		var body protocol.SystemMidiBindingsBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetSystemMidiBindings(body.Bindings); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageGetFileList:
		var body protocol.FileListBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		files, err := s.model.GetFileList(body.RelativePath, body.FileProperty)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.FileEntryListBody{Files: files}, nil

	case protocol.MessageAddVuSubscription:
		var body protocol.VuSubscriptionBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		var handleBox atomic.Uint64
		handle := s.model.AddVuSubscription(s.clientID, body.InstanceIDs, func(updates []graph.VuUpdate) {
			s.deliverVU(handleBox.Load(), updates)
		})
		handleBox.Store(handle)
		s.vuHandles[handle] = struct{}{}
		return f.Header.Message, protocol.HandleBody{Handle: handle}, nil

	case protocol.MessageRemoveVuSubscription:
		var body protocol.HandleBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		s.model.RemoveVuSubscription(body.Handle)
		delete(s.vuHandles, body.Handle)
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageMonitorPort:
		var body protocol.MonitorPortBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		var handleBox atomic.Uint64
		handle := s.model.MonitorPort(s.clientID, body.InstanceID, body.Symbol, body.RateHz, func(update graph.PortUpdate) {
			s.deliverPort(handleBox.Load(), update)
		})
		handleBox.Store(handle)
		s.portHandles[handle] = struct{}{}
		return f.Header.Message, protocol.HandleBody{Handle: handle}, nil

	case protocol.MessageUnmonitorPort:
		var body protocol.HandleBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		s.model.UnmonitorPort(body.Handle)
		delete(s.portHandles, body.Handle)
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageGetPatchProperty:
		var body protocol.PatchPropertyBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		atom, err := s.model.GetPatchProperty(body.InstanceID, body.URI)
		if err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.PatchPropertyBody{InstanceID: body.InstanceID, URI: body.URI, Atom: atom}, nil

	case protocol.MessageSetPatchProperty:
		var body protocol.PatchPropertyBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		if err := s.model.SetPatchProperty(s.clientID, body.InstanceID, body.URI, body.Atom); err != nil {
			return "", nil, err
		}
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageListenForMidiEvent:
		var handleBox atomic.Uint64
		handle := s.model.ListenForMidiEvent(s.clientID, func(ev midibind.Event) {
			s.deliverMidi(handleBox.Load(), ev)
		})
		handleBox.Store(handle)
		s.midiHandles[handle] = struct{}{}
		return f.Header.Message, protocol.HandleBody{Handle: handle}, nil

	case protocol.MessageCancelListenForMidiEvent:
		var body protocol.HandleBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		s.model.CancelListenForMidiEvent(body.Handle)
		delete(s.midiHandles, body.Handle)
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageMonitorPatchProperty:
		var body protocol.MonitorPatchPropertyBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		var handleBox atomic.Uint64
		handle := s.model.MonitorPatchProperty(s.clientID, body.InstanceID, body.URI, func(ev model.PatchPropertyEvent) {
			s.deliverPatch(handleBox.Load(), ev)
		})
		handleBox.Store(handle)
		s.patchHandles[handle] = struct{}{}
		return f.Header.Message, protocol.HandleBody{Handle: handle}, nil

	case protocol.MessageCancelMonitorPatchProp:
		var body protocol.HandleBody
		if err := f.Decode(&body); err != nil {
			return "", nil, err
		}
		s.model.CancelMonitorPatchProperty(body.Handle)
		delete(s.patchHandles, body.Handle)
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageShutdown:
		if s.onShutdown == nil {
			return "", nil, &apperr.StateError{Code: "unavailable", Detail: "shutdown is not wired to a system helper"}
		}
		s.onShutdown()
		return f.Header.Message, protocol.OkBody{}, nil

	case protocol.MessageRestart:
		if s.onRestart == nil {
			return "", nil, &apperr.StateError{Code: "unavailable", Detail: "restart is not wired to a system helper"}
		}
		s.onRestart()
		return f.Header.Message, protocol.OkBody{}, nil

	default:
		return "", nil, &apperr.InvalidRequestError{Code: "unknown_message", Detail: f.Header.Message}
	}
}

// serverVersion is echoed in the ehlo handshake reply (spec.md §4.7 hello).
const serverVersion = "1.0.0"
