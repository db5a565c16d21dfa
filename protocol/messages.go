package protocol

import (
	"github.com/pipedal/pipedal-host/catalog"
	"github.com/pipedal/pipedal-host/internal/graph"
	"github.com/pipedal/pipedal-host/midibind"
	"github.com/pipedal/pipedal-host/pedalboard"
	"github.com/pipedal/pipedal-host/storage"
)

// Message catalog (spec.md §4.7). Names match the wire strings exactly;
// the Go identifiers exist only so wsapi can switch on a constant instead
// of a literal.
const (
	MessageHello                   = "hello"
	MessageEhlo                    = "ehlo"
	MessageCurrentPedalboard       = "currentPedalboard"
	MessageUpdateCurrentPedalboard = "updateCurrentPedalboard"
	MessageSetControl              = "setControl"
	MessagePreviewControl          = "previewControl"
	MessageSetInputVolume          = "setInputVolume"
	MessageSetOutputVolume         = "setOutputVolume"
	MessageSetPedalboardItemEnable = "setPedalboardItemEnable"
	MessageSetItemTitle            = "setItemTitle"
	MessageSetItemUseModUI         = "setItemUseModUi"
	MessageSetJackSettings         = "setJackSettings"

	MessageSaveCurrentPreset   = "saveCurrentPreset"
	MessageSaveCurrentPresetAs = "saveCurrentPresetAs"
	MessageLoadPreset          = "loadPreset"
	MessageDeletePresetItem    = "deletePresetItem"
	MessageRenamePresetItem    = "renamePresetItem"
	MessageCopyPreset          = "copyPreset"

	MessageMoveBank       = "moveBank"
	MessageOpenBank       = "openBank"
	MessageRenameBank     = "renameBank"
	MessageDeleteBankItem = "deleteBankItem"

	MessageLoadPluginPreset = "loadPluginPreset"
	MessageCopyPluginPreset = "copyPluginPreset"
	MessageSavePluginPreset = "savePluginPreset"

	MessageAddVuSubscription    = "addVuSubscription"
	MessageRemoveVuSubscription = "removeVuSubscription"
	MessageMonitorPort          = "monitorPort"
	MessageUnmonitorPort        = "unmonitorPort"

	MessageGetPatchProperty = "getPatchProperty"
	MessageSetPatchProperty = "setPatchProperty"

	MessageListenForMidiEvent       = "listenForMidiEvent"
	MessageCancelListenForMidiEvent = "cancelListenForMidiEvent"
	MessageMonitorPatchProperty     = "monitorPatchProperty"
	MessageCancelMonitorPatchProp   = "cancelMonitorPatchProperty"

	MessageGetPluginPresets      = "getPluginPresets"
	MessageGetFavorites          = "getFavorites"
	MessageSetFavorites          = "setFavorites"
	MessageGetSystemMidiBindings = "getSystemMidiBindings"
	MessageSetSystemMidiBindings = "setSystemMidiBindings"
	MessageGetJackServerSettings = "getJackServerSettings"
	MessageGetJackStatus         = "getJackStatus"
	MessageGetFileList           = "getFileList"

	MessageShutdown = "shutdown"
	MessageRestart  = "restart"

	// Server-initiated notifications (never carry a replyTo).
	MessageOnPedalboardChanged    = "onPedalboardChanged"
	MessageOnControlChanged       = "onControlChanged"
	MessageOnItemEnabledChanged   = "onItemEnabledChanged"
	MessageOnItemTitleChanged     = "onItemTitleChanged"
	MessageOnInputVolumeChanged   = "onInputVolumeChanged"
	MessageOnOutputVolumeChanged  = "onOutputVolumeChanged"
	MessageOnVuUpdate             = "onVuUpdate"
	MessageOnPortUpdate           = "onPortUpdate"
	MessageOnPatchPropertyChanged = "onPatchPropertyChanged"
	MessageOnMidiEvent            = "onMidiEvent"
	MessageOnAudioFault           = "onAudioFault"
)

// HelloBody is the body of the inbound hello handshake.
type HelloBody struct {
	ClientVersion string `json:"clientVersion"`
}

// EhloBody is the body of the server's handshake reply.
type EhloBody struct {
	ClientID      string `json:"clientId"`
	ServerVersion string `json:"serverVersion"`
}

// CurrentPedalboardBody wraps a full pedalboard, used both as the
// currentPedalboard reply and as the updateCurrentPedalboard
// request/broadcast body.
type CurrentPedalboardBody struct {
	Pedalboard pedalboard.Pedalboard `json:"pedalboard"`
}

// SetControlBody is the body of setControl / previewControl and of the
// onControlChanged broadcast.
type SetControlBody struct {
	InstanceID int64   `json:"instanceId"`
	Symbol     string  `json:"symbol"`
	Value      float64 `json:"value"`
}

// VolumeBody carries a single dB value (setInputVolume/setOutputVolume and
// their broadcasts).
type VolumeBody struct {
	Value float64 `json:"value"`
}

// SetItemEnableBody is the body of setPedalboardItemEnable.
type SetItemEnableBody struct {
	InstanceID int64 `json:"instanceId"`
	Enabled    bool  `json:"enabled"`
}

// SetItemUseModUIBody is the body of setItemUseModUi.
type SetItemUseModUIBody struct {
	InstanceID int64 `json:"instanceId"`
	UseModUI   bool  `json:"useModUi"`
}

// SavePluginPresetBody is the body of savePluginPreset.
type SavePluginPresetBody struct {
	InstanceID int64  `json:"instanceId"`
	Name       string `json:"name"`
}

// JackSettingsBody carries the flat key/value Jack server settings map.
type JackSettingsBody struct {
	Settings map[string]string `json:"settings"`
}

// SaveCurrentPresetAsBody is the body of saveCurrentPresetAs.
type SaveCurrentPresetAsBody struct {
	Name    string `json:"name"`
	AfterID int64  `json:"afterId"`
}

// PresetIDBody is the body of any request identifying a single preset id
// (loadPreset, deletePresetItem).
type PresetIDBody struct {
	PresetID int64 `json:"presetId"`
}

// RenamePresetItemBody is the body of renamePresetItem.
type RenamePresetItemBody struct {
	PresetID int64  `json:"presetId"`
	Name     string `json:"name"`
}

// CopyPresetBody is the body of copyPreset.
type CopyPresetBody struct {
	FromID int64 `json:"fromId"`
	ToID   int64 `json:"toId"`
}

// NewIDBody is the reply body for operations that return a single newly
// assigned id (saveCurrentPresetAs, copyPreset, copyPluginPreset).
type NewIDBody struct {
	ID int64 `json:"id"`
}

// MoveBankBody is the body of moveBank.
type MoveBankBody struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// BankIDBody identifies a single bank (openBank, deleteBankItem).
type BankIDBody struct {
	BankID int64 `json:"bankId"`
}

// RenameBankBody is the body of renameBank.
type RenameBankBody struct {
	BankID int64  `json:"bankId"`
	Name   string `json:"name"`
}

// BankIndexBody carries the ordered bank index and the selected bank id.
// No dispatched message replies with it: moveBank replies with OkBody and
// deleteBankItem with NewIDBody.
type BankIndexBody struct {
	Banks        []storage.BankIndexEntry `json:"banks"`
	SelectedBank int64                    `json:"selectedBank"`
}

// LoadPluginPresetBody is the body of loadPluginPreset.
type LoadPluginPresetBody struct {
	InstanceID int64  `json:"instanceId"`
	URI        string `json:"uri"`
	PresetID   int64  `json:"presetId"`
}

// CopyPluginPresetBody is the body of copyPluginPreset.
type CopyPluginPresetBody struct {
	URI      string `json:"uri"`
	PresetID int64  `json:"presetId"`
	NewLabel string `json:"newLabel"`
}

// VuSubscriptionBody is the body of addVuSubscription.
type VuSubscriptionBody struct {
	InstanceIDs []int64 `json:"instanceIds"`
}

// HandleBody carries a single subscription handle: the body of every
// cancel/remove/unmonitor request and the reply to every subscribe/monitor/
// listen request.
type HandleBody struct {
	Handle uint64 `json:"handle"`
}

// MonitorPortBody is the body of monitorPort.
type MonitorPortBody struct {
	InstanceID int64   `json:"instanceId"`
	Symbol     string  `json:"symbol"`
	RateHz     float64 `json:"rateHz"`
}

// PatchPropertyBody is the body of getPatchProperty/setPatchProperty and
// the onPatchPropertyChanged broadcast.
type PatchPropertyBody struct {
	InstanceID int64  `json:"instanceId"`
	URI        string `json:"uri"`
	Atom       []byte `json:"atom,omitempty"`
}

// MonitorPatchPropertyBody is the body of monitorPatchProperty.
type MonitorPatchPropertyBody struct {
	InstanceID int64  `json:"instanceId"`
	URI        string `json:"uri"`
}

// VuUpdateBody is the body of the onVuUpdate broadcast.
type VuUpdateBody struct {
	Handle  uint64           `json:"handle"`
	Updates []graph.VuUpdate `json:"updates"`
}

// PortUpdateBody is the body of the onPortUpdate broadcast.
type PortUpdateBody struct {
	Handle uint64           `json:"handle"`
	Update graph.PortUpdate `json:"update"`
}

// MidiEventBody is the body of the onMidiEvent broadcast.
type MidiEventBody struct {
	Handle uint64        `json:"handle"`
	Event  midibind.Event `json:"event"`
}

// ItemTitleBody is the body of the onItemTitleChanged broadcast.
type ItemTitleBody struct {
	InstanceID int64  `json:"instanceId"`
	Title      string `json:"title"`
	Color      string `json:"color"`
}

// URIBody carries a single plugin URI, used by getPluginPresets.
type URIBody struct {
	URI string `json:"uri"`
}

// PluginPresetListBody is the reply body for getPluginPresets.
type PluginPresetListBody struct {
	Presets []storage.PluginPreset `json:"presets"`
}

// FavoritesBody carries the flat favorite-plugin-URI list.
type FavoritesBody struct {
	URIs []string `json:"uris"`
}

// SystemMidiBindingsBody carries the system MIDI binding list.
type SystemMidiBindingsBody struct {
	Bindings []pedalboard.MidiBinding `json:"bindings"`
}

// FileListBody is the request body of getFileList; catalog.FileProperty
// selects which plugin file property the listing is filtered by.
type FileListBody struct {
	RelativePath string               `json:"relativePath"`
	FileProperty catalog.FileProperty `json:"fileProperty"`
}

// FileEntryListBody is the reply body carrying the matched file entries.
type FileEntryListBody struct {
	Files []storage.FileEntry `json:"files"`
}

// JackStatusBody is the reply body for getJackStatus: the audio path's
// lifecycle state ("running", "error" once the dummy fallback engaged,
// "closed") and its xrun counter.
type JackStatusBody struct {
	State     string `json:"state"`
	XrunCount int64  `json:"xrunCount"`
}

// AudioFaultBody is the body of the onAudioFault broadcast.
type AudioFaultBody struct {
	Detail string `json:"detail"`
}

// OkBody is the reply body for requests that only confirm success (no
// payload of their own worth echoing back): renamePresetItem, renameBank,
// removeVuSubscription, unmonitorPort, and the cancel* requests.
type OkBody struct{}
