package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameMarshalsAsTwoElementArray(t *testing.T) {
	f, err := NewRequest(MessageSetControl, 7, SetControlBody{InstanceID: 1, Symbol: "gain", Value: 2.5})
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)

	var hdr Header
	require.NoError(t, json.Unmarshal(raw[0], &hdr))
	require.Equal(t, MessageSetControl, hdr.Message)
	require.NotNil(t, hdr.ReplyTo)
	require.Equal(t, 7, *hdr.ReplyTo)
	require.Nil(t, hdr.Reply)
}

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewReply(MessageEhlo, 3, EhloBody{ClientID: "abc", ServerVersion: "1.0.0"})
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var got Frame
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, MessageEhlo, got.Header.Message)
	require.NotNil(t, got.Header.Reply)
	require.Equal(t, 3, *got.Header.Reply)

	var body EhloBody
	require.NoError(t, got.Decode(&body))
	require.Equal(t, "abc", body.ClientID)
}

func TestNotificationCarriesNoCorrelation(t *testing.T) {
	f, err := NewNotification(MessageOnControlChanged, SetControlBody{InstanceID: 2, Symbol: "gain", Value: 1})
	require.NoError(t, err)
	require.Nil(t, f.Header.Reply)
	require.Nil(t, f.Header.ReplyTo)
}

func TestErrorFrame(t *testing.T) {
	f, err := NewError(11, "state error (duplicate_name): A")
	require.NoError(t, err)
	require.Equal(t, MessageError, f.Header.Message)
	require.Equal(t, 11, *f.Header.Reply)

	var body ErrorBody
	require.NoError(t, f.Decode(&body))
	require.Equal(t, "state error (duplicate_name): A", string(body))
}

func TestUnmarshalRejectsNonArrayFrame(t *testing.T) {
	var f Frame
	require.Error(t, json.Unmarshal([]byte(`{"message":"hello"}`), &f))
}

func TestNilBodyMarshalsAsNull(t *testing.T) {
	f := Frame{Header: Header{Message: MessageShutdown}}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.JSONEq(t, `[{"message":"shutdown"}, null]`, string(data))
}
