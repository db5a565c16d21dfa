// Package protocol implements the wire codec for the control protocol
// described by spec.md §4.7: every frame is a two-element JSON array,
// `[header, body]`, with a message-specific body. It has no knowledge of
// transport (that's wsapi's job) or of Model; it only encodes and decodes
// bytes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Header is the fixed first element of every frame. Reply echoes a
// previous inbound ReplyTo on the way out; ReplyTo on an inbound frame
// carries the request id the sender wants echoed back.
type Header struct {
	Message string `json:"message"`
	Reply   *int   `json:"reply,omitempty"`
	ReplyTo *int   `json:"replyTo,omitempty"`
}

// Frame is one [header, body] pair. Body is left undecoded until the
// caller knows, from Header.Message, which concrete body type to expect.
type Frame struct {
	Header Header
	Body   json.RawMessage
}

// MarshalJSON renders the frame as the two-element array the wire format
// requires, not as a JSON object.
func (f Frame) MarshalJSON() ([]byte, error) {
	body := f.Body
	if body == nil {
		body = json.RawMessage("null")
	}
	return json.Marshal([2]json.RawMessage{mustMarshal(f.Header), body})
}

// UnmarshalJSON reads a [header, body] array frame.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if err := json.Unmarshal(raw[0], &f.Header); err != nil {
		return fmt.Errorf("protocol: malformed frame header: %w", err)
	}
	f.Body = raw[1]
	return nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Header is always a plain struct of string/int; this can't fail.
		panic(err)
	}
	return b
}

// NewRequest builds an outbound frame carrying a request id in ReplyTo,
// the field name the wire format uses for the id a reply should echo.
func NewRequest(message string, requestID int, body any) (Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encoding %s body: %w", message, err)
	}
	id := requestID
	return Frame{Header: Header{Message: message, ReplyTo: &id}, Body: raw}, nil
}

// NewReply builds an outbound reply frame echoing replyTo in Reply.
func NewReply(message string, replyTo int, body any) (Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encoding %s reply: %w", message, err)
	}
	id := replyTo
	return Frame{Header: Header{Message: message, Reply: &id}, Body: raw}, nil
}

// NewNotification builds an outbound frame with no reply correlation, used
// for server-initiated broadcasts (spec.md §4.5 notifications).
func NewNotification(message string, body any) (Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: encoding %s notification: %w", message, err)
	}
	return Frame{Header: Header{Message: message}, Body: raw}, nil
}

// ErrorBody is the body of the fixed "error" message (spec.md §4.7:
// `{ message: "error" }` with a string body).
type ErrorBody string

// MessageError is the fixed message name for protocol-level error replies.
const MessageError = "error"

// NewError builds an error reply echoing replyTo, with detail as its
// string body.
func NewError(replyTo int, detail string) (Frame, error) {
	id := replyTo
	raw, err := json.Marshal(ErrorBody(detail))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: Header{Message: MessageError, Reply: &id}, Body: raw}, nil
}

// Decode unmarshals body into v; it is a thin wrapper so callers don't
// reach for encoding/json directly on Frame.Body.
func (f Frame) Decode(v any) error {
	if len(f.Body) == 0 {
		return fmt.Errorf("protocol: empty body for message %q", f.Header.Message)
	}
	return json.Unmarshal(f.Body, v)
}
