// Package rpc carries request/response calls between the widget runtime and
// the backend over a channel that only delivers one-way events.
//
// This file defines the wire frames. Every frame is a JSON text message with
// a "type" discriminator; the remaining keys depend on the type.
package rpc

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the kind of frame sent over the channel.
type FrameType string

const (
	// FrameRequest is sent by the front end to start a call.
	// Keys: correlationId, method, payload
	FrameRequest FrameType = "request"

	// FrameUpdate is sent by the front end when a field is written locally.
	// Keys: field, value
	FrameUpdate FrameType = "update"

	// FrameAck is the transmission acknowledgement for a request. The
	// backend host emits it as soon as the request frame is received, before
	// any handler runs.
	// Keys: correlationId
	FrameAck FrameType = "ack"

	// FrameResponse carries the handler's reply to a request.
	// Keys: correlationId, success, payload | errorMessage
	FrameResponse FrameType = "response"

	// FrameChange notifies that one field changed on the backend. Changes
	// are never batched.
	// Keys: field, value
	FrameChange FrameType = "change"

	// FrameState carries the full document. Sent on connect and whenever the
	// sync entry point is invoked.
	// Keys: state
	FrameState FrameType = "state"
)

// UnknownCorrelationID is used in replies to requests whose id could not be
// read.
const UnknownCorrelationID = "<unknown>"

// Frame is the envelope for every message on the channel.
type Frame struct {
	// Type identifies the frame kind.
	Type FrameType `json:"type"`

	CorrelationID string          `json:"correlationId,omitempty"`
	Method        string          `json:"method,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// Success is a pointer so a missing key can be told apart from false.
	Success      *bool  `json:"success,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	Field string          `json:"field,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	State map[string]any `json:"state,omitempty"`
}

// Request is an outbound call.
type Request struct {
	CorrelationID string
	Method        string
	Payload       json.RawMessage
}

// Response is an inbound correlated reply.
type Response struct {
	CorrelationID string
	Success       bool
	Payload       json.RawMessage
	ErrorMessage  string
}

var nullJSON = json.RawMessage("null")

// NewRequestFrame builds a request frame.
func NewRequestFrame(req Request) Frame {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Frame{
		Type:          FrameRequest,
		CorrelationID: req.CorrelationID,
		Method:        req.Method,
		Payload:       payload,
	}
}

// NewAckFrame builds a transmission acknowledgement.
func NewAckFrame(correlationID string) Frame {
	return Frame{Type: FrameAck, CorrelationID: correlationID}
}

// NewSuccessFrame builds a successful response. A nil payload is sent as
// JSON null.
func NewSuccessFrame(correlationID string, payload any) (Frame, error) {
	raw, err := marshalValue(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:          FrameResponse,
		CorrelationID: correlationID,
		Success:       &ok,
		Payload:       raw,
	}, nil
}

// NewErrorFrame builds a failed response.
func NewErrorFrame(correlationID, message string) Frame {
	ok := false
	return Frame{
		Type:          FrameResponse,
		CorrelationID: correlationID,
		Success:       &ok,
		ErrorMessage:  message,
	}
}

// NewChangeFrame builds a single-field change notification.
func NewChangeFrame(field string, value any) (Frame, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameChange, Field: field, Value: raw}, nil
}

// NewUpdateFrame builds a front-end field write.
func NewUpdateFrame(field string, value any) (Frame, error) {
	raw, err := marshalValue(value)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameUpdate, Field: field, Value: raw}, nil
}

// NewStateFrame builds a full snapshot frame.
func NewStateFrame(snapshot map[string]any) Frame {
	return Frame{Type: FrameState, State: snapshot}
}

// ParseFrame decodes data and checks the keys its type requires.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case FrameRequest:
		if f.CorrelationID == "" {
			return f, fmt.Errorf("request frame missing correlationId")
		}
		if f.Method == "" {
			return f, fmt.Errorf("request frame missing method")
		}
	case FrameAck:
		if f.CorrelationID == "" {
			return f, fmt.Errorf("ack frame missing correlationId")
		}
	case FrameResponse:
		if f.CorrelationID == "" {
			return f, fmt.Errorf("response frame missing correlationId")
		}
		if f.Success == nil {
			return f, fmt.Errorf("response frame missing success")
		}
	case FrameChange, FrameUpdate:
		if f.Field == "" {
			return f, fmt.Errorf("%s frame missing field", f.Type)
		}
		if len(f.Value) == 0 {
			f.Value = nullJSON
		}
	case FrameState:
		if f.State == nil {
			return f, fmt.Errorf("state frame missing state")
		}
	default:
		return f, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// Response converts a response frame into a Response.
func (f Frame) Response() Response {
	r := Response{
		CorrelationID: f.CorrelationID,
		Payload:       f.Payload,
		ErrorMessage:  f.ErrorMessage,
	}
	if f.Success != nil {
		r.Success = *f.Success
	}
	return r
}

// Request converts a request frame into a Request.
func (f Frame) Request() Request {
	return Request{
		CorrelationID: f.CorrelationID,
		Method:        f.Method,
		Payload:       f.Payload,
	}
}

// DecodeValue decodes the frame's value into its generic JSON form.
func (f Frame) DecodeValue() (any, error) {
	if len(f.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(f.Value, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nullJSON, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nullJSON, nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
