package portal

import (
	"encoding/json"
	"fmt"
)

// FrameType is the type of a subscription channel frame.
type FrameType string

// Outbound frame types.
const (
	FrameConnectionInit FrameType = "connection_init"
	FrameStart          FrameType = "start"
	FrameStop           FrameType = "stop"
	FrameTerminate      FrameType = "connection_terminate"
)

// Inbound frame types.
const (
	FrameConnectionAck   FrameType = "connection_ack"
	FrameConnectionError FrameType = "connection_error"
	FrameData            FrameType = "data"
	FrameError           FrameType = "error"
	FrameComplete        FrameType = "complete"
	FrameKeepAlive       FrameType = "ka"
)

// Frame is a single JSON text frame on the subscription channel.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// startPayload is the payload of a start frame.
type startPayload struct {
	Query         string         `json:"query,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	EventTypes    []string       `json:"eventTypes,omitempty"`
}

func newFrame(id string, t FrameType, payload any) (Frame, error) {
	f := Frame{ID: id, Type: t}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Payload = raw
	return f, nil
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// decodeFrame parses an inbound frame. Malformed JSON or a frame without a
// type is a SubscriptionProtocolError.
func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &ClientError{Type: ErrorTypeSubscriptionProtocol, Message: "malformed frame", Cause: err}
	}
	if f.Type == "" {
		return Frame{}, &ClientError{Type: ErrorTypeSubscriptionProtocol, Message: fmt.Sprintf("frame without type: %.64s", data)}
	}
	return f, nil
}

// frameError turns an error or connection_error payload into a
// SubscriptionProtocolError. Payloads may be an object, an array of GraphQL
// errors, or a string.
func frameError(f Frame) *ClientError {
	ce := &ClientError{Type: ErrorTypeSubscriptionProtocol, Message: string(f.Type), Body: f.Payload}
	if len(f.Payload) == 0 {
		return ce
	}

	var asString string
	if json.Unmarshal(f.Payload, &asString) == nil {
		ce.Message = asString
		return ce
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(f.Payload, &asObject) == nil && asObject.Message != "" {
		ce.Message = asObject.Message
		return ce
	}
	var asList []struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(f.Payload, &asList) == nil && len(asList) > 0 && asList[0].Message != "" {
		ce.Message = asList[0].Message
	}
	return ce
}
