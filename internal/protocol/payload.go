package protocol

import (
	"encoding/json"
	"fmt"
)

// Payloads are UTF-8 JSON objects whose shape depends on the frame type.
// JSON keeps the signed byte range deterministic for a given serialization.

// Capabilities is the self-description a peer sends after handshake.
// Received capabilities replace any previously-known set for that peer.
type Capabilities struct {
	Agent   string   `json:"agent"`
	Version string   `json:"version"`
	Accepts []string `json:"accepts"`
}

// ControlPayload is carried by CONTROL frames.
type ControlPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RequestPayload is carried by REQUEST frames.
type RequestPayload struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout int64           `json:"timeout,omitempty"` // milliseconds
}

// ResponseError is the error half of a response payload.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsePayload is carried by RESPONSE frames. Error is set when the
// request failed; otherwise Result carries the handler's result, and is
// absent when the handler returned none.
type ResponsePayload struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// EncodeControl serializes a control payload.
func EncodeControl(p *ControlPayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeControl deserializes a control payload.
func DecodeControl(data []byte) (*ControlPayload, error) {
	var p ControlPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: control payload: %v", ErrInvalidFrame, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: control payload missing type", ErrInvalidFrame)
	}
	return &p, nil
}

// HeartbeatPayload returns the encoded control heartbeat payload.
func HeartbeatPayload() []byte {
	data, _ := json.Marshal(&ControlPayload{Type: ControlHeartbeat})
	return data
}

// CapabilitiesPayload returns an encoded control payload announcing caps.
func CapabilitiesPayload(caps Capabilities) ([]byte, error) {
	data, err := json.Marshal(caps)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&ControlPayload{Type: ControlCapabilities, Data: data})
}

// GoodbyePayload returns the encoded control goodbye payload.
func GoodbyePayload() []byte {
	data, _ := json.Marshal(&ControlPayload{Type: ControlGoodbye})
	return data
}

// EncodeRequest serializes a request payload.
func EncodeRequest(p *RequestPayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeRequest deserializes a request payload.
func DecodeRequest(data []byte) (*RequestPayload, error) {
	var p RequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: request payload: %v", ErrInvalidFrame, err)
	}
	if p.ID == "" || p.Method == "" {
		return nil, fmt.Errorf("%w: request payload missing id or method", ErrInvalidFrame)
	}
	return &p, nil
}

// EncodeResponse serializes a response payload.
func EncodeResponse(p *ResponsePayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeResponse deserializes a response payload.
func DecodeResponse(data []byte) (*ResponsePayload, error) {
	var p ResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: response payload: %v", ErrInvalidFrame, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: response payload missing id", ErrInvalidFrame)
	}
	return &p, nil
}

// DecodeCapabilities decodes the data half of a capabilities control payload.
func DecodeCapabilities(data []byte) (*Capabilities, error) {
	var c Capabilities
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: capabilities: %v", ErrInvalidFrame, err)
	}
	return &c, nil
}
