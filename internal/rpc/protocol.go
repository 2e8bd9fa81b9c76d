// Package rpc is the daemon's control surface (spec.md §6): run,
// queue_push, worker_start/stop, agent_send, job_cancel, status, over a
// single JSON request/response/error envelope per connection. Grounded
// on `internal/rpc/protocol.go`'s Message/MessageType/ErrorResponse
// shape, kept close to verbatim since the envelope design (correlation
// id, typed request/response/error/handshake frames) is transport-agnostic
// of what methods it carries.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the current protocol version.
	ProtocolVersion = "1.0"
	// MinProtocolVersion is the oldest version this server still accepts.
	MinProtocolVersion = "1.0"
)

var (
	ErrInvalidMessage      = errors.New("rpc: invalid message format")
	ErrMissingCorrelation  = errors.New("rpc: missing correlation ID")
	ErrUnsupportedVersion  = errors.New("rpc: unsupported protocol version")
	ErrMethodNotFound      = errors.New("rpc: method not found")
)

// MessageType identifies the kind of frame carried in Message.
type MessageType string

const (
	MessageTypeRequest   MessageType = "request"
	MessageTypeResponse  MessageType = "response"
	MessageTypeError     MessageType = "error"
	MessageTypeHandshake MessageType = "handshake"
)

// Message is the single envelope every frame on the connection uses.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Version       string          `json:"version,omitempty"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorResponse  `json:"error,omitempty"`
}

// ErrorResponse carries a machine-readable code (one of the generic
// "invalid_message", "method_not_found", "invalid_params",
// "backend_error" or "internal_error" strings; ojerrors.Tag values are
// not surfaced here) plus a human-readable message.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewRequest builds a request Message with a generated correlation id.
func NewRequest(method string, params any) (*Message, error) {
	paramsJSON, err := marshalIfSet(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}
	return &Message{
		Type: MessageTypeRequest, CorrelationID: uuid.NewString(),
		Method: method, Params: paramsJSON,
	}, nil
}

// NewResponse builds a response Message for the request correlationID.
func NewResponse(correlationID string, result any) (*Message, error) {
	resultJSON, err := marshalIfSet(result)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal result: %w", err)
	}
	return &Message{Type: MessageTypeResponse, CorrelationID: correlationID, Result: resultJSON}, nil
}

// NewErrorResponse builds an error Message for the request correlationID.
func NewErrorResponse(correlationID, code, message string, details map[string]any) *Message {
	return &Message{
		Type: MessageTypeError, CorrelationID: correlationID,
		Error: &ErrorResponse{Code: code, Message: message, Details: details},
	}
}

func marshalIfSet(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Validate reports whether m is well-formed enough to route.
func (m *Message) Validate() error {
	if m.CorrelationID == "" {
		return ErrMissingCorrelation
	}
	switch m.Type {
	case MessageTypeRequest:
		if m.Method == "" {
			return fmt.Errorf("%w: missing method", ErrInvalidMessage)
		}
	case MessageTypeHandshake:
		if m.Version == "" {
			return fmt.Errorf("%w: missing version", ErrInvalidMessage)
		}
	case MessageTypeResponse, MessageTypeError:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// UnmarshalParams decodes m.Params into v; a no-op if Params is unset.
func (m *Message) UnmarshalParams(v any) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// UnmarshalResultInto decodes m.Result into v; a no-op if Result is unset.
func (m *Message) UnmarshalResultInto(v any) error {
	if m.Result == nil {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// Marshal encodes m as JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes and validates one frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsVersionSupported reports whether version is one this server accepts.
func IsVersionSupported(version string) bool {
	return version == ProtocolVersion || version == MinProtocolVersion
}
