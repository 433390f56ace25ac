// Package protocol defines the JSON message envelope spoken on both sides of
// the gateway (client-facing and node-facing) and the static classification
// of methods into cacheable, stateful and plain stateless queries.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeVersion is the protocol version carried in every message.
const EnvelopeVersion = "1.0"

// Error codes carried in the error object of a response envelope.
const (
	CodeProtocolError       = -32700
	CodeMethodNotFound      = -32601
	CodeInternalError       = -32603
	CodeRateLimitExceeded   = -32000
	CodeUpstreamUnavailable = -32001
	CodeUpstreamTimeout     = -32002
	CodeConnectionLost      = -32003
)

// ErrMalformed indicates a client message that could not be decoded into a
// valid request envelope. Malformed messages are rejected and never billed.
var ErrMalformed = errors.New("malformed protocol message")

// Envelope is the wire shape shared by requests, responses and
// server-initiated events, on both the client and the upstream side.
//
// Requests carry Version, Method, Params and ID. Responses echo the ID and
// carry either Result or Error. Unsolicited events (roll forward / roll
// backward inside a stateful session) carry Method and Result with no ID.
type Envelope struct {
	Version string          `json:"version"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObj       `json:"error,omitempty"`
}

// ErrorObj is the error member of a response envelope.
type ErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the envelope carries a result or an error.
func (e *Envelope) IsResponse() bool {
	return e.Result != nil || e.Error != nil
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, []byte("null"))
}

// DecodeRequest parses and validates an inbound client request.
// Any decode failure or a missing version/method maps to ErrMalformed.
func DecodeRequest(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrMalformed)
	}
	return &env, nil
}

// Decode parses any envelope (used on the upstream side where responses and
// events arrive on the same connection).
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// NewResult builds a success response envelope for the given request id.
func NewResult(id json.RawMessage, method string, result json.RawMessage) *Envelope {
	return &Envelope{
		Version: EnvelopeVersion,
		Method:  method,
		ID:      id,
		Result:  result,
	}
}

// NewError builds an error response envelope for the given request id.
func NewError(id json.RawMessage, code int, message string) *Envelope {
	return &Envelope{
		Version: EnvelopeVersion,
		ID:      id,
		Error:   &ErrorObj{Code: code, Message: message},
	}
}

// NewEvent builds a server-initiated event envelope. Events have no id.
func NewEvent(method string, result json.RawMessage) *Envelope {
	return &Envelope{
		Version: EnvelopeVersion,
		Method:  method,
		Result:  result,
	}
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
