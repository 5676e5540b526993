package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC 2.0 specification types
// See: https://www.jsonrpc.org/specification

// Version is the only accepted value of the jsonrpc envelope field.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request object. ID is kept raw so it is
// echoed back byte for byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// HasID reports whether the request expects a response.
func (r Request) HasID() bool {
	return hasID(r.ID)
}

// Response represents a JSON-RPC 2.0 response object
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a message with a method and no id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error (code %d): %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Harness error codes
const (
	ErrCodeThreadNotFound   = -32001
	ErrCodeTurnBusy         = -32002
	ErrCodeTurnNotFound     = -32003
	ErrCodeApprovalNotFound = -32004
)

// Standard error messages
const (
	ErrMsgParseError     = "Parse error"
	ErrMsgInvalidRequest = "Invalid Request"
	ErrMsgMethodNotFound = "Method not found"
	ErrMsgInvalidParams  = "Invalid params"
	ErrMsgInternalError  = "Internal error"
)

// NewError creates a new JSON-RPC error with the given code and message
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new JSON-RPC error with a formatted message
func NewErrorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewErrorWithData creates a new JSON-RPC error with additional data
func NewErrorWithData(code int, message string, data interface{}) (*Error, error) {
	rpcErr := &Error{Code: code, Message: message}
	if data != nil {
		rawData, err := Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error data: %w", err)
		}
		rpcErr.Data = rawData
	}
	return rpcErr, nil
}

// InvalidParamField reports a single offending field as {field, reason} data.
func InvalidParamField(field, reason string) *Error {
	rpcErr, err := NewErrorWithData(ErrCodeInvalidParams, reason, map[string]string{
		"field":  field,
		"reason": reason,
	})
	if err != nil {
		return NewError(ErrCodeInvalidParams, reason)
	}
	return rpcErr
}

// ThreadNotFound, TurnBusy, TurnNotFound and ApprovalNotFound build the
// domain errors with their canonical messages.
func ThreadNotFound(threadID string) *Error {
	return NewErrorf(ErrCodeThreadNotFound, "thread not found: %s", threadID)
}

func TurnBusy(threadID, activeTurnID string) *Error {
	rpcErr, err := NewErrorWithData(ErrCodeTurnBusy, fmt.Sprintf("thread %s already has an active turn", threadID), map[string]string{
		"threadId":     threadID,
		"activeTurnId": activeTurnID,
	})
	if err != nil {
		return NewErrorf(ErrCodeTurnBusy, "thread %s already has an active turn", threadID)
	}
	return rpcErr
}

func TurnNotFound(threadID string) *Error {
	return NewErrorf(ErrCodeTurnNotFound, "no active turn on thread %s", threadID)
}

func ApprovalNotFound(requestID string) *Error {
	return NewErrorf(ErrCodeApprovalNotFound, "approval request not found: %s", requestID)
}

// AsError converts any error into a protocol error. Errors that do not wrap
// an *Error become internal errors carrying the original message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(ErrCodeInternalError, err.Error())
}

// CodeOf returns the JSON-RPC code of err, InternalError by default.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	return AsError(err).Code
}

// Marshal encodes v without HTML escaping, so text such as "<a&b>"
// reaches the peer as written.
func Marshal(v interface{}) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NewResponse builds a success response. A result that cannot be marshaled
// yields an internal error response instead.
func NewResponse(id json.RawMessage, result interface{}) Response {
	resp := Response{JSONRPC: Version, ID: normalizeID(id)}
	raw, err := Marshal(result)
	if err != nil {
		resp.Error = NewErrorf(ErrCodeInternalError, "failed to marshal result: %v", err)
		return resp
	}
	resp.Result = raw
	return resp
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) Response {
	return Response{JSONRPC: Version, ID: normalizeID(id), Error: rpcErr}
}

// NewNotification marshals params into a notification envelope.
func NewNotification(method string, params interface{}) (Notification, error) {
	n := Notification{JSONRPC: Version, Method: method}
	if params == nil {
		return n, nil
	}
	raw, err := Marshal(params)
	if err != nil {
		return n, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	n.Params = raw
	return n, nil
}

// Kind classifies an inbound message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is the union of every envelope shape, used by both peers to
// classify a decoded line before acting on it.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind reports how the message must be treated.
func (m Message) Kind() Kind {
	switch {
	case m.Method != "" && hasID(m.ID):
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID(m.ID) && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Request returns the request view of the message.
func (m Message) Request() Request {
	return Request{JSONRPC: m.JSONRPC, ID: m.ID, Method: m.Method, Params: m.Params}
}

// ParseMessage decodes and validates a single line. A line that is not JSON
// yields a ParseError; a JSON value that is not a valid envelope yields an
// InvalidRequest error and the partially decoded message, so a caller can
// still answer a request id it recognizes.
func ParseMessage(line []byte) (Message, *Error) {
	var msg Message
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return msg, NewError(ErrCodeInvalidRequest, "message must be a JSON object")
		}
		return msg, NewError(ErrCodeParseError, ErrMsgParseError)
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		if !json.Valid(trimmed) {
			return Message{}, NewError(ErrCodeParseError, ErrMsgParseError)
		}
		return Message{ID: salvageID(trimmed)}, NewErrorf(ErrCodeInvalidRequest, "invalid envelope: %v", err)
	}
	if msg.JSONRPC != Version {
		return msg, NewError(ErrCodeInvalidRequest, "jsonrpc version must be '2.0'")
	}
	if len(msg.ID) > 0 && !validID(msg.ID) {
		return Message{}, NewError(ErrCodeInvalidRequest, "id must be a string or number")
	}
	if msg.Kind() == KindInvalid {
		return msg, NewError(ErrCodeInvalidRequest, "method is required")
	}
	return msg, nil
}

func salvageID(data []byte) json.RawMessage {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || !validID(envelope.ID) {
		return nil
	}
	return envelope.ID
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && string(id) != "null"
}

func validID(id json.RawMessage) bool {
	if !hasID(id) {
		return true
	}
	switch id[0] {
	case '"':
		var s string
		return json.Unmarshal(id, &s) == nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(id, &n) == nil
	default:
		return false
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
