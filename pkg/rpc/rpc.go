// Package rpc encodes commands and their outcomes as JSON-RPC 2.0.
//
// Producers may submit either a full envelope
//
//	{"jsonrpc": "2.0", "method": "update_gain", "params": {"gain_value": 2}, "id": "1"}
//
// or the bare form {"method": ..., "params": ...}. Stored commands are
// rendered back as responses so status polling speaks the same protocol.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/daviddao/seisq/pkg/model"
	"github.com/daviddao/seisq/pkg/schema"
)

// Version is the protocol version string.
const Version = "2.0"

// Standard and application error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeEngineError     = -32000
	CodeValidationError = -32002
	CodeStateError      = -32003
)

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      string         `json:"id,omitempty"`
}

// NewRequest returns a request with a fresh id.
func NewRequest(method string, params map[string]any) Request {
	return Request{JSONRPC: Version, Method: method, Params: params, ID: uuid.NewString()}
}

// Error is a JSON-RPC error object. It implements error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *Error         `json:"error,omitempty"`
	ID      string         `json:"id,omitempty"`
}

// Success builds a result response.
func Success(id string, result map[string]any) Response {
	return Response{JSONRPC: Version, Result: result, ID: id}
}

// Failure builds an error response.
func Failure(id string, code int, message string, data any) Response {
	return Response{JSONRPC: Version, Error: &Error{Code: code, Message: message, Data: data}, ID: id}
}

// ParseRequest decodes a request. A missing "jsonrpc" member is accepted
// and filled in; a wrong version is not. Numbers in params decode as
// float64.
func ParseRequest(data []byte) (Request, error) {
	var raw struct {
		JSONRPC *string         `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if raw.JSONRPC != nil && *raw.JSONRPC != Version {
		return Request{}, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", *raw.JSONRPC)}
	}
	if raw.Method == "" {
		return Request{}, &Error{Code: CodeInvalidRequest, Message: "missing method"}
	}
	req := Request{JSONRPC: Version, Method: raw.Method}
	if p := bytes.TrimSpace(raw.Params); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		if err := json.Unmarshal(p, &req.Params); err != nil {
			return Request{}, &Error{Code: CodeInvalidParams, Message: "params must be an object"}
		}
	}
	id, err := decodeID(raw.ID)
	if err != nil {
		return Request{}, err
	}
	req.ID = id
	return req, nil
}

// decodeID accepts string or numeric ids and normalizes them to strings.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", &Error{Code: CodeInvalidRequest, Message: "id must be a string or number"}
}

// ParseResponse decodes a response.
func ParseResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return r, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if r.Result == nil && r.Error == nil {
		return r, &Error{Code: CodeInvalidRequest, Message: "response has neither result nor error"}
	}
	return r, nil
}

// CodeFor maps a validation error to its JSON-RPC code. Other errors map
// to CodeEngineError.
func CodeFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrUnknownMethod):
		return CodeMethodNotFound
	case errors.Is(err, schema.ErrMissingParameter), errors.Is(err, schema.ErrUnexpectedParameter):
		return CodeInvalidParams
	case errors.Is(err, schema.ErrValidation):
		return CodeValidationError
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return CodeEngineError
}

// FromError renders err as an error response for id.
func FromError(id string, err error) Response {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return Response{JSONRPC: Version, Error: rpcErr, ID: id}
	}
	return Failure(id, CodeFor(err), err.Error(), nil)
}

// FromCommand renders a stored command as a response. Commands that have
// not finished yet report their status in the result.
func FromCommand(cmd *model.Command) Response {
	switch cmd.Status {
	case model.StatusExecuted:
		result := map[string]any{"status": string(cmd.Status)}
		for k, v := range cmd.Result {
			result[k] = v
		}
		return Success(cmd.ID, result)
	case model.StatusFailed:
		return Failure(cmd.ID, CodeEngineError, cmd.Error, map[string]any{
			"status": string(cmd.Status),
			"method": cmd.Method,
		})
	}
	result := map[string]any{"status": string(cmd.Status), "seq": cmd.Seq}
	if cmd.Owner != "" {
		result["owner"] = cmd.Owner
	}
	return Success(cmd.ID, result)
}

// Encode marshals v as compact JSON.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }
