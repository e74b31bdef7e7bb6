package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching. Every *ValidationError also
// matches ErrValidation.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnknownMethod       = errors.New("unknown method")
	ErrMissingParameter    = errors.New("missing parameter")
	ErrInvalidValue        = errors.New("invalid value")
	ErrUnexpectedParameter = errors.New("unexpected parameter")
)

// Code identifies the validation rule that failed.
type Code string

const (
	CodeUnknownMethod       Code = "unknown_method"
	CodeMissingParameter    Code = "missing_parameter"
	CodeInvalidValue        Code = "invalid_value"
	CodeUnexpectedParameter Code = "unexpected_parameter"
)

// ValidationError describes why a command was rejected.
type ValidationError struct {
	Code   Code
	Method string
	Param  string
	Value  any
	Detail string
}

func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeUnknownMethod:
		return fmt.Sprintf("unknown method %q", e.Method)
	case CodeMissingParameter:
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s", e.Method, e.Detail)
		}
		return fmt.Sprintf("%s: missing parameter %q", e.Method, e.Param)
	case CodeInvalidValue:
		if e.Detail != "" {
			return fmt.Sprintf("%s: invalid value %v for %q: %s", e.Method, e.Value, e.Param, e.Detail)
		}
		return fmt.Sprintf("%s: invalid value %v for %q", e.Method, e.Value, e.Param)
	case CodeUnexpectedParameter:
		return fmt.Sprintf("%s: unexpected parameter %q", e.Method, e.Param)
	}
	return fmt.Sprintf("%s: validation failed", e.Method)
}

// Is matches ErrValidation and the sentinel for e.Code.
func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	switch e.Code {
	case CodeUnknownMethod:
		return target == ErrUnknownMethod
	case CodeMissingParameter:
		return target == ErrMissingParameter
	case CodeInvalidValue:
		return target == ErrInvalidValue
	case CodeUnexpectedParameter:
		return target == ErrUnexpectedParameter
	}
	return false
}
