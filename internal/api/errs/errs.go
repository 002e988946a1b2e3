// Package errs provides types and support related to web error functionality.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahrav/scanflow/internal/domain/workflow"
)

// ErrCode represents an error code in the system.
type ErrCode struct {
	value int
}

// Value returns the integer value of the error code.
func (ec ErrCode) Value() int { return ec.value }

// String returns the string representation of the error code.
func (ec ErrCode) String() string { return codeNames[ec] }

// MarshalText implements the encoding.TextMarshaler interface.
func (ec ErrCode) MarshalText() ([]byte, error) {
	return []byte(ec.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (ec *ErrCode) UnmarshalText(data []byte) error {
	errName := string(data)

	v, exists := codeNumbers[errName]
	if !exists {
		return fmt.Errorf("err code %q does not exist", errName)
	}

	*ec = v
	return nil
}

// Error represents an error in the system.
type Error struct {
	Code    ErrCode `json:"code"`
	Message string  `json:"message"`
	cause   error
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	return &Error{
		Code:    code,
		Message: err.Error(),
		cause:   err,
	}
}

// Newf constructs an error based on a error message.
func Newf(code ErrCode, format string, v ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, v...),
	}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Unwrap returns the error the API error was built from, if any.
func (e *Error) Unwrap() error { return e.cause }

// Encode implements the web.Encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

// HTTPStatus implements the web package httpStatus interface so the
// web framework can use the correct http status.
func (e *Error) HTTPStatus() int { return httpStatus[e.Code] }

// Equal provides support for the go-cmp package and testing.
func (e *Error) Equal(e2 *Error) bool {
	return e.Code == e2.Code && e.Message == e2.Message
}

// FromDomain maps a workflow error onto an API error. Persistence failures
// never expose their underlying message.
func FromDomain(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, workflow.ErrRequestNotFound):
		return New(NotFound, err)
	case errors.Is(err, workflow.ErrInvalidTarget), errors.Is(err, workflow.ErrInvalidStage):
		return New(InvalidArgument, err)
	case errors.Is(err, workflow.ErrInvalidTransition):
		return New(FailedPrecondition, err)
	case errors.Is(err, workflow.ErrConflict):
		return New(Aborted, err)
	case errors.Is(err, workflow.ErrPersistence):
		return &Error{Code: Unavailable, Message: "state store unavailable", cause: err}
	default:
		return &Error{Code: Internal, Message: "internal error", cause: err}
	}
}
