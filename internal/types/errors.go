package types

import (
	"errors"
	"fmt"
)

var (
	ErrAddressOutOfRange    = errors.New("address out of range")
	ErrTypeMismatch         = errors.New("payload type mismatch")
	ErrElementCountMismatch = errors.New("element count mismatch")
	ErrInvalidValue         = errors.New("invalid register value")
	ErrReadOnly             = errors.New("register is read-only")
	ErrHardwareMismatch     = errors.New("hardware is not an input expander")
	ErrDeviceFaulted        = errors.New("device halted after hardware mismatch")
)

// RegisterError ties a rejection to the register it happened on.
type RegisterError struct {
	Address uint8
	Err     error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("register %d: %v", e.Address, e.Err)
}

func (e *RegisterError) Unwrap() error {
	return e.Err
}

// Rejected wraps err for address.
func Rejected(address uint8, err error) error {
	return &RegisterError{Address: address, Err: err}
}

// ErrorCode maps a register rejection onto a stable API error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAddressOutOfRange):
		return "REGISTER_ADDRESS"
	case errors.Is(err, ErrTypeMismatch):
		return "REGISTER_TYPE"
	case errors.Is(err, ErrElementCountMismatch):
		return "REGISTER_LENGTH"
	case errors.Is(err, ErrReadOnly):
		return "REGISTER_READ_ONLY"
	case errors.Is(err, ErrInvalidValue):
		return "REGISTER_VALUE"
	case errors.Is(err, ErrDeviceFaulted), errors.Is(err, ErrHardwareMismatch):
		return "DEVICE_FAULT"
	default:
		return "INTERNAL"
	}
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
