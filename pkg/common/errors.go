package common

import (
	"errors"
	"net/http"
)

// Stable machine codes carried on every client-facing ride error.
const (
	CodeDuplicateRideAttempt      = "DUPLICATE_RIDE_ATTEMPT"
	CodeRideAlreadyAccepted       = "RIDE_ALREADY_ACCEPTED"
	CodeNoDriversFound            = "NO_DRIVERS_FOUND"
	CodeNoDriverAcceptedTimeout   = "NO_DRIVER_ACCEPTED_TIMEOUT"
	CodeRideCreationFailed        = "RIDE_CREATION_FAILED"
	CodeRideAcceptanceFailed      = "RIDE_ACCEPTANCE_FAILED"
	CodePaymentNotVerified        = "PAYMENT_NOT_VERIFIED"
	CodePaymentAmountMismatch     = "PAYMENT_AMOUNT_MISMATCH"
	CodePaymentAmountInvalid      = "PAYMENT_AMOUNT_INVALID"
	CodePaymentVerificationFailed = "PAYMENT_VERIFICATION_FAILED"
)

// Sentinel errors for classification with errors.Is.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrConflict       = errors.New("resource conflict")
	ErrValidation     = errors.New("validation error")
	ErrLockNotHeld    = errors.New("lock not acquired")
	ErrInternalServer = errors.New("internal server error")
	ErrInvariant      = errors.New("invariant violated")
)

// AppError is an application error with an HTTP-ish status code and a
// stable machine code. Server-side detail stays in Err and never reaches
// the wire.
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithCode attaches a stable machine code.
func (e *AppError) WithCode(code string) *AppError {
	e.ErrorCode = code
	return e
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string, err error) *AppError {
	if err == nil {
		err = ErrNotFound
	}
	return &AppError{Code: http.StatusNotFound, Message: message, Err: err}
}

// NewBadRequestError reports invalid input; no state was changed.
func NewBadRequestError(message string, err error) *AppError {
	if err == nil {
		err = ErrBadRequest
	}
	return &AppError{Code: http.StatusBadRequest, Message: message, Err: err}
}

// NewConflictError reports a concurrency loss: a lock was not obtained or a
// precondition failed on re-read. Non-fatal.
func NewConflictError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, Message: message, Err: ErrConflict}
}

// NewValidationError reports malformed input.
func NewValidationError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: message, Err: ErrValidation}
}

// NewUnauthorizedError reports a caller that may not act on the resource.
func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Message: message, Err: ErrUnauthorized}
}

// NewInternalServerError reports an infrastructure failure.
func NewInternalServerError(message string) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: message, Err: ErrInternalServer}
}

// NewInternalErrorWithError wraps an infrastructure cause.
func NewInternalErrorWithError(message string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: message, Err: err}
}

// NewInvariantError reports a broken data invariant. Callers must abort the
// operation and alert; silent correction of fares or ledgers is forbidden.
func NewInvariantError(message string) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: message, Err: ErrInvariant}
}

// IsTransient reports whether an error is worth a bounded retry: connection
// and timeout class failures, never business or validation errors.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return errors.Is(appErr.Err, ErrInternalServer)
	}
	return false
}
