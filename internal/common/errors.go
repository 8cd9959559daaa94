package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error codes of the tracking core.
const (
	CodeTransport = "TRANSPORT"
	CodeReadiness = "READINESS"
	CodeNotFound  = "NOT_FOUND"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidServiceURL = errors.New("service url is required")
	ErrMissingArtifact   = errors.New("artifact path is not available yet")
)

func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// TransportError wraps a failed request against the remote service.
func TransportError(op, jobID string, cause error) *AppError {
	msg := op
	if jobID != "" {
		msg = fmt.Sprintf("%s job %s", op, jobID)
	}
	return NewAppError(CodeTransport, msg, cause)
}

// ReadinessError reports why the manual workspace blocks a guarded action.
func ReadinessError(reason string) *AppError {
	return NewAppError(CodeReadiness, reason, nil)
}

func IsTransport(err error) bool { return hasCode(err, CodeTransport) }

func IsReadiness(err error) bool { return hasCode(err, CodeReadiness) }

func hasCode(err error, code string) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
