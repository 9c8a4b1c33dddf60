package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrTunnelNotFound     = errors.New("tunnel not found")
	ErrSubdomainTaken     = errors.New("subdomain already taken")
	ErrInvalidSubdomain   = errors.New("invalid subdomain format")
	ErrRequestTimeout     = errors.New("request timeout")
	ErrNoAvailablePorts   = errors.New("no available ports in range")
	ErrInvalidSignature   = errors.New("invalid attestation signature")
	ErrAttestationExpired = errors.New("attestation timestamp outside allowed window")
	ErrMissingAttestation = errors.New("missing attestation")
	ErrBodyTooLarge       = errors.New("request body too large")
	ErrSessionClosed      = errors.New("tunnel session closed")
)

// Wire-level error codes carried in error frames and logs.
const (
	CodeInvalidJSON        = "invalid_json"
	CodeUnsupportedFormat  = "unsupported_format"
	CodeUnknownMessage     = "unknown_message"
	CodeMissingAttestation = "missing_attestation"
	CodeInvalidSignature   = "invalid_signature"
	CodeAttestationExpired = "attestation_expired"
	CodeSubdomainTaken     = "subdomain_taken"
	CodeNoPortsAvailable   = "no_ports_available"
	CodeRegistrationFailed = "registration_failed"
	CodeTimeout            = "timeout"
	CodeBodyTooLarge       = "body_too_large"
	CodeBadGateway         = "bad_gateway"
)

// AppError represents an application error with a wire-level code.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error
func NewAppError(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WireCode maps an error to the code used on the control channel. Sentinel
// errors map to their taxonomy code; AppError carries its own.
func WireCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	switch {
	case errors.Is(err, ErrSubdomainTaken), errors.Is(err, ErrInvalidSubdomain):
		return CodeSubdomainTaken
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrAttestationExpired):
		return CodeAttestationExpired
	case errors.Is(err, ErrMissingAttestation):
		return CodeMissingAttestation
	case errors.Is(err, ErrNoAvailablePorts):
		return CodeNoPortsAvailable
	case errors.Is(err, ErrRequestTimeout):
		return CodeTimeout
	case errors.Is(err, ErrBodyTooLarge):
		return CodeBodyTooLarge
	default:
		return CodeRegistrationFailed
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
