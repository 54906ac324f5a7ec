package core

import (
	"errors"
	"fmt"
)

// Kind categorizes call-core errors.
type Kind string

const (
	// Microphone failures. Each maps to a different user remedy.
	KindPermissionDenied Kind = "permission_denied"
	KindDeviceNotFound   Kind = "device_not_found"
	KindDeviceBusy       Kind = "device_busy"
	KindInsecureContext  Kind = "insecure_context"

	// KindAuth is a rejected or missing credential during session setup.
	KindAuth Kind = "auth_error"
	// KindConnect is a network or handshake failure during session setup.
	KindConnect Kind = "connect_error"
	// KindRemote is an application-level error sent by the remote agent.
	KindRemote Kind = "remote_error"
	// KindFraming is a malformed audio frame. Affects that frame only.
	KindFraming Kind = "framing_error"
	// KindInvalidState is a contract violation, e.g. send after close.
	// Guarded against internally and never shown to the user.
	KindInvalidState Kind = "invalid_state"
)

// Error is a categorized call-core error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates an error with the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates an error with the given kind around an underlying error.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewAuthError creates a credential error.
func NewAuthError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// NewConnectError creates a network/handshake error.
func NewConnectError(message string, err error) *Error {
	return &Error{Kind: KindConnect, Message: message, Err: err}
}

// NewRemoteError creates an error reported by the remote agent.
func NewRemoteError(message string) *Error {
	return &Error{Kind: KindRemote, Message: message}
}

// NewFramingError creates a malformed-frame error.
func NewFramingError(message string) *Error {
	return &Error{Kind: KindFraming, Message: message}
}

// NewInvalidStateError creates a contract-violation error.
func NewInvalidStateError(message string) *Error {
	return &Error{Kind: KindInvalidState, Message: message}
}

// ErrKind extracts the Kind from err, or "" if err carries none.
func ErrKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return ErrKind(err) == kind
}

// Remedy returns the user-facing remedy for an error kind.
// Empty for kinds that have no user remedy.
func (k Kind) Remedy() string {
	switch k {
	case KindPermissionDenied:
		return "Please allow microphone access in your system settings."
	case KindDeviceNotFound:
		return "No microphone was found. Please check your audio devices."
	case KindDeviceBusy:
		return "Microphone is in use by another application."
	case KindInsecureContext:
		return "Audio capture is unavailable in this environment."
	case KindAuth:
		return "Please check your API key."
	case KindConnect:
		return "Connection failed. Please check your internet connection."
	default:
		return ""
	}
}
