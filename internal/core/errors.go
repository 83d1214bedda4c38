package core

import (
	"errors"
	"fmt"
)

// ErrorClass groups error codes by how a caller should react.
type ErrorClass string

const (
	// ClassNotReady is transient; retry after a short delay.
	ClassNotReady ErrorClass = "not-ready"
	// ClassNotFound means a stale reference; restart the join sequence.
	ClassNotFound ErrorClass = "not-found"
	// ClassConflict means a duplicate concurrent operation; the original wins.
	ClassConflict ErrorClass = "state-conflict"
	// ClassMismatch means the capability set cannot consume the media.
	ClassMismatch ErrorClass = "capability-mismatch"
	ClassInvalid  ErrorClass = "invalid"
	ClassInternal ErrorClass = "internal"
)

type Code string

const (
	CodeEngineNotReady           Code = "ENGINE_NOT_READY"
	CodeTransportNotFound        Code = "TRANSPORT_NOT_FOUND"
	CodeAlreadyConnecting        Code = "ALREADY_CONNECTING"
	CodeNoSendTransport          Code = "NO_SEND_TRANSPORT"
	CodeNoRecvTransport          Code = "NO_RECV_TRANSPORT"
	CodeProducerNotFound         Code = "PRODUCER_NOT_FOUND"
	CodeIncompatibleCapabilities Code = "INCOMPATIBLE_CAPABILITIES"
	CodeAlreadySubscribed        Code = "ALREADY_SUBSCRIBED"
	CodeConnectTimeout           Code = "CONNECT_TIMEOUT"
	CodeConnectFailed            Code = "CONNECT_FAILED"
	CodeRateLimited              Code = "RATE_LIMITED"
	CodeBadRequest               Code = "BAD_REQUEST"
	CodeInternal                 Code = "INTERNAL"
)

var codeClass = map[Code]ErrorClass{
	CodeEngineNotReady:           ClassNotReady,
	CodeRateLimited:              ClassNotReady,
	CodeTransportNotFound:        ClassNotFound,
	CodeNoSendTransport:          ClassNotFound,
	CodeNoRecvTransport:          ClassNotFound,
	CodeProducerNotFound:         ClassNotFound,
	CodeAlreadyConnecting:        ClassConflict,
	CodeAlreadySubscribed:        ClassConflict,
	CodeIncompatibleCapabilities: ClassMismatch,
	CodeConnectTimeout:           ClassInternal,
	CodeConnectFailed:            ClassInternal,
	CodeBadRequest:               ClassInvalid,
	CodeInternal:                 ClassInternal,
}

// Error is a signaling error returned to the originating request only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can use the
// sentinels below with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Class() ErrorClass {
	if c, ok := codeClass[e.Code]; ok {
		return c
	}
	return ClassInternal
}

// Retryable reports whether the same call may succeed later unchanged.
func (e *Error) Retryable() bool { return e.Class() == ClassNotReady }

func NewError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

func Invalid(msg string) *Error { return &Error{Code: CodeBadRequest, Message: msg} }

var (
	ErrEngineNotReady           = &Error{Code: CodeEngineNotReady, Message: "media engine not ready"}
	ErrTransportNotFound        = &Error{Code: CodeTransportNotFound, Message: "transport not found"}
	ErrAlreadyConnecting        = &Error{Code: CodeAlreadyConnecting, Message: "transport is already connecting"}
	ErrNoSendTransport          = &Error{Code: CodeNoSendTransport, Message: "send transport not found"}
	ErrNoRecvTransport          = &Error{Code: CodeNoRecvTransport, Message: "recv transport not found"}
	ErrProducerNotFound         = &Error{Code: CodeProducerNotFound, Message: "producer not found"}
	ErrIncompatibleCapabilities = &Error{Code: CodeIncompatibleCapabilities, Message: "client cannot consume producer"}
	ErrAlreadySubscribed        = &Error{Code: CodeAlreadySubscribed, Message: "already consuming producer"}
	ErrConnectTimeout           = &Error{Code: CodeConnectTimeout, Message: "transport connect timed out"}
	ErrRateLimited              = &Error{Code: CodeRateLimited, Message: "too many requests"}
)

// AsError converts any error into an *Error, defaulting to CodeInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}
