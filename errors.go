package quicrtc

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured error carrying the operation, the connection/stream
// it concerns, and an error-kind taxonomy so callers can branch on Code
// without string matching.
type Error struct {
	Op     string        // Operation that failed (e.g., "bind", "feed", "stream_send")
	AppID  uint64        // Application connection id (0 if not applicable)
	Stream int64         // Stream id (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Raw errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.AppID != 0 {
		parts = append(parts, fmt.Sprintf("app_id=%d", e.AppID))
	}
	if e.Stream >= 0 {
		parts = append(parts, fmt.Sprintf("stream=%d", e.Stream))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("quicrtc: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("quicrtc: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the kind taxonomy from the error handling design: each value
// maps to one row of the source/policy table. NewServer, NewClient,
// DrainOutbound and the TLS config builder return their failures through
// WrapError, which maps a raw errno with mapErrnoToCode and gives any other
// non-*Error failure ErrCodeConnectionRecv. So a bind failure, a seed key
// failure, a short send or a PEM load failure does not carry
// ErrCodeSocketCreation, ErrCodeRandomness, ErrCodeSocketSend or
// ErrCodeConfigCreation.
type ErrorCode string

const (
	// ErrCodeSocketCreation covers bind/poll-registration failures. Fatal;
	// propagated from the pump constructor.
	ErrCodeSocketCreation ErrorCode = "socket creation"

	// ErrCodeRandomness covers CSPRNG failure while generating the HMAC seed
	// key or a client SCID. Fatal.
	ErrCodeRandomness ErrorCode = "randomness"

	// ErrCodeConfigCreation covers PEM load or ALPN configuration failure.
	// Fatal.
	ErrCodeConfigCreation ErrorCode = "config creation"

	// ErrCodeConnectionCreation covers engine connect/accept failure. Fatal
	// for an explicit Connect call; the triggering datagram is silently
	// dropped for an inbound server accept.
	ErrCodeConnectionCreation ErrorCode = "connection creation"

	// ErrCodeConnectionSend covers an engine send failure. Fatal for that
	// connection; the connection is removed.
	ErrCodeConnectionSend ErrorCode = "connection send"

	// ErrCodeSocketSend covers a send_to failure, including a short write.
	// Fatal for that connection; the connection is removed.
	ErrCodeSocketSend ErrorCode = "socket send"

	// ErrCodeSocketRecv covers a non-WouldBlock recv error. Fatal for the
	// endpoint.
	ErrCodeSocketRecv ErrorCode = "socket recv"

	// ErrCodeConnectionRecv covers an engine recv rejection (malformed
	// packet). The packet is dropped; the connection is kept.
	ErrCodeConnectionRecv ErrorCode = "connection recv"

	// ErrCodeStreamSend covers a stream_send rejection bubbled to the
	// application.
	ErrCodeStreamSend ErrorCode = "stream send"

	// ErrCodeStreamRecv covers a stream_recv rejection bubbled to the
	// application.
	ErrCodeStreamRecv ErrorCode = "stream recv"

	// ErrCodeReliableBufferMissing fires when a stream becomes readable but
	// no recv target/buffer was posted for it.
	ErrCodeReliableBufferMissing ErrorCode = "reliable buffer missing"

	// ErrCodeRecvTooMuchData fires when an inbound datagram exceeds
	// MaxDatagramSize; the datagram is dropped.
	ErrCodeRecvTooMuchData ErrorCode = "recv too much data"
)

// NewError creates a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Stream: -1}
}

// NewErrorWithErrno creates a structured error carrying a raw errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Stream: -1}
}

// NewConnError creates a connection-scoped structured error.
func NewConnError(op string, appID uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, AppID: appID, Code: code, Msg: msg, Stream: -1}
}

// NewStreamError creates a stream-scoped structured error.
func NewStreamError(op string, appID uint64, stream int64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, AppID: appID, Stream: stream, Code: code, Msg: msg}
}

// WrapError wraps an existing error with operation context, preserving an
// inner *Error's fields or mapping a raw errno to a code.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if qe, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			AppID:  qe.AppID,
			Stream: qe.Stream,
			Code:   qe.Code,
			Errno:  qe.Errno,
			Msg:    qe.Msg,
			Inner:  qe.Inner,
		}
	}

	code := ErrCodeConnectionRecv
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error(), Inner: inner, Stream: -1}
	}

	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner, Stream: -1}
}

// mapErrnoToCode maps a raw socket errno to an ErrorCode.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.EMSGSIZE:
		return ErrCodeRecvTooMuchData
	case syscall.EAGAIN:
		return ErrCodeSocketRecv
	case syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
		return ErrCodeSocketSend
	default:
		return ErrCodeSocketSend
	}
}

// IsCode reports whether err (or something it wraps) is a *Error with the
// given Code.
func IsCode(err error, code ErrorCode) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// IsErrno reports whether err (or something it wraps) is a *Error carrying
// the given raw errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Errno == errno
	}
	return false
}
