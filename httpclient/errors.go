package httpclient

import (
	"context"
	"errors"
	"fmt"
)

// Chain contract violations. These indicate a bug in an interceptor and are
// never retried.
var (
	// ErrChainExhausted is returned when Proceed is called on the last stage,
	// i.e. the interceptor list does not end in a terminal stage.
	ErrChainExhausted = errors.New("httpclient: chain exhausted without a terminal stage")

	// ErrProceedTwice is returned when an interceptor calls Proceed more than
	// once on the same chain.
	ErrProceedTwice = errors.New("httpclient: proceed called more than once")

	// ErrProceedNotCalled is returned when a network interceptor returns
	// without calling Proceed exactly once.
	ErrProceedNotCalled = errors.New("httpclient: network interceptor must call proceed exactly once")

	// ErrAddressChanged is returned when a network interceptor changes the
	// host or port of the request after the connection was acquired.
	ErrAddressChanged = errors.New("httpclient: network interceptor must retain the same host and port")

	// ErrNilResponse is returned when an interceptor returns neither a
	// response nor an error.
	ErrNilResponse = errors.New("httpclient: interceptor returned a nil response")
)

// Call lifecycle errors.
var (
	// ErrTooManyFollowUps is returned when a call exceeds MaxFollowUps
	// redirects and retries combined.
	ErrTooManyFollowUps = errors.New("httpclient: too many follow-up requests")

	// ErrAlreadyExecuted is returned when a Call is executed or enqueued a
	// second time.
	ErrAlreadyExecuted = errors.New("httpclient: call already executed")

	// ErrCanceled is the terminal error of a canceled call.
	ErrCanceled = errors.New("httpclient: call canceled")

	// ErrDispatcherClosed is returned for calls submitted to, or still queued
	// in, a dispatcher that was shut down.
	ErrDispatcherClosed = errors.New("httpclient: dispatcher is shut down")
)

// TransportError reports a failure while connecting to a host or
// exchanging bytes with it. Retryable is true when the failure happened
// before the server could have acted on the request.
type TransportError struct {
	Op        string // "connect", "write" or "read"
	Addr      string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("httpclient: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("httpclient: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a response that violates HTTP, such as a malformed
// status line or a redirect without a Location header. Protocol errors are
// never retried.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "httpclient: protocol error: " + e.Msg
	}
	return fmt.Sprintf("httpclient: protocol error: %s: %v", e.Msg, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrorKind groups errors returned by a Call.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransport
	KindProtocol
	KindPolicy
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindPolicy:
		return "policy"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Cancellation wins over every other kind so that a
// canceled call is never counted as a failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, ErrTooManyFollowUps) || errors.Is(err, ErrDispatcherClosed) ||
		errors.Is(err, ErrAlreadyExecuted) {
		return KindPolicy
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return KindProtocol
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return KindTransport
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transport failure the follow-up
// stage may retry.
func IsRetryable(err error) bool {
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		return false
	}
	return transportErr.Retryable
}
