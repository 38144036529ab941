package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// RetryClassifier decides whether the follow-up stage should retry a failed
// attempt. It is only consulted for requests whose body can be replayed and
// while the follow-up budget is not exhausted.
//
// Example classifier that only retries idempotent requests:
//
//	client := httpclient.New(
//	    httpclient.WithRetryClassifier(func(req *httpclient.Request, err error) bool {
//	        return req.Method() == http.MethodGet && httpclient.DefaultClassifier(req, err)
//	    }),
//	)
type RetryClassifier func(req *Request, err error) bool

// DefaultClassifier retries transport failures marked retryable by the
// stage that produced them.
//
// Connect, TLS handshake and read timeouts are transport failures and are
// retried like any other.
//
// Never retries:
//   - Cancellation or an expired call deadline
//   - Protocol errors (malformed responses)
//   - Permanent failures (TLS certificate errors, NXDOMAIN)
//   - Anything that is not a *TransportError
func DefaultClassifier(_ *Request, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled) {
		return false
	}
	// Stages return the call's own deadline unwrapped. A deadline inside a
	// TransportError is a dial, handshake or read timeout, which net reports
	// as matching context.DeadlineExceeded.
	var transportErr *TransportError
	if !errors.As(err, &transportErr) && errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	if isPermanentError(err) {
		return false
	}
	return IsRetryable(err)
}

// NeverRetryClassifier returns a classifier that never retries.
func NeverRetryClassifier() RetryClassifier {
	return func(_ *Request, _ error) bool {
		return false
	}
}

// newTransportError wraps a network failure. beforeSend is true when no
// request bytes reached the server, which makes the attempt safe to repeat
// whatever the method.
func newTransportError(op, addr string, err error, beforeSend bool) *TransportError {
	var existing *TransportError
	if errors.As(err, &existing) {
		return existing
	}
	retryable := !isPermanentError(err) && isRetryableNetworkError(err)
	if !beforeSend {
		retryable = false
	}
	return &TransportError{Op: op, Addr: addr, Retryable: retryable, Err: err}
}

// isRetryableNetworkError returns true for network errors that are
// typically transient and may succeed on retry.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// NXDOMAIN and friends are permanent.
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// A pooled connection the server already closed surfaces as EOF.
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return containsTransientPattern(err)
}

// containsTransientPattern is a fallback for wrapped errors whose type
// information was lost.
func containsTransientPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"network is down",
		"network unreachable",
		"i/o timeout",
		"temporary failure",
		"server closed",
		"broken pipe",
		"eof",
	} {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// isPermanentError returns true for errors that will not succeed on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}

	return containsPermanentPattern(err)
}

func containsPermanentPattern(err error) bool {
	errStr := strings.ToLower(err.Error())
	for _, p := range []string{
		"x509:",
		"certificate",
		"tls:",
		"no route to host",
		"permission denied",
	} {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
