package httpclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// HTTP1Exchanger is the default Exchanger. It speaks HTTP/1.1 over the
// connection's buffered reader and writer.
type HTTP1Exchanger struct {
	// WriteTimeout bounds writing the request. Zero means no limit.
	WriteTimeout time.Duration

	// ReadTimeout bounds reading the response head and each body read.
	// Zero means no limit.
	ReadTimeout time.Duration
}

// Exchange writes req to conn and reads the response head. Canceling ctx
// aborts a blocked read or write, including reads of the returned body.
func (e HTTP1Exchanger) Exchange(ctx context.Context, conn Connection, req *Request) (*Response, bool, error) {
	var body io.ReadCloser
	if req.body != nil {
		rc, err := req.body.Open()
		if err != nil {
			return nil, false, err
		}
		body = rc
		defer body.Close()
	}
	closeConn := strings.EqualFold(req.Header("Connection"), "close")
	// ReadResponse only needs the method, to know whether a body follows.
	httpReq := &http.Request{Method: req.Method(), URL: req.URL(), Close: closeConn}

	abort := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	fail := func(op string, err error, beforeSend bool) (*Response, bool, error) {
		abort()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		return nil, false, classifyExchangeError(op, conn.Address(), err, beforeSend)
	}

	if e.WriteTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(e.WriteTimeout))
	}
	sentAt := time.Now()
	if err := writeRequest(conn.Writer(), req, body); err != nil {
		return fail("write", err, true)
	}
	if err := conn.Writer().Flush(); err != nil {
		return fail("write", err, true)
	}
	ct := httptrace.ContextClientTrace(ctx)
	if ct != nil && ct.WroteRequest != nil {
		ct.WroteRequest(httptrace.WroteRequestInfo{})
	}

	if e.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(e.ReadTimeout))
	} else if e.WriteTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	if ct != nil && ct.GotFirstResponseByte != nil {
		if _, err := conn.Reader().Peek(1); err == nil {
			ct.GotFirstResponseByte()
		}
	}
	httpResp, err := http.ReadResponse(conn.Reader(), httpReq)
	if err != nil {
		// The server may have acted on the request already, so only methods
		// that are safe to repeat are retryable from here on.
		return fail("read", err, isIdempotent(req.Method()))
	}
	receivedAt := time.Now()

	var headers Headers
	if len(httpResp.Header) > 0 {
		headers = HeadersFromHTTP(httpResp.Header)
	}
	respBody := &exchangeBody{
		rc:      httpResp.Body,
		conn:    conn,
		timeout: e.ReadTimeout,
		abort:   abort,
	}
	resp, err := NewResponseBuilder().
		Status(httpResp.StatusCode, reasonPhrase(httpResp)).
		Proto(httpResp.Proto).
		Headers(headers).
		Body(NewResponseBody(httpResp.Header.Get("Content-Type"), httpResp.ContentLength, respBody)).
		Request(req).
		Timing(sentAt, receivedAt).
		Build()
	if err != nil {
		respBody.Close()
		return nil, false, &ProtocolError{Msg: "invalid response", Err: err}
	}
	return resp, !httpResp.Close && !closeConn, nil
}

// writeRequest writes req in HTTP/1.1 wire format. Host goes first, every
// other field follows in the order it was added. body is req's opened body,
// or nil.
func writeRequest(w *bufio.Writer, req *Request, body io.Reader) error {
	target := req.url.RequestURI()
	if target == "" {
		target = "/"
	}
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.method, target); err != nil {
		return err
	}

	h := req.headers
	host := h.Get("Host")
	if host == "" {
		host = hostHeader(req.url)
	}
	writeField(w, "Host", host)
	h.Each(func(name, value string) {
		if name != "Host" {
			writeField(w, name, value)
		}
	})

	chunked := strings.EqualFold(h.Get("Transfer-Encoding"), "chunked")
	length := int64(-1)
	if v := h.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return &ProtocolError{Msg: "invalid Content-Length " + strconv.Quote(v), Err: err}
		}
		length = n
	}
	switch {
	case body == nil, chunked, length >= 0:
	case req.body.ContentLength() >= 0:
		length = req.body.ContentLength()
		writeField(w, "Content-Length", strconv.FormatInt(length, 10))
	default:
		writeField(w, "Transfer-Encoding", "chunked")
		chunked = true
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if body == nil {
		return nil
	}

	if chunked {
		cw := httputil.NewChunkedWriter(w)
		if _, err := io.Copy(cw, body); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		// The chunked writer leaves the empty trailer to the caller.
		_, err := w.WriteString("\r\n")
		return err
	}
	if _, err := io.CopyN(w, body, length); err != nil {
		if errors.Is(err, io.EOF) {
			return &ProtocolError{Msg: fmt.Sprintf("request body shorter than Content-Length %d", length), Err: err}
		}
		return err
	}
	return nil
}

func writeField(w *bufio.Writer, name, value string) {
	_, _ = w.WriteString(name)
	_, _ = w.WriteString(": ")
	_, _ = w.WriteString(value)
	_, _ = w.WriteString("\r\n")
}

// reasonPhrase extracts the phrase from a status like "404 Not Found".
func reasonPhrase(resp *http.Response) string {
	status := resp.Status
	if len(status) > 4 && status[3] == ' ' {
		return status[4:]
	}
	return http.StatusText(resp.StatusCode)
}

// classifyExchangeError separates I/O failures from malformed responses.
func classifyExchangeError(op string, addr Address, err error, beforeSend bool) error {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return err
	}
	if isIOFailure(err) {
		return newTransportError(op, addr.Key(), err, beforeSend)
	}
	return &ProtocolError{Msg: "malformed response", Err: err}
}

func isIOFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// exchangeBody streams the response body and keeps the cancellation hook
// armed until the body is closed.
type exchangeBody struct {
	rc      io.ReadCloser
	conn    Connection
	timeout time.Duration
	abort   func() bool

	eof  bool
	once sync.Once
}

func (b *exchangeBody) Read(p []byte) (int, error) {
	if b.timeout > 0 {
		_ = b.conn.SetDeadline(time.Now().Add(b.timeout))
	}
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.eof = true
	}
	return n, err
}

func (b *exchangeBody) Close() error {
	var err error
	b.once.Do(func() {
		b.abort()
		if !b.eof {
			// Closing drains the remaining body; fail that immediately since
			// the connection is discarded anyway.
			_ = b.conn.SetDeadline(time.Unix(1, 0))
		}
		err = b.rc.Close()
		if !b.eof {
			err = nil
		}
	})
	return err
}
