package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// MockNetwork stands in for both the connection pool and the exchanger so
// that a Client can be exercised without sockets. Every interceptor still
// runs; only the final exchange is answered from stubs.
//
// Example:
//
//	mock := httpclient.NewMockNetwork().
//	    StubPath(http.MethodGet, "/users/1", http.StatusOK, `{"id":1}`).
//	    StubRedirect("/old", http.StatusMovedPermanently, "/users/1")
//	client := httpclient.New(httpclient.WithMockNetwork(mock))
type MockNetwork struct {
	mu          sync.RWMutex
	stubs       []mockStub
	fallback    *MockResponse
	requests    []*Request
	requestHook func(*Request)

	connectErrs []error
	acquired    int
	released    int
	discarded   int
}

// MockResponse describes a stubbed answer. A non-nil Err fails the exchange
// instead of producing a response.
type MockResponse struct {
	Status  int
	Headers map[string]string
	Body    string
	Delay   time.Duration
	Err     error
}

type mockStub struct {
	matcher  func(*Request) bool
	response MockResponse
}

// ErrNoStub is returned by the exchange when no stub matches a request.
var ErrNoStub = errors.New("httpclient: no stub found for request")

// NewMockNetwork creates an empty MockNetwork.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{}
}

// StubResponse answers every request without a more specific stub.
func (m *MockNetwork) StubResponse(status int, body string) *MockNetwork {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &MockResponse{Status: status, Body: body}
	return m
}

// StubError fails every request without a more specific stub.
func (m *MockNetwork) StubError(err error) *MockNetwork {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &MockResponse{Err: err}
	return m
}

// StubPath answers requests with the given method and path. An empty method
// matches any method.
func (m *MockNetwork) StubPath(method, path string, status int, body string) *MockNetwork {
	return m.Stub(func(req *Request) bool {
		return (method == "" || req.Method() == method) && req.URL().Path == path
	}, MockResponse{Status: status, Body: body})
}

// StubPathRegex answers requests whose path matches pattern.
func (m *MockNetwork) StubPathRegex(pattern string, status int, body string) *MockNetwork {
	re := regexp.MustCompile(pattern)
	return m.Stub(func(req *Request) bool {
		return re.MatchString(req.URL().Path)
	}, MockResponse{Status: status, Body: body})
}

// StubHost answers every request to host.
func (m *MockNetwork) StubHost(host string, status int, body string) *MockNetwork {
	return m.Stub(func(req *Request) bool {
		return req.Host() == host
	}, MockResponse{Status: status, Body: body})
}

// StubRedirect answers requests for path with a redirect to location.
func (m *MockNetwork) StubRedirect(path string, status int, location string) *MockNetwork {
	return m.Stub(func(req *Request) bool {
		return req.URL().Path == path
	}, MockResponse{Status: status, Headers: map[string]string{"Location": location}})
}

// Stub answers requests matching the predicate. Stubs are checked in the
// order they were added; the first match wins.
func (m *MockNetwork) Stub(matcher func(*Request) bool, resp MockResponse) *MockNetwork {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{matcher: matcher, response: resp})
	return m
}

// FailConnects makes the next len(errs) connection attempts fail, in order,
// with retryable transport errors wrapping errs.
func (m *MockNetwork) FailConnects(errs ...error) *MockNetwork {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErrs = append(m.connectErrs, errs...)
	return m
}

// OnRequest sets a hook called for every exchanged request.
func (m *MockNetwork) OnRequest(fn func(*Request)) *MockNetwork {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// Acquire implements ConnectionPool.
func (m *MockNetwork) Acquire(ctx context.Context, addr Address) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		return nil, &TransportError{Op: "connect", Addr: addr.Key(), Retryable: true, Err: err}
	}
	m.acquired++
	return &mockConn{
		addr: addr,
		br:   bufio.NewReader(bytes.NewReader(nil)),
		bw:   bufio.NewWriter(&bytes.Buffer{}),
	}, nil
}

// Release implements ConnectionPool.
func (m *MockNetwork) Release(Connection) {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

// Discard implements ConnectionPool.
func (m *MockNetwork) Discard(Connection) {
	m.mu.Lock()
	m.discarded++
	m.mu.Unlock()
}

// Exchange implements Exchanger.
func (m *MockNetwork) Exchange(ctx context.Context, _ Connection, req *Request) (*Response, bool, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	stub, ok := m.match(req)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNoStub, req)
	}

	sentAt := time.Now()
	if err := wait(ctx, stub.Delay); err != nil {
		return nil, false, err
	}
	if stub.Err != nil {
		return nil, false, stub.Err
	}

	b := NewResponseBuilder().
		Status(stub.Status, "").
		Request(req).
		Timing(sentAt, time.Now())
	for name, value := range stub.Headers {
		b.Header(name, value)
	}
	contentType := stub.Headers["Content-Type"]
	if contentType == "" && stub.Body != "" {
		contentType = http.DetectContentType([]byte(stub.Body))
	}
	resp, err := b.Body(StaticResponseBody(contentType, []byte(stub.Body))).Build()
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (m *MockNetwork) match(req *Request) (MockResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.stubs {
		if s.matcher(req) {
			return s.response, true
		}
	}
	if m.fallback != nil {
		return *m.fallback, true
	}
	return MockResponse{}, false
}

// Requests returns every request that reached the exchange, in order.
func (m *MockNetwork) Requests() []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Request{}, m.requests...)
}

// RequestCount returns the number of exchanged requests.
func (m *MockNetwork) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockNetwork) LastRequest() *Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Connections reports how many connections were handed out, returned for
// reuse and discarded.
func (m *MockNetwork) Connections() (acquired, released, discarded int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.acquired, m.released, m.discarded
}

// Reset clears recorded requests, counters and stubs.
func (m *MockNetwork) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = nil
	m.fallback = nil
	m.requestHook = nil
	m.connectErrs = nil
	m.acquired, m.released, m.discarded = 0, 0, 0
}

type mockConn struct {
	addr Address
	br   *bufio.Reader
	bw   *bufio.Writer
}

func (c *mockConn) Address() Address            { return c.addr }
func (c *mockConn) Reader() *bufio.Reader       { return c.br }
func (c *mockConn) Writer() *bufio.Writer       { return c.bw }
func (c *mockConn) SetDeadline(time.Time) error { return nil }
func (c *mockConn) Close() error                { return nil }
