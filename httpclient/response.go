package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// Response is an immutable HTTP response.
//
// Request returns the exact request that produced it, which differs from
// the caller's original request when redirects or retries happened. The
// body is a stream and must be closed by the caller.
type Response struct {
	statusCode int
	reason     string
	proto      string
	headers    Headers
	body       *ResponseBody
	request    *Request

	sentAt     time.Time
	receivedAt time.Time
	fromCache  bool
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int { return r.statusCode }

// Reason returns the reason phrase, e.g. "Not Found".
func (r *Response) Reason() string { return r.reason }

// Proto returns the protocol version, e.g. "HTTP/1.1".
func (r *Response) Proto() string { return r.proto }

// Header returns the first value of the named header.
func (r *Response) Header(name string) string { return r.headers.Get(name) }

// Headers returns the full header set.
func (r *Response) Headers() Headers { return r.headers }

// Body returns the response body. It is never nil.
func (r *Response) Body() *ResponseBody { return r.body }

// Request returns the request that produced this response.
func (r *Response) Request() *Request { return r.request }

// SentAt returns when the request was written.
func (r *Response) SentAt() time.Time { return r.sentAt }

// ReceivedAt returns when the response headers were read.
func (r *Response) ReceivedAt() time.Time { return r.receivedAt }

// FromCache reports whether the response was served by the cache stage.
func (r *Response) FromCache() bool { return r.fromCache }

// IsSuccess returns true for 2xx status codes.
func (r *Response) IsSuccess() bool {
	return r.statusCode >= 200 && r.statusCode < 300
}

// IsRedirect returns true for status codes the follow-up stage treats as
// redirects.
func (r *Response) IsRedirect() bool {
	return isRedirectStatus(r.statusCode)
}

// Close closes the body.
func (r *Response) Close() error { return r.body.Close() }

// String renders the status line for logs.
func (r *Response) String() string {
	return fmt.Sprintf("%s %d %s (%s)", r.proto, r.statusCode, r.reason, r.request)
}

// NewBuilder returns a builder seeded with a copy of r. The body is shared;
// replace it when the derived response must not consume the original stream.
func (r *Response) NewBuilder() *ResponseBuilder {
	return &ResponseBuilder{
		statusCode: r.statusCode,
		reason:     r.reason,
		proto:      r.proto,
		headers:    r.headers.NewBuilder(),
		body:       r.body,
		request:    r.request,
		sentAt:     r.sentAt,
		receivedAt: r.receivedAt,
		fromCache:  r.fromCache,
	}
}

// ResponseBuilder constructs Responses. Terminal stages and stages that
// synthesize a response use it.
type ResponseBuilder struct {
	statusCode int
	reason     string
	proto      string
	headers    *HeadersBuilder
	body       *ResponseBody
	request    *Request
	sentAt     time.Time
	receivedAt time.Time
	fromCache  bool
}

// NewResponseBuilder returns an empty builder.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{proto: "HTTP/1.1", headers: &HeadersBuilder{}}
}

// Status sets the code and reason phrase. An empty reason uses the
// standard text for code.
func (b *ResponseBuilder) Status(code int, reason string) *ResponseBuilder {
	if reason == "" {
		reason = http.StatusText(code)
	}
	b.statusCode = code
	b.reason = reason
	return b
}

// Proto sets the protocol version.
func (b *ResponseBuilder) Proto(proto string) *ResponseBuilder {
	b.proto = proto
	return b
}

// Header sets a header, replacing previous values.
func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers.Set(name, value)
	return b
}

// AddHeader appends a header value.
func (b *ResponseBuilder) AddHeader(name, value string) *ResponseBuilder {
	b.headers.Add(name, value)
	return b
}

// RemoveHeader deletes every value of name.
func (b *ResponseBuilder) RemoveHeader(name string) *ResponseBuilder {
	b.headers.Del(name)
	return b
}

// Headers replaces the whole header set.
func (b *ResponseBuilder) Headers(h Headers) *ResponseBuilder {
	b.headers = h.NewBuilder()
	return b
}

// Body sets the body.
func (b *ResponseBuilder) Body(body *ResponseBody) *ResponseBuilder {
	b.body = body
	return b
}

// Request sets the request that produced the response.
func (b *ResponseBuilder) Request(req *Request) *ResponseBuilder {
	b.request = req
	return b
}

// Timing records when the request was sent and the response received.
func (b *ResponseBuilder) Timing(sentAt, receivedAt time.Time) *ResponseBuilder {
	b.sentAt = sentAt
	b.receivedAt = receivedAt
	return b
}

// FromCache marks the response as served by a cache.
func (b *ResponseBuilder) FromCache(v bool) *ResponseBuilder {
	b.fromCache = v
	return b
}

// Build returns the Response. A request and a status code are required.
func (b *ResponseBuilder) Build() (*Response, error) {
	if b.request == nil {
		return nil, fmt.Errorf("httpclient: response has no request")
	}
	if b.statusCode < 100 || b.statusCode > 999 {
		return nil, fmt.Errorf("httpclient: invalid status code %d", b.statusCode)
	}
	if err := b.headers.Err(); err != nil {
		return nil, err
	}
	body := b.body
	if body == nil {
		body = NewResponseBody("", 0, nil)
	}
	return &Response{
		statusCode: b.statusCode,
		reason:     b.reason,
		proto:      b.proto,
		headers:    b.headers.Build(),
		body:       body,
		request:    b.request,
		sentAt:     b.sentAt,
		receivedAt: b.receivedAt,
		fromCache:  b.fromCache,
	}, nil
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMultipleChoices, http.StatusMovedPermanently, http.StatusFound,
		http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
