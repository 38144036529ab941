package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request is an immutable HTTP request.
//
// Stages never mutate a Request they were given. To change one, derive a
// copy with NewBuilder:
//
//	next, err := req.NewBuilder().
//	    Header("Authorization", "Bearer "+token).
//	    Build()
//
// Every Request held by an earlier stage stays valid and unchanged.
type Request struct {
	method  string
	url     *url.URL
	headers Headers
	body    RequestBody
	tags    map[any]any
}

// NewRequest builds a body-less request.
func NewRequest(method, rawURL string) (*Request, error) {
	return NewRequestBuilder().Method(method, nil).URL(rawURL).Build()
}

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// URL returns a copy of the target URL.
func (r *Request) URL() *url.URL {
	u := *r.url
	if r.url.User != nil {
		user := *r.url.User
		u.User = &user
	}
	return &u
}

// Host returns the URL host without port.
func (r *Request) Host() string { return r.url.Hostname() }

// Header returns the first value of the named header.
func (r *Request) Header(name string) string { return r.headers.Get(name) }

// Headers returns the full header set.
func (r *Request) Headers() Headers { return r.headers }

// Body returns the request body, or nil.
func (r *Request) Body() RequestBody { return r.body }

// Tag returns the metadata stored under key, or nil.
func (r *Request) Tag(key any) any { return r.tags[key] }

// IsHTTPS reports whether the request targets an https URL.
func (r *Request) IsHTTPS() bool { return r.url.Scheme == "https" }

// String renders the request line for logs.
func (r *Request) String() string { return r.method + " " + r.url.String() }

// NewBuilder returns a builder seeded with a copy of r.
func (r *Request) NewBuilder() *RequestBuilder {
	tags := make(map[any]any, len(r.tags))
	for k, v := range r.tags {
		tags[k] = v
	}
	return &RequestBuilder{
		method:  r.method,
		url:     r.URL(),
		headers: r.headers.NewBuilder(),
		body:    r.body,
		tags:    tags,
	}
}

// HTTP converts the request to a net/http request bound to ctx. The body
// is opened once for the returned request.
func (r *Request) HTTP(ctx context.Context) (*http.Request, error) {
	var body io.ReadCloser
	contentLength := int64(0)
	if r.body != nil {
		rc, err := r.body.Open()
		if err != nil {
			return nil, err
		}
		body = rc
		contentLength = r.body.ContentLength()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url.String(), body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, err
	}
	req.Header = r.headers.HTTP()
	if host := r.headers.Get("Host"); host != "" {
		req.Host = host
	}
	req.ContentLength = contentLength
	if r.body != nil && contentLength < 0 {
		req.TransferEncoding = []string{"chunked"}
	}
	if r.body != nil && r.body.Replayable() {
		req.GetBody = r.body.Open
	}
	if strings.EqualFold(r.headers.Get("Connection"), "close") {
		req.Close = true
	}
	return req, nil
}

// RequestBuilder constructs Requests. Validation errors are collected and
// reported by Build.
type RequestBuilder struct {
	method  string
	url     *url.URL
	headers *HeadersBuilder
	body    RequestBody
	tags    map[any]any
	err     error
}

// NewRequestBuilder returns an empty builder defaulting to GET.
func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{
		method:  http.MethodGet,
		headers: &HeadersBuilder{},
		tags:    make(map[any]any),
	}
}

// URL sets the target URL. Only http and https are accepted.
func (b *RequestBuilder) URL(rawURL string) *RequestBuilder {
	u, err := url.Parse(rawURL)
	if err != nil {
		b.setErr(fmt.Errorf("httpclient: parse url: %w", err))
		return b
	}
	return b.ParsedURL(u)
}

// ParsedURL sets the target URL from an already parsed value.
func (b *RequestBuilder) ParsedURL(u *url.URL) *RequestBuilder {
	if u == nil {
		b.setErr(errors.New("httpclient: nil url"))
		return b
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		b.setErr(fmt.Errorf("httpclient: unsupported url scheme %q", u.Scheme))
		return b
	}
	if u.Host == "" {
		b.setErr(fmt.Errorf("httpclient: url %q has no host", u.String()))
		return b
	}
	cp := *u
	b.url = &cp
	return b
}

// Header sets a header, replacing previous values.
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.headers.Set(name, value)
	return b
}

// AddHeader appends a header value (see HeadersBuilder.Add).
func (b *RequestBuilder) AddHeader(name, value string) *RequestBuilder {
	b.headers.Add(name, value)
	return b
}

// RemoveHeader deletes every value of name.
func (b *RequestBuilder) RemoveHeader(name string) *RequestBuilder {
	b.headers.Del(name)
	return b
}

// Headers replaces the whole header set.
func (b *RequestBuilder) Headers(h Headers) *RequestBuilder {
	b.headers = h.NewBuilder()
	return b
}

// Method sets the method and body together. GET and HEAD requests may not
// carry a body; POST, PUT and PATCH must.
func (b *RequestBuilder) Method(method string, body RequestBody) *RequestBuilder {
	if method == "" {
		b.setErr(errors.New("httpclient: method is empty"))
		return b
	}
	if !httpguts.ValidHeaderFieldName(method) {
		b.setErr(fmt.Errorf("httpclient: invalid method %q", method))
		return b
	}
	if body != nil && !permitsRequestBody(method) {
		b.setErr(fmt.Errorf("httpclient: method %s must not have a request body", method))
		return b
	}
	if body == nil && requiresRequestBody(method) {
		b.setErr(fmt.Errorf("httpclient: method %s must have a request body", method))
		return b
	}
	b.method = method
	b.body = body
	return b
}

// Get sets method GET with no body.
func (b *RequestBuilder) Get() *RequestBuilder { return b.Method(http.MethodGet, nil) }

// Head sets method HEAD with no body.
func (b *RequestBuilder) Head() *RequestBuilder { return b.Method(http.MethodHead, nil) }

// Post sets method POST with body.
func (b *RequestBuilder) Post(body RequestBody) *RequestBuilder {
	return b.Method(http.MethodPost, body)
}

// Put sets method PUT with body.
func (b *RequestBuilder) Put(body RequestBody) *RequestBuilder {
	return b.Method(http.MethodPut, body)
}

// Patch sets method PATCH with body.
func (b *RequestBuilder) Patch(body RequestBody) *RequestBuilder {
	return b.Method(http.MethodPatch, body)
}

// Delete sets method DELETE with an optional body.
func (b *RequestBuilder) Delete(body RequestBody) *RequestBuilder {
	return b.Method(http.MethodDelete, body)
}

// Tag stores cross-stage metadata under key. A nil value removes the key.
func (b *RequestBuilder) Tag(key, value any) *RequestBuilder {
	if value == nil {
		delete(b.tags, key)
		return b
	}
	b.tags[key] = value
	return b
}

// Build validates the accumulated state and returns the Request.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.headers.Err(); err != nil {
		return nil, err
	}
	if b.url == nil {
		return nil, errors.New("httpclient: url is required")
	}
	tags := make(map[any]any, len(b.tags))
	for k, v := range b.tags {
		tags[k] = v
	}
	u := *b.url
	return &Request{
		method:  b.method,
		url:     &u,
		headers: b.headers.Build(),
		body:    b.body,
		tags:    tags,
	}, nil
}

func (b *RequestBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func permitsRequestBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

func requiresRequestBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, "PROPPATCH", "REPORT":
		return true
	default:
		return false
	}
}

// isIdempotent reports whether resending a request with method has no
// additional effect on the server.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}
