package httpclient

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is sent when a request has no User-Agent header.
const DefaultUserAgent = "relay-go/1.0"

// bridgeInterceptor turns a caller's request into one that is complete on
// the wire. It only fills in headers that are absent; anything the caller
// set is sent as-is.
type bridgeInterceptor struct {
	jar       http.CookieJar
	userAgent string
}

func (i *bridgeInterceptor) Intercept(chain Chain) (*Response, error) {
	userReq := chain.Request()
	networkReq, err := i.bridge(userReq)
	if err != nil {
		return nil, err
	}

	resp, err := chain.Proceed(networkReq)
	if err != nil {
		return nil, err
	}

	if i.jar != nil {
		if cookies := readSetCookies(resp.Headers()); len(cookies) > 0 {
			i.jar.SetCookies(networkReq.URL(), cookies)
		}
	}
	return resp, nil
}

// bridge derives the network request. It reads the jar but holds no state
// of its own.
func (i *bridgeInterceptor) bridge(req *Request) (*Request, error) {
	h := req.Headers()
	b := req.NewBuilder()

	if body := req.Body(); body != nil {
		if ct := body.ContentType(); ct != "" && !h.Has("Content-Type") {
			b.Header("Content-Type", ct)
		}
		if length := body.ContentLength(); length >= 0 {
			if !h.Has("Content-Length") {
				b.Header("Content-Length", strconv.FormatInt(length, 10))
			}
		} else if !h.Has("Transfer-Encoding") {
			b.Header("Transfer-Encoding", "chunked")
		}
	}

	if !h.Has("Host") {
		b.Header("Host", hostHeader(req.url))
	}
	if !h.Has("Connection") {
		b.Header("Connection", "Keep-Alive")
	}
	if i.jar != nil && !h.Has("Cookie") {
		if cookies := i.jar.Cookies(req.url); len(cookies) > 0 {
			b.Header("Cookie", cookieHeader(cookies))
		}
	}
	if !h.Has("User-Agent") {
		b.Header("User-Agent", i.userAgent)
	}
	return b.Build()
}

// hostHeader returns the ASCII host, with the port when it is not the
// scheme's default.
func hostHeader(u *url.URL) string {
	host := u.Hostname()
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	port := u.Port()
	if port == "" || port == strconv.Itoa(defaultPort(u.Scheme)) {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func readSetCookies(h Headers) []*http.Cookie {
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return nil
	}
	resp := http.Response{Header: http.Header{"Set-Cookie": values}}
	return resp.Cookies()
}

// NewCookieJar returns an in-memory jar that honors the public suffix list.
func NewCookieJar() http.CookieJar {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}
