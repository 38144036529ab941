package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Address identifies the origin a connection is made to.
type Address struct {
	Scheme string
	Host   string // ASCII (punycode) host name or IP literal
	Port   int
	TLS    *tls.Config // nil for cleartext
}

// AddressOf returns the address req must be sent to. Internationalized host
// names are converted to their ASCII form.
func AddressOf(req *Request, tlsConfig *tls.Config) Address {
	return addressOfURL(req.url, tlsConfig)
}

func addressOfURL(u *url.URL, tlsConfig *tls.Config) Address {
	host := u.Hostname()
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	port := defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	addr := Address{Scheme: u.Scheme, Host: strings.ToLower(host), Port: port}
	if u.Scheme == "https" {
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsConfig = tlsConfig.Clone()
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = host
		}
		addr.TLS = tlsConfig
	}
	return addr
}

// HostPort returns "host:port" suitable for net.Dial.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Key identifies connections that may be shared between requests.
func (a Address) Key() string {
	return a.Scheme + "://" + a.HostPort()
}

// String implements fmt.Stringer.
func (a Address) String() string { return a.Key() }

// Matches reports whether req targets the same scheme, host and port.
func (a Address) Matches(req *Request) bool {
	other := AddressOf(req, nil)
	return a.Scheme == other.Scheme && a.Host == other.Host && a.Port == other.Port
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Connection is a transport connection handed out by a ConnectionPool.
// Reader and Writer are buffered views over the same stream.
type Connection interface {
	Address() Address
	Reader() *bufio.Reader
	Writer() *bufio.Writer
	SetDeadline(t time.Time) error
	Close() error
}

// ConnectionPool hands out connections and takes them back.
//
// Implementations must be safe for concurrent use. Release returns a healthy
// connection for reuse; Discard closes a connection that must not be reused.
type ConnectionPool interface {
	Acquire(ctx context.Context, addr Address) (Connection, error)
	Release(conn Connection)
	Discard(conn Connection)
}

// Exchanger writes a request over a connection and reads back the response
// head. The returned response body streams from the connection.
//
// reusable reports whether the connection can serve another request once the
// body was fully read.
type Exchanger interface {
	Exchange(ctx context.Context, conn Connection, req *Request) (resp *Response, reusable bool, err error)
}
