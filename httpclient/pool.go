package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http/httptrace"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Acquire after the pool was closed.
var ErrPoolClosed = errors.New("httpclient: connection pool is closed")

// =============================================================================
// Pool Stats Types
// =============================================================================

// PoolStats provides a snapshot of connection pool state and configuration.
//
// Example usage:
//
//	pool := httpclient.NewNetPool(httpclient.DefaultConfig())
//	client := httpclient.New(httpclient.WithConnectionPool(pool))
//
//	stats := pool.Stats()
//	fmt.Printf("Idle conns: %d\n", stats.IdleConns)
//	fmt.Printf("Reused: %d of %d acquisitions\n", stats.Reused, stats.Reused+stats.Dialed)
type PoolStats struct {
	// IdleConns is the number of connections waiting for reuse.
	IdleConns int

	// ActiveConns is the number of connections currently handed out.
	ActiveConns int

	// Dialed counts connections opened since the pool was created.
	Dialed int64

	// Reused counts acquisitions served by an idle connection.
	Reused int64

	// MaxIdleConnsPerHost is the maximum idle connections kept per address.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept before closing.
	// Zero means connections are kept indefinitely.
	IdleConnTimeout time.Duration
}

// =============================================================================
// NetPool
// =============================================================================

// NetPool is the default ConnectionPool. It dials TCP (and TLS) connections
// with a net.Dialer and keeps released connections idle per address, most
// recently used first.
type NetPool struct {
	dialer              *net.Dialer
	tlsHandshakeTimeout time.Duration
	maxIdlePerHost      int
	idleTimeout         time.Duration
	readBufferSize      int
	writeBufferSize     int
	now                 func() time.Time

	mu     sync.Mutex
	idle   map[string][]*netConn
	active int
	dialed int64
	reused int64
	closed bool
}

// NewNetPool creates a pool sized and timed by cfg.
func NewNetPool(cfg Config) *NetPool {
	return &NetPool{
		dialer: &net.Dialer{
			Timeout:       cfg.DialTimeout,
			KeepAlive:     cfg.KeepAlive,
			FallbackDelay: cfg.FallbackDelay,
		},
		tlsHandshakeTimeout: cfg.TLSHandshakeTimeout,
		maxIdlePerHost:      cfg.MaxIdleConnsPerHost,
		idleTimeout:         cfg.IdleConnTimeout,
		readBufferSize:      cfg.ReadBufferSize,
		writeBufferSize:     cfg.WriteBufferSize,
		now:                 time.Now,
		idle:                make(map[string][]*netConn),
	}
}

// Acquire returns an idle connection to addr or dials a new one. Hooks of an
// httptrace.ClientTrace carried by ctx are invoked as in net/http.
func (p *NetPool) Acquire(ctx context.Context, addr Address) (Connection, error) {
	ct := httptrace.ContextClientTrace(ctx)
	if ct != nil && ct.GetConn != nil {
		ct.GetConn(addr.HostPort())
	}
	if conn, err := p.takeIdle(addr); conn != nil || err != nil {
		if conn != nil && ct != nil && ct.GotConn != nil {
			nc := conn.(*netConn)
			ct.GotConn(httptrace.GotConnInfo{
				Conn:     nc.Conn,
				Reused:   true,
				WasIdle:  true,
				IdleTime: p.now().Sub(nc.idleSince),
			})
		}
		return conn, err
	}

	if ct != nil && ct.ConnectStart != nil {
		ct.ConnectStart("tcp", addr.HostPort())
	}
	raw, err := p.dialer.DialContext(ctx, "tcp", addr.HostPort())
	if ct != nil && ct.ConnectDone != nil {
		ct.ConnectDone("tcp", addr.HostPort(), err)
	}
	if err != nil {
		return nil, err
	}
	if addr.TLS != nil {
		raw, err = p.handshake(ctx, ct, raw, addr.TLS)
		if err != nil {
			return nil, err
		}
	}
	if ct != nil && ct.GotConn != nil {
		ct.GotConn(httptrace.GotConnInfo{Conn: raw})
	}

	conn := &netConn{
		Conn: raw,
		addr: addr,
		br:   bufio.NewReaderSize(raw, bufferSize(p.readBufferSize)),
		bw:   bufio.NewWriterSize(raw, bufferSize(p.writeBufferSize)),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		raw.Close()
		return nil, ErrPoolClosed
	}
	p.active++
	p.dialed++
	return conn, nil
}

func (p *NetPool) takeIdle(addr Address) (Connection, error) {
	var expired []*netConn
	defer func() {
		for _, c := range expired {
			c.Close()
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	key := addr.Key()
	conns := p.idle[key]
	for len(conns) > 0 {
		c := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if p.idleTimeout > 0 && p.now().Sub(c.idleSince) > p.idleTimeout {
			expired = append(expired, c)
			continue
		}
		p.setIdle(key, conns)
		p.active++
		p.reused++
		return c, nil
	}
	p.setIdle(key, conns)
	return nil, nil
}

func (p *NetPool) setIdle(key string, conns []*netConn) {
	if len(conns) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = conns
}

func (p *NetPool) handshake(
	ctx context.Context,
	ct *httptrace.ClientTrace,
	raw net.Conn,
	cfg *tls.Config,
) (net.Conn, error) {
	if p.tlsHandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.tlsHandshakeTimeout)
		defer cancel()
	}
	if ct != nil && ct.TLSHandshakeStart != nil {
		ct.TLSHandshakeStart()
	}
	tlsConn := tls.Client(raw, cfg)
	err := tlsConn.HandshakeContext(ctx)
	if ct != nil && ct.TLSHandshakeDone != nil {
		ct.TLSHandshakeDone(tlsConn.ConnectionState(), err)
	}
	if err != nil {
		raw.Close()
		return nil, err
	}
	return tlsConn, nil
}

// Release returns conn to the idle set. Connections over the per-host idle
// limit, or released after Close, are closed instead.
func (p *NetPool) Release(conn Connection) {
	c, ok := conn.(*netConn)
	if !ok {
		conn.Close()
		return
	}
	_ = c.SetDeadline(time.Time{})

	p.mu.Lock()
	p.active--
	key := c.addr.Key()
	if p.closed || (p.maxIdlePerHost > 0 && len(p.idle[key]) >= p.maxIdlePerHost) {
		p.mu.Unlock()
		c.Close()
		return
	}
	c.idleSince = p.now()
	p.idle[key] = append(p.idle[key], c)
	p.mu.Unlock()
}

// Discard closes conn without returning it to the pool.
func (p *NetPool) Discard(conn Connection) {
	if _, ok := conn.(*netConn); ok {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
	conn.Close()
}

// Stats returns a snapshot of the pool.
func (p *NetPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, conns := range p.idle {
		idle += len(conns)
	}
	return PoolStats{
		IdleConns:           idle,
		ActiveConns:         p.active,
		Dialed:              p.dialed,
		Reused:              p.reused,
		MaxIdleConnsPerHost: p.maxIdlePerHost,
		IdleConnTimeout:     p.idleTimeout,
	}
}

// Close closes every idle connection. Connections handed out are closed when
// they are released.
func (p *NetPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]*netConn)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, conns := range idle {
		for _, c := range conns {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func bufferSize(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

// netConn is a pooled net.Conn with its buffered reader and writer.
type netConn struct {
	net.Conn
	addr      Address
	br        *bufio.Reader
	bw        *bufio.Writer
	idleSince time.Time
}

func (c *netConn) Address() Address      { return c.addr }
func (c *netConn) Reader() *bufio.Reader { return c.br }
func (c *netConn) Writer() *bufio.Writer { return c.bw }
