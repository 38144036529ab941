package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http/httptrace"
	"sync"
	"time"
)

// connectInterceptor acquires a connection for the request's address and
// hands it to the network stages. A connection nobody downstream took over
// is returned to the pool unused.
type connectInterceptor struct {
	pool      ConnectionPool
	tlsConfig *tls.Config
	timeout   time.Duration
}

func (i *connectInterceptor) Intercept(chain Chain) (*Response, error) {
	rc, ok := chain.(realChain)
	if !ok {
		return nil, errors.New("httpclient: connect stage requires the built-in chain")
	}
	req := chain.Request()
	ctx := chain.Context()
	addr := AddressOf(req, i.tlsConfig)
	nt := &networkTrace{}

	dialCtx, cancel := httptrace.WithClientTrace(ctx, nt.clientTrace()), context.CancelFunc(func() {})
	if i.timeout > 0 {
		dialCtx, cancel = context.WithTimeout(dialCtx, i.timeout)
	}
	conn, err := i.pool.Acquire(dialCtx, addr)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, newTransportError("connect", addr.Key(), err, true)
	}

	ex := &exchange{addr: addr, conn: conn, trace: nt}
	resp, err := rc.withExchange(ex).Proceed(req)
	if !ex.claimed.Load() {
		i.pool.Release(conn)
	}
	return resp, err
}

// callServerInterceptor is the terminal stage. It performs the exchange
// over the acquired connection and ties the connection's return to the
// pool to the response body.
type callServerInterceptor struct {
	pool      ConnectionPool
	exchanger Exchanger
}

func (i *callServerInterceptor) Intercept(chain Chain) (*Response, error) {
	rc, ok := chain.(realChain)
	if !ok || rc.exchange == nil {
		return nil, errors.New("httpclient: call server stage requires a connection")
	}
	ex := rc.exchange
	ex.claimed.Store(true)
	ctx := chain.Context()

	resp, reusable, err := i.exchanger.Exchange(ctx, ex.conn, chain.Request())
	if err != nil {
		i.pool.Discard(ex.conn)
		return nil, err
	}

	body := &releasingBody{
		rc: resp.Body(),
		done: func(complete bool) {
			if complete && reusable && ctx.Err() == nil {
				i.pool.Release(ex.conn)
				return
			}
			i.pool.Discard(ex.conn)
		},
	}
	if resp.Body().ContentLength() == 0 {
		body.finish(drainEmpty(resp.Body()))
		return resp.NewBuilder().
			Body(NewResponseBody(resp.Body().ContentType(), 0, nil)).
			Build()
	}
	return resp.NewBuilder().
		Body(NewResponseBody(resp.Body().ContentType(), resp.Body().ContentLength(), body)).
		Build()
}

// drainEmpty reads a body that declares no content and reports whether it
// ended cleanly.
func drainEmpty(b *ResponseBody) bool {
	_, err := b.Bytes()
	return err == nil
}

// releasingBody calls done exactly once, with complete set when the body
// was read to EOF before being closed.
type releasingBody struct {
	rc   io.ReadCloser
	done func(complete bool)

	once sync.Once
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.rc.Close()
		b.finish(true)
	} else if err != nil {
		b.rc.Close()
		b.finish(false)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.rc.Close()
	b.finish(false)
	return err
}

func (b *releasingBody) finish(complete bool) {
	b.once.Do(func() { b.done(complete) })
}
