package httpclient

import (
	"context"
	"sync/atomic"
)

// Chain is the remainder of the pipeline as seen by one interceptor.
//
// Proceed hands req to the next stage and returns its response. An
// interceptor calls Proceed at most once per chain value it receives. The
// built-in follow-up stage is the only stage that runs the rest of the
// pipeline more than once, each time on a fresh chain value.
type Chain interface {
	// Request returns the request as rewritten by every earlier stage.
	Request() *Request

	// Context returns the context bound to this pass through the pipeline.
	Context() context.Context

	// Call returns the call being executed.
	Call() *Call

	// Connection returns the connection the request will be sent over. It
	// is nil for stages that run before the connect stage.
	Connection() Connection

	// WithContext returns a chain that runs the remaining stages under ctx.
	// The returned chain shares the Proceed budget of the receiver.
	WithContext(ctx context.Context) Chain

	// Proceed runs the remaining stages with req.
	Proceed(req *Request) (*Response, error)
}

// realChain is the only Chain implementation. It is a value: advancing the
// pipeline builds a new realChain with the next index instead of mutating
// the current one.
type realChain struct {
	call         *Call
	interceptors []Interceptor
	index        int
	request      *Request
	ctx          context.Context
	exchange     *exchange

	// proceeds counts Proceed calls made on this chain value.
	proceeds *atomic.Int32
}

// exchange is the per-attempt connection state created by the connect
// stage and handed down to the network stages.
type exchange struct {
	addr  Address
	conn  Connection
	trace *networkTrace

	// claimed is set once a stage downstream takes over the connection's
	// lifecycle, for example by attaching it to a response body.
	claimed atomic.Bool
}

func newRealChain(ctx context.Context, call *Call, interceptors []Interceptor, req *Request) realChain {
	return realChain{
		call:         call,
		interceptors: interceptors,
		request:      req,
		ctx:          ctx,
		proceeds:     new(atomic.Int32),
	}
}

func (c realChain) Request() *Request        { return c.request }
func (c realChain) Context() context.Context { return c.ctx }
func (c realChain) Call() *Call              { return c.call }

func (c realChain) WithContext(ctx context.Context) Chain {
	c.ctx = ctx
	return c
}

func (c realChain) Connection() Connection {
	if c.exchange == nil {
		return nil
	}
	return c.exchange.conn
}

// fork returns a copy of c with its own Proceed budget.
func (c realChain) fork() realChain {
	c.proceeds = new(atomic.Int32)
	return c
}

// withExchange returns a chain for the stages that run after a connection
// was acquired.
func (c realChain) withExchange(ex *exchange) realChain {
	c.exchange = ex
	return c
}

func (c realChain) Proceed(req *Request) (*Response, error) {
	if c.index >= len(c.interceptors) {
		return nil, ErrChainExhausted
	}
	if c.proceeds.Add(1) > 1 {
		return nil, ErrProceedTwice
	}
	if req == nil {
		req = c.request
	}
	if c.exchange != nil && !c.exchange.addr.Matches(req) {
		return nil, ErrAddressChanged
	}
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}

	next := c
	next.index = c.index + 1
	next.request = req
	next.proceeds = new(atomic.Int32)

	interceptor := c.interceptors[c.index]
	resp, err := interceptor.Intercept(next)
	if err != nil {
		return nil, err
	}

	// Stages after connect, except the terminal one, must pass control on
	// exactly once.
	if c.exchange != nil && next.index < len(c.interceptors) && next.proceeds.Load() != 1 {
		if resp != nil {
			resp.Body().Close()
		}
		return nil, ErrProceedNotCalled
	}
	if resp == nil {
		return nil, ErrNilResponse
	}
	return resp, nil
}
