package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Callback receives the outcome of an enqueued call. Exactly one of its
// methods is invoked, exactly once, on a dispatcher worker goroutine.
//
// OnResponse owns the response and must close its body.
type Callback interface {
	OnResponse(call *Call, resp *Response)
	OnFailure(call *Call, err error)
}

// CallbackFuncs adapts two functions to Callback. A nil Response func
// closes the response; a nil Failure func ignores the error.
type CallbackFuncs struct {
	Response func(call *Call, resp *Response)
	Failure  func(call *Call, err error)
}

// OnResponse implements Callback.
func (f CallbackFuncs) OnResponse(call *Call, resp *Response) {
	if f.Response == nil {
		resp.Close()
		return
	}
	f.Response(call, resp)
}

// OnFailure implements Callback.
func (f CallbackFuncs) OnFailure(call *Call, err error) {
	if f.Failure != nil {
		f.Failure(call, err)
	}
}

type callState int32

const (
	callCreated callState = iota
	callQueued
	callRunning
	callCompleted
)

// Call is one execution of a request through the client's pipeline. A call
// is single-use: it runs either through Execute or through Enqueue, once.
// Use Clone to send the same request again.
type Call struct {
	id      string
	client  *Client
	request *Request
	host    string

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	executed  atomic.Bool
	canceled  atomic.Bool
	followUps atomic.Int32

	mu       sync.Mutex
	state    callState
	callback Callback
	deliver  sync.Once
}

func newCall(ctx context.Context, client *Client, req *Request) *Call {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithCancel(ctx)
	return &Call{
		id:      uuid.NewString(),
		client:  client,
		request: req,
		host:    AddressOf(req, nil).Host,
		parent:  ctx,
		ctx:     callCtx,
		cancel:  cancel,
	}
}

// ID returns a unique identifier, used in logs and spans.
func (c *Call) ID() string { return c.id }

// Request returns the request the call was created with. The request that
// produced the final response is Response.Request.
func (c *Call) Request() *Request { return c.request }

// FollowUps returns the number of redirects and retries made so far.
func (c *Call) FollowUps() int { return int(c.followUps.Load()) }

// IsExecuted reports whether Execute or Enqueue was called.
func (c *Call) IsExecuted() bool { return c.executed.Load() }

// IsCanceled reports whether Cancel was called.
func (c *Call) IsCanceled() bool { return c.canceled.Load() }

// Clone returns a new, unexecuted call for the same request and context.
func (c *Call) Clone() *Call {
	return newCall(c.parent, c.client, c.request)
}

// Execute runs the call on the calling goroutine and returns its response.
// The caller must close the response body. The call's context stays alive
// until the body is closed or read to the end.
func (c *Call) Execute() (*Response, error) {
	if !c.executed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyExecuted
	}
	return c.client.dispatcher.executeSync(c)
}

// Enqueue schedules the call on the dispatcher. cb is invoked once with the
// outcome. Enqueue returns an error only when the call was already executed;
// every other outcome, including a shut down dispatcher, goes to cb.
func (c *Call) Enqueue(cb Callback) error {
	if cb == nil {
		return errors.New("httpclient: nil callback")
	}
	if !c.executed.CompareAndSwap(false, true) {
		return ErrAlreadyExecuted
	}
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
	c.client.dispatcher.enqueueAsync(c)
	return nil
}

// Cancel stops the call. A queued call is removed from the dispatcher queue
// and fails with ErrCanceled without touching the network; a running call
// has its in-flight I/O aborted. Canceling a call that already produced its
// response does not affect that response.
func (c *Call) Cancel() {
	if !c.canceled.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == callCompleted {
		return
	}
	c.cancel()
	if state == callQueued && c.client.dispatcher.dequeue(c) {
		c.client.cfg.Metrics.recordCallError(c.ctx, ErrCanceled, c.client.attrs)
		c.complete(nil, ErrCanceled)
	}
}

func (c *Call) setState(s callState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// complete delivers the outcome of an async call to its callback, once.
func (c *Call) complete(resp *Response, err error) {
	c.deliver.Do(func() {
		c.setState(callCompleted)
		c.mu.Lock()
		cb := c.callback
		c.mu.Unlock()
		if err != nil {
			cb.OnFailure(c, err)
			return
		}
		cb.OnResponse(c, resp)
	})
}

// run executes the pipeline. It is called by the dispatcher once the call
// was admitted.
func (c *Call) run() (resp *Response, err error) {
	cl := c.client
	if c.canceled.Load() {
		c.setState(callCompleted)
		c.cancel()
		cl.cfg.Metrics.recordCallError(c.ctx, ErrCanceled, cl.attrs)
		return nil, ErrCanceled
	}
	c.setState(callRunning)

	start := time.Now()
	ctx := c.ctx
	stopTimeout := context.CancelFunc(func() {})
	if timeout := cl.cfg.httpConfig.CallTimeout; timeout > 0 {
		ctx, stopTimeout = context.WithTimeout(ctx, timeout)
	}
	release := func() {
		stopTimeout()
		c.cancel()
	}

	ctx, span := startCallSpan(ctx, cl.cfg.Tracer, c, cl.attrs)
	defer func() {
		if r := recover(); r != nil {
			c.setState(callCompleted)
			release()
			perr := panicError(r)
			endCallSpan(span, c, nil, perr)
			cl.cfg.Metrics.recordCallError(ctx, perr, cl.attrs)
			panic(r)
		}
	}()
	resp, err = newRealChain(ctx, c, cl.interceptors, c.request).Proceed(c.request)
	if err != nil && c.canceled.Load() && !errors.Is(err, ErrCanceled) {
		err = fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	c.setState(callCompleted)
	endCallSpan(span, c, resp, err)
	cl.cfg.Metrics.recordCallDuration(ctx, time.Since(start), cl.attrs)

	if err != nil {
		release()
		cl.cfg.Metrics.recordCallError(ctx, err, cl.attrs)
		return nil, err
	}

	body := resp.Body()
	return resp.NewBuilder().
		Body(NewResponseBody(body.ContentType(), body.ContentLength(), &callBody{rc: body, release: release})).
		Build()
}

// panicError describes a panic raised by an interceptor.
func panicError(r any) error {
	return fmt.Errorf("httpclient: interceptor panicked: %v", r)
}

// callBody ends the call's context once the final body is read to the end
// or closed.
type callBody struct {
	rc      io.ReadCloser
	release func()
	once    sync.Once
}

func (b *callBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil {
		b.once.Do(b.release)
	}
	return n, err
}

func (b *callBody) Close() error {
	err := b.rc.Close()
	b.once.Do(b.release)
	return err
}
