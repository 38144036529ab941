package httpclient

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Default dispatcher limits.
const (
	DefaultMaxConcurrentCalls        = 64
	DefaultMaxConcurrentCallsPerHost = 5
)

// Dispatcher bounds how many calls run at once and schedules enqueued calls
// on worker goroutines.
//
// Asynchronous calls are admitted while fewer than maxCalls of them run and
// fewer than maxPerHost calls run against their host. Others wait in a FIFO
// queue; whenever a call finishes, the queue is scanned in order and every
// call that now fits is started. Synchronous calls are never queued, but
// count toward the per-host limit.
//
// A Dispatcher may be shared by several clients with WithDispatcher.
type Dispatcher struct {
	logger  zerolog.Logger
	metrics *metrics
	attrs   []attribute.KeyValue

	mu           sync.Mutex
	maxCalls     int
	maxPerHost   int
	ready        []*Call
	runningAsync []*Call
	runningSync  []*Call
	perHost      map[string]int
	idleCallback func()
	closed       bool

	workers errgroup.Group
}

// NewDispatcher creates a dispatcher with the given limits.
// Non-positive limits fall back to the defaults (64 and 5).
func NewDispatcher(maxCalls, maxPerHost int) *Dispatcher {
	if maxCalls <= 0 {
		maxCalls = DefaultMaxConcurrentCalls
	}
	if maxPerHost <= 0 {
		maxPerHost = DefaultMaxConcurrentCallsPerHost
	}
	return &Dispatcher{
		logger:     zerolog.Nop(),
		maxCalls:   maxCalls,
		maxPerHost: maxPerHost,
		perHost:    make(map[string]int),
	}
}

// Configure changes the limits. Raising a limit immediately starts queued
// calls that now fit; lowering one never interrupts running calls.
func (d *Dispatcher) Configure(maxCalls, maxPerHost int) error {
	if maxCalls < 1 {
		return fmt.Errorf("httpclient: maxConcurrentCalls must be at least 1, got %d", maxCalls)
	}
	if maxPerHost < 1 {
		return fmt.Errorf("httpclient: maxConcurrentCallsPerHost must be at least 1, got %d", maxPerHost)
	}
	d.mu.Lock()
	d.maxCalls = maxCalls
	d.maxPerHost = maxPerHost
	d.mu.Unlock()
	d.promoteAndExecute()
	return nil
}

// MaxConcurrentCalls returns the global limit for asynchronous calls.
func (d *Dispatcher) MaxConcurrentCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxCalls
}

// MaxConcurrentCallsPerHost returns the per-host limit.
func (d *Dispatcher) MaxConcurrentCallsPerHost() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPerHost
}

// SetIdleCallback sets a function invoked each time the dispatcher becomes
// idle, i.e. when the number of running calls drops to zero.
func (d *Dispatcher) SetIdleCallback(fn func()) {
	d.mu.Lock()
	d.idleCallback = fn
	d.mu.Unlock()
}

// RunningCallsCount returns the number of running calls, sync and async.
func (d *Dispatcher) RunningCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsync) + len(d.runningSync)
}

// QueuedCallsCount returns the number of calls waiting to run.
func (d *Dispatcher) QueuedCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ready)
}

// RunningCalls returns a snapshot of the running calls.
func (d *Dispatcher) RunningCalls() []*Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := make([]*Call, 0, len(d.runningAsync)+len(d.runningSync))
	calls = append(calls, d.runningAsync...)
	return append(calls, d.runningSync...)
}

// QueuedCalls returns a snapshot of the queued calls in queue order.
func (d *Dispatcher) QueuedCalls() []*Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.ready)
}

// CancelAll cancels every queued and running call.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	calls := make([]*Call, 0, len(d.ready)+len(d.runningAsync)+len(d.runningSync))
	calls = append(calls, d.ready...)
	calls = append(calls, d.runningAsync...)
	calls = append(calls, d.runningSync...)
	d.mu.Unlock()

	for _, c := range calls {
		c.Cancel()
	}
}

// Shutdown stops admitting calls. Queued calls fail with ErrDispatcherClosed;
// running calls are left to finish. Shutdown waits for the async workers
// until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return d.wait(ctx)
	}
	d.closed = true
	rejected := d.ready
	d.ready = nil
	d.mu.Unlock()

	for _, c := range rejected {
		d.metrics.recordQueuedCall(ctx, -1, d.attrs)
		d.logger.Debug().
			Str("call_id", c.ID()).
			Str("host", c.host).
			Msg("rejecting queued call on shutdown")
		c.cancel()
		c.complete(nil, ErrDispatcherClosed)
	}
	return d.wait(ctx)
}

func (d *Dispatcher) wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- d.workers.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeSync runs c on the calling goroutine.
func (d *Dispatcher) executeSync(c *Call) (*Response, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		c.setState(callCompleted)
		c.cancel()
		return nil, ErrDispatcherClosed
	}
	d.runningSync = append(d.runningSync, c)
	d.perHost[c.host]++
	d.mu.Unlock()

	ctx := c.ctx
	d.metrics.recordActiveCall(ctx, 1, d.attrs)
	defer func() {
		d.metrics.recordActiveCall(ctx, -1, d.attrs)
		d.finished(c, false)
	}()
	return c.run()
}

// enqueueAsync queues c and starts it right away when capacity allows.
func (d *Dispatcher) enqueueAsync(c *Call) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		c.cancel()
		c.complete(nil, ErrDispatcherClosed)
		return
	}
	c.setState(callQueued)
	d.ready = append(d.ready, c)
	d.mu.Unlock()

	d.metrics.recordQueuedCall(c.ctx, 1, d.attrs)
	d.logger.Debug().
		Str("call_id", c.ID()).
		Str("host", c.host).
		Msg("call enqueued")
	d.promoteAndExecute()
}

// dequeue removes a queued call. It reports false when c was not queued.
func (d *Dispatcher) dequeue(c *Call) bool {
	d.mu.Lock()
	i := slices.Index(d.ready, c)
	if i < 0 {
		d.mu.Unlock()
		return false
	}
	d.ready = slices.Delete(d.ready, i, i+1)
	d.mu.Unlock()

	d.metrics.recordQueuedCall(c.ctx, -1, d.attrs)
	d.logger.Debug().
		Str("call_id", c.ID()).
		Str("host", c.host).
		Msg("queued call canceled")
	return true
}

// promoteAndExecute moves every queued call that fits the limits to the
// running set, in queue order, and starts it on a worker. It reports
// whether any call is running afterwards.
func (d *Dispatcher) promoteAndExecute() bool {
	d.mu.Lock()
	var promoted []*Call
	if !d.closed {
		remaining := make([]*Call, 0, len(d.ready))
		for i, c := range d.ready {
			if len(d.runningAsync) >= d.maxCalls {
				remaining = append(remaining, d.ready[i:]...)
				break
			}
			if d.perHost[c.host] >= d.maxPerHost {
				remaining = append(remaining, c)
				continue
			}
			d.runningAsync = append(d.runningAsync, c)
			d.perHost[c.host]++
			promoted = append(promoted, c)
		}
		d.ready = remaining
	}
	for _, c := range promoted {
		d.workers.Go(func() error {
			d.runAsync(c)
			return nil
		})
	}
	running := len(d.runningAsync)+len(d.runningSync) > 0
	d.mu.Unlock()

	for _, c := range promoted {
		d.metrics.recordQueuedCall(c.ctx, -1, d.attrs)
		d.logger.Debug().
			Str("call_id", c.ID()).
			Str("host", c.host).
			Msg("call promoted")
	}
	return running
}

// runAsync executes an admitted call and reports its outcome to the
// callback. A panicking interceptor fails the call instead of the process;
// run has already ended the call's span and context by then.
func (d *Dispatcher) runAsync(c *Call) {
	ctx := c.ctx
	d.metrics.recordActiveCall(ctx, 1, d.attrs)
	defer func() {
		d.metrics.recordActiveCall(ctx, -1, d.attrs)
		d.finished(c, true)
	}()

	resp, err := func() (resp *Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
			}
		}()
		return c.run()
	}()
	if err != nil && !errors.Is(err, ErrCanceled) {
		d.logger.Debug().
			Str("call_id", c.ID()).
			Str("host", c.host).
			Err(err).
			Msg("call failed")
	}
	c.complete(resp, err)
}

// finished releases c's slot, starts queued calls that now fit and runs
// the idle callback when nothing is left running.
func (d *Dispatcher) finished(c *Call, async bool) {
	d.mu.Lock()
	if async {
		d.runningAsync = removeCall(d.runningAsync, c)
	} else {
		d.runningSync = removeCall(d.runningSync, c)
	}
	if d.perHost[c.host]--; d.perHost[c.host] <= 0 {
		delete(d.perHost, c.host)
	}
	idle := d.idleCallback
	d.mu.Unlock()

	if !d.promoteAndExecute() && idle != nil {
		idle()
	}
}

func removeCall(calls []*Call, c *Call) []*Call {
	if i := slices.Index(calls, c); i >= 0 {
		return slices.Delete(calls, i, i+1)
	}
	return calls
}
