package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// blockingNetwork holds every exchange until open is called and tracks how
// many exchanges were in flight at once.
type blockingNetwork struct {
	*MockNetwork
	release     chan struct{}
	once        sync.Once
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu    sync.Mutex
	paths []string
}

func newBlockingNetwork() *blockingNetwork {
	b := &blockingNetwork{
		MockNetwork: NewMockNetwork().StubResponse(http.StatusOK, "ok"),
		release:     make(chan struct{}),
	}
	b.OnRequest(func(req *Request) {
		b.mu.Lock()
		b.paths = append(b.paths, req.URL().Path)
		b.mu.Unlock()

		n := b.inFlight.Add(1)
		for {
			m := b.maxInFlight.Load()
			if n <= m || b.maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		<-b.release
		b.inFlight.Add(-1)
	})
	return b
}

func (b *blockingNetwork) open() { b.once.Do(func() { close(b.release) }) }

func (b *blockingNetwork) seenPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

type callResult struct {
	call   *Call
	status int
	err    error
}

// collect returns a callback that closes responses and reports outcomes on
// results.
func collect(results chan<- callResult) Callback {
	return CallbackFuncs{
		Response: func(call *Call, resp *Response) {
			resp.Close()
			results <- callResult{call: call, status: resp.StatusCode()}
		},
		Failure: func(call *Call, err error) {
			results <- callResult{call: call, err: err}
		},
	}
}

func newDispatcherClient(t *testing.T, network *blockingNetwork, d *Dispatcher, opts ...Option) *Client {
	t.Helper()
	t.Cleanup(network.open)
	return New(append([]Option{WithMockNetwork(network.MockNetwork), WithDispatcher(d)}, opts...)...)
}

func enqueue(t *testing.T, client *Client, rawURL string, results chan<- callResult) *Call {
	t.Helper()
	call := client.NewCall(context.Background(), testRequest(t, http.MethodGet, rawURL))
	require.NoError(t, call.Enqueue(collect(results)))
	return call
}

func awaitResults(t *testing.T, results <-chan callResult, n int) []callResult {
	t.Helper()
	got := make([]callResult, 0, n)
	for range n {
		select {
		case r := <-results:
			got = append(got, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d results", len(got), n)
		}
	}
	return got
}

func TestDispatcher_NewDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(0, -1)

	assert.Equal(t, DefaultMaxConcurrentCalls, d.MaxConcurrentCalls())
	assert.Equal(t, DefaultMaxConcurrentCallsPerHost, d.MaxConcurrentCallsPerHost())
}

func TestDispatcher_Limits(t *testing.T) {
	tests := []struct {
		name        string
		maxCalls    int
		maxPerHost  int
		urls        []string
		wantRunning int
	}{
		{
			name:        "given one host, then runs at most the per-host limit",
			maxCalls:    64,
			maxPerHost:  2,
			urls:        []string{"http://a.example/1", "http://a.example/2", "http://a.example/3", "http://a.example/4", "http://a.example/5", "http://a.example/6"},
			wantRunning: 2,
		},
		{
			name:        "given many hosts, then runs at most the global limit",
			maxCalls:    3,
			maxPerHost:  5,
			urls:        []string{"http://a.example/", "http://b.example/", "http://c.example/", "http://d.example/", "http://e.example/"},
			wantRunning: 3,
		},
		{
			name:        "given two hosts, then each gets its own per-host budget",
			maxCalls:    64,
			maxPerHost:  1,
			urls:        []string{"http://a.example/1", "http://a.example/2", "http://b.example/1", "http://b.example/2"},
			wantRunning: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := newBlockingNetwork()
			d := NewDispatcher(tt.maxCalls, tt.maxPerHost)
			client := newDispatcherClient(t, network, d)
			results := make(chan callResult, len(tt.urls))

			for _, u := range tt.urls {
				enqueue(t, client, u, results)
			}

			require.Eventually(t, func() bool {
				return int(network.inFlight.Load()) == tt.wantRunning
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.wantRunning, d.RunningCallsCount())
			assert.Equal(t, len(tt.urls)-tt.wantRunning, d.QueuedCallsCount())

			network.open()
			for _, r := range awaitResults(t, results, len(tt.urls)) {
				require.NoError(t, r.err)
				assert.Equal(t, http.StatusOK, r.status)
			}
			assert.Equal(t, int32(tt.wantRunning), network.maxInFlight.Load())
			require.NoError(t, d.Shutdown(context.Background()))
			assert.Zero(t, d.RunningCallsCount())
		})
	}
}

func TestDispatcher_FIFO(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d)
	results := make(chan callResult, 4)

	for n := range 4 {
		enqueue(t, client, fmt.Sprintf("http://a.example/%d", n), results)
	}
	network.open()
	awaitResults(t, results, 4)

	assert.Equal(t, []string{"/0", "/1", "/2", "/3"}, network.seenPaths())
}

func TestDispatcher_CancelQueuedCall(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d)
	results := make(chan callResult, 2)

	enqueue(t, client, "http://a.example/running", results)
	queued := enqueue(t, client, "http://a.example/queued", results)
	require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []*Call{queued}, d.QueuedCalls())

	queued.Cancel()

	first := awaitResults(t, results, 1)[0]
	assert.Same(t, queued, first.call)
	assert.ErrorIs(t, first.err, ErrCanceled)
	assert.Equal(t, KindCanceled, KindOf(first.err))
	assert.True(t, queued.IsCanceled())
	assert.Zero(t, d.QueuedCallsCount())

	network.open()
	second := awaitResults(t, results, 1)[0]
	require.NoError(t, second.err)
	assert.Equal(t, []string{"/running"}, network.seenPaths())
}

func TestDispatcher_Configure(t *testing.T) {
	t.Run("given invalid limits, then returns an error", func(t *testing.T) {
		d := NewDispatcher(4, 2)

		assert.Error(t, d.Configure(0, 1))
		assert.Error(t, d.Configure(1, 0))
		assert.Equal(t, 4, d.MaxConcurrentCalls())
		assert.Equal(t, 2, d.MaxConcurrentCallsPerHost())
	})

	t.Run("given a raised limit, then starts queued calls", func(t *testing.T) {
		network := newBlockingNetwork()
		d := NewDispatcher(1, 1)
		client := newDispatcherClient(t, network, d)
		results := make(chan callResult, 3)
		for n := range 3 {
			enqueue(t, client, fmt.Sprintf("http://a.example/%d", n), results)
		}
		require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, d.Configure(3, 3))

		require.Eventually(t, func() bool { return network.inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, d.QueuedCallsCount())
		network.open()
		awaitResults(t, results, 3)
	})
}

func TestDispatcher_SyncCallsCountPerHost(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(64, 1)
	client := newDispatcherClient(t, network, d)
	results := make(chan callResult, 1)

	syncDone := make(chan error, 1)
	go func() {
		resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://a.example/sync"))
		if err == nil {
			resp.Close()
		}
		syncDone <- err
	}()
	require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	enqueue(t, client, "http://a.example/async", results)

	assert.Equal(t, 1, d.QueuedCallsCount())
	assert.Equal(t, 1, d.RunningCallsCount())

	network.open()
	require.NoError(t, <-syncDone)
	r := awaitResults(t, results, 1)[0]
	require.NoError(t, r.err)
}

func TestDispatcher_SyncCallsAreNeverQueued(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for n := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, fmt.Sprintf("http://a.example/%d", n)))
			if err == nil {
				resp.Close()
			}
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return network.inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.QueuedCallsCount())
	network.open()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestDispatcher_IdleCallback(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(2, 2)
	client := newDispatcherClient(t, network, d)
	var idle atomic.Int32
	d.SetIdleCallback(func() { idle.Add(1) })
	results := make(chan callResult, 3)

	for n := range 3 {
		enqueue(t, client, fmt.Sprintf("http://a.example/%d", n), results)
	}
	network.open()
	awaitResults(t, results, 3)

	require.Eventually(t, func() bool { return idle.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.RunningCallsCount())
}

func TestDispatcher_CallbackRunsBeforeSlotIsReleased(t *testing.T) {
	network := newBlockingNetwork()
	network.open()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d)

	running := make(chan int, 1)
	call := client.NewCall(context.Background(), testRequest(t, http.MethodGet, "http://a.example/"))
	require.NoError(t, call.Enqueue(CallbackFuncs{
		Response: func(_ *Call, resp *Response) {
			resp.Close()
			running <- d.RunningCallsCount()
		},
	}))

	select {
	case n := <-running:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestDispatcher_Shutdown(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d)
	results := make(chan callResult, 3)

	enqueue(t, client, "http://a.example/running", results)
	queued := enqueue(t, client, "http://a.example/queued", results)
	require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- d.Shutdown(context.Background()) }()

	rejected := awaitResults(t, results, 1)[0]
	assert.Same(t, queued, rejected.call)
	assert.ErrorIs(t, rejected.err, ErrDispatcherClosed)

	network.open()
	finished := awaitResults(t, results, 1)[0]
	require.NoError(t, finished.err)
	require.NoError(t, <-shutdownDone)

	t.Run("given a closed dispatcher, then Execute fails and ends the call context", func(t *testing.T) {
		call := client.NewCall(context.Background(), testRequest(t, http.MethodGet, "http://a.example/late"))

		_, err := call.Execute()

		assert.ErrorIs(t, err, ErrDispatcherClosed)
		assert.Equal(t, KindPolicy, KindOf(err))
		assert.ErrorIs(t, call.ctx.Err(), context.Canceled)
	})

	t.Run("given a closed dispatcher, then Enqueue reports to the callback", func(t *testing.T) {
		call := enqueue(t, client, "http://a.example/late", results)
		r := awaitResults(t, results, 1)[0]
		assert.ErrorIs(t, r.err, ErrDispatcherClosed)
		assert.ErrorIs(t, call.ctx.Err(), context.Canceled)
	})

	t.Run("given a second shutdown, then returns immediately", func(t *testing.T) {
		assert.NoError(t, d.Shutdown(context.Background()))
	})
}

func TestDispatcher_ShutdownTimeout(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d)
	results := make(chan callResult, 1)
	enqueue(t, client, "http://a.example/", results)
	require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)
	network.open()
	awaitResults(t, results, 1)
}

func TestDispatcher_CancelAll(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d)
	results := make(chan callResult, 3)
	for n := range 3 {
		enqueue(t, client, fmt.Sprintf("http://a.example/%d", n), results)
	}
	require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.CancelAll()
	network.open()

	for _, r := range awaitResults(t, results, 3) {
		assert.Equal(t, KindCanceled, KindOf(r.err), "call %s", r.call.Request().URL().Path)
		assert.True(t, r.call.IsCanceled())
	}
	assert.Equal(t, []string{"/0"}, network.seenPaths())
}

func TestDispatcher_PanicFailsCall(t *testing.T) {
	network := newBlockingNetwork()
	network.open()
	d := NewDispatcher(1, 1)
	client := newDispatcherClient(t, network, d, WithInterceptors(InterceptorFunc(func(Chain) (*Response, error) {
		panic("interceptor bug")
	})))
	results := make(chan callResult, 2)

	enqueue(t, client, "http://a.example/", results)
	r := awaitResults(t, results, 1)[0]

	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "interceptor bug")

	// The slot was released, so the next call is admitted.
	enqueue(t, client, "http://a.example/", results)
	assert.Error(t, awaitResults(t, results, 1)[0].err)
}

func TestDispatcher_PanicEndsCallSpanAndContext(t *testing.T) {
	sr, tp := newSpanRecorder(t)
	network := newBlockingNetwork()
	network.open()
	client := newDispatcherClient(t, network, NewDispatcher(1, 1),
		WithTracerProvider(tp),
		WithInterceptors(InterceptorFunc(func(Chain) (*Response, error) {
			panic("interceptor bug")
		})),
	)
	results := make(chan callResult, 1)

	call := enqueue(t, client, "http://a.example/", results)
	r := awaitResults(t, results, 1)[0]

	require.Error(t, r.err)
	assert.ErrorIs(t, call.ctx.Err(), context.Canceled)
	spans := spansOfKind(sr.Ended(), trace.SpanKindInternal)
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Status().Description, "interceptor bug")
}

func TestDispatcher_SharedBetweenClients(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(64, 1)
	first := newDispatcherClient(t, network, d)
	second := newDispatcherClient(t, network, d)
	results := make(chan callResult, 2)

	enqueue(t, first, "http://a.example/1", results)
	enqueue(t, second, "http://a.example/2", results)
	require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, d.QueuedCallsCount())
	assert.Same(t, d, first.Dispatcher())
	network.open()
	awaitResults(t, results, 2)
}
