package httpclient

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherCollector_Dispatcher(t *testing.T) {
	network := newBlockingNetwork()
	d := NewDispatcher(2, 1)
	client := newDispatcherClient(t, network, d)
	collector := NewDispatcherCollector(d, WithCollectorLabels(prometheus.Labels{"client": "orders"}))

	results := make(chan callResult, 3)
	for range 3 {
		enqueue(t, client, "http://api.example/", results)
	}
	require.Eventually(t, func() bool { return network.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	expected := `
# HELP httpclient_dispatcher_max_calls Maximum number of concurrent asynchronous calls.
# TYPE httpclient_dispatcher_max_calls gauge
httpclient_dispatcher_max_calls{client="orders"} 2
# HELP httpclient_dispatcher_max_calls_per_host Maximum number of concurrent calls per host.
# TYPE httpclient_dispatcher_max_calls_per_host gauge
httpclient_dispatcher_max_calls_per_host{client="orders"} 1
# HELP httpclient_dispatcher_queued_calls Number of calls waiting for a free slot.
# TYPE httpclient_dispatcher_queued_calls gauge
httpclient_dispatcher_queued_calls{client="orders"} 2
# HELP httpclient_dispatcher_running_calls Number of calls currently running.
# TYPE httpclient_dispatcher_running_calls gauge
httpclient_dispatcher_running_calls{client="orders"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))

	network.open()
	awaitResults(t, results, 3)
	require.Eventually(t, func() bool { return d.RunningCallsCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.QueuedCallsCount())
}

func TestDispatcherCollector_Pool(t *testing.T) {
	api := newTestAPI(t)
	client, pool := newTestClient(t)
	collector := NewDispatcherCollector(client.Dispatcher(),
		WithCollectorNamespace("relay"),
		WithCollectorPool(client.Pool()),
	)
	for range 2 {
		resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, api.URL+"/users/1"))
		require.NoError(t, err)
		_, err = resp.Body().Bytes()
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), pool.Stats().Dialed)

	expected := `
# HELP relay_pool_active_connections Number of connections currently handed out.
# TYPE relay_pool_active_connections gauge
relay_pool_active_connections 0
# HELP relay_pool_dialed_connections_total Connections opened since the pool was created.
# TYPE relay_pool_dialed_connections_total counter
relay_pool_dialed_connections_total 1
# HELP relay_pool_idle_connections Number of idle connections kept for reuse.
# TYPE relay_pool_idle_connections gauge
relay_pool_idle_connections 1
# HELP relay_pool_reused_connections_total Acquisitions served by an idle connection.
# TYPE relay_pool_reused_connections_total counter
relay_pool_reused_connections_total 1
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"relay_pool_active_connections",
		"relay_pool_dialed_connections_total",
		"relay_pool_idle_connections",
		"relay_pool_reused_connections_total",
	))
	assert.Equal(t, 8, testutil.CollectAndCount(collector))
}

func TestDispatcherCollector_MockPoolIgnored(t *testing.T) {
	client := New(WithMockNetwork(NewMockNetwork()))
	collector := NewDispatcherCollector(client.Dispatcher(), WithCollectorPool(client.Pool()))

	assert.Equal(t, 4, testutil.CollectAndCount(collector))

	reg := prometheus.NewPedanticRegistry()
	assert.NoError(t, reg.Register(collector))
}
