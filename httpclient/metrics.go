package httpclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for calls, attempts and the
// dispatcher. Every record method is safe to call on a nil *metrics.
type metrics struct {
	// === Call Metrics ===

	// callDuration measures a call end to end, including follow-ups.
	callDuration metric.Float64Histogram

	// callErrors counts failed calls by error kind. Canceled calls are
	// counted by callCanceled instead.
	callErrors metric.Int64Counter

	// callCanceled counts calls that ended because they were canceled.
	callCanceled metric.Int64Counter

	// === Attempt Metrics ===

	// requestDuration measures one physical attempt up to the response head.
	requestDuration metric.Float64Histogram

	// requestBodySize measures request bodies with a known length.
	requestBodySize metric.Int64Histogram

	// connectionDuration measures time to acquire a connection.
	connectionDuration metric.Float64Histogram

	// === Follow-up Metrics ===

	// followUps counts redirects and retries by kind.
	followUps metric.Int64Counter

	// followUpsExhausted counts calls that hit MaxFollowUps.
	followUpsExhausted metric.Int64Counter

	// === Dispatcher Metrics ===

	// activeCalls tracks calls currently executing.
	activeCalls metric.Int64UpDownCounter

	// queuedCalls tracks async calls waiting for capacity.
	queuedCalls metric.Int64UpDownCounter

	// === Circuit Breaker Metrics ===

	// breakerState records the breaker state (0=closed, 1=half-open, 2=open).
	breakerState metric.Int64Gauge

	// breakerRequests counts requests by breaker outcome.
	breakerRequests metric.Int64Counter

	// === Rate Limit Metrics ===

	// rateLimitWait measures time spent waiting for a rate limit token.
	rateLimitWait metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.callDuration, err = meter.Float64Histogram(
		"http.client.call.duration",
		metric.WithDescription("Duration of HTTP client calls, including redirects and retries, in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	m.callErrors, err = meter.Int64Counter(
		"http.client.call.errors",
		metric.WithDescription("Number of failed HTTP client calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.callCanceled, err = meter.Int64Counter(
		"http.client.call.canceled",
		metric.WithDescription("Number of canceled HTTP client calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	m.requestBodySize, err = meter.Int64Histogram(
		"http.client.request.body.size",
		metric.WithDescription("Size of HTTP client request bodies in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(
			0, 100, 1024, 10*1024, 100*1024, 1024*1024, 10*1024*1024,
		),
	)
	if err != nil {
		return nil, err
	}

	m.connectionDuration, err = meter.Float64Histogram(
		"http.client.connection.duration",
		metric.WithDescription("Time to acquire an HTTP connection in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
		),
	)
	if err != nil {
		return nil, err
	}

	m.followUps, err = meter.Int64Counter(
		"http.client.follow_ups",
		metric.WithDescription("Number of redirects and retries issued"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.followUpsExhausted, err = meter.Int64Counter(
		"http.client.follow_ups.exhausted",
		metric.WithDescription("Number of calls that exceeded the follow-up limit"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.activeCalls, err = meter.Int64UpDownCounter(
		"http.client.active_calls",
		metric.WithDescription("Number of executing HTTP client calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.queuedCalls, err = meter.Int64UpDownCounter(
		"http.client.queued_calls",
		metric.WithDescription("Number of async HTTP client calls waiting for capacity"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerState, err = meter.Int64Gauge(
		"http.client.breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=half-open, 2=open)"),
	)
	if err != nil {
		return nil, err
	}

	m.breakerRequests, err = meter.Int64Counter(
		"http.client.breaker.requests",
		metric.WithDescription("Number of requests by circuit breaker outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimitWait, err = meter.Float64Histogram(
		"http.client.rate_limit.wait",
		metric.WithDescription("Time spent waiting for the client rate limiter in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func withAttr(attrs []attribute.KeyValue, extra ...attribute.KeyValue) []attribute.KeyValue {
	all := make([]attribute.KeyValue, 0, len(attrs)+len(extra))
	all = append(all, attrs...)
	return append(all, extra...)
}

// recordCallDuration records the duration of a finished call.
func (m *metrics) recordCallDuration(ctx context.Context, duration time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.callDuration == nil {
		return
	}
	m.callDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordCallError records a failed call. Canceled calls are not errors.
func (m *metrics) recordCallError(ctx context.Context, err error, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	kind := KindOf(err)
	if kind == KindCanceled {
		if m.callCanceled != nil {
			m.callCanceled.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		return
	}
	if m.callErrors == nil {
		return
	}
	m.callErrors.Add(ctx, 1, metric.WithAttributes(withAttr(attrs, attribute.String("error.type", kind.String()))...))
}

// recordRequestDuration records the duration of one attempt.
func (m *metrics) recordRequestDuration(ctx context.Context, duration time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordRequestBodySize records the size of a request body.
func (m *metrics) recordRequestBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m == nil || m.requestBodySize == nil {
		return
	}
	m.requestBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

// recordConnectionDuration records the time to acquire a connection.
func (m *metrics) recordConnectionDuration(ctx context.Context, duration time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.connectionDuration == nil {
		return
	}
	m.connectionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordFollowUp records one redirect or retry.
func (m *metrics) recordFollowUp(ctx context.Context, attrs []attribute.KeyValue, kind string) {
	if m == nil || m.followUps == nil {
		return
	}
	m.followUps.Add(ctx, 1, metric.WithAttributes(withAttr(attrs, attribute.String("follow_up.kind", kind))...))
}

// recordFollowUpsExhausted records a call that hit MaxFollowUps.
func (m *metrics) recordFollowUpsExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.followUpsExhausted == nil {
		return
	}
	m.followUpsExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordActiveCall adds delta to the executing call count.
func (m *metrics) recordActiveCall(ctx context.Context, delta int64, attrs []attribute.KeyValue) {
	if m == nil || m.activeCalls == nil {
		return
	}
	m.activeCalls.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// recordQueuedCall adds delta to the queued call count.
func (m *metrics) recordQueuedCall(ctx context.Context, delta int64, attrs []attribute.KeyValue) {
	if m == nil || m.queuedCalls == nil {
		return
	}
	m.queuedCalls.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// recordBreakerState records a circuit breaker state transition.
func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker.name", name)))
}

// recordBreakerRequest records a request outcome as seen by a breaker:
// "success", "failure" or "rejected".
func (m *metrics) recordBreakerRequest(ctx context.Context, name, result string) {
	if m == nil || m.breakerRequests == nil {
		return
	}
	m.breakerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker.name", name),
		attribute.String("breaker.result", result),
	))
}

// recordRateLimitWait records time spent waiting for the rate limiter.
func (m *metrics) recordRateLimitWait(ctx context.Context, wait time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.rateLimitWait == nil {
		return
	}
	m.rateLimitWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attrs...))
}
