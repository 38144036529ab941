package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/relay-go/httpclient"
)

// =============================================================================
// Config - Timeouts, Connection Pool and Dispatcher Limits
// =============================================================================

// Config holds the timeouts, connection pool and dispatcher parameters.
// Use DefaultConfig() to get a properly initialized configuration,
// then modify specific fields as needed.
//
// Example:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.CallTimeout = 5 * time.Second
//	cfg.MaxConcurrentCallsPerHost = 10
//
//	client := httpclient.New(
//	    httpclient.WithConfig(cfg),
//	    httpclient.WithServiceName("payment-service"),
//	)
type Config struct {
	// =======================================================================
	// Timeouts
	// =======================================================================

	// CallTimeout bounds a whole call: every redirect and retry, and reading
	// the final response body. Zero means no timeout.
	//
	// Default: 15s
	CallTimeout time.Duration

	// ConnectTimeout bounds acquiring a connection for one attempt,
	// including the TCP dial and TLS handshake. Exceeding it is a retryable
	// transport error.
	//
	// Default: 10s
	ConnectTimeout time.Duration

	// ReadTimeout bounds reading the response head and each read of the
	// response body. Zero means no limit.
	//
	// Default: 0 (bounded by CallTimeout)
	ReadTimeout time.Duration

	// WriteTimeout bounds writing the request. Zero means no limit.
	//
	// Default: 0 (bounded by CallTimeout)
	WriteTimeout time.Duration

	// =======================================================================
	// Connection Pool Settings
	// =======================================================================

	// MaxIdleConnsPerHost controls the maximum idle connections to keep
	// for each host (downstream service).
	//
	// Too low: Connection churn, increased latency from repeated handshakes
	// Too high: Resource waste if you call many different hosts
	//
	// Default: 20
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the pool
	// before being closed. Should match or slightly exceed your downstream
	// service's idle timeout to avoid "connection reset" errors.
	//
	// Example:
	//   - Most services: 90s (default)
	//   - AWS ALB default: 60s (set to 55s to close before ALB does)
	//
	// Default: 90s
	IdleConnTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for a TLS handshake.
	//
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// =======================================================================
	// TCP Dial Settings
	// =======================================================================

	// DialTimeout is the maximum time to wait for a TCP connection
	// to be established (before TLS handshake).
	//
	// Default: 5s
	DialTimeout time.Duration

	// KeepAlive specifies the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 "Happy Eyeballs" delay for dual-stack
	// (IPv4/IPv6) connections. Set to negative to disable Happy Eyeballs.
	//
	// Default: 300ms
	FallbackDelay time.Duration

	// =======================================================================
	// Buffer Settings
	// =======================================================================

	// WriteBufferSize is the size of the write buffer for the connection.
	//
	// Default: 64KB
	WriteBufferSize int

	// ReadBufferSize is the size of the read buffer for the connection.
	//
	// Default: 64KB
	ReadBufferSize int

	// =======================================================================
	// Dispatcher Limits
	// =======================================================================

	// MaxConcurrentCalls caps the number of asynchronous calls running at
	// once. Further calls wait in the dispatcher queue.
	//
	// Default: 64
	MaxConcurrentCalls int

	// MaxConcurrentCallsPerHost caps the running calls per host.
	// Synchronous calls count toward the limit but are never queued.
	//
	// Default: 5
	MaxConcurrentCallsPerHost int
}

// DefaultConfig returns a balanced configuration suitable for most use cases.
//
// Example:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.CallTimeout = 10 * time.Second
//	client := httpclient.New(httpclient.WithConfig(cfg))
func DefaultConfig() Config {
	return Config{
		CallTimeout:    15 * time.Second,
		ConnectTimeout: 10 * time.Second,

		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,

		DialTimeout:   5 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,

		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  64 * 1024,

		MaxConcurrentCalls:        64,
		MaxConcurrentCallsPerHost: 5,
	}
}

// HighThroughputConfig returns a configuration optimized for many concurrent
// calls to the same downstream services.
//
// Key differences from DefaultConfig:
//   - Higher dispatcher limits and idle pool size
//   - Larger buffers for better I/O throughput
//
// Best for:
//   - API gateways
//   - Data processing pipelines
func HighThroughputConfig() Config {
	return Config{
		CallTimeout:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,

		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,

		DialTimeout:   5 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,

		WriteBufferSize: 128 * 1024,
		ReadBufferSize:  128 * 1024,

		MaxConcurrentCalls:        256,
		MaxConcurrentCallsPerHost: 64,
	}
}

// LowLatencyConfig returns a configuration optimized for latency-sensitive
// applications where fast response times are critical.
//
// Key differences from DefaultConfig:
//   - Shorter timeouts to fail fast
//   - A bounded read timeout so a stalled server does not hold a call
func LowLatencyConfig() Config {
	return Config{
		CallTimeout:    5 * time.Second,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,

		MaxIdleConnsPerHost: 25,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,

		DialTimeout:   2 * time.Second,
		KeepAlive:     15 * time.Second,
		FallbackDelay: 150 * time.Millisecond,

		WriteBufferSize: 32 * 1024,
		ReadBufferSize:  32 * 1024,

		MaxConcurrentCalls:        64,
		MaxConcurrentCallsPerHost: 10,
	}
}

// ConservativeConfig returns a resource-conscious configuration suitable
// for environments with limited resources or many client instances.
//
// Best for:
//   - Serverless functions (Lambda, Cloud Run)
//   - Sidecar containers with memory limits
func ConservativeConfig() Config {
	return Config{
		CallTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,

		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,

		DialTimeout:   5 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,

		WriteBufferSize: 4 * 1024,
		ReadBufferSize:  4 * 1024,

		MaxConcurrentCalls:        16,
		MaxConcurrentCallsPerHost: 2,
	}
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds every setting a Client is built from.
type internalConfig struct {
	httpConfig Config

	// === OpenTelemetry Configuration ===

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *metrics

	// Propagators configures the context propagators.
	// Default: TraceContext + Baggage (W3C standard)
	Propagators propagation.TextMapPropagator

	// ServiceName is added as "http.client.name" to spans and metrics.
	ServiceName string

	// Filters decide which attempts get a span. All must return true.
	Filters []Filter

	// SpanNameFormatter names attempt spans. Default: "HTTP {method}"
	SpanNameFormatter SpanNameFormatter

	Logger zerolog.Logger

	// === Pipeline ===

	Interceptors        []Interceptor
	NetworkInterceptors []Interceptor

	FollowRedirects    bool
	FollowSSLRedirects bool
	Retry              RetryConfig
	RetryBackOff       func() backoff.BackOff
	Classifier         RetryClassifier

	Cache           Cache
	CacheCoalescing bool

	CookieJar http.CookieJar
	UserAgent string

	Breaker   *BreakerConfig
	RateLimit *RateLimitConfig

	// === Collaborators ===

	TLSConfig  *tls.Config
	Pool       ConnectionPool
	Exchanger  Exchanger
	Dispatcher *Dispatcher
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		httpConfig:     DefaultConfig(),
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
		Propagators: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		Logger: zerolog.Nop(),

		FollowRedirects:    true,
		FollowSSLRedirects: true,
		Retry:              DefaultRetryConfig(),
		UserAgent:          DefaultUserAgent,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Initialize metrics (ignore errors, will just be nil if fails)
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 1)
	if cfg.ServiceName != "" {
		attrs = append(attrs, attribute.String("http.client.name", cfg.ServiceName))
	}
	return attrs
}

// =============================================================================
// Options - Functional Options for Client Configuration
// =============================================================================

// Filter determines whether an attempt should be traced.
// Return true to trace the request, false to skip tracing.
// All filters must return true for a request to be traced.
//
// Common use cases:
//   - Skip health check endpoints: return !strings.HasPrefix(r.URL().Path, "/health")
type Filter func(r *Request) bool

// SpanNameFormatter formats attempt span names.
//
// Default behavior produces: "HTTP {method}" (e.g., "HTTP GET")
type SpanNameFormatter func(method string, r *Request) string

// Option configures the HTTP client.
type Option func(*internalConfig)

// WithConfig sets the timeouts, pool and dispatcher configuration.
// Use DefaultConfig(), HighThroughputConfig(), LowLatencyConfig(), or
// ConservativeConfig() as a starting point, then customize as needed.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithConfig(httpclient.HighThroughputConfig()),
//	)
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig = c
	}
}

// WithServiceName sets an identifier for this HTTP client in traces.
// This value is added as the "http.client.name" attribute on all spans
// and metrics.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithServiceName("order-service"),
//	)
//
//	// In your traces, you'll see:
//	//   Span: HTTP GET
//	//   └── http.client.name: order-service
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.ServiceName = name
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}

// WithPropagators sets custom context propagators for trace context injection.
// By default, W3C TraceContext and Baggage propagators are used.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		cfg.Propagators = p
	}
}

// WithFilter adds a filter to determine which attempts should be traced.
// Multiple filters can be added by calling WithFilter multiple times.
//
// Example - Skip health checks:
//
//	client := httpclient.New(
//	    httpclient.WithFilter(func(r *httpclient.Request) bool {
//	        return !strings.HasPrefix(r.URL().Path, "/health")
//	    }),
//	)
func WithFilter(f Filter) Option {
	return func(cfg *internalConfig) {
		cfg.Filters = append(cfg.Filters, f)
	}
}

// WithSpanNameFormatter sets a custom function to generate attempt span names.
func WithSpanNameFormatter(f SpanNameFormatter) Option {
	return func(cfg *internalConfig) {
		cfg.SpanNameFormatter = f
	}
}

// WithLogger sets the logger used by the dispatcher and the follow-up stage.
// Default: zerolog.Nop()
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = logger
	}
}

// WithTLSConfig sets a custom TLS configuration for https connections.
//
// Example - Mutual TLS with client certificate:
//
//	cert, _ := tls.LoadX509KeyPair("client.crt", "client.key")
//	client := httpclient.New(
//	    httpclient.WithTLSConfig(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	    }),
//	)
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.TLSConfig = tlsCfg
	}
}

// WithInterceptors appends application interceptors. They run first, in
// order, and see each call once regardless of redirects and retries.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithInterceptors(
//	        httpclient.AuthBearerInterceptor(token),
//	        httpclient.LoggingInterceptor(logger),
//	    ),
//	)
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(cfg *internalConfig) {
		cfg.Interceptors = append(cfg.Interceptors, interceptors...)
	}
}

// WithNetworkInterceptors appends network interceptors. They run after a
// connection was acquired, once per physical attempt, and must call Proceed
// exactly once.
func WithNetworkInterceptors(interceptors ...Interceptor) Option {
	return func(cfg *internalConfig) {
		cfg.NetworkInterceptors = append(cfg.NetworkInterceptors, interceptors...)
	}
}

// WithFollowRedirects enables or disables following 3xx responses.
// Default: true
func WithFollowRedirects(follow bool) Option {
	return func(cfg *internalConfig) {
		cfg.FollowRedirects = follow
	}
}

// WithFollowSSLRedirects enables or disables following redirects from
// https to http. Default: true
func WithFollowSSLRedirects(follow bool) Option {
	return func(cfg *internalConfig) {
		cfg.FollowSSLRedirects = follow
	}
}

// WithRetryOnConnectionFailure enables or disables retrying retryable
// transport failures. Default: true
func WithRetryOnConnectionFailure(retry bool) Option {
	return func(cfg *internalConfig) {
		cfg.Retry.Enabled = retry
	}
}

// WithRetryConfig replaces the retry budget and delay settings.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.AggressiveRetryConfig()),
//	)
func WithRetryConfig(rc RetryConfig) Option {
	return func(cfg *internalConfig) {
		cfg.Retry = rc
	}
}

// WithRetryBackOff sets the delay strategy between retries. newBackOff is
// called once per call that needs a retry.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRetryBackOff(func() backoff.BackOff {
//	        return httpclient.NewDecorrelatedJitterBackOff()
//	    }),
//	)
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(cfg *internalConfig) {
		cfg.RetryBackOff = newBackOff
	}
}

// WithRetryClassifier sets the function deciding which failures are retried.
// Default: DefaultClassifier
func WithRetryClassifier(classifier RetryClassifier) Option {
	return func(cfg *internalConfig) {
		cfg.Classifier = classifier
	}
}

// WithCache enables the response cache stage. Only GET responses with
// explicit freshness are stored. Requests carrying Authorization or Cookie
// bypass the cache in both directions, so one user's response is never
// served to another.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithCache(httpclient.NewMemoryCache(1000)),
//	)
func WithCache(cache Cache) Option {
	return func(cfg *internalConfig) {
		cfg.Cache = cache
	}
}

// WithCacheCoalescing makes concurrent cache misses for the same key share
// one network request. It has no effect without WithCache.
//
// Each waiter still honors its own context. When the caller that started
// the shared request is canceled, the remaining waiters start a new one.
func WithCacheCoalescing() Option {
	return func(cfg *internalConfig) {
		cfg.CacheCoalescing = true
	}
}

// WithCookieJar sets the jar the bridge stage reads cookies from and stores
// Set-Cookie headers into. Default: no cookies.
func WithCookieJar(jar http.CookieJar) Option {
	return func(cfg *internalConfig) {
		cfg.CookieJar = jar
	}
}

// WithUserAgent sets the User-Agent added to requests that carry none.
// Default: DefaultUserAgent
func WithUserAgent(userAgent string) Option {
	return func(cfg *internalConfig) {
		cfg.UserAgent = userAgent
	}
}

// WithConnectionPool replaces the default NetPool.
func WithConnectionPool(pool ConnectionPool) Option {
	return func(cfg *internalConfig) {
		cfg.Pool = pool
	}
}

// WithExchanger replaces the default HTTP1Exchanger.
func WithExchanger(exchanger Exchanger) Option {
	return func(cfg *internalConfig) {
		cfg.Exchanger = exchanger
	}
}

// WithMockNetwork routes every attempt to m instead of the network.
//
// Example:
//
//	mock := httpclient.NewMockNetwork()
//	mock.StubPath(http.MethodGet, "/users/1", 200, `{"id":1}`)
//	client := httpclient.New(httpclient.WithMockNetwork(mock))
func WithMockNetwork(m *MockNetwork) Option {
	return func(cfg *internalConfig) {
		cfg.Pool = m
		cfg.Exchanger = m
	}
}

// WithCallTimeout sets Config.CallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig.CallTimeout = d
	}
}

// WithDispatcher shares d between clients. The dispatcher limits from
// Config are not applied to a shared dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(cfg *internalConfig) {
		cfg.Dispatcher = d
	}
}
