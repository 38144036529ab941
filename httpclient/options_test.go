package httpclient

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestConfigPresets(t *testing.T) {
	tests := []struct {
		name            string
		cfg             Config
		wantCallTimeout time.Duration
		wantReadTimeout time.Duration
		wantMaxIdle     int
		wantMaxCalls    int
		wantMaxPerHost  int
		wantBufferSize  int
	}{
		{
			name:            "given default config, then returns balanced settings",
			cfg:             DefaultConfig(),
			wantCallTimeout: 15 * time.Second,
			wantMaxIdle:     20,
			wantMaxCalls:    64,
			wantMaxPerHost:  5,
			wantBufferSize:  64 * 1024,
		},
		{
			name:            "given high throughput config, then raises dispatcher limits",
			cfg:             HighThroughputConfig(),
			wantCallTimeout: 30 * time.Second,
			wantMaxIdle:     100,
			wantMaxCalls:    256,
			wantMaxPerHost:  64,
			wantBufferSize:  128 * 1024,
		},
		{
			name:            "given low latency config, then bounds reads",
			cfg:             LowLatencyConfig(),
			wantCallTimeout: 5 * time.Second,
			wantReadTimeout: 3 * time.Second,
			wantMaxIdle:     25,
			wantMaxCalls:    64,
			wantMaxPerHost:  10,
			wantBufferSize:  32 * 1024,
		},
		{
			name:            "given conservative config, then keeps few resources",
			cfg:             ConservativeConfig(),
			wantCallTimeout: 10 * time.Second,
			wantMaxIdle:     5,
			wantMaxCalls:    16,
			wantMaxPerHost:  2,
			wantBufferSize:  4 * 1024,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCallTimeout, tt.cfg.CallTimeout)
			assert.Equal(t, tt.wantReadTimeout, tt.cfg.ReadTimeout)
			assert.Equal(t, tt.wantMaxIdle, tt.cfg.MaxIdleConnsPerHost)
			assert.Equal(t, tt.wantMaxCalls, tt.cfg.MaxConcurrentCalls)
			assert.Equal(t, tt.wantMaxPerHost, tt.cfg.MaxConcurrentCallsPerHost)
			assert.Equal(t, tt.wantBufferSize, tt.cfg.WriteBufferSize)
			assert.Equal(t, tt.wantBufferSize, tt.cfg.ReadBufferSize)
			assert.Positive(t, tt.cfg.ConnectTimeout)
			assert.Positive(t, tt.cfg.IdleConnTimeout)
		})
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := newConfig()

	assert.Equal(t, DefaultConfig(), cfg.httpConfig)
	assert.True(t, cfg.FollowRedirects)
	assert.True(t, cfg.FollowSSLRedirects)
	assert.Equal(t, DefaultRetryConfig(), cfg.Retry)
	assert.Equal(t, DefaultUserAgent, cfg.UserAgent)
	assert.NotNil(t, cfg.Tracer)
	assert.NotNil(t, cfg.Meter)
	assert.NotNil(t, cfg.Metrics)
	assert.Nil(t, cfg.Cache)
	assert.Nil(t, cfg.Breaker)
	assert.Nil(t, cfg.RateLimit)
	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, cfg.Propagators.Fields())
	assert.Empty(t, cfg.baseAttributes())
}

func TestOptions(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13}
	mock := NewMockNetwork()
	cache := NewMemoryCache(10)
	dispatcher := NewDispatcher(1, 1)
	t.Cleanup(dispatcher.CancelAll)
	first := InterceptorFunc(func(chain Chain) (*Response, error) { return chain.Proceed(nil) })
	second := InterceptorFunc(func(chain Chain) (*Response, error) { return chain.Proceed(nil) })

	tests := []struct {
		name   string
		option Option
		check  func(t *testing.T, cfg *internalConfig)
	}{
		{
			name:   "given WithConfig, then replaces the http config",
			option: WithConfig(LowLatencyConfig()),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Equal(t, LowLatencyConfig(), cfg.httpConfig)
			},
		},
		{
			name:   "given WithCallTimeout, then only the call timeout changes",
			option: WithCallTimeout(time.Second),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Equal(t, time.Second, cfg.httpConfig.CallTimeout)
				assert.Equal(t, DefaultConfig().ConnectTimeout, cfg.httpConfig.ConnectTimeout)
			},
		},
		{
			name:   "given WithServiceName, then adds the client name attribute",
			option: WithServiceName("order-service"),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Equal(t, []attribute.KeyValue{attribute.String("http.client.name", "order-service")}, cfg.baseAttributes())
			},
		},
		{
			name:   "given WithTracerProvider, then the tracer comes from it",
			option: WithTracerProvider(sdktrace.NewTracerProvider()),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.IsType(t, &sdktrace.TracerProvider{}, cfg.TracerProvider)
			},
		},
		{
			name:   "given WithMeterProvider, then metrics are still created",
			option: WithMeterProvider(noop.NewMeterProvider()),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.NotNil(t, cfg.Metrics)
			},
		},
		{
			name:   "given WithPropagators, then replaces the default propagators",
			option: WithPropagators(propagation.TraceContext{}),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Equal(t, []string{"traceparent", "tracestate"}, cfg.Propagators.Fields())
			},
		},
		{
			name:   "given WithFilter, then stores the filter",
			option: WithFilter(func(*Request) bool { return false }),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Len(t, cfg.Filters, 1)
			},
		},
		{
			name:   "given WithSpanNameFormatter, then stores the formatter",
			option: WithSpanNameFormatter(func(method string, _ *Request) string { return "custom " + method }),
			check: func(t *testing.T, cfg *internalConfig) {
				require.NotNil(t, cfg.SpanNameFormatter)
				assert.Equal(t, "custom GET", cfg.SpanNameFormatter(http.MethodGet, nil))
			},
		},
		{
			name:   "given WithLogger, then stores the logger",
			option: WithLogger(zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Equal(t, zerolog.WarnLevel, cfg.Logger.GetLevel())
			},
		},
		{
			name:   "given WithTLSConfig, then stores the tls config",
			option: WithTLSConfig(tlsCfg),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Same(t, tlsCfg, cfg.TLSConfig)
			},
		},
		{
			name:   "given WithInterceptors, then appends in order",
			option: WithInterceptors(first, second),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Len(t, cfg.Interceptors, 2)
				assert.Empty(t, cfg.NetworkInterceptors)
			},
		},
		{
			name:   "given WithNetworkInterceptors, then appends network interceptors",
			option: WithNetworkInterceptors(first),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Len(t, cfg.NetworkInterceptors, 1)
				assert.Empty(t, cfg.Interceptors)
			},
		},
		{
			name:   "given WithFollowRedirects(false), then redirects are off",
			option: WithFollowRedirects(false),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.False(t, cfg.FollowRedirects)
				assert.True(t, cfg.FollowSSLRedirects)
			},
		},
		{
			name:   "given WithFollowSSLRedirects(false), then downgrades are off",
			option: WithFollowSSLRedirects(false),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.False(t, cfg.FollowSSLRedirects)
			},
		},
		{
			name:   "given WithRetryOnConnectionFailure(false), then retries are off",
			option: WithRetryOnConnectionFailure(false),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.False(t, cfg.Retry.Enabled)
			},
		},
		{
			name:   "given WithRetryConfig, then replaces the retry config",
			option: WithRetryConfig(AggressiveRetryConfig()),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Equal(t, AggressiveRetryConfig(), cfg.Retry)
			},
		},
		{
			name: "given WithRetryBackOff, then stores the factory",
			option: WithRetryBackOff(func() backoff.BackOff {
				return backoff.NewConstantBackOff(time.Millisecond)
			}),
			check: func(t *testing.T, cfg *internalConfig) {
				require.NotNil(t, cfg.RetryBackOff)
				assert.Equal(t, time.Millisecond, cfg.RetryBackOff().NextBackOff())
			},
		},
		{
			name:   "given WithRetryClassifier, then stores the classifier",
			option: WithRetryClassifier(NeverRetryClassifier()),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.NotNil(t, cfg.Classifier)
			},
		},
		{
			name:   "given WithCache, then the cache stage is enabled",
			option: WithCache(cache),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Same(t, cache, cfg.Cache)
				assert.False(t, cfg.CacheCoalescing)
			},
		},
		{
			name:   "given WithCacheCoalescing, then coalescing is on",
			option: WithCacheCoalescing(),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.True(t, cfg.CacheCoalescing)
			},
		},
		{
			name:   "given WithCookieJar, then stores the jar",
			option: WithCookieJar(jar),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Same(t, jar, cfg.CookieJar)
			},
		},
		{
			name:   "given WithUserAgent, then replaces the default agent",
			option: WithUserAgent("billing/2.1"),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Equal(t, "billing/2.1", cfg.UserAgent)
			},
		},
		{
			name:   "given WithMockNetwork, then the mock is pool and exchanger",
			option: WithMockNetwork(mock),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Same(t, mock, cfg.Pool)
				assert.Same(t, mock, cfg.Exchanger)
			},
		},
		{
			name:   "given WithDispatcher, then stores the shared dispatcher",
			option: WithDispatcher(dispatcher),
			check: func(t *testing.T, cfg *internalConfig) {
				assert.Same(t, dispatcher, cfg.Dispatcher)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, newConfig(tt.option))
		})
	}
}

func TestNew_OwnedCollaborators(t *testing.T) {
	tests := []struct {
		name           string
		opts           []Option
		wantOwnsPool   bool
		wantOwnsDispat bool
	}{
		{
			name:           "given no collaborators, then the client owns both",
			wantOwnsPool:   true,
			wantOwnsDispat: true,
		},
		{
			name:           "given a mock network, then the client does not own the pool",
			opts:           []Option{WithMockNetwork(NewMockNetwork())},
			wantOwnsDispat: true,
		},
		{
			name:         "given a shared dispatcher, then the client does not own it",
			opts:         []Option{WithDispatcher(NewDispatcher(2, 2))},
			wantOwnsPool: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.opts...)
			t.Cleanup(func() { _ = client.Close(context.Background()) })

			assert.Equal(t, tt.wantOwnsPool, client.ownsPool)
			assert.Equal(t, tt.wantOwnsDispat, client.ownsDispatcher)
		})
	}
}
