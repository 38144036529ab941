package httpclient

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Client sends requests through an ordered interceptor pipeline and a
// dispatcher that bounds concurrency.
//
// Create a Client using New():
//
//	client := httpclient.New(
//	    httpclient.WithServiceName("payment-service"),
//	    httpclient.WithInterceptors(httpclient.AuthBearerInterceptor(token)),
//	)
//
//	req, _ := httpclient.NewRequest(http.MethodGet, "https://api.example.com/users/1")
//	resp, err := client.Do(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
//
// A Client is safe for concurrent use and should be reused.
type Client struct {
	cfg          *internalConfig
	dispatcher   *Dispatcher
	pool         ConnectionPool
	interceptors []Interceptor
	attrs        []attribute.KeyValue

	ownsDispatcher bool
	ownsPool       bool
}

// New creates a Client with production-ready defaults and OpenTelemetry
// instrumentation.
//
// Every call runs through, in order: the application interceptors, the
// follow-up stage (redirects and retries), the bridge stage (default
// headers and cookies), the cache stage, the connect stage, the attempt
// instrumentation, the network interceptors and finally the exchange with
// the server.
//
// Example - With retry configuration:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.AggressiveRetryConfig()),
//	    httpclient.WithCache(httpclient.NewMemoryCache(1000)),
//	)
func New(opts ...Option) *Client {
	cfg := newConfig(opts...)
	hc := cfg.httpConfig

	c := &Client{
		cfg:   cfg,
		attrs: cfg.baseAttributes(),
	}

	c.pool = cfg.Pool
	if c.pool == nil {
		c.pool = NewNetPool(hc)
		c.ownsPool = true
	}
	exchanger := cfg.Exchanger
	if exchanger == nil {
		exchanger = HTTP1Exchanger{WriteTimeout: hc.WriteTimeout, ReadTimeout: hc.ReadTimeout}
	}

	c.dispatcher = cfg.Dispatcher
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher(hc.MaxConcurrentCalls, hc.MaxConcurrentCallsPerHost)
		c.dispatcher.logger = cfg.Logger
		c.dispatcher.metrics = cfg.Metrics
		c.dispatcher.attrs = c.attrs
		c.ownsDispatcher = true
	}

	interceptors := make([]Interceptor, 0, len(cfg.Interceptors)+len(cfg.NetworkInterceptors)+9)
	if cfg.RateLimit != nil {
		interceptors = append(interceptors, newRateLimitInterceptor(*cfg.RateLimit, cfg.Metrics, c.attrs, cfg.Logger))
	}
	interceptors = append(interceptors, cfg.Interceptors...)
	interceptors = append(interceptors,
		&followUpInterceptor{
			followRedirects:    cfg.FollowRedirects,
			followSSLRedirects: cfg.FollowSSLRedirects,
			retry:              cfg.Retry,
			classifier:         cfg.Classifier,
			newBackOff:         cfg.RetryBackOff,
			logger:             cfg.Logger,
			metrics:            cfg.Metrics,
			attrs:              c.attrs,
		},
		&bridgeInterceptor{jar: cfg.CookieJar, userAgent: cfg.UserAgent},
	)
	if cfg.Cache != nil {
		interceptors = append(interceptors, &cacheInterceptor{
			cache:    cfg.Cache,
			coalesce: cfg.CacheCoalescing,
			logger:   cfg.Logger,
			now:      time.Now,
		})
	}
	interceptors = append(interceptors,
		&connectInterceptor{pool: c.pool, tlsConfig: cfg.TLSConfig, timeout: hc.ConnectTimeout},
		&instrumentationInterceptor{
			tracer:     cfg.Tracer,
			propagator: cfg.Propagators,
			metrics:    cfg.Metrics,
			attrs:      c.attrs,
			filters:    cfg.Filters,
			spanName:   cfg.SpanNameFormatter,
		},
	)
	if cfg.Breaker != nil {
		interceptors = append(interceptors, newBreakerInterceptor(*cfg.Breaker, cfg.Metrics))
	}
	interceptors = append(interceptors, cfg.NetworkInterceptors...)
	interceptors = append(interceptors, &callServerInterceptor{pool: c.pool, exchanger: exchanger})
	c.interceptors = interceptors

	return c
}

// NewCall prepares a call for req. The call is bound to ctx: canceling ctx
// cancels the call.
func (c *Client) NewCall(ctx context.Context, req *Request) *Call {
	return newCall(ctx, c, req)
}

// Do executes req synchronously. It is shorthand for
// NewCall(ctx, req).Execute().
//
// Example:
//
//	resp, err := client.Do(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
//
//	var user User
//	if err := resp.Body().Decode(&user); err != nil {
//	    return err
//	}
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	return c.NewCall(ctx, req).Execute()
}

// Dispatcher returns the dispatcher scheduling this client's calls.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// Pool returns the connection pool used by the connect stage.
func (c *Client) Pool() ConnectionPool { return c.pool }

// Close shuts down the dispatcher and the connection pool the client
// created. Collaborators passed in through options are left open.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.ownsDispatcher {
		errs = append(errs, c.dispatcher.Shutdown(ctx))
	}
	if c.ownsPool {
		if p, ok := c.pool.(*NetPool); ok {
			errs = append(errs, p.Close())
		}
	}
	return errors.Join(errs...)
}
