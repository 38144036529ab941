// Package httpclient provides an HTTP client engine built around an ordered
// interceptor chain, a concurrency-bounding dispatcher and a pluggable
// connection layer, with OpenTelemetry instrumentation built in.
//
// # Features
//
//   - Application and network interceptors that can observe, rewrite,
//     short-circuit or repeat requests
//   - Redirect following and retries with backoff, sharing one follow-up
//     budget per call
//   - Default headers and cookies added by the bridge stage
//   - Response caching in memory or Redis, with optional coalescing
//   - A dispatcher limiting concurrent calls globally and per host
//   - Circuit breaking and rate limiting, optionally shared through Redis
//   - Tracing per call and per attempt, with connection timing events
//
// # Quick Start
//
//	client := httpclient.New(
//	    httpclient.WithServiceName("my-service"),
//	)
//	defer client.Close(context.Background())
//
//	req, err := httpclient.NewRequest(http.MethodGet, "https://api.example.com/users/1")
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Do(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
//
//	var user User
//	err = resp.Body().Decode(&user)
//
// Requests with a body are assembled with the builder:
//
//	body, _ := httpclient.JSONBody(newUser)
//	req, err := httpclient.NewRequestBuilder().
//	    URL("https://api.example.com/users").
//	    Header("Idempotency-Key", key).
//	    Post(body).
//	    Build()
//
// # Asynchronous Calls
//
// Enqueue hands a call to the dispatcher. The callback runs on a worker
// goroutine once the call completes:
//
//	call := client.NewCall(ctx, req)
//	err := call.Enqueue(httpclient.CallbackFuncs{
//	    Response: func(call *httpclient.Call, resp *httpclient.Response) {
//	        defer resp.Close()
//	        // ...
//	    },
//	    Failure: func(call *httpclient.Call, err error) {
//	        log.Error().Err(err).Str("call_id", call.ID()).Msg("call failed")
//	    },
//	})
//
// A queued call canceled with Cancel never reaches the network.
//
// # Interceptors
//
// Application interceptors run once per call and see the final response
// after redirects and retries. Network interceptors run once per attempt,
// after a connection was acquired, and see the request exactly as it is
// sent:
//
//	client := httpclient.New(
//	    httpclient.WithInterceptors(
//	        httpclient.AuthBearerInterceptor(token),
//	        httpclient.LoggingInterceptor(logger),
//	    ),
//	    httpclient.WithNetworkInterceptors(
//	        httpclient.CurlLoggingInterceptor(logger),
//	    ),
//	)
//
// An interceptor is any value with an Intercept method:
//
//	timing := httpclient.InterceptorFunc(func(chain httpclient.Chain) (*httpclient.Response, error) {
//	    start := time.Now()
//	    resp, err := chain.Proceed(chain.Request())
//	    observe(time.Since(start))
//	    return resp, err
//	})
//
// # Configuration Presets
//
//	client := httpclient.New(
//	    httpclient.WithConfig(httpclient.HighThroughputConfig()),
//	)
//
// LowLatencyConfig and ConservativeConfig cover latency-sensitive and
// resource-constrained deployments.
//
// # Retry Configuration
//
// Connection failures that happen before a request was sent are retried
// with exponential backoff by default:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.AggressiveRetryConfig()),
//	    httpclient.WithRetryBackOff(func() backoff.BackOff {
//	        return httpclient.NewDecorrelatedJitterBackOff()
//	    }),
//	)
//
// Disable retries with WithRetryOnConnectionFailure(false).
//
// # Resilience
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	client := httpclient.New(
//	    httpclient.WithCircuitBreaker(
//	        httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb)),
//	    ),
//	    httpclient.WithRateLimit(httpclient.DefaultRateLimitConfig()),
//	)
//
// # Testing
//
// MockNetwork answers exchanges from stubs while the whole chain still runs:
//
//	mock := httpclient.NewMockNetwork().
//	    StubPath(http.MethodGet, "/users/1", http.StatusOK, `{"id":1}`)
//	client := httpclient.New(httpclient.WithMockNetwork(mock))
//
// # Errors
//
// Failures are classified with KindOf: canceled calls, policy violations
// such as too many follow-ups, protocol errors and transport errors.
//
//	resp, err := client.Do(ctx, req)
//	switch httpclient.KindOf(err) {
//	case httpclient.KindCanceled:
//	    return nil
//	case httpclient.KindTransport:
//	    // the downstream is unreachable
//	}
package httpclient
