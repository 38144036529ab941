package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kroma-labs/relay-go/example/relay/internal/config"
	"github.com/kroma-labs/relay-go/httpclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// User is the upstream representation of a user.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// API calls the upstream user service through an instrumented client.
type API struct {
	client *httpclient.Client
	logger zerolog.Logger
}

// New creates the client with caching, rate limiting and a circuit breaker,
// and exposes its dispatcher and pool gauges to Prometheus.
func New(logger zerolog.Logger) (*API, error) {
	client := httpclient.New(
		httpclient.WithServiceName(config.ServiceName),
		httpclient.WithConfig(httpclient.HighThroughputConfig()),
		httpclient.WithDispatcher(httpclient.NewDispatcher(config.MaxCalls, config.MaxCallsPerHost)),
		httpclient.WithLogger(logger),
		httpclient.WithUserAgent(config.ServiceName+"/"+config.ServiceVersion),
		httpclient.WithCache(httpclient.NewMemoryCache(config.CacheEntries)),
		httpclient.WithCacheCoalescing(),
		httpclient.WithRetryConfig(httpclient.ConservativeRetryConfig()),
		httpclient.WithCircuitBreaker(httpclient.DefaultBreakerConfig()),
		httpclient.WithRateLimit(httpclient.RateLimitConfig{
			RequestsPerSecond: config.RequestsPerSec,
			Burst:             config.RateLimitBurst,
			WaitOnLimit:       true,
		}),
		httpclient.WithInterceptors(httpclient.LoggingInterceptor(logger)),
	)

	collector := httpclient.NewDispatcherCollector(client.Dispatcher(),
		httpclient.WithCollectorNamespace("relay_example"),
		httpclient.WithCollectorPool(client.Pool()),
	)
	if err := prometheus.Register(collector); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}

	return &API{client: client, logger: logger}, nil
}

// GetUser fetches one user synchronously.
func (a *API) GetUser(ctx context.Context, id string) (User, error) {
	req, err := httpclient.NewRequest(http.MethodGet, config.UpstreamURL+"/users/"+id)
	if err != nil {
		return User{}, err
	}
	resp, err := a.client.Do(ctx, req)
	if err != nil {
		return User{}, err
	}
	defer resp.Close()
	if !resp.IsSuccess() {
		return User{}, fmt.Errorf("get user %s: %s", id, resp)
	}

	var u User
	if err := resp.Body().Decode(&u); err != nil {
		return User{}, err
	}
	return u, nil
}

// FetchUsers enqueues one call per id and waits for all of them. Failed
// calls are logged and left out of the result.
func (a *API) FetchUsers(ctx context.Context, ids []string) []User {
	var (
		mu    sync.Mutex
		users []User
		wg    sync.WaitGroup
	)
	for _, id := range ids {
		req, err := httpclient.NewRequest(http.MethodGet, config.UpstreamURL+"/users/"+id)
		if err != nil {
			a.logger.Error().Err(err).Str("user_id", id).Msg("invalid request")
			continue
		}
		wg.Add(1)
		err = a.client.NewCall(ctx, req).Enqueue(httpclient.CallbackFuncs{
			Response: func(call *httpclient.Call, resp *httpclient.Response) {
				defer wg.Done()
				defer resp.Close()
				var u User
				if err := resp.Body().Decode(&u); err != nil {
					a.logger.Warn().Err(err).Str("call_id", call.ID()).Msg("decode user")
					return
				}
				mu.Lock()
				users = append(users, u)
				mu.Unlock()
			},
			Failure: func(call *httpclient.Call, err error) {
				defer wg.Done()
				a.logger.Warn().Err(err).Str("call_id", call.ID()).Msg("fetch user")
			},
		})
		if err != nil {
			wg.Done()
		}
	}
	wg.Wait()
	return users
}

// Close waits up to timeout for running calls and releases connections.
func (a *API) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.client.Close(ctx)
}
