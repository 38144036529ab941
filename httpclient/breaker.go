package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a SharedDataStore backed by Redis for distributed circuit breaking.
// This uses the official sony/gobreaker/v2/redis implementation.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	store := httpclient.NewRedisStore(rdb)
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker is the interface used by the breaker stage.
// It matches gobreaker.CircuitBreaker signature.
type CircuitBreaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
}

// BreakerClassifier determines if an attempt should count as a failure
// toward tripping the breaker. Returns true for system failures such as a
// 5xx response or a transport error.
type BreakerClassifier func(resp *Response, err error) bool

// BreakerConfig holds the configuration for the circuit breaker.
//
// Concepts:
//   - Closed: Normal state, requests allowed.
//   - Open: Failing state, requests rejected immediately.
//   - Half-Open: Probing state, limited requests allowed to test recovery.
//
// Each address (scheme, host and port) gets its own breaker, so one failing
// downstream does not block calls to the others.
type BreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open (probing).
	// If 0, the circuit breaker allows 1 request.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state
	// for the CircuitBreaker to clear the internal Counts.
	// If 0, the CircuitBreaker doesn't clear internal Counts during the closed state.
	Interval time.Duration

	// Timeout is the period of the open state,
	// after which the state of the CircuitBreaker becomes half-open.
	// gobreaker defaults this to 60s if 0.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests needed before a
	// circuit can be tripped due to failure ratio.
	// Default: 20
	FailureThreshold uint32

	// FailureRatio is the threshold of failure ratio (0.0 - 1.0) to trip the circuit.
	// Default: 0.5 (50% failure rate)
	FailureRatio float64

	// ConsecutiveFailures is the number of consecutive failures that will trip the circuit.
	// If 0, this rule is disabled.
	ConsecutiveFailures uint32

	// Store is the shared data store for distributed circuit breaking.
	// If nil, the circuit breaker is local (in-memory).
	Store gobreaker.SharedDataStore

	// Classifier determines which outcomes count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is a callback invoked when a breaker changes state.
	// name is the breaker's address, e.g. "https://api.example.com:443".
	OnStateChange func(name string, from, to gobreaker.State)
}

// DistributedBreakerConfig returns the default configuration with a shared
// store, so that all instances of a service trip together.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DefaultBreakerConfig returns a breaker that trips after 5 consecutive
// failures, or when half of at least 20 requests in a 10s window fail.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DefaultBreakerClassifier counts transport errors and 5xx responses as
// failures. Protocol errors and cancellations are not counted.
func DefaultBreakerClassifier(resp *Response, err error) bool {
	if err != nil {
		return KindOf(err) == KindTransport || isNetworkError(err)
	}
	return resp != nil && resp.StatusCode() >= 500
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// errSyntheticFailure marks a response the classifier counted as a failure.
var errSyntheticFailure = errors.New("synthetic failure")

// BreakerInterceptor returns a network interceptor that rejects attempts to
// an address whose breaker is open. Use WithCircuitBreaker to also record
// breaker metrics.
func BreakerInterceptor(cfg BreakerConfig) Interceptor {
	return newBreakerInterceptor(cfg, nil)
}

// WithCircuitBreaker installs a breaker stage in front of the network
// interceptors.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	client := httpclient.New(
//	    httpclient.WithCircuitBreaker(
//	        httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb)),
//	    ),
//	)
func WithCircuitBreaker(bc BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.Breaker = &bc
	}
}

type breakerInterceptor struct {
	cfg     BreakerConfig
	metrics *metrics

	mu       sync.Mutex
	breakers map[string]CircuitBreaker
}

func newBreakerInterceptor(cfg BreakerConfig, m *metrics) *breakerInterceptor {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultBreakerClassifier
	}
	return &breakerInterceptor{
		cfg:      cfg,
		metrics:  m,
		breakers: make(map[string]CircuitBreaker),
	}
}

func (i *breakerInterceptor) Intercept(chain Chain) (*Response, error) {
	ctx := chain.Context()
	req := chain.Request()
	name := AddressOf(req, nil).Key()
	cb := i.breaker(name)

	var (
		resp    *Response
		proceed error
	)
	_, err := cb.Execute(func() (interface{}, error) {
		resp, proceed = chain.Proceed(req)
		if i.cfg.Classifier(resp, proceed) {
			if proceed != nil {
				return nil, proceed
			}
			return nil, errSyntheticFailure
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			i.metrics.recordBreakerRequest(ctx, name, "rejected")
			return nil, fmt.Errorf("httpclient: circuit breaker %s: %w", name, err)
		}
		i.metrics.recordBreakerRequest(ctx, name, "failure")
		if errors.Is(err, errSyntheticFailure) {
			return resp, nil
		}
		if proceed != nil {
			return nil, proceed
		}
		return nil, err
	}

	i.metrics.recordBreakerRequest(ctx, name, "success")
	return resp, proceed
}

// breaker returns the breaker for name, creating it on first use.
func (i *breakerInterceptor) breaker(name string) CircuitBreaker {
	i.mu.Lock()
	defer i.mu.Unlock()
	if cb, ok := i.breakers[name]; ok {
		return cb
	}

	bc := i.cfg
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bc.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
				return true
			}
			if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
				return false
			}
			if bc.FailureRatio > 0 && counts.TotalFailures > 0 {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= bc.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			i.metrics.recordBreakerState(context.Background(), name, int64(to))
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	var cb CircuitBreaker
	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[interface{}](bc.Store, st)
		if err != nil {
			cb = gobreaker.NewCircuitBreaker[interface{}](st)
		} else {
			cb = dcb
		}
	} else {
		cb = gobreaker.NewCircuitBreaker[interface{}](st)
	}
	i.breakers[name] = cb
	return cb
}
