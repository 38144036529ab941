package httpclient

import (
	"errors"
	"math/rand/v2"
	"net"
	"os"
	"time"
)

// ChaosConfig configures chaos injection for testing resilience patterns.
//
// Chaos injection simulates failures in development/testing environments to
// verify that retries, circuit breakers and timeouts behave as expected.
//
// Example usage:
//
//	client := httpclient.New(
//	    httpclient.WithChaos(httpclient.ChaosConfig{
//	        LatencyMs: 200, // Add 200ms delay
//	        ErrorRate: 0.1, // 10% of attempts fail
//	    }),
//	)
type ChaosConfig struct {
	// LatencyMs adds a fixed delay (in milliseconds) to every attempt.
	// Default: 0 (no added latency)
	LatencyMs int

	// LatencyJitterMs adds random jitter (0 to JitterMs) on top of LatencyMs.
	// Default: 0 (no jitter)
	LatencyJitterMs int

	// ErrorRate is the probability (0.0-1.0) of failing an attempt with a
	// retryable transport error before anything is sent.
	// Default: 0.0 (no errors injected)
	ErrorRate float64

	// TimeoutRate is the probability (0.0-1.0) of simulating a hung server.
	// When triggered, the attempt blocks until the call's context is done or
	// HangMs elapses, whichever comes first, and then fails like a read
	// timeout.
	// Default: 0.0 (no timeouts simulated)
	TimeoutRate float64

	// HangMs bounds a simulated hang (in milliseconds).
	// Default: 30000 (30 seconds)
	HangMs int
}

// defaultChaosHang bounds a simulated hang when HangMs is unset.
const defaultChaosHang = 30 * time.Second

// Hang returns how long a simulated hang lasts.
func (c ChaosConfig) Hang() time.Duration {
	if c.HangMs <= 0 {
		return defaultChaosHang
	}
	return time.Duration(c.HangMs) * time.Millisecond
}

// Delay returns the latency to inject, including jitter.
func (c ChaosConfig) Delay() time.Duration {
	delay := time.Duration(c.LatencyMs) * time.Millisecond
	if c.LatencyJitterMs > 0 {
		jitter := time.Duration(rand.IntN(c.LatencyJitterMs)) * time.Millisecond //nolint:gosec
		delay += jitter
	}
	return delay
}

// ShouldInjectError returns true based on ErrorRate probability.
func (c ChaosConfig) ShouldInjectError() bool {
	if c.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < c.ErrorRate //nolint:gosec
}

// ShouldInjectTimeout returns true based on TimeoutRate probability.
func (c ChaosConfig) ShouldInjectTimeout() bool {
	if c.TimeoutRate <= 0 {
		return false
	}
	return rand.Float64() < c.TimeoutRate //nolint:gosec
}

// ErrChaosInjected is the cause of errors injected by the chaos stage.
var ErrChaosInjected = errors.New("chaos: simulated network error")

// ChaosInterceptor returns a network interceptor that injects latency,
// transport errors and hangs. Never enable it in production.
func ChaosInterceptor(cfg ChaosConfig) Interceptor {
	return InterceptorFunc(func(chain Chain) (*Response, error) {
		ctx := chain.Context()
		req := chain.Request()

		if cfg.ShouldInjectTimeout() {
			if err := wait(ctx, cfg.Hang()); err != nil {
				return nil, err
			}
			return nil, newTransportError("read", AddressOf(req, nil).Key(),
				&net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}, false)
		}

		if cfg.ShouldInjectError() {
			return nil, &TransportError{
				Op:        "connect",
				Addr:      AddressOf(req, nil).Key(),
				Retryable: true,
				Err:       &net.OpError{Op: "dial", Net: "tcp", Err: ErrChaosInjected},
			}
		}

		if err := wait(ctx, cfg.Delay()); err != nil {
			return nil, err
		}
		return chain.Proceed(req)
	})
}

// WithChaos installs a ChaosInterceptor in front of the network
// interceptors.
func WithChaos(chaos ChaosConfig) Option {
	return func(cfg *internalConfig) {
		cfg.NetworkInterceptors = append([]Interceptor{ChaosInterceptor(chaos)}, cfg.NetworkInterceptors...)
	}
}
