package httpclient

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig controls how the follow-up stage retries attempts that failed
// with a retryable transport error. Retries share the MaxFollowUps budget
// with redirects.
//
// Only requests whose body can be replayed are retried. By default a failed
// attempt is retried immediately, the way a stale pooled connection is
// normally recovered from. Set InitialInterval to wait between attempts
// using exponential backoff with jitter.
//
// Example usage:
//
//	cfg := httpclient.DefaultRetryConfig()
//	cfg.InitialInterval = 200 * time.Millisecond
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(cfg),
//	)
type RetryConfig struct {
	// Enabled turns retries on connection failure on or off.
	// Default: true
	Enabled bool

	// MaxRetries caps retries per call. Zero means only the shared
	// MaxFollowUps budget applies.
	// Default: 0
	MaxRetries uint

	// InitialInterval is the first backoff interval. Zero retries
	// immediately.
	// Default: 0
	InitialInterval time.Duration

	// MaxInterval caps the backoff interval.
	// Default: 30s
	MaxInterval time.Duration

	// MaxElapsedTime stops retrying once this much time passed since the
	// first attempt. Zero means no time limit.
	// Default: 0
	MaxElapsedTime time.Duration

	// Multiplier controls exponential growth of backoff intervals.
	// Default: 2.0
	Multiplier float64

	// JitterFactor adds randomization (0.0-1.0) to each interval.
	// Default: 0.5
	JitterFactor float64
}

// Default values for RetryConfig.
const (
	// DefaultMaxInterval is the default maximum backoff interval.
	DefaultMaxInterval = 30 * time.Second

	// DefaultMultiplier is the default backoff multiplier.
	DefaultMultiplier = 2.0

	// DefaultJitterFactor is the default randomization factor.
	DefaultJitterFactor = 0.5
)

// DefaultRetryConfig retries connection failures immediately, bounded only
// by MaxFollowUps.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:      true,
		MaxInterval:  DefaultMaxInterval,
		Multiplier:   DefaultMultiplier,
		JitterFactor: DefaultJitterFactor,
	}
}

// AggressiveRetryConfig returns configuration for calls that must succeed.
//
// Configuration:
//   - 5 retries starting at 200ms (200ms, 400ms, 800ms, 1.6s, 3.2s)
//   - 1 minute total time budget
//   - 50% jitter
func AggressiveRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxRetries:      5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  time.Minute,
		Multiplier:      2.0,
		JitterFactor:    0.5,
	}
}

// ConservativeRetryConfig returns configuration for expensive or
// rate-limited services: 2 retries starting at 1s within 30s.
func ConservativeRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxRetries:      2,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.5,
	}
}

// NoRetryConfig disables retries. Redirects are still followed.
func NoRetryConfig() RetryConfig {
	return RetryConfig{Enabled: false}
}

// newBackOff returns the delay policy for one call.
func (c RetryConfig) newBackOff() backoff.BackOff {
	if c.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := ExponentialBackOffFromConfig(c)
	b.Reset()
	return b
}

// allows reports whether another retry fits the configured limits.
func (c RetryConfig) allows(retries uint, elapsed time.Duration) bool {
	if !c.Enabled {
		return false
	}
	if c.MaxRetries > 0 && retries >= c.MaxRetries {
		return false
	}
	if c.MaxElapsedTime > 0 && elapsed >= c.MaxElapsedTime {
		return false
	}
	return true
}
