package httpclient

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	_ backoff.BackOff = (*LinearBackOff)(nil)
	_ backoff.BackOff = (*DecorrelatedJitterBackOff)(nil)
	_ backoff.BackOff = (*ConstantBackOffWithJitter)(nil)
)

// LinearBackOff grows the interval by a fixed increment, with jitter.
//
// Example with Initial=1s, Increment=500ms, JitterFactor=0.3:
//
//	Retry 1: 1.0s ± 0.3s
//	Retry 2: 1.5s ± 0.45s
//	Retry 3: 2.0s ± 0.6s
type LinearBackOff struct {
	InitialInterval time.Duration
	Increment       time.Duration
	MaxInterval     time.Duration
	JitterFactor    float64

	current time.Duration
	attempt int
}

// NewLinearBackOff creates a LinearBackOff starting at 500ms, growing by
// 500ms up to 30s, with 50% jitter.
func NewLinearBackOff() *LinearBackOff {
	return &LinearBackOff{
		InitialInterval: 500 * time.Millisecond,
		Increment:       500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		JitterFactor:    0.5,
	}
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() {
	b.current = b.InitialInterval
	b.attempt = 0
}

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.current == 0 {
		b.current = b.InitialInterval
	}
	interval := applyJitter(b.current, b.JitterFactor)

	b.attempt++
	b.current = min(b.InitialInterval+time.Duration(b.attempt)*b.Increment, b.MaxInterval)
	return interval
}

// DecorrelatedJitterBackOff picks each interval at random between Base and
// three times the previous interval, capped at Cap.
//
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterBackOff struct {
	Base time.Duration
	Cap  time.Duration

	sleep time.Duration
}

// NewDecorrelatedJitterBackOff creates a DecorrelatedJitterBackOff between
// 500ms and 30s.
func NewDecorrelatedJitterBackOff() *DecorrelatedJitterBackOff {
	return &DecorrelatedJitterBackOff{
		Base: 500 * time.Millisecond,
		Cap:  30 * time.Second,
	}
}

// Reset implements backoff.BackOff.
func (b *DecorrelatedJitterBackOff) Reset() {
	b.sleep = b.Base
}

// NextBackOff implements backoff.BackOff.
func (b *DecorrelatedJitterBackOff) NextBackOff() time.Duration {
	if b.sleep == 0 {
		b.sleep = b.Base
	}
	b.sleep = randomBetween(b.Base, min(b.sleep*3, b.Cap))
	return b.sleep
}

// ConstantBackOffWithJitter waits a fixed interval with randomization.
type ConstantBackOffWithJitter struct {
	Interval     time.Duration
	JitterFactor float64
}

// NewConstantBackOffWithJitter creates a 1s interval with 50% jitter.
func NewConstantBackOffWithJitter() *ConstantBackOffWithJitter {
	return &ConstantBackOffWithJitter{
		Interval:     time.Second,
		JitterFactor: 0.5,
	}
}

// Reset implements backoff.BackOff.
func (b *ConstantBackOffWithJitter) Reset() {}

// NextBackOff implements backoff.BackOff.
func (b *ConstantBackOffWithJitter) NextBackOff() time.Duration {
	return applyJitter(b.Interval, b.JitterFactor)
}

// applyJitter returns a random interval in [interval*(1-f), interval*(1+f)].
func applyJitter(interval time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return interval
	}
	jitterFactor = min(jitterFactor, 1)

	delta := float64(interval) * jitterFactor
	lo := float64(interval) - delta
	//nolint:gosec // jitter does not need a cryptographic source
	return time.Duration(lo + rand.Float64()*2*delta)
}

// randomBetween returns a random duration in [minDur, maxDur).
//
//nolint:gosec // jitter does not need a cryptographic source
func randomBetween(minDur, maxDur time.Duration) time.Duration {
	if minDur >= maxDur {
		return minDur
	}
	return minDur + time.Duration(rand.Int64N(int64(maxDur-minDur)))
}

// ExponentialBackOffFromConfig creates a cenkalti/backoff ExponentialBackOff
// from a RetryConfig, always applying some jitter.
func ExponentialBackOffFromConfig(cfg RetryConfig) *backoff.ExponentialBackOff {
	jitterFactor := cfg.JitterFactor
	if jitterFactor <= 0 {
		jitterFactor = DefaultJitterFactor
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = DefaultMultiplier
	}
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = DefaultMaxInterval
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialInterval,
		RandomizationFactor: jitterFactor,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
	}
}
