package httpclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-side rate limiting.
//
// By default a token bucket is kept in memory. With Redis set, the bucket
// lives in Redis so that every instance of a service shares one budget.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero or negative disables
	// rate limiting.
	RequestsPerSecond float64

	// Burst is the bucket capacity. Values below 1 are treated as 1.
	Burst int

	// WaitOnLimit makes a call wait for a token. When false, a call over
	// the limit fails immediately with ErrRateLimited.
	WaitOnLimit bool

	// PerHost keeps a separate bucket for every host instead of one for
	// the whole client.
	PerHost bool

	// Redis enables distributed rate limiting across multiple instances.
	// If nil, an in-memory rate limiter is used (single-instance only).
	Redis redis.UniversalClient

	// RedisKeyPrefix is the prefix for Redis keys.
	// Default: "ratelimit:"
	RedisKeyPrefix string
}

// DefaultRateLimitConfig returns 100 requests per second with a burst of 10,
// waiting for tokens.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// ErrRateLimited is returned when a call exceeds the rate limit and
// WaitOnLimit is false.
var ErrRateLimited = errors.New("httpclient: rate limit exceeded")

// RateLimitInterceptor returns an application interceptor limiting the rate
// of calls. Use WithRateLimit to also record wait time metrics.
func RateLimitInterceptor(cfg RateLimitConfig) Interceptor {
	return newRateLimitInterceptor(cfg, nil, nil, zerolog.Nop())
}

// WithRateLimit installs a rate limiter ahead of the application
// interceptors.
//
// Example - shared across instances:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	cfg := httpclient.DefaultRateLimitConfig()
//	cfg.Redis = rdb
//	client := httpclient.New(httpclient.WithRateLimit(cfg))
func WithRateLimit(rl RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RateLimit = &rl
	}
}

type rateLimitInterceptor struct {
	cfg     RateLimitConfig
	metrics *metrics
	attrs   []attribute.KeyValue
	logger  zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimitInterceptor(
	cfg RateLimitConfig,
	m *metrics,
	attrs []attribute.KeyValue,
	logger zerolog.Logger,
) *rateLimitInterceptor {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "ratelimit:"
	}
	return &rateLimitInterceptor{
		cfg:      cfg,
		metrics:  m,
		attrs:    attrs,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (i *rateLimitInterceptor) Intercept(chain Chain) (*Response, error) {
	if i.cfg.RequestsPerSecond <= 0 {
		return chain.Proceed(chain.Request())
	}
	ctx := chain.Context()
	key := "global"
	if i.cfg.PerHost {
		key = AddressOf(chain.Request(), nil).Host
	}

	start := time.Now()
	var err error
	if i.cfg.Redis != nil {
		err = i.acquireRedis(ctx, key)
	} else {
		err = i.acquireLocal(ctx, key)
	}
	if i.cfg.WaitOnLimit {
		i.metrics.recordRateLimitWait(ctx, time.Since(start), i.attrs)
	}
	if err != nil {
		return nil, err
	}
	return chain.Proceed(chain.Request())
}

func (i *rateLimitInterceptor) acquireLocal(ctx context.Context, key string) error {
	limiter := i.limiter(key)
	if !i.cfg.WaitOnLimit {
		if !limiter.Allow() {
			return ErrRateLimited
		}
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The wait would outlast the context deadline.
		return ErrRateLimited
	}
	return nil
}

func (i *rateLimitInterceptor) limiter(key string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	if limiter, ok := i.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(i.cfg.RequestsPerSecond), i.cfg.Burst)
	i.limiters[key] = limiter
	return limiter
}

// acquireRedis takes a token from the shared bucket, polling at the refill
// interval while WaitOnLimit is set. Redis errors fail open.
func (i *rateLimitInterceptor) acquireRedis(ctx context.Context, key string) error {
	redisKey := i.cfg.RedisKeyPrefix + key
	interval := time.Duration(float64(time.Second) / i.cfg.RequestsPerSecond)
	for {
		allowed, err := tokenBucketScript.Run(ctx, i.cfg.Redis, []string{redisKey},
			i.cfg.RequestsPerSecond, i.cfg.Burst, time.Now().UnixMilli(), rateLimitKeyTTL).Int()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			i.logger.Warn().Err(err).Str("key", redisKey).Msg("rate limiter unavailable, allowing request")
			return nil
		}
		if allowed == 1 {
			return nil
		}
		if !i.cfg.WaitOnLimit {
			return ErrRateLimited
		}
		if err := wait(ctx, interval); err != nil {
			return err
		}
	}
}

// rateLimitKeyTTL expires buckets of idle keys, in seconds.
const rateLimitKeyTTL = 60

// tokenBucketScript is a Lua script for atomic token bucket rate limiting in Redis.
// It implements a proper token bucket algorithm:
// - Stores: tokens (remaining), last_update (timestamp in milliseconds)
// - Calculates tokens to add based on elapsed time
// - Caps tokens at burst capacity
// - Atomically checks and decrements tokens
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])       -- tokens per second
local burst = tonumber(ARGV[2])      -- max tokens (capacity)
local now = tonumber(ARGV[3])        -- current time in milliseconds
local ttl = tonumber(ARGV[4])        -- key TTL in seconds

local data = redis.call('HMGET', key, 'tokens', 'last_update')
local tokens = tonumber(data[1])
local last_update = tonumber(data[2])

if tokens == nil then
    tokens = burst
    last_update = now
end

local elapsed_ms = math.max(0, now - last_update)
tokens = math.min(burst, tokens + (elapsed_ms / 1000.0) * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'last_update', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)
