package httpclient

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitConfig_Default(t *testing.T) {
	cfg := DefaultRateLimitConfig()

	assert.InDelta(t, 100.0, cfg.RequestsPerSecond, 0.001)
	assert.Equal(t, 10, cfg.Burst)
	assert.True(t, cfg.WaitOnLimit)
	assert.False(t, cfg.PerHost)
	assert.Nil(t, cfg.Redis)
}

func TestRateLimit_Local(t *testing.T) {
	tests := []struct {
		name        string
		cfg         RateLimitConfig
		urls        []string
		wantAllowed int
	}{
		{
			name:        "given calls within the burst, then all pass",
			cfg:         RateLimitConfig{RequestsPerSecond: 1, Burst: 3},
			urls:        []string{"http://a.example/", "http://a.example/", "http://a.example/"},
			wantAllowed: 3,
		},
		{
			name:        "given calls over the burst in fail-fast mode, then the rest are rejected",
			cfg:         RateLimitConfig{RequestsPerSecond: 1, Burst: 2},
			urls:        []string{"http://a.example/", "http://a.example/", "http://a.example/", "http://a.example/"},
			wantAllowed: 2,
		},
		{
			name:        "given a zero rate, then limiting is disabled",
			cfg:         RateLimitConfig{RequestsPerSecond: 0, Burst: 1},
			urls:        []string{"http://a.example/", "http://a.example/", "http://a.example/"},
			wantAllowed: 3,
		},
		{
			name:        "given a burst below one, then one call passes",
			cfg:         RateLimitConfig{RequestsPerSecond: 1},
			urls:        []string{"http://a.example/", "http://a.example/"},
			wantAllowed: 1,
		},
		{
			name:        "given a global bucket, then hosts share it",
			cfg:         RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
			urls:        []string{"http://a.example/", "http://b.example/"},
			wantAllowed: 1,
		},
		{
			name:        "given per-host buckets, then hosts do not share",
			cfg:         RateLimitConfig{RequestsPerSecond: 1, Burst: 1, PerHost: true},
			urls:        []string{"http://a.example/", "http://b.example/", "http://a.example/"},
			wantAllowed: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := NewMockNetwork().StubResponse(http.StatusOK, "ok")
			client := New(WithMockNetwork(network), WithRateLimit(tt.cfg))

			allowed := 0
			for _, u := range tt.urls {
				resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, u))
				if err != nil {
					assert.ErrorIs(t, err, ErrRateLimited)
					continue
				}
				resp.Close()
				allowed++
			}

			assert.Equal(t, tt.wantAllowed, allowed)
			assert.Equal(t, tt.wantAllowed, network.RequestCount())
		})
	}
}

func TestRateLimit_WaitMode(t *testing.T) {
	network := NewMockNetwork().StubResponse(http.StatusOK, "ok")
	client := New(
		WithMockNetwork(network),
		WithRateLimit(RateLimitConfig{RequestsPerSecond: 20, Burst: 1, WaitOnLimit: true}),
	)

	start := time.Now()
	for range 3 {
		resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))
		require.NoError(t, err)
		resp.Close()
	}

	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 3, network.RequestCount())
}

func TestRateLimit_WaitHonorsContext(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name: "given a canceled context, then returns the cancellation",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, func() {}
			},
			wantErr: context.Canceled,
		},
		{
			name: "given a deadline shorter than the wait, then the call is rate limited",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			wantErr: ErrRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := RateLimitInterceptor(RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1, WaitOnLimit: true})
			network := NewMockNetwork().StubResponse(http.StatusOK, "ok")
			client := New(WithMockNetwork(network), WithInterceptors(interceptor))
			resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))
			require.NoError(t, err)
			resp.Close()

			ctx, cancel := tt.ctx()
			defer cancel()
			_, err = client.Do(ctx, testRequest(t, http.MethodGet, "http://api.example/"))

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, network.RequestCount())
		})
	}
}

func TestRateLimit_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := RateLimitConfig{RequestsPerSecond: 0.01, Burst: 2, Redis: rdb, RedisKeyPrefix: "test:"}
	first := New(WithMockNetwork(NewMockNetwork().StubResponse(http.StatusOK, "")), WithRateLimit(cfg))
	second := New(WithMockNetwork(NewMockNetwork().StubResponse(http.StatusOK, "")), WithRateLimit(cfg))

	for _, client := range []*Client{first, second} {
		resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))
		require.NoError(t, err)
		resp.Close()
	}
	_, err := second.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, mr.Exists("test:global"))
	assert.Equal(t, time.Duration(rateLimitKeyTTL)*time.Second, mr.TTL("test:global"))
}

func TestRateLimit_RedisUnavailableFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	network := NewMockNetwork().StubResponse(http.StatusOK, "")
	client := New(
		WithMockNetwork(network),
		WithRateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, Redis: rdb}),
	)

	resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))

	require.NoError(t, err)
	resp.Close()
	assert.Equal(t, 1, network.RequestCount())
}
