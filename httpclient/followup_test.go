package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowUp_RedirectMethods(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		code       int
		wantMethod string
		wantBody   bool
	}{
		{name: "given 301 after POST, then follows with GET", method: http.MethodPost, code: http.StatusMovedPermanently, wantMethod: http.MethodGet},
		{name: "given 302 after POST, then follows with GET", method: http.MethodPost, code: http.StatusFound, wantMethod: http.MethodGet},
		{name: "given 303 after POST, then follows with GET", method: http.MethodPost, code: http.StatusSeeOther, wantMethod: http.MethodGet},
		{name: "given 303 after PUT, then follows with GET", method: http.MethodPut, code: http.StatusSeeOther, wantMethod: http.MethodGet},
		{name: "given 307 after POST, then keeps method and body", method: http.MethodPost, code: http.StatusTemporaryRedirect, wantMethod: http.MethodPost, wantBody: true},
		{name: "given 308 after POST, then keeps method and body", method: http.MethodPost, code: http.StatusPermanentRedirect, wantMethod: http.MethodPost, wantBody: true},
		{name: "given 301 after PUT, then keeps method and body", method: http.MethodPut, code: http.StatusMovedPermanently, wantMethod: http.MethodPut, wantBody: true},
		{name: "given 302 after GET, then follows with GET", method: http.MethodGet, code: http.StatusFound, wantMethod: http.MethodGet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockNetwork().
				StubRedirect("/old", tt.code, "/new").
				StubPath("", "/new", http.StatusOK, "landed")
			client := New(WithMockNetwork(mock))

			var body RequestBody
			if tt.method != http.MethodGet {
				body = StringBody("text/plain", "payload")
			}
			req, err := NewRequestBuilder().URL("http://api.example/old").Method(tt.method, body).Build()
			require.NoError(t, err)

			resp, err := client.Do(context.Background(), req)
			require.NoError(t, err)
			defer resp.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode())
			require.Equal(t, 2, mock.RequestCount())
			final := mock.LastRequest()
			assert.Equal(t, tt.wantMethod, final.Method())
			assert.Equal(t, "/new", final.URL().Path)
			assert.Equal(t, tt.wantBody, final.Body() != nil)
			assert.Equal(t, tt.wantBody, final.Headers().Has("Content-Type"))
			assert.Same(t, final, resp.Request())
		})
	}
}

func TestFollowUp_InterceptorInvocations(t *testing.T) {
	var appCalls, networkCalls int
	var hosts []string
	mock := NewMockNetwork().
		StubRedirect("/start", http.StatusFound, "http://b.example/landing").
		StubPath(http.MethodGet, "/landing", http.StatusOK, "done")
	client := New(
		WithMockNetwork(mock),
		WithInterceptors(InterceptorFunc(func(chain Chain) (*Response, error) {
			appCalls++
			return chain.Proceed(chain.Request())
		})),
		WithNetworkInterceptors(InterceptorFunc(func(chain Chain) (*Response, error) {
			networkCalls++
			hosts = append(hosts, chain.Request().Header("Host"))
			return chain.Proceed(chain.Request())
		})),
	)

	resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://a.example/start"))
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, 1, appCalls)
	assert.Equal(t, 2, networkCalls)
	assert.Equal(t, []string{"a.example", "b.example"}, hosts)
}

func TestFollowUp_TooManyRedirects(t *testing.T) {
	mock := NewMockNetwork().StubRedirect("/loop", http.StatusFound, "/loop")
	client := New(WithMockNetwork(mock))
	call := client.NewCall(context.Background(), testRequest(t, http.MethodGet, "http://api.example/loop"))

	resp, err := call.Execute()

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrTooManyFollowUps)
	assert.Equal(t, KindPolicy, KindOf(err))
	assert.Equal(t, MaxFollowUps+1, mock.RequestCount())
	assert.Equal(t, MaxFollowUps, call.FollowUps())
}

func TestFollowUp_CrossOriginHeaders(t *testing.T) {
	tests := []struct {
		name     string
		location string
		wantAuth string
	}{
		{
			name:     "given a same-origin redirect, then keeps Authorization",
			location: "/landing",
			wantAuth: "Bearer secret",
		},
		{
			name:     "given a redirect to another host, then strips Authorization",
			location: "http://b.example/landing",
		},
		{
			name:     "given a redirect to another port, then strips Authorization",
			location: "http://a.example:8080/landing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockNetwork().
				StubRedirect("/start", http.StatusFound, tt.location).
				StubPath("", "/landing", http.StatusOK, "")
			client := New(WithMockNetwork(mock))
			req, err := NewRequestBuilder().
				URL("http://a.example/start").
				Header("Authorization", "Bearer secret").
				Header("Cookie", "session=1").
				Build()
			require.NoError(t, err)

			resp, err := client.Do(context.Background(), req)
			require.NoError(t, err)
			defer resp.Close()

			final := mock.LastRequest()
			assert.Equal(t, tt.wantAuth, final.Header("Authorization"))
			assert.Equal(t, tt.wantAuth != "", final.Headers().Has("Cookie"))
		})
	}
}

func TestFollowUp_RedirectNotFollowed(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		location string
		opts     []Option
		wantCode int
	}{
		{
			name:     "given redirects disabled, then returns the 3xx",
			url:      "http://api.example/start",
			location: "/landing",
			opts:     []Option{WithFollowRedirects(false)},
			wantCode: http.StatusFound,
		},
		{
			name:     "given an https to http redirect with SSL redirects disabled, then returns the 3xx",
			url:      "https://api.example/start",
			location: "http://api.example/landing",
			opts:     []Option{WithFollowSSLRedirects(false)},
			wantCode: http.StatusFound,
		},
		{
			name:     "given an https to http redirect by default, then follows it",
			url:      "https://api.example/start",
			location: "http://api.example/landing",
			wantCode: http.StatusOK,
		},
		{
			name:     "given a redirect to an unsupported scheme, then returns the 3xx",
			url:      "http://api.example/start",
			location: "ftp://files.example/landing",
			wantCode: http.StatusFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockNetwork().
				StubRedirect("/start", http.StatusFound, tt.location).
				StubPath("", "/landing", http.StatusOK, "")
			client := New(append([]Option{WithMockNetwork(mock)}, tt.opts...)...)

			resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, tt.url))
			require.NoError(t, err)
			defer resp.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode())
		})
	}
}

func TestFollowUp_OneShotBodyNotRedirected(t *testing.T) {
	mock := NewMockNetwork().
		StubRedirect("/upload", http.StatusTemporaryRedirect, "/elsewhere").
		StubPath("", "/elsewhere", http.StatusOK, "")
	client := New(WithMockNetwork(mock))
	req, err := NewRequestBuilder().
		URL("http://api.example/upload").
		Post(ReaderBody("text/plain", 4, strings.NewReader("data"))).
		Build()
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode())
	assert.Equal(t, 1, mock.RequestCount())
}

func TestFollowUp_MissingLocation(t *testing.T) {
	mock := NewMockNetwork().Stub(
		func(*Request) bool { return true },
		MockResponse{Status: http.StatusMovedPermanently},
	)
	client := New(WithMockNetwork(mock))

	_, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestFollowUp_Retry(t *testing.T) {
	tests := []struct {
		name          string
		opts          []Option
		body          RequestBody
		failures      int
		wantErr       bool
		wantFollowUps int
	}{
		{
			name:          "given two refused connections, then succeeds on the third attempt",
			failures:      2,
			wantFollowUps: 2,
		},
		{
			name:     "given retries disabled, then returns the connection error",
			opts:     []Option{WithRetryOnConnectionFailure(false)},
			failures: 1,
			wantErr:  true,
		},
		{
			name:     "given the retry cap, then stops after it",
			opts:     []Option{WithRetryConfig(RetryConfig{Enabled: true, MaxRetries: 1})},
			failures: 3,
			wantErr:  true,
			// One retry was made before the cap stopped the next one.
			wantFollowUps: 1,
		},
		{
			name:     "given a classifier that never retries, then returns the connection error",
			opts:     []Option{WithRetryClassifier(NeverRetryClassifier())},
			failures: 1,
			wantErr:  true,
		},
		{
			name:     "given a one-shot body, then does not retry",
			body:     ReaderBody("text/plain", 4, strings.NewReader("data")),
			failures: 1,
			wantErr:  true,
		},
		{
			name:          "given a replayable body, then retries with it",
			body:          StringBody("text/plain", "data"),
			failures:      1,
			wantFollowUps: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := make([]error, tt.failures)
			for n := range errs {
				errs[n] = syscall.ECONNREFUSED
			}
			mock := NewMockNetwork().StubResponse(http.StatusOK, "ok").FailConnects(errs...)
			client := New(append([]Option{WithMockNetwork(mock)}, tt.opts...)...)

			b := NewRequestBuilder().URL("http://api.example/")
			if tt.body != nil {
				b.Post(tt.body)
			}
			req, err := b.Build()
			require.NoError(t, err)
			call := client.NewCall(context.Background(), req)

			resp, err := call.Execute()

			assert.Equal(t, tt.wantFollowUps, call.FollowUps())
			if tt.wantErr {
				assert.ErrorIs(t, err, syscall.ECONNREFUSED)
				assert.Equal(t, KindTransport, KindOf(err))
				return
			}
			require.NoError(t, err)
			defer resp.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode())
			assert.Equal(t, 1, mock.RequestCount())
		})
	}
}

func TestFollowUp_RetriesCountTowardLimit(t *testing.T) {
	errs := make([]error, MaxFollowUps+5)
	for n := range errs {
		errs[n] = syscall.ECONNREFUSED
	}
	mock := NewMockNetwork().StubResponse(http.StatusOK, "ok").FailConnects(errs...)
	client := New(WithMockNetwork(mock))
	call := client.NewCall(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))

	_, err := call.Execute()

	assert.ErrorIs(t, err, ErrTooManyFollowUps)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, MaxFollowUps, call.FollowUps())
	assert.Zero(t, mock.RequestCount())
}

func TestFollowUp_RedirectThenRetry(t *testing.T) {
	mock := NewMockNetwork().
		StubRedirect("/old", http.StatusMovedPermanently, "/new").
		StubPath("", "/new", http.StatusOK, "ok")
	redirected := false
	mock.OnRequest(func(req *Request) {
		if req.URL().Path == "/old" && !redirected {
			redirected = true
			mock.FailConnects(syscall.ECONNREFUSED)
		}
	})
	client := New(WithMockNetwork(mock))
	call := client.NewCall(context.Background(), testRequest(t, http.MethodGet, "http://api.example/old"))

	resp, err := call.Execute()
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, 2, call.FollowUps())
}

func TestFollowUp_ExchangeErrorNotRetried(t *testing.T) {
	mock := NewMockNetwork().StubError(errors.New("boom"))
	client := New(WithMockNetwork(mock))

	_, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))

	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, mock.RequestCount())
}

func TestFollowUp_RetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mock := NewMockNetwork().StubResponse(http.StatusOK, "ok").
		FailConnects(syscall.ECONNREFUSED, syscall.ECONNREFUSED, syscall.ECONNREFUSED)
	client := New(
		WithMockNetwork(mock),
		WithRetryConfig(RetryConfig{Enabled: true, InitialInterval: time.Hour}),
	)
	call := client.NewCall(ctx, testRequest(t, http.MethodGet, "http://api.example/"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := call.Execute()

	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.LessOrEqual(t, call.FollowUps(), 1)
}

// dialTimeoutError returns the error net.Dialer reports when its deadline
// passes, which also matches context.DeadlineExceeded.
func dialTimeoutError(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	var d net.Dialer
	_, err := d.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestFollowUp_RetriesConnectTimeout(t *testing.T) {
	timeout := dialTimeoutError(t)
	mock := NewMockNetwork().StubResponse(http.StatusOK, "ok").FailConnects(timeout, timeout)
	client := New(
		WithMockNetwork(mock),
		WithRetryConfig(RetryConfig{Enabled: true, MaxRetries: 2}),
	)
	call := client.NewCall(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))

	resp, err := call.Execute()
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, 2, call.FollowUps())
	acquired, _, _ := mock.Connections()
	assert.Equal(t, 1, acquired)
}
