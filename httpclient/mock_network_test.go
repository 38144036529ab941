package httpclient

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockNetwork_Stubs(t *testing.T) {
	network := NewMockNetwork().
		StubPath(http.MethodGet, "/users", http.StatusOK, `[{"id":1}]`).
		StubPath(http.MethodPost, "/users", http.StatusCreated, `{"id":2}`).
		StubPathRegex(`^/users/\d+$`, http.StatusOK, `{"id":123}`).
		StubHost("other.example", http.StatusAccepted, "other").
		StubResponse(http.StatusNotFound, "fallback")
	client := New(WithMockNetwork(network), WithRetryConfig(NoRetryConfig()))

	tests := []struct {
		name       string
		method     string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "given a GET to a stubbed path, then uses the path stub",
			method:     http.MethodGet,
			url:        "http://api.example/users",
			wantStatus: http.StatusOK,
			wantBody:   `[{"id":1}]`,
		},
		{
			name:       "given a POST to the same path, then uses the method stub",
			method:     http.MethodPost,
			url:        "http://api.example/users",
			wantStatus: http.StatusCreated,
			wantBody:   `{"id":2}`,
		},
		{
			name:       "given a path matching the pattern, then uses the regex stub",
			method:     http.MethodGet,
			url:        "http://api.example/users/42",
			wantStatus: http.StatusOK,
			wantBody:   `{"id":123}`,
		},
		{
			name:       "given a stubbed host, then uses the host stub",
			method:     http.MethodGet,
			url:        "http://other.example/anything",
			wantStatus: http.StatusAccepted,
			wantBody:   "other",
		},
		{
			name:       "given no specific stub, then uses the fallback",
			method:     http.MethodGet,
			url:        "http://api.example/missing",
			wantStatus: http.StatusNotFound,
			wantBody:   "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body RequestBody
			if tt.method == http.MethodPost {
				body = StringBody("application/json", `{}`)
			}
			req, err := NewRequestBuilder().URL(tt.url).Method(tt.method, body).Build()
			require.NoError(t, err)

			resp, err := client.Do(context.Background(), req)
			require.NoError(t, err)
			defer resp.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode())
			got, err := resp.Body().String()
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, got)
			assert.Equal(t, tt.url, network.LastRequest().URL().String())
		})
	}
	assert.Equal(t, len(tests), network.RequestCount())
}

func TestMockNetwork_FirstMatchWins(t *testing.T) {
	network := NewMockNetwork().
		StubPath("", "/a", http.StatusOK, "first").
		StubPath("", "/a", http.StatusOK, "second")
	client := New(WithMockNetwork(network))

	resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/a"))
	require.NoError(t, err)

	body, err := resp.Body().String()
	require.NoError(t, err)
	assert.Equal(t, "first", body)
}

func TestMockNetwork_Errors(t *testing.T) {
	boom := errors.New("network error")

	tests := []struct {
		name    string
		network *MockNetwork
		wantErr error
	}{
		{
			name:    "given no stub, then returns ErrNoStub",
			network: NewMockNetwork(),
			wantErr: ErrNoStub,
		},
		{
			name:    "given a stubbed error, then returns it",
			network: NewMockNetwork().StubError(boom),
			wantErr: boom,
		},
		{
			name:    "given a failed connect, then returns the connect error",
			network: NewMockNetwork().FailConnects(syscall.ECONNREFUSED),
			wantErr: syscall.ECONNREFUSED,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(WithMockNetwork(tt.network), WithRetryConfig(NoRetryConfig()))

			_, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMockNetwork_HeadersAndDelay(t *testing.T) {
	network := NewMockNetwork().Stub(func(*Request) bool { return true }, MockResponse{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "application/json", "X-Mock": "yes"},
		Body:    `{}`,
		Delay:   30 * time.Millisecond,
	})
	client := New(WithMockNetwork(network))

	start := time.Now()
	resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))
	require.NoError(t, err)
	defer resp.Close()

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, "application/json", resp.Header("Content-Type"))
	assert.Equal(t, "yes", resp.Header("X-Mock"))
}

func TestMockNetwork_Reset(t *testing.T) {
	network := NewMockNetwork().StubResponse(http.StatusOK, "ok")
	client := New(WithMockNetwork(network))
	resp, err := client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))
	require.NoError(t, err)
	resp.Close()
	acquired, _, _ := network.Connections()
	require.Equal(t, 1, acquired)

	network.Reset()

	assert.Zero(t, network.RequestCount())
	assert.Nil(t, network.LastRequest())
	acquired, released, discarded := network.Connections()
	assert.Zero(t, acquired+released+discarded)
	_, err = client.Do(context.Background(), testRequest(t, http.MethodGet, "http://api.example/"))
	assert.ErrorIs(t, err, ErrNoStub)
}
