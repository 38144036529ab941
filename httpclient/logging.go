package httpclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingInterceptor logs every request it sees and the response or error
// that comes back, at debug level.
//
// Registered with WithInterceptors it logs once per call; registered with
// WithNetworkInterceptors it logs every redirect hop and retry, with the
// headers added by the bridge stage.
func LoggingInterceptor(logger zerolog.Logger) Interceptor {
	return &loggingInterceptor{logger: logger}
}

// CurlLoggingInterceptor is LoggingInterceptor that also logs an equivalent
// cURL command for each request. Replayable bodies are included in the
// command; Authorization headers are included as sent.
func CurlLoggingInterceptor(logger zerolog.Logger) Interceptor {
	return &loggingInterceptor{logger: logger, curl: true}
}

type loggingInterceptor struct {
	logger zerolog.Logger
	curl   bool
}

func (i *loggingInterceptor) Intercept(chain Chain) (*Response, error) {
	req := chain.Request()
	start := time.Now()

	event := i.logger.Debug().
		Str("call_id", chain.Call().ID()).
		Str("method", req.Method()).
		Str("url", req.URL().String()).
		Str("host", req.Host())
	if i.curl {
		event = event.Str("curl", generateCurlCommand(req))
	}
	event.Msg("HTTP request")

	resp, err := chain.Proceed(req)
	duration := time.Since(start)
	if err != nil {
		i.logger.Debug().
			Str("call_id", chain.Call().ID()).
			Str("url", req.URL().String()).
			Dur("duration_ms", duration).
			Err(err).
			Msg("HTTP request failed")
		return nil, err
	}

	i.logger.Debug().
		Str("call_id", chain.Call().ID()).
		Str("url", resp.Request().URL().String()).
		Int("status", resp.StatusCode()).
		Str("status_text", resp.Reason()).
		Dur("duration_ms", duration).
		Int64("content_length", resp.Body().ContentLength()).
		Bool("from_cache", resp.FromCache()).
		Msg("HTTP response")
	return resp, nil
}

// generateCurlCommand creates a cURL command equivalent for the given request.
//
// Example output:
//
//	curl -X POST 'https://api.example.com/users' -H 'Content-Type: application/json' -d '{"name":"John"}'
func generateCurlCommand(req *Request) string {
	parts := []string{"curl"}

	if req.Method() != http.MethodGet {
		parts = append(parts, "-X", req.Method())
	}
	parts = append(parts, fmt.Sprintf("'%s'", req.URL().String()))

	// Headers keep their request order.
	req.Headers().Each(func(name, value string) {
		parts = append(parts, "-H", fmt.Sprintf("'%s: %s'", name, shellEscape(value)))
	})
	if body := req.Body(); body != nil && !req.Headers().Has("Content-Type") && body.ContentType() != "" {
		parts = append(parts, "-H", fmt.Sprintf("'Content-Type: %s'", body.ContentType()))
	}

	if data, ok := bodyBytes(req.Body()); ok && len(data) > 0 {
		parts = append(parts, "-d", fmt.Sprintf("'%s'", shellEscape(string(data))))
	} else if !ok {
		parts = append(parts, "--data-binary", "@-")
	}

	return strings.Join(parts, " ")
}

func shellEscape(s string) string {
	return strings.ReplaceAll(s, "'", "'\\''")
}
