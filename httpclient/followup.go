package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxFollowUps is the number of redirects and retries, combined, a call may
// make after its first attempt.
const MaxFollowUps = 20

// maxDiscardBytes bounds how much of a redirect body is read so that its
// connection can be reused.
const maxDiscardBytes = 64 << 10

// followUpInterceptor re-runs the rest of the pipeline for redirects and
// retryable transport failures. Its follow-up count lives on the Call so a
// single instance can serve concurrent calls.
type followUpInterceptor struct {
	followRedirects    bool
	followSSLRedirects bool
	retry              RetryConfig
	classifier         RetryClassifier
	newBackOff         func() backoff.BackOff
	logger             zerolog.Logger
	metrics            *metrics
	attrs              []attribute.KeyValue
}

func (i *followUpInterceptor) Intercept(chain Chain) (*Response, error) {
	rc, ok := chain.(realChain)
	if !ok {
		return nil, errors.New("httpclient: follow-up stage requires the built-in chain")
	}
	call := chain.Call()
	ctx := chain.Context()
	req := chain.Request()

	var (
		bo      backoff.BackOff
		retries uint
		start   = time.Now()
	)

	for {
		resp, err := rc.fork().Proceed(req)
		if err != nil {
			if ctx.Err() != nil || !i.canRetry(req, err, retries, time.Since(start)) {
				return nil, err
			}
			if exhausted := i.countFollowUp(ctx, call, "retry"); exhausted != nil {
				return nil, fmt.Errorf("%w: %w", exhausted, err)
			}
			retries++
			i.logger.Debug().
				Str("call_id", call.ID()).
				Str("request", req.String()).
				Uint("retry", retries).
				Err(err).
				Msg("retrying after connection failure")

			if bo == nil {
				bo = i.backOff()
			}
			if waitErr := wait(ctx, bo.NextBackOff()); waitErr != nil {
				return nil, err
			}
			continue
		}

		if !i.followRedirects || !resp.IsRedirect() {
			return resp, nil
		}
		next, err := i.redirect(req, resp)
		if err != nil {
			resp.Close()
			return nil, err
		}
		if next == nil {
			return resp, nil
		}
		discardBody(resp.Body())

		if exhausted := i.countFollowUp(ctx, call, "redirect"); exhausted != nil {
			return nil, exhausted
		}
		i.logger.Debug().
			Str("call_id", call.ID()).
			Int("status", resp.StatusCode()).
			Str("from", req.String()).
			Str("to", next.String()).
			Msg("following redirect")
		req = next
	}
}

// countFollowUp records one more follow-up on call. It returns an error once
// the call already used all MaxFollowUps.
func (i *followUpInterceptor) countFollowUp(ctx context.Context, call *Call, kind string) error {
	n := call.followUps.Load()
	if n >= MaxFollowUps {
		i.metrics.recordFollowUpsExhausted(ctx, i.attrs)
		trace.SpanFromContext(ctx).AddEvent("http.follow_up.exhausted",
			trace.WithAttributes(attribute.Int("http.follow_up.count", int(n))))
		return fmt.Errorf("%w: %d", ErrTooManyFollowUps, n+1)
	}
	n = call.followUps.Add(1)
	i.metrics.recordFollowUp(ctx, i.attrs, kind)
	trace.SpanFromContext(ctx).AddEvent("http.follow_up", trace.WithAttributes(
		attribute.String("http.follow_up.kind", kind),
		attribute.Int("http.follow_up.count", int(n)),
	))
	return nil
}

func (i *followUpInterceptor) canRetry(req *Request, err error, retries uint, elapsed time.Duration) bool {
	if !i.retry.allows(retries, elapsed) {
		return false
	}
	if body := req.Body(); body != nil && !body.Replayable() {
		return false
	}
	classifier := i.classifier
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return classifier(req, err)
}

func (i *followUpInterceptor) backOff() backoff.BackOff {
	if i.newBackOff != nil {
		return i.newBackOff()
	}
	return i.retry.newBackOff()
}

// redirect builds the request that follows resp. It returns nil when the
// redirect must not be followed, in which case resp is handed to the caller.
func (i *followUpInterceptor) redirect(req *Request, resp *Response) (*Request, error) {
	code := resp.StatusCode()
	location := resp.Header("Location")
	if location == "" {
		return nil, &ProtocolError{Msg: fmt.Sprintf("redirect %d without Location header", code)}
	}
	target, err := req.url.Parse(location)
	if err != nil {
		return nil, &ProtocolError{Msg: "invalid Location header", Err: err}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, nil
	}
	if req.IsHTTPS() && target.Scheme == "http" && !i.followSSLRedirects {
		return nil, nil
	}

	b := req.NewBuilder().ParsedURL(target)
	method := req.Method()
	body := req.Body()

	switch {
	case code == http.StatusTemporaryRedirect || code == http.StatusPermanentRedirect:
		// Method and body are kept.
	case code == http.StatusSeeOther && method != http.MethodHead,
		!isIdempotent(method):
		b.Method(http.MethodGet, nil)
		b.RemoveHeader("Content-Type").
			RemoveHeader("Content-Length").
			RemoveHeader("Transfer-Encoding")
		body = nil
	}
	if body != nil && !body.Replayable() {
		return nil, nil
	}

	if AddressOf(req, nil).Key() != addressOfURL(target, nil).Key() {
		b.RemoveHeader("Authorization").
			RemoveHeader("Cookie").
			RemoveHeader("Host")
	}
	return b.Build()
}

// discardBody drains a small remainder of b so its connection can be reused,
// then closes it.
func discardBody(b *ResponseBody) {
	_, _ = io.Copy(io.Discard, io.LimitReader(b, maxDiscardBytes))
	_ = b.Close()
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d == backoff.Stop {
		return errors.New("httpclient: backoff stopped")
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
