package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Error type constants for the error.type attribute of failed attempts.
const (
	ErrorTypeTimeout           = "timeout"
	ErrorTypeConnectionRefused = "connection_refused"
	ErrorTypeDNSError          = "dns_error"
	ErrorTypeTLSError          = "tls_error"
	ErrorTypeCancelled         = "cancelled"
	ErrorTypeConnectionReset   = "connection_reset"
	ErrorTypeEOF               = "eof"
	ErrorTypeProtocol          = "protocol_error"
	ErrorTypeUnknown           = "unknown"
)

// networkTrace captures connection and exchange timings of one attempt.
// The connect stage fills the connection half; the exchanger fills the rest.
type networkTrace struct {
	getConnTime time.Time
	gotConnTime time.Time

	connectStart time.Time
	connectDone  time.Time

	tlsStart time.Time
	tlsDone  time.Time

	wroteRequestTime  time.Time
	firstResponseTime time.Time

	connReused  bool
	connIdle    bool
	connRemote  string
	protocolVer string
}

// clientTrace returns hooks that record into nt.
func (nt *networkTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(_ string) {
			nt.getConnTime = time.Now()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			nt.gotConnTime = time.Now()
			nt.connReused = info.Reused
			nt.connIdle = info.WasIdle
			if info.Conn != nil {
				if addr := info.Conn.RemoteAddr(); addr != nil {
					nt.connRemote = addr.String()
				}
			}
		},
		ConnectStart: func(_, _ string) {
			nt.connectStart = time.Now()
		},
		ConnectDone: func(_, _ string, _ error) {
			nt.connectDone = time.Now()
		},
		TLSHandshakeStart: func() {
			nt.tlsStart = time.Now()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			nt.tlsDone = time.Now()
			nt.protocolVer = state.NegotiatedProtocol
		},
		WroteRequest: func(_ httptrace.WroteRequestInfo) {
			nt.wroteRequestTime = time.Now()
		},
		GotFirstResponseByte: func() {
			nt.firstResponseTime = time.Now()
		},
	}
}

func (nt *networkTrace) addTraceEvents(span trace.Span) {
	if !nt.connectStart.IsZero() && !nt.connectDone.IsZero() {
		span.AddEvent("connect.start", trace.WithTimestamp(nt.connectStart))
		span.AddEvent("connect.done", trace.WithTimestamp(nt.connectDone),
			trace.WithAttributes(
				attribute.Float64(
					"connect.duration_ms",
					float64(nt.connectDone.Sub(nt.connectStart).Milliseconds()),
				),
			))
	}

	if !nt.tlsStart.IsZero() && !nt.tlsDone.IsZero() {
		span.AddEvent("tls.start", trace.WithTimestamp(nt.tlsStart))
		span.AddEvent("tls.done", trace.WithTimestamp(nt.tlsDone),
			trace.WithAttributes(
				attribute.Float64(
					"tls.duration_ms",
					float64(nt.tlsDone.Sub(nt.tlsStart).Milliseconds()),
				),
				attribute.String("tls.protocol", nt.protocolVer),
			))
	}

	if !nt.gotConnTime.IsZero() {
		span.AddEvent("got_conn", trace.WithTimestamp(nt.gotConnTime),
			trace.WithAttributes(
				attribute.Bool("connection.reused", nt.connReused),
				attribute.Bool("connection.was_idle", nt.connIdle),
				attribute.String("network.peer.address", nt.connRemote),
			))
	}

	if !nt.wroteRequestTime.IsZero() {
		span.AddEvent("wrote_request", trace.WithTimestamp(nt.wroteRequestTime))
	}

	if !nt.firstResponseTime.IsZero() {
		var ttfbMs float64
		if !nt.wroteRequestTime.IsZero() {
			ttfbMs = float64(nt.firstResponseTime.Sub(nt.wroteRequestTime).Milliseconds())
		}
		span.AddEvent("got_first_response_byte", trace.WithTimestamp(nt.firstResponseTime),
			trace.WithAttributes(
				attribute.Float64("ttfb_ms", ttfbMs),
			))
	}
}

// recordTimingMetrics records the time it took to get a connection.
func (nt *networkTrace) recordTimingMetrics(ctx context.Context, m *metrics, attrs []attribute.KeyValue) {
	if nt.getConnTime.IsZero() || nt.gotConnTime.IsZero() {
		return
	}
	m.recordConnectionDuration(ctx, nt.gotConnTime.Sub(nt.getConnTime), withAttr(attrs,
		attribute.Bool("connection.reused", nt.connReused),
	))
}

// instrumentationInterceptor opens a client span for every physical attempt,
// injects the trace context into the outgoing headers and records attempt
// metrics. It runs right after the connect stage so that it sees each
// redirect hop and retry separately.
type instrumentationInterceptor struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	metrics    *metrics
	attrs      []attribute.KeyValue
	filters    []Filter
	spanName   SpanNameFormatter
}

func (i *instrumentationInterceptor) Intercept(chain Chain) (*Response, error) {
	start := time.Now()
	req := chain.Request()
	for _, filter := range i.filters {
		if !filter(req) {
			return chain.Proceed(req)
		}
	}

	spanName := "HTTP " + req.Method()
	if i.spanName != nil {
		spanName = i.spanName(req.Method(), req)
	}
	ctx, span := i.tracer.Start(chain.Context(), spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(i.requestAttributes(req)...),
	)
	defer span.End()

	carrier := propagation.HeaderCarrier(http.Header{})
	i.propagator.Inject(ctx, carrier)
	if keys := carrier.Keys(); len(keys) > 0 {
		b := req.NewBuilder()
		for _, key := range keys {
			b.Header(key, carrier.Get(key))
		}
		injected, err := b.Build()
		if err != nil {
			setSpanError(span, err, ErrorTypeUnknown)
			return nil, err
		}
		req = injected
	}

	if body := req.Body(); body != nil && body.ContentLength() > 0 {
		i.metrics.recordRequestBodySize(ctx, body.ContentLength(), i.attrs)
	}

	var nt *networkTrace
	if rc, ok := chain.(realChain); ok && rc.exchange != nil {
		nt = rc.exchange.trace
	}
	if nt != nil {
		ctx = httptrace.WithClientTrace(ctx, nt.clientTrace())
	}

	resp, err := chain.WithContext(ctx).Proceed(req)
	duration := time.Since(start)

	if nt != nil {
		nt.addTraceEvents(span)
		nt.recordTimingMetrics(ctx, i.metrics, i.attrs)
	}

	if err != nil {
		errorType := classifyError(err)
		setSpanError(span, err, errorType)
		i.metrics.recordRequestDuration(ctx, duration, i.metricsAttributes(req, nil, errorType))
		return nil, err
	}

	span.SetAttributes(responseAttributes(resp)...)
	if resp.StatusCode() >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode()))
		span.SetAttributes(attribute.String("error.type", errorTypeFromStatusCode(resp.StatusCode())))
	}
	i.metrics.recordRequestDuration(ctx, duration, i.metricsAttributes(req, resp, ""))
	return resp, nil
}

// requestAttributes returns span attributes for one attempt.
func (i *instrumentationInterceptor) requestAttributes(req *Request) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 10)
	attrs = append(attrs, i.attrs...)
	attrs = append(attrs, attribute.String("http.request.method", req.Method()))
	attrs = append(attrs, attribute.String("url.full", req.URL().String()))
	attrs = append(attrs, attribute.String("url.scheme", req.URL().Scheme))
	attrs = append(attrs, serverAttributes(req)...)

	if body := req.Body(); body != nil && body.ContentLength() > 0 {
		attrs = append(attrs, attribute.Int64("http.request.body.size", body.ContentLength()))
	}
	if ua := req.Header("User-Agent"); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

// metricsAttributes returns attributes for the request duration histogram.
func (i *instrumentationInterceptor) metricsAttributes(
	req *Request,
	resp *Response,
	errorType string,
) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	attrs = append(attrs, i.attrs...)
	attrs = append(attrs, attribute.String("http.request.method", req.Method()))
	attrs = append(attrs, serverAttributes(req)...)

	if resp != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode()))
		errorType = errorTypeFromStatusCode(resp.StatusCode())
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}
	return attrs
}

// serverAttributes returns server.address and server.port for req.
func serverAttributes(req *Request) []attribute.KeyValue {
	addr := AddressOf(req, nil)
	return []attribute.KeyValue{
		attribute.String("server.address", addr.Host),
		attribute.Int("server.port", addr.Port),
	}
}

// responseAttributes returns span attributes for the response.
func responseAttributes(resp *Response) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode()))

	if n := resp.Body().ContentLength(); n > 0 {
		attrs = append(attrs, attribute.Int64("http.response.body.size", n))
	}

	// "HTTP/1.1" -> "1.1", "HTTP/2.0" -> "2"
	if version, ok := strings.CutPrefix(resp.Proto(), "HTTP/"); ok {
		if version == "2.0" {
			version = "2"
		}
		attrs = append(attrs, attribute.String("network.protocol.version", version))
	}
	return attrs
}

// startCallSpan opens the span covering a whole call, follow-ups included.
func startCallSpan(ctx context.Context, tracer trace.Tracer, call *Call, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	req := call.Request()
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+5)
	spanAttrs = append(spanAttrs, attrs...)
	spanAttrs = append(spanAttrs,
		attribute.String("http.call.id", call.ID()),
		attribute.String("http.request.method", req.Method()),
		attribute.String("url.full", req.URL().String()),
	)
	spanAttrs = append(spanAttrs, serverAttributes(req)...)
	return tracer.Start(ctx, "HTTP "+req.Method()+" call",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(spanAttrs...),
	)
}

// endCallSpan finishes a call span with its outcome. Cancellation is
// recorded as an event rather than an error status.
func endCallSpan(span trace.Span, call *Call, resp *Response, err error) {
	defer span.End()
	span.SetAttributes(attribute.Int("http.follow_up.count", call.FollowUps()))
	switch {
	case err != nil && KindOf(err) == KindCanceled:
		span.AddEvent("http.call.canceled")
	case err != nil:
		setSpanError(span, err, KindOf(err).String())
	default:
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode()))
		if resp.StatusCode() >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode()))
		}
	}
}

// classifyError returns an error.type classification for the given error.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return ErrorTypeProtocol
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorTypeDNSError
	}

	var tlsRecordErr *tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return ErrorTypeTLSError
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrorTypeTLSError
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorTypeConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ErrorTypeConnectionReset
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorTypeEOF
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(errStr, "connection refused"):
		return ErrorTypeConnectionRefused
	case strings.Contains(errStr, "connection reset"):
		return ErrorTypeConnectionReset
	case strings.Contains(errStr, "no such host"):
		return ErrorTypeDNSError
	case strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509"):
		return ErrorTypeTLSError
	}
	return ErrorTypeUnknown
}

// errorTypeFromStatusCode returns error.type for HTTP status codes.
// Per OTel semconv, the status code itself is used as the error type for 4xx/5xx.
func errorTypeFromStatusCode(statusCode int) string {
	if statusCode >= 400 {
		return strconv.Itoa(statusCode)
	}
	return ""
}

// setSpanError records an error on the span with proper status and attributes.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
