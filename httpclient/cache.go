package httpclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Cache stores responses for the cache stage. Implementations must be safe
// for concurrent use.
//
// Lookup returns ok=false when nothing is stored under key. The stage checks
// freshness itself, so implementations may return stale entries.
type Cache interface {
	Lookup(ctx context.Context, key string) (entry *CacheEntry, ok bool, err error)
	Store(ctx context.Context, key string, entry *CacheEntry) error
}

// CacheEntry is a fully buffered response.
type CacheEntry struct {
	StatusCode int         `json:"status_code"`
	Reason     string      `json:"reason"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
	Expires    time.Time   `json:"expires"`
}

// Fresh reports whether the entry may be served at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.Expires)
}

// response rebuilds a Response for req from the entry.
func (e *CacheEntry) response(req *Request, now time.Time) (*Response, error) {
	headers := HeadersFromHTTP(e.Header).NewBuilder()
	age := int(now.Sub(e.StoredAt) / time.Second)
	headers.Set("Age", strconv.Itoa(max(age, 0)))
	return NewResponseBuilder().
		Status(e.StatusCode, e.Reason).
		Proto(e.Proto).
		Headers(headers.Build()).
		Body(StaticResponseBody(e.Header.Get("Content-Type"), e.Body)).
		Request(req).
		Timing(e.StoredAt, e.StoredAt).
		FromCache(true).
		Build()
}

// CacheKey returns the key a request is cached under.
// Key = SHA256(method + normalized URL + sorted query params)
func CacheKey(req *Request) string {
	u := req.url
	query := u.Query()
	params := make([]string, 0, len(query))
	for key, values := range query {
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		for _, v := range sorted {
			params = append(params, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	sort.Strings(params)

	normalized := fmt.Sprintf("%s://%s%s", u.Scheme, strings.ToLower(u.Host), u.EscapedPath())
	sum := sha256.Sum256([]byte(strings.Join([]string{req.Method(), normalized, strings.Join(params, "&")}, "|")))
	return hex.EncodeToString(sum[:])
}

// cacheInterceptor serves fresh entries without running the rest of the
// pipeline and stores cacheable responses on the way back up.
type cacheInterceptor struct {
	cache    Cache
	coalesce bool
	group    singleflight.Group
	logger   zerolog.Logger
	now      func() time.Time
}

func (i *cacheInterceptor) Intercept(chain Chain) (*Response, error) {
	req := chain.Request()
	ctx := chain.Context()
	if req.Method() != http.MethodGet {
		return chain.Proceed(req)
	}
	// Credentialed responses belong to one user and never enter a shared
	// cache.
	if req.Header("Authorization") != "" || req.Header("Cookie") != "" {
		return chain.Proceed(req)
	}
	reqCC := parseCacheControl(req.Headers().Values("Cache-Control"))
	if reqCC.noStore {
		return chain.Proceed(req)
	}

	key := CacheKey(req)
	if !reqCC.noCache {
		entry, ok, err := i.cache.Lookup(ctx, key)
		if err != nil {
			i.logger.Warn().Err(err).Str("request", req.String()).Msg("cache lookup failed")
		}
		if ok && entry.Fresh(i.now()) {
			return entry.response(req, i.now())
		}
	}

	if !i.coalesce {
		resp, err := chain.Proceed(req)
		if err != nil {
			return nil, err
		}
		return i.maybeStore(ctx, key, resp)
	}

	for {
		ch := i.group.DoChan(key, func() (any, error) {
			return i.fetch(ctx, chain, req, key)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			f := res.Val.(*flight)
			if f.panicked != nil {
				panic(f.panicked)
			}
			// The caller that ran the fetch went away. Join or start a new one.
			if f.abandoned && ctx.Err() == nil {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			resp, err := f.entry.response(req, i.now())
			if err != nil {
				return nil, err
			}
			return resp.NewBuilder().FromCache(false).RemoveHeader("Age").Build()
		}
	}
}

// flight is the outcome of one coalesced fetch.
type flight struct {
	entry     *CacheEntry
	abandoned bool
	panicked  any
}

// fetch runs the rest of the pipeline on behalf of every caller waiting on
// key. It runs under the context of the caller that started it.
func (i *cacheInterceptor) fetch(ctx context.Context, chain Chain, req *Request, key string) (f *flight, err error) {
	f = &flight{}
	defer func() {
		if r := recover(); r != nil {
			f.panicked = r
			err = nil
		}
	}()

	// A fetch that failed because its starter left is not shared any more.
	abandon := func() {
		if ctx.Err() != nil {
			f.abandoned = true
			i.group.Forget(key)
		}
	}
	resp, err := chain.Proceed(req)
	if err != nil {
		abandon()
		return f, err
	}
	f.entry, err = i.buffer(resp)
	if err != nil {
		abandon()
		return f, err
	}
	if !f.entry.Expires.IsZero() {
		i.store(ctx, key, f.entry)
	}
	return f, nil
}

// maybeStore buffers and stores resp when it is cacheable. Other responses
// are returned untouched with their stream intact.
func (i *cacheInterceptor) maybeStore(ctx context.Context, key string, resp *Response) (*Response, error) {
	if _, ok := freshnessLifetime(resp, i.now()); !ok {
		return resp, nil
	}
	entry, err := i.buffer(resp)
	if err != nil {
		return nil, err
	}
	i.store(ctx, key, entry)
	return resp.NewBuilder().
		Body(StaticResponseBody(resp.Body().ContentType(), entry.Body)).
		Build()
}

// buffer reads resp into an entry. Expires is zero when resp may not be
// cached.
func (i *cacheInterceptor) buffer(resp *Response) (*CacheEntry, error) {
	data, err := resp.Body().Bytes()
	if err != nil {
		return nil, err
	}
	now := i.now()
	entry := &CacheEntry{
		StatusCode: resp.StatusCode(),
		Reason:     resp.Reason(),
		Proto:      resp.Proto(),
		Header:     resp.Headers().HTTP(),
		Body:       data,
		StoredAt:   now,
	}
	if lifetime, ok := freshnessLifetime(resp, now); ok {
		entry.Expires = now.Add(lifetime)
	}
	return entry, nil
}

func (i *cacheInterceptor) store(ctx context.Context, key string, entry *CacheEntry) {
	if err := i.cache.Store(ctx, key, entry); err != nil {
		i.logger.Warn().Err(err).Msg("cache store failed")
	}
}

// cacheableStatus lists the codes that are cacheable by default.
var cacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusPermanentRedirect:    true,
	http.StatusNotFound:             true,
	http.StatusMethodNotAllowed:     true,
	http.StatusGone:                 true,
	http.StatusRequestURITooLong:    true,
	http.StatusNotImplemented:       true,
}

// freshnessLifetime returns how long resp stays fresh. ok is false when the
// response must not be stored or carries no explicit freshness.
func freshnessLifetime(resp *Response, now time.Time) (time.Duration, bool) {
	if !cacheableStatus[resp.StatusCode()] {
		return 0, false
	}
	cc := parseCacheControl(resp.Headers().Values("Cache-Control"))
	if cc.noStore || cc.noCache {
		return 0, false
	}

	var age time.Duration
	if v := resp.Header("Age"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			age = time.Duration(secs) * time.Second
		}
	}

	var lifetime time.Duration
	switch {
	case cc.maxAge >= 0:
		lifetime = time.Duration(cc.maxAge) * time.Second
	case resp.Header("Expires") != "":
		expires, err := http.ParseTime(resp.Header("Expires"))
		if err != nil {
			return 0, false
		}
		date := now
		if d, err := http.ParseTime(resp.Header("Date")); err == nil {
			date = d
		}
		lifetime = expires.Sub(date)
	default:
		return 0, false
	}

	lifetime -= age
	if lifetime <= 0 {
		return 0, false
	}
	return lifetime, true
}

type cacheControl struct {
	noStore bool
	noCache bool
	maxAge  int // -1 when absent
}

func parseCacheControl(values []string) cacheControl {
	cc := cacheControl{maxAge: -1}
	for _, value := range values {
		for _, directive := range strings.Split(value, ",") {
			name, arg, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store":
				cc.noStore = true
			case "no-cache":
				cc.noCache = true
			case "max-age":
				if secs, err := strconv.Atoi(strings.Trim(arg, `"`)); err == nil {
					cc.maxAge = secs
				}
			}
		}
	}
	return cc
}
