package httpclient

// Interceptor observes, rewrites or short-circuits a request on its way
// down the pipeline and the response on its way back up.
//
// Application interceptors (WithInterceptors) run once per call and see the
// caller's original request. Network interceptors (WithNetworkInterceptors)
// run once per physical attempt, after a connection was acquired, and see
// every redirect and retry.
//
// Common use cases:
//   - Adding authentication headers (Bearer tokens, API keys)
//   - Injecting correlation IDs
//   - Request and response logging
//   - Serving synthesized responses in tests
type Interceptor interface {
	Intercept(chain Chain) (*Response, error)
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(chain Chain) (*Response, error)

// Intercept implements Interceptor.
func (f InterceptorFunc) Intercept(chain Chain) (*Response, error) {
	return f(chain)
}

// Common interceptor helpers

// HeaderInterceptor sets name to the value returned by valueFunc on every
// request. An error from valueFunc fails the call.
func HeaderInterceptor(name string, valueFunc func() (string, error)) Interceptor {
	return InterceptorFunc(func(chain Chain) (*Response, error) {
		value, err := valueFunc()
		if err != nil {
			return nil, err
		}
		req, err := chain.Request().NewBuilder().Header(name, value).Build()
		if err != nil {
			return nil, err
		}
		return chain.Proceed(req)
	})
}

// AuthBearerInterceptor creates an interceptor that adds a Bearer token.
func AuthBearerInterceptor(token string) Interceptor {
	return HeaderInterceptor("Authorization", func() (string, error) {
		return "Bearer " + token, nil
	})
}

// AuthBearerFuncInterceptor creates an interceptor that adds a Bearer token
// from a function (useful for dynamic/refreshable tokens).
func AuthBearerFuncInterceptor(tokenFunc func() (string, error)) Interceptor {
	return HeaderInterceptor("Authorization", func() (string, error) {
		token, err := tokenFunc()
		if err != nil {
			return "", err
		}
		return "Bearer " + token, nil
	})
}

// APIKeyInterceptor creates an interceptor that adds an API key header.
func APIKeyInterceptor(headerName, apiKey string) Interceptor {
	return HeaderInterceptor(headerName, func() (string, error) {
		return apiKey, nil
	})
}

// CorrelationIDInterceptor creates an interceptor that adds a correlation ID
// unless the request already carries one.
func CorrelationIDInterceptor(headerName string, idFunc func() string) Interceptor {
	return InterceptorFunc(func(chain Chain) (*Response, error) {
		req := chain.Request()
		if req.Headers().Has(headerName) {
			return chain.Proceed(req)
		}
		next, err := req.NewBuilder().Header(headerName, idFunc()).Build()
		if err != nil {
			return nil, err
		}
		return chain.Proceed(next)
	})
}

// UserAgentInterceptor creates an interceptor that sets the User-Agent header.
func UserAgentInterceptor(userAgent string) Interceptor {
	return HeaderInterceptor("User-Agent", func() (string, error) {
		return userAgent, nil
	})
}
