package keystone

import (
	"context"
	"net/http"

	"github.com/serverlessresearch/mck/pkg/rest"
)

const AuthTokenHeader = "X-Auth-Token"

// TokenFilter sets X-Auth-Token from the cache on every attempt.
type TokenFilter struct {
	Cache *TokenCache
}

func (f *TokenFilter) Filter(ctx context.Context, req *rest.Request) error {
	a, err := f.Cache.Get(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(AuthTokenHeader, a.Token.ID)
	return nil
}

// RetryOnRenew retries a request once after a 401, with a fresh token.
// A second 401 for the same call is returned to the caller.
type RetryOnRenew struct {
	Cache *TokenCache
}

func (r *RetryOnRenew) Name() string { return "renew-token" }

func (r *RetryOnRenew) ShouldRetry(ctx context.Context, call *rest.Call, resp *rest.Response, err error) bool {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	token := call.Request.Header.Get(AuthTokenHeader)
	if token == "" || call.Retries() > 0 {
		return false
	}
	r.Cache.Log.WithField("request", call.Request.Method+" "+call.Request.URL.Path).
		Debug("token rejected, renewing")
	r.Cache.InvalidateToken(token)
	return true
}

// Wire adds token auth to c.
func Wire(c *rest.Client, cache *TokenCache) *rest.Client {
	c.Use(&TokenFilter{Cache: cache})
	c.PrependRetry(&RetryOnRenew{Cache: cache})
	if c.Errors == nil {
		c.Errors = ErrorParser
	}
	return c
}

// EndpointSupplier returns the base URL of one service, looked up in the
// catalog on every call so it follows token renewals.
type EndpointSupplier struct {
	Cache       *TokenCache
	ServiceType string
	Region      string
	// Overrides the catalog when set
	Static string
}

func (s *EndpointSupplier) Endpoint(ctx context.Context) (string, error) {
	if s.Static != "" {
		return s.Static, nil
	}
	return s.Cache.Endpoint(ctx, s.ServiceType, s.Region)
}
