package keystone

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultExpiryMargin = 30 * time.Second
	DefaultAuthTimeout  = 60 * time.Second
)

// TokenCache holds the current Access of one Authenticator. Concurrent
// misses share a single auth call.
type TokenCache struct {
	Auth Authenticator
	// A token is renewed this long before it expires
	ExpiryMargin time.Duration
	// Bounds a shared auth call, which outlives the caller that started it
	Timeout time.Duration
	Clock   clockwork.Clock
	Log          mck.Logger

	mu     sync.Mutex
	access *Access
	group  singleflight.Group
}

func NewTokenCache(auth Authenticator, clock clockwork.Clock, log mck.Logger) *TokenCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.New()
	}
	return &TokenCache{Auth: auth, ExpiryMargin: DefaultExpiryMargin, Timeout: DefaultAuthTimeout, Clock: clock, Log: log}
}

func (c *TokenCache) valid(a *Access) bool {
	if a == nil {
		return false
	}
	if a.Token.Expires.IsZero() {
		return true
	}
	return c.Clock.Now().Before(a.Token.Expires.Add(-c.ExpiryMargin))
}

func (c *TokenCache) cached() *Access {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid(c.access) {
		return c.access
	}
	return nil
}

// Get returns the cached Access, authenticating when there is none or it is
// about to expire. A caller giving up doesn't cancel the auth call other
// callers are waiting on.
func (c *TokenCache) Get(ctx context.Context) (*Access, error) {
	if a := c.cached(); a != nil {
		return a, nil
	}

	ch := c.group.DoChan("access", func() (interface{}, error) {
		if a := c.cached(); a != nil {
			return a, nil
		}
		authCtx := context.WithoutCancel(ctx)
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			authCtx, cancel = context.WithTimeout(authCtx, c.Timeout)
			defer cancel()
		}
		a, err := c.Auth.Authenticate(authCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.access = a
		c.mu.Unlock()
		c.Log.WithField("expires", a.Token.Expires).Debug("obtained auth token")
		return a, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Access), nil
	}
}

// Invalidate drops the cached Access.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.access = nil
	c.mu.Unlock()
}

// InvalidateToken drops the cached Access only if it still holds tokenID,
// so a token renewed by a concurrent request isn't thrown away.
func (c *TokenCache) InvalidateToken(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access != nil && c.access.Token.ID == tokenID {
		c.access = nil
	}
}

// Endpoint resolves the public URL of serviceType from the cached catalog.
func (c *TokenCache) Endpoint(ctx context.Context, serviceType, region string) (string, error) {
	a, err := c.Get(ctx)
	if err != nil {
		return "", err
	}
	return a.Endpoint(serviceType, region)
}
