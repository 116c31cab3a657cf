package rest

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Call tracks one logical Do across its attempts.
type Call struct {
	// What each attempt is cloned from. Retry handlers may change it, e.g.
	// to follow a redirect.
	Original *Request
	// The request as sent on the last attempt, after filters
	Request *Request
	// 1 on the first attempt
	Attempt int

	handler int
	retries []int
	state   []interface{}
}

func newCall(req *Request, handlers int) *Call {
	return &Call{
		Original: req.Clone(),
		retries:  make([]int, handlers),
		state:    make([]interface{}, handlers),
	}
}

// Retries returns how many retries the handler being consulted has already
// granted for this call.
func (c *Call) Retries() int {
	return c.retries[c.handler]
}

// State returns per call state kept by the handler being consulted.
func (c *Call) State() interface{} {
	return c.state[c.handler]
}

func (c *Call) SetState(v interface{}) {
	c.state[c.handler] = v
}

// RetryHandler decides whether a failed attempt should be retried. resp is
// nil when err is a transport error. Handlers may block (to back off) and
// must honor ctx.
type RetryHandler interface {
	Name() string
	ShouldRetry(ctx context.Context, call *Call, resp *Response, err error) bool
}

// RedirectRetry follows 301/302/307/308 responses carrying a Location by
// retargeting the request, so it is signed again for the new endpoint.
type RedirectRetry struct {
	MaxRedirects int
}

func (r *RedirectRetry) Name() string { return "redirect" }

func (r *RedirectRetry) ShouldRetry(ctx context.Context, call *Call, resp *Response, err error) bool {
	if resp == nil || call.Retries() >= r.MaxRedirects {
		return false
	}
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return false
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return false
	}
	target, err := url.Parse(loc)
	if err != nil {
		return false
	}
	target = call.Request.URL.ResolveReference(target)

	// Only the endpoint moves; path and query stay what the caller built.
	// Don't follow redirects to a different scheme.
	if target.Scheme != call.Original.URL.Scheme {
		return false
	}
	call.Original.URL.Host = target.Host
	return true
}

// BackoffRetry retries server errors and transport failures with exponential
// backoff.
type BackoffRetry struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewBackoffRetry(opts Options) *BackoffRetry {
	return &BackoffRetry{
		MaxRetries:      opts.MaxRetries,
		InitialInterval: opts.InitialInterval,
		MaxInterval:     opts.MaxInterval,
	}
}

func (r *BackoffRetry) Name() string { return "backoff" }

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (r *BackoffRetry) ShouldRetry(ctx context.Context, call *Call, resp *Response, err error) bool {
	if r.MaxRetries <= 0 {
		return false
	}
	if resp != nil && !retryableStatus(resp.StatusCode) {
		return false
	}

	b, ok := call.State().(backoff.BackOff)
	if !ok {
		exp := backoff.NewExponentialBackOff()
		if r.InitialInterval > 0 {
			exp.InitialInterval = r.InitialInterval
		}
		if r.MaxInterval > 0 {
			exp.MaxInterval = r.MaxInterval
		}
		// the retry count is the only bound
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.MaxRetries)), ctx)
		call.SetState(b)
	}

	wait := b.NextBackOff()
	if wait == backoff.Stop {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
