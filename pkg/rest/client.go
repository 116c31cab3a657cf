package rest

import (
	"context"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Retries for 5xx responses and transport errors. 0 disables them.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Per attempt timeout, 0 for none
	Timeout time.Duration
	// Optional, e.g. to trust the emulator's CA
	Transport http.RoundTripper
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:      5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Timeout:         60 * time.Second,
	}
}

// Client executes requests through its filter chain and retry handlers.
type Client struct {
	HTTP    *http.Client
	Filters []Filter
	// Consulted in order for every failed attempt; the first one that asks
	// for a retry wins
	Retry  []RetryHandler
	Errors ErrorParser
	Log    mck.Logger
}

// NewClient returns a client with redirect and backoff retries configured
// from opts. Callers add their signer filters and error parser.
func NewClient(log mck.Logger, opts Options) *Client {
	if log == nil {
		log = logrus.New()
	}
	httpClient := &http.Client{
		Timeout:   opts.Timeout,
		Transport: opts.Transport,
		// Redirects are retried explicitly so the request is re-signed for
		// the new host.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Client{
		HTTP: httpClient,
		Retry: []RetryHandler{
			&RedirectRetry{MaxRedirects: 5},
			NewBackoffRetry(opts),
		},
		Log: log,
	}
}

// Use appends filters to the chain.
func (c *Client) Use(filters ...Filter) *Client {
	c.Filters = append(c.Filters, filters...)
	return c
}

// PrependRetry puts handlers ahead of the existing ones.
func (c *Client) PrependRetry(handlers ...RetryHandler) *Client {
	c.Retry = append(append([]RetryHandler{}, handlers...), c.Retry...)
	return c
}

// Do executes req. Any 2xx response is returned as is. Anything else is
// offered to the retry handlers and, if none of them retries, returned as an
// *HTTPError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	call := newCall(req, len(c.Retry))

	for {
		call.Attempt++
		attempt := call.Original.Clone()
		for _, f := range c.Filters {
			if err := f.Filter(ctx, attempt); err != nil {
				return nil, errors.Wrapf(err, "failed to prepare %s", attempt.Method)
			}
		}
		call.Request = attempt

		resp, err := c.send(ctx, attempt)
		if err == nil && resp.StatusCode < 300 {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if c.shouldRetry(ctx, call, resp, err) {
			continue
		}

		if err != nil {
			return nil, errors.Wrapf(err, "%s %s failed", attempt.Method, redactedURL(attempt))
		}
		return resp, c.newError(attempt, resp)
	}
}

func (c *Client) shouldRetry(ctx context.Context, call *Call, resp *Response, err error) bool {
	for i, h := range c.Retry {
		call.handler = i
		if h.ShouldRetry(ctx, call, resp, err) {
			call.retries[i]++
			c.Log.WithFields(logrus.Fields{
				"attempt": call.Attempt,
				"request": redactedURL(call.Request),
				"handler": h.Name(),
			}).Debug("retrying request")
			return true
		}
	}
	return false
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	hr, err := req.HTTPRequest(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hresp, err := c.HTTP.Do(hr)
	if err != nil {
		c.Log.WithField("request", req.Method+" "+redactedURL(req)).Debugf("transport error: %v", err)
		return nil, err
	}
	defer hresp.Body.Close()

	body, err := ioutil.ReadAll(hresp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	c.Log.WithFields(logrus.Fields{
		"method":  req.Method,
		"url":     redactedURL(req),
		"status":  hresp.StatusCode,
		"elapsed": time.Since(start),
	}).Debug("http request")

	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       body,
	}, nil
}
