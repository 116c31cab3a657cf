// Package rest is the request pipeline shared by every provider: a request
// model that can be replayed, a chain of filters (signers, token injectors)
// applied on every attempt, retry handlers, and status to error mapping.
package rest

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Request is a fully buffered HTTP request. Signers need to see the body and
// retries need to resend it, so it is never streamed.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", rawURL)
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}, nil
}

// Clone returns a deep copy; filters run on a clone so every attempt starts
// from the request the caller built.
func (r *Request) Clone() *Request {
	u := *r.URL
	if r.URL.User != nil {
		user := *r.URL.User
		u.User = &user
	}
	var body []byte
	if r.Body != nil {
		body = append([]byte{}, r.Body...)
	}
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   body,
	}
}

// Host returns the lowercased host (with port, if any).
func (r *Request) Host() string {
	return strings.ToLower(r.URL.Host)
}

// Path returns the escaped path, "/" when empty.
func (r *Request) Path() string {
	p := r.URL.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}

func (r *Request) String() string {
	return r.Method + " " + r.URL.String()
}

func (r *Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	var hr *http.Request
	var err error
	if body != nil {
		hr, err = http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	} else {
		hr, err = http.NewRequestWithContext(ctx, r.Method, r.URL.String(), nil)
	}
	if err != nil {
		return nil, err
	}
	hr.Header = r.Header.Clone()
	if host := hr.Header.Get("Host"); host != "" {
		hr.Host = host
		hr.Header.Del("Host")
	}
	return hr, nil
}

// FromHTTP builds a Request out of an incoming server request, consuming its
// body. The URL is made absolute using the Host header, if any.
func FromHTTP(hr *http.Request) (*Request, error) {
	var body []byte
	if hr.Body != nil {
		var err error
		body, err = ioutil.ReadAll(hr.Body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read request body")
		}
	}

	u := *hr.URL
	if hr.Host != "" {
		u.Host = hr.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if hr.TLS != nil {
			u.Scheme = "https"
		}
	}

	return &Request{
		Method: hr.Method,
		URL:    &u,
		Header: hr.Header.Clone(),
		Body:   body,
	}, nil
}

// Filter mutates a request before it is sent. Filters run on every attempt.
type Filter interface {
	Filter(ctx context.Context, req *Request) error
}

type FilterFunc func(ctx context.Context, req *Request) error

func (f FilterFunc) Filter(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// SetHeader returns a filter that sets a header unless already present.
func SetHeader(name, value string) Filter {
	return FilterFunc(func(ctx context.Context, req *Request) error {
		if req.Header.Get(name) == "" {
			req.Header.Set(name, value)
		}
		return nil
	})
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
