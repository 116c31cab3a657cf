package rest

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
)

// HTTPError is returned for every response that no retry handler took.
// It unwraps to one of the mck sentinel errors based on the status code.
type HTTPError struct {
	StatusCode int
	// Provider error code and message, if an ErrorParser found them
	Code    string
	Message string
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	// Overrides the status based mapping in Unwrap, for providers that
	// report e.g. a missing resource as 400 with a specific code
	Sentinel error
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *HTTPError) Unwrap() error {
	if e.Sentinel != nil {
		return e.Sentinel
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return mck.ErrAuthorization
	case http.StatusNotFound:
		return mck.ErrNotFound
	case http.StatusConflict:
		return mck.ErrAlreadyExists
	case http.StatusRequestEntityTooLarge:
		return mck.ErrInsufficientResources
	}
	return nil
}

// ErrorParser extracts the provider specific code and message from an error
// response body. Either may be empty.
type ErrorParser interface {
	ParseError(resp *Response) (code, message string)
}

type ErrorParserFunc func(resp *Response) (code, message string)

func (f ErrorParserFunc) ParseError(resp *Response) (string, string) {
	return f(resp)
}

// ErrorCode returns the provider error code carried by err, if any.
func ErrorCode(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return ""
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func (c *Client) newError(req *Request, resp *Response) error {
	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Method:     req.Method,
		URL:        redactedURL(req),
		Header:     resp.Header,
		Body:       resp.Body,
	}
	if c.Errors != nil && len(resp.Body) > 0 {
		httpErr.Code, httpErr.Message = c.Errors.ParseError(resp)
	}
	return httpErr
}

// Query signatures and tokens shouldn't end up in logs or error messages.
func redactedURL(req *Request) string {
	u := *req.URL
	q := u.Query()
	redacted := false
	for _, k := range []string{"Signature", "X-Amz-Signature", "X-Amz-Credential", "sig"} {
		if q.Get(k) != "" {
			q.Set(k, "REDACTED")
			redacted = true
		}
	}
	if redacted {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// WithSentinel makes the *HTTPError inside err unwrap to sentinel. err is
// returned unchanged when it carries no HTTPError.
func WithSentinel(err error, sentinel error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		httpErr.Sentinel = sentinel
	}
	return err
}
