// Package awsquery is the client side of the AWS Query protocol shared by
// EC2 and ELB: actions are form posts signed with signature version 2 and
// answered in XML.
package awsquery

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
)

type Client struct {
	Endpoint string
	Version  string
	REST     *rest.Client
}

// New adds signer to the filter chain of c.
func New(c *rest.Client, endpoint, version string, signer *awssig.QuerySigner) *Client {
	c.Use(signer)
	c.Errors = ErrorParser
	return &Client{Endpoint: strings.TrimRight(endpoint, "/"), Version: version, REST: c}
}

// Do runs action with params and decodes the XML response into out (which
// may be nil).
func (c *Client) Do(ctx context.Context, action string, params url.Values, out interface{}) error {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("Action", action)
	form.Set("Version", c.Version)

	req, err := rest.NewRequest("POST", c.Endpoint+"/", []byte(awssig.CanonicalQuery(form)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.REST.Do(ctx, req)
	if err != nil {
		if sentinel := sentinelFor(rest.ErrorCode(err)); sentinel != nil {
			rest.WithSentinel(err, sentinel)
		}
		return errors.Wrap(err, action)
	}
	if out == nil {
		return nil
	}
	return rest.DecodeXML(resp, out)
}

type apiError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// EC2 wraps errors in <Response><Errors><Error>, ELB in
// <ErrorResponse><Error>.
type errorBody struct {
	Errors []apiError `xml:"Errors>Error"`
	Error  *apiError  `xml:"Error"`
}

var ErrorParser = rest.ErrorParserFunc(func(resp *rest.Response) (string, string) {
	var body errorBody
	if err := xml.Unmarshal(resp.Body, &body); err != nil {
		return "", ""
	}
	if len(body.Errors) > 0 {
		return body.Errors[0].Code, body.Errors[0].Message
	}
	if body.Error != nil {
		return body.Error.Code, body.Error.Message
	}
	return "", ""
})

// Both services answer 400 for most of these, so the code decides.
func sentinelFor(code string) error {
	switch {
	case code == "":
		return nil
	case strings.HasSuffix(code, "NotFound"):
		return mck.ErrNotFound
	case strings.HasPrefix(code, "AuthFailure") || code == "SignatureDoesNotMatch" ||
		code == "InvalidClientTokenId" || code == "UnauthorizedOperation":
		return mck.ErrAuthorization
	case strings.HasSuffix(code, ".Duplicate") || strings.HasPrefix(code, "Duplicate"):
		return mck.ErrAlreadyExists
	case strings.HasSuffix(code, "LimitExceeded") || strings.HasPrefix(code, "Insufficient") ||
		code == "TooManyLoadBalancers":
		return mck.ErrInsufficientResources
	}
	return nil
}

// AddIndexed adds prefix.1, prefix.2, ... as EC2 expects lists.
func AddIndexed(params url.Values, prefix string, values []string) {
	for i, v := range values {
		params.Set(fmt.Sprintf("%s.%d", prefix, i+1), v)
	}
}

// AddMembers adds prefix.member.1, ... as ELB expects lists.
func AddMembers(params url.Values, prefix string, values []string) {
	AddIndexed(params, prefix+".member", values)
}

// AddMemberFields adds prefix.member.N.field for every field of each entry.
func AddMemberFields(params url.Values, prefix string, entries []map[string]string) {
	for i, entry := range entries {
		for field, v := range entry {
			params.Set(fmt.Sprintf("%s.member.%d.%s", prefix, i+1, field), v)
		}
	}
}
