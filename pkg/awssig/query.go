package awssig

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/rest"
)

const (
	TimestampFormat = "2006-01-02T15:04:05.000Z"
	formContentType = "application/x-www-form-urlencoded"
)

// QuerySigner signs Query API requests (signature version 2, HmacSHA256).
// POST requests carry the signed parameters as a form body, anything else in
// the query string.
type QuerySigner struct {
	Creds *credentials.Credentials
	Clock clockwork.Clock
}

func NewQuerySigner(creds *credentials.Credentials, clock clockwork.Clock) *QuerySigner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &QuerySigner{Creds: creds, Clock: clock}
}

func (s *QuerySigner) Filter(ctx context.Context, req *rest.Request) error {
	v, err := s.Creds.Get()
	if err != nil {
		return errors.Wrap(err, "failed to load aws credentials")
	}

	post := req.Method == "POST"
	var params url.Values
	if post {
		params, err = url.ParseQuery(string(req.Body))
	} else {
		params, err = url.ParseQuery(req.URL.RawQuery)
	}
	if err != nil {
		return errors.Wrap(err, "failed to parse request parameters")
	}

	params.Del("Signature")
	params.Set("AWSAccessKeyId", v.AccessKeyID)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	if params.Get("Expires") == "" {
		params.Set("Timestamp", s.Clock.Now().UTC().Format(TimestampFormat))
	}
	if v.SessionToken != "" {
		params.Set("SecurityToken", v.SessionToken)
	}

	sts := StringToSignQuery(req.Method, req.Host(), req.Path(), params)
	params.Set("Signature", SignQuery(v.SecretAccessKey, sts))

	encoded := CanonicalQuery(params)
	if post {
		req.Body = []byte(encoded)
		req.Header.Set("Content-Type", formContentType)
	} else {
		req.URL.RawQuery = encoded
	}
	return nil
}

// SignQuery returns base64(HMAC-SHA256(secret, stringToSign)).
func SignQuery(secret, stringToSign string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func StringToSignQuery(method, host, path string, params url.Values) string {
	if path == "" {
		path = "/"
	}
	return method + "\n" + strings.ToLower(host) + "\n" + path + "\n" + CanonicalQuery(params)
}

// CanonicalQuery sorts params by key and encodes them per RFC 3986.
// The Signature parameter, if present, is included like any other.
func CanonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(Escape(k))
			buf.WriteByte('=')
			buf.WriteString(Escape(v))
		}
	}
	return buf.String()
}

// Escape percent-encodes everything but the RFC 3986 unreserved characters.
func Escape(s string) string {
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			buf.WriteByte(c)
			continue
		}
		buf.WriteByte('%')
		buf.WriteByte("0123456789ABCDEF"[c>>4])
		buf.WriteByte("0123456789ABCDEF"[c&15])
	}
	return buf.String()
}

func unreserved(c byte) bool {
	return 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// VerifyQuery checks the signature of an incoming Query API request and
// returns the access key it was signed with.
func VerifyQuery(method, host, path string, params url.Values, lookup SecretLookup) (string, error) {
	signature := params.Get("Signature")
	accessKey := params.Get("AWSAccessKeyId")
	if signature == "" || accessKey == "" {
		return "", errors.New("request is not signed")
	}
	secret, ok := lookup(accessKey)
	if !ok {
		return "", errors.Errorf("unknown access key %q", accessKey)
	}

	unsigned := url.Values{}
	for k, v := range params {
		if k != "Signature" {
			unsigned[k] = v
		}
	}
	expected := SignQuery(secret, StringToSignQuery(method, host, path, unsigned))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", errors.New("signature does not match")
	}
	return accessKey, nil
}
