// Package awssig implements the AWS request signing schemes used by the
// providers: signature version 2 for S3 style REST requests (Authorization
// header), signature version 2 for Query API requests (EC2, ELB), and
// signature version 4 through aws-sdk-go.
package awssig

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/rest"
)

const amzPrefix = "x-amz-"

// Query parameters that take part in the canonical resource. Anything else in
// the query string is ignored when signing.
var signedSubresources = map[string]bool{
	"acl":            true,
	"cors":           true,
	"delete":         true,
	"lifecycle":      true,
	"location":       true,
	"logging":        true,
	"notification":   true,
	"partNumber":     true,
	"policy":         true,
	"requestPayment": true,
	"restore":        true,
	"tagging":        true,
	"torrent":        true,
	"uploadId":       true,
	"uploads":        true,
	"versionId":      true,
	"versioning":     true,
	"versions":       true,
	"website":        true,
}

// HeaderSigner signs S3 style requests with the "AWS key:signature"
// Authorization header.
type HeaderSigner struct {
	Creds *credentials.Credentials
	// Requests to <bucket>.<ServiceHost> are treated as virtual-hosted and
	// the bucket is prepended to the canonical resource. Empty means
	// path-style only.
	ServiceHost string
	Clock       clockwork.Clock
}

func NewHeaderSigner(creds *credentials.Credentials, serviceHost string, clock clockwork.Clock) *HeaderSigner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HeaderSigner{Creds: creds, ServiceHost: strings.ToLower(serviceHost), Clock: clock}
}

func (s *HeaderSigner) Filter(ctx context.Context, req *rest.Request) error {
	v, err := s.Creds.Get()
	if err != nil {
		return errors.Wrap(err, "failed to load aws credentials")
	}
	if v.SessionToken != "" {
		req.Header.Set("x-amz-security-token", v.SessionToken)
	}
	if req.Header.Get("Date") == "" && req.Header.Get("x-amz-date") == "" {
		req.Header.Set("Date", s.Clock.Now().UTC().Format(http.TimeFormat))
	}

	sts := StringToSignV2(req, s.ServiceHost)
	req.Header.Set("Authorization", "AWS "+v.AccessKeyID+":"+SignV2(v.SecretAccessKey, sts))
	return nil
}

// SignV2 returns base64(HMAC-SHA1(secret, stringToSign)).
func SignV2(secret, stringToSign string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StringToSignV2 builds the string that is signed for an S3 style request.
func StringToSignV2(req *rest.Request, serviceHost string) string {
	var buf strings.Builder
	buf.WriteString(req.Method)
	buf.WriteByte('\n')
	buf.WriteString(req.Header.Get("Content-MD5"))
	buf.WriteByte('\n')
	buf.WriteString(req.Header.Get("Content-Type"))
	buf.WriteByte('\n')
	// x-amz-date takes over from Date, and is signed as an amz header
	if req.Header.Get("x-amz-date") == "" {
		buf.WriteString(req.Header.Get("Date"))
	}
	buf.WriteByte('\n')
	writeCanonicalAmzHeaders(&buf, req.Header)
	writeCanonicalResource(&buf, req, serviceHost)
	return buf.String()
}

func writeCanonicalAmzHeaders(buf *strings.Builder, header http.Header) {
	amz := map[string]string{}
	var names []string
	for name, values := range header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, amzPrefix) {
			continue
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		if existing, ok := amz[lower]; ok {
			amz[lower] = existing + "," + strings.Join(trimmed, ",")
		} else {
			amz[lower] = strings.Join(trimmed, ",")
			names = append(names, lower)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(amz[name])
		buf.WriteByte('\n')
	}
}

// BucketFromHost returns the bucket of a virtual-hosted request, or "".
func BucketFromHost(host, serviceHost string) string {
	if serviceHost == "" {
		return ""
	}
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	suffix := "." + serviceHost
	if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
		return strings.TrimSuffix(host, suffix)
	}
	return ""
}

func writeCanonicalResource(buf *strings.Builder, req *rest.Request, serviceHost string) {
	if bucket := BucketFromHost(req.URL.Host, serviceHost); bucket != "" {
		buf.WriteByte('/')
		buf.WriteString(bucket)
	}
	buf.WriteString(req.Path())

	query, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil || len(query) == 0 {
		return
	}
	var names []string
	for name := range query {
		if signedSubresources[name] || strings.HasPrefix(name, "response-") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for i, name := range names {
		if i == 0 {
			buf.WriteByte('?')
		} else {
			buf.WriteByte('&')
		}
		buf.WriteString(name)
		if v := query.Get(name); v != "" {
			buf.WriteByte('=')
			buf.WriteString(v)
		}
	}
}

// SecretLookup returns the secret key for an access key id.
type SecretLookup func(accessKey string) (secret string, ok bool)

// VerifyHeader checks the Authorization header of an incoming S3 style
// request. It returns the access key the request was signed with.
func VerifyHeader(req *rest.Request, serviceHost string, lookup SecretLookup) (string, error) {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS ") {
		return "", errors.New("missing AWS authorization header")
	}
	parts := strings.SplitN(strings.TrimPrefix(auth, "AWS "), ":", 2)
	if len(parts) != 2 {
		return "", errors.New("malformed AWS authorization header")
	}
	secret, ok := lookup(parts[0])
	if !ok {
		return "", errors.Errorf("unknown access key %q", parts[0])
	}
	expected := SignV2(secret, StringToSignV2(req, serviceHost))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return "", errors.New("signature does not match")
	}
	return parts[0], nil
}
