// Package azuresig signs Azure storage requests with the Shared Key Lite
// scheme.
package azuresig

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/rest"
)

const (
	DefaultVersion = "2009-09-19"
	msPrefix       = "x-ms-"
)

type SharedKeyLite struct {
	Account string
	Key     []byte
	// x-ms-version sent when the request doesn't carry one
	Version string
	Clock   clockwork.Clock
}

// NewSharedKeyLite takes the storage account key as shown in the portal
// (base64).
func NewSharedKeyLite(account, key string, clock clockwork.Clock) (*SharedKeyLite, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "storage account key is not valid base64")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SharedKeyLite{Account: account, Key: decoded, Version: DefaultVersion, Clock: clock}, nil
}

func (s *SharedKeyLite) Filter(ctx context.Context, req *rest.Request) error {
	if req.Header.Get("x-ms-date") == "" {
		req.Header.Set("x-ms-date", s.Clock.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("x-ms-version") == "" && s.Version != "" {
		req.Header.Set("x-ms-version", s.Version)
	}
	sts := StringToSign(req, s.Account)
	req.Header.Set("Authorization", "SharedKeyLite "+s.Account+":"+Sign(s.Key, sts))
	return nil
}

// Sign returns base64(HMAC-SHA256(key, stringToSign)).
func Sign(key []byte, stringToSign string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func StringToSign(req *rest.Request, account string) string {
	var buf strings.Builder
	buf.WriteString(req.Method)
	buf.WriteByte('\n')
	buf.WriteString(req.Header.Get("Content-MD5"))
	buf.WriteByte('\n')
	buf.WriteString(req.Header.Get("Content-Type"))
	buf.WriteByte('\n')
	if req.Header.Get("x-ms-date") == "" {
		buf.WriteString(req.Header.Get("Date"))
	}
	buf.WriteByte('\n')

	ms := map[string]string{}
	var names []string
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, msPrefix) {
			continue
		}
		if _, seen := ms[lower]; !seen {
			names = append(names, lower)
		}
		ms[lower] = strings.TrimSpace(strings.Join(values, ","))
	}
	sort.Strings(names)
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(ms[name])
		buf.WriteByte('\n')
	}

	buf.WriteByte('/')
	buf.WriteString(account)
	buf.WriteString(req.Path())
	// comp is the only query parameter in the lite canonical resource
	if query, err := url.ParseQuery(req.URL.RawQuery); err == nil {
		if comp := query.Get("comp"); comp != "" {
			buf.WriteString("?comp=")
			buf.WriteString(comp)
		}
	}
	return buf.String()
}

// KeyLookup returns the decoded key of a storage account.
type KeyLookup func(account string) (key []byte, ok bool)

// Verify checks the Authorization header of an incoming request and returns
// the account it was signed for.
func Verify(req *rest.Request, lookup KeyLookup) (string, error) {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "SharedKeyLite ") {
		return "", errors.New("missing SharedKeyLite authorization header")
	}
	parts := strings.SplitN(strings.TrimPrefix(auth, "SharedKeyLite "), ":", 2)
	if len(parts) != 2 {
		return "", errors.New("malformed SharedKeyLite authorization header")
	}
	key, ok := lookup(parts[0])
	if !ok {
		return "", errors.Errorf("unknown storage account %q", parts[0])
	}
	expected := Sign(key, StringToSign(req, parts[0]))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return "", errors.New("signature does not match")
	}
	return parts[0], nil
}
