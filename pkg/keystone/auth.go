package keystone

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/rest"
)

type Authenticator interface {
	Authenticate(ctx context.Context) (*Access, error)
}

const (
	PasswordCredentials     = "passwordCredentials"
	APIAccessKeyCredentials = "apiAccessKeyCredentials"

	// Lifetime assumed for v1 tokens, which carry no expiry
	DefaultV1TokenTTL = 24 * time.Hour
)

type Credentials struct {
	// PasswordCredentials (default) or APIAccessKeyCredentials
	Type string
	// Username or access key
	Identity string
	// Password or secret key
	Secret     string
	TenantName string
	TenantID   string
}

// V2Authenticator posts credentials to {AuthURL}/tokens.
type V2Authenticator struct {
	AuthURL string
	Creds   Credentials
	Client  *rest.Client
}

func NewV2Authenticator(client *rest.Client, authURL string, creds Credentials) *V2Authenticator {
	if client.Errors == nil {
		client.Errors = ErrorParser
	}
	return &V2Authenticator{AuthURL: authURL, Creds: creds, Client: client}
}

type v2Request struct {
	Auth v2Auth `json:"auth"`
}

type v2Auth struct {
	Password   *passwordCreds  `json:"passwordCredentials,omitempty"`
	AccessKey  *accessKeyCreds `json:"apiAccessKeyCredentials,omitempty"`
	TenantName string          `json:"tenantName,omitempty"`
	TenantID   string          `json:"tenantId,omitempty"`
}

type passwordCreds struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accessKeyCreds struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

type v2Response struct {
	Access Access `json:"access"`
}

func (a *V2Authenticator) Authenticate(ctx context.Context) (*Access, error) {
	body := v2Request{Auth: v2Auth{TenantName: a.Creds.TenantName, TenantID: a.Creds.TenantID}}
	switch a.Creds.Type {
	case "", PasswordCredentials:
		body.Auth.Password = &passwordCreds{Username: a.Creds.Identity, Password: a.Creds.Secret}
	case APIAccessKeyCredentials:
		body.Auth.AccessKey = &accessKeyCreds{AccessKey: a.Creds.Identity, SecretKey: a.Creds.Secret}
	default:
		return nil, errors.Errorf("unknown keystone credential type %q", a.Creds.Type)
	}

	req, err := rest.JSONRequest("POST", rest.JoinURL(a.AuthURL, "tokens"), body)
	if err != nil {
		return nil, err
	}
	resp, err := a.Client.Do(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "keystone authentication failed")
	}

	var out v2Response
	if err := rest.DecodeJSON(resp, &out); err != nil {
		return nil, err
	}
	if out.Access.Token.ID == "" {
		return nil, errors.New("keystone returned no token")
	}
	return &out.Access, nil
}

// V1Authenticator speaks the Swift/Rackspace v1 protocol: credentials in
// headers, token and service URLs in the response headers.
type V1Authenticator struct {
	AuthURL  string
	User     string
	Key      string
	TokenTTL time.Duration
	Clock    clockwork.Clock
	Client   *rest.Client
}

func NewV1Authenticator(client *rest.Client, authURL, user, key string, clock clockwork.Clock) *V1Authenticator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &V1Authenticator{
		AuthURL:  authURL,
		User:     user,
		Key:      key,
		TokenTTL: DefaultV1TokenTTL,
		Clock:    clock,
		Client:   client,
	}
}

func (a *V1Authenticator) Authenticate(ctx context.Context) (*Access, error) {
	req, err := rest.NewRequest("GET", a.AuthURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-User", a.User)
	req.Header.Set("X-Auth-Key", a.Key)

	resp, err := a.Client.Do(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "swift authentication failed")
	}

	token := resp.Header.Get("X-Auth-Token")
	if token == "" {
		token = resp.Header.Get("X-Storage-Token")
	}
	if token == "" {
		return nil, errors.New("auth response carried no X-Auth-Token")
	}

	access := &Access{
		Token: Token{ID: token},
		User:  User{ID: a.User, Name: a.User},
	}
	if a.TokenTTL > 0 {
		access.Token.Expires = a.Clock.Now().Add(a.TokenTTL)
	}
	if u := resp.Header.Get("X-Storage-Url"); u != "" {
		access.ServiceCatalog = append(access.ServiceCatalog, Service{
			Type: ObjectStore, Name: "swift", Endpoints: []Endpoint{{PublicURL: u}},
		})
	}
	if u := resp.Header.Get("X-Server-Management-Url"); u != "" {
		access.ServiceCatalog = append(access.ServiceCatalog, Service{
			Type: Compute, Name: "nova", Endpoints: []Endpoint{{PublicURL: u}},
		})
	}
	return access, nil
}

// ErrorParser reads the OpenStack JSON error envelope, e.g.
// {"itemNotFound": {"message": "...", "code": 404}}. Bodies that aren't
// JSON (Swift answers in plain text or html) become the message.
var ErrorParser = rest.ErrorParserFunc(func(resp *rest.Response) (string, string) {
	var envelope map[string]struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err == nil {
		for code, detail := range envelope {
			return code, detail.Message
		}
	}
	msg := strings.TrimSpace(string(resp.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return "", msg
})
