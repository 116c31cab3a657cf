// Package keystone authenticates against OpenStack Keystone (v2.0) and the
// older Swift/Rackspace v1 auth, caches the resulting tokens and plugs them
// into the rest pipeline: a filter that sets X-Auth-Token and a retry
// handler that renews the token once when a service answers 401.
package keystone

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
)

const (
	ObjectStore = "object-store"
	Compute     = "compute"
)

// Access is what an auth call returns: a token plus the service catalog.
type Access struct {
	Token          Token     `json:"token"`
	User           User      `json:"user"`
	ServiceCatalog []Service `json:"serviceCatalog"`
}

type Token struct {
	ID string
	// Zero when the service didn't say; such tokens live until a 401
	Expires time.Time
	Tenant  *Tenant
}

type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

type Service struct {
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	Endpoints []Endpoint `json:"endpoints"`
}

type Endpoint struct {
	Region      string `json:"region,omitempty"`
	PublicURL   string `json:"publicURL"`
	InternalURL string `json:"internalURL,omitempty"`
	AdminURL    string `json:"adminURL,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
	VersionID   string `json:"versionId,omitempty"`
}

// Keystone releases disagree on whether expiry carries a zone and
// fractional seconds.
var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

type tokenJSON struct {
	ID      string  `json:"id"`
	Expires string  `json:"expires,omitempty"`
	Tenant  *Tenant `json:"tenant,omitempty"`
}

func (t *Token) UnmarshalJSON(b []byte) error {
	var raw tokenJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.ID = raw.ID
	t.Tenant = raw.Tenant
	t.Expires = time.Time{}
	if raw.Expires == "" {
		return nil
	}
	for _, layout := range expiryLayouts {
		if parsed, err := time.Parse(layout, raw.Expires); err == nil {
			t.Expires = parsed
			return nil
		}
	}
	return errors.Errorf("unrecognized token expiry %q", raw.Expires)
}

func (t Token) MarshalJSON() ([]byte, error) {
	raw := tokenJSON{ID: t.ID, Tenant: t.Tenant}
	if !t.Expires.IsZero() {
		raw.Expires = t.Expires.UTC().Format(time.RFC3339)
	}
	return json.Marshal(raw)
}

// Endpoint returns the public URL of serviceType in region. An empty region
// picks the first endpoint listed.
func (a *Access) Endpoint(serviceType, region string) (string, error) {
	for _, svc := range a.ServiceCatalog {
		if svc.Type != serviceType {
			continue
		}
		for _, ep := range svc.Endpoints {
			if region == "" || ep.Region == region {
				return ep.PublicURL, nil
			}
		}
		return "", errors.Wrapf(mck.ErrNotFound, "no %s endpoint in region %q", serviceType, region)
	}
	return "", errors.Wrapf(mck.ErrNotFound, "no %s service in catalog", serviceType)
}
