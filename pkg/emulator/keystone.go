package emulator

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/serverlessresearch/mck/pkg/keystone"
	"github.com/sirupsen/logrus"
)

const emulatorRegion = "local"

// keystoneError renders the OpenStack envelope,
// {"unauthorized": {"message": "...", "code": 401}}.
type keystoneError struct {
	status  int
	kind    string
	message string
}

func (e *keystoneError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.status)
	return nil
}

func (e *keystoneError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		e.kind: map[string]interface{}{"message": e.message, "code": e.status},
	})
}

func (s *Server) keystoneRoutes(r chi.Router) {
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Post("/v2.0/tokens", s.keystoneTokens)
	r.Get("/v1.0", s.swiftV1Auth)
}

type tokensRequest struct {
	Auth struct {
		PasswordCredentials *struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"passwordCredentials"`
		APIAccessKeyCredentials *struct {
			AccessKey string `json:"accessKey"`
			SecretKey string `json:"secretKey"`
		} `json:"apiAccessKeyCredentials"`
		TenantName string `json:"tenantName"`
		TenantID   string `json:"tenantId"`
	} `json:"auth"`
}

// catalog lists the services a token of tenant can reach.
func catalog(r *http.Request, tenant string) []keystone.Service {
	return []keystone.Service{{
		Type: keystone.ObjectStore,
		Name: "swift",
		Endpoints: []keystone.Endpoint{{
			Region:    emulatorRegion,
			PublicURL: baseURL(r) + "/swift/v1/AUTH_" + tenant,
			TenantID:  tenant,
		}},
	}}
}

func (s *Server) keystoneTokens(w http.ResponseWriter, r *http.Request) {
	var req tokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Render(w, r, &keystoneError{status: http.StatusBadRequest, kind: "badRequest", message: err.Error()})
		return
	}

	var name, secret string
	switch {
	case req.Auth.PasswordCredentials != nil:
		name, secret = req.Auth.PasswordCredentials.Username, req.Auth.PasswordCredentials.Password
	case req.Auth.APIAccessKeyCredentials != nil:
		name, secret = req.Auth.APIAccessKeyCredentials.AccessKey, req.Auth.APIAccessKeyCredentials.SecretKey
	default:
		render.Render(w, r, &keystoneError{status: http.StatusBadRequest, kind: "badRequest", message: "no credentials given"})
		return
	}

	user, ok := s.findUser(name, secret)
	tenant := req.Auth.TenantName
	if tenant == "" {
		tenant = req.Auth.TenantID
	}
	if !ok || (tenant != "" && tenant != user.Tenant) {
		s.log.WithField("user", name).Debug("rejected keystone credentials")
		render.Render(w, r, &keystoneError{status: http.StatusUnauthorized, kind: "unauthorized", message: "Invalid user / password"})
		return
	}

	id, tok, err := s.issueToken(user)
	if err != nil {
		s.log.WithError(err).Error("failed to issue token")
		render.Render(w, r, &keystoneError{status: http.StatusInternalServerError, kind: "identityFault", message: err.Error()})
		return
	}
	s.log.WithFields(logrus.Fields{"user": user.Name, "tenant": user.Tenant}).Debug("issued token")
	access := keystone.Access{
		Token: keystone.Token{
			ID:      id,
			Expires: tok.expires,
			Tenant:  &keystone.Tenant{ID: user.Tenant, Name: user.Tenant},
		},
		User:           keystone.User{ID: user.Name, Name: user.Name},
		ServiceCatalog: catalog(r, user.Tenant),
	}
	render.JSON(w, r, map[string]keystone.Access{"access": access})
}

// swiftV1Auth expects X-Auth-User as tenant:user.
func (s *Server) swiftV1Auth(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(r.Header.Get("X-Auth-User"), ":", 2)
	var user User
	ok := false
	if len(parts) == 2 {
		user, ok = s.findUser(parts[1], r.Header.Get("X-Auth-Key"))
		ok = ok && user.Tenant == parts[0]
	}
	if !ok {
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("<html><h1>Unauthorized</h1><p>This server could not verify that you are authorized to access the document you requested.</p></html>"))
		return
	}

	id, _, err := s.issueToken(user)
	if err != nil {
		s.log.WithError(err).Error("failed to issue token")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Auth-Token", id)
	w.Header().Set("X-Storage-Token", id)
	w.Header().Set("X-Storage-Url", catalog(r, user.Tenant)[0].Endpoints[0].PublicURL)
	w.WriteHeader(http.StatusNoContent)
}
