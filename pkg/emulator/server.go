// Package emulator serves local, in-memory stand-ins for S3, Azure Blob,
// Keystone and Swift. Requests are authenticated the way the real services
// do it, so the provider clients can be exercised end to end without an
// account.
//
//	/s3/...                      path-style S3, V2 header signatures
//	/azure/{account}/...         Azure Blob, Shared Key Lite
//	/keystone/v2.0/tokens        Keystone v2 token issue
//	/keystone/v1.0               Swift v1 auth
//	/swift/v1/AUTH_{tenant}/...  Swift, X-Auth-Token
package emulator

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/transient"
	"github.com/sirupsen/logrus"
)

const DefaultTokenTTL = time.Hour

type User struct {
	Name     string
	Password string
	Tenant   string
}

type Config struct {
	// AWS access key id to secret key
	AWSKeys map[string]string
	// Azure storage account to its base64 key
	AzureAccounts map[string]string
	// Keystone and Swift v1 users. For v1 auth X-Auth-User is tenant:name.
	Users    []User
	TokenTTL time.Duration
	Clock    clockwork.Clock
	// Source of token ids, crypto/rand when nil
	Rand io.Reader
}

type token struct {
	tenant  string
	user    string
	expires time.Time
}

type Server struct {
	log   mck.Logger
	cfg   Config
	clock clockwork.Clock

	s3 *transient.Store

	mu     sync.Mutex
	azure  map[string]*transient.Store
	swift  map[string]*transient.Store
	tokens map[string]token
}

func New(log mck.Logger, cfg Config) *Server {
	if log == nil {
		log = logrus.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Server{
		log:    log,
		cfg:    cfg,
		clock:  cfg.Clock,
		s3:     transient.New(log.WithField("store", "s3"), cfg.Clock),
		azure:  map[string]*transient.Store{},
		swift:  map[string]*transient.Store{},
		tokens: map[string]token{},
	}
}

// Handler returns the router serving every emulated service.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)

	r.Route("/s3", s.s3Routes)
	r.Route("/azure/{account}", s.azureRoutes)
	r.Route("/keystone", s.keystoneRoutes)
	r.Route("/swift/v1/AUTH_{tenant}", s.swiftRoutes)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": s.clock.Since(start),
		}).Debug("handled request")
	})
}

// ExpireTokens revokes every issued token, so the next Swift request gets a
// 401 and has to authenticate again.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	s.tokens = map[string]token{}
	s.mu.Unlock()
}

// Serve listens on addr until ctx is done. With certDir set it serves TLS
// using the certificates kept there, creating them on first use.
func (s *Server) Serve(ctx context.Context, addr, certDir string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}

	srv := &http.Server{Handler: s.Handler()}
	if certDir != "" {
		hosts := []string{"localhost", "127.0.0.1"}
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
				hosts = append(hosts, host)
			}
		}
		cert, _, err := mck.LoadCertificates(certDir, hosts)
		if err != nil {
			listener.Close()
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}}
		listener = tls.NewListener(listener, srv.TLSConfig)
	}
	s.log.WithFields(logrus.Fields{"addr": listener.Addr().String(), "tls": certDir != ""}).Info("emulator listening")

	done := make(chan error, 1)
	go func() { done <- srv.Serve(listener) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) azureStore(account string) *transient.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.azure[account]
	if !ok {
		st = transient.New(s.log.WithField("store", "azure/"+account), s.clock)
		s.azure[account] = st
	}
	return st
}

func (s *Server) swiftStore(tenant string) *transient.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.swift[tenant]
	if !ok {
		st = transient.New(s.log.WithField("store", "swift/"+tenant), s.clock)
		s.swift[tenant] = st
	}
	return st
}

func (s *Server) issueToken(u User) (string, token, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(s.cfg.Rand, buf); err != nil {
		return "", token{}, errors.Wrap(err, "failed to generate token id")
	}
	id := hex.EncodeToString(buf)
	tok := token{tenant: u.Tenant, user: u.Name, expires: s.clock.Now().Add(s.cfg.TokenTTL)}
	s.mu.Lock()
	s.tokens[id] = tok
	s.mu.Unlock()
	return id, tok, nil
}

// liveToken reports whether id was issued for tenant and hasn't expired.
func (s *Server) liveToken(id, tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return false
	}
	if !s.clock.Now().Before(tok.expires) {
		delete(s.tokens, id)
		return false
	}
	return tok.tenant == tenant
}

func (s *Server) findUser(name, password string) (User, bool) {
	for _, u := range s.cfg.Users {
		if u.Name == name && u.Password == password {
			return u, true
		}
	}
	return User{}, false
}

// baseURL is where the client reached us, used for the URLs handed out by
// the auth endpoints.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// objectName is everything in the path after prefix, which chi has already
// matched.
func objectName(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

// writeBlobHeaders answers GET and HEAD for a blob. etag is already in the
// service's format.
func writeBlobHeaders(w http.ResponseWriter, md mck.BlobMetadata, etag, metaPrefix string) {
	h := w.Header()
	h.Set("Content-Type", md.ContentType)
	h.Set("ETag", etag)
	h.Set("Last-Modified", md.LastModified.UTC().Format(http.TimeFormat))
	h.Set("Content-Length", strconv.FormatInt(md.Size, 10))
	for k, v := range md.UserMetadata {
		h.Set(metaPrefix+k, v)
	}
}
