package emulator

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/azuresig"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/serverlessresearch/mck/pkg/transient"
)

const azureMetaPrefix = "X-Ms-Meta-"

type azureError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
	status  int
}

func (e *azureError) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("x-ms-request-id", middleware.GetReqID(r.Context()))
	w.Header().Set("x-ms-error-code", e.Code)
	render.Status(r, e.status)
	return nil
}

func azureFail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Render(w, r, &azureError{status: status, Code: code, Message: message})
}

func azureFailStore(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mck.ErrContainerNotFound):
		azureFail(w, r, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
	case errors.Is(err, mck.ErrBlobNotFound):
		azureFail(w, r, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
	case errors.Is(err, mck.ErrBadDigest):
		azureFail(w, r, http.StatusBadRequest, "Md5Mismatch", "The MD5 value specified in the request did not match with the MD5 value calculated by the server.")
	default:
		azureFail(w, r, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

func (s *Server) azureRoutes(r chi.Router) {
	r.Use(render.SetContentType(render.ContentTypeXML))
	r.Use(s.verifyAzure)
	r.Get("/", s.azureListContainers)
	r.Route("/{container}", func(r chi.Router) {
		r.Put("/", s.azurePutContainer)
		r.Head("/", s.azureHeadContainer)
		r.Get("/", s.azureGetContainer)
		r.Delete("/", s.azureDeleteContainer)
		r.Put("/*", s.azurePutBlob)
		r.Get("/*", s.azureGetBlob)
		r.Head("/*", s.azureGetBlob)
		r.Delete("/*", s.azureDeleteBlob)
	})
}

// verifyAzure checks the Shared Key Lite signature against the key of the
// account named in the path.
func (s *Server) verifyAzure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := rest.FromHTTP(r)
		if err != nil {
			azureFail(w, r, http.StatusBadRequest, "InvalidInput", err.Error())
			return
		}
		r.Body = ioutil.NopCloser(bytes.NewReader(req.Body))

		lookup := func(account string) ([]byte, bool) {
			encoded, ok := s.cfg.AzureAccounts[account]
			if !ok {
				return nil, false
			}
			key, err := base64.StdEncoding.DecodeString(encoded)
			return key, err == nil
		}
		account, err := azuresig.Verify(req, lookup)
		if err == nil && account != chi.URLParam(r, "account") {
			err = errors.Errorf("request signed for account %q", account)
		}
		if err != nil {
			s.log.WithError(err).Debug("rejected azure request")
			azureFail(w, r, http.StatusForbidden, "AuthenticationFailed",
				"Server failed to authenticate the request. "+err.Error())
			return
		}
		w.Header().Set("x-ms-version", r.Header.Get("x-ms-version"))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) azureAccountStore(r *http.Request) *transient.Store {
	return s.azureStore(chi.URLParam(r, "account"))
}

func isContainerRequest(r *http.Request) bool {
	return r.URL.Query().Get("restype") == "container"
}

type azureProperties struct {
	LastModified  string `xml:"Last-Modified"`
	ETag          string `xml:"Etag"`
	ContentLength int64  `xml:"Content-Length,omitempty"`
	ContentType   string `xml:"Content-Type,omitempty"`
	ContentMD5    string `xml:"Content-MD5,omitempty"`
}

type azureContainer struct {
	Name       string          `xml:"Name"`
	Properties azureProperties `xml:"Properties"`
}

type azureBlob struct {
	Name       string          `xml:"Name"`
	Properties azureProperties `xml:"Properties"`
}

type azureBlobPrefix struct {
	Name string `xml:"Name"`
}

type azureBlobs struct {
	Blobs    []azureBlob       `xml:"Blob"`
	Prefixes []azureBlobPrefix `xml:"BlobPrefix"`
}

type azureEnumerationResults struct {
	XMLName       xml.Name         `xml:"EnumerationResults"`
	AccountName   string           `xml:"AccountName,attr,omitempty"`
	ContainerName string           `xml:"ContainerName,attr,omitempty"`
	Prefix        string           `xml:"Prefix,omitempty"`
	Marker        string           `xml:"Marker,omitempty"`
	MaxResults    int              `xml:"MaxResults,omitempty"`
	Delimiter     string           `xml:"Delimiter,omitempty"`
	Containers    []azureContainer `xml:"Containers>Container,omitempty"`
	Blobs         *azureBlobs      `xml:"Blobs,omitempty"`
	NextMarker    string           `xml:"NextMarker"`
}

func (s *Server) azureListContainers(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("comp") != "list" {
		azureFail(w, r, http.StatusBadRequest, "UnsupportedQueryParameter", "only comp=list is supported on the account")
		return
	}
	containers, _ := s.azureAccountStore(r).ListContainers(r.Context())
	out := azureEnumerationResults{AccountName: baseURL(r) + "/azure/" + chi.URLParam(r, "account")}
	for _, c := range containers {
		out.Containers = append(out.Containers, azureContainer{
			Name: c.Name,
			Properties: azureProperties{
				LastModified: c.LastModified.Format(http.TimeFormat),
				ETag:         `"0x` + strconv.FormatInt(c.LastModified.UnixNano(), 16) + `"`,
			},
		})
	}
	render.XML(w, r, out)
}

func (s *Server) azurePutContainer(w http.ResponseWriter, r *http.Request) {
	if !isContainerRequest(r) {
		azureFail(w, r, http.StatusBadRequest, "InvalidUri", "restype=container is required")
		return
	}
	created, err := s.azureAccountStore(r).CreateContainer(r.Context(), chi.URLParam(r, "container"))
	if err != nil {
		azureFail(w, r, http.StatusBadRequest, "InvalidResourceName", err.Error())
		return
	}
	if !created {
		azureFail(w, r, http.StatusConflict, "ContainerAlreadyExists", "The specified container already exists.")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) azureHeadContainer(w http.ResponseWriter, r *http.Request) {
	ok, _ := s.azureAccountStore(r).ContainerExists(r.Context(), chi.URLParam(r, "container"))
	if !ok {
		azureFail(w, r, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) azureGetContainer(w http.ResponseWriter, r *http.Request) {
	if !isContainerRequest(r) {
		azureFail(w, r, http.StatusBadRequest, "InvalidUri", "restype=container is required")
		return
	}
	if r.URL.Query().Get("comp") != "list" {
		s.azureHeadContainer(w, r)
		return
	}

	container := chi.URLParam(r, "container")
	q := r.URL.Query()
	opts := mck.ListOptions{
		Prefix:     q.Get("prefix"),
		Marker:     q.Get("marker"),
		Delimiter:  q.Get("delimiter"),
		MaxResults: mck.DefaultMaxResults,
	}
	if v := q.Get("maxresults"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			azureFail(w, r, http.StatusBadRequest, "OutOfRangeQueryParameterValue", "maxresults must be positive")
			return
		}
		opts.MaxResults = n
	}

	page, err := s.azureAccountStore(r).List(r.Context(), container, opts)
	if err != nil {
		azureFailStore(w, r, err)
		return
	}
	out := azureEnumerationResults{
		ContainerName: baseURL(r) + r.URL.Path,
		Prefix:        opts.Prefix,
		Marker:        opts.Marker,
		MaxResults:    opts.MaxResults,
		Delimiter:     opts.Delimiter,
		Blobs:         &azureBlobs{},
		NextMarker:    page.NextMarker,
	}
	for _, it := range page.Items {
		if it.Type == mck.StorageTypeRelativePath {
			out.Blobs.Prefixes = append(out.Blobs.Prefixes, azureBlobPrefix{Name: it.Name})
			continue
		}
		out.Blobs.Blobs = append(out.Blobs.Blobs, azureBlob{
			Name: it.Name,
			Properties: azureProperties{
				LastModified:  it.LastModified.Format(http.TimeFormat),
				ETag:          it.ETag,
				ContentLength: it.Size,
			},
		})
	}
	render.XML(w, r, out)
}

func (s *Server) azureDeleteContainer(w http.ResponseWriter, r *http.Request) {
	store := s.azureAccountStore(r)
	container := chi.URLParam(r, "container")
	if ok, _ := store.ContainerExists(r.Context(), container); !ok {
		azureFail(w, r, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}
	// Azure deletes containers along with their blobs
	store.DeleteContainer(r.Context(), container)
	w.WriteHeader(http.StatusAccepted)
}

func azureBlobName(r *http.Request) (string, string) {
	container := chi.URLParam(r, "container")
	return container, objectName(r, "/azure/"+chi.URLParam(r, "account")+"/"+container+"/")
}

func (s *Server) azurePutBlob(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
		azureFail(w, r, http.StatusBadRequest, "InvalidHeaderValue", "only block blobs are supported")
		return
	}
	container, name := azureBlobName(r)
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		azureFail(w, r, http.StatusBadRequest, "InvalidInput", err.Error())
		return
	}
	md := rest.BlobMetadata(name, r.Header, azureMetaPrefix)
	etag, err := s.azureAccountStore(r).PutBlob(r.Context(), container, &mck.Blob{Metadata: md, Payload: body})
	if err != nil {
		azureFailStore(w, r, err)
		return
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(mck.ContentMD5(body)))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) azureGetBlob(w http.ResponseWriter, r *http.Request) {
	container, name := azureBlobName(r)
	blob, err := s.azureAccountStore(r).GetBlob(r.Context(), container, name)
	if err != nil {
		azureFailStore(w, r, err)
		return
	}
	writeBlobHeaders(w, blob.Metadata, `"`+blob.Metadata.ETag+`"`, azureMetaPrefix)
	w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(blob.Metadata.ContentMD5))
	w.Header().Set("x-ms-blob-type", "BlockBlob")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(blob.Payload)
	}
}

func (s *Server) azureDeleteBlob(w http.ResponseWriter, r *http.Request) {
	container, name := azureBlobName(r)
	store := s.azureAccountStore(r)
	if _, err := store.BlobMetadata(r.Context(), container, name); err != nil {
		azureFailStore(w, r, err)
		return
	}
	store.RemoveBlob(r.Context(), container, name)
	w.WriteHeader(http.StatusAccepted)
}
