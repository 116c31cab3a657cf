package emulator

import (
	"context"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/keystone"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/serverlessresearch/mck/pkg/transient"
)

const (
	swiftMetaPrefix      = "X-Object-Meta-"
	swiftListLimit       = 10000
	swiftLastModifiedFmt = "2006-01-02T15:04:05.000000"
)

// Swift answers errors in plain text.
func swiftFail(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(status)
	w.Write([]byte("<html><h1>" + http.StatusText(status) + "</h1><p>" + message + "</p></html>"))
}

func swiftFailStore(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mck.ErrNotFound):
		swiftFail(w, http.StatusNotFound, "The resource could not be found.")
	case errors.Is(err, mck.ErrBadDigest):
		swiftFail(w, http.StatusUnprocessableEntity, "Unable to process the contained instructions")
	default:
		swiftFail(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) swiftRoutes(r chi.Router) {
	r.Use(s.requireToken)
	r.Get("/", s.swiftListContainers)
	r.Head("/", s.swiftHeadAccount)
	r.Route("/{container}", func(r chi.Router) {
		r.Put("/", s.swiftPutContainer)
		r.Head("/", s.swiftHeadContainer)
		r.Get("/", s.swiftListObjects)
		r.Delete("/", s.swiftDeleteContainer)
		r.Put("/*", s.swiftPutObject)
		r.Get("/*", s.swiftGetObject)
		r.Head("/*", s.swiftGetObject)
		r.Delete("/*", s.swiftDeleteObject)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.liveToken(r.Header.Get(keystone.AuthTokenHeader), chi.URLParam(r, "tenant")) {
			swiftFail(w, http.StatusUnauthorized, "This server could not verify that you are authorized to access the document you requested.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tenantStore(r *http.Request) *transient.Store {
	return s.swiftStore(chi.URLParam(r, "tenant"))
}

func wantsJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json" || strings.Contains(r.Header.Get("Accept"), "application/json")
}

// listLimit parses limit, capped like Swift does.
func listLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return swiftListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > swiftListLimit {
		return 0, false
	}
	if n == 0 {
		n = swiftListLimit
	}
	return n, true
}

// writeListing answers a listing in the requested format; an empty plain
// text listing is a 204.
func writeListing(w http.ResponseWriter, r *http.Request, names []string, entries interface{}) {
	if wantsJSON(r) {
		render.JSON(w, r, entries)
		return
	}
	if len(names) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(strings.Join(names, "\n") + "\n"))
}

type containerStats struct {
	count int64
	bytes int64
}

func stats(ctx context.Context, store *transient.Store, container string) (containerStats, error) {
	var out containerStats
	opts := mck.ListOptions{MaxResults: mck.DefaultMaxResults}
	for {
		page, err := store.List(ctx, container, opts)
		if err != nil {
			return out, err
		}
		for _, it := range page.Items {
			out.count++
			out.bytes += it.Size
		}
		if page.NextMarker == "" {
			return out, nil
		}
		opts.Marker = page.NextMarker
	}
}

type swiftContainer struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
	Bytes int64  `json:"bytes"`
}

func (s *Server) swiftListContainers(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(r)
	if !ok {
		swiftFail(w, http.StatusPreconditionFailed, "Maximum limit is 10000")
		return
	}
	marker := r.URL.Query().Get("marker")
	store := s.tenantStore(r)
	containers, _ := store.ListContainers(r.Context())

	names := []string{}
	entries := []swiftContainer{}
	for _, c := range containers {
		if c.Name <= marker {
			continue
		}
		if len(entries) == limit {
			break
		}
		st, _ := stats(r.Context(), store, c.Name)
		names = append(names, c.Name)
		entries = append(entries, swiftContainer{Name: c.Name, Count: st.count, Bytes: st.bytes})
	}
	writeListing(w, r, names, entries)
}

func (s *Server) swiftHeadAccount(w http.ResponseWriter, r *http.Request) {
	containers, _ := s.tenantStore(r).ListContainers(r.Context())
	w.Header().Set("X-Account-Container-Count", strconv.Itoa(len(containers)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) swiftPutContainer(w http.ResponseWriter, r *http.Request) {
	created, err := s.tenantStore(r).CreateContainer(r.Context(), chi.URLParam(r, "container"))
	switch {
	case err != nil:
		swiftFail(w, http.StatusBadRequest, err.Error())
	case created:
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) swiftHeadContainer(w http.ResponseWriter, r *http.Request) {
	st, err := stats(r.Context(), s.tenantStore(r), chi.URLParam(r, "container"))
	if err != nil {
		swiftFailStore(w, err)
		return
	}
	w.Header().Set("X-Container-Object-Count", strconv.FormatInt(st.count, 10))
	w.Header().Set("X-Container-Bytes-Used", strconv.FormatInt(st.bytes, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) swiftDeleteContainer(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.tenantStore(r).DeleteContainerIfEmpty(chi.URLParam(r, "container"))
	switch {
	case err != nil:
		swiftFail(w, http.StatusConflict, "There was a conflict when trying to complete your request.")
	case !deleted:
		swiftFail(w, http.StatusNotFound, "The resource could not be found.")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Objects and, with a delimiter, subdirs share the listing.
type swiftObject struct {
	Name         string `json:"name,omitempty"`
	Hash         string `json:"hash,omitempty"`
	Bytes        int64  `json:"bytes,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	Subdir       string `json:"subdir,omitempty"`
}

func (s *Server) swiftListObjects(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(r)
	if !ok {
		swiftFail(w, http.StatusPreconditionFailed, "Maximum limit is 10000")
		return
	}
	container := chi.URLParam(r, "container")
	q := r.URL.Query()
	store := s.tenantStore(r)
	page, err := store.List(r.Context(), container, mck.ListOptions{
		Prefix:     q.Get("prefix"),
		Marker:     q.Get("marker"),
		Delimiter:  q.Get("delimiter"),
		MaxResults: limit,
	})
	if err != nil {
		swiftFailStore(w, err)
		return
	}

	names := []string{}
	entries := []swiftObject{}
	for _, it := range page.Items {
		names = append(names, it.Name)
		if it.Type == mck.StorageTypeRelativePath {
			entries = append(entries, swiftObject{Subdir: it.Name})
			continue
		}
		entry := swiftObject{
			Name:         it.Name,
			Hash:         it.ETag,
			Bytes:        it.Size,
			LastModified: it.LastModified.UTC().Format(swiftLastModifiedFmt),
		}
		if md, err := store.BlobMetadata(r.Context(), container, it.Name); err == nil {
			entry.ContentType = md.ContentType
		}
		entries = append(entries, entry)
	}
	writeListing(w, r, names, entries)
}

func swiftObjectName(r *http.Request) (string, string) {
	container := chi.URLParam(r, "container")
	return container, objectName(r, "/swift/v1/AUTH_"+chi.URLParam(r, "tenant")+"/"+container+"/")
}

func (s *Server) swiftPutObject(w http.ResponseWriter, r *http.Request) {
	container, name := swiftObjectName(r)
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		swiftFail(w, http.StatusBadRequest, err.Error())
		return
	}
	// a hex md5 in ETag becomes ContentMD5 and is checked by the store
	md := rest.BlobMetadata(name, r.Header, swiftMetaPrefix)
	etag, err := s.tenantStore(r).PutBlob(r.Context(), container, &mck.Blob{Metadata: md, Payload: body})
	if err != nil {
		swiftFailStore(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) swiftGetObject(w http.ResponseWriter, r *http.Request) {
	container, name := swiftObjectName(r)
	blob, err := s.tenantStore(r).GetBlob(r.Context(), container, name)
	if err != nil {
		swiftFailStore(w, err)
		return
	}
	writeBlobHeaders(w, blob.Metadata, blob.Metadata.ETag, swiftMetaPrefix)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(blob.Payload)
	}
}

func (s *Server) swiftDeleteObject(w http.ResponseWriter, r *http.Request) {
	container, name := swiftObjectName(r)
	store := s.tenantStore(r)
	if _, err := store.BlobMetadata(r.Context(), container, name); err != nil {
		swiftFailStore(w, err)
		return
	}
	store.RemoveBlob(r.Context(), container, name)
	w.WriteHeader(http.StatusNoContent)
}
