package emulator

import (
	"bytes"
	"encoding/xml"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
)

const (
	s3MetaPrefix = "X-Amz-Meta-"
	s3Namespace  = "http://s3.amazonaws.com/doc/2006-03-01/"
)

type s3Error struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId,omitempty"`
	status    int
}

func (e *s3Error) Render(w http.ResponseWriter, r *http.Request) error {
	e.RequestID = middleware.GetReqID(r.Context())
	e.Resource = r.URL.Path
	render.Status(r, e.status)
	return nil
}

func s3Fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Render(w, r, &s3Error{status: status, Code: code, Message: message})
}

// s3FailStore answers with the S3 error matching a transient store error.
func s3FailStore(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mck.ErrContainerNotFound):
		s3Fail(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
	case errors.Is(err, mck.ErrBlobNotFound):
		s3Fail(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
	case errors.Is(err, mck.ErrBadDigest):
		s3Fail(w, r, http.StatusBadRequest, "BadDigest", "The Content-MD5 you specified did not match what we received.")
	default:
		s3Fail(w, r, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

func (s *Server) s3Routes(r chi.Router) {
	r.Use(render.SetContentType(render.ContentTypeXML))
	r.Use(s.verifyS3)
	r.Get("/", s.s3ListBuckets)
	r.Route("/{bucket}", func(r chi.Router) {
		r.Put("/", s.s3PutBucket)
		r.Head("/", s.s3HeadBucket)
		r.Delete("/", s.s3DeleteBucket)
		r.Get("/", s.s3ListObjects)
		r.Put("/*", s.s3PutObject)
		r.Get("/*", s.s3GetObject)
		r.Head("/*", s.s3GetObject)
		r.Delete("/*", s.s3DeleteObject)
	})
}

// verifyS3 checks the V2 signature. Buckets are always addressed path-style,
// so no service host is involved.
func (s *Server) verifyS3(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := rest.FromHTTP(r)
		if err != nil {
			s3Fail(w, r, http.StatusBadRequest, "IncompleteBody", err.Error())
			return
		}
		r.Body = ioutil.NopCloser(bytes.NewReader(req.Body))

		lookup := func(key string) (string, bool) {
			secret, ok := s.cfg.AWSKeys[key]
			return secret, ok
		}
		if _, err := awssig.VerifyHeader(req, "", lookup); err != nil {
			s.log.WithError(err).Debug("rejected s3 request")
			code := "SignatureDoesNotMatch"
			if req.Header.Get("Authorization") == "" {
				code = "AccessDenied"
			}
			s3Fail(w, r, http.StatusForbidden, code, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

type s3Bucket struct {
	Name         string    `xml:"Name"`
	CreationDate time.Time `xml:"CreationDate"`
}

type s3ListAllMyBucketsResult struct {
	XMLName xml.Name   `xml:"ListAllMyBucketsResult"`
	Xmlns   string     `xml:"xmlns,attr"`
	Buckets []s3Bucket `xml:"Buckets>Bucket"`
}

func (s *Server) s3ListBuckets(w http.ResponseWriter, r *http.Request) {
	containers, _ := s.s3.ListContainers(r.Context())
	out := s3ListAllMyBucketsResult{Xmlns: s3Namespace}
	for _, c := range containers {
		out.Buckets = append(out.Buckets, s3Bucket{Name: c.Name, CreationDate: c.LastModified})
	}
	render.XML(w, r, out)
}

func (s *Server) s3PutBucket(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	created, err := s.s3.CreateContainer(r.Context(), bucket)
	if err != nil {
		s3Fail(w, r, http.StatusBadRequest, "InvalidBucketName", err.Error())
		return
	}
	if !created {
		s3Fail(w, r, http.StatusConflict, "BucketAlreadyOwnedByYou",
			"Your previous request to create the named bucket succeeded and you already own it.")
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) s3HeadBucket(w http.ResponseWriter, r *http.Request) {
	if ok, _ := s.s3.ContainerExists(r.Context(), chi.URLParam(r, "bucket")); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) s3DeleteBucket(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.s3.DeleteContainerIfEmpty(chi.URLParam(r, "bucket"))
	switch {
	case err != nil:
		s3Fail(w, r, http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty")
	case !deleted:
		s3Fail(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type s3Object struct {
	Key          string    `xml:"Key"`
	LastModified time.Time `xml:"LastModified"`
	ETag         string    `xml:"ETag"`
	Size         int64     `xml:"Size"`
	StorageClass string    `xml:"StorageClass"`
}

type s3CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type s3ListBucketResult struct {
	XMLName        xml.Name         `xml:"ListBucketResult"`
	Xmlns          string           `xml:"xmlns,attr"`
	Name           string           `xml:"Name"`
	Prefix         string           `xml:"Prefix"`
	Marker         string           `xml:"Marker"`
	MaxKeys        int              `xml:"MaxKeys"`
	Delimiter      string           `xml:"Delimiter,omitempty"`
	IsTruncated    bool             `xml:"IsTruncated"`
	NextMarker     string           `xml:"NextMarker,omitempty"`
	Contents       []s3Object       `xml:"Contents"`
	CommonPrefixes []s3CommonPrefix `xml:"CommonPrefixes"`
}

func (s *Server) s3ListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := chi.URLParam(r, "bucket")
	q := r.URL.Query()
	opts := mck.ListOptions{
		Prefix:     q.Get("prefix"),
		Marker:     q.Get("marker"),
		Delimiter:  q.Get("delimiter"),
		MaxResults: mck.DefaultMaxResults,
	}
	if v := q.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s3Fail(w, r, http.StatusBadRequest, "InvalidArgument", "max-keys must be a non-negative integer")
			return
		}
		if n > 0 {
			opts.MaxResults = n
		}
	}

	page, err := s.s3.List(r.Context(), bucket, opts)
	if err != nil {
		s3FailStore(w, r, err)
		return
	}
	out := s3ListBucketResult{
		Xmlns:       s3Namespace,
		Name:        bucket,
		Prefix:      opts.Prefix,
		Marker:      opts.Marker,
		MaxKeys:     opts.MaxResults,
		Delimiter:   opts.Delimiter,
		IsTruncated: page.NextMarker != "",
		NextMarker:  page.NextMarker,
	}
	for _, it := range page.Items {
		if it.Type == mck.StorageTypeRelativePath {
			out.CommonPrefixes = append(out.CommonPrefixes, s3CommonPrefix{Prefix: it.Name})
			continue
		}
		out.Contents = append(out.Contents, s3Object{
			Key:          it.Name,
			LastModified: it.LastModified,
			ETag:         `"` + it.ETag + `"`,
			Size:         it.Size,
			StorageClass: "STANDARD",
		})
	}
	render.XML(w, r, out)
}

func s3Key(r *http.Request) (string, string) {
	bucket := chi.URLParam(r, "bucket")
	return bucket, objectName(r, "/s3/"+bucket+"/")
}

func (s *Server) s3PutObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := s3Key(r)
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s3Fail(w, r, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}
	blob := &mck.Blob{Metadata: rest.BlobMetadata(key, r.Header, s3MetaPrefix), Payload: body}
	etag, err := s.s3.PutBlob(r.Context(), bucket, blob)
	if err != nil {
		s3FailStore(w, r, err)
		return
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) s3GetObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := s3Key(r)
	blob, err := s.s3.GetBlob(r.Context(), bucket, key)
	if err != nil {
		s3FailStore(w, r, err)
		return
	}
	writeBlobHeaders(w, blob.Metadata, `"`+blob.Metadata.ETag+`"`, s3MetaPrefix)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(blob.Payload)
	}
}

func (s *Server) s3DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket, key := s3Key(r)
	if ok, _ := s.s3.ContainerExists(r.Context(), bucket); !ok {
		s3Fail(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
		return
	}
	s.s3.RemoveBlob(r.Context(), bucket, key)
	w.WriteHeader(http.StatusNoContent)
}
