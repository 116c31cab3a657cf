package swift_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/keystone"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/serverlessresearch/mck/pkg/swift"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSwift struct {
	t      *testing.T
	srv    *httptest.Server
	tokens int32
	// token the storage side accepts
	live atomic.Value
}

func newFakeSwift(t *testing.T) *fakeSwift {
	f := &fakeSwift{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSwift) serve(w http.ResponseWriter, r *http.Request) {
	t := f.t
	if r.URL.Path == "/auth/v1.0" {
		if r.Header.Get("X-Auth-User") != "test:tester" || r.Header.Get("X-Auth-Key") != "testing" {
			w.WriteHeader(401)
			return
		}
		token := fmt.Sprintf("tok-%d", atomic.AddInt32(&f.tokens, 1))
		f.live.Store(token)
		w.Header().Set("X-Auth-Token", token)
		w.Header().Set("X-Storage-Url", f.srv.URL+"/v1/AUTH_test")
		w.WriteHeader(204)
		return
	}

	if live, _ := f.live.Load().(string); r.Header.Get("X-Auth-Token") != live {
		w.WriteHeader(401)
		w.Write([]byte("<html><h1>Unauthorized</h1></html>"))
		return
	}

	q := r.URL.Query()
	switch r.Method + " " + strings.TrimPrefix(r.URL.Path, "/v1/AUTH_test") {
	case "GET ":
		assert.Equal(t, "json", q.Get("format"))
		w.Write([]byte(`[{"name":"one","count":2,"bytes":10},{"name":"two","count":0,"bytes":0}]`))
	case "PUT /new":
		w.WriteHeader(201)
	case "PUT /old":
		w.WriteHeader(202)
	case "HEAD /old":
		w.WriteHeader(204)
	case "HEAD /nope", "DELETE /nope":
		w.WriteHeader(404)
	case "GET /photos":
		assert.Equal(t, "dir/", q.Get("prefix"))
		assert.Equal(t, "/", q.Get("delimiter"))
		assert.Equal(t, "2", q.Get("limit"))
		w.Write([]byte(`[{"subdir":"dir/sub/"},{"name":"dir/a.jpg","hash":"5d41402abc4b2a76b9719d911017c592",` +
			`"bytes":5,"content_type":"image/jpeg","last_modified":"2012-04-13T13:07:49.495660"}]`))
	case "GET /empty":
		w.WriteHeader(204)
	case "GET /nope":
		w.WriteHeader(404)
	case "PUT /photos/dir/a.jpg":
		assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", r.Header.Get("ETag"))
		assert.Equal(t, "me", r.Header.Get("X-Object-Meta-Owner"))
		w.Header().Set("ETag", "5d41402abc4b2a76b9719d911017c592")
		w.WriteHeader(201)
	case "GET /photos/dir/a.jpg", "HEAD /photos/dir/a.jpg":
		w.Header().Set("ETag", "5d41402abc4b2a76b9719d911017c592")
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", "5")
		w.Header().Set("Last-Modified", "Fri, 13 Apr 2012 13:07:49 GMT")
		w.Header().Set("X-Object-Meta-Owner", "me")
		if r.Method == "GET" {
			w.Write([]byte("hello"))
		}
	case "GET /photos/missing", "HEAD /photos/missing", "DELETE /photos/missing":
		w.WriteHeader(404)
	default:
		w.WriteHeader(400)
	}
}

func newStore(t *testing.T, f *fakeSwift) *swift.Store {
	opts := rest.DefaultOptions()
	opts.MaxRetries = 0
	log := logrus.New()
	auth := keystone.NewV1Authenticator(rest.NewClient(log, opts), f.srv.URL+"/auth/v1.0", "test:tester", "testing", nil)
	cache := keystone.NewTokenCache(auth, nil, log)
	return swift.New(log, rest.NewClient(log, opts), cache, swift.Config{})
}

func TestContainers(t *testing.T) {
	store := newStore(t, newFakeSwift(t))
	ctx := context.Background()

	containers, err := store.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, "one", containers[0].Name)
	assert.Equal(t, int64(10), containers[0].Size)

	created, err := store.CreateContainer(ctx, "new")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.CreateContainer(ctx, "old")
	require.NoError(t, err)
	assert.False(t, created)

	ok, err := store.ContainerExists(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ContainerExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, store.DeleteContainer(ctx, "nope"))
}

func TestList(t *testing.T) {
	store := newStore(t, newFakeSwift(t))
	ctx := context.Background()

	page, err := store.List(ctx, "photos", mck.ListOptions{Prefix: "dir/", Delimiter: "/", MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "dir/a.jpg", page.Items[0].Name)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", page.Items[0].ETag)
	assert.Equal(t, 2012, page.Items[0].LastModified.Year())
	assert.Equal(t, mck.StorageTypeRelativePath, page.Items[1].Type)
	assert.Equal(t, "dir/sub/", page.NextMarker)

	page, err = store.List(ctx, "empty", mck.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Empty(t, page.NextMarker)

	_, err = store.List(ctx, "nope", mck.ListOptions{})
	assert.True(t, errors.Is(err, mck.ErrContainerNotFound))
}

func TestObjects(t *testing.T) {
	store := newStore(t, newFakeSwift(t))
	ctx := context.Background()

	blob := mck.NewBlob("dir/a.jpg", []byte("hello"))
	blob.Metadata.UserMetadata = map[string]string{"owner": "me"}
	etag, err := store.PutBlob(ctx, "photos", blob)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", etag)

	got, err := store.GetBlob(ctx, "photos", "dir/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Payload))
	assert.Equal(t, mck.ContentMD5([]byte("hello")), got.Metadata.ContentMD5)
	assert.Equal(t, "me", got.Metadata.UserMetadata["owner"])

	md, err := store.BlobMetadata(ctx, "photos", "dir/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", md.ContentType)
	assert.Equal(t, int64(5), md.Size)

	_, err = store.GetBlob(ctx, "photos", "missing")
	assert.True(t, errors.Is(err, mck.ErrBlobNotFound))
	_, err = store.BlobMetadata(ctx, "photos", "missing")
	assert.True(t, errors.Is(err, mck.ErrBlobNotFound))
	assert.NoError(t, store.RemoveBlob(ctx, "photos", "missing"))
}

func TestRenewsRevokedToken(t *testing.T) {
	f := newFakeSwift(t)
	store := newStore(t, f)
	ctx := context.Background()

	_, err := store.ContainerExists(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokens))

	// revoked server side, the next auth makes a new token live
	f.live.Store("revoked")
	ok, err := store.ContainerExists(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.tokens))
}
