package azureblob_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/azureblob"
	"github.com/serverlessresearch/mck/pkg/azuresig"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "YXp1cmUtc2VjcmV0LWtleQ=="

const listXML = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults ContainerName="https://acct.blob.core.windows.net/photos">
  <Delimiter>/</Delimiter>
  <Blobs>
    <Blob><Name>b.jpg</Name><Properties><Last-Modified>Wed, 12 Oct 2009 17:50:00 GMT</Last-Modified>` +
	`<Etag>0x8CBFF45D8A29A19</Etag><Content-Length>100</Content-Length><Content-Type>image/jpeg</Content-Type></Properties></Blob>
    <BlobPrefix><Name>a/</Name></BlobPrefix>
  </Blobs>
  <NextMarker>next</NextMarker>
</EnumerationResults>`

func errorXML(code string) string {
	return `<?xml version="1.0" encoding="utf-8"?><Error><Code>` + code + `</Code><Message>` + code + `</Message></Error>`
}

func fakeAzure(t *testing.T) *httptest.Server {
	key, _ := base64.StdEncoding.DecodeString(testKey)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := rest.FromHTTP(r)
		require.NoError(t, err)
		if _, err := azuresig.Verify(req, func(account string) ([]byte, bool) { return key, account == "acct" }); err != nil {
			w.WriteHeader(403)
			w.Write([]byte(errorXML("AuthenticationFailed")))
			return
		}

		q := r.URL.Query()
		switch r.Method + " " + r.URL.Path {
		case "GET /":
			assert.Equal(t, "list", q.Get("comp"))
			if q.Get("marker") == "" {
				w.Write([]byte(`<EnumerationResults><Containers><Container><Name>one</Name>` +
					`<Properties><Etag>"0x1"</Etag></Properties></Container></Containers><NextMarker>two</NextMarker></EnumerationResults>`))
				return
			}
			w.Write([]byte(`<EnumerationResults><Containers><Container><Name>two</Name></Container></Containers></EnumerationResults>`))
		case "PUT /photos":
			assert.Equal(t, "container", q.Get("restype"))
			w.WriteHeader(201)
		case "PUT /dup":
			w.WriteHeader(409)
			w.Write([]byte(errorXML("ContainerAlreadyExists")))
		case "HEAD /photos":
			w.WriteHeader(200)
		case "HEAD /nope", "DELETE /nope":
			w.WriteHeader(404)
		case "GET /photos":
			assert.Equal(t, "a", q.Get("prefix"))
			assert.Equal(t, "/", q.Get("delimiter"))
			assert.Equal(t, "2", q.Get("maxresults"))
			w.Write([]byte(listXML))
		case "GET /nope":
			w.WriteHeader(404)
			w.Write([]byte(errorXML("ContainerNotFound")))
		case "PUT /photos/dir/b.jpg":
			assert.Equal(t, "BlockBlob", r.Header.Get("x-ms-blob-type"))
			assert.Equal(t, base64.StdEncoding.EncodeToString(mck.ContentMD5(req.Body)), r.Header.Get("Content-MD5"))
			assert.Equal(t, "me", r.Header.Get("X-Ms-Meta-Owner"))
			w.Header().Set("ETag", `"0x8CBFF45D8A29A19"`)
			w.WriteHeader(201)
		case "GET /photos/dir/b.jpg", "HEAD /photos/dir/b.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("ETag", `"0x8CBFF45D8A29A19"`)
			w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(mck.ContentMD5([]byte("img"))))
			w.Header().Set("Last-Modified", "Wed, 12 Oct 2009 17:50:00 GMT")
			w.Header().Set("X-Ms-Meta-Owner", "me")
			w.Header().Set("Content-Length", "3")
			if r.Method == "GET" {
				w.Write([]byte("img"))
			}
		case "GET /photos/missing":
			w.WriteHeader(404)
			w.Write([]byte(errorXML("BlobNotFound")))
		case "HEAD /nope/b.jpg":
			w.Header().Set("x-ms-error-code", "ContainerNotFound")
			w.WriteHeader(404)
		case "HEAD /photos/missing":
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(404)
		case "GET /nope/b.jpg":
			w.WriteHeader(404)
			w.Write([]byte(errorXML("ContainerNotFound")))
		case "DELETE /photos/missing":
			w.WriteHeader(404)
			w.Write([]byte(errorXML("BlobNotFound")))
		default:
			w.WriteHeader(400)
			w.Write([]byte(errorXML("InvalidUri")))
		}
	}))
}

func newStore(t *testing.T) *azureblob.Store {
	srv := fakeAzure(t)
	t.Cleanup(srv.Close)
	opts := rest.DefaultOptions()
	opts.MaxRetries = 0
	store, err := azureblob.New(logrus.New(), rest.NewClient(logrus.New(), opts), azureblob.Config{
		Account:  "acct",
		Key:      testKey,
		Endpoint: srv.URL,
	})
	require.NoError(t, err)
	return store
}

func TestRequiresAccount(t *testing.T) {
	_, err := azureblob.New(logrus.New(), rest.NewClient(logrus.New(), rest.DefaultOptions()), azureblob.Config{Key: testKey})
	assert.Error(t, err)
}

func TestContainers(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	containers, err := store.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, "one", containers[0].Name)
	assert.Equal(t, "0x1", containers[0].ETag)
	assert.Equal(t, "two", containers[1].Name)

	created, err := store.CreateContainer(ctx, "photos")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.CreateContainer(ctx, "dup")
	require.NoError(t, err)
	assert.False(t, created)

	ok, err := store.ContainerExists(ctx, "photos")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ContainerExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, store.DeleteContainer(ctx, "nope"))
}

func TestList(t *testing.T) {
	store := newStore(t)

	page, err := store.List(context.Background(), "photos", mck.ListOptions{Prefix: "a", Delimiter: "/", MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, mck.StorageMetadata{Type: mck.StorageTypeRelativePath, Name: "a/"}, page.Items[0])
	assert.Equal(t, "b.jpg", page.Items[1].Name)
	assert.Equal(t, int64(100), page.Items[1].Size)
	assert.Equal(t, "0x8CBFF45D8A29A19", page.Items[1].ETag)
	assert.Equal(t, 2009, page.Items[1].LastModified.Year())
	assert.Equal(t, "next", page.NextMarker)

	_, err = store.List(context.Background(), "nope", mck.ListOptions{})
	assert.True(t, errors.Is(err, mck.ErrContainerNotFound))
	assert.Equal(t, "ContainerNotFound", rest.ErrorCode(err))
}

func TestBlobs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	blob := mck.NewBlob("dir/b.jpg", []byte("img"))
	blob.Metadata.UserMetadata = map[string]string{"owner": "me"}
	etag, err := store.PutBlob(ctx, "photos", blob)
	require.NoError(t, err)
	assert.Equal(t, "0x8CBFF45D8A29A19", etag)

	got, err := store.GetBlob(ctx, "photos", "dir/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, "img", string(got.Payload))
	assert.Equal(t, "image/jpeg", got.Metadata.ContentType)
	assert.Equal(t, mck.ContentMD5([]byte("img")), got.Metadata.ContentMD5)
	assert.Equal(t, "me", got.Metadata.UserMetadata["owner"])

	md, err := store.BlobMetadata(ctx, "photos", "dir/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(3), md.Size)
	assert.Equal(t, 2009, md.LastModified.Year())

	_, err = store.GetBlob(ctx, "photos", "missing")
	assert.True(t, errors.Is(err, mck.ErrBlobNotFound))
	_, err = store.GetBlob(ctx, "nope", "b.jpg")
	assert.True(t, errors.Is(err, mck.ErrContainerNotFound))

	_, err = store.BlobMetadata(ctx, "nope", "b.jpg")
	assert.True(t, errors.Is(err, mck.ErrContainerNotFound))
	assert.Equal(t, "ContainerNotFound", rest.ErrorCode(err))
	_, err = store.BlobMetadata(ctx, "photos", "missing")
	assert.True(t, errors.Is(err, mck.ErrBlobNotFound))
	assert.False(t, errors.Is(err, mck.ErrContainerNotFound))

	assert.NoError(t, store.RemoveBlob(ctx, "photos", "missing"))
}

func TestBadKeyIsAuthorizationError(t *testing.T) {
	srv := fakeAzure(t)
	defer srv.Close()
	opts := rest.DefaultOptions()
	opts.MaxRetries = 0
	store, err := azureblob.New(logrus.New(), rest.NewClient(logrus.New(), opts), azureblob.Config{
		Account:  "acct",
		Key:      base64.StdEncoding.EncodeToString([]byte("wrong")),
		Endpoint: srv.URL,
	})
	require.NoError(t, err)

	_, err = store.ListContainers(context.Background())
	assert.True(t, errors.Is(err, mck.ErrAuthorization))
	assert.Equal(t, "AuthenticationFailed", rest.ErrorCode(err))
}
