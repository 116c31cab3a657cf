package nova_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/serverlessresearch/mck/pkg/keystone"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/nova"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverJSON = `{
  "id": "srv-1", "name": "web", "status": "ACTIVE",
  "image": {"id": "img-1"}, "flavor": {"id": "2"},
  "created": "2012-04-13T13:07:49Z",
  "metadata": {"role": "frontend"},
  "OS-EXT-AZ:availability_zone": "nova",
  "addresses": {
    "public": [{"addr": "67.23.10.132", "version": 4}],
    "private": [{"addr": "10.176.42.16", "version": 4}]
  }}`

type recorded struct {
	method, path string
	body         map[string]interface{}
}

func newService(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*nova.Service, *[]recorded) {
	var calls []recorded
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2.0/tokens" {
			w.Write([]byte(`{"access": {"token": {"id": "tok", "expires": "2999-01-01T00:00:00Z"},
			  "serviceCatalog": [{"type": "compute", "name": "nova", "endpoints": [
			    {"region": "east", "publicURL": "` + srv.URL + `/v2/t1"}]}]}}`))
			return
		}
		assert.Equal(t, "tok", r.Header.Get("X-Auth-Token"))
		rec := recorded{method: r.Method, path: strings.TrimPrefix(r.URL.Path, "/v2/t1")}
		if r.ContentLength > 0 {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec.body))
		}
		calls = append(calls, rec)
		handle(w, r)
	}))
	t.Cleanup(srv.Close)

	opts := rest.DefaultOptions()
	opts.MaxRetries = 0
	log := logrus.New()
	auth := keystone.NewV2Authenticator(rest.NewClient(log, opts), srv.URL+"/v2.0", keystone.Credentials{
		Type: keystone.PasswordCredentials, Identity: "alice", Secret: "pw", TenantName: "t1",
	})
	cache := keystone.NewTokenCache(auth, nil, log)
	svc := nova.New(log, rest.NewClient(log, opts), cache, nova.Config{Region: "east", DefaultImage: "img-1"})
	return svc, &calls
}

func TestListNodes(t *testing.T) {
	svc, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/t1/servers/detail", r.URL.Path)
		w.Write([]byte(`{"servers": [` + serverJSON + `, {"id": "srv-2", "status": "BUILD"}]}`))
	})

	nodes, err := svc.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	web := nodes[0]
	assert.Equal(t, "srv-1", web.ID)
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "img-1", web.ImageID)
	assert.Equal(t, "2", web.Hardware)
	assert.Equal(t, "nova", web.Location)
	assert.Equal(t, mck.NodeRunning, web.State)
	assert.Equal(t, []string{"67.23.10.132"}, web.PublicAddresses)
	assert.Equal(t, []string{"10.176.42.16"}, web.PrivateAddresses)
	assert.Equal(t, "frontend", web.Tags["role"])
	assert.Equal(t, 2012, web.Created.Year())
	assert.Equal(t, mck.NodePending, nodes[1].State)
}

func TestGetMissingNode(t *testing.T) {
	svc, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"itemNotFound": {"message": "Instance could not be found", "code": 404}}`))
	})
	node, err := svc.GetNode(context.Background(), "gone")
	require.NoError(t, err)
	assert.Nil(t, node)
	assert.NoError(t, svc.DestroyNode(context.Background(), "gone"))
}

func TestCreateNode(t *testing.T) {
	svc, calls := newService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			w.WriteHeader(202)
			w.Write([]byte(`{"server": {"id": "srv-1", "adminPass": "x"}}`))
			return
		}
		w.Write([]byte(`{"server": ` + serverJSON + `}`))
	})

	node, err := svc.CreateNode(context.Background(), mck.NodeTemplate{
		Name:           "web",
		SecurityGroups: []string{"default"},
		UserData:       []byte("#!/bin/sh"),
		Tags:           map[string]string{"role": "frontend"},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", node.ID)
	assert.Equal(t, mck.NodeRunning, node.State)

	require.Len(t, *calls, 2)
	create := (*calls)[0]
	assert.Equal(t, "/servers", create.path)
	srv := create.body["server"].(map[string]interface{})
	assert.Equal(t, "web", srv["name"])
	assert.Equal(t, "img-1", srv["imageRef"])
	assert.Equal(t, "1", srv["flavorRef"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("#!/bin/sh")), srv["user_data"])
	assert.Equal(t, []interface{}{map[string]interface{}{"name": "default"}}, srv["security_groups"])
	assert.Equal(t, "/servers/srv-1", (*calls)[1].path)
}

func TestCreateNodeValidates(t *testing.T) {
	svc, calls := newService(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := svc.CreateNode(context.Background(), mck.NodeTemplate{})
	assert.Error(t, err)
	assert.Empty(t, *calls)
}

func TestRebootNode(t *testing.T) {
	svc, calls := newService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(202)
	})
	require.NoError(t, svc.RebootNode(context.Background(), "srv-1"))
	require.Len(t, *calls, 1)
	assert.Equal(t, "/servers/srv-1/action", (*calls)[0].path)
	assert.Equal(t, map[string]interface{}{"reboot": map[string]interface{}{"type": "SOFT"}}, (*calls)[0].body)
}

func TestListImages(t *testing.T) {
	svc, _ := newService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/t1/images/detail", r.URL.Path)
		w.Write([]byte(`{"images": [
		  {"id": "img-1", "name": "ubuntu", "status": "ACTIVE", "metadata": {"os_type": "linux", "architecture": "x86_64"}},
		  {"id": "img-2", "name": "snap", "status": "SAVING"}]}`))
	})
	images, err := svc.ListImages(context.Background())
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, mck.Image{ID: "img-1", Name: "ubuntu", OS: "linux", Architecture: "x86_64", Available: true}, images[0])
	assert.False(t, images[1].Available)
}
