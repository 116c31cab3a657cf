package mckmgr

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/serverlessresearch/mck/pkg/azureblob"
	"github.com/serverlessresearch/mck/pkg/ec2"
	"github.com/serverlessresearch/mck/pkg/elb"
	"github.com/serverlessresearch/mck/pkg/filesystem"
	"github.com/serverlessresearch/mck/pkg/nova"
	"github.com/serverlessresearch/mck/pkg/s3"
	"github.com/serverlessresearch/mck/pkg/swift"
	"github.com/serverlessresearch/mck/pkg/transient"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
default-provider: %[1]s
providers:
  local:
    blob: transient
  disk:
    blob: filesystem
  aws:
    blob: s3
    compute: ec2
    loadbalancer: elb
  openstack:
    blob: swift
    compute: nova
  azure:
    blob: azureBlob
  broken:
    blob: floppy
service:
  blob:
    s3:
      endpoint: http://127.0.0.1:4567/s3
      path-style: true
      access-key: AKID
      secret-key: secret
    azureBlob:
      account: acct
      key: YXp1cmUtc2VjcmV0LWtleQ==
    filesystem:
      basedir: "%[2]s"
  compute:
    ec2:
      endpoint: http://127.0.0.1:4567/ec2
      access-key: AKID
      secret-key: secret
  loadbalancer:
    elb:
      access-key: AKID
      secret-key: secret
  keystone:
    auth-url: http://127.0.0.1:4567/keystone/v2.0
    identity: tester
    secret: testing
    tenant-name: test
http:
  max-retries: 2
  timeout: 5s
emulator:
  aws-keys:
    - access-key: AKID
      secret-key: secret
  azure-accounts:
    - account: acct
      key: YXp1cmUtc2VjcmV0LWtleQ==
  users:
    - name: tester
      password: testing
      tenant: test
  token-ttl: 10m
`

func writeConfig(t *testing.T, provider string) string {
	path := filepath.Join(t.TempDir(), "mck.yaml")
	cfg := []byte(fmt.Sprintf(testConfig, provider, filepath.ToSlash(filepath.Join(t.TempDir(), "blobs"))))
	require.NoError(t, ioutil.WriteFile(path, cfg, 0644))
	return path
}

func newManager(t *testing.T, provider string) *MckManager {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	mgr, err := NewManager(map[string]interface{}{
		"config-file": writeConfig(t, provider),
		"logger":      logger,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Destroy)
	return mgr
}

func TestMissingConfig(t *testing.T) {
	_, err := NewManager(map[string]interface{}{"config-file": filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestBadOptions(t *testing.T) {
	_, err := NewManager(map[string]interface{}{"config-file": 42})
	assert.EqualError(t, err, "option 'config-file' must be of type string")

	_, err = NewManager(map[string]interface{}{"config-file": writeConfig(t, "local"), "logger": "stdout"})
	assert.EqualError(t, err, "option 'logger' must satisfy mck.Logger")
}

func TestUnknownProvider(t *testing.T) {
	_, err := NewManager(map[string]interface{}{"config-file": writeConfig(t, "moon")})
	assert.Error(t, err)

	_, err = NewManager(map[string]interface{}{"config-file": writeConfig(t, "broken")})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "floppy")
}

func TestProviders(t *testing.T) {
	mgr := newManager(t, "local")
	assert.IsType(t, &transient.Store{}, mgr.Provider.Blob)
	assert.Nil(t, mgr.Provider.Compute)
	assert.Nil(t, mgr.Provider.LoadBalancer)

	mgr = newManager(t, "aws")
	assert.IsType(t, &s3.Store{}, mgr.Provider.Blob)
	assert.IsType(t, &ec2.Service{}, mgr.Provider.Compute)
	assert.IsType(t, &elb.Service{}, mgr.Provider.LoadBalancer)

	mgr = newManager(t, "disk")
	assert.IsType(t, &filesystem.Store{}, mgr.Provider.Blob)

	mgr = newManager(t, "azure")
	assert.IsType(t, &azureblob.Store{}, mgr.Provider.Blob)

	mgr = newManager(t, "openstack")
	assert.IsType(t, &swift.Store{}, mgr.Provider.Blob)
	assert.IsType(t, &nova.Service{}, mgr.Provider.Compute)
	assert.NotNil(t, mgr.tokens)
}

func TestDefaults(t *testing.T) {
	mgr := newManager(t, "local")
	assert.Equal(t, "us-east-1", mgr.Cfg.GetString("service.compute.ec2.region"))
	assert.Equal(t, "v2", mgr.Cfg.GetString("service.keystone.version"))
	assert.Equal(t, 2, mgr.Cfg.GetInt("http.max-retries"))
	assert.Equal(t, 50*time.Millisecond, mgr.Cfg.GetDuration("http.retry-initial-interval"))

	t.Setenv("AWS_DEFAULT_REGION", "eu-west-1")
	mgr = newManager(t, "local")
	assert.Equal(t, "eu-west-1", mgr.Cfg.GetString("service.blob.s3.region"))
	assert.Equal(t, "eu-west-1", mgr.Cfg.GetString("service.loadbalancer.elb.region"))
}

func TestEmulatorConfig(t *testing.T) {
	cfg, err := newManager(t, "local").EmulatorConfig()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.AWSKeys["AKID"])
	assert.Equal(t, "YXp1cmUtc2VjcmV0LWtleQ==", cfg.AzureAccounts["acct"])
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "tester", cfg.Users[0].Name)
	assert.Equal(t, "test", cfg.Users[0].Tenant)
	assert.Equal(t, 10*time.Minute, cfg.TokenTTL)
}

func makeTree(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d1", "nested"), 0755))
	for name, content := range map[string]string{
		"top.txt":              "top",
		"d1/one.txt":           "one",
		"d1/nested/deeper.txt": "deeper",
	} {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), []byte(content), 0644))
	}
	return dir
}

func TestPushDir(t *testing.T) {
	mgr := newManager(t, "local")
	ctx := context.Background()
	_, err := mgr.Provider.Blob.CreateContainer(ctx, "code")
	require.NoError(t, err)

	names, err := mgr.PushDir(ctx, "code", makeTree(t), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1/nested/deeper.txt", "d1/one.txt", "top.txt"}, names)

	blob, err := mgr.Provider.Blob.GetBlob(ctx, "code", "d1/nested/deeper.txt")
	require.NoError(t, err)
	assert.Equal(t, "deeper", string(blob.Payload))

	_, err = mgr.PushDir(ctx, "missing", makeTree(t), 0)
	assert.Error(t, err)
}

func TestArchive(t *testing.T) {
	mgr := newManager(t, "local")
	ctx := context.Background()
	_, err := mgr.Provider.Blob.CreateContainer(ctx, "snapshots")
	require.NoError(t, err)

	src := makeTree(t)
	etag, err := mgr.PushArchive(ctx, "snapshots", "tree.tar.gz", src)
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	md, err := mgr.Provider.Blob.BlobMetadata(ctx, "snapshots", "tree.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "application/gzip", md.ContentType)

	dst := filepath.Join(t.TempDir(), "restored")
	paths, err := mgr.PullArchive(ctx, "snapshots", "tree.tar.gz", dst)
	require.NoError(t, err)
	assert.Contains(t, paths, filepath.Join(dst, "d1", "nested", "deeper.txt"))

	data, err := ioutil.ReadFile(filepath.Join(dst, "d1", "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestFilesystemBlobService(t *testing.T) {
	mgr := newManager(t, "disk")
	ctx := context.Background()
	_, err := mgr.Provider.Blob.CreateContainer(ctx, "site")
	require.NoError(t, err)

	src := makeTree(t)
	_, err = mgr.PushDir(ctx, "site", src, 2)
	require.NoError(t, err)
	_, err = mgr.PushArchive(ctx, "site", "snapshots/tree.tar.gz", src)
	require.NoError(t, err)

	basedir := mgr.Cfg.GetString("service.blob.filesystem.basedir")
	data, err := ioutil.ReadFile(filepath.Join(filepath.FromSlash(basedir), "site", "d1", "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	dst := filepath.Join(t.TempDir(), "restored")
	_, err = mgr.PullArchive(ctx, "site", "snapshots/tree.tar.gz", dst)
	require.NoError(t, err)
	data, err = ioutil.ReadFile(filepath.Join(dst, "d1", "nested", "deeper.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deeper", string(data))
}

func TestNoBlobService(t *testing.T) {
	mgr := newManager(t, "local")
	mgr.Provider.Blob = nil
	_, err := mgr.PushDir(context.Background(), "code", t.TempDir(), 1)
	assert.Error(t, err)
}
