package azuresig_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/serverlessresearch/mck/pkg/azuresig"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey  = base64.StdEncoding.EncodeToString([]byte("azure-secret-key"))
	testTime = time.Date(2009, 11, 8, 15, 54, 8, 0, time.UTC)
)

func TestSharedKeyLite(t *testing.T) {
	signer, err := azuresig.NewSharedKeyLite("identity", testKey, clockwork.NewFakeClockAt(testTime))
	require.NoError(t, err)

	req, err := rest.NewRequest("PUT", "https://identity.blob.core.windows.net/container/blob?comp=metadata&timeout=30", nil)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("x-ms-meta-key", "value")
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	require.NoError(t, signer.Filter(context.Background(), req))

	assert.Equal(t, "Sun, 08 Nov 2009 15:54:08 GMT", req.Header.Get("x-ms-date"))
	assert.Equal(t, "2009-09-19", req.Header.Get("x-ms-version"))
	assert.Equal(t, "PUT\n\ntext/plain\n\n"+
		"x-ms-blob-type:BlockBlob\n"+
		"x-ms-date:Sun, 08 Nov 2009 15:54:08 GMT\n"+
		"x-ms-meta-key:value\n"+
		"x-ms-version:2009-09-19\n"+
		"/identity/container/blob?comp=metadata", azuresig.StringToSign(req, "identity"))
	assert.Equal(t, "SharedKeyLite identity:HQ+z9N7jOq35GNS4xA3VdhkouudOZRm1jVEHWXHmGgE=", req.Header.Get("Authorization"))
}

func TestDateHeaderUsedWithoutMsDate(t *testing.T) {
	req, _ := rest.NewRequest("GET", "https://identity.blob.core.windows.net/?comp=list", nil)
	req.Header.Set("Date", "Sun, 08 Nov 2009 15:54:08 GMT")

	assert.Equal(t, "GET\n\n\nSun, 08 Nov 2009 15:54:08 GMT\n/identity/?comp=list", azuresig.StringToSign(req, "identity"))
}

func TestInvalidKey(t *testing.T) {
	_, err := azuresig.NewSharedKeyLite("identity", "not base64!", nil)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	signer, err := azuresig.NewSharedKeyLite("identity", testKey, nil)
	require.NoError(t, err)
	lookup := func(account string) ([]byte, bool) {
		if account == "identity" {
			return []byte("azure-secret-key"), true
		}
		return nil, false
	}

	req, _ := rest.NewRequest("DELETE", "http://localhost/azure/identity/container?restype=container", nil)
	require.NoError(t, signer.Filter(context.Background(), req))

	account, err := azuresig.Verify(req, lookup)
	require.NoError(t, err)
	assert.Equal(t, "identity", account)

	req.Method = "GET"
	_, err = azuresig.Verify(req, lookup)
	assert.Error(t, err)

	req.Header.Set("Authorization", "SharedKeyLite other:abc")
	_, err = azuresig.Verify(req, lookup)
	assert.Error(t, err)
}
