package rest_test

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() rest.Options {
	opts := rest.DefaultOptions()
	opts.InitialInterval = time.Millisecond
	opts.MaxInterval = 5 * time.Millisecond
	opts.MaxRetries = 3
	return opts
}

func TestDoAppliesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		assert.Equal(t, "yes", r.Header.Get("X-Filtered"))
		w.Header().Set("X-Reply", "ok")
		w.WriteHeader(201)
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	c := rest.NewClient(logrus.New(), testOptions()).Use(rest.SetHeader("X-Filtered", "yes"))
	req, err := rest.NewRequest("PUT", srv.URL+"/thing", []byte("payload"))
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "ok", resp.Header.Get("X-Reply"))
	assert.Equal(t, "done", string(resp.Body))

	// The caller's request is never modified by filters
	assert.Empty(t, req.Header.Get("X-Filtered"))
}

func TestBackoffRetriesServerErrors(t *testing.T) {
	var hits, filtered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := rest.NewClient(logrus.New(), testOptions()).Use(rest.FilterFunc(func(ctx context.Context, req *rest.Request) error {
		atomic.AddInt32(&filtered, 1)
		return nil
	}))
	req, _ := rest.NewRequest("GET", srv.URL, nil)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(3), atomic.LoadInt32(&filtered), "filters run on every attempt")
}

func TestBackoffGivesUp(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxRetries = 2
	c := rest.NewClient(logrus.New(), opts)
	req, _ := rest.NewRequest("GET", srv.URL, nil)

	_, err := c.Do(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 500, rest.StatusCode(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(404)
		w.Write([]byte("NoSuchThing|it is gone"))
	}))
	defer srv.Close()

	c := rest.NewClient(logrus.New(), testOptions())
	c.Errors = rest.ErrorParserFunc(func(resp *rest.Response) (string, string) {
		return "NoSuchThing", "it is gone"
	})
	req, _ := rest.NewRequest("GET", srv.URL+"/x", nil)

	_, err := c.Do(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mck.ErrNotFound))
	assert.Equal(t, "NoSuchThing", rest.ErrorCode(err))
	assert.Contains(t, err.Error(), "it is gone")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestStatusSentinels(t *testing.T) {
	cases := map[int]error{
		401: mck.ErrAuthorization,
		403: mck.ErrAuthorization,
		404: mck.ErrNotFound,
		409: mck.ErrAlreadyExists,
		413: mck.ErrInsufficientResources,
	}
	for status, sentinel := range cases {
		err := &rest.HTTPError{StatusCode: status}
		assert.True(t, errors.Is(err, sentinel), "status %d", status)
	}
	assert.Nil(t, (&rest.HTTPError{StatusCode: 400}).Unwrap())
}

func TestRedirectIsFollowedAndResigned(t *testing.T) {
	var signedFor []string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bucket/key", r.URL.Path)
		w.WriteHeader(200)
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", target.URL+"/elsewhere")
		w.WriteHeader(307)
	}))
	defer origin.Close()

	c := rest.NewClient(logrus.New(), testOptions()).Use(rest.FilterFunc(func(ctx context.Context, req *rest.Request) error {
		signedFor = append(signedFor, req.URL.Host)
		return nil
	}))
	req, _ := rest.NewRequest("GET", origin.URL+"/bucket/key", nil)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	require.Len(t, signedFor, 2)
	assert.NotEqual(t, signedFor[0], signedFor[1])
}

func TestContextCancelStopsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.InitialInterval = time.Hour
	opts.MaxInterval = time.Hour
	c := rest.NewClient(logrus.New(), opts)
	req, _ := rest.NewRequest("GET", srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Do(ctx, req)
	require.Error(t, err)
	assert.True(t, time.Since(start) < 10*time.Second)
}

func TestFilterErrorAbortsRequest(t *testing.T) {
	c := rest.NewClient(logrus.New(), testOptions()).Use(rest.FilterFunc(func(ctx context.Context, req *rest.Request) error {
		return errors.New("no credentials")
	}))
	req, _ := rest.NewRequest("GET", "http://127.0.0.1:1/", nil)

	_, err := c.Do(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://host/base/a%20b/dir/file", rest.JoinURL("http://host/base/", "a b", "dir/file"))
}
