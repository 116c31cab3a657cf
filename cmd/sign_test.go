package cmd

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/jonboulle/clockwork"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const describeURL = "https://ec2.amazonaws.com/?Action=DescribeInstances&Version=2011-05-15"

func TestSignQuery(t *testing.T) {
	creds := credentials.NewStaticCredentials("AKID", "secret", "")
	clock := clockwork.NewFakeClockAt(time.Date(2011, 10, 3, 15, 19, 36, 0, time.UTC))

	req, sts, err := signQuery(context.Background(), "GET", describeURL, creds, clock)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sts, "GET\nec2.amazonaws.com\n/\n"), sts)
	params, err := url.ParseQuery(req.URL.RawQuery)
	require.NoError(t, err)
	assert.Equal(t, "DescribeInstances", params.Get("Action"))
	assert.Equal(t, awssig.SignQuery("secret", sts), params.Get("Signature"))
	assert.Empty(t, req.Body)

	req, sts, err = signQuery(context.Background(), "post", describeURL, creds, clock)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.True(t, strings.HasPrefix(sts, "POST\nec2.amazonaws.com\n/\n"), sts)
	assert.Empty(t, req.URL.RawQuery)
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	params, err = url.ParseQuery(string(req.Body))
	require.NoError(t, err)
	assert.Equal(t, "DescribeInstances", params.Get("Action"))
	assert.Equal(t, awssig.SignQuery("secret", sts), params.Get("Signature"))
}

func TestSignQueryRejectsOtherMethods(t *testing.T) {
	creds := credentials.NewStaticCredentials("AKID", "secret", "")
	_, _, err := signQuery(context.Background(), "DELETE", describeURL, creds, clockwork.NewFakeClock())
	assert.Error(t, err)
}
