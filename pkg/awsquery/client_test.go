package awsquery_test

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awsquery"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(srvURL string) *awsquery.Client {
	opts := rest.DefaultOptions()
	opts.MaxRetries = 0
	signer := awssig.NewQuerySigner(credentials.NewStaticCredentials("id", "secret", ""), nil)
	return awsquery.New(rest.NewClient(logrus.New(), opts), srvURL, "2011-05-15", signer)
}

func TestDoSignsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "DescribeThings", r.PostForm.Get("Action"))
		assert.Equal(t, "2011-05-15", r.PostForm.Get("Version"))
		assert.Equal(t, "i-1", r.PostForm.Get("InstanceId.1"))
		assert.Equal(t, "i-2", r.PostForm.Get("InstanceId.2"))

		_, err := awssig.VerifyQuery("POST", r.Host, r.URL.Path, r.PostForm, func(string) (string, bool) {
			return "secret", true
		})
		assert.NoError(t, err)
		w.Write([]byte(`<DescribeThingsResponse><requestId>r</requestId><value>42</value></DescribeThingsResponse>`))
	}))
	defer srv.Close()

	params := url.Values{}
	awsquery.AddIndexed(params, "InstanceId", []string{"i-1", "i-2"})

	var out struct {
		XMLName xml.Name `xml:"DescribeThingsResponse"`
		Value   int      `xml:"value"`
	}
	require.NoError(t, newClient(srv.URL).Do(context.Background(), "DescribeThings", params, &out))
	assert.Equal(t, 42, out.Value)
}

func TestEC2Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`<Response><Errors><Error><Code>InvalidInstanceID.NotFound</Code>` +
			`<Message>The instance ID 'i-x' does not exist</Message></Error></Errors><RequestID>r</RequestID></Response>`))
	}))
	defer srv.Close()

	err := newClient(srv.URL).Do(context.Background(), "DescribeInstances", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "InvalidInstanceID.NotFound", rest.ErrorCode(err))
	assert.True(t, errors.Is(err, mck.ErrNotFound))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestELBErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		w.Write([]byte(`<ErrorResponse><Error><Type>Sender</Type><Code>DuplicateLoadBalancerName</Code>` +
			`<Message>exists</Message></Error><RequestId>r</RequestId></ErrorResponse>`))
	}))
	defer srv.Close()

	err := newClient(srv.URL).Do(context.Background(), "CreateLoadBalancer", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "DuplicateLoadBalancerName", rest.ErrorCode(err))
	assert.True(t, errors.Is(err, mck.ErrAlreadyExists))
}

func TestMemberParams(t *testing.T) {
	params := url.Values{}
	awsquery.AddMembers(params, "AvailabilityZones", []string{"us-east-1a"})
	awsquery.AddMemberFields(params, "Listeners", []map[string]string{
		{"Protocol": "HTTP", "LoadBalancerPort": "80"},
	})
	assert.Equal(t, "us-east-1a", params.Get("AvailabilityZones.member.1"))
	assert.Equal(t, "HTTP", params.Get("Listeners.member.1.Protocol"))
	assert.Equal(t, "80", params.Get("Listeners.member.1.LoadBalancerPort"))
}
