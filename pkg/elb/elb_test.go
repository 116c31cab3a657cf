package elb_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/serverlessresearch/mck/pkg/awsquery"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/serverlessresearch/mck/pkg/elb"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const describePage1 = `<DescribeLoadBalancersResponse><DescribeLoadBalancersResult><LoadBalancerDescriptions>
<member>
  <LoadBalancerName>web</LoadBalancerName>
  <DNSName>web-123.us-east-1.elb.amazonaws.com</DNSName>
  <CreatedTime>2012-06-01T10:00:00.000Z</CreatedTime>
  <AvailabilityZones><member>us-east-1a</member><member>us-east-1b</member></AvailabilityZones>
  <Instances><member><InstanceId>i-1</InstanceId></member><member><InstanceId>i-2</InstanceId></member></Instances>
  <ListenerDescriptions><member><Listener><Protocol>HTTP</Protocol><LoadBalancerPort>80</LoadBalancerPort><InstancePort>8080</InstancePort></Listener></member></ListenerDescriptions>
</member>
</LoadBalancerDescriptions><NextMarker>page2</NextMarker></DescribeLoadBalancersResult></DescribeLoadBalancersResponse>`

const describePage2 = `<DescribeLoadBalancersResponse><DescribeLoadBalancersResult><LoadBalancerDescriptions>
<member><LoadBalancerName>api</LoadBalancerName></member>
</LoadBalancerDescriptions></DescribeLoadBalancersResult></DescribeLoadBalancersResponse>`

const notFound = `<ErrorResponse><Error><Type>Sender</Type><Code>LoadBalancerNotFound</Code>` +
	`<Message>Cannot find Load Balancer</Message></Error></ErrorResponse>`

func newService(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *elb.Service {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, err := awssig.VerifyQuery("POST", r.Host, "/", r.PostForm, func(string) (string, bool) { return "secret", true })
		require.NoError(t, err)
		assert.Equal(t, elb.APIVersion, r.PostForm.Get("Version"))
		handler(w, r.PostForm)
	}))
	t.Cleanup(srv.Close)

	opts := rest.DefaultOptions()
	opts.MaxRetries = 0
	signer := awssig.NewQuerySigner(credentials.NewStaticCredentials("id", "secret", ""), nil)
	client := awsquery.New(rest.NewClient(logrus.New(), opts), srv.URL, elb.APIVersion, signer)
	return elb.New(logrus.New(), client)
}

func TestListLoadBalancers(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, form url.Values) {
		assert.Equal(t, "DescribeLoadBalancers", form.Get("Action"))
		if form.Get("Marker") == "page2" {
			w.Write([]byte(describePage2))
			return
		}
		w.Write([]byte(describePage1))
	})

	lbs, err := svc.ListLoadBalancers(context.Background())
	require.NoError(t, err)
	require.Len(t, lbs, 2)
	web := lbs[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "web-123.us-east-1.elb.amazonaws.com", web.DNSName)
	assert.Equal(t, []string{"us-east-1a", "us-east-1b"}, web.Locations)
	assert.Equal(t, []string{"i-1", "i-2"}, web.NodeIDs)
	assert.Equal(t, []mck.Listener{{Protocol: "HTTP", Port: 80, InstancePort: 8080}}, web.Listeners)
	assert.Equal(t, 2012, web.Created.Year())
	assert.Equal(t, "api", lbs[1].Name)
}

func TestListNotFoundIsEmpty(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, form url.Values) {
		w.WriteHeader(400)
		w.Write([]byte(notFound))
	})
	lbs, err := svc.ListLoadBalancers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lbs)
}

func TestCreateAndRegister(t *testing.T) {
	var calls []url.Values
	svc := newService(t, func(w http.ResponseWriter, form url.Values) {
		calls = append(calls, form)
		switch form.Get("Action") {
		case "CreateLoadBalancer":
			w.Write([]byte(`<CreateLoadBalancerResponse><CreateLoadBalancerResult><DNSName>lb.example</DNSName>` +
				`</CreateLoadBalancerResult></CreateLoadBalancerResponse>`))
		default:
			w.Write([]byte(`<RegisterInstancesWithLoadBalancerResponse/>`))
		}
	})

	md, err := svc.CreateLoadBalancer(context.Background(), mck.LoadBalancerSpec{
		Name:      "web",
		Locations: []string{"us-east-1a"},
		Listeners: []mck.Listener{{Protocol: "http", Port: 80}},
		NodeIDs:   []string{"i-1", "i-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "lb.example", md.DNSName)

	require.Len(t, calls, 2)
	create := calls[0]
	assert.Equal(t, "web", create.Get("LoadBalancerName"))
	assert.Equal(t, "us-east-1a", create.Get("AvailabilityZones.member.1"))
	assert.Equal(t, "HTTP", create.Get("Listeners.member.1.Protocol"))
	assert.Equal(t, "80", create.Get("Listeners.member.1.LoadBalancerPort"))
	assert.Equal(t, "80", create.Get("Listeners.member.1.InstancePort"))

	register := calls[1]
	assert.Equal(t, "RegisterInstancesWithLoadBalancer", register.Get("Action"))
	assert.Equal(t, "i-2", register.Get("Instances.member.2.InstanceId"))
}

func TestCreateValidates(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, form url.Values) {
		t.Fatal("no request expected")
	})
	_, err := svc.CreateLoadBalancer(context.Background(), mck.LoadBalancerSpec{Name: "x"})
	assert.Error(t, err)
}

func TestDestroyMissingIsNotAnError(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, form url.Values) {
		assert.Equal(t, "DeleteLoadBalancer", form.Get("Action"))
		w.WriteHeader(400)
		w.Write([]byte(notFound))
	})
	assert.NoError(t, svc.DestroyLoadBalancer(context.Background(), "gone"))
}
