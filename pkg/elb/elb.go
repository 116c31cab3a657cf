// Package elb implements mck.LoadBalancerService over the classic Elastic
// Load Balancing Query API.
package elb

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awsquery"
	"github.com/serverlessresearch/mck/pkg/mck"
)

const APIVersion = "2012-06-01"

type Service struct {
	log    mck.Logger
	client *awsquery.Client
}

func New(log mck.Logger, client *awsquery.Client) *Service {
	return &Service{log: log, client: client}
}

type listener struct {
	Protocol         string `xml:"Protocol"`
	LoadBalancerPort int    `xml:"LoadBalancerPort"`
	InstancePort     int    `xml:"InstancePort"`
}

type description struct {
	Name      string     `xml:"LoadBalancerName"`
	DNSName   string     `xml:"DNSName"`
	Created   time.Time  `xml:"CreatedTime"`
	Zones     []string   `xml:"AvailabilityZones>member"`
	Instances []string   `xml:"Instances>member>InstanceId"`
	Listeners []listener `xml:"ListenerDescriptions>member>Listener"`
}

type describeResponse struct {
	Descriptions []description `xml:"DescribeLoadBalancersResult>LoadBalancerDescriptions>member"`
	NextMarker   string        `xml:"DescribeLoadBalancersResult>NextMarker"`
}

type createResponse struct {
	DNSName string `xml:"CreateLoadBalancerResult>DNSName"`
}

func toMetadata(d description) mck.LoadBalancerMetadata {
	md := mck.LoadBalancerMetadata{
		Name:      d.Name,
		DNSName:   d.DNSName,
		Locations: d.Zones,
		NodeIDs:   d.Instances,
		Created:   d.Created,
	}
	for _, l := range d.Listeners {
		md.Listeners = append(md.Listeners, mck.Listener{
			Protocol:     l.Protocol,
			Port:         l.LoadBalancerPort,
			InstancePort: l.InstancePort,
		})
	}
	return md
}

func (s *Service) ListLoadBalancers(ctx context.Context) ([]mck.LoadBalancerMetadata, error) {
	var out []mck.LoadBalancerMetadata
	marker := ""
	for {
		params := url.Values{}
		if marker != "" {
			params.Set("Marker", marker)
		}
		var resp describeResponse
		if err := s.client.Do(ctx, "DescribeLoadBalancers", params, &resp); err != nil {
			if errors.Is(err, mck.ErrNotFound) {
				return out, nil
			}
			return nil, err
		}
		for _, d := range resp.Descriptions {
			out = append(out, toMetadata(d))
		}
		if resp.NextMarker == "" {
			return out, nil
		}
		marker = resp.NextMarker
	}
}

func (s *Service) CreateLoadBalancer(ctx context.Context, spec mck.LoadBalancerSpec) (*mck.LoadBalancerMetadata, error) {
	if spec.Name == "" {
		return nil, errors.New("load balancer name must not be empty")
	}
	if len(spec.Listeners) == 0 {
		return nil, errors.New("at least one listener is required")
	}

	params := url.Values{}
	params.Set("LoadBalancerName", spec.Name)
	awsquery.AddMembers(params, "AvailabilityZones", spec.Locations)
	listeners := make([]map[string]string, len(spec.Listeners))
	for i, l := range spec.Listeners {
		instancePort := l.InstancePort
		if instancePort == 0 {
			instancePort = l.Port
		}
		listeners[i] = map[string]string{
			"Protocol":         strings.ToUpper(l.Protocol),
			"LoadBalancerPort": strconv.Itoa(l.Port),
			"InstancePort":     strconv.Itoa(instancePort),
		}
	}
	awsquery.AddMemberFields(params, "Listeners", listeners)

	var resp createResponse
	if err := s.client.Do(ctx, "CreateLoadBalancer", params, &resp); err != nil {
		return nil, err
	}
	s.log.WithField("name", spec.Name).Info("created load balancer")

	if len(spec.NodeIDs) > 0 {
		if err := s.RegisterNodes(ctx, spec.Name, spec.NodeIDs); err != nil {
			return nil, err
		}
	}
	return &mck.LoadBalancerMetadata{
		Name:      spec.Name,
		DNSName:   resp.DNSName,
		Locations: spec.Locations,
		Listeners: spec.Listeners,
		NodeIDs:   spec.NodeIDs,
	}, nil
}

func (s *Service) RegisterNodes(ctx context.Context, name string, nodeIDs []string) error {
	params := url.Values{}
	params.Set("LoadBalancerName", name)
	ids := make([]map[string]string, len(nodeIDs))
	for i, id := range nodeIDs {
		ids[i] = map[string]string{"InstanceId": id}
	}
	awsquery.AddMemberFields(params, "Instances", ids)
	return s.client.Do(ctx, "RegisterInstancesWithLoadBalancer", params, nil)
}

func (s *Service) DestroyLoadBalancer(ctx context.Context, name string) error {
	params := url.Values{}
	params.Set("LoadBalancerName", name)
	err := s.client.Do(ctx, "DeleteLoadBalancer", params, nil)
	if errors.Is(err, mck.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) Destroy() {}
