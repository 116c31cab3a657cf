// Package ec2 implements mck.ComputeService over the EC2 Query API.
package ec2

import (
	"context"
	"encoding/base64"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awsquery"
	"github.com/serverlessresearch/mck/pkg/mck"
)

const APIVersion = "2011-05-15"

type Config struct {
	// Used when a template doesn't name one
	DefaultImage    string
	DefaultHardware string
	// Owners passed to DescribeImages, "self" when empty
	ImageOwners []string
}

type Service struct {
	log    mck.Logger
	cfg    Config
	client *awsquery.Client
}

func New(log mck.Logger, client *awsquery.Client, cfg Config) *Service {
	if len(cfg.ImageOwners) == 0 {
		cfg.ImageOwners = []string{"self"}
	}
	if cfg.DefaultHardware == "" {
		cfg.DefaultHardware = "m1.small"
	}
	return &Service{log: log, cfg: cfg, client: client}
}

type instanceState struct {
	Code int    `xml:"code"`
	Name string `xml:"name"`
}

type tag struct {
	Key   string `xml:"key"`
	Value string `xml:"value"`
}

type instance struct {
	InstanceID       string        `xml:"instanceId"`
	ImageID          string        `xml:"imageId"`
	State            instanceState `xml:"instanceState"`
	PrivateDNSName   string        `xml:"privateDnsName"`
	DNSName          string        `xml:"dnsName"`
	InstanceType     string        `xml:"instanceType"`
	LaunchTime       time.Time     `xml:"launchTime"`
	AvailabilityZone string        `xml:"placement>availabilityZone"`
	IPAddress        string        `xml:"ipAddress"`
	PrivateIPAddress string        `xml:"privateIpAddress"`
	Tags             []tag         `xml:"tagSet>item"`
}

type reservation struct {
	ReservationID string     `xml:"reservationId"`
	Instances     []instance `xml:"instancesSet>item"`
}

type describeInstancesResponse struct {
	Reservations []reservation `xml:"reservationSet>item"`
}

type runInstancesResponse struct {
	reservation
}

type image struct {
	ImageID      string `xml:"imageId"`
	Location     string `xml:"imageLocation"`
	State        string `xml:"imageState"`
	Name         string `xml:"name"`
	Description  string `xml:"description"`
	Architecture string `xml:"architecture"`
	Platform     string `xml:"platform"`
}

type describeImagesResponse struct {
	Images []image `xml:"imagesSet>item"`
}

func nodeState(name string) mck.NodeState {
	switch name {
	case "pending", "shutting-down":
		return mck.NodePending
	case "running":
		return mck.NodeRunning
	case "stopping", "stopped":
		return mck.NodeSuspended
	case "terminated":
		return mck.NodeTerminated
	}
	return mck.NodeUnrecognized
}

func toNode(in instance) mck.NodeMetadata {
	node := mck.NodeMetadata{
		ID:       in.InstanceID,
		ImageID:  in.ImageID,
		Hardware: in.InstanceType,
		Location: in.AvailabilityZone,
		State:    nodeState(in.State.Name),
		Created:  in.LaunchTime,
	}
	if in.IPAddress != "" {
		node.PublicAddresses = append(node.PublicAddresses, in.IPAddress)
	}
	if in.PrivateIPAddress != "" {
		node.PrivateAddresses = append(node.PrivateAddresses, in.PrivateIPAddress)
	}
	if len(in.Tags) > 0 {
		node.Tags = map[string]string{}
		for _, t := range in.Tags {
			if t.Key == "Name" {
				node.Name = t.Value
				continue
			}
			node.Tags[t.Key] = t.Value
		}
	}
	return node
}

func (s *Service) describe(ctx context.Context, ids []string) ([]mck.NodeMetadata, error) {
	params := url.Values{}
	awsquery.AddIndexed(params, "InstanceId", ids)

	var resp describeInstancesResponse
	if err := s.client.Do(ctx, "DescribeInstances", params, &resp); err != nil {
		return nil, err
	}
	var nodes []mck.NodeMetadata
	for _, r := range resp.Reservations {
		for _, in := range r.Instances {
			nodes = append(nodes, toNode(in))
		}
	}
	return nodes, nil
}

func (s *Service) ListNodes(ctx context.Context) ([]mck.NodeMetadata, error) {
	return s.describe(ctx, nil)
}

func (s *Service) GetNode(ctx context.Context, id string) (*mck.NodeMetadata, error) {
	nodes, err := s.describe(ctx, []string{id})
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i], nil
		}
	}
	return nil, nil
}

func (s *Service) CreateNode(ctx context.Context, tmpl mck.NodeTemplate) (*mck.NodeMetadata, error) {
	imageID := tmpl.ImageID
	if imageID == "" {
		imageID = s.cfg.DefaultImage
	}
	if imageID == "" {
		return nil, errors.New("no image given and no default image configured")
	}
	hardware := tmpl.Hardware
	if hardware == "" {
		hardware = s.cfg.DefaultHardware
	}

	params := url.Values{}
	params.Set("ImageId", imageID)
	params.Set("MinCount", "1")
	params.Set("MaxCount", "1")
	params.Set("InstanceType", hardware)
	if tmpl.Location != "" {
		params.Set("Placement.AvailabilityZone", tmpl.Location)
	}
	if tmpl.KeyName != "" {
		params.Set("KeyName", tmpl.KeyName)
	}
	awsquery.AddIndexed(params, "SecurityGroup", tmpl.SecurityGroups)
	if len(tmpl.UserData) > 0 {
		params.Set("UserData", base64.StdEncoding.EncodeToString(tmpl.UserData))
	}

	var resp runInstancesResponse
	if err := s.client.Do(ctx, "RunInstances", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Instances) == 0 {
		return nil, errors.New("RunInstances returned no instance")
	}
	node := toNode(resp.Instances[0])
	s.log.WithField("id", node.ID).Info("launched instance")

	tags := map[string]string{}
	for k, v := range tmpl.Tags {
		tags[k] = v
	}
	if tmpl.Name != "" {
		tags["Name"] = tmpl.Name
	}
	if len(tags) > 0 {
		if err := s.createTags(ctx, node.ID, tags); err != nil {
			return &node, errors.Wrapf(err, "instance %s launched but could not be tagged", node.ID)
		}
		node.Name = tmpl.Name
		node.Tags = tmpl.Tags
	}
	return &node, nil
}

func (s *Service) createTags(ctx context.Context, id string, tags map[string]string) error {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := url.Values{}
	params.Set("ResourceId.1", id)
	for i, k := range keys {
		n := strconv.Itoa(i + 1)
		params.Set("Tag."+n+".Key", k)
		params.Set("Tag."+n+".Value", tags[k])
	}
	return s.client.Do(ctx, "CreateTags", params, nil)
}

func (s *Service) DestroyNode(ctx context.Context, id string) error {
	params := url.Values{}
	awsquery.AddIndexed(params, "InstanceId", []string{id})
	err := s.client.Do(ctx, "TerminateInstances", params, nil)
	if errors.Is(err, mck.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) RebootNode(ctx context.Context, id string) error {
	params := url.Values{}
	awsquery.AddIndexed(params, "InstanceId", []string{id})
	return s.client.Do(ctx, "RebootInstances", params, nil)
}

func (s *Service) ListImages(ctx context.Context) ([]mck.Image, error) {
	params := url.Values{}
	awsquery.AddIndexed(params, "Owner", s.cfg.ImageOwners)

	var resp describeImagesResponse
	if err := s.client.Do(ctx, "DescribeImages", params, &resp); err != nil {
		return nil, err
	}
	images := make([]mck.Image, 0, len(resp.Images))
	for _, im := range resp.Images {
		os := im.Platform
		if os == "" {
			os = "linux"
		}
		name := im.Name
		if name == "" {
			name = im.Location
		}
		images = append(images, mck.Image{
			ID:           im.ImageID,
			Name:         name,
			Description:  im.Description,
			OS:           os,
			Architecture: im.Architecture,
			Available:    im.State == "available",
		})
	}
	return images, nil
}

func (s *Service) Destroy() {}
