// Package nova implements mck.ComputeService over the OpenStack Compute (Nova)
// v2 API, finding its endpoint in the keystone service catalog.
package nova

import (
	"context"
	"encoding/base64"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/keystone"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
)

type Config struct {
	Region string
	// Compute URL to use instead of the catalog's compute endpoint
	ComputeURL string
	// Used when a template doesn't name one
	DefaultImage  string
	DefaultFlavor string
}

type Service struct {
	log      mck.Logger
	cfg      Config
	endpoint *keystone.EndpointSupplier
	client   *rest.Client
}

func New(log mck.Logger, client *rest.Client, cache *keystone.TokenCache, cfg Config) *Service {
	keystone.Wire(client, cache)
	if cfg.DefaultFlavor == "" {
		cfg.DefaultFlavor = "1"
	}
	return &Service{
		log: log,
		cfg: cfg,
		endpoint: &keystone.EndpointSupplier{
			Cache:       cache,
			ServiceType: keystone.Compute,
			Region:      cfg.Region,
			Static:      cfg.ComputeURL,
		},
		client: client,
	}
}

func (s *Service) do(ctx context.Context, method string, in, out interface{}, segments ...string) error {
	base, err := s.endpoint.Endpoint(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resolve compute url")
	}
	req, err := rest.JSONRequest(method, rest.JoinURL(base, segments...), in)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return rest.DecodeJSON(resp, out)
}

type ref struct {
	ID string `json:"id"`
}

type address struct {
	Addr    string `json:"addr"`
	Version int    `json:"version"`
}

type server struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Status    string               `json:"status"`
	Image     ref                  `json:"image"`
	Flavor    ref                  `json:"flavor"`
	Addresses map[string][]address `json:"addresses"`
	Created   time.Time            `json:"created"`
	Metadata  map[string]string    `json:"metadata"`
	Zone      string               `json:"OS-EXT-AZ:availability_zone"`
}

// Nova's statuses, see the server concepts of the compute API guide.
var states = map[string]mck.NodeState{
	"ACTIVE":            mck.NodeRunning,
	"BUILD":             mck.NodePending,
	"REBUILD":           mck.NodePending,
	"REBOOT":            mck.NodePending,
	"HARD_REBOOT":       mck.NodePending,
	"PASSWORD":          mck.NodePending,
	"RESIZE":            mck.NodePending,
	"VERIFY_RESIZE":     mck.NodePending,
	"REVERT_RESIZE":     mck.NodePending,
	"MIGRATING":         mck.NodePending,
	"SUSPENDED":         mck.NodeSuspended,
	"PAUSED":            mck.NodeSuspended,
	"SHUTOFF":           mck.NodeSuspended,
	"SHELVED":           mck.NodeSuspended,
	"SHELVED_OFFLOADED": mck.NodeSuspended,
	"DELETED":           mck.NodeTerminated,
	"SOFT_DELETED":      mck.NodeTerminated,
	"ERROR":             mck.NodeError,
}

func nodeState(status string) mck.NodeState {
	if st, ok := states[status]; ok {
		return st
	}
	return mck.NodeUnrecognized
}

func toNode(srv server) mck.NodeMetadata {
	node := mck.NodeMetadata{
		ID:       srv.ID,
		Name:     srv.Name,
		ImageID:  srv.Image.ID,
		Hardware: srv.Flavor.ID,
		Location: srv.Zone,
		State:    nodeState(srv.Status),
		Created:  srv.Created,
		Tags:     srv.Metadata,
	}
	// "private" is the conventional name of the tenant network
	networks := make([]string, 0, len(srv.Addresses))
	for name := range srv.Addresses {
		networks = append(networks, name)
	}
	sort.Strings(networks)
	for _, name := range networks {
		for _, a := range srv.Addresses[name] {
			if name == "private" {
				node.PrivateAddresses = append(node.PrivateAddresses, a.Addr)
			} else {
				node.PublicAddresses = append(node.PublicAddresses, a.Addr)
			}
		}
	}
	return node
}

func (s *Service) ListNodes(ctx context.Context) ([]mck.NodeMetadata, error) {
	var resp struct {
		Servers []server `json:"servers"`
	}
	if err := s.do(ctx, "GET", nil, &resp, "servers", "detail"); err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list servers")
	}
	out := make([]mck.NodeMetadata, len(resp.Servers))
	for i, srv := range resp.Servers {
		out[i] = toNode(srv)
	}
	return out, nil
}

func (s *Service) GetNode(ctx context.Context, id string) (*mck.NodeMetadata, error) {
	var resp struct {
		Server server `json:"server"`
	}
	if err := s.do(ctx, "GET", nil, &resp, "servers", id); err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get server %s", id)
	}
	node := toNode(resp.Server)
	return &node, nil
}

type securityGroup struct {
	Name string `json:"name"`
}

type createServer struct {
	Name           string            `json:"name"`
	ImageRef       string            `json:"imageRef"`
	FlavorRef      string            `json:"flavorRef"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	KeyName        string            `json:"key_name,omitempty"`
	SecurityGroups []securityGroup   `json:"security_groups,omitempty"`
	UserData       string            `json:"user_data,omitempty"`
	Zone           string            `json:"availability_zone,omitempty"`
}

func (s *Service) CreateNode(ctx context.Context, tmpl mck.NodeTemplate) (*mck.NodeMetadata, error) {
	req := createServer{
		Name:      tmpl.Name,
		ImageRef:  tmpl.ImageID,
		FlavorRef: tmpl.Hardware,
		Metadata:  tmpl.Tags,
		KeyName:   tmpl.KeyName,
		Zone:      tmpl.Location,
	}
	if req.ImageRef == "" {
		req.ImageRef = s.cfg.DefaultImage
	}
	if req.ImageRef == "" {
		return nil, errors.New("no image given and no default image configured")
	}
	if req.FlavorRef == "" {
		req.FlavorRef = s.cfg.DefaultFlavor
	}
	if req.Name == "" {
		return nil, errors.New("nova servers require a name")
	}
	for _, g := range tmpl.SecurityGroups {
		req.SecurityGroups = append(req.SecurityGroups, securityGroup{Name: g})
	}
	if len(tmpl.UserData) > 0 {
		req.UserData = base64.StdEncoding.EncodeToString(tmpl.UserData)
	}

	var resp struct {
		Server server `json:"server"`
	}
	if err := s.do(ctx, "POST", map[string]createServer{"server": req}, &resp, "servers"); err != nil {
		return nil, errors.Wrapf(err, "failed to create server %s", tmpl.Name)
	}
	s.log.WithField("id", resp.Server.ID).Info("created server")

	// the create response only carries the id and links
	node, err := s.GetNode(ctx, resp.Server.ID)
	if err != nil || node == nil {
		return &mck.NodeMetadata{
			ID:       resp.Server.ID,
			Name:     req.Name,
			ImageID:  req.ImageRef,
			Hardware: req.FlavorRef,
			Location: req.Zone,
			State:    mck.NodePending,
			Tags:     req.Metadata,
		}, nil
	}
	return node, nil
}

func (s *Service) DestroyNode(ctx context.Context, id string) error {
	err := s.do(ctx, "DELETE", nil, nil, "servers", id)
	if err != nil && !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to delete server %s", id)
	}
	return nil
}

func (s *Service) RebootNode(ctx context.Context, id string) error {
	action := map[string]interface{}{"reboot": map[string]string{"type": "SOFT"}}
	if err := s.do(ctx, "POST", action, nil, "servers", id, "action"); err != nil {
		return errors.Wrapf(err, "failed to reboot server %s", id)
	}
	return nil
}

type image struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Service) ListImages(ctx context.Context) ([]mck.Image, error) {
	var resp struct {
		Images []image `json:"images"`
	}
	if err := s.do(ctx, "GET", nil, &resp, "images", "detail"); err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list images")
	}
	out := make([]mck.Image, len(resp.Images))
	for i, img := range resp.Images {
		out[i] = mck.Image{
			ID:           img.ID,
			Name:         img.Name,
			Description:  img.Metadata["description"],
			OS:           img.Metadata["os_type"],
			Architecture: img.Metadata["architecture"],
			Available:    img.Status == "ACTIVE",
		}
	}
	return out, nil
}

func (s *Service) Destroy() {}
