// Standard interfaces and datatypes for the MCK project.
// Terms:
//   "service" : A specific implementation of some cloud functionality (e.g. blob storage, compute, etc.)
//   "provider" : A coherent set of services that all work together simultaneously
package mck

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// A provider aggregates a set of services that all run simultaneously. In
// theory, you can mix-and-match, but in practice only certain combinations may
// work. Any service may be nil if the provider doesn't offer it.
type Provider struct {
	Blob         BlobStore
	Compute      ComputeService
	LoadBalancer LoadBalancerService
}

// Destroy cleans up every configured service.
func (p *Provider) Destroy() {
	if p.Blob != nil {
		p.Blob.Destroy()
	}
	if p.Compute != nil {
		p.Compute.Destroy()
	}
	if p.LoadBalancer != nil {
		p.LoadBalancer.Destroy()
	}
}

// Logger is what every service logs through. Both *logrus.Logger and
// *logrus.Entry satisfy it.
type Logger interface {
	logrus.FieldLogger
}

type StorageType int

const (
	StorageTypeContainer StorageType = iota
	StorageTypeBlob
	// A common prefix when listing with a delimiter
	StorageTypeRelativePath
)

func (t StorageType) String() string {
	switch t {
	case StorageTypeContainer:
		return "container"
	case StorageTypeBlob:
		return "blob"
	case StorageTypeRelativePath:
		return "relative-path"
	}
	return "unknown"
}

// StorageMetadata is a single entry of a container or blob listing.
type StorageMetadata struct {
	Type         StorageType
	Name         string
	ETag         string
	Size         int64
	LastModified time.Time
}

type BlobMetadata struct {
	Name         string
	ContentType  string
	ETag         string
	ContentMD5   []byte
	Size         int64
	LastModified time.Time
	UserMetadata map[string]string
}

// Blobs are held entirely in memory. Retrying a request after a token
// renewal or a signature refresh requires replaying the payload.
type Blob struct {
	Metadata BlobMetadata
	Payload  []byte
}

// NewBlob returns a blob with its size and content MD5 filled in.
func NewBlob(name string, payload []byte) *Blob {
	return &Blob{
		Metadata: BlobMetadata{
			Name:       name,
			Size:       int64(len(payload)),
			ContentMD5: ContentMD5(payload),
		},
		Payload: payload,
	}
}

type ListOptions struct {
	Prefix    string
	Marker    string
	Delimiter string
	// 0 uses the provider default (usually 1000)
	MaxResults int
}

// A single page of a listing. NextMarker is empty on the last page.
type PageSet struct {
	Items      []StorageMetadata
	NextMarker string
}

type BlobStore interface {
	ListContainers(ctx context.Context) ([]StorageMetadata, error)

	// Returns false (and no error) if the container already exists and is
	// owned by the caller.
	CreateContainer(ctx context.Context, container string) (created bool, rerr error)

	ContainerExists(ctx context.Context, container string) (bool, error)

	// Deleting a container that doesn't exist is not an error.
	DeleteContainer(ctx context.Context, container string) error

	// Returns ErrContainerNotFound if the container doesn't exist.
	List(ctx context.Context, container string, opts ListOptions) (*PageSet, error)

	PutBlob(ctx context.Context, container string, blob *Blob) (etag string, rerr error)

	// Returns ErrBlobNotFound if the blob doesn't exist.
	GetBlob(ctx context.Context, container, name string) (*Blob, error)

	// Returns ErrBlobNotFound if the blob doesn't exist.
	BlobMetadata(ctx context.Context, container, name string) (*BlobMetadata, error)

	// Removing a blob that doesn't exist is not an error.
	RemoveBlob(ctx context.Context, container, name string) error

	// Users must call Destroy on any created services to perform cleanup.
	Destroy()
}

type NodeState int

const (
	NodePending NodeState = iota
	NodeRunning
	NodeSuspended
	NodeTerminated
	NodeError
	NodeUnrecognized
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "PENDING"
	case NodeRunning:
		return "RUNNING"
	case NodeSuspended:
		return "SUSPENDED"
	case NodeTerminated:
		return "TERMINATED"
	case NodeError:
		return "ERROR"
	}
	return "UNRECOGNIZED"
}

type NodeMetadata struct {
	ID               string
	Name             string
	ImageID          string
	Hardware         string
	Location         string
	State            NodeState
	PublicAddresses  []string
	PrivateAddresses []string
	Created          time.Time
	Tags             map[string]string
}

// What to launch. Empty fields fall back to the service defaults.
type NodeTemplate struct {
	Name           string
	ImageID        string
	Hardware       string
	Location       string
	KeyName        string
	SecurityGroups []string
	UserData       []byte
	Tags           map[string]string
}

type Image struct {
	ID           string
	Name         string
	Description  string
	OS           string
	Architecture string
	Available    bool
}

type ComputeService interface {
	ListNodes(ctx context.Context) ([]NodeMetadata, error)

	// Returns nil (and no error) if the node doesn't exist.
	GetNode(ctx context.Context, id string) (*NodeMetadata, error)

	CreateNode(ctx context.Context, template NodeTemplate) (*NodeMetadata, error)

	// Destroying a node that doesn't exist is not an error.
	DestroyNode(ctx context.Context, id string) error

	RebootNode(ctx context.Context, id string) error

	ListImages(ctx context.Context) ([]Image, error)

	Destroy()
}

type Listener struct {
	Protocol     string
	Port         int
	InstancePort int
}

type LoadBalancerMetadata struct {
	Name      string
	DNSName   string
	Locations []string
	Listeners []Listener
	NodeIDs   []string
	Created   time.Time
}

type LoadBalancerSpec struct {
	Name      string
	Locations []string
	Listeners []Listener
	NodeIDs   []string
}

type LoadBalancerService interface {
	ListLoadBalancers(ctx context.Context) ([]LoadBalancerMetadata, error)

	CreateLoadBalancer(ctx context.Context, spec LoadBalancerSpec) (*LoadBalancerMetadata, error)

	RegisterNodes(ctx context.Context, name string, nodeIDs []string) error

	// Destroying a load balancer that doesn't exist is not an error.
	DestroyLoadBalancer(ctx context.Context, name string) error

	Destroy()
}
