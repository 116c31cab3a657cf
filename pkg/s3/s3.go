// Package s3 implements mck.BlobStore over the S3 REST API. Requests are
// signed with signature version 2 by default, or version 4.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
)

const (
	DefaultEndpoint = "https://s3.amazonaws.com"
	DefaultRegion   = "us-east-1"
	metaPrefix      = "X-Amz-Meta-"
)

type Config struct {
	Endpoint string
	Region   string
	// "v2" (default) or "v4"
	Signer string
	// Address buckets as /bucket/key instead of bucket.host/key
	PathStyle bool
	Creds     *credentials.Credentials
	Clock     clockwork.Clock
}

type Store struct {
	log      mck.Logger
	cfg      Config
	endpoint *url.URL
	client   *rest.Client
}

// New wires the configured signer and skew correction into client.
func New(log mck.Logger, client *rest.Client, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Creds == nil {
		return nil, errors.New("s3 requires credentials")
	}
	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid s3 endpoint %q", cfg.Endpoint)
	}

	clock := awssig.NewSkewClock(cfg.Clock)
	switch cfg.Signer {
	case "", "v2":
		serviceHost := ""
		if !cfg.PathStyle {
			serviceHost = endpoint.Hostname()
		}
		client.Use(awssig.NewHeaderSigner(cfg.Creds, serviceHost, clock))
	case "v4":
		client.Use(awssig.NewV4Signer(cfg.Creds, "s3", cfg.Region, clock))
	default:
		return nil, errors.Errorf("unknown s3 signer %q", cfg.Signer)
	}
	client.PrependRetry(&awssig.SkewRetry{Clock: clock})
	client.Errors = ErrorParser

	return &Store{log: log, cfg: cfg, endpoint: endpoint, client: client}, nil
}

type s3Error struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

var ErrorParser = rest.ErrorParserFunc(func(resp *rest.Response) (string, string) {
	var e s3Error
	if err := xml.Unmarshal(resp.Body, &e); err != nil {
		return "", ""
	}
	return e.Code, e.Message
})

func (s *Store) url(bucket, key string, query url.Values) string {
	u := *s.endpoint
	switch {
	case bucket == "":
		u.Path += "/"
	case s.cfg.PathStyle:
		u.Path += "/" + bucket
	default:
		u.Host = bucket + "." + u.Host
	}
	out := u.String()
	if key != "" {
		out = rest.JoinURL(out, key)
	}
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out
}

func (s *Store) do(ctx context.Context, method, rawURL string, body []byte, prepare func(*rest.Request)) (*rest.Response, error) {
	req, err := rest.NewRequest(method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if prepare != nil {
		prepare(req)
	}
	return s.client.Do(ctx, req)
}

type bucketEntry struct {
	Name         string    `xml:"Name"`
	CreationDate time.Time `xml:"CreationDate"`
}

type listAllMyBucketsResult struct {
	Buckets []bucketEntry `xml:"Buckets>Bucket"`
}

func (s *Store) ListContainers(ctx context.Context) ([]mck.StorageMetadata, error) {
	resp, err := s.do(ctx, "GET", s.url("", "", nil), nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list buckets")
	}
	var result listAllMyBucketsResult
	if err := rest.DecodeXML(resp, &result); err != nil {
		return nil, err
	}
	out := make([]mck.StorageMetadata, len(result.Buckets))
	for i, b := range result.Buckets {
		out[i] = mck.StorageMetadata{Type: mck.StorageTypeContainer, Name: b.Name, LastModified: b.CreationDate}
	}
	return out, nil
}

type createBucketConfiguration struct {
	XMLName            xml.Name `xml:"CreateBucketConfiguration"`
	LocationConstraint string   `xml:"LocationConstraint"`
}

func (s *Store) CreateContainer(ctx context.Context, bucket string) (bool, error) {
	var body []byte
	if s.cfg.Region != DefaultRegion {
		var err error
		body, err = xml.Marshal(createBucketConfiguration{LocationConstraint: s.cfg.Region})
		if err != nil {
			return false, errors.Wrap(err, "failed to encode bucket configuration")
		}
	}
	_, err := s.do(ctx, "PUT", s.url(bucket, "", nil), body, nil)
	if err != nil {
		if rest.ErrorCode(err) == "BucketAlreadyOwnedByYou" {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to create bucket %s", bucket)
	}
	return true, nil
}

func (s *Store) ContainerExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.do(ctx, "HEAD", s.url(bucket, "", nil), nil, nil)
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) DeleteContainer(ctx context.Context, bucket string) error {
	_, err := s.do(ctx, "DELETE", s.url(bucket, "", nil), nil, nil)
	if err != nil && !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to delete bucket %s", bucket)
	}
	return nil
}

type object struct {
	Key          string    `xml:"Key"`
	LastModified time.Time `xml:"LastModified"`
	ETag         string    `xml:"ETag"`
	Size         int64     `xml:"Size"`
}

type listBucketResult struct {
	IsTruncated    bool     `xml:"IsTruncated"`
	NextMarker     string   `xml:"NextMarker"`
	Contents       []object `xml:"Contents"`
	CommonPrefixes []string `xml:"CommonPrefixes>Prefix"`
}

func (s *Store) List(ctx context.Context, bucket string, opts mck.ListOptions) (*mck.PageSet, error) {
	query := url.Values{}
	if opts.Prefix != "" {
		query.Set("prefix", opts.Prefix)
	}
	if opts.Marker != "" {
		query.Set("marker", opts.Marker)
	}
	if opts.Delimiter != "" {
		query.Set("delimiter", opts.Delimiter)
	}
	if opts.MaxResults > 0 {
		query.Set("max-keys", strconv.Itoa(opts.MaxResults))
	}

	resp, err := s.do(ctx, "GET", s.url(bucket, "", query), nil, nil)
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return nil, rest.WithSentinel(err, mck.ErrContainerNotFound)
		}
		return nil, errors.Wrapf(err, "failed to list bucket %s", bucket)
	}
	var result listBucketResult
	if err := rest.DecodeXML(resp, &result); err != nil {
		return nil, err
	}

	page := &mck.PageSet{}
	last := ""
	for _, c := range result.Contents {
		page.Items = append(page.Items, mck.StorageMetadata{
			Type:         mck.StorageTypeBlob,
			Name:         c.Key,
			ETag:         mck.TrimETag(c.ETag),
			Size:         c.Size,
			LastModified: c.LastModified,
		})
		if c.Key > last {
			last = c.Key
		}
	}
	for _, p := range result.CommonPrefixes {
		page.Items = append(page.Items, mck.StorageMetadata{Type: mck.StorageTypeRelativePath, Name: p})
		if p > last {
			last = p
		}
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].Name < page.Items[j].Name })
	if result.IsTruncated {
		page.NextMarker = result.NextMarker
		// only sent when a delimiter was given
		if page.NextMarker == "" {
			page.NextMarker = last
		}
	}
	return page, nil
}

func (s *Store) PutBlob(ctx context.Context, bucket string, blob *mck.Blob) (string, error) {
	md := blob.Metadata
	if md.Name == "" {
		return "", errors.New("blob name must not be empty")
	}
	resp, err := s.do(ctx, "PUT", s.url(bucket, md.Name, nil), blob.Payload, func(req *rest.Request) {
		sum := md.ContentMD5
		if len(sum) == 0 {
			sum = mck.ContentMD5(blob.Payload)
		}
		req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum))
		contentType := md.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		req.Header.Set("Content-Type", contentType)
		rest.SetUserMetadata(req, metaPrefix, md.UserMetadata)
	})
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return "", rest.WithSentinel(err, mck.ErrContainerNotFound)
		}
		return "", errors.Wrapf(err, "failed to put %s/%s", bucket, md.Name)
	}
	return mck.TrimETag(resp.Header.Get("ETag")), nil
}

func (s *Store) GetBlob(ctx context.Context, bucket, name string) (*mck.Blob, error) {
	resp, err := s.do(ctx, "GET", s.url(bucket, name, nil), nil, nil)
	if err != nil {
		return nil, notFound(err, bucket, name)
	}
	md := rest.BlobMetadata(name, resp.Header, metaPrefix)
	md.Size = int64(len(resp.Body))
	return &mck.Blob{Metadata: md, Payload: resp.Body}, nil
}

func (s *Store) BlobMetadata(ctx context.Context, bucket, name string) (*mck.BlobMetadata, error) {
	resp, err := s.do(ctx, "HEAD", s.url(bucket, name, nil), nil, nil)
	if err != nil {
		return nil, notFound(err, bucket, name)
	}
	md := rest.BlobMetadata(name, resp.Header, metaPrefix)
	return &md, nil
}

func (s *Store) RemoveBlob(ctx context.Context, bucket, name string) error {
	_, err := s.do(ctx, "DELETE", s.url(bucket, name, nil), nil, nil)
	if err != nil && !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to remove %s/%s", bucket, name)
	}
	return nil
}

func (s *Store) Destroy() {}

func notFound(err error, bucket, name string) error {
	if !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to get %s/%s", bucket, name)
	}
	if rest.ErrorCode(err) == "NoSuchBucket" {
		return rest.WithSentinel(err, mck.ErrContainerNotFound)
	}
	return rest.WithSentinel(err, mck.ErrBlobNotFound)
}
