// Package swift implements mck.BlobStore over the OpenStack Swift object
// storage API. Authentication goes through a keystone.TokenCache, so both
// v1 and v2 auth work.
package swift

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/keystone"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
)

const (
	metaPrefix = "X-Object-Meta-"
	// Swift caps listings at 10000 entries, we page by less
	DefaultMaxResults = 1000
)

type Config struct {
	Region string
	// Storage URL to use instead of the catalog's object-store endpoint
	StorageURL string
}

type Store struct {
	log      mck.Logger
	endpoint *keystone.EndpointSupplier
	client   *rest.Client
}

func New(log mck.Logger, client *rest.Client, cache *keystone.TokenCache, cfg Config) *Store {
	keystone.Wire(client, cache)
	return &Store{
		log: log,
		endpoint: &keystone.EndpointSupplier{
			Cache:       cache,
			ServiceType: keystone.ObjectStore,
			Region:      cfg.Region,
			Static:      cfg.StorageURL,
		},
		client: client,
	}
}

func (s *Store) url(ctx context.Context, query url.Values, segments ...string) (string, error) {
	base, err := s.endpoint.Endpoint(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve storage url")
	}
	u := rest.JoinURL(base, segments...)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

func (s *Store) do(ctx context.Context, method string, query url.Values, body []byte, prepare func(*rest.Request), segments ...string) (*rest.Response, error) {
	u, err := s.url(ctx, query, segments...)
	if err != nil {
		return nil, err
	}
	req, err := rest.NewRequest(method, u, body)
	if err != nil {
		return nil, err
	}
	if prepare != nil {
		prepare(req)
	}
	return s.client.Do(ctx, req)
}

type containerEntry struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
	Bytes int64  `json:"bytes"`
}

func (s *Store) ListContainers(ctx context.Context) ([]mck.StorageMetadata, error) {
	var out []mck.StorageMetadata
	marker := ""
	for {
		query := url.Values{"format": {"json"}, "limit": {strconv.Itoa(DefaultMaxResults)}}
		if marker != "" {
			query.Set("marker", marker)
		}
		resp, err := s.do(ctx, "GET", query, nil, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list containers")
		}
		var page []containerEntry
		if len(resp.Body) > 0 {
			if err := rest.DecodeJSON(resp, &page); err != nil {
				return nil, err
			}
		}
		for _, c := range page {
			out = append(out, mck.StorageMetadata{Type: mck.StorageTypeContainer, Name: c.Name, Size: c.Bytes})
		}
		if len(page) < DefaultMaxResults {
			return out, nil
		}
		marker = page[len(page)-1].Name
	}
}

// CreateContainer relies on Swift answering 201 for a new container and 202
// for one that already existed.
func (s *Store) CreateContainer(ctx context.Context, container string) (bool, error) {
	resp, err := s.do(ctx, "PUT", nil, nil, nil, container)
	if err != nil {
		return false, errors.Wrapf(err, "failed to create container %s", container)
	}
	return resp.StatusCode != http.StatusAccepted, nil
}

func (s *Store) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := s.do(ctx, "HEAD", nil, nil, nil, container)
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) DeleteContainer(ctx context.Context, container string) error {
	_, err := s.do(ctx, "DELETE", nil, nil, nil, container)
	if err != nil && !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to delete container %s", container)
	}
	return nil
}

// Either an object or, when listing with a delimiter, a subdir.
type objectEntry struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	Bytes        int64  `json:"bytes"`
	ContentType  string `json:"content_type"`
	LastModified string `json:"last_modified"`
	Subdir       string `json:"subdir"`
}

var lastModifiedLayouts = []string{"2006-01-02T15:04:05.999999", time.RFC3339Nano}

func parseLastModified(s string) time.Time {
	for _, layout := range lastModifiedLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *Store) List(ctx context.Context, container string, opts mck.ListOptions) (*mck.PageSet, error) {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	query := url.Values{"format": {"json"}, "limit": {strconv.Itoa(limit)}}
	if opts.Prefix != "" {
		query.Set("prefix", opts.Prefix)
	}
	if opts.Marker != "" {
		query.Set("marker", opts.Marker)
	}
	if opts.Delimiter != "" {
		query.Set("delimiter", opts.Delimiter)
	}

	resp, err := s.do(ctx, "GET", query, nil, nil, container)
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return nil, rest.WithSentinel(err, mck.ErrContainerNotFound)
		}
		return nil, errors.Wrapf(err, "failed to list container %s", container)
	}
	var entries []objectEntry
	if len(resp.Body) > 0 {
		if err := rest.DecodeJSON(resp, &entries); err != nil {
			return nil, err
		}
	}

	page := &mck.PageSet{}
	for _, e := range entries {
		if e.Subdir != "" {
			page.Items = append(page.Items, mck.StorageMetadata{Type: mck.StorageTypeRelativePath, Name: e.Subdir})
			continue
		}
		page.Items = append(page.Items, mck.StorageMetadata{
			Type:         mck.StorageTypeBlob,
			Name:         e.Name,
			ETag:         e.Hash,
			Size:         e.Bytes,
			LastModified: parseLastModified(e.LastModified),
		})
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].Name < page.Items[j].Name })
	if len(page.Items) >= limit {
		page.NextMarker = page.Items[len(page.Items)-1].Name
	}
	return page, nil
}

func (s *Store) PutBlob(ctx context.Context, container string, blob *mck.Blob) (string, error) {
	md := blob.Metadata
	if md.Name == "" {
		return "", errors.New("blob name must not be empty")
	}
	resp, err := s.do(ctx, "PUT", nil, blob.Payload, func(req *rest.Request) {
		sum := md.ContentMD5
		if len(sum) == 0 {
			sum = mck.ContentMD5(blob.Payload)
		}
		// Swift checks the payload against the hex md5 in ETag
		req.Header.Set("ETag", mck.HexETag(sum))
		contentType := md.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		req.Header.Set("Content-Type", contentType)
		rest.SetUserMetadata(req, metaPrefix, md.UserMetadata)
	}, container, md.Name)
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return "", rest.WithSentinel(err, mck.ErrContainerNotFound)
		}
		return "", errors.Wrapf(err, "failed to put %s/%s", container, md.Name)
	}
	return mck.TrimETag(resp.Header.Get("ETag")), nil
}

func (s *Store) GetBlob(ctx context.Context, container, name string) (*mck.Blob, error) {
	resp, err := s.do(ctx, "GET", nil, nil, nil, container, name)
	if err != nil {
		return nil, notFound(err, container, name)
	}
	md := rest.BlobMetadata(name, resp.Header, metaPrefix)
	md.Size = int64(len(resp.Body))
	return &mck.Blob{Metadata: md, Payload: resp.Body}, nil
}

func (s *Store) BlobMetadata(ctx context.Context, container, name string) (*mck.BlobMetadata, error) {
	resp, err := s.do(ctx, "HEAD", nil, nil, nil, container, name)
	if err != nil {
		return nil, notFound(err, container, name)
	}
	md := rest.BlobMetadata(name, resp.Header, metaPrefix)
	return &md, nil
}

func (s *Store) RemoveBlob(ctx context.Context, container, name string) error {
	_, err := s.do(ctx, "DELETE", nil, nil, nil, container, name)
	if err != nil && !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to remove %s/%s", container, name)
	}
	return nil
}

func (s *Store) Destroy() {}

// Swift answers 404 for a missing object and a missing container alike.
func notFound(err error, container, name string) error {
	if !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to get %s/%s", container, name)
	}
	return rest.WithSentinel(err, mck.ErrBlobNotFound)
}
