// Package azureblob implements mck.BlobStore over the Azure Blob service,
// authenticating with Shared Key Lite.
package azureblob

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/azuresig"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/rest"
)

const metaPrefix = "X-Ms-Meta-"

type Config struct {
	Account string
	// Storage account key, base64 as shown in the portal
	Key string
	// Defaults to https://{account}.blob.core.windows.net
	Endpoint string
	Clock    clockwork.Clock
}

type Store struct {
	log      mck.Logger
	endpoint string
	client   *rest.Client
}

func New(log mck.Logger, client *rest.Client, cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, errors.New("azure blob storage requires an account")
	}
	signer, err := azuresig.NewSharedKeyLite(cfg.Account, cfg.Key, cfg.Clock)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	client.Use(signer)
	client.Errors = ErrorParser
	return &Store{log: log, endpoint: strings.TrimRight(endpoint, "/"), client: client}, nil
}

var ErrorParser = rest.ErrorParserFunc(func(resp *rest.Response) (string, string) {
	var e struct {
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	if len(resp.Body) > 0 && xml.Unmarshal(resp.Body, &e) == nil && e.Code != "" {
		return e.Code, e.Message
	}
	// HEAD responses carry the code only as a header
	return resp.Header.Get("x-ms-error-code"), ""
})

func (s *Store) url(query url.Values, segments ...string) string {
	u := rest.JoinURL(s.endpoint, segments...)
	if len(segments) == 0 {
		u += "/"
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func containerQuery() url.Values {
	return url.Values{"restype": {"container"}}
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

type properties struct {
	LastModified  string `xml:"Last-Modified"`
	ETag          string `xml:"Etag"`
	ContentLength int64  `xml:"Content-Length"`
	ContentType   string `xml:"Content-Type"`
	ContentMD5    string `xml:"Content-MD5"`
}

func (p properties) lastModified() time.Time {
	t, _ := http.ParseTime(p.LastModified)
	return t
}

type enumerationResults struct {
	Containers []struct {
		Name       string     `xml:"Name"`
		Properties properties `xml:"Properties"`
	} `xml:"Containers>Container"`
	Blobs []struct {
		Name       string     `xml:"Name"`
		Properties properties `xml:"Properties"`
	} `xml:"Blobs>Blob"`
	BlobPrefixes []string `xml:"Blobs>BlobPrefix>Name"`
	NextMarker   string   `xml:"NextMarker"`
}

func (s *Store) ListContainers(ctx context.Context) ([]mck.StorageMetadata, error) {
	var out []mck.StorageMetadata
	marker := ""
	for {
		query := url.Values{"comp": {"list"}}
		if marker != "" {
			query.Set("marker", marker)
		}
		resp, err := s.do(ctx, "GET", s.url(query), nil, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list containers")
		}
		var result enumerationResults
		if err := rest.DecodeXML(resp, &result); err != nil {
			return nil, err
		}
		for _, c := range result.Containers {
			out = append(out, mck.StorageMetadata{
				Type:         mck.StorageTypeContainer,
				Name:         c.Name,
				ETag:         mck.TrimETag(c.Properties.ETag),
				LastModified: c.Properties.lastModified(),
			})
		}
		if result.NextMarker == "" {
			return out, nil
		}
		marker = result.NextMarker
	}
}

func (s *Store) CreateContainer(ctx context.Context, container string) (bool, error) {
	_, err := s.do(ctx, "PUT", s.url(containerQuery(), container), nil, nil)
	if err != nil {
		if rest.ErrorCode(err) == "ContainerAlreadyExists" {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to create container %s", container)
	}
	return true, nil
}

func (s *Store) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := s.do(ctx, "HEAD", s.url(containerQuery(), container), nil, nil)
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) DeleteContainer(ctx context.Context, container string) error {
	_, err := s.do(ctx, "DELETE", s.url(containerQuery(), container), nil, nil)
	if err != nil && !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to delete container %s", container)
	}
	return nil
}

func (s *Store) List(ctx context.Context, container string, opts mck.ListOptions) (*mck.PageSet, error) {
	query := containerQuery()
	query.Set("comp", "list")
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
		query.Set("maxresults", strconv.Itoa(opts.MaxResults))
	}

	resp, err := s.do(ctx, "GET", s.url(query, container), nil, nil)
	if err != nil {
		if errors.Is(err, mck.ErrNotFound) {
			return nil, rest.WithSentinel(err, mck.ErrContainerNotFound)
		}
		return nil, errors.Wrapf(err, "failed to list container %s", container)
	}
	var result enumerationResults
	if err := rest.DecodeXML(resp, &result); err != nil {
		return nil, err
	}

	page := &mck.PageSet{NextMarker: result.NextMarker}
	for _, b := range result.Blobs {
		page.Items = append(page.Items, mck.StorageMetadata{
			Type:         mck.StorageTypeBlob,
			Name:         b.Name,
			ETag:         mck.TrimETag(b.Properties.ETag),
			Size:         b.Properties.ContentLength,
			LastModified: b.Properties.lastModified(),
		})
	}
	for _, p := range result.BlobPrefixes {
		page.Items = append(page.Items, mck.StorageMetadata{Type: mck.StorageTypeRelativePath, Name: p})
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].Name < page.Items[j].Name })
	return page, nil
}

func (s *Store) PutBlob(ctx context.Context, container string, blob *mck.Blob) (string, error) {
	md := blob.Metadata
	if md.Name == "" {
		return "", errors.New("blob name must not be empty")
	}
	resp, err := s.do(ctx, "PUT", s.url(nil, container, md.Name), blob.Payload, func(req *rest.Request) {
		req.Header.Set("x-ms-blob-type", "BlockBlob")
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
		return "", errors.Wrapf(err, "failed to put %s/%s", container, md.Name)
	}
	return mck.TrimETag(resp.Header.Get("ETag")), nil
}

func (s *Store) GetBlob(ctx context.Context, container, name string) (*mck.Blob, error) {
	resp, err := s.do(ctx, "GET", s.url(nil, container, name), nil, nil)
	if err != nil {
		return nil, notFound(err, container, name)
	}
	md := rest.BlobMetadata(name, resp.Header, metaPrefix)
	md.Size = int64(len(resp.Body))
	return &mck.Blob{Metadata: md, Payload: resp.Body}, nil
}

func (s *Store) BlobMetadata(ctx context.Context, container, name string) (*mck.BlobMetadata, error) {
	resp, err := s.do(ctx, "HEAD", s.url(nil, container, name), nil, nil)
	if err != nil {
		return nil, notFound(err, container, name)
	}
	md := rest.BlobMetadata(name, resp.Header, metaPrefix)
	return &md, nil
}

func (s *Store) RemoveBlob(ctx context.Context, container, name string) error {
	_, err := s.do(ctx, "DELETE", s.url(nil, container, name), nil, nil)
	if err != nil && !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to remove %s/%s", container, name)
	}
	return nil
}

func (s *Store) Destroy() {}

func notFound(err error, container, name string) error {
	if !errors.Is(err, mck.ErrNotFound) {
		return errors.Wrapf(err, "failed to get %s/%s", container, name)
	}
	if rest.ErrorCode(err) == "ContainerNotFound" {
		return rest.WithSentinel(err, mck.ErrContainerNotFound)
	}
	return rest.WithSentinel(err, mck.ErrBlobNotFound)
}
