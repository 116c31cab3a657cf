// Package transient is an in-memory BlobStore. It backs the emulator and is
// handy in tests; nothing survives Destroy.
package transient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/sirupsen/logrus"
)

type container struct {
	created time.Time
	blobs   map[string]*mck.Blob
}

type Store struct {
	log   mck.Logger
	clock clockwork.Clock

	mu         sync.RWMutex
	containers map[string]*container
}

func New(log mck.Logger, clock clockwork.Clock) *Store {
	if log == nil {
		log = logrus.New()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{log: log, clock: clock, containers: map[string]*container{}}
}

func (s *Store) ListContainers(ctx context.Context) ([]mck.StorageMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]mck.StorageMetadata, 0, len(s.containers))
	for name, c := range s.containers {
		out = append(out, mck.StorageMetadata{
			Type:         mck.StorageTypeContainer,
			Name:         name,
			LastModified: c.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateContainer(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errors.New("container name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; ok {
		return false, nil
	}
	s.containers[name] = &container{created: s.clock.Now().UTC(), blobs: map[string]*mck.Blob{}}
	s.log.WithField("container", name).Debug("created container")
	return true, nil
}

func (s *Store) ContainerExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.containers[name]
	return ok, nil
}

func (s *Store) DeleteContainer(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, name)
	return nil
}

// DeleteContainerIfEmpty is for the emulator: services refuse to delete
// containers that still hold blobs.
func (s *Store) DeleteContainerIfEmpty(name string) (deleted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[name]
	if !ok {
		return false, nil
	}
	if len(c.blobs) > 0 {
		return false, errors.Wrapf(mck.ErrAlreadyExists, "container %s is not empty", name)
	}
	delete(s.containers, name)
	return true, nil
}

func (s *Store) List(ctx context.Context, name string, opts mck.ListOptions) (*mck.PageSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.containers[name]
	if !ok {
		return nil, errors.Wrap(mck.ErrContainerNotFound, name)
	}

	names := make([]string, 0, len(c.blobs))
	for n := range c.blobs {
		names = append(names, n)
	}
	return mck.ListNames(names, opts, func(n string) mck.StorageMetadata {
		return s.listItem(c.blobs[n])
	}), nil
}

func (s *Store) listItem(b *mck.Blob) mck.StorageMetadata {
	return mck.StorageMetadata{
		Type:         mck.StorageTypeBlob,
		Name:         b.Metadata.Name,
		ETag:         b.Metadata.ETag,
		Size:         b.Metadata.Size,
		LastModified: b.Metadata.LastModified,
	}
}

func (s *Store) PutBlob(ctx context.Context, name string, blob *mck.Blob) (string, error) {
	if blob == nil || blob.Metadata.Name == "" {
		return "", errors.New("blob name must not be empty")
	}
	sum := mck.ContentMD5(blob.Payload)
	if len(blob.Metadata.ContentMD5) > 0 && string(blob.Metadata.ContentMD5) != string(sum) {
		return "", errors.Wrap(mck.ErrBadDigest, blob.Metadata.Name)
	}

	stored := copyBlob(blob)
	stored.Metadata.ContentMD5 = sum
	stored.Metadata.ETag = mck.HexETag(sum)
	stored.Metadata.Size = int64(len(stored.Payload))
	stored.Metadata.LastModified = s.clock.Now().UTC().Truncate(time.Second)
	if stored.Metadata.ContentType == "" {
		stored.Metadata.ContentType = "application/octet-stream"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[name]
	if !ok {
		return "", errors.Wrap(mck.ErrContainerNotFound, name)
	}
	c.blobs[blob.Metadata.Name] = stored
	return stored.Metadata.ETag, nil
}

func (s *Store) GetBlob(ctx context.Context, name, blobName string) (*mck.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.lookup(name, blobName)
	if err != nil {
		return nil, err
	}
	return copyBlob(b), nil
}

func (s *Store) BlobMetadata(ctx context.Context, name, blobName string) (*mck.BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.lookup(name, blobName)
	if err != nil {
		return nil, err
	}
	md := copyBlob(b).Metadata
	return &md, nil
}

func (s *Store) lookup(name, blobName string) (*mck.Blob, error) {
	c, ok := s.containers[name]
	if !ok {
		return nil, errors.Wrap(mck.ErrContainerNotFound, name)
	}
	b, ok := c.blobs[blobName]
	if !ok {
		return nil, errors.Wrapf(mck.ErrBlobNotFound, "%s/%s", name, blobName)
	}
	return b, nil
}

func (s *Store) RemoveBlob(ctx context.Context, name, blobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[name]; ok {
		delete(c.blobs, blobName)
	}
	return nil
}

func (s *Store) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers = map[string]*container{}
}

func copyBlob(b *mck.Blob) *mck.Blob {
	out := &mck.Blob{Metadata: b.Metadata}
	out.Payload = append([]byte{}, b.Payload...)
	out.Metadata.ContentMD5 = append([]byte(nil), b.Metadata.ContentMD5...)
	if b.Metadata.UserMetadata != nil {
		out.Metadata.UserMetadata = make(map[string]string, len(b.Metadata.UserMetadata))
		for k, v := range b.Metadata.UserMetadata {
			out.Metadata.UserMetadata[k] = v
		}
	}
	return out
}
