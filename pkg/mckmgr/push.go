package mckmgr

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPushConcurrency = 8
	archiveContentType     = "application/gzip"
)

func (self *MckManager) blobStore() (mck.BlobStore, error) {
	if self.Provider.Blob == nil {
		return nil, errors.New("Provider does not offer a blob service")
	}
	return self.Provider.Blob, nil
}

// PushDir uploads every regular file under dir into container, named by its
// slash separated path relative to dir. At most concurrency uploads run at
// once. Returns the names uploaded, sorted.
func (self *MckManager) PushDir(ctx context.Context, container, dir string, concurrency int) ([]string, error) {
	store, err := self.blobStore()
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = DefaultPushConcurrency
	}

	var files []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to walk "+dir)
	}

	var (
		mu    sync.Mutex
		names []string
	)
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(concurrency)
	for _, path := range files {
		path := path
		grp.Go(func() error {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(rel)
			payload, err := ioutil.ReadFile(path)
			if err != nil {
				return errors.Wrap(err, "Failed to read "+path)
			}
			etag, err := store.PutBlob(ctx, container, mck.NewBlob(name, payload))
			if err != nil {
				return errors.Wrap(err, "Failed to upload "+path)
			}
			self.Logger.WithFields(logrus.Fields{"blob": name, "etag": etag}).Debug("pushed file")

			mu.Lock()
			names = append(names, name)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// PushArchive stores dir as a single tar.gz blob called name.
func (self *MckManager) PushArchive(ctx context.Context, container, name, dir string) (string, error) {
	store, err := self.blobStore()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := mck.ArchiveDir(dir, dir, &buf); err != nil {
		return "", errors.Wrap(err, "Failed to archive "+dir)
	}
	blob := mck.NewBlob(name, buf.Bytes())
	blob.Metadata.ContentType = archiveContentType
	etag, err := store.PutBlob(ctx, container, blob)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to upload archive of %s", dir)
	}
	self.Logger.WithFields(logrus.Fields{"blob": name, "size": buf.Len()}).Info("pushed archive")
	return etag, nil
}

// PullArchive restores an archive made by PushArchive into dst, returning
// the paths created.
func (self *MckManager) PullArchive(ctx context.Context, container, name, dst string) ([]string, error) {
	store, err := self.blobStore()
	if err != nil {
		return nil, err
	}
	blob, err := store.GetBlob(ctx, container, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dst, 0775); err != nil {
		return nil, errors.Wrap(err, "Failed to create "+dst)
	}
	paths, err := mck.ExtractArchive(bytes.NewReader(blob.Payload), dst)
	if err != nil {
		return paths, errors.Wrapf(err, "Failed to extract %s/%s", container, name)
	}
	return paths, nil
}
