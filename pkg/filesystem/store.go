// Package filesystem is a BlobStore kept in a local directory. Containers are
// the top-level directories under the base directory and blobs are the files
// below them, so a key such as "css/site.css" is stored at
// <base>/<container>/css/site.css.
//
// Content type and user metadata live beside the tree in <base>/.mck, which
// is also why container names may not start with a dot.
package filesystem

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	stateDir           = ".mck"
	defaultContentType = "application/octet-stream"
)

// ErrInvalidName is returned for container names and blob keys that can't
// be mapped to a path under the base directory.
var ErrInvalidName = errors.New("invalid name")

type Config struct {
	BaseDir string
	// Defaults to the operating system's filesystem
	Fs afero.Fs
}

type Store struct {
	log   mck.Logger
	clock clockwork.Clock
	fs    afero.Fs
	base  string

	mu sync.RWMutex
}

// sidecar is what the file itself can't carry. ContentMD5 is only trusted
// while the file still has the recorded size and modification time.
type sidecar struct {
	ContentType  string            `json:"content_type,omitempty"`
	ContentMD5   []byte            `json:"content_md5"`
	Size         int64             `json:"size"`
	ModTime      time.Time         `json:"mod_time"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
}

func New(log mck.Logger, clock clockwork.Clock, cfg Config) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("filesystem blob store requires a base directory")
	}
	if log == nil {
		log = logrus.New()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve base directory")
	}
	s := &Store{log: log, clock: clock, fs: cfg.Fs, base: base}
	for _, dir := range []string{s.tmpDir(), filepath.Join(base, stateDir, "meta")} {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create base directory")
		}
	}
	return s, nil
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.base, stateDir, "tmp")
}

func (s *Store) containerDir(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", errors.Wrapf(ErrInvalidName, "container %q", name)
	}
	return filepath.Join(s.base, name), nil
}

func (s *Store) metaDir(container string) string {
	return filepath.Join(s.base, stateDir, "meta", container)
}

func (s *Store) metaPath(container, key string) string {
	sum := md5.Sum([]byte(key))
	return filepath.Join(s.metaDir(container), hex.EncodeToString(sum[:])+".json")
}

// blobPath maps key to its file. Keys are rejected rather than cleaned, so
// that "a/../b" can't alias "b".
func (s *Store) blobPath(container, key string) (string, error) {
	dir, err := s.containerDir(container)
	if err != nil {
		return "", err
	}
	if key == "" || strings.Contains(key, `\`) {
		return "", errors.Wrapf(ErrInvalidName, "blob %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", errors.Wrapf(ErrInvalidName, "blob %q", key)
		}
	}
	path, err := mck.ContainedPath(dir, key)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidName, "blob %q: %s", key, err)
	}
	return path, nil
}

func (s *Store) isDir(path string) bool {
	fi, err := s.fs.Stat(path)
	return err == nil && fi.IsDir()
}

func (s *Store) ListContainers(ctx context.Context) ([]mck.StorageMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := afero.ReadDir(s.fs, s.base)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list containers")
	}
	var out []mck.StorageMetadata
	for _, info := range entries {
		if !info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		out = append(out, mck.StorageMetadata{
			Type:         mck.StorageTypeContainer,
			Name:         info.Name(),
			LastModified: info.ModTime().UTC().Truncate(time.Second),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateContainer(ctx context.Context, name string) (bool, error) {
	dir, err := s.containerDir(name)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) && s.isDir(dir) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to create container %s", name)
	}
	now := s.clock.Now()
	if err := s.fs.Chtimes(dir, now, now); err != nil {
		return false, errors.Wrapf(err, "failed to create container %s", name)
	}
	s.log.WithField("container", name).Debug("created container")
	return true, nil
}

func (s *Store) ContainerExists(ctx context.Context, name string) (bool, error) {
	dir, err := s.containerDir(name)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isDir(dir), nil
}

// DeleteContainer removes the container along with every blob in it.
func (s *Store) DeleteContainer(ctx context.Context, name string) error {
	dir, err := s.containerDir(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to delete container %s", name)
	}
	if err := s.fs.RemoveAll(s.metaDir(name)); err != nil {
		return errors.Wrapf(err, "failed to delete metadata of container %s", name)
	}
	return nil
}

func (s *Store) List(ctx context.Context, name string, opts mck.ListOptions) (*mck.PageSet, error) {
	dir, err := s.containerDir(name)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isDir(dir) {
		return nil, errors.Wrap(mck.ErrContainerNotFound, name)
	}
	files := map[string]os.FileInfo{}
	err = afero.Walk(s.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, opts.Prefix) {
			files[key] = info
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list container %s", name)
	}

	names := make([]string, 0, len(files))
	for key := range files {
		names = append(names, key)
	}
	var itemErr error
	page := mck.ListNames(names, opts, func(key string) mck.StorageMetadata {
		info := files[key]
		item := mck.StorageMetadata{
			Type:         mck.StorageTypeBlob,
			Name:         key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC().Truncate(time.Second),
		}
		md, err := s.metadata(name, key, filepath.Join(dir, filepath.FromSlash(key)), info)
		if err != nil && itemErr == nil {
			itemErr = err
		}
		item.ETag = md.ETag
		return item
	})
	if itemErr != nil {
		return nil, errors.Wrapf(itemErr, "failed to list container %s", name)
	}
	return page, nil
}

func (s *Store) PutBlob(ctx context.Context, container string, blob *mck.Blob) (string, error) {
	if blob == nil || blob.Metadata.Name == "" {
		return "", errors.New("blob name must not be empty")
	}
	key := blob.Metadata.Name
	path, err := s.blobPath(container, key)
	if err != nil {
		return "", err
	}
	sum := mck.ContentMD5(blob.Payload)
	if len(blob.Metadata.ContentMD5) > 0 && string(blob.Metadata.ContentMD5) != string(sum) {
		return "", errors.Wrap(mck.ErrBadDigest, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, _ := s.containerDir(container)
	if !s.isDir(dir) {
		return "", errors.Wrap(mck.ErrContainerNotFound, container)
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", errors.Wrapf(err, "failed to put %s/%s", container, key)
	}
	info, err := s.writeFile(path, blob.Payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to put %s/%s", container, key)
	}

	meta := sidecar{
		ContentType:  blob.Metadata.ContentType,
		ContentMD5:   sum,
		Size:         info.Size(),
		ModTime:      info.ModTime(),
		UserMetadata: blob.Metadata.UserMetadata,
	}
	if err := s.writeSidecar(container, key, meta); err != nil {
		return "", errors.Wrapf(err, "failed to put %s/%s", container, key)
	}
	s.log.WithFields(logrus.Fields{"container": container, "blob": key, "size": info.Size()}).Debug("stored blob")
	return mck.HexETag(sum), nil
}

// writeFile replaces path with payload by renaming a temporary file over it,
// so readers never see a partial blob.
func (s *Store) writeFile(path string, payload []byte) (os.FileInfo, error) {
	tmp, err := afero.TempFile(s.fs, s.tmpDir(), "put-")
	if err != nil {
		return nil, err
	}
	defer s.fs.Remove(tmp.Name())

	_, err = tmp.Write(payload)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.fs.Chtimes(tmp.Name(), now, now); err != nil {
		return nil, err
	}
	if err := s.fs.Rename(tmp.Name(), path); err != nil {
		return nil, err
	}
	return s.fs.Stat(path)
}

func (s *Store) writeSidecar(container, key string, meta sidecar) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.metaDir(container), 0755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, s.metaPath(container, key), data, 0644)
}

func (s *Store) readSidecar(container, key string) (*sidecar, error) {
	data, err := afero.ReadFile(s.fs, s.metaPath(container, key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(err, "corrupt metadata for %s/%s", container, key)
	}
	return &meta, nil
}

// metadata describes the blob at path. Files written by something other
// than this store get their digest computed from the content.
func (s *Store) metadata(container, key, path string, info os.FileInfo) (mck.BlobMetadata, error) {
	md := mck.BlobMetadata{
		Name:         key,
		ContentType:  defaultContentType,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC().Truncate(time.Second),
	}
	meta, err := s.readSidecar(container, key)
	if err != nil {
		return md, err
	}
	if meta != nil {
		if meta.ContentType != "" {
			md.ContentType = meta.ContentType
		}
		md.UserMetadata = meta.UserMetadata
	}
	if meta != nil && meta.Size == info.Size() && meta.ModTime.Equal(info.ModTime()) {
		md.ContentMD5 = meta.ContentMD5
	} else {
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			return md, err
		}
		md.ContentMD5 = mck.ContentMD5(data)
	}
	md.ETag = mck.HexETag(md.ContentMD5)
	return md, nil
}

// lookup stats the blob's file, telling a missing container from a missing
// blob.
func (s *Store) lookup(container, key string) (string, os.FileInfo, error) {
	path, err := s.blobPath(container, key)
	if err != nil {
		return "", nil, err
	}
	dir, _ := s.containerDir(container)
	if !s.isDir(dir) {
		return "", nil, errors.Wrap(mck.ErrContainerNotFound, container)
	}
	info, err := s.fs.Stat(path)
	switch {
	case err == nil && info.Mode().IsRegular():
		return path, info, nil
	// a directory, or a path running through a file, is no blob
	case err == nil, os.IsNotExist(err), errors.Is(err, syscall.ENOTDIR):
		return "", nil, errors.Wrapf(mck.ErrBlobNotFound, "%s/%s", container, key)
	}
	return "", nil, errors.Wrapf(err, "failed to get %s/%s", container, key)
}

func (s *Store) GetBlob(ctx context.Context, container, key string) (*mck.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, info, err := s.lookup(container, key)
	if err != nil {
		return nil, err
	}
	payload, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", container, key)
	}
	md, err := s.metadata(container, key, path, info)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", container, key)
	}
	md.ContentMD5 = mck.ContentMD5(payload)
	md.ETag = mck.HexETag(md.ContentMD5)
	md.Size = int64(len(payload))
	return &mck.Blob{Metadata: md, Payload: payload}, nil
}

func (s *Store) BlobMetadata(ctx context.Context, container, key string) (*mck.BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, info, err := s.lookup(container, key)
	if err != nil {
		return nil, err
	}
	md, err := s.metadata(container, key, path, info)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", container, key)
	}
	return &md, nil
}

// RemoveBlob deletes the blob and then any directories its key left empty.
func (s *Store) RemoveBlob(ctx context.Context, container, key string) error {
	path, err := s.blobPath(container, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := s.fs.Stat(path); err == nil && info.Mode().IsRegular() {
		if err := s.fs.Remove(path); err != nil {
			return errors.Wrapf(err, "failed to remove %s/%s", container, key)
		}
	}
	if err := s.fs.Remove(s.metaPath(container, key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove metadata of %s/%s", container, key)
	}

	dir, _ := s.containerDir(container)
	for parent := filepath.Dir(path); parent != dir && strings.HasPrefix(parent, dir); parent = filepath.Dir(parent) {
		if entries, err := afero.ReadDir(s.fs, parent); err != nil || len(entries) > 0 {
			break
		}
		if s.fs.Remove(parent) != nil {
			break
		}
	}
	return nil
}

// Destroy leaves the directory tree in place.
func (s *Store) Destroy() {}
