package mck

// Utility functions common to all mck applications

import (
	"archive/tar"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// ContentMD5 returns the raw MD5 digest of payload, as carried (base64
// encoded) in Content-MD5 headers.
func ContentMD5(payload []byte) []byte {
	sum := md5.Sum(payload)
	return sum[:]
}

// HexETag returns the unquoted hex form most stores use as an ETag.
func HexETag(md5sum []byte) string {
	return hex.EncodeToString(md5sum)
}

// TrimETag strips the surrounding quotes S3 and Azure put on ETags.
func TrimETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// ContainedPath joins the slash separated name onto base and fails when the
// result would land outside base, e.g. for "../x" or "a/../../x".
func ContainedPath(base, name string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(base)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: illegal file path", name)
	}
	return target, nil
}

// Write a tar.gz stream of srcPath to w.
// The paths in the archive will all be relative to basePath. For example,
// ArchiveDir("foo/bar", "foo/bar", w) would include all of the files in
// bar/, not including bar/. ArchiveDir("foo/", "foo/bar", w) would include the
// top-level directory 'bar/' in the archive.
func ArchiveDir(basePath, srcPath string, w io.Writer) error {
	gzw := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzw)

	err := filepath.Walk(srcPath, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(basePath, filePath)
		if err != nil {
			return errors.Wrap(err, "Couldn't make relative path while archiving")
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		sourceFile, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer sourceFile.Close()

		_, err = io.Copy(tarWriter, sourceFile)
		return err
	})
	if err != nil {
		return err
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzw.Close()
}

// ExtractArchive reads a tar.gz stream and extracts it to dstPath. Returns the
// paths of everything that was created.
func ExtractArchive(src io.Reader, dstPath string) ([]string, error) {
	var filenames []string

	gzr, err := gzip.NewReader(src)
	if err != nil {
		return filenames, err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()

		switch {
		case err == io.EOF:
			return filenames, nil
		case err != nil:
			return filenames, err
		case header == nil:
			continue
		}

		target, err := ContainedPath(dstPath, header.Name)
		if err != nil {
			return filenames, err
		}
		filenames = append(filenames, target)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)|0700); err != nil {
				return filenames, err
			}

		case tar.TypeReg:
			// Some tars don't include entries for directories (gnu tar seems
			// to do this). We have to make it ourselves in this case.
			if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
				return filenames, err
			}

			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return filenames, err
			}

			// close after each file, deferring would hold every file open
			// until the whole archive is extracted
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return filenames, err
			}
		}
	}
}
