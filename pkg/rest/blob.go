package rest

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/serverlessresearch/mck/pkg/mck"
)

// BlobMetadata reads the headers blob stores answer GET and HEAD with.
// metaPrefix is the canonical form of the user metadata prefix, e.g.
// "X-Amz-Meta-"; user metadata keys are returned lowercased.
func BlobMetadata(name string, h http.Header, metaPrefix string) mck.BlobMetadata {
	md := mck.BlobMetadata{
		Name:        name,
		ContentType: h.Get("Content-Type"),
		ETag:        mck.TrimETag(h.Get("ETag")),
	}
	if n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil {
		md.Size = n
	}
	if t, err := http.ParseTime(h.Get("Last-Modified")); err == nil {
		md.LastModified = t
	}
	if sum, err := base64.StdEncoding.DecodeString(h.Get("Content-MD5")); err == nil && len(sum) > 0 {
		md.ContentMD5 = sum
	} else if sum, err := hex.DecodeString(md.ETag); err == nil && len(sum) == md5.Size {
		// single part uploads use the hex md5 as etag
		md.ContentMD5 = sum
	}
	for k, v := range h {
		if strings.HasPrefix(k, metaPrefix) && len(v) > 0 {
			if md.UserMetadata == nil {
				md.UserMetadata = map[string]string{}
			}
			md.UserMetadata[strings.ToLower(strings.TrimPrefix(k, metaPrefix))] = v[0]
		}
	}
	return md
}

// SetUserMetadata writes md as prefixed headers.
func SetUserMetadata(req *Request, metaPrefix string, md map[string]string) {
	for k, v := range md {
		req.Header.Set(metaPrefix+k, v)
	}
}
