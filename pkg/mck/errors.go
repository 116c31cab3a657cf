package mck

import "github.com/pkg/errors"

// Errors returned by services. Callers should check them with errors.Is; the
// concrete error usually carries the provider's own code and message.
var (
	ErrNotFound              = errors.New("resource not found")
	ErrContainerNotFound     = errors.Wrap(ErrNotFound, "container not found")
	ErrBlobNotFound          = errors.Wrap(ErrNotFound, "blob not found")
	ErrAuthorization         = errors.New("not authorized")
	ErrAlreadyExists         = errors.New("resource already exists")
	ErrInsufficientResources = errors.New("insufficient resources")
	// A put whose ContentMD5 doesn't match the payload
	ErrBadDigest = errors.New("content md5 does not match payload")
)
