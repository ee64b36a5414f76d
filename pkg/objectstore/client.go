package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Download when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes one remote object as seen by a listing.
type Object struct {
	Key     string
	Size    int64
	ModTime int64 // ms since epoch
	// Checksum is content-derived only when ChecksumReliable is set. Otherwise it
	// is whatever the store exposes (an ETag, for instance) and must not be
	// compared with a local content hash.
	Checksum         string
	ChecksumReliable bool
}

// Client is the remote namespace as the sync core needs it. Keys are relative to
// the namespace root.
type Client interface {
	Exists(ctx context.Context, key string) (bool, error)
	// HeadModTime returns 0 when the object does not exist.
	HeadModTime(ctx context.Context, key string) (int64, error)
	// Upload stores data under key. contentHash, when non-empty, is the SHA-256
	// (base64) of data and is kept with the object so later listings can report
	// a reliable checksum.
	Upload(ctx context.Context, key string, data []byte, contentHash string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ListWithMetadata(ctx context.Context, prefix string, fetchExtendedChecksum bool) ([]Object, error)
	// Namespace identifies the remote destination, e.g. endpoint/bucket/prefix.
	Namespace() string
}
