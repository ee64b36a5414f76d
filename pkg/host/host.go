// Package host is the local side of a replica pair: the inventory of candidate
// objects and the file I/O the sync core performs on them.
package host

import (
	"context"
	"errors"
)

// ErrNotFound is returned by ReadBytes when the file does not exist.
var ErrNotFound = errors.New("local file not found")

// Candidate is one object the local side wants synchronized.
type Candidate struct {
	Key  string
	Path string
	// ContentAvailable is false when something references Key but its file is
	// missing on disk.
	ContentAvailable bool
}

// Host exposes the local inventory and file I/O. Implementations must be safe for
// concurrent use by the executor.
type Host interface {
	ListCandidateObjects(ctx context.Context) ([]Candidate, error)
	ReadBytes(path string) ([]byte, error)
	WriteBytes(path string, data []byte) error
	// StatModTime returns ms since epoch, or 0 on failure.
	StatModTime(path string) int64
	// StatSize returns the size in bytes, or 0 on failure.
	StatSize(path string) int64
	DeleteLocal(path string) error
	// PathFor maps a key to the local path it is stored at.
	PathFor(key string) string
}

// FileHasher is implemented by hosts that can hash a file without loading it into
// memory. A missing file yields ErrNotFound.
type FileHasher interface {
	HashFile(path string) (hash string, size int64, err error)
}

// Excluder is implemented by hosts that keep some keys out of the replica. Keys it
// excludes must be ignored on the remote side and in the sync records too, or a key
// the local walk skips would read as deleted locally.
type Excluder interface {
	Excluded(key string) bool
}
