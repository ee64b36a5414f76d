package syncer

import (
	"errors"
	"fmt"

	"github.com/yuya-takeyama/s3-replica-sync/pkg/resolver"
)

var (
	// ErrConfigurationInvalid aborts a run before planning.
	ErrConfigurationInvalid = errors.New("configuration invalid")
	// ErrSyncAlreadyRunning rejects a run while another one is in progress.
	ErrSyncAlreadyRunning = errors.New("sync already running")
	// ErrCancelled marks a run the user stopped at a decision point.
	ErrCancelled = resolver.ErrCancelled
)

// TransportError is a failed call to the object store.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LocalIOError is a failed local file operation.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// ItemError records why one key failed.
type ItemError struct {
	Key    string `json:"key"`
	Action string `json:"action"`
	Error  string `json:"error"`
	err    error
}

// Unwrap returns the underlying error, typed as *TransportError or *LocalIOError.
func (e ItemError) Unwrap() error { return e.err }
