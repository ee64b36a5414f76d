package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yuya-takeyama/s3-replica-sync/internal/checksum"
)

type memObject struct {
	data    []byte
	hash    string
	modTime int64
}

// Memory is an in-process Client. It is safe for concurrent use.
//
// Fail lets callers inject failures per operation and key, for example
// m.Fail = func(op, key string) error { if key == "x" { return errBoom }; return nil }.
type Memory struct {
	namespace string
	now       func() time.Time

	mu      sync.Mutex
	objects map[string]memObject
	// UnreliableChecksums makes listings report an ETag-like checksum instead
	// of the content hash, like a store without extended checksums.
	UnreliableChecksums bool
	Fail                func(op, key string) error
	calls               map[string]int
}

// NewMemory returns an empty store identified by namespace.
func NewMemory(namespace string) *Memory {
	return &Memory{
		namespace: namespace,
		now:       time.Now,
		objects:   make(map[string]memObject),
		calls:     make(map[string]int),
	}
}

// SetNow replaces the clock used to stamp uploads.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put seeds an object with an explicit modification time.
func (m *Memory) Put(key string, data []byte, modTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: append([]byte(nil), data...), hash: checksum.CalculateBytesSHA256(data), modTime: modTime}
}

// Get returns a copy of the stored bytes.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Calls reports how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) enter(op, key string) error {
	m.mu.Lock()
	m.calls[op]++
	fail := m.Fail
	m.mu.Unlock()
	if fail != nil {
		return fail(op, key)
	}
	return nil
}

func (m *Memory) Namespace() string { return m.namespace }

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.enter("exists", key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) HeadModTime(ctx context.Context, key string) (int64, error) {
	if err := m.enter("head", key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].modTime, nil
}

func (m *Memory) Upload(ctx context.Context, key string, data []byte, contentHash string) error {
	if err := m.enter("upload", key); err != nil {
		return err
	}
	hash := checksum.CalculateBytesSHA256(data)
	if contentHash != "" && contentHash != hash {
		return fmt.Errorf("checksum mismatch for %s", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: append([]byte(nil), data...), hash: hash, modTime: m.now().UnixMilli()}
	return nil
}

func (m *Memory) Download(ctx context.Context, key string) ([]byte, error) {
	if err := m.enter("download", key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.enter("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) ListWithMetadata(ctx context.Context, prefix string, fetchExtendedChecksum bool) ([]Object, error) {
	if err := m.enter("list", prefix); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	objects := make([]Object, 0, len(m.objects))
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		o := Object{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime}
		if fetchExtendedChecksum && !m.UnreliableChecksums {
			o.Checksum = obj.hash
			o.ChecksumReliable = true
		} else {
			o.Checksum = fmt.Sprintf("etag-%d-%d", len(obj.data), obj.modTime)
		}
		objects = append(objects, o)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}
