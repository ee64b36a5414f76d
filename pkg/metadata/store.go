package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Backend persists snapshots locally.
type Backend interface {
	// Load returns the stored snapshot. A backend that has never been written
	// returns an empty snapshot and no error.
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// ReconcileResult reports what ReconcileWithRemote did.
type ReconcileResult struct {
	Replaced bool
	// KeptLocal counts local-only records that survived a merge.
	KeptLocal int
	// DroppedLocal counts local-only records discarded by a merge or replace.
	DroppedLocal int
}

// Store is the in-memory metadata store. All methods are safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	records      map[string]SyncRecord
	lastFullSync int64
	namespaceID  string

	persistMu sync.Mutex
	backend   Backend
	clock     clockwork.Clock
	logger    *slog.Logger
	writerID  string
}

// Option configures a Store.
type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithBackend sets where Persist writes.
func WithBackend(backend Backend) Option {
	return func(s *Store) {
		s.backend = backend
	}
}

// WithWriterID tags snapshots produced by this store.
func WithWriterID(id string) Option {
	return func(s *Store) {
		s.writerID = id
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]SyncRecord),
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store and loads it from backend. A corrupt local snapshot is
// logged and replaced by an empty one.
func Open(backend Backend, opts ...Option) (*Store, error) {
	s := NewStore(append(opts, WithBackend(backend))...)

	snap, err := backend.Load()
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return nil, fmt.Errorf("load metadata: %w", err)
		}
		s.logger.Warn("local metadata unusable, starting empty", "error", err)
		snap = EmptySnapshot("")
	}
	if fixed := normalize(&snap); fixed > 0 {
		s.logger.Warn("normalized inconsistent sync records", "count", fixed)
	}

	s.records = snap.Records
	s.lastFullSync = snap.LastFullSync
	s.namespaceID = snap.NamespaceID
	return s, nil
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}

// Get returns the record for key.
func (s *Store) Get(key string) (SyncRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// RecordSync overwrites the record for key. The hash becomes the new merge base and
// LastSyncTime is set to now.
func (s *Store) RecordSync(key, hash string, localModTime, remoteModTime, size int64) {
	if hash == "" {
		// a record without a base would break the LastSyncTime pairing
		s.logger.Warn("refusing to record sync without hash", "key", key)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = SyncRecord{
		Key:           key,
		ContentHash:   hash,
		LocalModTime:  localModTime,
		RemoteModTime: remoteModTime,
		LastSyncTime:  s.now(),
		LastSyncHash:  hash,
		Size:          size,
	}
}

// RecordEquality records that both sides were found to hold the same content
// without a transfer.
func (s *Store) RecordEquality(key, hash string, localModTime, remoteModTime, size int64) {
	s.logger.Debug("recording equal content", "key", key)
	s.RecordSync(key, hash, localModTime, remoteModTime, size)
}

func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// AllRecords returns a copy of every record.
func (s *Store) AllRecords() map[string]SyncRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecords(s.records)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MarkFullSync stamps the end of a non-incremental pass.
func (s *Store) MarkFullSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFullSync = s.now()
}

func (s *Store) LastFullSync() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFullSync
}

func (s *Store) NamespaceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespaceID
}

func (s *Store) SetNamespaceID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaceID = id
}

// ReconcileWithRemote folds the remote snapshot into the store.
//
// When the remote belongs to a different namespace than the one the store
// remembers, local state is discarded and replaced by the remote snapshot.
// Otherwise remote records win, and a record only known locally survives if it was
// synced after the remote's last full pass or the remote never completed one.
// LastFullSync becomes the maximum of both sides.
func (s *Store) ReconcileWithRemote(remote Snapshot) ReconcileResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result ReconcileResult
	merged := copyRecords(remote.Records)

	if s.namespaceID != "" && remote.NamespaceID != s.namespaceID {
		result.Replaced = true
		for key := range s.records {
			if _, ok := merged[key]; !ok {
				result.DroppedLocal++
			}
		}
		s.logger.Info("remote namespace changed, replacing local metadata",
			"previous", s.namespaceID,
			"current", remote.NamespaceID,
			"dropped", result.DroppedLocal)
	} else {
		for key, rec := range s.records {
			if _, ok := merged[key]; ok {
				continue
			}
			if remote.LastFullSync == 0 || rec.LastSyncTime > remote.LastFullSync {
				merged[key] = rec
				result.KeptLocal++
			} else {
				result.DroppedLocal++
			}
		}
	}

	normalize(&Snapshot{Records: merged})
	s.records = merged
	s.lastFullSync = max(s.lastFullSync, remote.LastFullSync)
	if remote.NamespaceID != "" {
		s.namespaceID = remote.NamespaceID
	}
	return result
}

// Snapshot returns a deep copy of the store stamped for persistence.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SchemaVersion: SchemaVersion,
		NamespaceID:   s.namespaceID,
		LastFullSync:  s.lastFullSync,
		Records:       copyRecords(s.records),
		WrittenBy:     s.writerID,
		WrittenAt:     s.now(),
	}
}

// Persist writes the current snapshot to the backend. Concurrent calls are
// serialized.
func (s *Store) Persist() error {
	if s.backend == nil {
		return errors.New("metadata store has no backend")
	}
	snap := s.Snapshot()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.backend.Save(snap); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

// PersistWithRetry calls Persist up to attempts times, waiting delay between tries.
func (s *Store) PersistWithRetry(ctx context.Context, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = s.Persist(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		s.logger.Warn("persist failed, retrying", "attempt", attempt, "error", err)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-s.clock.After(delay):
			}
		}
	}
	return err
}
