package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	return NewStore(append([]Option{WithClock(clock)}, opts...)...), clock
}

func TestRecordSyncSetsBase(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok := s.Get("A.pdf")
	assert.False(t, ok)

	s.RecordSync("A.pdf", "h1", 100, 200, 42)
	rec, ok := s.Get("A.pdf")
	require.True(t, ok)
	assert.Equal(t, SyncRecord{
		Key:           "A.pdf",
		ContentHash:   "h1",
		LocalModTime:  100,
		RemoteModTime: 200,
		LastSyncTime:  epoch.UnixMilli(),
		LastSyncHash:  "h1",
		Size:          42,
	}, rec)
	assert.True(t, rec.Synced())

	s.RecordSync("A.pdf", "", 1, 1, 1)
	rec, _ = s.Get("A.pdf")
	assert.Equal(t, "h1", rec.LastSyncHash, "an empty hash must not overwrite the base")

	s.Remove("A.pdf")
	assert.Zero(t, s.Len())
}

func TestAllRecordsIsACopy(t *testing.T) {
	s, _ := newTestStore(t)
	s.RecordSync("a", "h", 1, 1, 1)

	all := s.AllRecords()
	s.RecordSync("b", "h", 1, 1, 1)
	delete(all, "a")

	assert.Len(t, all, 0)
	assert.Equal(t, 2, s.Len())
}

func TestMarkFullSync(t *testing.T) {
	s, clock := newTestStore(t)
	assert.Zero(t, s.LastFullSync())

	clock.Advance(time.Minute)
	s.MarkFullSync()
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), s.LastFullSync())
}

func rec(key, hash string, lastSync int64) SyncRecord {
	return SyncRecord{Key: key, ContentHash: hash, LastSyncHash: hash, LastSyncTime: lastSync}
}

func TestReconcileWithRemote(t *testing.T) {
	tests := []struct {
		name         string
		localNS      string
		local        map[string]SyncRecord
		localFull    int64
		remote       Snapshot
		wantKeys     []string
		wantHash     map[string]string
		wantReplaced bool
		wantFull     int64
		wantNS       string
	}{
		{
			name:    "remote wins for shared keys",
			localNS: "ns",
			local:   map[string]SyncRecord{"a": rec("a", "local", 10)},
			remote: Snapshot{NamespaceID: "ns", LastFullSync: 5, Records: map[string]SyncRecord{
				"a": rec("a", "remote", 8),
			}},
			wantKeys: []string{"a"},
			wantHash: map[string]string{"a": "remote"},
			wantFull: 5,
			wantNS:   "ns",
		},
		{
			name:    "local-only record newer than remote full sync is kept",
			localNS: "ns",
			local: map[string]SyncRecord{
				"new": rec("new", "h", 50),
				"old": rec("old", "h", 20),
			},
			localFull: 60,
			remote:    Snapshot{NamespaceID: "ns", LastFullSync: 30, Records: map[string]SyncRecord{}},
			wantKeys:  []string{"new"},
			wantFull:  60,
			wantNS:    "ns",
		},
		{
			name:     "remote without full sync keeps every local record",
			localNS:  "ns",
			local:    map[string]SyncRecord{"old": rec("old", "h", 1)},
			remote:   Snapshot{NamespaceID: "ns"},
			wantKeys: []string{"old"},
			wantNS:   "ns",
		},
		{
			name:     "empty local namespace merges",
			local:    map[string]SyncRecord{"x": rec("x", "h", 100)},
			remote:   Snapshot{NamespaceID: "ns-b", LastFullSync: 10, Records: map[string]SyncRecord{"y": rec("y", "h", 5)}},
			wantKeys: []string{"x", "y"},
			wantFull: 10,
			wantNS:   "ns-b",
		},
		{
			name:    "namespace switch replaces",
			localNS: "ns-a",
			local: map[string]SyncRecord{
				"x": rec("x", "h", 100),
				"y": rec("y", "local", 100),
			},
			localFull:    90,
			remote:       Snapshot{NamespaceID: "ns-b", LastFullSync: 10, Records: map[string]SyncRecord{"y": rec("y", "remote", 5)}},
			wantKeys:     []string{"y"},
			wantHash:     map[string]string{"y": "remote"},
			wantReplaced: true,
			wantFull:     90,
			wantNS:       "ns-b",
		},
		{
			name:         "switch to a namespace without snapshot empties the store",
			localNS:      "ns-a",
			local:        map[string]SyncRecord{"x": rec("x", "h", 100)},
			remote:       EmptySnapshot("ns-b"),
			wantKeys:     []string{},
			wantReplaced: true,
			wantNS:       "ns-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t)
			s.records = copyRecords(tt.local)
			s.lastFullSync = tt.localFull
			s.namespaceID = tt.localNS

			result := s.ReconcileWithRemote(tt.remote)
			assert.Equal(t, tt.wantReplaced, result.Replaced)

			all := s.AllRecords()
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, tt.wantKeys, keys)
			for k, h := range tt.wantHash {
				assert.Equal(t, h, all[k].LastSyncHash, k)
			}
			assert.Equal(t, tt.wantFull, s.LastFullSync())
			assert.Equal(t, tt.wantNS, s.NamespaceID())
		})
	}
}

func TestReconcileDoesNotAliasRemote(t *testing.T) {
	s, _ := newTestStore(t)
	remote := Snapshot{NamespaceID: "ns", Records: map[string]SyncRecord{"a": rec("a", "h", 1)}}
	s.ReconcileWithRemote(remote)

	s.Remove("a")
	assert.Contains(t, remote.Records, "a")
}

func TestSnapshotStamp(t *testing.T) {
	s, _ := newTestStore(t, WithWriterID("run-1"))
	s.SetNamespaceID("ns")
	s.RecordSync("a", "h", 1, 2, 3)

	snap := s.Snapshot()
	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, "ns", snap.NamespaceID)
	assert.Equal(t, "run-1", snap.WrittenBy)
	assert.Equal(t, epoch.UnixMilli(), snap.WrittenAt)
	assert.Len(t, snap.Records, 1)
}

type flakyBackend struct {
	failures int
	saves    int
	saved    Snapshot
	loadErr  error
	loaded   Snapshot
}

func (b *flakyBackend) Load() (Snapshot, error) {
	return b.loaded, b.loadErr
}

func (b *flakyBackend) Save(snap Snapshot) error {
	b.saves++
	if b.saves <= b.failures {
		return errors.New("disk full")
	}
	b.saved = snap
	return nil
}

func TestPersistWithRetry(t *testing.T) {
	t.Run("succeeds after transient failure", func(t *testing.T) {
		backend := &flakyBackend{failures: 2}
		s, _ := newTestStore(t, WithBackend(backend))
		s.RecordSync("a", "h", 1, 1, 1)

		require.NoError(t, s.PersistWithRetry(context.Background(), 3, 0))
		assert.Equal(t, 3, backend.saves)
		assert.Contains(t, backend.saved.Records, "a")
	})

	t.Run("reports persistent failure", func(t *testing.T) {
		backend := &flakyBackend{failures: 10}
		s, _ := newTestStore(t, WithBackend(backend))

		err := s.PersistWithRetry(context.Background(), 3, 0)
		assert.ErrorContains(t, err, "disk full")
		assert.Equal(t, 3, backend.saves)
	})

	t.Run("waits on the clock between attempts", func(t *testing.T) {
		backend := &flakyBackend{failures: 1}
		s, clock := newTestStore(t, WithBackend(backend))

		done := make(chan error, 1)
		go func() {
			done <- s.PersistWithRetry(context.Background(), 2, time.Second)
		}()

		clock.BlockUntil(1)
		clock.Advance(time.Second)
		assert.NoError(t, <-done)
		assert.Equal(t, 2, backend.saves)
	})

	t.Run("no backend", func(t *testing.T) {
		s, _ := newTestStore(t)
		assert.Error(t, s.PersistWithRetry(context.Background(), 1, 0))
	})
}

func TestOpen(t *testing.T) {
	t.Run("corrupt local snapshot starts empty", func(t *testing.T) {
		backend := &flakyBackend{loadErr: ErrCorrupt}
		s, err := Open(backend)
		require.NoError(t, err)
		assert.Zero(t, s.Len())
	})

	t.Run("other load errors are fatal", func(t *testing.T) {
		backend := &flakyBackend{loadErr: errors.New("permission denied")}
		_, err := Open(backend)
		assert.Error(t, err)
	})

	t.Run("normalizes broken records", func(t *testing.T) {
		backend := &flakyBackend{loaded: Snapshot{
			SchemaVersion: SchemaVersion,
			NamespaceID:   "ns",
			LastFullSync:  7,
			Records: map[string]SyncRecord{
				"hash-without-time": {LastSyncHash: "h"},
				"time-without-hash": {LastSyncTime: 5},
				"fine":              rec("fine", "h", 5),
			},
		}}
		s, err := Open(backend)
		require.NoError(t, err)

		r, _ := s.Get("hash-without-time")
		assert.Empty(t, r.LastSyncHash)
		assert.Equal(t, "hash-without-time", r.Key)
		r, _ = s.Get("time-without-hash")
		assert.Zero(t, r.LastSyncTime)
		r, _ = s.Get("fine")
		assert.True(t, r.Synced())
		assert.Equal(t, "ns", s.NamespaceID())
		assert.Equal(t, int64(7), s.LastFullSync())
	})
}
