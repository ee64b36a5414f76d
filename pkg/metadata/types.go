// Package metadata keeps the per-key sync records that form the base of the
// three-way merge, and their persisted snapshot.
package metadata

import "errors"

// SchemaVersion is the snapshot layout understood by this build. Snapshots with any
// other version are discarded.
const SchemaVersion = 2

// RemoteKey is where the snapshot is mirrored in the remote namespace. It is never
// reconciled as an ordinary object.
const RemoteKey = ".replica-sync/metadata.json"

// ErrCorrupt marks a snapshot that could not be decoded or has a foreign schema
// version. Callers recover by starting from an empty snapshot.
var ErrCorrupt = errors.New("metadata snapshot corrupt")

// SyncRecord describes one key as of its last successful sync. Timestamps are
// milliseconds since the epoch.
type SyncRecord struct {
	Key           string `json:"key" db:"key"`
	ContentHash   string `json:"contentHash" db:"content_hash"`
	LocalModTime  int64  `json:"localModTime" db:"local_mod_time"`
	RemoteModTime int64  `json:"remoteModTime" db:"remote_mod_time"`
	// LastSyncTime is zero exactly when LastSyncHash is empty.
	LastSyncTime int64  `json:"lastSyncTime" db:"last_sync_time"`
	LastSyncHash string `json:"lastSyncHash" db:"last_sync_hash"`
	Size         int64  `json:"size" db:"size"`
}

// Synced reports whether the record carries a merge base.
func (r SyncRecord) Synced() bool {
	return r.LastSyncTime > 0
}

// Snapshot is the whole store as persisted locally and mirrored remotely.
type Snapshot struct {
	SchemaVersion int                   `json:"schemaVersion"`
	NamespaceID   string                `json:"namespaceId"`
	LastFullSync  int64                 `json:"lastFullSync"`
	Records       map[string]SyncRecord `json:"records"`
	WrittenBy     string                `json:"writtenBy,omitempty"`
	WrittenAt     int64                 `json:"writtenAt,omitempty"`
}

// EmptySnapshot returns a snapshot with no records for namespaceID.
func EmptySnapshot(namespaceID string) Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		NamespaceID:   namespaceID,
		Records:       make(map[string]SyncRecord),
	}
}

func copyRecords(records map[string]SyncRecord) map[string]SyncRecord {
	out := make(map[string]SyncRecord, len(records))
	for k, v := range records {
		out[k] = v
	}
	return out
}

// normalize repairs records that break the LastSyncTime/LastSyncHash pairing and
// returns how many were touched.
func normalize(snap *Snapshot) int {
	if snap.Records == nil {
		snap.Records = make(map[string]SyncRecord)
	}
	fixed := 0
	for key, rec := range snap.Records {
		changed := false
		if rec.Key != key {
			rec.Key = key
			changed = true
		}
		switch {
		case rec.LastSyncTime == 0 && rec.LastSyncHash != "":
			rec.LastSyncHash = ""
			changed = true
		case rec.LastSyncTime != 0 && rec.LastSyncHash == "":
			rec.LastSyncTime = 0
			changed = true
		}
		if changed {
			snap.Records[key] = rec
			fixed++
		}
	}
	return fixed
}
