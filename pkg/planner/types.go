package planner

import (
	"github.com/yuya-takeyama/s3-replica-sync/pkg/metadata"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/objectstore"
)

type Action string

const (
	ActionUpload       Action = "upload"
	ActionDownload     Action = "download"
	ActionConflict     Action = "conflict"
	ActionDeleteLocal  Action = "delete-local"
	ActionDeleteRemote Action = "delete-remote"
	ActionNoChange     Action = "no-change"
)

// LocalObject is the local observation of one key.
type LocalObject struct {
	Key     string
	Path    string
	Hash    string
	ModTime int64
	Size    int64
	// ContentAvailable is false when the key is referenced but its file is missing.
	ContentAvailable bool
}

// KeyInput is everything known about a single key.
type KeyInput struct {
	Key        string
	Local      *LocalObject
	Remote     *objectstore.Object
	Record     *metadata.SyncRecord
	HasHistory bool
}

// Operation is the decision for one key. It is never persisted.
type Operation struct {
	Action         Action `json:"action"`
	Key            string `json:"key"`
	LocalPath      string `json:"localPath,omitempty"`
	LocalHash      string `json:"localHash,omitempty"`
	RemoteChecksum string `json:"remoteChecksum,omitempty"`
	LocalModTime   int64  `json:"localModTime,omitempty"`
	RemoteModTime  int64  `json:"remoteModTime,omitempty"`
	LastSyncHash   string `json:"lastSyncHash,omitempty"`
	LocalSize      int64  `json:"localSize,omitempty"`
	RemoteSize     int64  `json:"remoteSize,omitempty"`
	Reason         string `json:"reason"`
	// RecordEquality is set on no-change operations whose content was found equal
	// without a record; the equality must be recorded.
	RecordEquality bool `json:"recordEquality,omitempty"`
	// Collect is set when the record can be garbage collected.
	Collect bool `json:"collect,omitempty"`
	// Divergent marks a key present on both sides with different content and no
	// history to decide by.
	Divergent bool `json:"divergent,omitempty"`
}

// FirstSyncChoice is the single policy applied when a first sync is ambiguous.
type FirstSyncChoice string

const (
	ChoiceUploadAll   FirstSyncChoice = "upload-all"
	ChoiceDownloadAll FirstSyncChoice = "download-all"
	ChoiceMerge       FirstSyncChoice = "merge"
)

// Result groups a whole plan by action. Every slice is sorted by key.
type Result struct {
	Uploads      []Operation `json:"uploads"`
	Downloads    []Operation `json:"downloads"`
	Conflicts    []Operation `json:"conflicts"`
	DeleteLocal  []Operation `json:"deleteLocal"`
	DeleteRemote []Operation `json:"deleteRemote"`
	NoChange     []Operation `json:"noChange"`
	// FirstSyncAmbiguous asks for one run-wide FirstSyncChoice.
	FirstSyncAmbiguous bool `json:"firstSyncAmbiguous"`
}
