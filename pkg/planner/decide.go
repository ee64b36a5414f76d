package planner

import "github.com/yuya-takeyama/s3-replica-sync/pkg/objectstore"

// Decide classifies a single key. Cases are checked in this order and the first
// match wins:
//
//   - nothing known: no-change
//   - local referenced but missing: download if remote exists
//   - both sides, never synced: equal content is recorded, otherwise newer wins
//     with ties going to the local side
//   - both sides, synced: three-way compare against LastSyncHash
//   - local only: upload, or delete-local if it was synced before
//   - remote only: download, or delete-remote if it was synced before
//   - record only: no-change, record collected
func Decide(in KeyInput) Operation {
	op := Operation{Key: in.Key}
	if in.Local != nil {
		op.LocalPath = in.Local.Path
		op.LocalHash = in.Local.Hash
		op.LocalModTime = in.Local.ModTime
		op.LocalSize = in.Local.Size
	}
	if in.Remote != nil {
		op.RemoteChecksum = in.Remote.Checksum
		op.RemoteModTime = in.Remote.ModTime
		op.RemoteSize = in.Remote.Size
	}
	synced := in.Record != nil && in.Record.Synced()
	if synced {
		op.LastSyncHash = in.Record.LastSyncHash
	}

	switch {
	case in.Local == nil && in.Remote == nil && in.Record == nil:
		return op.with(ActionNoChange, "unknown key")

	case in.Local != nil && !in.Local.ContentAvailable:
		if in.Remote != nil {
			return op.with(ActionDownload, "local file missing")
		}
		return op.with(ActionNoChange, "local file missing and not on remote")

	case in.Local != nil && in.Remote != nil && !synced:
		if sameContent(in.Local, in.Remote) {
			op.RecordEquality = true
			return op.with(ActionNoChange, "identical on both sides")
		}
		op.Divergent = true
		if in.Local.ModTime >= in.Remote.ModTime {
			return op.with(ActionUpload, "local newer or same age")
		}
		return op.with(ActionDownload, "remote newer")

	case in.Local != nil && in.Remote != nil:
		localChanged := in.Local.Hash != in.Record.LastSyncHash
		// an unreliable checksum cannot prove a change
		remoteChanged := in.Remote.ChecksumReliable && in.Remote.Checksum != in.Record.LastSyncHash
		switch {
		case localChanged && remoteChanged:
			return op.with(ActionConflict, "changed on both sides")
		case localChanged:
			return op.with(ActionUpload, "changed locally")
		case remoteChanged:
			return op.with(ActionDownload, "changed remotely")
		default:
			return op.with(ActionNoChange, "unchanged")
		}

	case in.Local != nil:
		if !in.HasHistory || !synced {
			return op.with(ActionUpload, "new local file")
		}
		return op.with(ActionDeleteLocal, "deleted remotely")

	case in.Remote != nil:
		if !in.HasHistory || !synced {
			return op.with(ActionDownload, "new remote object")
		}
		return op.with(ActionDeleteRemote, "deleted locally")

	default:
		op.Collect = true
		return op.with(ActionNoChange, "deleted on both sides")
	}
}

func (op Operation) with(action Action, reason string) Operation {
	op.Action = action
	op.Reason = reason
	return op
}

// sameContent compares by hash when the remote checksum is content derived and
// falls back to size otherwise.
func sameContent(local *LocalObject, remote *objectstore.Object) bool {
	if remote.ChecksumReliable {
		return local.Hash != "" && local.Hash == remote.Checksum
	}
	return local.Size == remote.Size
}
