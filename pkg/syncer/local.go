package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yuya-takeyama/s3-replica-sync/internal/checksum"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/executor"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/host"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/metadata"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/planner"
)

// observeLocal lists and hashes the local replica. Keys whose files exist but
// cannot be read are returned in blocked and left out of the plan entirely.
func (s *Syncer) observeLocal(ctx context.Context, log *slog.Logger, records map[string]metadata.SyncRecord, res *Result) ([]planner.LocalObject, map[string]struct{}, error) {
	candidates, err := s.host.ListCandidateObjects(ctx)
	if err != nil {
		return nil, nil, &LocalIOError{Op: "list", Path: ".", Err: err}
	}

	lastFull := s.store.LastFullSync()
	local := make([]planner.LocalObject, len(candidates))
	errs := make([]error, len(candidates))
	var pending []int

	for i, c := range candidates {
		local[i] = planner.LocalObject{Key: c.Key, Path: c.Path, ContentAvailable: c.ContentAvailable}
		if !c.ContentAvailable {
			continue
		}
		if res.Incremental {
			rec, ok := records[c.Key]
			mtime := s.host.StatModTime(c.Path)
			if ok && rec.Synced() && mtime != 0 && mtime <= lastFull {
				local[i].Hash = rec.LastSyncHash
				local[i].ModTime = mtime
				local[i].Size = rec.Size
				continue
			}
		}
		pending = append(pending, i)
	}

	s.progress.PhaseStart("hash", len(pending))
	summary := executor.Run(ctx, pending, s.opts.Concurrency, func(ctx context.Context, i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		obj := &local[i]
		hash, size, err := s.hashLocal(obj.Path)
		if err != nil {
			if errors.Is(err, host.ErrNotFound) {
				obj.ContentAvailable = false
				return nil
			}
			errs[i] = &LocalIOError{Op: "read", Path: obj.Path, Err: err}
			return errs[i]
		}
		obj.Hash = hash
		obj.Size = size
		obj.ModTime = s.host.StatModTime(obj.Path)
		return nil
	}, func(i int, err error, p executor.Progress) {
		s.emit("hash", p.Percent(), "hashed %d of %d local files", p.Done(), p.Total)
	})
	s.progress.PhaseComplete("hash", summary.Completed)

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	blocked := make(map[string]struct{})
	out := make([]planner.LocalObject, 0, len(local))
	for i, obj := range local {
		if errs[i] != nil {
			blocked[obj.Key] = struct{}{}
			log.Warn("local file unreadable, leaving it alone", "key", obj.Key, "error", errs[i])
			res.Failed++
			res.Errors = append(res.Errors, ItemError{Key: obj.Key, Action: "hash", Error: errs[i].Error(), err: errs[i]})
			continue
		}
		out = append(out, obj)
	}

	if res.Incremental {
		log.Debug("incremental scan", "hashed", len(pending), "reused", len(candidates)-len(pending))
	}
	return out, blocked, nil
}

func (s *Syncer) hashLocal(path string) (string, int64, error) {
	if hasher, ok := s.host.(host.FileHasher); ok {
		return hasher.HashFile(path)
	}
	data, err := s.host.ReadBytes(path)
	if err != nil {
		return "", 0, err
	}
	return checksum.CalculateBytesSHA256(data), int64(len(data)), nil
}
