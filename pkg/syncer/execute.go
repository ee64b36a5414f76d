package syncer

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/yuya-takeyama/s3-replica-sync/internal/checksum"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/executor"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/planner"
)

// execute applies plan. Transfers run on the bounded executor, deletions run one
// at a time afterwards. A record is written only for operations that succeeded.
func (s *Syncer) execute(ctx context.Context, log *slog.Logger, plan planner.Result, res *Result) {
	var uploadedBytes, downloadedBytes atomic.Int64

	res.Uploaded = s.transfer(ctx, log, "upload", plan.Uploads, res, func(ctx context.Context, op planner.Operation) error {
		n, err := s.upload(ctx, op)
		uploadedBytes.Add(n)
		return err
	})
	res.Downloaded = s.transfer(ctx, log, "download", plan.Downloads, res, func(ctx context.Context, op planner.Operation) error {
		n, err := s.download(ctx, op)
		downloadedBytes.Add(n)
		return err
	})
	res.BytesUploaded = uploadedBytes.Load()
	res.BytesDownloaded = downloadedBytes.Load()

	s.progress.PhaseStart("delete", len(plan.DeleteLocal)+len(plan.DeleteRemote))
	deleted := 0
	for _, op := range plan.DeleteLocal {
		path := s.localPath(op)
		if err := s.host.DeleteLocal(path); err != nil {
			s.fail(log, res, op, &LocalIOError{Op: "delete", Path: path, Err: err})
			continue
		}
		s.store.Remove(op.Key)
		res.DeletedLocal++
		deleted++
		s.progress.ItemProcessed("delete", op.Key, "delete local")
	}
	for _, op := range plan.DeleteRemote {
		if err := s.remote.Delete(ctx, op.Key); err != nil {
			s.fail(log, res, op, &TransportError{Op: "delete", Key: op.Key, Err: err})
			continue
		}
		s.store.Remove(op.Key)
		res.DeletedRemote++
		deleted++
		s.progress.ItemProcessed("delete", op.Key, "delete remote")
	}
	s.progress.PhaseComplete("delete", deleted)
}

// transfer runs fn over ops with the configured concurrency and returns how many
// succeeded.
func (s *Syncer) transfer(ctx context.Context, log *slog.Logger, phase string, ops []planner.Operation, res *Result, fn func(context.Context, planner.Operation) error) int {
	if len(ops) == 0 {
		return 0
	}

	s.progress.PhaseStart(phase, len(ops))
	summary := executor.Run(ctx, ops, s.opts.Concurrency, fn, func(op planner.Operation, err error, p executor.Progress) {
		if err != nil {
			s.progress.ItemProcessed(phase, op.Key, "fail")
		} else {
			s.progress.ItemProcessed(phase, op.Key, phase)
		}
		s.emit(phase, p.Percent(), "%d of %d done, %d failed", p.Done(), p.Total, p.Failed)
	})
	s.progress.PhaseComplete(phase, summary.Completed)

	for _, failure := range summary.Failures() {
		s.fail(log, res, failure.Item, failure.Err)
	}
	return summary.Completed
}

func (s *Syncer) fail(log *slog.Logger, res *Result, op planner.Operation, err error) {
	log.Warn("operation failed", "key", op.Key, "action", op.Action, "error", err)
	res.Failed++
	res.Errors = append(res.Errors, ItemError{Key: op.Key, Action: string(op.Action), Error: err.Error(), err: err})
}

func (s *Syncer) localPath(op planner.Operation) string {
	if op.LocalPath != "" {
		return op.LocalPath
	}
	return s.host.PathFor(op.Key)
}

func (s *Syncer) upload(ctx context.Context, op planner.Operation) (int64, error) {
	path := s.localPath(op)
	data, err := s.host.ReadBytes(path)
	if err != nil {
		return 0, &LocalIOError{Op: "read", Path: path, Err: err}
	}
	hash := checksum.CalculateBytesSHA256(data)

	if err := s.remote.Upload(ctx, op.Key, data, hash); err != nil {
		return 0, &TransportError{Op: "upload", Key: op.Key, Err: err}
	}

	remoteModTime, err := s.remote.HeadModTime(ctx, op.Key)
	if err != nil || remoteModTime == 0 {
		remoteModTime = s.clock.Now().UnixMilli()
	}
	s.store.RecordSync(op.Key, hash, s.host.StatModTime(path), remoteModTime, int64(len(data)))
	return int64(len(data)), nil
}

func (s *Syncer) download(ctx context.Context, op planner.Operation) (int64, error) {
	data, err := s.remote.Download(ctx, op.Key)
	if err != nil {
		return 0, &TransportError{Op: "download", Key: op.Key, Err: err}
	}
	hash := checksum.CalculateBytesSHA256(data)

	path := s.localPath(op)
	if err := s.host.WriteBytes(path, data); err != nil {
		return 0, &LocalIOError{Op: "write", Path: path, Err: err}
	}

	remoteModTime := op.RemoteModTime
	if remoteModTime == 0 {
		if t, err := s.remote.HeadModTime(ctx, op.Key); err == nil {
			remoteModTime = t
		}
	}
	s.store.RecordSync(op.Key, hash, s.host.StatModTime(path), remoteModTime, int64(len(data)))
	return int64(len(data)), nil
}
