// Package syncer runs reconciliation between a local replica and a remote object
// store namespace.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/yuya-takeyama/s3-replica-sync/pkg/executor"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/host"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/logger"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/metadata"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/objectstore"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/planner"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/resolver"
)

const (
	defaultPersistAttempts = 3
	defaultPersistDelay    = 500 * time.Millisecond
	defaultMaxAge          = 24 * time.Hour
)

// Options tune a run.
type Options struct {
	// Concurrency bounds parallel transfers. Defaults to executor.DefaultConcurrency.
	Concurrency       int
	ConflictStrategy  resolver.Strategy
	FirstSyncStrategy resolver.FirstSyncStrategy
	// Incremental lets runs skip local files untouched since the last full pass.
	Incremental       bool
	MaxIncrementalAge time.Duration
	// VerifyRemoteChecksums asks the store for content-derived checksums.
	VerifyRemoteChecksums bool
	// DryRun stops after planning and conflict resolution.
	DryRun          bool
	PersistAttempts int
	PersistDelay    time.Duration
}

// Syncer reconciles one replica pair. Only one Run may be active at a time.
type Syncer struct {
	host     host.Host
	remote   objectstore.Client
	store    *metadata.Store
	opts     Options
	prompter resolver.Prompter
	progress logger.Logger
	log      *slog.Logger
	clock    clockwork.Clock

	running atomic.Bool
	state   atomic.Int32
}

// Option configures a Syncer's collaborators.
type Option func(*Syncer)

// WithPrompter enables interactive decision points.
func WithPrompter(p resolver.Prompter) Option {
	return func(s *Syncer) {
		s.prompter = p
	}
}

// WithProgress sets the sink for progress events.
func WithProgress(l logger.Logger) Option {
	return func(s *Syncer) {
		s.progress = l
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		s.log = l
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Syncer) {
		s.clock = c
	}
}

// New creates a Syncer. Missing collaborators are a configuration error.
func New(h host.Host, remote objectstore.Client, store *metadata.Store, opts Options, options ...Option) (*Syncer, error) {
	switch {
	case h == nil:
		return nil, fmt.Errorf("%w: no local replica", ErrConfigurationInvalid)
	case remote == nil:
		return nil, fmt.Errorf("%w: no remote store", ErrConfigurationInvalid)
	case store == nil:
		return nil, fmt.Errorf("%w: no metadata store", ErrConfigurationInvalid)
	case remote.Namespace() == "":
		return nil, fmt.Errorf("%w: remote namespace is empty", ErrConfigurationInvalid)
	}

	if opts.Concurrency < 1 {
		opts.Concurrency = executor.DefaultConcurrency
	}
	if opts.ConflictStrategy == "" {
		opts.ConflictStrategy = resolver.StrategyAsk
	}
	if opts.FirstSyncStrategy == "" {
		opts.FirstSyncStrategy = resolver.FirstSyncAsk
	}
	if opts.MaxIncrementalAge <= 0 {
		opts.MaxIncrementalAge = defaultMaxAge
	}
	if opts.PersistAttempts < 1 {
		opts.PersistAttempts = defaultPersistAttempts
	}
	if opts.PersistDelay <= 0 {
		opts.PersistDelay = defaultPersistDelay
	}

	s := &Syncer{
		host:     h,
		remote:   remote,
		store:    store,
		opts:     opts,
		progress: &logger.NullLogger{},
		log:      slog.Default(),
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// State returns the current phase.
func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("sync state", "state", st.String())
}

// Result describes a finished run.
type Result struct {
	RunID           string         `json:"runId"`
	Outcome         Outcome        `json:"outcome"`
	Incremental     bool           `json:"incremental"`
	DryRun          bool           `json:"dryRun"`
	Plan            planner.Result `json:"plan"`
	Uploaded        int            `json:"uploaded"`
	Downloaded      int            `json:"downloaded"`
	DeletedLocal    int            `json:"deletedLocal"`
	DeletedRemote   int            `json:"deletedRemote"`
	Unchanged       int            `json:"unchanged"`
	Skipped         int            `json:"skipped"`
	Failed          int            `json:"failed"`
	BytesUploaded   int64          `json:"bytesUploaded"`
	BytesDownloaded int64          `json:"bytesDownloaded"`
	Errors          []ItemError    `json:"errors,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	Duration        time.Duration  `json:"duration"`
}

// Run performs one reconciliation.
//
// A run cancelled at a decision point returns a Result with OutcomeCancelled and a
// nil error. Per-item failures are reported in the Result and do not fail the run.
// Errors are returned only for failures that abort the run.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.setState(StateIdle)

	start := s.clock.Now()
	res := &Result{
		RunID:     uuid.NewString(),
		DryRun:    s.opts.DryRun,
		StartedAt: start,
	}
	log := s.log.With("run", res.RunID)

	err := s.run(ctx, log, res)
	res.Duration = s.clock.Since(start)

	switch {
	case err == nil:
		res.Outcome = OutcomeSucceeded
		log.Info("sync finished",
			"uploaded", res.Uploaded,
			"downloaded", res.Downloaded,
			"deleted_local", res.DeletedLocal,
			"deleted_remote", res.DeletedRemote,
			"failed", res.Failed,
			"duration", res.Duration)
		return res, nil
	case errors.Is(err, ErrCancelled):
		res.Outcome = OutcomeCancelled
		log.Info("sync cancelled", "skipped", res.Skipped)
		return res, nil
	default:
		res.Outcome = OutcomeFailed
		log.Error("sync failed", "error", err)
		return res, err
	}
}

func (s *Syncer) emit(phase string, percent int, format string, args ...any) {
	s.progress.Progress(logger.Event{Phase: phase, Percent: percent, Text: fmt.Sprintf(format, args...)})
}

func (s *Syncer) run(ctx context.Context, log *slog.Logger, res *Result) error {
	namespace := s.remote.Namespace()

	s.setState(StateFetchingRemoteMetadata)
	s.emit("fetch-metadata", 0, "fetching remote metadata")
	remoteSnap, remoteFound, err := s.fetchRemoteSnapshot(ctx, log, namespace)
	if err != nil {
		return cancelledOr(ctx, err)
	}
	reconciled := s.store.ReconcileWithRemote(remoteSnap)
	log.Debug("reconciled metadata",
		"replaced", reconciled.Replaced,
		"kept_local", reconciled.KeptLocal,
		"dropped_local", reconciled.DroppedLocal)

	s.setState(StatePlanning)
	res.Incremental = s.useIncremental()
	s.emit("plan", 0, "scanning local files")
	records := s.store.AllRecords()

	local, blocked, err := s.observeLocal(ctx, log, records, res)
	if err != nil {
		return cancelledOr(ctx, err)
	}

	s.emit("plan", 50, "listing remote objects")
	remoteObjs, err := s.remote.ListWithMetadata(ctx, "", s.opts.VerifyRemoteChecksums)
	if err != nil {
		return cancelledOr(ctx, &TransportError{Op: "list", Err: err})
	}
	remoteObjs = s.inScope(remoteObjs, blocked)
	for key := range records {
		if _, ok := blocked[key]; ok || s.excluded(key) {
			delete(records, key)
		}
	}

	hasHistory := (remoteFound && remoteSnap.LastFullSync > 0) || anySynced(records)
	plan := planner.Plan(local, remoteObjs, records, hasHistory)
	s.emit("plan", 100, "%d operations planned", plan.Pending())

	if plan.FirstSyncAmbiguous {
		s.setState(StateAwaitingFirstSyncStrategy)
		summary := resolver.SummarizeFirstSync(len(local), len(remoteObjs), plan)
		choice, err := resolver.ChooseFirstSync(ctx, s.opts.FirstSyncStrategy, summary, s.prompter)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				res.Plan = plan
				res.Skipped += plan.Pending()
				return err
			}
			return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
		}
		log.Info("first sync policy chosen", "choice", choice)
		plan = planner.ApplyFirstSyncChoice(plan, choice)
	}

	if len(plan.Conflicts) > 0 {
		s.setState(StateResolvingConflicts)
		resolution, err := resolver.Resolve(ctx, plan.Conflicts, s.opts.ConflictStrategy, s.prompter)
		if err != nil {
			res.Plan = plan
			if errors.Is(err, ErrCancelled) {
				res.Skipped += plan.Pending()
				return err
			}
			return fmt.Errorf("%w: %v", ErrConfigurationInvalid, err)
		}
		log.Info("conflicts resolved", "strategy", resolution.Strategy, "count", len(plan.Conflicts))
		plan.Uploads = mergeByKey(plan.Uploads, resolution.Uploads)
		plan.Downloads = mergeByKey(plan.Downloads, resolution.Downloads)
		plan.Conflicts = []planner.Operation{}
	}

	res.Plan = plan
	res.Unchanged = len(plan.NoChange)
	if s.opts.DryRun {
		return nil
	}

	// transfers run to completion once started
	execCtx := context.WithoutCancel(ctx)

	s.setState(StateExecuting)
	s.execute(execCtx, log, plan, res)

	for _, op := range plan.Equalities() {
		s.store.RecordEquality(op.Key, op.LocalHash, op.LocalModTime, op.RemoteModTime, op.LocalSize)
	}
	for _, key := range plan.Collectable() {
		s.store.Remove(key)
	}
	if !res.Incremental && res.Failed == 0 && len(blocked) == 0 {
		s.store.MarkFullSync()
	}

	s.setState(StatePersistingMetadata)
	s.emit("persist", 0, "saving metadata")
	s.store.SetNamespaceID(namespace)
	if err := s.store.PersistWithRetry(execCtx, s.opts.PersistAttempts, s.opts.PersistDelay); err != nil {
		return err
	}
	s.uploadSnapshot(execCtx, log, res)
	s.emit("persist", 100, "metadata saved")
	return nil
}

// fetchRemoteSnapshot downloads the snapshot mirrored in the namespace. A missing
// or unusable snapshot yields an empty one for namespace.
func (s *Syncer) fetchRemoteSnapshot(ctx context.Context, log *slog.Logger, namespace string) (metadata.Snapshot, bool, error) {
	data, err := s.remote.Download(ctx, metadata.RemoteKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			log.Debug("no remote metadata, new namespace")
			return metadata.EmptySnapshot(namespace), false, nil
		}
		return metadata.Snapshot{}, false, &TransportError{Op: "download", Key: metadata.RemoteKey, Err: err}
	}

	snap, err := metadata.DecodeSnapshot(data)
	if err != nil {
		log.Warn("remote metadata unusable, treating as empty", "error", err)
		return metadata.EmptySnapshot(namespace), false, nil
	}
	if snap.NamespaceID != namespace {
		log.Warn("remote metadata was written for another namespace",
			"recorded", snap.NamespaceID,
			"current", namespace)
		snap.NamespaceID = namespace
	}
	return snap, true, nil
}

// useIncremental reports whether this run may skip unchanged local files.
func (s *Syncer) useIncremental() bool {
	if !s.opts.Incremental {
		return false
	}
	last := s.store.LastFullSync()
	if last == 0 {
		return false
	}
	age := s.clock.Now().Sub(time.UnixMilli(last))
	return age <= s.opts.MaxIncrementalAge
}

func (s *Syncer) uploadSnapshot(ctx context.Context, log *slog.Logger, res *Result) {
	data, err := metadata.EncodeSnapshot(s.store.Snapshot())
	if err == nil {
		err = s.remote.Upload(ctx, metadata.RemoteKey, data, "")
	}
	if err != nil {
		terr := &TransportError{Op: "upload", Key: metadata.RemoteKey, Err: err}
		log.Warn("failed to mirror metadata", "error", terr)
		res.Errors = append(res.Errors, ItemError{Key: metadata.RemoteKey, Action: "upload", Error: terr.Error(), err: terr})
	}
}

func cancelledOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return err
}

func anySynced(records map[string]metadata.SyncRecord) bool {
	for _, rec := range records {
		if rec.Synced() {
			return true
		}
	}
	return false
}

// excluded reports whether key is kept out of the replica. Such keys are left
// alone on both sides.
func (s *Syncer) excluded(key string) bool {
	if strings.HasPrefix(key, host.InternalDir+"/") {
		return true
	}
	if ex, ok := s.host.(host.Excluder); ok {
		return ex.Excluded(key)
	}
	return false
}

func (s *Syncer) inScope(objects []objectstore.Object, blocked map[string]struct{}) []objectstore.Object {
	out := objects[:0:0]
	for _, obj := range objects {
		if s.excluded(obj.Key) {
			continue
		}
		if _, ok := blocked[obj.Key]; ok {
			continue
		}
		out = append(out, obj)
	}
	return out
}

// mergeByKey appends extra to ops keeping key order.
func mergeByKey(ops, extra []planner.Operation) []planner.Operation {
	merged := append(append([]planner.Operation{}, ops...), extra...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Key < merged[j].Key
	})
	return merged
}
