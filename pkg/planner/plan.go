// Package planner decides, for every key seen locally, remotely or in the sync
// records, which operation brings the two replicas back in line.
package planner

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/yuya-takeyama/s3-replica-sync/pkg/metadata"
	"github.com/yuya-takeyama/s3-replica-sync/pkg/objectstore"
)

// Plan runs Decide over the union of local, remote and recorded keys.
func Plan(local []LocalObject, remote []objectstore.Object, records map[string]metadata.SyncRecord, hasHistory bool) Result {
	localMap := make(map[string]*LocalObject, len(local))
	for i := range local {
		localMap[local[i].Key] = &local[i]
	}
	remoteMap := make(map[string]*objectstore.Object, len(remote))
	for i := range remote {
		remoteMap[remote[i].Key] = &remote[i]
	}

	keys := mapset.NewThreadUnsafeSetWithSize[string](len(local) + len(remote) + len(records))
	for key := range localMap {
		keys.Add(key)
	}
	for key := range remoteMap {
		keys.Add(key)
	}
	for key := range records {
		keys.Add(key)
	}

	sorted := keys.ToSlice()
	sort.Strings(sorted)

	result := newResult()
	divergent := 0
	for _, key := range sorted {
		in := KeyInput{
			Key:        key,
			Local:      localMap[key],
			Remote:     remoteMap[key],
			HasHistory: hasHistory,
		}
		if rec, ok := records[key]; ok {
			in.Record = &rec
		}
		op := Decide(in)
		if op.Divergent {
			divergent++
		}
		result.add(op)
	}

	if !hasHistory && len(localMap) > 0 && len(remoteMap) > 0 {
		bothDirections := len(result.Uploads) > 0 && len(result.Downloads) > 0
		result.FirstSyncAmbiguous = divergent > 0 || bothDirections
	}
	return result
}

func newResult() Result {
	return Result{
		Uploads:      []Operation{},
		Downloads:    []Operation{},
		Conflicts:    []Operation{},
		DeleteLocal:  []Operation{},
		DeleteRemote: []Operation{},
		NoChange:     []Operation{},
	}
}

func (r *Result) add(op Operation) {
	switch op.Action {
	case ActionUpload:
		r.Uploads = append(r.Uploads, op)
	case ActionDownload:
		r.Downloads = append(r.Downloads, op)
	case ActionConflict:
		r.Conflicts = append(r.Conflicts, op)
	case ActionDeleteLocal:
		r.DeleteLocal = append(r.DeleteLocal, op)
	case ActionDeleteRemote:
		r.DeleteRemote = append(r.DeleteRemote, op)
	default:
		r.NoChange = append(r.NoChange, op)
	}
}

// Equalities returns the no-change operations whose equality must be recorded.
func (r Result) Equalities() []Operation {
	var ops []Operation
	for _, op := range r.NoChange {
		if op.RecordEquality {
			ops = append(ops, op)
		}
	}
	return ops
}

// Collectable returns keys whose records can be dropped.
func (r Result) Collectable() []string {
	var keys []string
	for _, op := range r.NoChange {
		if op.Collect {
			keys = append(keys, op.Key)
		}
	}
	return keys
}

// Pending counts operations that still need work.
func (r Result) Pending() int {
	return len(r.Uploads) + len(r.Downloads) + len(r.Conflicts) + len(r.DeleteLocal) + len(r.DeleteRemote)
}

// Operations flattens the plan, ordered by action and then key.
func (r Result) Operations() []Operation {
	ops := make([]Operation, 0, r.Pending()+len(r.NoChange))
	ops = append(ops, r.Uploads...)
	ops = append(ops, r.Downloads...)
	ops = append(ops, r.Conflicts...)
	ops = append(ops, r.DeleteLocal...)
	ops = append(ops, r.DeleteRemote...)
	ops = append(ops, r.NoChange...)
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Action != ops[j].Action {
			return ops[i].Action < ops[j].Action
		}
		return ops[i].Key < ops[j].Key
	})
	return ops
}

// ApplyFirstSyncChoice applies one run-wide policy to an ambiguous first sync.
//
// upload-all drops downloads and remote deletions, and turns divergent keys into
// uploads. download-all is the mirror image. merge keeps the plan as is. In every
// case the result is no longer ambiguous.
func ApplyFirstSyncChoice(r Result, choice FirstSyncChoice) Result {
	out := r
	out.FirstSyncAmbiguous = false

	switch choice {
	case ChoiceUploadAll:
		out.Uploads = append([]Operation{}, r.Uploads...)
		for _, op := range r.Downloads {
			if op.Divergent {
				out.Uploads = append(out.Uploads, op.with(ActionUpload, "first sync: upload all"))
			}
		}
		out.Downloads = []Operation{}
		out.DeleteRemote = []Operation{}
		sortByKey(out.Uploads)

	case ChoiceDownloadAll:
		out.Downloads = append([]Operation{}, r.Downloads...)
		for _, op := range r.Uploads {
			if op.Divergent {
				out.Downloads = append(out.Downloads, op.with(ActionDownload, "first sync: download all"))
			}
		}
		out.Uploads = []Operation{}
		out.DeleteLocal = []Operation{}
		sortByKey(out.Downloads)
	}
	return out
}

func sortByKey(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Key < ops[j].Key
	})
}
