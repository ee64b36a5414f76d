// Package resolver turns conflicts into transfers and picks the policy for an
// ambiguous first sync.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yuya-takeyama/s3-replica-sync/pkg/planner"
)

// ErrCancelled is returned when a decision point ends without a choice.
var ErrCancelled = errors.New("cancelled by user")

type Strategy string

const (
	StrategyAsk        Strategy = "ask"
	StrategyLocalWins  Strategy = "local-wins"
	StrategyRemoteWins Strategy = "remote-wins"
	StrategyNewerWins  Strategy = "newer-wins"
)

// ParseStrategy validates a conflict strategy name. The empty string means ask.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case "":
		return StrategyAsk, nil
	case StrategyAsk, StrategyLocalWins, StrategyRemoteWins, StrategyNewerWins:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// concrete reports whether s can be applied without asking.
func (s Strategy) concrete() bool {
	return s == StrategyLocalWins || s == StrategyRemoteWins || s == StrategyNewerWins
}

// FirstSyncStrategy is either ask or one of the planner's first-sync choices.
type FirstSyncStrategy string

const FirstSyncAsk FirstSyncStrategy = "ask"

// ParseFirstSyncStrategy validates a first-sync strategy name. The empty string
// means ask.
func ParseFirstSyncStrategy(s string) (FirstSyncStrategy, error) {
	switch planner.FirstSyncChoice(s) {
	case planner.ChoiceUploadAll, planner.ChoiceDownloadAll, planner.ChoiceMerge:
		return FirstSyncStrategy(s), nil
	}
	switch FirstSyncStrategy(s) {
	case "", FirstSyncAsk:
		return FirstSyncAsk, nil
	}
	return "", fmt.Errorf("unknown first sync strategy %q", s)
}

func validChoice(c planner.FirstSyncChoice) bool {
	return c == planner.ChoiceUploadAll || c == planner.ChoiceDownloadAll || c == planner.ChoiceMerge
}

// FirstSyncSummary describes an ambiguous first sync to the user.
type FirstSyncSummary struct {
	LocalObjects  int
	RemoteObjects int
	Uploads       int
	Downloads     int
	Divergent     int
}

// SummarizeFirstSync builds the summary shown at the first-sync decision point.
func SummarizeFirstSync(localObjects, remoteObjects int, plan planner.Result) FirstSyncSummary {
	s := FirstSyncSummary{
		LocalObjects:  localObjects,
		RemoteObjects: remoteObjects,
		Uploads:       len(plan.Uploads),
		Downloads:     len(plan.Downloads),
	}
	for _, op := range plan.Operations() {
		if op.Divergent {
			s.Divergent++
		}
	}
	return s
}

// Prompter asks the user. Implementations may block; they should return when ctx
// is done. Any error, including ErrCancelled, and any value outside the offered
// set count as a cancellation.
type Prompter interface {
	// ChooseConflictStrategy picks one concrete strategy for the whole batch.
	ChooseConflictStrategy(ctx context.Context, conflicts []planner.Operation) (Strategy, error)
	ChooseFirstSync(ctx context.Context, summary FirstSyncSummary) (planner.FirstSyncChoice, error)
}

// Resolution is the outcome of resolving a conflict batch.
type Resolution struct {
	Uploads   []planner.Operation
	Downloads []planner.Operation
	Skipped   []planner.Operation
	Strategy  Strategy
}

// Resolve applies strategy to conflicts, asking prompter once for the whole batch
// when strategy is ask. When the question is dismissed every conflict is skipped
// and ErrCancelled is returned.
func Resolve(ctx context.Context, conflicts []planner.Operation, strategy Strategy, prompter Prompter) (Resolution, error) {
	res := Resolution{
		Uploads:   []planner.Operation{},
		Downloads: []planner.Operation{},
		Skipped:   []planner.Operation{},
		Strategy:  strategy,
	}
	if len(conflicts) == 0 {
		return res, nil
	}

	if strategy == StrategyAsk {
		chosen, ok := DecideConflictStrategy(ctx, prompter, conflicts)
		if !ok {
			res.Skipped = append(res.Skipped, conflicts...)
			return res, ErrCancelled
		}
		res.Strategy = chosen
	} else if !strategy.concrete() {
		return res, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	for _, op := range conflicts {
		if localWins(op, res.Strategy) {
			op.Action = planner.ActionUpload
			op.Reason = "conflict resolved: " + string(res.Strategy) + ", local kept"
			res.Uploads = append(res.Uploads, op)
		} else {
			op.Action = planner.ActionDownload
			op.Reason = "conflict resolved: " + string(res.Strategy) + ", remote kept"
			res.Downloads = append(res.Downloads, op)
		}
	}
	return res, nil
}

func localWins(op planner.Operation, strategy Strategy) bool {
	switch strategy {
	case StrategyRemoteWins:
		return false
	case StrategyNewerWins:
		if op.LocalModTime == 0 || op.RemoteModTime == 0 {
			return true
		}
		return op.LocalModTime >= op.RemoteModTime
	default:
		return true
	}
}

// ChooseFirstSync returns the policy for an ambiguous first sync, asking prompter
// when strategy is ask.
func ChooseFirstSync(ctx context.Context, strategy FirstSyncStrategy, summary FirstSyncSummary, prompter Prompter) (planner.FirstSyncChoice, error) {
	if strategy != FirstSyncAsk && strategy != "" {
		choice := planner.FirstSyncChoice(strategy)
		if !validChoice(choice) {
			return "", fmt.Errorf("unknown first sync strategy %q", strategy)
		}
		return choice, nil
	}
	choice, ok := DecideFirstSync(ctx, prompter, summary)
	if !ok {
		return "", ErrCancelled
	}
	return choice, nil
}

// DecideConflictStrategy runs the conflict decision point. It yields exactly one
// answer: a concrete strategy, or ok=false for any kind of dismissal.
func DecideConflictStrategy(ctx context.Context, p Prompter, conflicts []planner.Operation) (Strategy, bool) {
	if p == nil {
		return "", false
	}
	return decide(ctx, Strategy.concrete, func(ctx context.Context) (Strategy, error) {
		return p.ChooseConflictStrategy(ctx, conflicts)
	})
}

// DecideFirstSync runs the first-sync decision point with the same guarantees as
// DecideConflictStrategy.
func DecideFirstSync(ctx context.Context, p Prompter, summary FirstSyncSummary) (planner.FirstSyncChoice, bool) {
	if p == nil {
		return "", false
	}
	return decide(ctx, validChoice, func(ctx context.Context) (planner.FirstSyncChoice, error) {
		return p.ChooseFirstSync(ctx, summary)
	})
}

// decide waits for ask or ctx, whichever settles first. Whatever arrives later is
// dropped, so a single answer is ever produced.
func decide[T any](ctx context.Context, valid func(T) bool, ask func(context.Context) (T, error)) (T, bool) {
	type answer struct {
		value T
		err   error
	}
	var zero T

	if ctx.Err() != nil {
		return zero, false
	}

	answers := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				answers <- answer{err: fmt.Errorf("prompt panicked: %v", r)}
			}
		}()
		v, err := ask(ctx)
		answers <- answer{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, false
	case a := <-answers:
		if ctx.Err() != nil {
			return zero, false
		}
		if a.err != nil {
			if !errors.Is(a.err, ErrCancelled) {
				slog.Warn("prompt failed, treating as cancel", "error", a.err)
			}
			return zero, false
		}
		if !valid(a.value) {
			return zero, false
		}
		return a.value, true
	}
}
