// Package executor runs a batch of independent items with bounded concurrency.
package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is used when Run is given a limit below one.
const DefaultConcurrency = 3

// Progress is a point-in-time view of a batch. Counters never decrease.
type Progress struct {
	Completed int
	Failed    int
	Total     int
}

// Done is the number of settled items.
func (p Progress) Done() int {
	return p.Completed + p.Failed
}

// Percent is Done as a share of Total, 0 to 100.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 100
	}
	return p.Done() * 100 / p.Total
}

// ProgressFunc is called once per settled item, never concurrently.
type ProgressFunc[T any] func(item T, err error, p Progress)

type ItemResult[T any] struct {
	Item T
	Err  error
}

// Summary is the outcome of a batch. Results are in input order.
type Summary[T any] struct {
	Completed int
	Failed    int
	Results   []ItemResult[T]
}

// Failures returns the items that failed, in input order.
func (s Summary[T]) Failures() []ItemResult[T] {
	var failed []ItemResult[T]
	for _, r := range s.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Run calls fn for every item with at most limit calls in flight and returns once
// all of them have settled. A failing item never stops its siblings, and ctx is
// only handed to fn: cancelling it does not skip items.
func Run[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error, progress ProgressFunc[T]) Summary[T] {
	if limit < 1 {
		limit = DefaultConcurrency
	}

	summary := Summary[T]{Results: make([]ItemResult[T], len(items))}
	var mu sync.Mutex
	state := Progress{Total: len(items)}

	var g errgroup.Group
	g.SetLimit(limit)

	for i, item := range items {
		g.Go(func() error {
			err := fn(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			summary.Results[i] = ItemResult[T]{Item: item, Err: err}
			if err != nil {
				state.Failed++
			} else {
				state.Completed++
			}
			if progress != nil {
				progress(item, err, state)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Completed = state.Completed
	summary.Failed = state.Failed
	return summary
}
