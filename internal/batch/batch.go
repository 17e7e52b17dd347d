// Package batch drives the paged per-tenant loops of the scheduled jobs.
package batch

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	MaxPageSize        = 100
	DefaultItemTimeout = 30 * time.Second
)

type Options struct {
	PageSize    int
	Concurrency int
	// ItemTimeout bounds the work on a single item. An item that runs out
	// of time fails on its own; the page moves on.
	ItemTimeout time.Duration
	// RunBudget caps the wall time of one ForEach call. Paging stops at the
	// first page boundary past the budget and the rest waits for the next
	// invocation. Zero means no cap.
	RunBudget   time.Duration
}

func OptionsFrom(cfg config.SchedulerConfig) Options {
	return Options{
		PageSize:    cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		ItemTimeout: cfg.TenantTimeout,
		RunBudget:   cfg.RunBudget,
	}
}

func (o Options) pageSize() int {
	if o.PageSize <= 0 || o.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return o.PageSize
}

func (o Options) concurrency() int {
	if o.Concurrency <= 0 {
		return 1
	}
	return o.Concurrency
}

func (o Options) itemTimeout() time.Duration {
	if o.ItemTimeout <= 0 {
		return DefaultItemTimeout
	}
	return o.ItemTimeout
}

// ListFunc returns up to limit items with an id greater than afterID, in
// ascending id order.
type ListFunc[T any] func(ctx context.Context, afterID snowflake.ID, limit int) ([]T, error)

// ForEach walks every item list returns, one page in flight at a time,
// and runs fn over each page on a bounded worker group. fn reports its own
// failures; ForEach only fails when listing fails or ctx is done.
// truncated reports that the run budget ran out before the last page.
func ForEach[T any](ctx context.Context, opts Options, list ListFunc[T], idOf func(T) snowflake.ID, fn func(ctx context.Context, item T)) (truncated bool, err error) {
	limit := opts.pageSize()
	started := time.Now()
	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if afterID != 0 && opts.RunBudget > 0 && time.Since(started) >= opts.RunBudget {
			return true, nil
		}
		items, err := list(ctx, afterID, limit)
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			return false, nil
		}

		var g errgroup.Group
		g.SetLimit(opts.concurrency())
		for _, item := range items {
			g.Go(func() error {
				itemCtx, cancel := context.WithTimeout(ctx, opts.itemTimeout())
				defer cancel()
				fn(itemCtx, item)
				return nil
			})
		}
		_ = g.Wait()

		afterID = idOf(items[len(items)-1])
		if len(items) < limit {
			return false, nil
		}
	}
}
