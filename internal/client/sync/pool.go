package sync

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultGlobalConcurrency  = 8
	DefaultPerRootConcurrency = 4
)

// Pool caps transfer concurrency across every group folder.
type Pool struct {
	global *semaphore.Weighted
}

func NewPool(global int) *Pool {
	if global <= 0 {
		global = DefaultGlobalConcurrency
	}
	return &Pool{global: semaphore.NewWeighted(int64(global))}
}

// ForRoot returns a view of the pool with an additional per-root cap.
func (p *Pool) ForRoot(perRoot int) *RootPool {
	if perRoot <= 0 {
		perRoot = DefaultPerRootConcurrency
	}
	return &RootPool{pool: p, local: semaphore.NewWeighted(int64(perRoot))}
}

type RootPool struct {
	pool  *Pool
	local *semaphore.Weighted
}

// Acquire takes one slot of the root and one of the global pool.
func (r *RootPool) Acquire(ctx context.Context) (release func(), err error) {
	if err := r.local.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := r.pool.global.Acquire(ctx, 1); err != nil {
		r.local.Release(1)
		return nil, err
	}
	return func() {
		r.pool.global.Release(1)
		r.local.Release(1)
	}, nil
}

// Each runs fn for 0..n-1 within the caps and waits for all started calls.
// Failures of single units are reported by fn itself; Each only fails when ctx
// ends before every unit could start.
func (r *RootPool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	var g errgroup.Group
	for i := range n {
		release, err := r.Acquire(ctx)
		if err != nil {
			g.Wait()
			return err
		}
		g.Go(func() error {
			defer release()
			fn(ctx, i)
			return nil
		})
	}
	return g.Wait()
}
