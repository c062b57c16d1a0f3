package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootPool_RespectsCaps(t *testing.T) {
	pool := NewPool(3)
	a, b := pool.ForRoot(2), pool.ForRoot(2)

	var running, peak atomic.Int32
	work := func(ctx context.Context, i int) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
	}

	done := make(chan error, 2)
	go func() { done <- a.Each(context.Background(), 10, work) }()
	go func() { done <- b.Each(context.Background(), 10, work) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Zero(t, running.Load())
}

func TestRootPool_CanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := NewPool(1).ForRoot(1).Each(ctx, 1, func(context.Context, int) { ran = true })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestPathLocks_SerialisesSamePath(t *testing.T) {
	locks := NewPathLocks()
	unlock := locks.Lock("b", "a")

	acquired := make(chan struct{})
	go func() {
		u := locks.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock on a was acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	// disjoint paths are not blocked
	other := locks.Lock("c")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a was never acquired")
	}
	assert.Eventually(t, func() bool { return locks.Len() == 0 }, time.Second, 5*time.Millisecond)
}
