package workerstealing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsAllTasks(t *testing.T) {
	p := New(Config{Workers: 4}, nil)
	p.Start()
	defer p.Stop(time.Second)

	var n int64
	const total = 200
	for i := 0; i < total; i++ {
		p.Submit(Task{ID: "t", Execute: func(ctx context.Context) error {
			atomic.AddInt64(&n, 1)
			return nil
		}})
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&n) == total
	}, 2*time.Second, time.Millisecond)

	snap := p.StatsSnapshot()
	assert.EqualValues(t, total, snap.Completed)
}

func TestStealingDrainsUnbalancedWorker(t *testing.T) {
	p := New(Config{Workers: 2}, nil)
	// push everything onto worker 0's deque directly, bypassing the
	// round-robin submit, to force worker 1 to steal.
	var n int64
	const total = 50
	for i := 0; i < total; i++ {
		p.workers[0].pushFront(Task{ID: "t", Execute: func(ctx context.Context) error {
			atomic.AddInt64(&n, 1)
			return nil
		}})
	}
	p.Start()
	defer p.Stop(time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&n) == total
	}, 2*time.Second, time.Millisecond)
}

func TestFailedTaskIsCountedNotFatal(t *testing.T) {
	p := New(Config{Workers: 2}, nil)
	p.Start()
	defer p.Stop(time.Second)

	p.Submit(Task{ID: "boom", Execute: func(ctx context.Context) error {
		return assert.AnError
	}})

	require.Eventually(t, func() bool {
		return p.StatsSnapshot().Failed == 1
	}, 2*time.Second, time.Millisecond)
}

func TestStopIsIdempotentAndStopsNewWork(t *testing.T) {
	p := New(Config{Workers: 2}, nil)
	p.Start()
	p.Stop(time.Second)
	p.Stop(time.Second) // must not panic or deadlock

	var ran atomic.Bool
	p.Submit(Task{ID: "late", Execute: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestDequePushFrontPopFrontIsLIFO(t *testing.T) {
	d := &deque{}
	d.pushFront(Task{ID: "a"})
	d.pushFront(Task{ID: "b"})
	top, ok := d.popFront()
	require.True(t, ok)
	assert.Equal(t, "b", top.ID)
}

func TestDequePopBackIsFIFORelativeToOwner(t *testing.T) {
	d := &deque{}
	d.pushFront(Task{ID: "a"})
	d.pushFront(Task{ID: "b"})
	back, ok := d.popBack()
	require.True(t, ok)
	assert.Equal(t, "a", back.ID)
}
