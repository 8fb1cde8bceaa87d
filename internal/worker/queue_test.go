package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueue_RunsInDueOrder(t *testing.T) {
	q := NewQueue(1)
	var mu sync.Mutex
	var order []int
	record := func(n int) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	q.Schedule(60*time.Millisecond, record(3))
	q.Schedule(20*time.Millisecond, record(1))
	q.Schedule(40*time.Millisecond, record(2))
	assert.Equal(t, 3, q.Len())
	start(t, q)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Zero(t, q.Len())
}

func TestQueue_Cancel(t *testing.T) {
	q := NewQueue(2)
	var ran atomic.Int32
	task := q.Schedule(30*time.Millisecond, func(context.Context) { ran.Add(1) })
	keep := q.Schedule(30*time.Millisecond, func(context.Context) { ran.Add(10) })
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())
	assert.Equal(t, 1, q.Len())
	start(t, q)

	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.False(t, keep.Cancel())
	var nilTask *Task
	assert.False(t, nilTask.Cancel())
}

func TestQueue_EarlierTaskWakesDispatcher(t *testing.T) {
	q := NewQueue(1)
	start(t, q)
	q.Schedule(time.Hour, func(context.Context) {})

	fired := make(chan struct{})
	q.Schedule(10*time.Millisecond, func(context.Context) { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("short task was not dispatched ahead of the long one")
	}
}

func TestQueue_PanicDoesNotKillPool(t *testing.T) {
	q := NewQueue(1)
	start(t, q)
	q.Schedule(0, func(context.Context) { panic("boom") })
	ok := make(chan struct{})
	q.Schedule(5*time.Millisecond, func(context.Context) { close(ok) })
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("pool stopped after a panic")
	}
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	q := NewQueue(2)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		q.Schedule(0, func(context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	start(t, q)
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestQueue_Stop(t *testing.T) {
	q := NewQueue(1)
	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()
	q.Stop()
	q.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
