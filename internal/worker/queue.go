package worker

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Task is one delayed function queued on a Queue.
type Task struct {
	q     *Queue
	at    time.Time
	seq   uint64
	fn    func(context.Context)
	index int
}

// Cancel removes the task if it has not been dispatched yet. It reports
// whether the task was removed.
func (t *Task) Cancel() bool {
	if t == nil || t.q == nil {
		return false
	}
	q := t.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&q.tasks, t.index)
	q.signal()
	return true
}

// At is the instant the task becomes due.
func (t *Task) At() time.Time { return t.at }

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue runs delayed tasks on a bounded pool of goroutines. Due times use
// the monotonic clock, so wall clock jumps do not move them.
type Queue struct {
	mu    sync.Mutex
	tasks taskHeap
	seq   uint64
	wake  chan struct{}
	sem   chan struct{}
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{wake: make(chan struct{}, 1), sem: make(chan struct{}, size), stop: make(chan struct{})}
}

// Schedule queues fn to run once delay has elapsed. Negative delays run as
// soon as a worker is free.
func (q *Queue) Schedule(delay time.Duration, fn func(context.Context)) *Task {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	t := &Task{q: q, at: time.Now().Add(delay), seq: q.seq, fn: fn}
	heap.Push(&q.tasks, t)
	q.signal()
	return t
}

// Len is the number of tasks waiting to be dispatched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// signal must be called with q.mu held.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run dispatches due tasks until ctx is done or Stop is called, then waits
// for running tasks to return.
func (q *Queue) Run(ctx context.Context) {
	defer q.wg.Wait()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		due, wait := q.due(time.Now())
		for _, t := range due {
			select {
			case q.sem <- struct{}{}:
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			}
			q.wg.Add(1)
			go q.run(ctx, t)
		}

		var fire <-chan time.Time
		if wait >= 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.wake:
		case <-fire:
		}
	}
}

// due pops every task due at now and returns the wait until the next one,
// or -1 when the queue is empty.
func (q *Queue) due(now time.Time) ([]*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for len(q.tasks) > 0 && !q.tasks[0].at.After(now) {
		out = append(out, heap.Pop(&q.tasks).(*Task))
	}
	if len(q.tasks) == 0 {
		return out, -1
	}
	return out, q.tasks[0].at.Sub(now)
}

func (q *Queue) run(ctx context.Context, t *Task) {
	defer q.wg.Done()
	defer func() { <-q.sem }()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("delayed task panicked")
		}
	}()
	t.fn(ctx)
}

// Stop ends Run. Queued tasks are dropped.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stop) })
}
