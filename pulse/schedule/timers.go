package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// armed is one pending timer.
type armed struct {
	jobID    string
	handle   string
	version  int64
	deadline time.Time
	priority int
	index    int
}

// deadlineHeap orders timers by deadline; on a tie the higher priority
// fires first.
type deadlineHeap []*armed

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].priority > h[j].priority
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	a := x.(*armed)
	a.index = len(*h)
	*h = append(*h, a)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// timerQueue holds at most one timer per job. A single goroutine (run)
// waits for the earliest deadline and hands due timers to fire.
type timerQueue struct {
	mu    sync.Mutex
	h     deadlineHeap
	byJob map[string]*armed
	wake  chan struct{}
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		byJob: make(map[string]*armed),
		wake:  make(chan struct{}, 1),
	}
}

// arm sets the job's timer, replacing any previous one armed from the same
// or an older row version. An arm from an older version than the queued one
// is ignored and arm reports false.
func (q *timerQueue) arm(jobID, handle string, version int64, deadline time.Time, priority int) bool {
	q.mu.Lock()
	if a, ok := q.byJob[jobID]; ok {
		if version < a.version {
			q.mu.Unlock()
			return false
		}
		a.handle = handle
		a.version = version
		a.deadline = deadline
		a.priority = priority
		heap.Fix(&q.h, a.index)
	} else {
		a := &armed{jobID: jobID, handle: handle, version: version, deadline: deadline, priority: priority}
		heap.Push(&q.h, a)
		q.byJob[jobID] = a
	}
	q.mu.Unlock()
	q.signal()
	return true
}

// disarm drops the job's timer and reports whether one was armed.
func (q *timerQueue) disarm(jobID string) bool {
	q.mu.Lock()
	a, ok := q.byJob[jobID]
	if ok {
		heap.Remove(&q.h, a.index)
		delete(q.byJob, jobID)
	}
	q.mu.Unlock()
	if ok {
		q.signal()
	}
	return ok
}

// disarmAll drops every timer and returns how many there were.
func (q *timerQueue) disarmAll() int {
	q.mu.Lock()
	n := len(q.h)
	q.h = nil
	q.byJob = make(map[string]*armed)
	q.mu.Unlock()
	q.signal()
	return n
}

func (q *timerQueue) handle(jobID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if a, ok := q.byJob[jobID]; ok {
		return a.handle, true
	}
	return "", false
}

func (q *timerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *timerQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns the earliest timer if it is due, otherwise
// how long until it is. ok is false when nothing is armed.
func (q *timerQueue) popDue(now time.Time) (a *armed, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, 0, false
	}
	next := q.h[0]
	if d := next.deadline.Sub(now); d > 0 {
		return nil, d, true
	}
	heap.Pop(&q.h)
	delete(q.byJob, next.jobID)
	return next, 0, true
}

// run fires due timers in deadline order until ctx is done. fire must not
// block for long; it is called from this goroutine.
func (q *timerQueue) run(ctx context.Context, fire func(jobID, handle string)) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var wait time.Duration
		for {
			a, d, ok := q.popDue(time.Now())
			if !ok {
				wait = time.Hour
				break
			}
			if a == nil {
				wait = d
				break
			}
			fire(a.jobID, a.handle)
			if ctx.Err() != nil {
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}
