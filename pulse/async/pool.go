// Package async runs scheduler work on a bounded set of goroutines.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is one unit of work. ctx is cancelled when Stop gives up waiting.
type Task func(ctx context.Context)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Panics    uint64 `json:"panics"`
}

// Pool executes submitted tasks on a fixed number of workers fed by a
// bounded queue. Submit blocks while the queue is full.
type Pool struct {
	workers int
	tasks   chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active    atomic.Int64
	processed atomic.Uint64
	panics    atomic.Uint64

	logger pulseLogger
}

// NewPool starts workers goroutines reading from a queue of queueSize.
func NewPool(workers, queueSize int, log *zap.SugaredLogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  pulseLogger{logger.AddPulseSymbol(log.Named("pool"))},
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Starting("Worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

// Submit queues t, waiting for room until ctx is done.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "submit task")
	}
}

// TrySubmit queues t only if there is room right now.
func (p *Pool) TrySubmit(t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(id, t)
	}
}

func (p *Pool) run(id int, t Task) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.processed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Errorw("Task panicked",
				"worker_id", id,
				logger.FieldError, fmt.Sprint(r),
			)
		}
	}()
	t(p.ctx)
}

// Stop rejects new tasks and waits for queued and running ones. After
// timeout the task context is cancelled and Stop waits once more for
// workers to notice.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Pulse("Worker pool stopped", "processed", p.processed.Load())
	case <-time.After(timeout):
		p.logger.Closing("Worker pool stop timed out, cancelling tasks",
			"timeout", timeout,
			"active", p.active.Load(),
		)
		p.cancel()
		<-done
	}
	p.cancel()
}

// Stats reports current pool usage.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Active:    p.active.Load(),
		Queued:    len(p.tasks),
		Processed: p.processed.Load(),
		Panics:    p.panics.Load(),
	}
}
