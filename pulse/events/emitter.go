package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
)

// Sink receives lifecycle events in emission order.
type Sink interface {
	Deliver(ctx context.Context, ev Lifecycle) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Lifecycle) error

func (f SinkFunc) Deliver(ctx context.Context, ev Lifecycle) error {
	return f(ctx, ev)
}

// BusSink publishes lifecycle events as JSON on a bus topic, keyed by job id.
type BusSink struct {
	Bus   *Bus
	Topic string
	// Timeout bounds each publish so one stalled subscriber cannot wedge
	// the emitter. Default 5s.
	Timeout time.Duration
}

func (s BusSink) Deliver(ctx context.Context, ev Lifecycle) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode lifecycle event")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Bus.Publish(ctx, Message{
		Topic:     s.Topic,
		Key:       ev.JobID,
		Value:     value,
		Timestamp: ev.Timestamp,
	})
}

// Emitter delivers lifecycle events to its sinks from a single goroutine,
// so every sink sees events in the order Emit was called.
type Emitter struct {
	sinks []Sink
	queue chan Lifecycle
	log   *zap.SugaredLogger

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEmitter starts an emitter with a queue of the given size.
func NewEmitter(buffer int, log *zap.SugaredLogger, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		sinks:  sinks,
		queue:  make(chan Lifecycle, buffer),
		log:    logger.AddPulseSymbol(log.Named("events")),
		ctx:    ctx,
		cancel: cancel,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit queues an event, blocking while the queue is full. Events emitted
// after Stop are dropped.
func (e *Emitter) Emit(ctx context.Context, ev Lifecycle) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return errors.New("emitter stopped")
	}
	select {
	case e.queue <- ev:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "emit %s for job %s", ev.Status, ev.JobID)
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for ev := range e.queue {
		for _, s := range e.sinks {
			if err := s.Deliver(e.ctx, ev); err != nil {
				e.log.Warnw("Lifecycle sink failed",
					logger.FieldJobID, ev.JobID,
					logger.FieldStatus, ev.Status,
					logger.FieldVersion, ev.Version,
					logger.FieldError, err,
				)
			}
		}
	}
}

// Stop drains queued events, waiting at most timeout.
func (e *Emitter) Stop(timeout time.Duration) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warnw("Emitter stop timed out, abandoning queued events", "pending", len(e.queue))
		e.cancel()
		<-done
	}
	e.cancel()
}
