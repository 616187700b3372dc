// Package server exposes the management API: job submission, lookup,
// cancellation and rescheduling, health probes, and WebSocket streams of
// topic messages and lifecycle events.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
	"github.com/teranos/jobsvc/pulse/events"
	"github.com/teranos/jobsvc/pulse/job"
	"github.com/teranos/jobsvc/pulse/schedule"
	"github.com/teranos/jobsvc/pulse/store"
)

// Scheduler is the part of the scheduler core the API drives.
type Scheduler interface {
	Submit(ctx context.Context, j job.Job) (job.Details, error)
	Get(ctx context.Context, jobID string) (job.Details, error)
	List(ctx context.Context, f store.Filter) ([]job.Details, error)
	Cancel(ctx context.Context, jobID string) (job.Details, error)
	Reschedule(ctx context.Context, jobID string, p job.Patch) (job.Details, error)
	Stats() schedule.Stats
}

// History serves the lifecycle event log.
type History interface {
	ListByJob(ctx context.Context, jobID string, limit int) ([]events.Lifecycle, error)
}

// Subscriber is the topic side of the event bus.
type Subscriber interface {
	Subscribe(topic string, buffer int) (<-chan events.Message, func())
}

// ServerState tracks the lifecycle of the listener.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the /events endpoints.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithBus enables the WebSocket streams. lifecycleTopic is the topic the
// emitter publishes lifecycle events on.
func WithBus(bus Subscriber, lifecycleTopic string) Option {
	return func(s *Server) {
		s.bus = bus
		s.lifecycleTopic = lifecycleTopic
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the management API.
type Server struct {
	sched          Scheduler
	history        History
	bus            Subscriber
	lifecycleTopic string
	cfg            am.ServerConfig
	log            *zap.SugaredLogger

	httpServer *http.Server
	state      atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server. Nothing listens until ListenAndServe or Serve.
func New(sched Scheduler, cfg am.ServerConfig, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sched:  sched,
		cfg:    cfg,
		log:    logger.ComponentLogger("server"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// State returns the current server state.
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(st ServerState) {
	s.state.Store(int32(st))
	s.log.Infow("Server state changed", "new_state", st.String())
}

// Handler returns the routed API. It is usable without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v2/jobs", s.handleSubmit)
	mux.HandleFunc("GET /v2/jobs", s.handleList)
	for _, prefix := range []string{"/jobs", "/v2/jobs"} {
		mux.HandleFunc("GET "+prefix+"/{id}", s.handleGet)
		mux.HandleFunc("DELETE "+prefix+"/{id}", s.handleCancel)
		mux.HandleFunc("PATCH "+prefix+"/{id}", s.handleReschedule)
		mux.HandleFunc("GET "+prefix+"/{id}/events", s.handleEvents)
	}

	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /health/live", s.handleLive)

	mux.HandleFunc("GET /v2/topics/{topic}/ws", s.handleTopicStream)
	mux.HandleFunc("GET /v2/events/ws", s.handleEventStream)

	return s.logRequests(s.rejectWhileDraining(mux))
}

// rejectWhileDraining answers 503 once shutdown has begun. Health probes
// still pass through so orchestrators see the state change.
func (s *Server) rejectWhileDraining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.State() != ServerStateRunning && !strings.HasPrefix(r.URL.Path, "/health/") {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("Request handled",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	port := s.cfg.Port
	if port == 0 {
		port = am.DefaultServerPort
	}
	return net.JoinHostPort(s.cfg.Address, fmt.Sprint(port))
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.Addr())
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(l net.Listener) error {
	s.log.Infow("Management API listening", logger.FieldAddress, l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "management API stopped")
	}
	return nil
}

// Shutdown drains in-flight requests, closes WebSocket streams and stops
// the listener. It is bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.State() == ServerStateStopped {
		return nil
	}
	s.log.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	// Streams are hijacked connections; http.Server.Shutdown does not wait
	// for them, so they are ended through the server context.
	s.cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warnw("Stream shutdown timed out")
	}

	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "failed to shut down management API")
	}
	return nil
}
