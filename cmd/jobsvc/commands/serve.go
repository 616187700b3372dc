package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/jobsvc/am"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/logger"
	"github.com/teranos/jobsvc/pulse/async"
	"github.com/teranos/jobsvc/pulse/dispatch"
	"github.com/teranos/jobsvc/pulse/events"
	"github.com/teranos/jobsvc/pulse/leader"
	"github.com/teranos/jobsvc/pulse/retry"
	"github.com/teranos/jobsvc/pulse/schedule"
	"github.com/teranos/jobsvc/pulse/store"
	"github.com/teranos/jobsvc/server"
	"github.com/teranos/jobsvc/sym"
	"github.com/teranos/jobsvc/version"
)

// ServeCmd runs one replica.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run a jobsvc replica",
	Long: sym.Pulse + ` serve — Run a jobsvc replica

Starts the heartbeat, the scheduler and the management API. Any number of
replicas may share the database; only the leader fires timers and accepts
writes, followers answer 503 until they take over.

The [retry] and [dispatch] config sections reload while running.`,
	RunE: runServe,
}

var servePortFlag int

func init() {
	ServeCmd.Flags().IntVarP(&servePortFlag, "port", "p", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if servePortFlag != 0 {
		cfg.Server.Port = servePortFlag
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	r, err := newReplica(cfg, database, logger.Logger)
	if err != nil {
		return err
	}
	r.start()

	if path := watchedConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			r.log.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		} else {
			watcher.OnReload(r.reload)
			watcher.Start()
			defer watcher.Stop()
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.api.ListenAndServe() }()
	pterm.Info.Printf("%s Replica %s listening on %s\n", sym.Pulse, r.lead.ReplicaID(), r.api.Addr())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		r.stop(cfg.Server.ShutdownTimeout)
		return err
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	}

	done := make(chan struct{})
	go func() {
		r.stop(cfg.Server.ShutdownTimeout)
		close(done)
	}()
	select {
	case <-done:
		pterm.Success.Println("Replica stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}

// watchedConfigPath is the highest-precedence config file that exists.
func watchedConfigPath() string {
	paths := am.ConfigPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i]); err == nil {
			return paths[i]
		}
	}
	return ""
}

// replica is one fully wired process: heartbeat, scheduler, dispatch,
// events and the management API.
type replica struct {
	lead    *leader.Manager
	bus     *events.Bus
	emitter *events.Emitter
	disp    *dispatch.Dispatcher
	pool    *async.Pool
	sched   *schedule.Scheduler
	api     *server.Server
	log     *zap.SugaredLogger
}

func newReplica(cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*replica, error) {
	policy, err := retry.FromConfig(cfg.Retry)
	if err != nil {
		return nil, err
	}

	lead, err := leader.New(leader.NewSQLiteStore(database, cfg.Leader.Cluster), leader.Config{
		ReplicaID:         cfg.Leader.ReplicaID,
		Expiration:        cfg.Leader.HeartbeatExpiration,
		Interval:          cfg.Leader.HeartbeatInterval,
		Version:           version.Version,
		VersionConstraint: cfg.Leader.VersionConstraint,
	}, leader.WithLogger(log))
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	sinks := []events.Sink{events.BusSink{Bus: bus, Topic: cfg.Events.LifecycleTopic}}
	var history *events.LogStore
	if cfg.Events.LogEnabled {
		history = events.NewLogStore(database)
		sinks = append(sinks, history)
	}
	emitter := events.NewEmitter(cfg.Events.BufferSize, log.Named("events"), sinks...)

	disp := dispatch.New(cfg.Dispatch, bus, dispatch.WithLogger(log))
	pool := async.NewPool(cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, log)
	sched := schedule.New(store.NewSQLiteRepository(database), lead, disp, pool,
		schedule.WithPolicy(policy),
		schedule.WithEmitter(emitter),
		schedule.WithLogger(log),
		schedule.WithConfig(schedule.ConfigFrom(cfg.Scheduler)),
	)

	opts := []server.Option{server.WithBus(bus, cfg.Events.LifecycleTopic), server.WithLogger(log.Named("server"))}
	if history != nil {
		opts = append(opts, server.WithHistory(history))
	}
	api := server.New(sched, cfg.Server, opts...)

	return &replica{
		lead:    lead,
		bus:     bus,
		emitter: emitter,
		disp:    disp,
		pool:    pool,
		sched:   sched,
		api:     api,
		log:     log.With(logger.FieldReplicaID, lead.ReplicaID()),
	}, nil
}

// start subscribes the scheduler before the first heartbeat so an
// immediate promotion triggers the warm start.
func (r *replica) start() {
	r.sched.Start()
	r.lead.Start(context.Background())
}

// stop tears down in dependency order: stop accepting requests, stop
// firing, drain dispatches and events, then release the lease.
func (r *replica) stop(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.api.Shutdown(ctx); err != nil {
		r.log.Warnw("Management API shutdown incomplete", logger.FieldError, err)
	}
	r.sched.Stop()
	r.pool.Stop(timeout)
	r.emitter.Stop(timeout)
	r.bus.Close()
	if err := r.lead.Stop(ctx); err != nil {
		r.log.Warnw("Failed to release leadership", logger.FieldError, err)
	}
}

// reload applies the hot-reloadable config sections.
func (r *replica) reload(cfg *am.Config) error {
	if err := cfg.Retry.Validate(); err != nil {
		return errors.Wrap(err, "rejected [retry] reload")
	}
	if err := cfg.Dispatch.Validate(); err != nil {
		return errors.Wrap(err, "rejected [dispatch] reload")
	}
	policy, err := retry.FromConfig(cfg.Retry)
	if err != nil {
		return errors.Wrap(err, "rejected [retry] reload")
	}
	r.sched.SetRetryPolicy(policy)
	r.disp.SetConfig(cfg.Dispatch)
	r.log.Infow("Configuration reloaded", logger.FieldSymbol, sym.AM)
	return nil
}
