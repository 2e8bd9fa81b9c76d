package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/groblegark/oddjobs/internal/adapter"
	"github.com/groblegark/oddjobs/internal/adapter/process"
	"github.com/groblegark/oddjobs/internal/archive"
	"github.com/groblegark/oddjobs/internal/clock"
	"github.com/groblegark/oddjobs/internal/dispatch"
	"github.com/groblegark/oddjobs/internal/engine"
	"github.com/groblegark/oddjobs/internal/monitor"
	"github.com/groblegark/oddjobs/internal/queue"
	"github.com/groblegark/oddjobs/internal/rpc"
	"github.com/groblegark/oddjobs/internal/runbook"
	"github.com/groblegark/oddjobs/internal/statestore"
	"github.com/groblegark/oddjobs/internal/wal"
	"github.com/groblegark/oddjobs/internal/workspace"
)

// Daemon is the fully-wired process: every subsystem built in New,
// started in Start, drained in Shutdown. It implements rpc.Backend
// itself (see backend.go) rather than via a separate adapter type,
// since every Backend method is a one-line delegation to a field
// Daemon already owns.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	wal       *wal.WAL
	snapshots *wal.Snapshotter
	store     *statestore.Store
	runbook   *runbook.Runbook
	workspace *workspace.Manager

	sessions adapter.SessionAdapter
	agents   adapter.AgentAdapter
	notify   adapter.NotifyAdapter

	monitor *monitor.Monitor
	prober  *monitor.LivenessProber
	engine  *engine.Engine

	persistedQueues map[string]*queue.Persisted
	externalQueues  map[string]*queue.External
	workers         map[string]*dispatch.Worker
	workerCancels   map[string]context.CancelFunc

	archiveStore *archive.Store
	pruner       *archive.Pruner

	// commandJobs maps a runbook Command name onto the job name RunJob
	// actually starts: cmd.Job verbatim, or a synthetic single-shell-step
	// job name for a Command defined inline with `run:` instead of `job:`.
	commandJobs map[string]string

	rpcServer *rpc.Server
	metrics   *metricsServer
	tracer    *sdktrace.TracerProvider

	mu       sync.Mutex
	workerWG sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
}

// New builds every subsystem and recovers StateStore from the latest
// snapshot plus WAL replay, but does not yet start any goroutine or
// accept RPC — that's Start's job, matching the pack's New/Start split.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	logger := newLogger(cfg)

	rb, err := runbook.Load(cfg.RunbookPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load runbook: %w", err)
	}

	w, err := wal.Open(wal.Options{Dir: cfg.walDir()})
	if err != nil {
		return nil, fmt.Errorf("daemon: open wal: %w", err)
	}

	snapshots := wal.NewSnapshotter(cfg.snapshotDir())
	store, err := recoverStore(cfg.walDir(), snapshots, logger)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("daemon: recover state: %w", err)
	}

	ws, err := workspace.New(cfg.workspacesDir(), cfg.RepoDir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("daemon: workspace manager: %w", err)
	}
	if err := ws.Sweep(store); err != nil {
		logger.Warn("workspace sweep failed", "error", err)
	}

	sessions := process.NewSessionAdapter(cfg.workspacesDir())
	agents := process.NewAgentAdapter(sessions, cfg.AgentCommand, cfg.AgentArgs, cfg.workspacesDir())
	notify := process.NewNotifyAdapter(logger)

	clk := clock.New()
	mon := monitor.New(clk)
	prober, err := monitor.NewLivenessProber(agents, clk)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("daemon: liveness prober: %w", err)
	}

	eng := engine.New(rb, w, store, sessions, agents, notify, mon, ws, clk, logger)

	archiveStore, err := archive.Open(archive.Config{Path: cfg.archivePath()})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("daemon: open archive: %w", err)
	}
	pruner := archive.NewPruner(archiveStore, store, cfg.RetainInMemory, logger)
	pruner.OnArchived = func(jobID string) { archivedJobsTotal.Inc() }

	d := &Daemon{
		cfg: cfg, logger: logger,
		wal: w, snapshots: snapshots, store: store, runbook: rb, workspace: ws,
		sessions: sessions, agents: agents, notify: notify,
		monitor: mon, prober: prober, engine: eng,
		persistedQueues: make(map[string]*queue.Persisted),
		externalQueues:  make(map[string]*queue.External),
		workers:         make(map[string]*dispatch.Worker),
		workerCancels:   make(map[string]context.CancelFunc),
		archiveStore:    archiveStore, pruner: pruner,
	}

	if err := d.buildQueuesAndWorkers(); err != nil {
		w.Close()
		archiveStore.Close()
		return nil, err
	}
	d.registerInlineCommands()

	tracer, err := newTracerProvider(ctx, cfg)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		d.tracer = tracer
	}

	rpcConfig := &rpc.ServerConfig{
		PortRange: cfg.RPCPortRange, AuthToken: cfg.AuthToken, Logger: logger,
	}
	d.rpcServer = rpc.NewServer(d, rpcConfig)

	return d, nil
}

// recoverStore loads the latest snapshot (if any) and replays every WAL
// record committed after it, matching spec.md invariant 4: a daemon
// crash, restarted, reaches the exact state its last committed WAL
// record implied.
func recoverStore(walDir string, snapshots *wal.Snapshotter, logger *slog.Logger) (*statestore.Store, error) {
	store := statestore.New()

	path, seq, ok, err := snapshots.Latest()
	if err != nil {
		return nil, fmt.Errorf("wal: find latest snapshot: %w", err)
	}
	if ok {
		var img statestore.Image
		if err := snapshots.Load(path, &img); err != nil {
			return nil, fmt.Errorf("wal: load snapshot %s: %w", path, err)
		}
		store.LoadImage(img)
		logger.Info("loaded snapshot", "path", path, "seq", seq)
	}

	recs, truncated, err := wal.ReplayFrom(walDir, seq)
	if err != nil {
		return nil, fmt.Errorf("wal: replay: %w", err)
	}
	for _, rec := range recs {
		if err := store.Apply(rec); err != nil {
			return nil, fmt.Errorf("wal: apply seq %d: %w", rec.Seq, err)
		}
	}
	if truncated {
		logger.Warn("wal: truncated corrupt tail detected during replay", "after_seq", seq)
	}
	logger.Info("replayed wal records", "count", len(recs))
	return store, nil
}

// buildQueuesAndWorkers instantiates every runbook.Queue as a
// queue.Persisted or queue.External, and every runbook.Worker as a
// dispatch.Worker bound to its source queue via the dispatch.Source
// adapters, but does not start any of their Run loops yet.
func (d *Daemon) buildQueuesAndWorkers() error {
	for name, q := range d.runbook.Queues {
		switch q.Kind {
		case runbook.QueueExternal:
			ext, err := queue.NewExternal(name, q.List, q.Take, q.Poll, clock.New())
			if err != nil {
				return fmt.Errorf("daemon: external queue %q: %w", name, err)
			}
			d.externalQueues[name] = ext
		default:
			d.persistedQueues[name] = queue.NewPersisted(d.wal, d.store, name)
		}
	}

	for name, w := range d.runbook.Workers {
		var src dispatch.Source
		if pq, ok := d.persistedQueues[w.Source]; ok {
			src = dispatch.PersistedSource{Queue: pq}
		} else if ext, ok := d.externalQueues[w.Source]; ok {
			src = dispatch.ExternalSource{Queue: ext}
		} else {
			return fmt.Errorf("daemon: worker %q: unknown source queue %q", name, w.Source)
		}
		d.workers[name] = dispatch.NewWorker(name, w.Handler, int64(w.EffectiveConcurrency()), src, d.engine)
	}
	return nil
}

// registerInlineCommands resolves every runbook Command onto the job
// name RunJob will actually start. A Command with `job:` set maps
// directly; one with `run:` instead gets a synthetic one-step job
// registered into the runbook so it can be driven through the exact
// same Engine.Start path as any declared job, rather than needing a
// separate inline-shell code path in RunJob.
func (d *Daemon) registerInlineCommands() {
	d.commandJobs = make(map[string]string, len(d.runbook.Commands))
	for name, cmd := range d.runbook.Commands {
		if cmd.Job != "" {
			d.commandJobs[name] = cmd.Job
			continue
		}
		jobName := "__command_" + name
		d.runbook.Jobs[jobName] = runbook.Job{
			Name:  jobName,
			Steps: []runbook.Step{{Name: "run", Body: runbook.StepRunTarget{Shell: cmd.Run}}},
		}
		d.commandJobs[name] = jobName
	}
}

// Start begins serving: the Engine's decision loop, the Monitor's
// liveness poller, every configured Worker's Dispatcher, the archive
// Pruner, and finally the RPC server. It returns once RPC is accepting
// connections; everything else keeps running on its own goroutine until
// Shutdown.
func (d *Daemon) Start(ctx context.Context) (port int, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	d.runCtx = runCtx
	d.cancel = cancel

	go d.engine.RunDecisions(runCtx)
	go d.monitor.RunLiveness(runCtx, d.prober)
	go d.pruner.Run(runCtx)
	go d.snapshotLoop(runCtx, 5*time.Minute)

	for name, worker := range d.workers {
		d.startWorker(runCtx, name, worker)
	}

	if d.cfg.MetricsAddr != "" {
		ms, err := startMetricsServer(d.cfg.MetricsAddr)
		if err != nil {
			d.logger.Warn("metrics server failed to start", "error", err)
		} else {
			d.metrics = ms
			d.logger.Info("metrics listening", "addr", ms.addr)
		}
	}

	port, err = d.rpcServer.Start(runCtx)
	if err != nil {
		cancel()
		return 0, fmt.Errorf("daemon: start rpc: %w", err)
	}
	if err := os.WriteFile(d.cfg.rpcPortFile(), []byte(fmt.Sprintf("%d", port)), 0o644); err != nil {
		d.logger.Warn("failed to write rpc port file", "error", err)
	}
	d.logger.Info("daemon started", "rpc_port", port)
	return port, nil
}

func (d *Daemon) startWorker(ctx context.Context, name string, w *dispatch.Worker) {
	workerCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.workerCancels[name] = cancel
	d.mu.Unlock()

	d.workerWG.Add(1)
	go func() {
		defer d.workerWG.Done()
		if err := w.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			d.logger.Error("worker exited", "worker", name, "error", err)
		}
	}()
}

// Shutdown stops accepting RPC, cancels every background loop, waits
// for in-flight workers to drain, writes a final snapshot so the next
// boot's replay window stays short, and closes the WAL and archive.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("daemon shutting down")

	if d.rpcServer != nil {
		_ = d.rpcServer.Shutdown(ctx)
	}
	if d.metrics != nil {
		_ = d.metrics.Shutdown(ctx)
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.workerWG.Wait()

	if err := d.workspace.Sweep(d.store); err != nil {
		d.logger.Warn("final workspace sweep failed", "error", err)
	}

	if d.tracer != nil {
		_ = d.tracer.Shutdown(ctx)
	}

	if seq := d.wal.LastSeq(); seq > 0 {
		if _, err := d.snapshots.Write(seq, d.store.Snapshot()); err != nil {
			d.logger.Warn("final snapshot failed", "error", err)
		} else if err := d.snapshots.Prune(3); err != nil {
			d.logger.Warn("snapshot prune failed", "error", err)
		}
	}

	if err := d.wal.Close(); err != nil {
		d.logger.Warn("wal close failed", "error", err)
	}
	if err := d.archiveStore.Close(); err != nil {
		d.logger.Warn("archive close failed", "error", err)
	}
	return nil
}

// snapshotLoop periodically writes a fresh StateStore snapshot so that a
// restart's WAL replay window stays bounded rather than growing forever
// (spec.md §4.1's "the snapshot is the recovery base WAL records replay
// forward from").
func (d *Daemon) snapshotLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := d.wal.LastSeq()
			if seq == 0 {
				continue
			}
			if _, err := d.snapshots.Write(seq, d.store.Snapshot()); err != nil {
				d.logger.Warn("periodic snapshot failed", "error", err)
				continue
			}
			if err := d.snapshots.Prune(3); err != nil {
				d.logger.Warn("snapshot prune failed", "error", err)
			}
		}
	}
}
