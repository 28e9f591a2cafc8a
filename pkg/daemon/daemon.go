// Package daemon assembles the coordinator core: the worker pool, the
// scheduler, the reliability aggregator and its signal sources, the
// background loops (pressure, triage, cache cleanup, health probing), and
// the control socket surface the CLI talks to. Each loop is an independent
// task with its own tick interval; the daemon only wires them together and
// owns their lifetimes.
package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/cachecleanup"
	"github.com/Dicklesworthstone/rchd/pkg/cancellation"
	"github.com/Dicklesworthstone/rchd/pkg/config"
	"github.com/Dicklesworthstone/rchd/pkg/controlsocket"
	"github.com/Dicklesworthstone/rchd/pkg/convergence"
	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/health"
	"github.com/Dicklesworthstone/rchd/pkg/history"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/pressure"
	"github.com/Dicklesworthstone/rchd/pkg/reliability"
	"github.com/Dicklesworthstone/rchd/pkg/scheduler"
	"github.com/Dicklesworthstone/rchd/pkg/triage"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
	"github.com/rs/zerolog"
)

// Daemon is the long-lived coordinator process.
type Daemon struct {
	cfg     config.Config
	version string
	logger  zerolog.Logger

	bus         *events.Broker
	pool        *worker.Pool
	history     *history.History
	reliability *reliability.Aggregator
	selector    *scheduler.Selector
	cancel      *cancellation.Orchestrator
	convergence *convergence.Tracker

	pressureMon *pressure.Monitor
	triageLoop  *triage.Loop
	triageCmd   *triage.Command
	cleanup     *cachecleanup.Scheduler
	healthMon   *worker.HealthMonitor
	socket      *controlsocket.Server
	metricsSrv  *http.Server

	startedAt time.Time
	stopCh    chan struct{}
}

// New wires a daemon from configuration. Nothing starts running until
// Start is called.
func New(cfg config.Config, version string) *Daemon {
	bus := events.NewBroker()
	pool := worker.NewPool(bus)
	hist := history.New(cfg.HistoryRingSize)
	agg := reliability.New(reliability.DefaultConfig())
	conv := convergence.NewTracker(bus)
	cancelOrch := cancellation.New(cancellation.DefaultConfig(), pool, hist, bus)

	agg.SetConvergence(conv)
	agg.SetCancellation(cancelOrch)

	pressureCfg := pressure.DefaultPolicyConfig()
	pressureCfg.PollInterval = cfg.PressureInterval.Std()

	triageCfg := triage.DefaultConfig()
	triageCfg.SweepInterval = cfg.TriageInterval.Std()
	triageCfg.SweepBudget = cfg.TriageSweepBudget.Std()
	pipeline := triage.New(triageCfg, pool, bus, nil)
	agg.SetProcess(pipeline)
	loop := triage.NewLoop(pipeline, pool, bus, nil, triageCfg)

	cleanupCfg := cachecleanup.DefaultConfig()
	cleanupCfg.Interval = cfg.CleanupInterval.Std()
	cleanupCfg.IdleThreshold = cfg.CleanupIdleThreshold.Std()
	cleanupCfg.MinFreeGB = cfg.CleanupMinFreeGB
	cleanupCfg.MaxCacheAgeHours = cfg.CleanupMaxAgeHours

	healthCfg := health.DefaultConfig()
	healthCfg.Interval = cfg.HealthProbeInterval.Std()

	d := &Daemon{
		cfg:         cfg,
		version:     version,
		logger:      log.WithComponent("daemon"),
		bus:         bus,
		pool:        pool,
		history:     hist,
		reliability: agg,
		selector:    scheduler.New(pool, agg),
		cancel:      cancelOrch,
		convergence: conv,
		pressureMon: pressure.NewMonitor(pool, nil, pressureCfg),
		triageLoop:  loop,
		triageCmd:   triage.NewCommand(loop),
		cleanup:     cachecleanup.New(cleanupCfg, pool, bus, nil),
		healthMon:   worker.NewHealthMonitor(pool, healthCfg),
		stopCh:      make(chan struct{}),
	}
	d.socket = controlsocket.NewServer(cfg.SocketPath, d)
	return d
}

// Start registers the configured workers and launches every background
// loop and the control surfaces.
func (d *Daemon) Start() error {
	d.startedAt = time.Now()
	d.bus.Start()
	metrics.SetVersion(d.version)
	metrics.RegisterComponent("event_bus", true, "")

	for _, wc := range d.cfg.WorkerConfigs() {
		d.pool.AddWorker(wc)
		metrics.WorkerSlotsTotal.WithLabelValues(string(wc.ID)).Set(float64(wc.TotalSlots))
		d.logger.Info().
			Str("worker_id", string(wc.ID)).
			Str("host", wc.Host).
			Int("total_slots", wc.TotalSlots).
			Msg("worker registered")
	}

	if n := len(d.pool.AllWorkers()); n > 0 {
		metrics.RegisterComponent("worker_pool", true, "")
	} else {
		metrics.RegisterComponent("worker_pool", false, "no workers registered")
	}

	go d.pressureMon.Run(d.stopCh)
	go d.triageLoop.Run(d.stopCh)
	d.cleanup.Start()
	d.healthMon.Start()

	if err := d.socket.Start(); err != nil {
		metrics.RegisterComponent("control_socket", false, err.Error())
		return err
	}
	metrics.RegisterComponent("control_socket", true, "")

	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		mux.Handle("/livez", metrics.LivenessHandler())
		d.metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	d.logger.Info().Str("version", d.version).Msg("daemon started")
	return nil
}

// Stop shuts every loop down and closes the control surfaces.
func (d *Daemon) Stop() {
	close(d.stopCh)
	d.cleanup.Stop()
	d.healthMon.Stop()
	d.socket.Stop()
	metrics.UpdateComponent("control_socket", false, "shutting down")
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.metricsSrv.Shutdown(ctx)
	}
	d.bus.Stop()
	d.logger.Info().Msg("daemon stopped")
}

// Bus exposes the event bus for subscribers (tests, log sinks).
func (d *Daemon) Bus() *events.Broker { return d.bus }

// Pool exposes the worker pool for read-only inspection.
func (d *Daemon) Pool() *worker.Pool { return d.pool }

// Convergence exposes the drift tracker for the repo-convergence surface.
func (d *Daemon) Convergence() *convergence.Tracker { return d.convergence }
