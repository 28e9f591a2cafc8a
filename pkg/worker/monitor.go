package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/health"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// sshPort is where workers are probed for reachability.
const sshPort = 22

// HealthMonitor periodically probes every pool worker and maps probe
// outcomes onto worker status: a worker that fails the retry threshold is
// marked Unreachable, a recovering worker returns to Healthy. Draining,
// Drained, and Disabled workers are administrative states the monitor
// never overrides.
type HealthMonitor struct {
	pool     *Pool
	config   health.Config
	statuses map[types.WorkerID]*health.Status
	stopCh   chan struct{}
}

// NewHealthMonitor creates a monitor over pool with the given probe config.
func NewHealthMonitor(pool *Pool, cfg health.Config) *HealthMonitor {
	return &HealthMonitor{
		pool:     pool,
		config:   cfg,
		statuses: make(map[types.WorkerID]*health.Status),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the probe loop.
func (m *HealthMonitor) Start() {
	go m.run()
}

// Stop stops the probe loop.
func (m *HealthMonitor) Stop() {
	close(m.stopCh)
}

func (m *HealthMonitor) run() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *HealthMonitor) probeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Interval)
	defer cancel()

	for _, st := range m.pool.AllWorkers() {
		m.probeWorker(ctx, st)
	}
}

func (m *HealthMonitor) probeWorker(ctx context.Context, st *State) {
	cfg := st.Config()

	switch st.Status() {
	case types.WorkerDraining, types.WorkerDrained, types.WorkerDisabled:
		return
	}

	status, ok := m.statuses[cfg.ID]
	if !ok {
		status = health.NewStatus()
		m.statuses[cfg.ID] = status
	}
	if status.InStartPeriod(m.config) {
		return
	}

	checker := health.NewTCPChecker(fmt.Sprintf("%s:%d", cfg.Host, sshPort)).
		WithTimeout(m.config.Timeout)
	result := checker.Check(ctx)
	status.Update(result, m.config)

	logger := log.WithWorkerID(string(cfg.ID))
	switch {
	case status.Healthy && st.Status() == types.WorkerUnreachable:
		logger.Info().Msg("worker reachable again")
		st.SetStatus(types.WorkerHealthy)
	case !status.Healthy && st.Status() != types.WorkerUnreachable:
		logger.Warn().
			Str("detail", result.Message).
			Msg("worker unreachable")
		st.SetStatus(types.WorkerUnreachable)
	}
}
