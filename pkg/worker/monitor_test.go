package worker

import (
	"context"
	"testing"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/health"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monitorConfig() health.Config {
	return health.Config{
		Interval: 50 * time.Millisecond,
		Timeout:  500 * time.Millisecond,
		Retries:  1,
	}
}

func TestProbeMarksUnreachableWorker(t *testing.T) {
	pool := NewPool(nil)
	// TEST-NET-1 address: connections neither succeed nor reset, they time
	// out, which is the common failure mode for a dead worker host.
	st := pool.AddWorker(types.WorkerConfig{ID: "w1", Host: "192.0.2.1", TotalSlots: 2})

	m := NewHealthMonitor(pool, monitorConfig())
	m.probeWorker(context.Background(), st)

	assert.Equal(t, types.WorkerUnreachable, st.Status())
}

func TestProbeSkipsAdministrativeStates(t *testing.T) {
	pool := NewPool(nil)
	st := pool.AddWorker(types.WorkerConfig{ID: "w1", Host: "192.0.2.1", TotalSlots: 2})
	st.SetStatus(types.WorkerDraining)

	m := NewHealthMonitor(pool, monitorConfig())
	m.probeWorker(context.Background(), st)

	assert.Equal(t, types.WorkerDraining, st.Status())
}

func TestProbeHonorsStartPeriod(t *testing.T) {
	pool := NewPool(nil)
	st := pool.AddWorker(types.WorkerConfig{ID: "w1", Host: "192.0.2.1", TotalSlots: 2})

	cfg := monitorConfig()
	cfg.StartPeriod = time.Hour
	m := NewHealthMonitor(pool, cfg)
	m.probeWorker(context.Background(), st)

	require.Equal(t, types.WorkerHealthy, st.Status(), "no probe may flip status during the start period")
}
