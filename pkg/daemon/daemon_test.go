package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/config"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := config.Default()
	cfg.Workers = []config.WorkerEntry{{ID: "w1", Host: "127.0.0.1", TotalSlots: 4}}
	cfg.TriageSweepBudget = config.Duration(2 * time.Second)
	return New(cfg, "test")
}

func TestListWorkersReflectsPoolState(t *testing.T) {
	d := testDaemon(t)
	st := d.Pool().AddWorker(types.WorkerConfig{ID: "w1", Host: "127.0.0.1", TotalSlots: 4})
	require.True(t, st.ReserveSlots(1))
	st.SetPressureAssessment(&types.PressureAssessment{State: types.PressureWarning})

	resp := d.ListWorkers(context.Background())
	require.Len(t, resp.Workers, 1)
	w := resp.Workers[0]
	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, 1, w.UsedSlots)
	assert.Equal(t, string(types.PressureWarning), w.PressureState)
	assert.Equal(t, "closed", w.CircuitState)
}

func TestDoctorFlagsCriticalPressure(t *testing.T) {
	d := testDaemon(t)
	st := d.Pool().AddWorker(types.WorkerConfig{ID: "w1", Host: "127.0.0.1", TotalSlots: 4})
	st.SetPressureAssessment(&types.PressureAssessment{
		State:      types.PressureCritical,
		ReasonCode: "disk_free_below_critical",
	})

	resp := d.Doctor(context.Background())
	assert.False(t, resp.Healthy)

	found := false
	for _, f := range resp.Findings {
		if f.Severity == "critical" && f.WorkerID == "w1" {
			found = true
			assert.Equal(t, "RCH-E210", f.Code)
		}
	}
	assert.True(t, found)
}

func TestDoctorHealthyWorkerReportsOK(t *testing.T) {
	d := testDaemon(t)
	d.Pool().AddWorker(types.WorkerConfig{ID: "w1", Host: "127.0.0.1", TotalSlots: 4})

	resp := d.Doctor(context.Background())
	assert.True(t, resp.Healthy)
	require.Len(t, resp.Findings, 1)
	assert.Equal(t, "ok", resp.Findings[0].Severity)
}

func TestCancelUnknownBuildReturnsError(t *testing.T) {
	d := testDaemon(t)

	resp := d.CancelBuild(context.Background(), "missing", "", false)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "missing", resp.BuildID)
}

func TestStatusCountsWorkersAndBuilds(t *testing.T) {
	d := testDaemon(t)
	d.Pool().AddWorker(types.WorkerConfig{ID: "w1", Host: "127.0.0.1", TotalSlots: 4})
	d.history.StartBuild(types.BuildRecord{ID: "b1", ProjectID: "p1", WorkerID: "w1", StartedAt: time.Now()})

	resp := d.Status(context.Background())
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 1, resp.WorkerCount)
	require.Len(t, resp.ActiveBuilds, 1)
	assert.Equal(t, "b1", resp.ActiveBuilds[0].ID)
}

func TestTriageSweepCoversIdleWorkers(t *testing.T) {
	d := testDaemon(t)
	d.Pool().AddWorker(types.WorkerConfig{ID: "w1", Host: "127.0.0.1", TotalSlots: 4})

	resp := d.TriageSweep(context.Background(), nil)
	assert.Equal(t, 1, resp.WorkersSwept)
	assert.Contains(t, resp.Statuses, "w1")
}
