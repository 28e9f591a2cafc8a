package cachecleanup

import (
	"context"
	"testing"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCleanupCommandEmbedsPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinFreeGB = 10
	cfg.MaxCacheAgeHours = 24
	cfg.CacheRoot = "/srv/cache"

	script := BuildCleanupCommand(cfg)

	assert.Contains(t, script, "CACHE_ROOT=/srv/cache")
	assert.Contains(t, script, "THRESHOLD_KB=10485760")
	assert.Contains(t, script, "MAX_AGE_HOURS=24")
	assert.Contains(t, script, "GRACE_MINUTES=5")
	assert.Contains(t, script, "RCH_CLEANUP_METRICS")
}

func TestCleanupThresholdKB(t *testing.T) {
	assert.Equal(t, uint64(20971520), CleanupThresholdKB(20))
	assert.Equal(t, uint64(524288), CleanupThresholdKB(0.5))
}

func TestParseMetricsLine(t *testing.T) {
	out := "some noise\nRCH_CLEANUP_METRICS removed=3 freed_kb=204800 before_kb=100000 after_kb=304800 low_disk=1\ntrailing"

	m, err := ParseMetricsLine(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Removed)
	assert.Equal(t, uint64(204800), m.FreedKB)
	assert.Equal(t, uint64(100000), m.BeforeKB)
	assert.Equal(t, uint64(304800), m.AfterKB)
	assert.True(t, m.LowDisk)
}

func TestParseMetricsLineMissing(t *testing.T) {
	_, err := ParseMetricsLine("no metrics here")
	require.Error(t, err)
}

func TestParseMetricsLineMalformedValue(t *testing.T) {
	_, err := ParseMetricsLine("RCH_CLEANUP_METRICS removed=abc freed_kb=0 before_kb=0 after_kb=0 low_disk=0")
	require.Error(t, err)
}

func newIdleWorker(t *testing.T, pool *worker.Pool, id types.WorkerID) *worker.State {
	t.Helper()
	st := pool.AddWorker(types.WorkerConfig{ID: id, TotalSlots: 4})
	// Pass through a reserve/release cycle so idleSince is recorded.
	require.True(t, st.ReserveSlots(1))
	require.NoError(t, st.ReleaseSlots(1))
	return st
}

func TestEligibilityGates(t *testing.T) {
	pool := worker.NewPool(nil)
	cfg := DefaultConfig()
	cfg.IdleThreshold = 0
	sched := New(cfg, pool, nil, nil)

	t.Run("idle healthy worker is eligible", func(t *testing.T) {
		st := newIdleWorker(t, pool, "ok")
		assert.True(t, sched.Eligible(st))
	})

	t.Run("busy worker is not eligible", func(t *testing.T) {
		st := newIdleWorker(t, pool, "busy")
		require.True(t, st.ReserveSlots(1))
		assert.False(t, sched.Eligible(st))
	})

	t.Run("never-used worker has no idle observation", func(t *testing.T) {
		st := pool.AddWorker(types.WorkerConfig{ID: "fresh", TotalSlots: 4})
		assert.False(t, sched.Eligible(st))
	})

	t.Run("unhealthy worker is not eligible", func(t *testing.T) {
		st := newIdleWorker(t, pool, "sick")
		st.SetStatus(types.WorkerDegraded)
		assert.False(t, sched.Eligible(st))
	})

	t.Run("open circuit is not eligible", func(t *testing.T) {
		st := newIdleWorker(t, pool, "tripped")
		for i := 0; i < 10; i++ {
			st.RecordFailure("build_failed")
		}
		assert.False(t, sched.Eligible(st))
	})
}

func TestIdleThresholdGate(t *testing.T) {
	pool := worker.NewPool(nil)
	cfg := DefaultConfig()
	cfg.IdleThreshold = time.Hour
	sched := New(cfg, pool, nil, nil)

	st := newIdleWorker(t, pool, "recent")
	assert.False(t, sched.Eligible(st), "worker idle for less than the threshold")
}

type fakeRunner struct {
	calls  []types.WorkerID
	output string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cfg types.WorkerConfig, _ string) (string, error) {
	f.calls = append(f.calls, cfg.ID)
	return f.output, f.err
}

func TestRunOnceCleansOnlyEligible(t *testing.T) {
	pool := worker.NewPool(nil)
	cfg := DefaultConfig()
	cfg.IdleThreshold = 0

	runner := &fakeRunner{output: "RCH_CLEANUP_METRICS removed=1 freed_kb=1024 before_kb=500000 after_kb=501024 low_disk=0"}
	sched := New(cfg, pool, nil, runner)

	newIdleWorker(t, pool, "idle")
	busy := newIdleWorker(t, pool, "busy")
	require.True(t, busy.ReserveSlots(1))

	sched.RunOnce(context.Background())

	require.Len(t, runner.calls, 1)
	assert.Equal(t, types.WorkerID("idle"), runner.calls[0])
}
