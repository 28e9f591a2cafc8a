package reliability

import (
	"testing"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinQuarantineDwell = 10 * time.Millisecond
	cfg.RecoveryTicks = 2
	return cfg
}

func makeWorker(id types.WorkerID) *worker.State {
	return worker.New(types.WorkerConfig{ID: id, TotalSlots: 4}, nil)
}

func TestHealthyWorkerNoDebt(t *testing.T) {
	agg := New(testConfig())
	w := makeWorker("w1")

	assessment := agg.Evaluate(w, "w1")

	assert.Equal(t, types.ReliabilityHealthy, assessment.HealthState)
	assert.Equal(t, 0.0, assessment.Penalty)
	assert.False(t, assessment.HardExclude)
	assert.Less(t, assessment.AggregatedDebt, 0.001)
}

func TestCircuitDebtCausesDegradation(t *testing.T) {
	agg := New(testConfig())
	w := makeWorker("w1")

	for i := 0; i < 5; i++ {
		w.RecordFailure("test_error")
	}
	w.RecordSuccess(10 * time.Millisecond)

	assessment := agg.Evaluate(w, "w1")

	assert.Greater(t, assessment.AggregatedDebt, 0.05)
	assert.Greater(t, assessment.Penalty, 0.0)
	assert.Equal(t, types.ReliabilityDegraded, assessment.HealthState)
}

type fakeConvergence struct {
	drift types.DriftState
	state types.ConvergenceWorkerState
	ok    bool
}

func (f *fakeConvergence) DriftState(types.WorkerID) types.DriftState { return f.drift }
func (f *fakeConvergence) WorkerState(types.WorkerID) (types.ConvergenceWorkerState, bool) {
	return f.state, f.ok
}

func TestConvergenceDebtIntegration(t *testing.T) {
	agg := New(testConfig())
	conv := &fakeConvergence{
		drift: types.DriftDrifting,
		state: types.ConvergenceWorkerState{
			RequiredRepos: map[string]struct{}{"repo_a": {}, "repo_b": {}},
			SyncedRepos:   map[string]struct{}{"repo_a": {}},
		},
		ok: true,
	}
	agg.SetConvergence(conv)

	w := makeWorker("w1")
	assessment := agg.Evaluate(w, "w1")

	assert.Greater(t, assessment.Signals.Convergence, 0.0)
	assert.Greater(t, assessment.AggregatedDebt, 0.0)
}

type fakeProcess struct {
	counters RemediationCounters
	ok       bool
}

func (f *fakeProcess) WorkerRemediationState(types.WorkerID) (RemediationCounters, bool) {
	return f.counters, f.ok
}

func TestProcessDebtFromRemediationNoHistory(t *testing.T) {
	agg := New(testConfig())
	agg.SetProcess(&fakeProcess{ok: false})

	w := makeWorker("w1")
	assessment := agg.Evaluate(w, "w1")

	assert.Less(t, assessment.Signals.Process, 0.001)
}

func TestQuarantineOnHighCircuitDebt(t *testing.T) {
	cfg := testConfig()
	cfg.QuarantineThreshold = 0.3
	agg := New(cfg)
	w := makeWorker("w1")

	for i := 0; i < 10; i++ {
		w.RecordFailure("test")
	}

	assessment := agg.Evaluate(w, "w1")
	assert.Equal(t, types.ReliabilityQuarantined, assessment.HealthState)
	assert.True(t, assessment.HardExclude)
	assert.Equal(t, 1.0, assessment.Penalty)
}

func TestQuarantineRecoveryHysteresis(t *testing.T) {
	cfg := testConfig()
	cfg.QuarantineThreshold = 0.15
	cfg.RecoveryThreshold = 0.05
	cfg.RecoveryTicks = 2
	cfg.DegradedPenaltyFloor = 0.05
	agg := New(cfg)
	w := makeWorker("w1")

	for i := 0; i < 10; i++ {
		w.RecordFailure("test")
	}
	assessment := agg.Evaluate(w, "w1")
	require.Equal(t, types.ReliabilityQuarantined, assessment.HealthState)

	for i := 0; i < 500; i++ {
		w.RecordSuccess(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	a1 := agg.Evaluate(w, "w1")
	assert.Equal(t, types.ReliabilityQuarantined, a1.HealthState)

	a2 := agg.Evaluate(w, "w1")
	assert.Equal(t, types.ReliabilityProbingRecovery, a2.HealthState)
	assert.False(t, a2.HardExclude)

	a3 := agg.Evaluate(w, "w1")
	assert.Equal(t, types.ReliabilityHealthy, a3.HealthState)
	assert.Equal(t, 0.0, a3.Penalty)
}

func TestQuarantineMinDwellEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.QuarantineThreshold = 0.15
	cfg.RecoveryThreshold = 0.05
	cfg.RecoveryTicks = 1
	cfg.MinQuarantineDwell = 60 * time.Second
	agg := New(cfg)
	w := makeWorker("w1")

	for i := 0; i < 10; i++ {
		w.RecordFailure("test")
	}
	agg.Evaluate(w, "w1")

	for i := 0; i < 500; i++ {
		w.RecordSuccess(10 * time.Millisecond)
	}

	assessment := agg.Evaluate(w, "w1")
	assert.Equal(t, types.ReliabilityQuarantined, assessment.HealthState)
}

func TestNoServicesAllHealthy(t *testing.T) {
	agg := New(testConfig())
	w := makeWorker("w1")

	assessment := agg.Evaluate(w, "w1")
	assert.Equal(t, types.ReliabilityHealthy, assessment.HealthState)
	assert.Equal(t, 0.0, assessment.AggregatedDebt)
	assert.Equal(t, 0.0, assessment.Penalty)
}

func TestDegradedPenaltyClampedTo08(t *testing.T) {
	cfg := testConfig()
	cfg.QuarantineThreshold = 1.1 // unreachable, stays Degraded
	agg := New(cfg)
	w := makeWorker("w1")

	for i := 0; i < 10; i++ {
		w.RecordFailure("test")
	}

	assessment := agg.Evaluate(w, "w1")
	assert.Equal(t, types.ReliabilityDegraded, assessment.HealthState)
	assert.LessOrEqual(t, assessment.Penalty, 0.8)
}

func TestGetAssessmentReturnsCachedValue(t *testing.T) {
	agg := New(testConfig())
	w := makeWorker("w1")

	_, ok := agg.GetAssessment("w1")
	assert.False(t, ok)

	agg.Evaluate(w, "w1")
	cached, ok := agg.GetAssessment("w1")
	assert.True(t, ok)
	assert.Equal(t, types.ReliabilityHealthy, cached.HealthState)
}

func TestResetClearsTracker(t *testing.T) {
	agg := New(testConfig())
	w := makeWorker("w1")
	agg.Evaluate(w, "w1")

	agg.Reset("w1")
	_, ok := agg.GetAssessment("w1")
	assert.False(t, ok)
}
