package triage

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

type fakeSignaler struct {
	mu    sync.Mutex
	alive map[int]bool
	fail  map[int]bool
	sent  []signalCall
}

type signalCall struct {
	pid int
	sig syscall.Signal
}

func newFakeSignaler(alivePIDs ...int) *fakeSignaler {
	alive := make(map[int]bool)
	for _, pid := range alivePIDs {
		alive[pid] = true
	}
	return &fakeSignaler{alive: alive, fail: make(map[int]bool)}
}

func (f *fakeSignaler) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, signalCall{pid, sig})
	if f.fail[pid] {
		return assertErr
	}
	return nil
}

var assertErr = &testSignalError{}

type testSignalError struct{}

func (*testSignalError) Error() string { return "simulated signal failure" }

func baseRequest(workerID types.WorkerID, confidence float64, candidate types.TriageCandidate, actions ...types.TriageActionClass) types.ProcessTriageRequest {
	return types.ProcessTriageRequest{
		SchemaVersion:    DefaultConfig().SchemaVersion,
		CorrelationID:    "corr-1",
		WorkerID:         workerID,
		Trigger:          "manual",
		ConfidencePct:    confidence,
		Candidates:       []types.TriageCandidate{candidate},
		RequestedActions: actions,
	}
}

func TestExecute_ObserveOnlyIsAlwaysExecuted(t *testing.T) {
	sig := newFakeSignaler()
	p := New(DefaultConfig(), worker.NewPool(nil), nil, sig)

	req := baseRequest("w1", 99, types.TriageCandidate{PID: 111, Classification: "runaway_compile"}, types.ActionObserveOnly)
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageApplied, resp.Status)
	assert.Equal(t, []string{string(types.ActionObserveOnly)}, resp.ExecutedActions)
}

func TestExecute_SoftTerminateSendsSIGTERM(t *testing.T) {
	sig := newFakeSignaler(222)
	p := New(DefaultConfig(), worker.NewPool(nil), nil, sig)

	req := baseRequest("w1", 99, types.TriageCandidate{PID: 222, Classification: "runaway_compile"}, types.ActionSoftTerminate)
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageApplied, resp.Status)
	require.Len(t, sig.sent, 1)
	assert.Equal(t, syscall.SIGTERM, sig.sent[0].sig)
}

func TestExecute_HardTerminateDenylistedByDefault(t *testing.T) {
	sig := newFakeSignaler(333)
	p := New(DefaultConfig(), worker.NewPool(nil), nil, sig)

	req := baseRequest("w1", 99, types.TriageCandidate{PID: 333, Classification: "runaway_compile"}, types.ActionHardTerminate)
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageEscalatedNoAction, resp.Status)
	assert.Equal(t, "blocked", resp.EscalationLevel)
	assert.Empty(t, sig.sent)
	require.Len(t, resp.Audit, 1)
	assert.Equal(t, DecisionDenylisted, resp.Audit[0].DecisionCode)
}

func TestExecute_LowConfidenceEscalates(t *testing.T) {
	sig := newFakeSignaler(444)
	p := New(DefaultConfig(), worker.NewPool(nil), nil, sig)

	req := baseRequest("w1", 50, types.TriageCandidate{PID: 444, Classification: "runaway_compile"}, types.ActionSoftTerminate)
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageEscalatedNoAction, resp.Status)
	assert.Equal(t, DecisionLowConfidence, resp.Audit[0].DecisionCode)
}

func TestExecute_SystemCriticalClassificationEscalates(t *testing.T) {
	sig := newFakeSignaler(555)
	p := New(DefaultConfig(), worker.NewPool(nil), nil, sig)

	req := baseRequest("w1", 99, types.TriageCandidate{PID: 555, Classification: "system_critical"}, types.ActionSoftTerminate)
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageEscalatedNoAction, resp.Status)
	assert.Equal(t, DecisionSystemCritical, resp.Audit[0].DecisionCode)
}

func TestExecute_SupervisedModeDowngradesToObserveOnly(t *testing.T) {
	sig := newFakeSignaler(1, 2, 3, 4, 5, 6)
	p := New(DefaultConfig(), worker.NewPool(nil), nil, sig)

	actions := make([]types.TriageActionClass, 6)
	candidates := make([]types.TriageCandidate, 6)
	for i := range actions {
		actions[i] = types.ActionSoftTerminate
		candidates[i] = types.TriageCandidate{PID: i + 1, Classification: "runaway_compile"}
	}
	req := types.ProcessTriageRequest{
		SchemaVersion:    DefaultConfig().SchemaVersion,
		CorrelationID:    "corr-supervised",
		WorkerID:         "w1",
		Trigger:          "manual",
		ConfidencePct:    99,
		Candidates:       candidates,
		RequestedActions: actions,
	}
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageApplied, resp.Status)
	assert.Empty(t, sig.sent, "supervised mode must downgrade every action to observe-only, sending no signals")
	for _, executed := range resp.ExecutedActions {
		assert.Equal(t, string(types.ActionObserveOnly), executed)
	}
}

func TestExecute_RejectsSchemaVersionMismatch(t *testing.T) {
	p := New(DefaultConfig(), worker.NewPool(nil), nil, newFakeSignaler())
	req := baseRequest("w1", 99, types.TriageCandidate{PID: 1}, types.ActionObserveOnly)
	req.SchemaVersion = "wrong-version"

	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageRejectedByPolicy, resp.Status)
	require.NotNil(t, resp.Failure)
}

func TestExecute_WorkerCooldownRejectsSecondPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerCooldown = time.Hour
	p := New(cfg, worker.NewPool(nil), nil, newFakeSignaler(1))

	req := baseRequest("w1", 99, types.TriageCandidate{PID: 1}, types.ActionObserveOnly)
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	resp2, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageRejectedByPolicy, resp2.Status)
}

func TestExecute_ConcurrentPipelineLimitRejectsOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConcurrentPipelineLimit = 0
	p := New(cfg, worker.NewPool(nil), nil, newFakeSignaler())

	req := baseRequest("w1", 99, types.TriageCandidate{PID: 1}, types.ActionObserveOnly)
	resp, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TriageRejectedByPolicy, resp.Status)
	assert.Equal(t, DecisionConcurrentLimit, resp.Audit[0].DecisionCode)
}

func TestWorkerRemediationState_TracksHardTerminations(t *testing.T) {
	sig := newFakeSignaler(777)
	cfg := DefaultConfig()
	delete(cfg.DenylistActionClasses, types.ActionHardTerminate)
	p := New(cfg, worker.NewPool(nil), nil, sig)

	req := baseRequest("w1", 99, types.TriageCandidate{PID: 777, Classification: "runaway_compile"}, types.ActionHardTerminate)
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	counters, ok := p.WorkerRemediationState("w1")
	require.True(t, ok)
	assert.Equal(t, 1, counters.TotalActions)
	assert.Equal(t, 1, counters.HardTerminations)
}

func TestLoop_SweepSkipsBusyWorkers(t *testing.T) {
	pool := worker.NewPool(nil)
	busy := pool.AddWorker(types.WorkerConfig{ID: "busy", TotalSlots: 2})
	busy.ReserveSlots(1)
	pool.AddWorker(types.WorkerConfig{ID: "idle", TotalSlots: 2})

	p := New(DefaultConfig(), pool, nil, newFakeSignaler())
	loop := NewLoop(p, pool, nil, nil, DefaultConfig())

	result := loop.Sweep(context.Background(), nil)
	assert.Equal(t, 1, result.WorkersEvaluated)
	assert.Equal(t, 1, result.WorkersSkipped)
}

func TestLoop_SweepEmitsCompletionEvent(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	pool := worker.NewPool(nil)
	pool.AddWorker(types.WorkerConfig{ID: "w1", TotalSlots: 2})

	p := New(DefaultConfig(), pool, bus, newFakeSignaler())
	loop := NewLoop(p, pool, bus, nil, DefaultConfig())
	loop.Sweep(context.Background(), nil)

	select {
	case ev := <-sub:
		assert.Equal(t, events.NameTriageSweepCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected sweep completed event")
	}
}
