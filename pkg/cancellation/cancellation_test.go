package cancellation

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/history"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig shrinks every ladder timeout so tests finish quickly.
func fastConfig() Config {
	return Config{
		GracePeriod:       300 * time.Millisecond,
		KillTimeout:       200 * time.Millisecond,
		RemoteKillTimeout: 500 * time.Millisecond,
		MaxEscalations:    3,
		CleanupTimeout:    10 * time.Second,
	}
}

// startStubborn spawns a shell that ignores SIGTERM, returning its pid.
func startStubborn(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sh", "-c", `trap "" TERM; sleep 60`)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)
	return cmd.Process.Pid
}

func setup(t *testing.T) (*Orchestrator, *history.History, *worker.Pool, events.Subscriber) {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	sub := bus.Subscribe()

	pool := worker.NewPool(nil)
	hist := history.New(16)
	// The worker is deliberately not registered in the pool: the remote
	// kill short-circuits without shelling out, and slot bookkeeping is
	// exercised by the dedicated slot tests below.
	orch := New(fastConfig(), pool, hist, bus)
	return orch, hist, pool, sub
}

func startBuild(hist *history.History, buildID string, pid, slots int) {
	hist.StartBuild(types.BuildRecord{
		ID:        buildID,
		ProjectID: "proj",
		WorkerID:  "w1",
		Command:   []string{"cargo", "build"},
		Location:  types.BuildLocationRemote,
		StartedAt: time.Now(),
		Slots:     slots,
		HookPID:   pid,
	})
}

func collectEvents(sub events.Subscriber, want int, timeout time.Duration) []*events.Event {
	var out []*events.Event
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case ev := <-sub:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestCancelExitedProcessCompletesWithoutEscalation(t *testing.T) {
	orch, hist, _, _ := setup(t)
	startBuild(hist, "b1", 0, 0)

	result := orch.CancelBuild(context.Background(), "b1", types.CancelReasonUser, false)

	assert.Equal(t, "cancelled", result.Status)

	recent := hist.RecentBuilds()
	require.Len(t, recent, 1)
	meta := recent[0].Cancellation
	require.NotNil(t, meta)
	assert.Equal(t, "cancel-b1", meta.OperationID)
	assert.Equal(t, "term", meta.EscalationStage)
	assert.Equal(t, []string{"requested", "term_sent", "completed"}, meta.DecisionPath)
}

func TestCancelEscalationLadderAgainstStubbornProcess(t *testing.T) {
	orch, hist, _, sub := setup(t)
	pid := startStubborn(t)
	startBuild(hist, "b2", pid, 0)

	result := orch.CancelBuild(context.Background(), "b2", types.CancelReasonUser, false)
	assert.Equal(t, "cancelled", result.Status)

	evs := collectEvents(sub, 4, 5*time.Second)
	require.Len(t, evs, 4)
	assert.Equal(t, events.NameCancellationRequested, evs[0].Type)
	assert.Equal(t, events.NameCancellationEscalated, evs[1].Type)
	assert.Equal(t, "remote_kill", evs[1].Payload["stage"])
	assert.Equal(t, events.NameCancellationEscalated, evs[2].Type)
	assert.Equal(t, "sigkill", evs[2].Payload["stage"])
	assert.Equal(t, events.NameCancellationCompleted, evs[3].Type)

	recent := hist.RecentBuilds()
	require.Len(t, recent, 1)
	meta := recent[0].Cancellation
	require.NotNil(t, meta)
	assert.Equal(t, "sigkill", meta.EscalationStage)
	assert.Equal(t,
		[]string{"requested", "term_sent", "remote_kill_sent", "escalated", "completed"},
		meta.DecisionPath)
}

func TestForceCancelShortCircuitsGrace(t *testing.T) {
	orch, hist, _, sub := setup(t)
	pid := startStubborn(t)
	startBuild(hist, "b3", pid, 0)

	start := time.Now()
	result := orch.CancelBuild(context.Background(), "b3", types.CancelReasonUser, true)
	elapsed := time.Since(start)

	assert.Equal(t, "cancelled", result.Status)
	assert.Less(t, elapsed, fastConfig().GracePeriod, "force must not wait out the grace period")

	evs := collectEvents(sub, 2, 2*time.Second)
	require.Len(t, evs, 2)
	assert.Equal(t, events.NameCancellationRequested, evs[0].Type)
	assert.Equal(t, events.NameCancellationCompleted, evs[1].Type)

	recent := hist.RecentBuilds()
	require.Len(t, recent, 1)
	meta := recent[0].Cancellation
	require.NotNil(t, meta)
	assert.Equal(t,
		[]string{"requested", "escalated", "remote_kill_sent", "completed"},
		meta.DecisionPath)
}

func TestCancelUnknownBuildReturnsError(t *testing.T) {
	orch, _, _, _ := setup(t)

	result := orch.CancelBuild(context.Background(), "missing", types.CancelReasonUser, false)
	assert.Equal(t, "error", result.Status)
}

func TestConcurrentDoubleCancelCollapses(t *testing.T) {
	orch, hist, _, _ := setup(t)
	pid := startStubborn(t)
	startBuild(hist, "b4", pid, 0)

	var wg sync.WaitGroup
	var first CancelResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = orch.CancelBuild(context.Background(), "b4", types.CancelReasonUser, false)
	}()

	// The stubborn pid holds the first cancellation in its grace window,
	// so this second call observes it in flight.
	time.Sleep(100 * time.Millisecond)
	second := orch.CancelBuild(context.Background(), "b4", types.CancelReasonUser, false)
	wg.Wait()

	assert.Equal(t, "cancelled", first.Status)
	assert.Equal(t, "cancelling", second.Status)

	// Exactly one terminal record regardless of how the race resolved.
	assert.Len(t, hist.RecentBuilds(), 1)
}

func TestCancelReleasesSlotsExactlyOnce(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	pool := worker.NewPool(nil)
	st := pool.AddWorker(types.WorkerConfig{ID: "w1", Host: "127.0.0.1", TotalSlots: 4})
	require.True(t, st.ReserveSlots(2))

	hist := history.New(16)
	orch := New(fastConfig(), pool, hist, bus)
	startBuild(hist, "b5", 0, 2)

	result := orch.CancelBuild(context.Background(), "b5", types.CancelReasonUser, false)
	assert.Equal(t, "cancelled", result.Status)
	assert.Equal(t, 2, result.SlotsReleased)
	assert.Equal(t, 0, st.UsedSlots())

	// A second cancel finds nothing and must not release again.
	again := orch.CancelBuild(context.Background(), "b5", types.CancelReasonUser, false)
	assert.Equal(t, "error", again.Status)
	assert.Equal(t, 0, st.UsedSlots())
}

func TestCancelAllBuildsCancelsEveryActive(t *testing.T) {
	orch, hist, _, _ := setup(t)
	startBuild(hist, "b6", 0, 0)
	startBuild(hist, "b7", 0, 0)

	results := orch.CancelAllBuilds(context.Background(), false)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "cancelled", r.Status)
	}
	assert.Empty(t, hist.ActiveBuilds())
}

func TestCancellationDebtAccumulatesAndDecays(t *testing.T) {
	orch, hist, _, _ := setup(t)

	assert.Zero(t, orch.CancellationDebt("w1"))

	startBuild(hist, "b8", 0, 0)
	orch.CancelBuild(context.Background(), "b8", types.CancelReasonUser, false)

	debt := orch.CancellationDebt("w1")
	assert.Greater(t, debt, 0.0)
	assert.LessOrEqual(t, debt, 1.0)
}

func TestDecisionPathDeduplicatesAdjacentStages(t *testing.T) {
	path := pushDecisionStage(nil, types.CancellationRequested)
	path = pushDecisionStage(path, types.CancellationRequested)
	path = pushDecisionStage(path, types.CancellationTermSent)

	assert.Equal(t, []types.CancellationState{
		types.CancellationRequested,
		types.CancellationTermSent,
	}, path)
}
