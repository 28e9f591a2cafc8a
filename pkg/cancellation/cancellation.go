// Package cancellation drives the bounded build-cancellation escalation
// ladder (SIGTERM, then remote SSH kill, then SIGKILL) with deterministic
// cleanup and per-worker cancellation debt for the reliability aggregator.
package cancellation

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/history"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

// debtWindow bounds how long a cancellation/escalation/cleanup-failure
// event inflates a worker's cancellation debt.
const debtWindow = 300 * time.Second

// Config holds the escalation ladder's timing policy.
type Config struct {
	GracePeriod       time.Duration
	KillTimeout       time.Duration
	RemoteKillTimeout time.Duration
	MaxEscalations    uint32
	CleanupTimeout    time.Duration
}

// DefaultConfig returns the standard ladder timeouts.
func DefaultConfig() Config {
	return Config{
		GracePeriod:       5 * time.Second,
		KillTimeout:       3 * time.Second,
		RemoteKillTimeout: 10 * time.Second,
		MaxEscalations:    3,
		CleanupTimeout:    15 * time.Second,
	}
}

type workerCancelStats struct {
	recentCancellations  []time.Time
	recentEscalations    []time.Time
	recentCleanupFailure []time.Time
}

// Orchestrator cancels builds through the escalation state machine and
// tracks per-worker cancellation debt for the reliability aggregator.
type Orchestrator struct {
	config  Config
	pool    *worker.Pool
	history *history.History
	bus     *events.Broker

	mu     sync.Mutex
	active map[string]*types.CancellationRecord
	stats  map[types.WorkerID]*workerCancelStats
}

// New creates a cancellation orchestrator wired to the worker pool, build
// history, and event bus it needs to operate and to report to.
func New(cfg Config, pool *worker.Pool, hist *history.History, bus *events.Broker) *Orchestrator {
	return &Orchestrator{
		config:  cfg,
		pool:    pool,
		history: hist,
		bus:     bus,
		active:  make(map[string]*types.CancellationRecord),
		stats:   make(map[types.WorkerID]*workerCancelStats),
	}
}

// CancelResult is the outcome of a single cancel_build call.
type CancelResult struct {
	Status        string
	BuildID       string
	WorkerID      types.WorkerID
	ProjectID     string
	Message       string
	SlotsReleased int
}

func operationID(buildID string) string {
	return "cancel-" + buildID
}

// CancelBuild cancels one build, running it through the escalation ladder
// if it is still active, or returning its in-flight status if a
// cancellation is already underway (idempotent).
func (o *Orchestrator) CancelBuild(ctx context.Context, buildID string, reason types.CancellationReason, force bool) CancelResult {
	activeBuild, found := o.history.ActiveBuild(buildID)

	if result, ok := o.inProgressResult(buildID, ""); ok {
		return result
	}

	if !found {
		return CancelResult{Status: "error", BuildID: buildID, Message: "Build not found or already completed"}
	}

	record := &types.CancellationRecord{
		BuildID:     buildID,
		WorkerID:    activeBuild.WorkerID,
		State:       types.CancellationRequested,
		Reason:      reason,
		RequestedAt: time.Now(),
		CleanupOK:   true,
		Slots:       activeBuild.Slots,
		HookPID:     activeBuild.HookPID,
	}

	o.mu.Lock()
	if existing, ok := o.active[buildID]; ok {
		o.mu.Unlock()
		return o.inProgressResultFor(existing, activeBuild.ProjectID)
	}
	o.active[buildID] = record
	o.mu.Unlock()

	if o.bus != nil {
		o.bus.Emit(events.NameCancellationRequested, "cancellation requested", map[string]any{
			"build_id": buildID, "worker_id": string(record.WorkerID),
			"project_id": activeBuild.ProjectID, "reason": string(reason), "force": force,
		})
	}

	slotsReleased := 0
	o.executeCancellation(ctx, record, force)
	slotsReleased = o.runCleanup(record, activeBuild)
	o.recordCancellationStats(record)

	o.mu.Lock()
	delete(o.active, buildID)
	o.mu.Unlock()

	status := "cancelled"
	if record.State == types.CancellationFailed {
		status = "failed"
	}

	var message string
	switch {
	case record.State == types.CancellationCompleted && force:
		message = "Build forcefully terminated"
	case record.State == types.CancellationCompleted:
		message = "Build cancellation completed"
	case record.State == types.CancellationFailed:
		message = "Cancellation completed with errors"
	default:
		message = fmt.Sprintf("Cancellation finished in state: %s", record.State)
	}

	return CancelResult{
		Status: status, BuildID: buildID, WorkerID: record.WorkerID, ProjectID: activeBuild.ProjectID,
		Message: message, SlotsReleased: slotsReleased,
	}
}

func (o *Orchestrator) inProgressResult(buildID, projectID string) (CancelResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	existing, ok := o.active[buildID]
	if !ok {
		return CancelResult{}, false
	}
	return o.inProgressResultFor(existing, projectID), true
}

func (o *Orchestrator) inProgressResultFor(existing *types.CancellationRecord, projectID string) CancelResult {
	slots := 0
	if existing.SlotsReleased {
		slots = existing.Slots
	}
	return CancelResult{
		Status: "cancelling", BuildID: existing.BuildID, WorkerID: existing.WorkerID, ProjectID: projectID,
		Message:       fmt.Sprintf("Cancellation already in progress (state: %s)", existing.State),
		SlotsReleased: slots,
	}
}

// CancelAllBuilds cancels every currently active build with reason User.
func (o *Orchestrator) CancelAllBuilds(ctx context.Context, force bool) []CancelResult {
	builds := o.history.ActiveBuilds()
	results := make([]CancelResult, 0, len(builds))
	for _, b := range builds {
		results = append(results, o.CancelBuild(ctx, b.ID, types.CancelReasonUser, force))
	}
	return results
}

func (o *Orchestrator) executeCancellation(ctx context.Context, record *types.CancellationRecord, force bool) {
	deadline := time.Now().Add(o.config.CleanupTimeout)

	if force {
		record.State = types.CancellationEscalated
		if record.HookPID > 0 {
			sendSignal(record.HookPID, true)
		}
		o.tryRemoteKill(ctx, record)
		record.State = types.CancellationCompleted
		return
	}

	record.State = types.CancellationTermSent
	if record.HookPID > 0 {
		sendSignal(record.HookPID, false)
	}

	graceEnd := time.Now().Add(o.config.GracePeriod)
	for time.Now().Before(graceEnd) && time.Now().Before(deadline) {
		if record.HookPID == 0 || !isProcessAlive(record.HookPID) {
			record.State = types.CancellationCompleted
			return
		}
		time.Sleep(250 * time.Millisecond)
	}

	if !time.Now().Before(deadline) {
		record.State = types.CancellationFailed
		log.Logger.Warn().Str("build_id", record.BuildID).Msg("cancellation exceeded timeout")
		return
	}

	record.EscalationCount++
	if o.bus != nil {
		o.bus.Emit(events.NameCancellationEscalated, "cancellation escalated", map[string]any{
			"build_id": record.BuildID, "worker_id": string(record.WorkerID),
			"stage": "remote_kill", "escalation_count": record.EscalationCount,
		})
	}

	record.State = types.CancellationRemoteKill
	remoteKilled := o.tryRemoteKill(ctx, record)

	if remoteKilled {
		time.Sleep(500 * time.Millisecond)
		if record.HookPID == 0 || !isProcessAlive(record.HookPID) {
			record.State = types.CancellationCompleted
			return
		}
	}

	if !time.Now().Before(deadline) {
		record.State = types.CancellationFailed
		log.Logger.Warn().Str("build_id", record.BuildID).Msg("cancellation exceeded timeout after remote kill")
		return
	}

	record.EscalationCount++
	if o.bus != nil {
		o.bus.Emit(events.NameCancellationEscalated, "cancellation escalated", map[string]any{
			"build_id": record.BuildID, "worker_id": string(record.WorkerID),
			"stage": "sigkill", "escalation_count": record.EscalationCount,
		})
	}

	record.State = types.CancellationEscalated
	if record.HookPID > 0 {
		sendSignal(record.HookPID, true)
	}

	killWait := o.config.KillTimeout
	if killWait > 2*time.Second {
		killWait = 2 * time.Second
	}
	time.Sleep(killWait)

	record.State = types.CancellationCompleted
}

func (o *Orchestrator) tryRemoteKill(ctx context.Context, record *types.CancellationRecord) bool {
	record.RemoteKillAttempted = true

	logger := log.WithWorkerID(string(record.WorkerID))
	st := o.pool.Get(record.WorkerID)
	if st == nil {
		logger.Debug().
			Str("build_id", record.BuildID).Msg("worker not found for remote kill")
		return false
	}
	cfg := st.Config()

	cctx, cancel := context.WithTimeout(ctx, o.config.RemoteKillTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=5",
		"-o", "BatchMode=yes",
		"-i", cfg.Identity,
		fmt.Sprintf("%s@%s", cfg.User, cfg.Host),
		fmt.Sprintf("pkill -9 -f 'RCH_BUILD_ID=%s' 2>/dev/null; true", record.BuildID),
	)
	err := cmd.Run()
	success := err == nil
	logger.Debug().
		Str("build_id", record.BuildID).Bool("success", success).Msg("remote kill attempt")
	return success
}

// runCleanup performs the deterministic cleanup phase: claim the build
// from active history (the single ownership gate that prevents double
// slot-release), release slots if we won the claim, fold cancellation
// metadata into the finished build record, and emit the terminal event.
// It returns the number of slots actually released.
func (o *Orchestrator) runCleanup(record *types.CancellationRecord, activeBuild types.BuildRecord) int {
	claimed, historyOK := o.history.TakeActiveBuild(record.BuildID)
	slotsReleased := 0

	if historyOK && record.Slots > 0 {
		if st := o.pool.Get(record.WorkerID); st != nil {
			if err := st.ReleaseSlots(record.Slots); err == nil {
				record.SlotsReleased = true
				slotsReleased = record.Slots
			}
		} else {
			log.Logger.Warn().Str("worker_id", string(record.WorkerID)).Str("build_id", record.BuildID).
				Msg("worker not found during slot release")
			record.CleanupOK = false
		}
	}

	elapsed := time.Since(record.RequestedAt)
	now := time.Now()
	record.CompletedAt = &now

	decisionStates := decisionPath(record)
	decisionStrings := make([]string, len(decisionStates))
	for i, s := range decisionStates {
		decisionStrings[i] = string(s)
	}
	stage := escalationStage(record)

	if historyOK {
		claimed.Cancellation = &types.CancellationMetadata{
			OperationID:     operationID(record.BuildID),
			DecisionPath:    decisionStrings,
			EscalationStage: stage,
			CompletedAt:     now,
			CleanupOK:       record.CleanupOK,
		}
		claimed.FinishedAt = &now
		o.history.RecordFinishedBuild(claimed)
		metrics.CancellationsTotal.WithLabelValues(stage).Inc()
		metrics.CancellationDuration.Observe(elapsed.Seconds())
	}

	eventName := events.NameCancellationCompleted
	if record.State != types.CancellationCompleted {
		eventName = events.NameCancellationFailed
	}

	if o.bus != nil {
		o.bus.Emit(eventName, "cancellation finished", map[string]any{
			"operation_id": operationID(record.BuildID), "build_id": record.BuildID,
			"worker_id": string(record.WorkerID), "reason": string(record.Reason),
			"state": string(record.State), "decision_path": decisionStrings,
			"escalation_stage": stage, "escalation_count": record.EscalationCount,
			"remote_kill_attempted": record.RemoteKillAttempted, "slots_released": slotsReleased,
			"elapsed_ms": elapsed.Milliseconds(), "cleanup_ok": record.CleanupOK, "history_cancelled": historyOK,
		})
	}

	return slotsReleased
}

func (o *Orchestrator) recordCancellationStats(record *types.CancellationRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.stats[record.WorkerID]
	if !ok {
		entry = &workerCancelStats{}
		o.stats[record.WorkerID] = entry
	}

	now := time.Now()
	entry.recentCancellations = append(entry.recentCancellations, now)
	for i := 0; i < record.EscalationCount; i++ {
		entry.recentEscalations = append(entry.recentEscalations, now)
	}
	if !record.CleanupOK {
		entry.recentCleanupFailure = append(entry.recentCleanupFailure, now)
	}
}

// CancellationDebt computes a worker's cancellation debt signal for the
// reliability aggregator (0.0 = clean, 1.0 = saturated). Stale events
// outside debtWindow are pruned lazily on read.
func (o *Orchestrator) CancellationDebt(workerID types.WorkerID) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.stats[workerID]
	if !ok {
		return 0.0
	}

	cutoff := time.Now().Add(-debtWindow)
	entry.recentCancellations = prune(entry.recentCancellations, cutoff)
	entry.recentEscalations = prune(entry.recentEscalations, cutoff)
	entry.recentCleanupFailure = prune(entry.recentCleanupFailure, cutoff)

	recentCount := float64(len(entry.recentCancellations))
	rateDebt := min64(recentCount/5.0, 1.0)
	escalationDebt := min64(float64(len(entry.recentEscalations))*0.2, 0.6)
	cleanupDebt := min64(float64(len(entry.recentCleanupFailure))*0.3, 0.6)

	return clamp01(rateDebt*0.4 + escalationDebt*0.3 + cleanupDebt*0.3)
}

// ActiveCancellations returns a snapshot of every in-flight cancellation.
func (o *Orchestrator) ActiveCancellations() []types.CancellationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.CancellationRecord, 0, len(o.active))
	for _, r := range o.active {
		out = append(out, *r)
	}
	return out
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// pushDecisionStage appends stage if it differs from the path's current
// last entry, so the recorded path never repeats adjacent states.
func pushDecisionStage(path []types.CancellationState, stage types.CancellationState) []types.CancellationState {
	if len(path) > 0 && path[len(path)-1] == stage {
		return path
	}
	return append(path, stage)
}

// decisionPath reconstructs the ordered sequence of states a cancellation
// passed through: a force-cancel (remote kill attempted with zero normal
// escalations, ending terminal) takes the short escalated/remote_kill_sent
// path; everything else takes the term_sent-first path.
func decisionPath(record *types.CancellationRecord) []types.CancellationState {
	path := []types.CancellationState{types.CancellationRequested}

	forcePath := record.RemoteKillAttempted && record.EscalationCount == 0 &&
		(record.State == types.CancellationCompleted || record.State == types.CancellationFailed || record.State == types.CancellationEscalated)

	if forcePath {
		path = pushDecisionStage(path, types.CancellationEscalated)
		path = pushDecisionStage(path, types.CancellationRemoteKill)
	} else {
		path = pushDecisionStage(path, types.CancellationTermSent)
		if record.RemoteKillAttempted {
			path = pushDecisionStage(path, types.CancellationRemoteKill)
		}
		if record.EscalationCount > 1 || record.State == types.CancellationEscalated {
			path = pushDecisionStage(path, types.CancellationEscalated)
		}
	}

	path = pushDecisionStage(path, record.State)
	return path
}

// escalationStage classifies the highest escalation rung a cancellation
// reached.
func escalationStage(record *types.CancellationRecord) string {
	switch {
	case record.EscalationCount > 1 || record.State == types.CancellationEscalated:
		return "sigkill"
	case record.RemoteKillAttempted:
		return "remote_kill"
	default:
		return "term"
	}
}

func sendSignal(pid int, force bool) bool {
	if pid <= 0 {
		return false
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(pid, sig) == nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
