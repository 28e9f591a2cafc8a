// Package triage implements the process-triage remediation pipeline:
// policy-gated evaluation of candidate runaway processes on a worker, a
// bounded escalation ladder (observe, soft-terminate, hard-terminate), and
// a periodic sweep loop sharing the exact same pipeline as the on-demand
// command, so scheduled and manual runs can never diverge in semantics.
package triage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/reliability"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

// Decision codes surfaced in audit events and pipeline failures. Stable
// strings, not an RCH-Exxx code: these describe policy-engine reasoning,
// not subsystem faults.
const (
	DecisionInvalidRequest   = "PT_INVALID_REQUEST"
	DecisionConcurrentLimit  = "PT_CONCURRENT_LIMIT"
	DecisionWorkerCooldown   = "PT_WORKER_COOLDOWN"
	DecisionLowConfidence    = "PT_LOW_CONFIDENCE"
	DecisionDenylisted       = "PT_DENYLISTED_ACTION"
	DecisionSystemCritical   = "PT_SYSTEM_CRITICAL"
	DecisionMaxAttempts      = "PT_MAX_ATTEMPTS"
	DecisionSupervisedMode   = "PT_SUPERVISED_MODE"
	DecisionPermitted        = "PT_PERMITTED"
	DecisionTimeoutBudget    = "PT_TIMEOUT_BUDGET"
)

// Outcome is the per-action escalation-step result.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeEscalated Outcome = "escalated"
)

// Config holds the policy pipeline's tunables.
type Config struct {
	SchemaVersion                string
	ManualReviewConfidencePct    float64
	DenylistActionClasses        map[types.TriageActionClass]struct{}
	MaxAttempts                  int
	MaxActionsBeforeManualReview int
	ConcurrentPipelineLimit      int32
	WorkerCooldown               time.Duration
	PipelineTimeout              time.Duration
	TermGracePeriod              time.Duration
	SweepInterval                time.Duration
	SweepBudget                  time.Duration
	SkipBusyWorkers              bool
}

// DefaultConfig returns the standard policy defaults.
func DefaultConfig() Config {
	return Config{
		SchemaVersion:             "process-triage-v1",
		ManualReviewConfidencePct: 85.0,
		DenylistActionClasses: map[types.TriageActionClass]struct{}{
			types.ActionHardTerminate: {},
		},
		MaxAttempts:                  3,
		MaxActionsBeforeManualReview:  5,
		ConcurrentPipelineLimit:       2,
		WorkerCooldown:                60 * time.Second,
		PipelineTimeout:               30 * time.Second,
		TermGracePeriod:               10 * time.Second,
		SweepInterval:                 30 * time.Second,
		SweepBudget:                   15 * time.Second,
		SkipBusyWorkers:               true,
	}
}

// WorkerRemediationState is one worker's cumulative triage history, used
// both for the per-worker cooldown gate and as the reliability aggregator's
// process-debt input.
type WorkerRemediationState struct {
	TotalActions       int
	HardTerminations   int
	LastPipelineAt     time.Time
	ConsecutiveFailure int
	AttemptsThisAction map[string]int // candidate key -> retry attempt count
}

// Signaler sends process signals and checks liveness. Production code uses
// osSignaler; tests substitute a fake to avoid touching real PIDs.
type Signaler interface {
	IsAlive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}

type osSignaler struct{}

func (osSignaler) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (osSignaler) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Pipeline evaluates and applies process-triage requests under the policy
// gates.
type Pipeline struct {
	config Config
	pool   *worker.Pool
	bus    *events.Broker
	sig    Signaler

	mu              sync.Mutex
	workerStates    map[types.WorkerID]*WorkerRemediationState
	activePipelines int32
}

// New creates a triage pipeline. bus may be nil; sig defaults to the real
// OS signaler when nil.
func New(cfg Config, pool *worker.Pool, bus *events.Broker, sig Signaler) *Pipeline {
	if sig == nil {
		sig = osSignaler{}
	}
	return &Pipeline{
		config:       cfg,
		pool:         pool,
		bus:          bus,
		sig:          sig,
		workerStates: make(map[types.WorkerID]*WorkerRemediationState),
	}
}

// WorkerRemediationState implements reliability.ProcessDebtSource.
func (p *Pipeline) WorkerRemediationState(workerID types.WorkerID) (reliability.RemediationCounters, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.workerStates[workerID]
	if !ok {
		return reliability.RemediationCounters{}, false
	}
	return reliability.RemediationCounters{
		TotalActions:       st.TotalActions,
		HardTerminations:   st.HardTerminations,
		ConsecutiveFailure: st.ConsecutiveFailure,
	}, true
}

func (p *Pipeline) stateFor(workerID types.WorkerID) *WorkerRemediationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.workerStates[workerID]
	if !ok {
		st = &WorkerRemediationState{AttemptsThisAction: make(map[string]int)}
		p.workerStates[workerID] = st
	}
	return st
}

// Execute runs one triage pipeline for req, applying every policy gate and
// the escalation ladder, and returns the terminal response.
func (p *Pipeline) Execute(ctx context.Context, req types.ProcessTriageRequest) (types.ProcessTriageResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TriageSweepDuration)

	if req.SchemaVersion != p.config.SchemaVersion {
		return p.rejected(req, DecisionInvalidRequest, "schema version mismatch"), nil
	}

	if atomic.AddInt32(&p.activePipelines, 1) > p.config.ConcurrentPipelineLimit {
		atomic.AddInt32(&p.activePipelines, -1)
		return p.rejected(req, DecisionConcurrentLimit, "too many concurrent triage pipelines"), nil
	}
	defer atomic.AddInt32(&p.activePipelines, -1)

	st := p.stateFor(req.WorkerID)
	p.mu.Lock()
	lastAt := st.LastPipelineAt
	p.mu.Unlock()
	if !lastAt.IsZero() && time.Since(lastAt) < p.config.WorkerCooldown {
		return p.rejected(req, DecisionWorkerCooldown, "worker is within its post-pipeline cooldown"), nil
	}

	pctx, cancel := context.WithTimeout(ctx, p.config.PipelineTimeout)
	defer cancel()

	var audit []types.TriageAuditEvent
	var executedActions []string
	anyExecuted, anyEscalated, anyFailed := false, false, false
	aborted := false
	var abortReason string
	var escalationLevel string

	actionCount := len(req.RequestedActions)

	for i, action := range req.RequestedActions {
		select {
		case <-pctx.Done():
			aborted = true
			abortReason = "pipeline timeout budget exhausted"
			// Remaining actions (including this one) are marked Skipped.
			for _, remaining := range req.RequestedActions[i:] {
				audit = append(audit, p.auditEvent(req, 0, remaining, string(OutcomeSkipped), DecisionTimeoutBudget, "", nil))
			}
			break
		default:
		}
		if aborted {
			break
		}

		candidate, ok := candidateAt(req.Candidates, i)
		decision, permitted, effective := p.evaluateTriageAction(req, st, candidate, ok, action, actionCount)

		if !permitted {
			anyEscalated = true
			if decision == DecisionDenylisted {
				escalationLevel = "blocked"
			} else if escalationLevel == "" {
				escalationLevel = "manual_review"
			}
			evidence := evidenceFor(candidate, req)
			pid := 0
			if ok {
				pid = candidate.PID
			}
			audit = append(audit, p.auditEvent(req, pid, action, string(OutcomeEscalated), decision, "", evidence))
			continue
		}

		pid := 0
		if ok {
			pid = candidate.PID
		}
		outcome, signalSent := p.executeEscalationStep(pid, effective)

		evidence := evidenceFor(candidate, req)
		audit = append(audit, p.auditEvent(req, pid, effective, string(outcome), decision, signalSent, evidence))

		switch outcome {
		case OutcomeExecuted:
			anyExecuted = true
			executedActions = append(executedActions, string(effective))
		case OutcomeFailed:
			anyFailed = true
		case OutcomeSkipped:
			// no-op, already counted via the escalated/executed ladder
		}
	}

	p.mu.Lock()
	st.TotalActions += len(executedActions)
	for _, a := range executedActions {
		if a == string(types.ActionHardTerminate) {
			st.HardTerminations++
		}
	}
	if anyFailed {
		st.ConsecutiveFailure++
	} else if anyExecuted {
		st.ConsecutiveFailure = 0
	}
	st.LastPipelineAt = time.Now()
	p.mu.Unlock()

	status := statusFor(aborted, anyExecuted, anyEscalated, anyFailed)
	resp := types.ProcessTriageResponse{
		Status:          status,
		EscalationLevel: escalationLevel,
		ExecutedActions: executedActions,
		Audit:           audit,
	}
	if aborted {
		reason := abortReason
		resp.Failure = &reason
	}

	for _, a := range audit {
		metrics.TriageActionsTotal.WithLabelValues(a.Outcome).Inc()
	}
	p.emitSummary(req, status, len(audit), len(executedActions))

	return resp, nil
}

func (p *Pipeline) rejected(req types.ProcessTriageRequest, decision, reason string) types.ProcessTriageResponse {
	metrics.TriageActionsTotal.WithLabelValues(string(OutcomeEscalated)).Inc()
	return types.ProcessTriageResponse{
		Status:  types.TriageRejectedByPolicy,
		Failure: &reason,
		Audit: []types.TriageAuditEvent{{
			CorrelationID: req.CorrelationID,
			WorkerID:      req.WorkerID,
			Outcome:       string(OutcomeEscalated),
			DecisionCode:  decision,
		}},
	}
}

// evaluateTriageAction applies the ordered policy checks. It returns the
// decision code, whether the action is permitted to execute, and the
// effective action class to run (which may be downgraded to ObserveOnly in
// supervised mode).
func (p *Pipeline) evaluateTriageAction(req types.ProcessTriageRequest, st *WorkerRemediationState, candidate types.TriageCandidate, ok bool, action types.TriageActionClass, actionCount int) (decision string, permitted bool, effective types.TriageActionClass) {
	if req.ConfidencePct < p.config.ManualReviewConfidencePct {
		return DecisionLowConfidence, false, action
	}
	if _, denied := p.config.DenylistActionClasses[action]; denied {
		return DecisionDenylisted, false, action
	}

	if ok && isSystemCriticalOrUnknown(candidate.Classification) {
		return DecisionSystemCritical, false, action
	}

	key := fmt.Sprintf("%s:%d", action, pidOf(candidate, ok))
	p.mu.Lock()
	attempt := st.AttemptsThisAction[key]
	st.AttemptsThisAction[key] = attempt + 1
	p.mu.Unlock()
	if attempt >= p.config.MaxAttempts {
		return DecisionMaxAttempts, false, action
	}

	if actionCount > p.config.MaxActionsBeforeManualReview {
		return DecisionSupervisedMode, true, types.ActionObserveOnly
	}

	return DecisionPermitted, true, action
}

func isSystemCriticalOrUnknown(classification string) bool {
	switch classification {
	case "system_critical", "":
		return true
	case "build_worker", "toolchain", "runaway_compile":
		return false
	default:
		return true
	}
}

func pidOf(c types.TriageCandidate, ok bool) int {
	if !ok {
		return 0
	}
	return c.PID
}

// candidateAt returns the candidate paired positionally with the i-th
// requested action, falling back to the sole candidate when exactly one was
// supplied for several actions (observe-only sweep requests), or to
// "unknown" when neither applies.
func candidateAt(candidates []types.TriageCandidate, i int) (types.TriageCandidate, bool) {
	if i < len(candidates) {
		return candidates[i], true
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	return types.TriageCandidate{}, false
}

// executeEscalationStep performs one rung of the ladder: Observe is a
// no-op; SoftTerminate/HardTerminate verify liveness then send the rung's
// signal.
func (p *Pipeline) executeEscalationStep(pid int, action types.TriageActionClass) (Outcome, string) {
	step, known := StepForAction(action)
	if !known {
		return OutcomeSkipped, ""
	}
	sig, sends := step.Signal()
	if !sends {
		return OutcomeExecuted, ""
	}
	return p.sendSignal(pid, sig), step.SignalName()
}

func (p *Pipeline) sendSignal(pid int, sig syscall.Signal) Outcome {
	if pid <= 0 {
		return OutcomeSkipped
	}
	if !p.sig.IsAlive(pid) {
		return OutcomeSkipped
	}
	if err := p.sig.Signal(pid, sig); err != nil {
		return OutcomeFailed
	}
	return OutcomeExecuted
}

func statusFor(aborted, anyExecuted, anyEscalated, anyFailed bool) types.ProcessTriageStatus {
	switch {
	case aborted:
		return types.TriageFailed
	case anyEscalated && !anyExecuted:
		return types.TriageEscalatedNoAction
	case anyExecuted && (anyFailed || anyEscalated):
		return types.TriagePartiallyApplied
	case anyExecuted:
		return types.TriageApplied
	default:
		return types.TriageRejectedByPolicy
	}
}

func evidenceFor(c types.TriageCandidate, req types.ProcessTriageRequest) map[string]any {
	return map[string]any{
		"command":              c.Command,
		"classification":       c.Classification,
		"cpu_percent_milli":    c.CPUMilliPct,
		"rss_mb":               c.RSSMBytes,
		"runtime_secs":         c.RuntimeSecs,
		"detector_confidence":  req.ConfidencePct,
		"trigger":              string(req.Trigger),
	}
}

func (p *Pipeline) auditEvent(req types.ProcessTriageRequest, pid int, action types.TriageActionClass, outcome, decision, signal string, evidence map[string]any) types.TriageAuditEvent {
	ev := types.TriageAuditEvent{
		CorrelationID: req.CorrelationID,
		WorkerID:      req.WorkerID,
		PID:           pid,
		Step:          string(action),
		Class:         action,
		Outcome:       outcome,
		DecisionCode:  decision,
		Signal:        signal,
		Evidence:      evidence,
	}
	if p.bus != nil {
		p.bus.Emit(events.NameTriageActionAudit, "process triage action audit", map[string]any{
			"correlation_id": ev.CorrelationID,
			"worker_id":      string(ev.WorkerID),
			"pid":            ev.PID,
			"class":          string(ev.Class),
			"outcome":        ev.Outcome,
			"decision_code":  ev.DecisionCode,
		})
	}
	return ev
}

func (p *Pipeline) emitSummary(req types.ProcessTriageRequest, status types.ProcessTriageStatus, evaluated, executed int) {
	logger := log.WithWorkerID(string(req.WorkerID))
	logger.Info().
		Str("correlation_id", req.CorrelationID).
		Str("status", string(status)).
		Int("actions_evaluated", evaluated).
		Int("actions_executed", executed).
		Msg("process triage pipeline completed")
}
