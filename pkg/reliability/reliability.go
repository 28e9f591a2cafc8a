// Package reliability aggregates five independent worker signals (circuit
// health, repo-convergence drift, disk pressure, process-triage remediation
// debt, and cancellation frequency) into a single deterministic health
// state with quarantine/recovery hysteresis. Each signal source is wired
// through a narrow interface so a missing source fails open to zero debt.
package reliability

import (
	"sync"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

// SignalWeights weights each signal in the aggregated debt computation.
type SignalWeights struct {
	Circuit      float64
	Convergence  float64
	Pressure     float64
	Process      float64
	Cancellation float64
}

// DefaultSignalWeights returns the standard signal weighting.
func DefaultSignalWeights() SignalWeights {
	return SignalWeights{Circuit: 0.30, Convergence: 0.22, Pressure: 0.22, Process: 0.13, Cancellation: 0.13}
}

// normalized rescales weights to sum to 1.0, falling back to the defaults
// if the caller supplied a non-positive sum.
func (w SignalWeights) normalized() SignalWeights {
	sum := w.Circuit + w.Convergence + w.Pressure + w.Process + w.Cancellation
	if sum <= 0 {
		return DefaultSignalWeights()
	}
	return SignalWeights{
		Circuit:      w.Circuit / sum,
		Convergence:  w.Convergence / sum,
		Pressure:     w.Pressure / sum,
		Process:      w.Process / sum,
		Cancellation: w.Cancellation / sum,
	}
}

// Config controls the aggregator's weights, quarantine/recovery thresholds,
// and hysteresis dwell times.
type Config struct {
	Weights              SignalWeights
	QuarantineThreshold  float64
	RecoveryThreshold    float64
	RecoveryTicks        uint32
	MinQuarantineDwell   time.Duration
	ProbingPenalty       float64
	DegradedPenaltyFloor float64
}

// DefaultConfig returns the default thresholds and dwell times.
func DefaultConfig() Config {
	return Config{
		Weights:              DefaultSignalWeights(),
		QuarantineThreshold:  0.7,
		RecoveryThreshold:    0.3,
		RecoveryTicks:        3,
		MinQuarantineDwell:   60 * time.Second,
		ProbingPenalty:       0.5,
		DegradedPenaltyFloor: 0.05,
	}
}

// ConvergenceSource supplies repo-convergence drift state for the
// convergence debt signal. Implemented by pkg/convergence.
type ConvergenceSource interface {
	DriftState(workerID types.WorkerID) types.DriftState
	WorkerState(workerID types.WorkerID) (types.ConvergenceWorkerState, bool)
}

// ProcessDebtSource supplies process-triage remediation history for the
// process debt signal. Implemented by pkg/triage.
type ProcessDebtSource interface {
	WorkerRemediationState(workerID types.WorkerID) (RemediationCounters, bool)
}

// RemediationCounters is the subset of a worker's remediation history the
// process-debt formula needs.
type RemediationCounters struct {
	TotalActions       int
	HardTerminations   int
	ConsecutiveFailure int
}

// CancellationDebtSource supplies cancellation frequency/escalation debt
// for the cancellation debt signal. Implemented by pkg/cancellation.
type CancellationDebtSource interface {
	CancellationDebt(workerID types.WorkerID) float64
}

// tracker holds one worker's hysteresis state across evaluations.
type tracker struct {
	state             types.ReliabilityHealthState
	lastDebt          float64
	lastSignals       types.ReliabilitySignals
	quarantinedAt     time.Time
	recoveryTickCount uint32
}

// Aggregator evaluates workers and holds per-worker hysteresis state.
// Signal sources are optional; a nil source contributes zero debt.
type Aggregator struct {
	config Config

	mu       sync.Mutex
	trackers map[types.WorkerID]*tracker

	convergence ConvergenceSource
	process     ProcessDebtSource
	cancel      CancellationDebtSource
}

// New creates an aggregator with no signal sources wired; callers attach
// them with SetConvergence/SetProcess/SetCancellation as those subsystems
// come online.
func New(cfg Config) *Aggregator {
	return &Aggregator{config: cfg, trackers: make(map[types.WorkerID]*tracker)}
}

func (a *Aggregator) SetConvergence(src ConvergenceSource)        { a.convergence = src }
func (a *Aggregator) SetProcess(src ProcessDebtSource)            { a.process = src }
func (a *Aggregator) SetCancellation(src CancellationDebtSource)  { a.cancel = src }

// Evaluate is the selection pipeline's main entry point: it recomputes all
// five signals for a worker, aggregates them, and advances the hysteresis
// state machine.
func (a *Aggregator) Evaluate(st *worker.State, workerID types.WorkerID) types.ReliabilityAssessment {
	weights := a.config.Weights.normalized()

	circuitDebt := clamp01(st.CircuitErrorRate())
	convergenceDebt := a.computeConvergenceDebt(workerID)
	pressureDebt := computePressureDebt(st.PressureAssessment())
	processDebt := a.computeProcessDebt(workerID)
	cancellationDebt := a.computeCancellationDebt(workerID)

	signals := types.ReliabilitySignals{
		Circuit:      circuitDebt,
		Convergence:  convergenceDebt,
		Pressure:     pressureDebt,
		Process:      processDebt,
		Cancellation: cancellationDebt,
	}

	aggregated := clamp01(
		weights.Circuit*circuitDebt +
			weights.Convergence*convergenceDebt +
			weights.Pressure*pressureDebt +
			weights.Process*processDebt +
			weights.Cancellation*cancellationDebt,
	)

	healthState, penalty, hardExclude := a.transitionState(workerID, aggregated)

	logger := log.WithWorkerID(string(workerID))
	logger.Debug().
		Str("health_state", string(healthState)).
		Float64("debt", aggregated).
		Float64("penalty", penalty).
		Bool("hard_exclude", hardExclude).
		Float64("circuit", circuitDebt).
		Float64("convergence", convergenceDebt).
		Float64("pressure", pressureDebt).
		Float64("process", processDebt).
		Float64("cancellation", cancellationDebt).
		Msg("worker reliability evaluated")

	return types.ReliabilityAssessment{
		HealthState:    healthState,
		AggregatedDebt: aggregated,
		Penalty:        penalty,
		HardExclude:    hardExclude,
		Signals:        signals,
	}
}

// GetAssessment returns the cached assessment for a worker without
// re-evaluating any signal, or false if the worker has never been
// evaluated.
func (a *Aggregator) GetAssessment(workerID types.WorkerID) (types.ReliabilityAssessment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.trackers[workerID]
	if !ok {
		return types.ReliabilityAssessment{}, false
	}
	penalty, hardExclude := a.penaltyForState(t.state, t.lastDebt)
	return types.ReliabilityAssessment{
		HealthState:    t.state,
		AggregatedDebt: t.lastDebt,
		Penalty:        penalty,
		HardExclude:    hardExclude,
		Signals:        t.lastSignals,
	}, true
}

// AllStates returns a snapshot of every tracked worker's health state.
func (a *Aggregator) AllStates() map[types.WorkerID]types.ReliabilityHealthState {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[types.WorkerID]types.ReliabilityHealthState, len(a.trackers))
	for id, t := range a.trackers {
		out[id] = t.state
	}
	return out
}

// Reset discards a worker's hysteresis tracker, for manual recovery or
// tests.
func (a *Aggregator) Reset(workerID types.WorkerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.trackers, workerID)
}

func (a *Aggregator) computeConvergenceDebt(workerID types.WorkerID) float64 {
	if a.convergence == nil {
		return 0.0
	}
	switch a.convergence.DriftState(workerID) {
	case types.DriftReady:
		return 0.0
	case types.DriftDrifting:
		ws, ok := a.convergence.WorkerState(workerID)
		if !ok {
			return 0.4
		}
		total := len(ws.RequiredRepos)
		if total == 0 {
			return 0.3
		}
		missing := float64(len(ws.Missing()))
		ratio := clamp01(missing / float64(total))
		return 0.3 + ratio*0.4
	case types.DriftConverging:
		return 0.5
	case types.DriftFailed:
		return 1.0
	case types.DriftStale:
		return 0.2
	default:
		return 0.0
	}
}

func computePressureDebt(p *types.PressureAssessment) float64 {
	if p == nil {
		return 0.0
	}
	switch p.State {
	case types.PressureHealthy:
		return 0.0
	case types.PressureTelemetryGap:
		if containsNotEvaluated(p.ReasonCode) {
			return 0.0
		}
		return 0.15
	case types.PressureWarning:
		return 0.6
	case types.PressureCritical:
		return 1.0
	default:
		return 0.0
	}
}

func containsNotEvaluated(reasonCode string) bool {
	const needle = "not_evaluated"
	if len(reasonCode) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(reasonCode); i++ {
		if reasonCode[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func (a *Aggregator) computeProcessDebt(workerID types.WorkerID) float64 {
	if a.process == nil {
		return 0.0
	}
	counters, ok := a.process.WorkerRemediationState(workerID)
	if !ok {
		return 0.0
	}

	hardTermDebt := min64(float64(counters.HardTerminations)*0.3, 0.6)
	failureDebt := min64(float64(counters.ConsecutiveFailure)*0.15, 0.3)
	actionChurn := min64(float64(counters.TotalActions)*0.02, 0.2)

	return clamp01(hardTermDebt + failureDebt + actionChurn)
}

func (a *Aggregator) computeCancellationDebt(workerID types.WorkerID) float64 {
	if a.cancel == nil {
		return 0.0
	}
	return a.cancel.CancellationDebt(workerID)
}

// penaltyForState maps a health state (plus current debt, for Degraded) to
// a scoring penalty and whether the worker is hard-excluded.
func (a *Aggregator) penaltyForState(state types.ReliabilityHealthState, debt float64) (float64, bool) {
	switch state {
	case types.ReliabilityHealthy:
		return 0.0, false
	case types.ReliabilityDegraded:
		penalty := debt
		if penalty < a.config.DegradedPenaltyFloor {
			penalty = a.config.DegradedPenaltyFloor
		}
		return clampRange(penalty, 0, 0.8), false
	case types.ReliabilityQuarantined:
		return 1.0, true
	case types.ReliabilityProbingRecovery:
		return a.config.ProbingPenalty, false
	default:
		return 0.0, false
	}
}

// transitionState advances the per-worker hysteresis state machine and
// returns the resulting (state, penalty, hard_exclude).
func (a *Aggregator) transitionState(workerID types.WorkerID, debt float64) (types.ReliabilityHealthState, float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.trackers[workerID]
	if !ok {
		t = &tracker{state: types.ReliabilityHealthy}
		a.trackers[workerID] = t
	}

	prevState := t.state
	now := time.Now()

	var newState types.ReliabilityHealthState
	switch prevState {
	case types.ReliabilityHealthy:
		switch {
		case debt >= a.config.QuarantineThreshold:
			newState = types.ReliabilityQuarantined
		case debt >= a.config.DegradedPenaltyFloor:
			newState = types.ReliabilityDegraded
		default:
			newState = types.ReliabilityHealthy
		}

	case types.ReliabilityDegraded:
		switch {
		case debt >= a.config.QuarantineThreshold:
			newState = types.ReliabilityQuarantined
		case debt < a.config.DegradedPenaltyFloor:
			newState = types.ReliabilityHealthy
		default:
			newState = types.ReliabilityDegraded
		}

	case types.ReliabilityQuarantined:
		minDwellElapsed := !t.quarantinedAt.IsZero() && now.Sub(t.quarantinedAt) >= a.config.MinQuarantineDwell
		if minDwellElapsed && debt <= a.config.RecoveryThreshold {
			t.recoveryTickCount++
			if t.recoveryTickCount >= a.config.RecoveryTicks {
				newState = types.ReliabilityProbingRecovery
			} else {
				newState = types.ReliabilityQuarantined
			}
		} else {
			if debt > a.config.RecoveryThreshold {
				t.recoveryTickCount = 0
			}
			newState = types.ReliabilityQuarantined
		}

	case types.ReliabilityProbingRecovery:
		switch {
		case debt >= a.config.QuarantineThreshold:
			newState = types.ReliabilityQuarantined
		case debt <= a.config.RecoveryThreshold:
			newState = types.ReliabilityHealthy
		default:
			newState = types.ReliabilityProbingRecovery
		}

	default:
		newState = types.ReliabilityHealthy
	}

	if newState != prevState {
		logger := log.WithWorkerID(string(workerID))
		logger.Debug().
			Str("from", string(prevState)).
			Str("to", string(newState)).
			Msg("reliability state transition")
		metrics.ReliabilityStateTransitionsTotal.WithLabelValues(string(workerID), string(newState)).Inc()

		if newState == types.ReliabilityQuarantined {
			t.quarantinedAt = now
			t.recoveryTickCount = 0
		}
		if newState == types.ReliabilityHealthy {
			t.quarantinedAt = time.Time{}
			t.recoveryTickCount = 0
		}
	}

	t.state = newState
	t.lastDebt = debt
	metrics.ReliabilityDebt.WithLabelValues(string(workerID)).Set(debt)

	penalty, hardExclude := a.penaltyForState(newState, debt)
	return newState, penalty, hardExclude
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
