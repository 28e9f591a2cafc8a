package scheduler

import (
	"fmt"
	"sort"

	"github.com/Dicklesworthstone/rchd/pkg/circuitbreaker"
	"github.com/Dicklesworthstone/rchd/pkg/errs"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/reliability"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
	"github.com/rs/zerolog"
)

// maxReservationRetries bounds how many next-best candidates the selector
// falls through to when a slot reservation loses a race.
const maxReservationRetries = 3

// DropReason explains why a worker was removed from the candidate set,
// surfaced through NoSuitableWorkerError for doctor-style commands.
type DropReason string

const (
	DropStatusIneligible  DropReason = "status_ineligible"
	DropCircuitOpen       DropReason = "circuit_open"
	DropPressureCritical  DropReason = "pressure_critical"
	DropHardExcluded      DropReason = "reliability_hard_excluded"
	DropInsufficientSlots DropReason = "insufficient_slots"
	DropReservationRace   DropReason = "reservation_race"
)

// CandidateDiagnostic records one worker's fate during a selection attempt.
type CandidateDiagnostic struct {
	WorkerID types.WorkerID
	Dropped  bool
	Reason   DropReason
	Score    float64
}

// NoSuitableWorkerError carries the full candidate diagnostic so callers can
// explain why nothing was selectable.
type NoSuitableWorkerError struct {
	Candidates []CandidateDiagnostic
}

func (e *NoSuitableWorkerError) Error() string {
	return fmt.Sprintf("no suitable worker among %d candidates", len(e.Candidates))
}

// Unwrap lets errors.Is find the stable worker-selection code.
func (e *NoSuitableWorkerError) Unwrap() error {
	return errs.New(errs.CodeWorkerNoneAvailable, nil)
}

// Request describes one build's scheduling needs.
type Request struct {
	BuildID       string
	ProjectID     string
	RequiredSlots int
}

// Selection is a successful placement: the winner plus the diagnostics of
// everything considered.
type Selection struct {
	WorkerID   types.WorkerID
	Score      float64
	Candidates []CandidateDiagnostic
}

// Selector implements the candidate-filter, score, tie-break, reserve
// pipeline. The reliability aggregator is re-evaluated per attempt so
// penalties and hard-excludes reflect the freshest signals.
type Selector struct {
	pool        *worker.Pool
	reliability *reliability.Aggregator
	logger      zerolog.Logger
}

// New creates a selector over the given pool and reliability aggregator.
func New(pool *worker.Pool, agg *reliability.Aggregator) *Selector {
	return &Selector{
		pool:        pool,
		reliability: agg,
		logger:      log.WithComponent("scheduler"),
	}
}

// scored pairs a candidate with its computed score for the sort.
type scored struct {
	st    *worker.State
	id    types.WorkerID
	score float64
}

// Select picks the best worker for a request and atomically reserves its
// slots. On reservation races it retries with the next candidate up to
// maxReservationRetries before failing.
func (s *Selector) Select(req Request) (Selection, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	diagnostics := make([]CandidateDiagnostic, 0)
	candidates := make([]scored, 0)

	for _, st := range s.pool.AllWorkers() {
		id := st.Config().ID

		if reason, dropped := s.filter(st, req); dropped {
			diagnostics = append(diagnostics, CandidateDiagnostic{WorkerID: id, Dropped: true, Reason: reason})
			continue
		}

		assessment := s.reliability.Evaluate(st, id)
		st.SetReliabilityAssessment(&assessment)
		if assessment.HardExclude {
			diagnostics = append(diagnostics, CandidateDiagnostic{WorkerID: id, Dropped: true, Reason: DropHardExcluded})
			continue
		}

		score := s.score(st, assessment)
		diagnostics = append(diagnostics, CandidateDiagnostic{WorkerID: id, Score: score})
		candidates = append(candidates, scored{st: st, id: id, score: score})
	}

	// Deterministic tie-break: score descending, worker id ascending.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	retries := 0
	for _, c := range candidates {
		if retries > maxReservationRetries {
			break
		}
		if !c.st.ReserveSlots(req.RequiredSlots) {
			retries++
			markDropped(diagnostics, c.id, DropReservationRace)
			continue
		}

		s.logger.Debug().
			Str("build_id", req.BuildID).
			Str("worker_id", string(c.id)).
			Float64("score", c.score).
			Int("slots", req.RequiredSlots).
			Msg("worker selected")
		metrics.BuildsDispatchedTotal.WithLabelValues(string(c.id)).Inc()

		return Selection{WorkerID: c.id, Score: c.score, Candidates: diagnostics}, nil
	}

	metrics.BuildsFailedTotal.Inc()
	s.logger.Warn().
		Str("build_id", req.BuildID).
		Int("considered", len(diagnostics)).
		Msg("no suitable worker")
	return Selection{}, &NoSuitableWorkerError{Candidates: diagnostics}
}

// filter applies the hard candidate gates, in spec order, before scoring.
func (s *Selector) filter(st *worker.State, req Request) (DropReason, bool) {
	status := st.Status()
	if status != types.WorkerHealthy && status != types.WorkerDegraded {
		return DropStatusIneligible, true
	}
	if st.CircuitState() == circuitbreaker.StateOpen {
		return DropCircuitOpen, true
	}
	if p := st.PressureAssessment(); p != nil && p.State == types.PressureCritical {
		return DropPressureCritical, true
	}
	if st.AvailableSlots() < req.RequiredSlots {
		return DropInsufficientSlots, true
	}
	return "", false
}

// score combines priority, reliability penalty, pressure, load headroom, and
// speed into one multiplicative score.
func (s *Selector) score(st *worker.State, assessment types.ReliabilityAssessment) float64 {
	cfg := st.Config()

	priority := priorityComponent(cfg.Priority)
	reliabilityComponent := 1.0 - assessment.Penalty
	pressure := pressureComponent(st.PressureAssessment())
	load := loadComponent(st)
	speed := speedComponent(st, s.pool)

	return priority * reliabilityComponent * pressure * load * speed
}

// priorityComponent maps config priority to a monotone multiplier: priority
// 0 scores 1.0 and every additional priority point adds 10%.
func priorityComponent(priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	return 1.0 + float64(priority)*0.1
}

func pressureComponent(p *types.PressureAssessment) float64 {
	if p == nil {
		return 1.0
	}
	switch p.State {
	case types.PressureWarning:
		return 0.7
	case types.PressureTelemetryGap:
		return 0.4
	default:
		return 1.0
	}
}

func loadComponent(st *worker.State) float64 {
	total := st.TotalSlots()
	if total <= 0 {
		return 0
	}
	return float64(st.AvailableSlots()) / float64(total)
}

// speedComponent normalizes the worker's EWMA throughput against the pool's
// fastest worker. Workers with no latency history yet score a neutral 1.0
// so cold workers are not starved.
func speedComponent(st *worker.State, pool *worker.Pool) float64 {
	own := st.SpeedScore()
	if own == 0 {
		return 1.0
	}
	max := 0.0
	for _, other := range pool.AllWorkers() {
		if s := other.SpeedScore(); s > max {
			max = s
		}
	}
	if max == 0 {
		return 1.0
	}
	return own / max
}

func markDropped(diagnostics []CandidateDiagnostic, id types.WorkerID, reason DropReason) {
	for i := range diagnostics {
		if diagnostics[i].WorkerID == id {
			diagnostics[i].Dropped = true
			diagnostics[i].Reason = reason
			return
		}
	}
}
