package triage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/Dicklesworthstone/rchd/pkg/worker"
)

// WorkerSweepResult is one worker's outcome within a sweep.
type WorkerSweepResult struct {
	WorkerID        types.WorkerID
	Skipped         bool
	SkipReason      string
	CandidatesFound int
	Status          types.ProcessTriageStatus
	ActionsExecuted int
	ActionsEscalated int
}

// SweepResult is the summary emitted after one periodic (or on-demand)
// sweep across the worker pool.
type SweepResult struct {
	SweepID         string
	WorkersEvaluated int
	WorkersSkipped   int
	TotalCandidates  int
	ActionsTaken     int
	Escalations      int
	BudgetExhausted  bool
	DurationMS       int64
	WorkerResults    []WorkerSweepResult
}

// CandidateSource supplies the current triage candidates for a worker.
// Production wiring wraps whatever remote process-detector adapter the
// daemon configures; detection itself is out of this package's scope, only
// its remediation.
type CandidateSource interface {
	Candidates(workerID types.WorkerID) (confidencePct float64, candidates []types.TriageCandidate)
}

// Loop drives periodic triage sweeps across the worker pool, sharing the
// same Pipeline an on-demand Command uses, so scheduled and manual triage
// runs are indistinguishable in their policy semantics.
type Loop struct {
	pipeline *Pipeline
	pool     *worker.Pool
	bus      *events.Broker
	source   CandidateSource
	config   Config
}

// NewLoop creates a sweep loop. source may be nil, in which case every
// sweep synthesizes an observe-only request with no candidates.
func NewLoop(pipeline *Pipeline, pool *worker.Pool, bus *events.Broker, source CandidateSource, cfg Config) *Loop {
	return &Loop{pipeline: pipeline, pool: pool, bus: bus, source: source, config: cfg}
}

// Run ticks every SweepInterval until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Sweep(context.Background(), nil)
		}
	}
}

// Sweep runs one pass across every worker (or only those in filter, if
// non-empty), honoring SweepBudget and SkipBusyWorkers, and returns the
// aggregate result. Command and the ticker both call this so their
// semantics never diverge.
func (l *Loop) Sweep(ctx context.Context, filter []types.WorkerID) SweepResult {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, l.config.SweepBudget)
	defer cancel()

	result := SweepResult{SweepID: uuid.NewString()}

	workers := l.pool.AllWorkers()
	if len(filter) > 0 {
		allowed := make(map[types.WorkerID]struct{}, len(filter))
		for _, id := range filter {
			allowed[id] = struct{}{}
		}
		filtered := workers[:0:0]
		for _, w := range workers {
			if _, ok := allowed[w.Config().ID]; ok {
				filtered = append(filtered, w)
			}
		}
		workers = filtered
	}

	for _, w := range workers {
		select {
		case <-sctx.Done():
			result.BudgetExhausted = true
		default:
		}
		if result.BudgetExhausted {
			result.WorkersSkipped++
			result.WorkerResults = append(result.WorkerResults, WorkerSweepResult{
				WorkerID:   w.Config().ID,
				Skipped:    true,
				SkipReason: "sweep budget exhausted",
			})
			continue
		}

		if l.config.SkipBusyWorkers && w.UsedSlots() > 0 {
			result.WorkersSkipped++
			result.WorkerResults = append(result.WorkerResults, WorkerSweepResult{
				WorkerID:   w.Config().ID,
				Skipped:    true,
				SkipReason: "worker busy",
			})
			continue
		}

		req := l.buildSweepRequest(w.Config().ID)
		resp, _ := l.pipeline.Execute(sctx, req)

		wr := WorkerSweepResult{
			WorkerID:        w.Config().ID,
			CandidatesFound: len(req.Candidates),
			Status:          resp.Status,
			ActionsExecuted: len(resp.ExecutedActions),
		}
		for _, a := range resp.Audit {
			if a.Outcome == string(OutcomeEscalated) {
				wr.ActionsEscalated++
			}
		}
		result.WorkersEvaluated++
		result.TotalCandidates += wr.CandidatesFound
		result.ActionsTaken += wr.ActionsExecuted
		result.Escalations += wr.ActionsEscalated
		result.WorkerResults = append(result.WorkerResults, wr)
	}

	result.DurationMS = time.Since(start).Milliseconds()

	if l.bus != nil {
		l.bus.Emit(events.NameTriageSweepCompleted, "process triage sweep completed", map[string]any{
			"sweep_id":          result.SweepID,
			"workers_evaluated":  result.WorkersEvaluated,
			"workers_skipped":    result.WorkersSkipped,
			"actions_taken":      result.ActionsTaken,
			"escalations":        result.Escalations,
			"budget_exhausted":   result.BudgetExhausted,
			"duration_ms":        result.DurationMS,
		})
	}

	return result
}

// buildSweepRequest synthesizes a ProcessTriageRequest for a worker from
// the configured CandidateSource. With no source wired this is an
// observe-only request with zero candidates.
func (l *Loop) buildSweepRequest(workerID types.WorkerID) types.ProcessTriageRequest {
	req := types.ProcessTriageRequest{
		SchemaVersion: l.config.SchemaVersion,
		CorrelationID: uuid.NewString(),
		WorkerID:      workerID,
		Trigger:       "periodic_sweep",
		ConfidencePct: 100.0,
	}
	if l.source != nil {
		confidence, candidates := l.source.Candidates(workerID)
		req.ConfidencePct = confidence
		req.Candidates = candidates
		for range candidates {
			req.RequestedActions = append(req.RequestedActions, types.ActionObserveOnly)
		}
	}
	return req
}

// Command runs a single on-demand sweep sharing the loop's pipeline and
// config, honoring an explicit budget override.
type Command struct {
	loop *Loop
}

// NewCommand wraps a Loop for on-demand invocation (e.g. the `rchd triage`
// CLI subcommand or a control-socket request).
func NewCommand(loop *Loop) *Command { return &Command{loop: loop} }

// Run executes one sweep against filter (or every worker, if empty),
// honoring budget as an override of the loop's configured SweepBudget.
func (c *Command) Run(ctx context.Context, filter []types.WorkerID, budget time.Duration) SweepResult {
	if budget > 0 {
		cfg := c.loop.config
		cfg.SweepBudget = budget
		tmp := &Loop{pipeline: c.loop.pipeline, pool: c.loop.pool, bus: c.loop.bus, source: c.loop.source, config: cfg}
		return tmp.Sweep(ctx, filter)
	}
	return c.loop.Sweep(ctx, filter)
}
