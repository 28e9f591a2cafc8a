package convergence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/metrics"
	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// MaxConsecutiveFailures is the failure budget after which a worker's drift
// state is forced to Failed regardless of its required/synced sets.
const MaxConsecutiveFailures = 3

// StaleAfter is how long a worker can go unobserved before its drift state
// reports Stale instead of its last known value.
const StaleAfter = 10 * time.Minute

// workerEntry holds one worker's tracked drift state and last-observed
// timestamp.
type workerEntry struct {
	state    types.ConvergenceWorkerState
	lastSeen time.Time
}

// Tracker is the repo-convergence drift state machine. It implements
// reliability.ConvergenceSource.
type Tracker struct {
	bus *events.Broker

	mu      sync.Mutex
	workers map[types.WorkerID]*workerEntry

	group singleflight.Group
}

// NewTracker creates an empty drift tracker.
func NewTracker(bus *events.Broker) *Tracker {
	return &Tracker{bus: bus, workers: make(map[types.WorkerID]*workerEntry)}
}

func (t *Tracker) entryLocked(workerID types.WorkerID) *workerEntry {
	e, ok := t.workers[workerID]
	if !ok {
		e = &workerEntry{state: types.ConvergenceWorkerState{
			Drift:         types.DriftStale,
			RequiredRepos: make(map[string]struct{}),
			SyncedRepos:   make(map[string]struct{}),
		}}
		t.workers[workerID] = e
	}
	return e
}

// UpdateRequiredRepos sets the worker's required and synced repo sets and
// recomputes Drifting-vs-Ready from whether any required repo is missing.
func (t *Tracker) UpdateRequiredRepos(workerID types.WorkerID, required, synced []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(workerID)
	e.lastSeen = time.Now()

	requiredSet := make(map[string]struct{}, len(required))
	for _, r := range required {
		requiredSet[r] = struct{}{}
	}
	syncedSet := make(map[string]struct{}, len(synced))
	for _, s := range synced {
		syncedSet[s] = struct{}{}
	}
	e.state.RequiredRepos = requiredSet
	e.state.SyncedRepos = syncedSet

	missing := false
	for r := range requiredSet {
		if _, ok := syncedSet[r]; !ok {
			missing = true
			break
		}
	}

	prev := e.state.Drift
	if missing {
		e.state.Drift = types.DriftDrifting
	} else {
		e.state.Drift = types.DriftReady
		e.state.ConsecutiveFail = 0
	}
	t.emitIfChanged(workerID, prev, e.state.Drift)
}

// RecordConvergenceAttempt folds the outcome of one sync attempt into the
// worker's drift state: success transitions Converging then Ready; failure
// accrues toward the consecutive-failure budget, forcing Failed once the
// budget is exhausted.
func (t *Tracker) RecordConvergenceAttempt(workerID types.WorkerID, cloned, total, skipped int, duration time.Duration, attemptErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(workerID)
	e.lastSeen = time.Now()
	prev := e.state.Drift

	attempt := types.ConvergenceAttempt{
		At:         e.lastSeen,
		Cloned:     cloned,
		Total:      total,
		Skipped:    skipped,
		DurationMS: duration.Milliseconds(),
	}

	outcome := "success"
	if attemptErr != nil {
		outcome = "failure"
		attempt.Error = attemptErr.Error()
		e.state.ConsecutiveFail++
		if e.state.ConsecutiveFail >= MaxConsecutiveFailures {
			e.state.Drift = types.DriftFailed
		}
	} else {
		e.state.ConsecutiveFail = 0
		e.state.Drift = types.DriftConverging
		if len(e.state.Missing()) == 0 {
			e.state.Drift = types.DriftReady
		}
	}

	e.state.RecentAttempts = append(e.state.RecentAttempts, attempt)
	if len(e.state.RecentAttempts) > 20 {
		e.state.RecentAttempts = e.state.RecentAttempts[len(e.state.RecentAttempts)-20:]
	}

	metrics.ConvergenceAttemptsTotal.WithLabelValues(outcome).Inc()
	t.emitIfChanged(workerID, prev, e.state.Drift)
}

func (t *Tracker) emitIfChanged(workerID types.WorkerID, prev, next types.DriftState) {
	if prev == next || t.bus == nil {
		return
	}
	t.bus.Emit(events.NameConvergenceDriftChanged, "repo convergence drift state changed", map[string]any{
		"worker_id":  string(workerID),
		"from":       string(prev),
		"to":         string(next),
	})
}

// DriftState reports workerID's current drift state, returning Stale for a
// worker that was never observed or hasn't reported within StaleAfter.
func (t *Tracker) DriftState(workerID types.WorkerID) types.DriftState {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.workers[workerID]
	if !ok || e.lastSeen.IsZero() {
		return types.DriftStale
	}
	if time.Since(e.lastSeen) > StaleAfter {
		return types.DriftStale
	}
	return e.state.Drift
}

// WorkerState returns a snapshot of workerID's full tracked state.
func (t *Tracker) WorkerState(workerID types.WorkerID) (types.ConvergenceWorkerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.workers[workerID]
	if !ok {
		return types.ConvergenceWorkerState{}, false
	}
	return e.state, true
}

// ConvergenceFunc performs one actual sync attempt for a worker, returning
// the repo counts RecordConvergenceAttempt expects.
type ConvergenceFunc func(ctx context.Context, workerID types.WorkerID) (cloned, total, skipped int, err error)

// Converge runs fn for workerID, collapsing concurrent callers for the same
// worker into a single in-flight attempt via singleflight, and records the
// outcome against the tracker regardless of which caller triggered it.
func (t *Tracker) Converge(ctx context.Context, workerID types.WorkerID, fn ConvergenceFunc) (cloned, total, skipped int, err error) {
	type result struct {
		cloned, total, skipped int
		err                    error
	}

	v, _, _ := t.group.Do(string(workerID), func() (any, error) {
		start := time.Now()
		c, tot, s, attemptErr := fn(ctx, workerID)
		t.RecordConvergenceAttempt(workerID, c, tot, s, time.Since(start), attemptErr)
		return result{c, tot, s, attemptErr}, nil
	})

	r := v.(result)
	return r.cloned, r.total, r.skipped, r.err
}
