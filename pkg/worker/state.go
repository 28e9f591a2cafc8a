// Package worker implements the worker pool: per-worker state, capacity
// accounting, and circuit-breaker discipline. One lock guards each unit of
// mutable state, and background loops never hold that lock across a
// blocking call.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/circuitbreaker"
	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// speedEWMAAlpha weights new latency samples against the running average.
const speedEWMAAlpha = 0.3

// State is one worker's mutable runtime state. All mutation is serialized
// under mu; reserve/release/circuit/pressure invariants are reviewable
// because nothing else can touch this struct concurrently.
type State struct {
	mu sync.Mutex

	config       types.WorkerConfig
	status       types.WorkerStatus
	usedSlots    int
	capabilities types.WorkerCapabilities
	breaker      *circuitbreaker.Breaker
	pressure     *types.PressureAssessment
	reliability  *types.ReliabilityAssessment

	// speedScore is an EWMA of inverse build latency, normalized per-pool
	// by the scheduler; higher is faster.
	speedScore float64

	// idleSince tracks when this worker last had zero used slots, for the
	// cache cleanup scheduler's eligibility gate. Zero means "not
	// currently idle".
	idleSince time.Time
}

// New creates worker runtime state for a freshly registered worker.
func New(cfg types.WorkerConfig, onCircuitChange func(from, to circuitbreaker.State)) *State {
	return &State{
		config:  cfg,
		status:  types.WorkerHealthy,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig(), onCircuitChange),
	}
}

// Config returns the worker's immutable registration config.
func (s *State) Config() types.WorkerConfig {
	return s.config
}

// Status returns the current operational status.
func (s *State) Status() types.WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the operational status. Leaving Healthy discards the
// idle observation, and returning to Healthy restarts it, so a worker that
// recovers from an outage must serve a fresh idle dwell before the cache
// cleanup scheduler may touch it.
func (s *State) SetStatus(status types.WorkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == s.status {
		return
	}
	s.status = status
	switch {
	case status != types.WorkerHealthy:
		s.idleSince = time.Time{}
	case s.usedSlots == 0:
		s.idleSince = time.Now()
	}
}

// TotalSlots returns the worker's configured capacity.
func (s *State) TotalSlots() int {
	return s.config.TotalSlots
}

// AvailableSlots returns total_slots - used_slots.
func (s *State) AvailableSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.TotalSlots - s.usedSlots
}

// UsedSlots returns the number of slots currently reserved.
func (s *State) UsedSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedSlots
}

// ReserveSlots atomically reserves n slots, rejecting if n exceeds
// available capacity. Every successful reservation must be matched by
// exactly one ReleaseSlots call.
func (s *State) ReserveSlots(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > s.config.TotalSlots-s.usedSlots {
		return false
	}
	s.usedSlots += n
	s.idleSince = time.Time{}
	return true
}

// ReleaseSlots releases n previously reserved slots. If this brings the
// worker back to zero used slots, idleSince is recorded for the cache
// cleanup scheduler.
func (s *State) ReleaseSlots(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > s.usedSlots {
		return fmt.Errorf("release %d exceeds used slots %d", n, s.usedSlots)
	}
	s.usedSlots -= n
	if s.usedSlots == 0 {
		s.idleSince = time.Now()
	}
	return nil
}

// IdleSince returns when the worker last reached zero used slots, or the
// zero time if it is currently busy, has left Healthy, or has not yet been
// observed idle since registration.
func (s *State) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleSince
}

// RecordSuccess feeds a successful build outcome into the circuit breaker
// and updates the speed EWMA from the observed latency.
func (s *State) RecordSuccess(latency time.Duration) {
	s.breaker.RecordSuccess()

	s.mu.Lock()
	defer s.mu.Unlock()
	sample := 1.0 / latency.Seconds()
	if s.speedScore == 0 {
		s.speedScore = sample
		return
	}
	s.speedScore = speedEWMAAlpha*sample + (1-speedEWMAAlpha)*s.speedScore
}

// RecordFailure feeds a failed build outcome into the circuit breaker under
// the given reason code.
func (s *State) RecordFailure(reason string) {
	s.breaker.RecordFailure(reason)
}

// SpeedScore returns the current EWMA throughput estimate.
func (s *State) SpeedScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speedScore
}

// CircuitState returns the breaker's current state.
func (s *State) CircuitState() circuitbreaker.State {
	return s.breaker.State()
}

// CircuitErrorRate returns the breaker's current error rate.
func (s *State) CircuitErrorRate() float64 {
	return s.breaker.ErrorRate()
}

// PressureAssessment returns the last computed disk-pressure assessment,
// or nil if none has been computed yet.
func (s *State) PressureAssessment() *types.PressureAssessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure
}

// SetPressureAssessment atomically replaces the pressure assessment.
func (s *State) SetPressureAssessment(p *types.PressureAssessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pressure = p
}

// Capabilities returns the last-refreshed capability snapshot.
func (s *State) Capabilities() types.WorkerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// SetCapabilities replaces the capability snapshot.
func (s *State) SetCapabilities(c types.WorkerCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities = c
}

// ReliabilityAssessment returns the last computed reliability assessment,
// or nil if none has been computed yet.
func (s *State) ReliabilityAssessment() *types.ReliabilityAssessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reliability
}

// SetReliabilityAssessment atomically replaces the reliability assessment.
func (s *State) SetReliabilityAssessment(r *types.ReliabilityAssessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reliability = r
}
