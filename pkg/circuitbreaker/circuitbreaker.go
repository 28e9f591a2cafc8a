// Package circuitbreaker wraps sony/gobreaker behind the sliding-window
// error-rate API the worker pool and reliability aggregator expect: a fixed
// observation window, Closed/Open/HalfOpen states, and an error_rate signal
// for scoring. gobreaker already implements the open/half-open/closed state
// machine and its cool-down timer; this package adapts its request-scoped
// Execute model to the record-outcome style the daemon core uses, since
// build outcomes are observed after the fact rather than driven through
// Execute.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State is the circuit's externally visible condition.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls when the breaker opens and how long it stays open.
type Config struct {
	// MinSamples is the minimum window size before error_rate can trip the
	// breaker.
	MinSamples uint32
	// OpenThreshold is the error rate, in [0,1], at or above which the
	// breaker opens once MinSamples is reached.
	OpenThreshold float64
	// WindowDuration bounds how long observations count toward the
	// sliding window before gobreaker resets its counters.
	WindowDuration time.Duration
	// CoolDown is how long the breaker stays Open before probing HalfOpen.
	CoolDown time.Duration
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		MinSamples:     10,
		OpenThreshold:  0.5,
		WindowDuration: 60 * time.Second,
		CoolDown:       30 * time.Second,
	}
}

// Breaker is a per-worker circuit breaker with a reason-code histogram.
type Breaker struct {
	mu        sync.Mutex
	cb        *gobreaker.CircuitBreaker
	reasons   map[string]int
	onChange  func(from, to State)
}

// New creates a Breaker. onStateChange, if non-nil, is invoked whenever the
// underlying state transitions (used to emit circuit.state_changed events).
func New(cfg Config, onStateChange func(from, to State)) *Breaker {
	b := &Breaker{reasons: make(map[string]int), onChange: onStateChange}

	settings := gobreaker.Settings{
		MaxRequests: 1, // single probe in HalfOpen
		Interval:    cfg.WindowDuration,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinSamples {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= cfg.OpenThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if b.onChange != nil {
				b.onChange(fromGobreakerState(from), fromGobreakerState(to))
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

var errRecordedFailure = errors.New("recorded failure")

// RecordSuccess feeds a successful build outcome into the window.
func (b *Breaker) RecordSuccess() {
	_, _ = b.cb.Execute(func() (any, error) { return nil, nil })
}

// RecordFailure feeds a failed build outcome into the window, tagged with a
// reason code for the histogram exposed via Reasons().
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	b.reasons[reason]++
	b.mu.Unlock()
	_, _ = b.cb.Execute(func() (any, error) { return nil, errRecordedFailure })
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// ErrorRate returns failures/(successes+failures) over the current window,
// or 0 if the window is empty.
func (b *Breaker) ErrorRate() float64 {
	counts := b.cb.Counts()
	if counts.Requests == 0 {
		return 0
	}
	return float64(counts.TotalFailures) / float64(counts.Requests)
}

// Reasons returns a snapshot of the failure reason-code histogram.
func (b *Breaker) Reasons() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.reasons))
	for k, v := range b.reasons {
		out[k] = v
	}
	return out
}
