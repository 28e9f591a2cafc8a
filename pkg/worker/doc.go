// Package worker owns the daemon's worker pool: capacity accounting,
// circuit-breaker discipline, and the per-worker capability/pressure/
// reliability snapshots the scheduler and reliability aggregator read.
package worker
