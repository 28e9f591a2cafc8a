// Package metrics exposes Prometheus counters, gauges, and histograms for
// the worker pool, scheduler, cancellation orchestrator, process-triage
// pipeline, repo-convergence service, and cache cleanup scheduler, plus a
// generic HTTP health endpoint and a duration Timer helper.
package metrics
