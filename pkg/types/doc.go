/*
Package types defines the core data structures shared across rchd: worker
identity and capabilities, the per-worker state machines (pressure,
reliability, cancellation, convergence drift), and the envelopes exchanged
with the process-triage pipeline and the repo-updater adapter.

These are plain data types; the state machines that mutate them live in
their owning packages (pkg/worker, pkg/pressure, pkg/reliability,
pkg/cancellation, pkg/convergence, pkg/triage) so that locking discipline
stays local to one package per concern.
*/
package types
