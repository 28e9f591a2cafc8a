/*
Package scheduler selects a worker for each incoming build.

Selection runs in phases: a candidate filter drops workers whose status,
circuit state, disk pressure, or reliability hard-exclude makes them
ineligible; a slot check drops candidates without enough free capacity; the
survivors are scored by priority, reliability penalty, pressure, load
headroom, and EWMA speed; ties break deterministically by worker id. The
winner's slots are reserved atomically, falling through to the next-best
candidate when a reservation loses a race.

A failed selection returns a NoSuitableWorkerError carrying the per-worker
drop reasons, which the doctor command renders for operators.
*/
package scheduler
