/*
Package health provides the reachability probes behind worker status.

Two checker types share one interface: TCP (is the worker's SSH port
reachable) and Exec (does a command succeed, locally or over SSH on the
worker). A Status accumulates consecutive successes and failures against a
Config's retry threshold, so a single dropped probe never flips a worker
unhealthy.

The worker health monitor (pkg/worker) runs these probes on an interval and
maps the outcome onto the worker's operational status.
*/
package health
