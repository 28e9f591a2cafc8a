/*
Package log provides structured logging for rchd using zerolog.

The log package wraps zerolog to give every component a tagged child logger
(WithComponent, WithWorkerID, WithBuildID, WithCorrelationID) so that log
lines from the scheduler, the reliability aggregator, and the cancellation
orchestrator can be filtered and correlated without grepping free text.

Init must be called once at daemon startup before any component logger is
created; components obtained before Init reflect the zero-value logger and
will not carry the configured level or output.
*/
package log
