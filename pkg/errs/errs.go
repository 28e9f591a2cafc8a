// Package errs implements the daemon's stable RCH-Exxx error taxonomy: a
// fixed registry mapping each error code to a subsystem category, a numeric
// assignment, a human message, and remediation steps. Numeric assignments
// must never change across versions; add new codes, never renumber old
// ones.
package errs

import "fmt"

// Category groups error codes by subsystem range.
type Category string

const (
	CategoryConfig   Category = "config"
	CategoryNetwork  Category = "network"
	CategoryWorker   Category = "worker"
	CategoryBuild    Category = "build"
	CategoryTransfer Category = "transfer"
	CategoryInternal Category = "internal"
)

// Code is a stable error code identifier, e.g. CodeWorkerNoneAvailable.
type Code string

const (
	// Config (E001-E099)
	CodeConfigNotFound          Code = "config_not_found"
	CodeConfigReadError         Code = "config_read_error"
	CodeConfigParseError        Code = "config_parse_error"
	CodeConfigValidationError   Code = "config_validation_error"
	CodeConfigEnvError          Code = "config_env_error"
	CodeConfigProfileNotFound   Code = "config_profile_not_found"
	CodeConfigNoWorkers         Code = "config_no_workers"
	CodeConfigInvalidWorker     Code = "config_invalid_worker"
	CodeConfigSSHKeyError       Code = "config_ssh_key_error"
	CodeConfigSocketPathError   Code = "config_socket_path_error"

	// Path-dependency resolution (E013-E018)
	CodePathDepManifestParseFailed Code = "path_dep_manifest_parse_failed"
	CodePathDepMissing             Code = "path_dep_missing"
	CodePathDepCyclic              Code = "path_dep_cyclic"
	CodePathDepPolicyViolation     Code = "path_dep_policy_violation"
	CodePathDepMetadataFailed      Code = "path_dep_metadata_failed"
	CodePathDepMetadataParseFailed Code = "path_dep_metadata_parse_failed"

	// Dependency-closure planner (E019-E024)
	CodeClosurePlanFailed          Code = "closure_plan_failed"
	CodeClosureFailOpen            Code = "closure_fail_open"
	CodeClosureHighRisk            Code = "closure_high_risk"
	CodeClosureMissingData         Code = "closure_missing_data"
	CodeClosureNonDeterministic    Code = "closure_non_deterministic"
	CodeClosureFingerprintMismatch Code = "closure_fingerprint_mismatch"

	// Network (E100-E199)
	CodeSSHConnectionFailed   Code = "ssh_connection_failed"
	CodeSSHAuthFailed         Code = "ssh_auth_failed"
	CodeSSHKeyError           Code = "ssh_key_error"
	CodeSSHHostKeyError       Code = "ssh_host_key_error"
	CodeSSHTimeout            Code = "ssh_timeout"
	CodeSSHSessionDropped     Code = "ssh_session_dropped"
	CodeNetworkDNSError       Code = "network_dns_error"
	CodeNetworkUnreachable    Code = "network_unreachable"
	CodeNetworkConnRefused    Code = "network_connection_refused"
	CodeNetworkTimeout        Code = "network_timeout"

	// Worker (E200-E299)
	CodeWorkerNoneAvailable    Code = "worker_none_available"
	CodeWorkerAllUnhealthy     Code = "worker_all_unhealthy"
	CodeWorkerHealthCheckFail  Code = "worker_health_check_failed"
	CodeWorkerSelfTestFailed   Code = "worker_self_test_failed"
	CodeWorkerAtCapacity       Code = "worker_at_capacity"
	CodeWorkerMissingToolchain Code = "worker_missing_toolchain"
	CodeWorkerStateError       Code = "worker_state_error"
	CodeWorkerCircuitOpen      Code = "worker_circuit_open"
	CodeWorkerSelectionFailed  Code = "worker_selection_failed"
	CodeWorkerLoadQueryFailed  Code = "worker_load_query_failed"

	// Disk pressure / storage (E210-E219)
	CodeWorkerDiskPressureCritical     Code = "worker_disk_pressure_critical"
	CodeWorkerDiskPressureWarning      Code = "worker_disk_pressure_warning"
	CodeWorkerTelemetryGap             Code = "worker_telemetry_gap"
	CodeWorkerDiskIOHigh               Code = "worker_disk_io_high"
	CodeWorkerMemoryPressureHigh       Code = "worker_memory_pressure_high"
	CodeWorkerReclaimFailed            Code = "worker_reclaim_failed"
	CodeWorkerDiskHeadroomInsufficient Code = "worker_disk_headroom_insufficient"
	CodeWorkerReclaimProtected         Code = "worker_reclaim_protected"

	// Build (E300-E399)
	CodeBuildCompilationFailed Code = "build_compilation_failed"
	CodeBuildUnknownCommand    Code = "build_unknown_command"
	CodeBuildKilledBySignal    Code = "build_killed_by_signal"
	CodeBuildTimeout           Code = "build_timeout"
	CodeBuildOutputError       Code = "build_output_error"
	CodeBuildWorkdirError      Code = "build_workdir_error"
	CodeBuildToolchainError    Code = "build_toolchain_error"
	CodeBuildEnvError          Code = "build_env_error"
	CodeBuildIncrementalError  Code = "build_incremental_error"
	CodeBuildArtifactMissing  Code = "build_artifact_missing"

	// Process triage (E310-E319)
	CodeProcessTriageAdapterUnavailable Code = "process_triage_adapter_unavailable"
	CodeProcessTriageDetectorUncertain  Code = "process_triage_detector_uncertain"
	CodeProcessTriagePolicyViolation    Code = "process_triage_policy_violation"
	CodeProcessTriageTransportError     Code = "process_triage_transport_error"
	CodeProcessTriageExecutorError      Code = "process_triage_executor_error"
	CodeProcessTriageTimeout            Code = "process_triage_timeout"
	CodeProcessTriagePartialResult      Code = "process_triage_partial_result"
	CodeProcessTriageInvalidRequest     Code = "process_triage_invalid_request"

	// Cancellation (E320-E325)
	CodeCancelGracefulSent     Code = "cancel_graceful_sent"
	CodeCancelEscalatedKill    Code = "cancel_escalated_kill"
	CodeCancelRemoteKillFailed Code = "cancel_remote_kill_failed"
	CodeCancelCleanupFailed    Code = "cancel_cleanup_failed"
	CodeCancelSlotLeak         Code = "cancel_slot_leak"
	CodeCancelTimeoutExceeded  Code = "cancel_timeout_exceeded"

	// Transfer (E400-E499)
	CodeTransferRsyncFailed      Code = "transfer_rsync_failed"
	CodeTransferTimeout          Code = "transfer_timeout"
	CodeTransferSourceMissing    Code = "transfer_source_missing"
	CodeTransferDestError        Code = "transfer_dest_error"
	CodeTransferDiskFull         Code = "transfer_disk_full"
	CodeTransferPermissionDenied Code = "transfer_permission_denied"
	CodeTransferChecksumError    Code = "transfer_checksum_error"
	CodeTransferBinaryFailed     Code = "transfer_binary_failed"
	CodeTransferIncomplete       Code = "transfer_incomplete"
	CodeTransferProtocolError    Code = "transfer_protocol_error"

	// Internal (E500-E599)
	CodeInternalDaemonSocket    Code = "internal_daemon_socket"
	CodeInternalDaemonProtocol  Code = "internal_daemon_protocol"
	CodeInternalDaemonNotRunning Code = "internal_daemon_not_running"
	CodeInternalIPCError        Code = "internal_ipc_error"
	CodeInternalStateError      Code = "internal_state_error"
	CodeInternalSerdeError      Code = "internal_serde_error"
	CodeInternalHookError       Code = "internal_hook_error"
	CodeInternalMetricsError    Code = "internal_metrics_error"
	CodeInternalLoggingError    Code = "internal_logging_error"
	CodeInternalUpdateError     Code = "internal_update_error"
)

// entry is the static registry row for one code.
type entry struct {
	number      uint16
	category    Category
	message     string
	remediation []string
	docURL      string
}

var registry = map[Code]entry{
	CodeConfigNotFound:        {1, CategoryConfig, "configuration file not found", []string{"check the configured config path", "run with --config to point at an existing file"}, ""},
	CodeConfigReadError:       {2, CategoryConfig, "configuration file could not be read", []string{"check file permissions"}, ""},
	CodeConfigParseError:      {3, CategoryConfig, "configuration file contains invalid syntax", []string{"validate the file against the documented schema"}, ""},
	CodeConfigValidationError: {4, CategoryConfig, "configuration contains invalid values", []string{"review the flagged field and its accepted range"}, ""},
	CodeConfigEnvError:        {5, CategoryConfig, "environment variable has an invalid value", nil, ""},
	CodeConfigProfileNotFound: {6, CategoryConfig, "profile not found in configuration", nil, ""},
	CodeConfigNoWorkers:       {7, CategoryConfig, "no workers configured", []string{"add at least one worker to the configuration"}, ""},
	CodeConfigInvalidWorker:   {8, CategoryConfig, "worker configuration is invalid", nil, ""},
	CodeConfigSSHKeyError:     {9, CategoryConfig, "SSH key path is invalid or inaccessible", nil, ""},
	CodeConfigSocketPathError: {10, CategoryConfig, "control socket path is invalid", nil, ""},

	CodePathDepManifestParseFailed: {13, CategoryConfig, "cargo manifest parse failure during path-dependency resolution", nil, ""},
	CodePathDepMissing:             {14, CategoryConfig, "path dependency declared but target directory not found", nil, ""},
	CodePathDepCyclic:              {15, CategoryConfig, "cyclic path dependency detected", []string{"break the cycle by removing one of the reported path dependencies"}, ""},
	CodePathDepPolicyViolation:     {16, CategoryConfig, "path dependency violates canonical-root policy", nil, ""},
	CodePathDepMetadataFailed:      {17, CategoryConfig, "cargo metadata invocation failed", []string{"falling back to manifest parsing"}, ""},
	CodePathDepMetadataParseFailed: {18, CategoryConfig, "cargo metadata output could not be parsed", []string{"falling back to manifest parsing"}, ""},

	CodeClosurePlanFailed:          {19, CategoryConfig, "dependency closure plan computation failed", nil, ""},
	CodeClosureFailOpen:            {20, CategoryConfig, "closure entered fail-open state due to unverifiable dependency data", nil, ""},
	CodeClosureHighRisk:            {21, CategoryConfig, "high-risk path dependencies in closure", nil, ""},
	CodeClosureMissingData:         {22, CategoryConfig, "required closure data is missing or incomplete", nil, ""},
	CodeClosureNonDeterministic:    {23, CategoryConfig, "closure sync action ordering is non-deterministic", nil, ""},
	CodeClosureFingerprintMismatch: {24, CategoryConfig, "closure manifest fingerprint mismatch", nil, ""},

	CodeSSHConnectionFailed: {100, CategoryNetwork, "SSH connection failed", nil, ""},
	CodeSSHAuthFailed:       {101, CategoryNetwork, "SSH authentication failed", nil, ""},
	CodeSSHKeyError:         {102, CategoryNetwork, "SSH key not found or invalid format", nil, ""},
	CodeSSHHostKeyError:     {103, CategoryNetwork, "SSH known-hosts verification failed", nil, ""},
	CodeSSHTimeout:          {104, CategoryNetwork, "SSH command execution timed out", nil, ""},
	CodeSSHSessionDropped:   {105, CategoryNetwork, "SSH session terminated unexpectedly", nil, ""},
	CodeNetworkDNSError:     {106, CategoryNetwork, "DNS resolution failed for worker host", nil, ""},
	CodeNetworkUnreachable:  {107, CategoryNetwork, "network unreachable", nil, ""},
	CodeNetworkConnRefused:  {108, CategoryNetwork, "connection refused by remote host", nil, ""},
	CodeNetworkTimeout:      {109, CategoryNetwork, "TCP connection timed out", nil, ""},

	CodeWorkerNoneAvailable:    {200, CategoryWorker, "no workers available for selection", []string{"check worker health with the doctor command"}, ""},
	CodeWorkerAllUnhealthy:     {201, CategoryWorker, "all workers are unhealthy", nil, ""},
	CodeWorkerHealthCheckFail:  {202, CategoryWorker, "worker failed health check", nil, ""},
	CodeWorkerSelfTestFailed:   {203, CategoryWorker, "worker self-test failed", nil, ""},
	CodeWorkerAtCapacity:       {204, CategoryWorker, "worker is at capacity", nil, ""},
	CodeWorkerMissingToolchain: {205, CategoryWorker, "worker missing required toolchain", nil, ""},
	CodeWorkerStateError:       {206, CategoryWorker, "worker state is inconsistent", nil, ""},
	CodeWorkerCircuitOpen:      {207, CategoryWorker, "worker circuit breaker is open", nil, ""},
	CodeWorkerSelectionFailed:  {208, CategoryWorker, "worker selection strategy failed", nil, ""},
	CodeWorkerLoadQueryFailed:  {209, CategoryWorker, "worker load query failed", nil, ""},

	CodeWorkerDiskPressureCritical:     {210, CategoryWorker, "worker disk usage is critically high", []string{"run cache cleanup on the worker"}, ""},
	CodeWorkerDiskPressureWarning:      {211, CategoryWorker, "worker disk usage is elevated", nil, ""},
	CodeWorkerTelemetryGap:             {212, CategoryWorker, "worker disk pressure telemetry is stale or missing", nil, ""},
	CodeWorkerDiskIOHigh:               {213, CategoryWorker, "worker disk I/O utilization is too high for scheduling", nil, ""},
	CodeWorkerMemoryPressureHigh:       {214, CategoryWorker, "worker memory pressure exceeds scheduling threshold", nil, ""},
	CodeWorkerReclaimFailed:            {215, CategoryWorker, "disk reclaim failed on worker", nil, ""},
	CodeWorkerDiskHeadroomInsufficient: {216, CategoryWorker, "disk headroom estimation too low for build reservation", nil, ""},
	CodeWorkerReclaimProtected:         {217, CategoryWorker, "active build protection prevented reclaim operation", nil, ""},

	CodeBuildCompilationFailed: {300, CategoryBuild, "remote compilation failed", nil, ""},
	CodeBuildUnknownCommand:    {301, CategoryBuild, "build command not recognized", nil, ""},
	CodeBuildKilledBySignal:    {302, CategoryBuild, "build process was killed by signal", nil, ""},
	CodeBuildTimeout:           {303, CategoryBuild, "build timed out", nil, ""},
	CodeBuildOutputError:       {304, CategoryBuild, "build output capture failed", nil, ""},
	CodeBuildWorkdirError:      {305, CategoryBuild, "remote working directory error", nil, ""},
	CodeBuildToolchainError:    {306, CategoryBuild, "toolchain wrapper failed", nil, ""},
	CodeBuildEnvError:          {307, CategoryBuild, "build environment setup failed", nil, ""},
	CodeBuildIncrementalError:  {308, CategoryBuild, "incremental build state corrupted", nil, ""},
	CodeBuildArtifactMissing:   {309, CategoryBuild, "build artifact not found", nil, ""},

	CodeProcessTriageAdapterUnavailable: {310, CategoryBuild, "process triage adapter unavailable", nil, ""},
	CodeProcessTriageDetectorUncertain:  {311, CategoryBuild, "process detector could not classify process with sufficient confidence", nil, ""},
	CodeProcessTriagePolicyViolation:    {312, CategoryBuild, "process triage action violates safe-action policy", nil, ""},
	CodeProcessTriageTransportError:     {313, CategoryBuild, "transport error communicating with process triage adapter", nil, ""},
	CodeProcessTriageExecutorError:      {314, CategoryBuild, "process triage executor encountered a runtime error", nil, ""},
	CodeProcessTriageTimeout:            {315, CategoryBuild, "process triage operation timed out", nil, ""},
	CodeProcessTriagePartialResult:      {316, CategoryBuild, "process triage returned partial results", nil, ""},
	CodeProcessTriageInvalidRequest:     {317, CategoryBuild, "invalid process triage request", nil, ""},

	CodeCancelGracefulSent:     {320, CategoryBuild, "graceful cancel signal dispatched", nil, ""},
	CodeCancelEscalatedKill:    {321, CategoryBuild, "escalated to forced kill after timeout", nil, ""},
	CodeCancelRemoteKillFailed: {322, CategoryBuild, "failed to kill remote process via SSH", nil, ""},
	CodeCancelCleanupFailed:    {323, CategoryBuild, "post-cancel cleanup encountered errors", nil, ""},
	CodeCancelSlotLeak:         {324, CategoryBuild, "slots not properly released after cancel", nil, ""},
	CodeCancelTimeoutExceeded:  {325, CategoryBuild, "cancellation exceeded policy time budget", nil, ""},

	CodeTransferRsyncFailed:      {400, CategoryTransfer, "rsync transfer failed", nil, ""},
	CodeTransferTimeout:          {401, CategoryTransfer, "file sync timed out", nil, ""},
	CodeTransferSourceMissing:    {402, CategoryTransfer, "source files not found", nil, ""},
	CodeTransferDestError:        {403, CategoryTransfer, "destination path error", nil, ""},
	CodeTransferDiskFull:         {404, CategoryTransfer, "insufficient disk space on worker", nil, ""},
	CodeTransferPermissionDenied: {405, CategoryTransfer, "permission denied during transfer", nil, ""},
	CodeTransferChecksumError:    {406, CategoryTransfer, "transfer checksum mismatch", nil, ""},
	CodeTransferBinaryFailed:     {407, CategoryTransfer, "binary download failed", nil, ""},
	CodeTransferIncomplete:       {408, CategoryTransfer, "partial transfer detected", nil, ""},
	CodeTransferProtocolError:    {409, CategoryTransfer, "transfer protocol error", nil, ""},

	CodeInternalDaemonSocket:     {500, CategoryInternal, "daemon socket connection failed", nil, ""},
	CodeInternalDaemonProtocol:   {501, CategoryInternal, "daemon protocol error", nil, ""},
	CodeInternalDaemonNotRunning: {502, CategoryInternal, "daemon not running", nil, ""},
	CodeInternalIPCError:         {503, CategoryInternal, "inter-process communication error", nil, ""},
	CodeInternalStateError:       {504, CategoryInternal, "unexpected internal state", nil, ""},
	CodeInternalSerdeError:       {505, CategoryInternal, "serialization error", nil, ""},
	CodeInternalHookError:        {506, CategoryInternal, "hook execution failed", nil, ""},
	CodeInternalMetricsError:     {507, CategoryInternal, "metrics collection error", nil, ""},
	CodeInternalLoggingError:     {508, CategoryInternal, "logging system error", nil, ""},
	CodeInternalUpdateError:      {509, CategoryInternal, "update check failed", nil, ""},
}

// Error is a user-visible failure carrying a stable RCH-Exxx code.
type Error struct {
	Code     Code
	WorkerID string // empty when not applicable
	cause    error
}

// New creates an Error for code, optionally wrapping a lower-level cause.
func New(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// WithWorker attaches a worker id to the error for diagnostics.
func (e *Error) WithWorker(workerID string) *Error {
	e2 := *e
	e2.WorkerID = workerID
	return &e2
}

func (e *Error) Error() string {
	row, ok := registry[e.Code]
	msg := "unknown error code"
	codeStr := string(e.Code)
	if ok {
		msg = row.message
		codeStr = CodeString(e.Code)
	}
	if e.WorkerID != "" {
		return fmt.Sprintf("[%s] %s (worker=%s)", codeStr, msg, e.WorkerID)
	}
	return fmt.Sprintf("[%s] %s", codeStr, msg)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeNumber returns the stable numeric assignment for a code, or 0 if the
// code is not registered.
func CodeNumber(code Code) uint16 {
	return registry[code].number
}

// CodeString formats a code as "RCH-Exxx".
func CodeString(code Code) string {
	return fmt.Sprintf("RCH-E%03d", registry[code].number)
}

// CategoryOf returns the subsystem category for a code.
func CategoryOf(code Code) Category {
	return registry[code].category
}

// Remediation returns the ordered remediation steps for a code.
func Remediation(code Code) []string {
	return registry[code].remediation
}

// Message returns the human-readable message for a code.
func Message(code Code) string {
	return registry[code].message
}
