// Package harness implements the reliability scenario runner: a
// phase-ordered (Setup, Execute, Verify, Cleanup) driver for exercising
// worker lifecycle hooks, optional injected failure conditions, and
// post-hoc artifact verification. A Runner holds an events.Broker the way
// pressure.Monitor and cancellation.Orchestrator do, and phases fan their
// lifecycle commands out concurrently via errgroup with bounded fan-in.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/rchd/pkg/events"
	"github.com/Dicklesworthstone/rchd/pkg/log"
)

// SchemaVersion tags the manifest format emitted to ArtifactPaths/ManifestPath.
const SchemaVersion = "reliability-scenario-v1"

// Default stage-fan-in concurrency and per-command timeout.
const (
	DefaultStageConcurrency = 4
	DefaultCommandTimeout   = 30 * time.Second
)

// Phase names the four stages a scenario always runs through, in order.
type Phase string

const (
	PhaseSetup   Phase = "setup"
	PhaseExecute Phase = "execute"
	PhaseVerify  Phase = "verify"
	PhaseCleanup Phase = "cleanup"
)

// FailureHook names an injectable failure condition a scenario may request.
// Each one must be explicitly allowlisted via FailureHookFlags before the
// runner will activate it; an unflagged request is denied, not silently
// skipped, and fails the Setup phase.
type FailureHook string

const (
	HookNetworkCut    FailureHook = "network_cut"
	HookSyncTimeout   FailureHook = "sync_timeout"
	HookPartialUpdate FailureHook = "partial_update"
	HookDaemonRestart FailureHook = "daemon_restart"
)

// FailureHookFlags gates which failure hooks a given harness invocation is
// permitted to activate. Operators enable these explicitly per run; a
// scenario spec cannot widen its own blast radius.
type FailureHookFlags struct {
	AllowNetworkCut    bool
	AllowSyncTimeout   bool
	AllowPartialUpdate bool
	AllowDaemonRestart bool
}

// AllowAllFailureHooks returns flags permitting every known hook, for use in
// fully-isolated test environments.
func AllowAllFailureHooks() FailureHookFlags {
	return FailureHookFlags{true, true, true, true}
}

// Allows reports whether hook is permitted under these flags.
func (f FailureHookFlags) Allows(hook FailureHook) bool {
	switch hook {
	case HookNetworkCut:
		return f.AllowNetworkCut
	case HookSyncTimeout:
		return f.AllowSyncTimeout
	case HookPartialUpdate:
		return f.AllowPartialUpdate
	case HookDaemonRestart:
		return f.AllowDaemonRestart
	default:
		return false
	}
}

// LifecycleCommand describes a single external command a scenario runs
// during one of its stages (pre-check, remote probe, post-check, cleanup
// verification, or a top-level execute command).
type LifecycleCommand struct {
	Name            string
	Program         string
	Args            []string
	Timeout         time.Duration // zero uses the runner's DefaultCommandTimeout
	RequiredSuccess bool
	ViaRCHExec      bool // wrap as "rch exec -- program args..." when true
}

// NewLifecycleCommand builds a command that must succeed by default.
func NewLifecycleCommand(name, program string, args ...string) LifecycleCommand {
	return LifecycleCommand{
		Name:            name,
		Program:         program,
		Args:            args,
		RequiredSuccess: true,
	}
}

// WithTimeout returns a copy of c with an explicit per-command timeout.
func (c LifecycleCommand) WithTimeout(d time.Duration) LifecycleCommand {
	c.Timeout = d
	return c
}

// Optional returns a copy of c whose failure does not fail its stage.
func (c LifecycleCommand) Optional() LifecycleCommand {
	c.RequiredSuccess = false
	return c
}

// ViaExec returns a copy of c that is dispatched through the worker-side
// "rch exec" wrapper rather than invoked directly on the harness host.
func (c LifecycleCommand) ViaExec() LifecycleCommand {
	c.ViaRCHExec = true
	return c
}

// WorkerLifecycleHooks groups the command lists a scenario runs at each of
// its checkpoint stages.
type WorkerLifecycleHooks struct {
	PreChecks           []LifecycleCommand
	RemoteProbes        []LifecycleCommand
	PostChecks          []LifecycleCommand
	CleanupVerification []LifecycleCommand
}

// ScenarioSpec is the full declarative description of one reliability
// scenario run.
type ScenarioSpec struct {
	ScenarioID             string
	WorkerID               string
	RepoSet                []string
	PressureState          string
	TriageActions          []string
	Lifecycle              WorkerLifecycleHooks
	ExecuteCommands        []LifecycleCommand
	RequestedFailureHooks  []FailureHook
	FailureHookFlags       FailureHookFlags
	ArtifactDir            string // per-scenario artifact directory; defaults to runner's root + scenario ID
}

// NewScenarioSpec starts a builder for a scenario with the given ID.
func NewScenarioSpec(scenarioID string) ScenarioSpec {
	return ScenarioSpec{ScenarioID: scenarioID}
}

func (s ScenarioSpec) WithWorkerID(id string) ScenarioSpec       { s.WorkerID = id; return s }
func (s ScenarioSpec) WithRepoSet(repos ...string) ScenarioSpec  { s.RepoSet = repos; return s }
func (s ScenarioSpec) WithPressureState(state string) ScenarioSpec {
	s.PressureState = state
	return s
}

func (s ScenarioSpec) AddTriageAction(action string) ScenarioSpec {
	s.TriageActions = append(s.TriageActions, action)
	return s
}

func (s ScenarioSpec) AddPreCheck(c LifecycleCommand) ScenarioSpec {
	s.Lifecycle.PreChecks = append(s.Lifecycle.PreChecks, c)
	return s
}

func (s ScenarioSpec) AddRemoteProbe(c LifecycleCommand) ScenarioSpec {
	s.Lifecycle.RemoteProbes = append(s.Lifecycle.RemoteProbes, c)
	return s
}

func (s ScenarioSpec) AddPostCheck(c LifecycleCommand) ScenarioSpec {
	s.Lifecycle.PostChecks = append(s.Lifecycle.PostChecks, c)
	return s
}

func (s ScenarioSpec) AddCleanupVerification(c LifecycleCommand) ScenarioSpec {
	s.Lifecycle.CleanupVerification = append(s.Lifecycle.CleanupVerification, c)
	return s
}

func (s ScenarioSpec) AddExecuteCommand(c LifecycleCommand) ScenarioSpec {
	s.ExecuteCommands = append(s.ExecuteCommands, c)
	return s
}

func (s ScenarioSpec) RequestFailureHook(h FailureHook) ScenarioSpec {
	s.RequestedFailureHooks = append(s.RequestedFailureHooks, h)
	return s
}

func (s ScenarioSpec) WithFailureHookFlags(f FailureHookFlags) ScenarioSpec {
	s.FailureHookFlags = f
	return s
}

// CommandRecord is the per-command audit row a completed scenario leaves
// behind, regardless of whether the command succeeded.
type CommandRecord struct {
	Phase           Phase
	Stage           string
	CommandName     string
	InvokedProgram  string
	InvokedArgs     []string
	ExitCode        int
	DurationMS      int64
	RequiredSuccess bool
	Succeeded       bool
	ArtifactPaths   []string
}

// ScenarioReport is the complete record of one scenario run: every phase
// that ran, every failure hook actually activated, every command executed,
// and the on-disk artifact manifest.
type ScenarioReport struct {
	SchemaVersion         string
	ScenarioID            string
	PhaseOrder            []Phase
	ActivatedFailureHooks []FailureHook
	CommandRecords        []CommandRecord
	ArtifactPaths         []string
	ManifestPath          string
}

// newScenarioReport starts an empty report stamped with the current schema
// version.
func newScenarioReport(scenarioID string) *ScenarioReport {
	return &ScenarioReport{SchemaVersion: SchemaVersion, ScenarioID: scenarioID}
}

// AssertionFailedError is returned when a required-success lifecycle command
// fails, or a requested failure hook is not allowlisted.
type AssertionFailedError struct {
	Stage   string
	Command string
	Reason  string
}

func (e *AssertionFailedError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("harness: %s/%s: %s", e.Stage, e.Command, e.Reason)
	}
	return fmt.Sprintf("harness: %s: %s", e.Stage, e.Reason)
}

// Runner executes reliability scenarios against a live worker and daemon.
type Runner struct {
	bus             *events.Broker
	artifactRoot    string
	defaultTimeout  time.Duration
	stageConcurrent int
}

// NewRunner creates a scenario runner. bus may be nil, in which case
// scenario lifecycle events are not broadcast. artifactRoot is created if
// missing.
func NewRunner(bus *events.Broker, artifactRoot string) *Runner {
	return &Runner{
		bus:             bus,
		artifactRoot:    artifactRoot,
		defaultTimeout:  DefaultCommandTimeout,
		stageConcurrent: DefaultStageConcurrency,
	}
}

// WithStageConcurrency overrides the bounded fan-in limit used when running
// each stage's lifecycle commands.
func (r *Runner) WithStageConcurrency(n int) *Runner {
	if n > 0 {
		r.stageConcurrent = n
	}
	return r
}

// Run executes one scenario end to end: Setup, Execute (skipped if Setup
// failed), Verify (skipped if Setup or Execute failed), and Cleanup (always
// runs). It returns the first phase error encountered, in phase order, but
// the returned report always reflects everything that actually ran.
func (r *Runner) Run(ctx context.Context, spec ScenarioSpec) (*ScenarioReport, error) {
	report := newScenarioReport(spec.ScenarioID)
	artifactDir := spec.ArtifactDir
	if artifactDir == "" {
		artifactDir = filepath.Join(r.artifactRoot, sanitizeToken(spec.ScenarioID))
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return report, fmt.Errorf("harness: create artifact dir: %w", err)
	}

	logger := log.WithWorkerID(spec.WorkerID)
	r.emit(events.NameHarnessScenarioStarted, spec.ScenarioID, map[string]any{
		"worker_id": spec.WorkerID,
		"repo_set":  spec.RepoSet,
	})

	var recordsMu sync.Mutex
	appendRecord := func(rec CommandRecord) {
		recordsMu.Lock()
		defer recordsMu.Unlock()
		report.CommandRecords = append(report.CommandRecords, rec)
		report.ArtifactPaths = append(report.ArtifactPaths, rec.ArtifactPaths...)
	}

	var setupErr, executeErr, verifyErr error

	// Setup: activate requested failure hooks, then run pre-checks.
	report.PhaseOrder = append(report.PhaseOrder, PhaseSetup)
	if activated, err := r.activateFailureHooks(spec, artifactDir); err != nil {
		setupErr = err
	} else {
		report.ActivatedFailureHooks = activated
		setupErr = r.runStage(ctx, PhaseSetup, "pre_checks", spec.Lifecycle.PreChecks, artifactDir, appendRecord)
	}
	r.logPhase(logger, PhaseSetup, setupErr)
	r.emit(events.NameHarnessPhaseCompleted, spec.ScenarioID, map[string]any{"phase": string(PhaseSetup), "failed": setupErr != nil})

	// Execute: skipped entirely if Setup failed.
	report.PhaseOrder = append(report.PhaseOrder, PhaseExecute)
	if setupErr != nil {
		executeErr = fmt.Errorf("harness: execute skipped: setup failed: %w", setupErr)
	} else {
		if err := r.runStage(ctx, PhaseExecute, "execute_commands", spec.ExecuteCommands, artifactDir, appendRecord); err != nil {
			executeErr = err
		} else {
			executeErr = r.runStage(ctx, PhaseExecute, "remote_probes", spec.Lifecycle.RemoteProbes, artifactDir, appendRecord)
		}
	}
	r.logPhase(logger, PhaseExecute, executeErr)
	r.emit(events.NameHarnessPhaseCompleted, spec.ScenarioID, map[string]any{"phase": string(PhaseExecute), "failed": executeErr != nil})

	// Verify: skipped if Setup or Execute failed.
	report.PhaseOrder = append(report.PhaseOrder, PhaseVerify)
	if setupErr != nil || executeErr != nil {
		verifyErr = fmt.Errorf("harness: verify skipped: an earlier phase failed")
	} else {
		verifyErr = r.runStage(ctx, PhaseVerify, "post_checks", spec.Lifecycle.PostChecks, artifactDir, appendRecord)
	}
	r.logPhase(logger, PhaseVerify, verifyErr)
	r.emit(events.NameHarnessPhaseCompleted, spec.ScenarioID, map[string]any{"phase": string(PhaseVerify), "failed": verifyErr != nil})

	// Cleanup always runs, regardless of earlier phase outcomes.
	report.PhaseOrder = append(report.PhaseOrder, PhaseCleanup)
	cleanupErr := r.runStage(ctx, PhaseCleanup, "cleanup_verification", spec.Lifecycle.CleanupVerification, artifactDir, appendRecord)
	r.logPhase(logger, PhaseCleanup, cleanupErr)

	manifestPath, err := r.writeManifest(artifactDir, report)
	if err == nil {
		report.ManifestPath = manifestPath
		report.ArtifactPaths = append(report.ArtifactPaths, manifestPath)
	}

	r.emit(events.NameHarnessScenarioFinished, spec.ScenarioID, map[string]any{
		"setup_failed":   setupErr != nil,
		"execute_failed": executeErr != nil,
		"verify_failed":  verifyErr != nil,
		"cleanup_failed": cleanupErr != nil,
	})

	switch {
	case setupErr != nil:
		return report, setupErr
	case executeErr != nil:
		return report, executeErr
	case verifyErr != nil:
		return report, verifyErr
	case cleanupErr != nil:
		return report, cleanupErr
	default:
		return report, nil
	}
}

func (r *Runner) logPhase(logger zerolog.Logger, phase Phase, err error) {
	event := logger.Info()
	if err != nil {
		event = logger.Warn()
	}
	event.Str("phase", string(phase)).AnErr("error", err).Msg("harness phase completed")
}

// activateFailureHooks denies any requested hook not allowlisted, and
// otherwise drops a marker artifact the failure-injection shims look for.
func (r *Runner) activateFailureHooks(spec ScenarioSpec, artifactDir string) ([]FailureHook, error) {
	activated := make([]FailureHook, 0, len(spec.RequestedFailureHooks))
	for _, hook := range spec.RequestedFailureHooks {
		if !spec.FailureHookFlags.Allows(hook) {
			r.emit(events.NameHarnessFailureHookDenied, spec.ScenarioID, map[string]any{"hook": string(hook)})
			return activated, &AssertionFailedError{Stage: "setup", Reason: fmt.Sprintf("failure hook %q requested but not allowlisted", hook)}
		}
		markerPath := filepath.Join(artifactDir, fmt.Sprintf("failure_hook_%s.marker", hook))
		if err := os.WriteFile(markerPath, []byte(time.Now().UTC().Format(time.RFC3339Nano)), 0o644); err != nil {
			return activated, fmt.Errorf("harness: write failure hook marker: %w", err)
		}
		activated = append(activated, hook)
	}
	return activated, nil
}

// runStage runs every command in cmds concurrently (bounded fan-in), and
// returns the first required-success failure, if any, after every command
// has finished. Commands within a stage are independent diagnostics, so
// letting them all complete preserves the full audit trail.
func (r *Runner) runStage(ctx context.Context, phase Phase, stage string, cmds []LifecycleCommand, artifactDir string, record func(CommandRecord)) error {
	if len(cmds) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(r.stageConcurrent)

	for _, cmd := range cmds {
		cmd := cmd
		g.Go(func() error {
			rec, err := r.runCommand(ctx, phase, stage, cmd, artifactDir)
			record(rec)
			return err
		})
	}

	return g.Wait()
}

func (r *Runner) runCommand(ctx context.Context, phase Phase, stage string, cmd LifecycleCommand, artifactDir string) (CommandRecord, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	program, args := cmd.Program, cmd.Args
	if cmd.ViaRCHExec {
		args = append([]string{"exec", "--", cmd.Program}, cmd.Args...)
		program = "rch"
	}

	start := time.Now()
	stdout, stderr, exitCode, runErr := execCaptured(cctx, program, args)
	duration := time.Since(start)

	succeeded := runErr == nil && exitCode == 0
	artifacts := r.writeCommandArtifacts(artifactDir, stage, cmd.Name, stdout, stderr)

	rec := CommandRecord{
		Phase:           phase,
		Stage:           stage,
		CommandName:     cmd.Name,
		InvokedProgram:  program,
		InvokedArgs:     args,
		ExitCode:        exitCode,
		DurationMS:      duration.Milliseconds(),
		RequiredSuccess: cmd.RequiredSuccess,
		Succeeded:       succeeded,
		ArtifactPaths:   artifacts,
	}

	if !succeeded && cmd.RequiredSuccess {
		return rec, &AssertionFailedError{Stage: stage, Command: cmd.Name, Reason: fmt.Sprintf("command failed: exit=%d err=%v", exitCode, runErr)}
	}
	return rec, nil
}

func (r *Runner) writeCommandArtifacts(artifactDir, stage, name, stdout, stderr string) []string {
	var paths []string
	base := filepath.Join(artifactDir, fmt.Sprintf("%s_%s", sanitizeToken(stage), sanitizeToken(name)))
	if stdout != "" {
		p := base + ".stdout.log"
		if os.WriteFile(p, []byte(stdout), 0o644) == nil {
			paths = append(paths, p)
		}
	}
	if stderr != "" {
		p := base + ".stderr.log"
		if os.WriteFile(p, []byte(stderr), 0o644) == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

func (r *Runner) writeManifest(artifactDir string, report *ScenarioReport) (string, error) {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(artifactDir, "manifest.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Runner) emit(name events.Name, scenarioID string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["scenario_id"] = scenarioID
	r.bus.Emit(name, string(name), payload)
}

func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "scenario"
	}
	return b.String()
}
