package daemon

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/Dicklesworthstone/rchd/pkg/scheduler"
	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// BuildRequest is one build submitted to the daemon.
type BuildRequest struct {
	ProjectID     string
	Command       []string
	RequiredSlots int
	WorkDir       string
	HookPID       int
}

// BuildResult is the terminal outcome of a dispatched build.
type BuildResult struct {
	BuildID  string
	WorkerID types.WorkerID
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// SubmitBuild selects a worker, reserves slots, runs the command remotely,
// and feeds the outcome back into the circuit breaker and history. The
// slot release goes through the take_active_build ownership gate so a
// concurrent cancellation can never double-release.
func (d *Daemon) SubmitBuild(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if req.RequiredSlots <= 0 {
		req.RequiredSlots = 1
	}
	buildID := uuid.NewString()

	sel, err := d.selector.Select(scheduler.Request{
		BuildID:       buildID,
		ProjectID:     req.ProjectID,
		RequiredSlots: req.RequiredSlots,
	})
	if err != nil {
		return BuildResult{}, err
	}

	d.history.StartBuild(types.BuildRecord{
		ID:        buildID,
		ProjectID: req.ProjectID,
		WorkerID:  sel.WorkerID,
		Command:   req.Command,
		Location:  types.BuildLocationRemote,
		StartedAt: time.Now(),
		Slots:     req.RequiredSlots,
		HookPID:   req.HookPID,
	})

	logger := log.WithBuildID(buildID)
	logger.Info().
		Str("worker_id", string(sel.WorkerID)).
		Str("project_id", req.ProjectID).
		Strs("command", req.Command).
		Msg("build dispatched")

	start := time.Now()
	exitCode, stdout, stderr, runErr := d.runRemote(ctx, sel.WorkerID, buildID, req)
	elapsed := time.Since(start)

	// Claim the build; losing the race means a cancellation already owns
	// cleanup and has released the slots.
	claimed, won := d.history.TakeActiveBuild(buildID)
	if won {
		now := time.Now()
		claimed.FinishedAt = &now
		claimed.ExitCode = &exitCode
		d.history.RecordFinishedBuild(claimed)

		if st := d.pool.Get(sel.WorkerID); st != nil {
			if err := st.ReleaseSlots(req.RequiredSlots); err != nil {
				logger.Error().Err(err).Msg("slot release failed after build")
			}
			if runErr == nil && exitCode == 0 {
				st.RecordSuccess(elapsed)
			} else if runErr != nil {
				st.RecordFailure(string(errs.CodeSSHConnectionFailed))
			} else {
				st.RecordFailure(string(errs.CodeBuildCompilationFailed))
			}
		}
	}

	if runErr != nil {
		return BuildResult{}, errs.New(errs.CodeSSHConnectionFailed, runErr).WithWorker(string(sel.WorkerID))
	}

	return BuildResult{
		BuildID:  buildID,
		WorkerID: sel.WorkerID,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: elapsed,
	}, nil
}

// runRemote executes the build command on the selected worker over SSH.
// The RCH_BUILD_ID environment marker is what the cancellation
// orchestrator's remote kill greps for.
func (d *Daemon) runRemote(ctx context.Context, workerID types.WorkerID, buildID string, req BuildRequest) (int, string, string, error) {
	st := d.pool.Get(workerID)
	if st == nil {
		return -1, "", "", fmt.Errorf("worker %s disappeared before dispatch", workerID)
	}
	cfg := st.Config()

	remote := fmt.Sprintf("RCH_BUILD_ID=%s %s", buildID, strings.Join(req.Command, " "))
	if req.WorkDir != "" {
		remote = fmt.Sprintf("cd %s && %s", req.WorkDir, remote)
	}

	cmd := exec.CommandContext(ctx, "ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=5",
		"-o", "BatchMode=yes",
		"-i", cfg.Identity,
		fmt.Sprintf("%s@%s", cfg.User, cfg.Host),
		remote,
	)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}
	return exitCode, stdout.String(), stderr.String(), err
}
