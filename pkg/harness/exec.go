package harness

import (
	"bytes"
	"context"
	"os/exec"
)

// execCaptured runs program with args under ctx, capturing stdout and
// stderr separately and returning the process exit code. A context
// deadline exceeded or a failure to start the process both surface as a
// non-nil error with exit code -1.
func execCaptured(ctx context.Context, program string, args []string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, program, args...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if runErr == nil {
		return stdout, stderr, 0, nil
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return stdout, stderr, exitErr.ExitCode(), runErr
	}
	return stdout, stderr, -1, runErr
}
