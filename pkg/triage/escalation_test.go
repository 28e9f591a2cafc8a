package triage

import (
	"syscall"
	"testing"

	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepForAction(t *testing.T) {
	tests := []struct {
		action   types.TriageActionClass
		expected EscalationStep
		known    bool
	}{
		{types.ActionObserveOnly, StepObserve, true},
		{types.ActionReclaimDisk, StepObserve, true},
		{types.ActionSoftTerminate, StepSoftTerminate, true},
		{types.ActionHardTerminate, StepHardTerminate, true},
		{types.TriageActionClass("bogus"), StepObserve, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			step, known := StepForAction(tt.action)
			assert.Equal(t, tt.expected, step)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestEscalationStepNextClimbsAndStops(t *testing.T) {
	step := StepObserve

	step, ok := step.Next()
	require.True(t, ok)
	assert.Equal(t, StepSoftTerminate, step)

	step, ok = step.Next()
	require.True(t, ok)
	assert.Equal(t, StepHardTerminate, step)

	_, ok = step.Next()
	assert.False(t, ok, "the ladder is bounded at hard-terminate")
}

func TestEscalationStepAccessors(t *testing.T) {
	assert.Equal(t, types.ActionObserveOnly, StepObserve.ActionClass())
	assert.Equal(t, types.ActionSoftTerminate, StepSoftTerminate.ActionClass())
	assert.Equal(t, types.ActionHardTerminate, StepHardTerminate.ActionClass())

	_, sends := StepObserve.Signal()
	assert.False(t, sends)
	assert.Empty(t, StepObserve.SignalName())

	sig, sends := StepSoftTerminate.Signal()
	require.True(t, sends)
	assert.Equal(t, syscall.SIGTERM, sig)
	assert.Equal(t, "SIGTERM", StepSoftTerminate.SignalName())

	sig, sends = StepHardTerminate.Signal()
	require.True(t, sends)
	assert.Equal(t, syscall.SIGKILL, sig)
	assert.Equal(t, "SIGKILL", StepHardTerminate.SignalName())
}
