package triage

import (
	"syscall"

	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// EscalationStep is one rung of the bounded remediation ladder, ordered
// from least to most impact.
type EscalationStep int

const (
	StepObserve EscalationStep = iota
	StepSoftTerminate
	StepHardTerminate
)

// StepForAction maps an action class onto its ladder rung. ReclaimDisk is
// parsed as a valid class but maps to Observe in the ladder; changing that
// mapping is a policy decision, not a cleanup.
func StepForAction(action types.TriageActionClass) (EscalationStep, bool) {
	switch action {
	case types.ActionObserveOnly, types.ActionReclaimDisk:
		return StepObserve, true
	case types.ActionSoftTerminate:
		return StepSoftTerminate, true
	case types.ActionHardTerminate:
		return StepHardTerminate, true
	default:
		return StepObserve, false
	}
}

// Next returns the following rung, or false at the top of the ladder.
func (s EscalationStep) Next() (EscalationStep, bool) {
	switch s {
	case StepObserve:
		return StepSoftTerminate, true
	case StepSoftTerminate:
		return StepHardTerminate, true
	default:
		return s, false
	}
}

// ActionClass returns the action class this rung executes as.
func (s EscalationStep) ActionClass() types.TriageActionClass {
	switch s {
	case StepSoftTerminate:
		return types.ActionSoftTerminate
	case StepHardTerminate:
		return types.ActionHardTerminate
	default:
		return types.ActionObserveOnly
	}
}

// Signal returns the signal this rung sends, or false for observe-only.
func (s EscalationStep) Signal() (syscall.Signal, bool) {
	switch s {
	case StepSoftTerminate:
		return syscall.SIGTERM, true
	case StepHardTerminate:
		return syscall.SIGKILL, true
	default:
		return 0, false
	}
}

// SignalName returns the conventional name of the rung's signal, or the
// empty string for observe-only.
func (s EscalationStep) SignalName() string {
	switch s {
	case StepSoftTerminate:
		return "SIGTERM"
	case StepHardTerminate:
		return "SIGKILL"
	default:
		return ""
	}
}
