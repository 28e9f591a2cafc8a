package convergence

import (
	"fmt"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
)

// MapFailureKindToErrorCode bridges a contract failure bucket onto the
// daemon's stable RCH-Exxx taxonomy for user-visible reporting.
func MapFailureKindToErrorCode(kind FailureKind) errs.Code {
	switch kind {
	case FailureAuth:
		return errs.CodeSSHAuthFailed
	case FailureHostValidation:
		return errs.CodeSSHHostKeyError
	case FailureTrustBoundary:
		return errs.CodeConfigValidationError
	case FailurePolicyViolation:
		return errs.CodeConfigValidationError
	default:
		return errs.CodeInternalStateError
	}
}

// Invocation is the fully rendered adapter process spec: binary, argv, and
// environment. Built only after ValidateRequest has passed.
type Invocation struct {
	Binary string
	Args   []string
	Env    [][2]string
}

// BuildInvocation renders the adapter invocation for a validated request.
// The environment always carries the projects dir and idempotency key;
// operator-override and auth metadata ride along when present so the
// adapter's own audit trail matches the daemon's.
func BuildInvocation(binary string, req Request) Invocation {
	inv := Invocation{
		Binary: binary,
		Args:   []string{string(req.Command)},
		Env: [][2]string{
			{"RU_PROJECTS_DIR", req.ProjectsRoot},
			{"RCH_REPO_IDEMPOTENCY_KEY", req.IdempotencyKey},
			{"RU_SCHEMA_VERSION", req.SchemaVersion},
			{"RU_TIMEOUT_SECS", fmt.Sprintf("%d", req.TimeoutSecs)},
		},
	}

	for _, spec := range req.RepoSpecs {
		inv.Args = append(inv.Args, "--repo", spec)
	}

	if o := req.OperatorOverride; o != nil {
		inv.Env = append(inv.Env,
			[2]string{"RU_OPERATOR_ID", o.OperatorID},
			[2]string{"RU_OPERATOR_TICKET_REF", o.TicketRef},
			[2]string{"RU_OPERATOR_AUDIT_EVENT_ID", o.AuditEventID},
			[2]string{"RU_OPERATOR_APPROVED_AT_MS", fmt.Sprintf("%d", o.ApprovedAtMS)},
		)
	}

	if a := req.AuthContext; a != nil {
		inv.Env = append(inv.Env, [2]string{"RU_AUTH_SOURCE", string(a.Source)})
		if a.HostFingerprint != "" {
			inv.Env = append(inv.Env, [2]string{"RU_HOST_FINGERPRINT", a.HostFingerprint})
		}
	}

	return inv
}
