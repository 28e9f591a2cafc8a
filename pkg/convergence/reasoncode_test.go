package convergence

import (
	"testing"

	"github.com/Dicklesworthstone/rchd/pkg/errs"
	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFailureKindToErrorCode(t *testing.T) {
	tests := []struct {
		kind     FailureKind
		expected errs.Code
	}{
		{FailureAuth, errs.CodeSSHAuthFailed},
		{FailureHostValidation, errs.CodeSSHHostKeyError},
		{FailureTrustBoundary, errs.CodeConfigValidationError},
		{FailurePolicyViolation, errs.CodeConfigValidationError},
		{FailureKind("unknown"), errs.CodeInternalStateError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.expected, MapFailureKindToErrorCode(tt.kind))
		})
	}
}

func TestBuildInvocationCarriesMandatoryEnv(t *testing.T) {
	inv := BuildInvocation("repo-updater", Request{
		SchemaVersion:  SchemaVersion,
		Command:        CommandSyncDryRun,
		ProjectsRoot:   "/srv/projects",
		RepoSpecs:      []string{"github.com/acme/lib"},
		IdempotencyKey: "key-1",
		TimeoutSecs:    30,
	})

	assert.Equal(t, "repo-updater", inv.Binary)
	assert.Equal(t, []string{"sync_dry_run", "--repo", "github.com/acme/lib"}, inv.Args)

	env := map[string]string{}
	for _, kv := range inv.Env {
		env[kv[0]] = kv[1]
	}
	assert.Equal(t, "/srv/projects", env["RU_PROJECTS_DIR"])
	assert.Equal(t, "key-1", env["RCH_REPO_IDEMPOTENCY_KEY"])
	assert.Equal(t, SchemaVersion, env["RU_SCHEMA_VERSION"])
}

func TestBuildInvocationIncludesOverrideAndAuthMetadata(t *testing.T) {
	inv := BuildInvocation("repo-updater", Request{
		SchemaVersion:  SchemaVersion,
		Command:        CommandSyncApply,
		ProjectsRoot:   "/srv/projects",
		IdempotencyKey: "key-2",
		TimeoutSecs:    30,
		OperatorOverride: &types.OperatorOverride{
			OperatorID:   "op-1",
			TicketRef:    "OPS-42",
			AuditEventID: "evt-9",
			ApprovedAtMS: 1234,
		},
		AuthContext: &types.AuthContext{
			Source:          types.AuthRequireGhAuth,
			HostFingerprint: "SHA256:abc",
		},
	})

	env := map[string]string{}
	for _, kv := range inv.Env {
		env[kv[0]] = kv[1]
	}
	require.Equal(t, "op-1", env["RU_OPERATOR_ID"])
	assert.Equal(t, "OPS-42", env["RU_OPERATOR_TICKET_REF"])
	assert.Equal(t, "evt-9", env["RU_OPERATOR_AUDIT_EVENT_ID"])
	assert.Equal(t, "1234", env["RU_OPERATOR_APPROVED_AT_MS"])
	assert.Equal(t, string(types.AuthRequireGhAuth), env["RU_AUTH_SOURCE"])
	assert.Equal(t, "SHA256:abc", env["RU_HOST_FINGERPRINT"])
}
