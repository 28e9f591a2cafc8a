// Package convergence validates repo-updater adapter requests against a
// trust/auth/timeout contract and tracks per-worker repo drift.
package convergence

import (
	"fmt"
	"strings"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// SchemaVersion is the adapter contract's required schema version.
const SchemaVersion = "1.0.0"

// FailureKind buckets a contract violation for alerting/dashboards.
type FailureKind string

const (
	FailureAuth             FailureKind = "AuthFailure"
	FailureTrustBoundary    FailureKind = "TrustBoundaryViolation"
	FailureHostValidation   FailureKind = "HostValidationFailed"
	FailurePolicyViolation  FailureKind = "PolicyViolation"
)

// Stable reason codes surfaced to operators and audit logs. Numeric or
// textual values never change once assigned.
const (
	ReasonSchemaVersionMismatch   = "RU_POLICY_SCHEMA_VERSION_MISMATCH"
	ReasonProjectsRootOutOfScope  = "RU_POLICY_PROJECTS_ROOT_OUT_OF_SCOPE"
	ReasonUnsupportedRepoHost     = "RU_POLICY_UNSUPPORTED_REPO_HOST"
	ReasonRepoSpecNotAllowlisted  = "RU_POLICY_REPO_SPEC_NOT_ALLOWLISTED"
	ReasonLocalPathSpecDenied     = "RU_POLICY_LOCAL_PATH_SPEC_DENIED"
	ReasonOperatorOverrideRequired = "RU_POLICY_OPERATOR_OVERRIDE_REQUIRED"
	ReasonOperatorOverrideDisabled = "RU_POLICY_OPERATOR_OVERRIDE_DISABLED"
	ReasonMalformedOperatorOverride = "RU_POLICY_MALFORMED_OPERATOR_OVERRIDE"
	ReasonMissingAuthContext      = "RU_AUTH_CONTEXT_MISSING"
	ReasonAuthSourceMismatch      = "RU_AUTH_SOURCE_MISMATCH"
	ReasonAuthCredentialRevoked   = "RU_AUTH_CREDENTIAL_REVOKED"
	ReasonAuthCredentialExpired   = "RU_AUTH_CREDENTIAL_EXPIRED"
	ReasonAuthRotationRequired    = "RU_AUTH_ROTATION_REQUIRED"
	ReasonAuthScopeDenied         = "RU_AUTH_SCOPE_DENIED"
	ReasonHostIdentityMissing     = "RU_HOST_IDENTITY_MISSING"
	ReasonHostIdentityMismatch    = "RU_HOST_IDENTITY_MISMATCH"
	ReasonMissingIdempotencyKey   = "RU_POLICY_MISSING_IDEMPOTENCY_KEY"
	ReasonInvalidTimeout          = "RU_POLICY_INVALID_TIMEOUT"
	ReasonRetryAttemptExceeded    = "RU_POLICY_RETRY_ATTEMPT_EXCEEDED"
	ReasonEmptyHostAllowlist      = "RU_POLICY_EMPTY_HOST_ALLOWLIST"
)

// ContractError is a validation failure carrying a stable reason code and
// failure-kind bucket.
type ContractError struct {
	Reason  string
	Kind    FailureKind
	Detail  string
}

func (e *ContractError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Kind, e.Detail)
}

func contractErr(reason string, kind FailureKind, detail string) *ContractError {
	return &ContractError{Reason: reason, Kind: kind, Detail: detail}
}

// AdapterCommand names a repo-updater invocation.
type AdapterCommand string

const (
	CommandListPaths       AdapterCommand = "list_paths"
	CommandStatusNoFetch   AdapterCommand = "status_no_fetch"
	CommandSyncDryRun      AdapterCommand = "sync_dry_run"
	CommandSyncApply       AdapterCommand = "sync_apply"
	CommandRobotDocsSchema AdapterCommand = "robot_docs_schemas"
	CommandVersion         AdapterCommand = "version"
)

// Mutating reports whether command changes on-disk repo state, requiring a
// validated auth context.
func (c AdapterCommand) Mutating() bool { return c == CommandSyncApply }

// Contract bundles the policies validated before every adapter invocation.
// This is a thin alias over types.RepoUpdaterAdapterContract kept local to
// this package's validation code for readability.
type Contract = types.RepoUpdaterAdapterContract

// ValidateContract checks the contract's own internal consistency,
// independent of any particular request.
func ValidateContract(c Contract) error {
	if len(c.TrustPolicy.AllowlistedHosts) == 0 {
		return contractErr(ReasonEmptyHostAllowlist, FailureTrustBoundary, "trust_policy.allowed_repo_hosts is empty")
	}
	if c.AuthPolicy.MaxCredentialAge <= 0 {
		return contractErr(ReasonAuthRotationRequired, FailureAuth, "auth_policy.rotation_max_age must be > 0")
	}
	return nil
}

// Request is a single repo-updater adapter invocation pending validation.
type Request struct {
	SchemaVersion   string
	Command         AdapterCommand
	ProjectsRoot    string
	RepoSpecs       []string
	IdempotencyKey  string
	TimeoutSecs     int
	RetryAttempt    int
	MaxAttempts     int
	RequestedAtMS   int64
	AuthContext     *types.AuthContext
	CredentialIssuedAtMS int64
	OperatorOverride *types.OperatorOverride
}

// ValidateRequest runs every ordered contract check against req, returning
// the first violation encountered. The fail-fast order is fixed: schema,
// idempotency, timeout, retry, projects root, operator override, repo
// specs, auth context.
func ValidateRequest(req Request, contract Contract) error {
	if err := ValidateContract(contract); err != nil {
		return err
	}
	if req.SchemaVersion != SchemaVersion {
		return contractErr(ReasonSchemaVersionMismatch, FailurePolicyViolation,
			fmt.Sprintf("got %q, want %q", req.SchemaVersion, SchemaVersion))
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return contractErr(ReasonMissingIdempotencyKey, FailurePolicyViolation, "")
	}
	if req.TimeoutSecs <= 0 {
		return contractErr(ReasonInvalidTimeout, FailurePolicyViolation, "timeout_secs must be > 0")
	}
	if req.MaxAttempts > 0 && req.RetryAttempt >= req.MaxAttempts {
		return contractErr(ReasonRetryAttemptExceeded, FailurePolicyViolation,
			fmt.Sprintf("attempt %d >= max %d", req.RetryAttempt, req.MaxAttempts))
	}

	if _, err := normalizeProjectsRoot(req.ProjectsRoot, contract.TrustPolicy); err != nil {
		return err
	}

	operatorOverrideActive := false
	if req.OperatorOverride != nil {
		if !contract.TrustPolicy.AllowOperatorOverride {
			return contractErr(ReasonOperatorOverrideDisabled, FailureTrustBoundary, "")
		}
		if err := validateOperatorOverride(*req.OperatorOverride); err != nil {
			return err
		}
		operatorOverrideActive = true
	}

	for _, spec := range req.RepoSpecs {
		normalizedSpec := strings.TrimSpace(spec)
		if host, ok := extractRepoHost(normalizedSpec); ok {
			if _, allowed := contract.TrustPolicy.AllowlistedHosts[strings.ToLower(host)]; !allowed {
				return contractErr(ReasonUnsupportedRepoHost, FailureHostValidation, host)
			}
		} else if len(contract.TrustPolicy.AllowlistedHosts) > 0 {
			return contractErr(ReasonLocalPathSpecDenied, FailureTrustBoundary, normalizedSpec)
		}

		if _, allowlisted := contract.TrustPolicy.AllowlistedRepoSpecs[normalizedSpec]; !allowlisted {
			if operatorOverrideActive {
				continue
			}
			if contract.TrustPolicy.AllowOperatorOverride {
				return contractErr(ReasonOperatorOverrideRequired, FailureTrustBoundary, normalizedSpec)
			}
			return contractErr(ReasonRepoSpecNotAllowlisted, FailureTrustBoundary, normalizedSpec)
		}
	}

	if req.Command.Mutating() {
		if err := validateAuthContext(req, contract); err != nil {
			return err
		}
	}

	return nil
}

// normalizeProjectsRoot rejects path traversal and anything outside the
// canonical root or its approved aliases.
func normalizeProjectsRoot(root string, policy types.TrustPolicy) (string, error) {
	trimmed := strings.TrimRight(root, "/")
	if trimmed == "" || strings.Contains(trimmed, "..") {
		return "", contractErr(ReasonProjectsRootOutOfScope, FailureTrustBoundary, root)
	}
	if trimmed == strings.TrimRight(policy.CanonicalProjectsRoot, "/") {
		return trimmed, nil
	}
	for _, alias := range policy.ApprovedRootAliases {
		if trimmed == strings.TrimRight(alias, "/") {
			return trimmed, nil
		}
	}
	return "", contractErr(ReasonProjectsRootOutOfScope, FailureTrustBoundary, root)
}

// extractRepoHost parses a `host/owner/repo`-or-URL style spec, returning
// ok=false for local path specs (no host component).
func extractRepoHost(spec string) (string, bool) {
	if spec == "" || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
		return "", false
	}
	s := spec
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if at := strings.LastIndex(s, "@"); at >= 0 && at < strings.Index(s+"/", "/") {
		s = s[at+1:]
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 || !strings.Contains(parts[0], ".") {
		return "", false
	}
	return parts[0], true
}

func validateOperatorOverride(o types.OperatorOverride) error {
	switch {
	case strings.TrimSpace(o.OperatorID) == "":
		return contractErr(ReasonMalformedOperatorOverride, FailureTrustBoundary, "operator_id is empty")
	case strings.TrimSpace(o.Justification) == "":
		return contractErr(ReasonMalformedOperatorOverride, FailureTrustBoundary, "justification is empty")
	case strings.TrimSpace(o.TicketRef) == "":
		return contractErr(ReasonMalformedOperatorOverride, FailureTrustBoundary, "ticket_ref is empty")
	case strings.TrimSpace(o.AuditEventID) == "":
		return contractErr(ReasonMalformedOperatorOverride, FailureTrustBoundary, "audit_event_id is empty")
	case o.ApprovedAtMS <= 0:
		return contractErr(ReasonMalformedOperatorOverride, FailureTrustBoundary, "approved_at_ms must be > 0")
	}
	return nil
}

func validateAuthContext(req Request, contract Contract) error {
	auth := req.AuthContext
	if auth == nil {
		return contractErr(ReasonMissingAuthContext, FailureAuth, "")
	}
	if auth.Revoked {
		return contractErr(ReasonAuthCredentialRevoked, FailureAuth, "")
	}
	if contract.AuthPolicy.RequiredSource != "" && auth.Source != contract.AuthPolicy.RequiredSource {
		return contractErr(ReasonAuthSourceMismatch, FailureAuth,
			fmt.Sprintf("got %q, want %q", auth.Source, contract.AuthPolicy.RequiredSource))
	}
	if auth.ExpiresAt != nil {
		expiresAtMS := auth.ExpiresAt.UnixMilli()
		if expiresAtMS <= req.RequestedAtMS {
			return contractErr(ReasonAuthCredentialExpired, FailureAuth, fmt.Sprintf("expired at %d", expiresAtMS))
		}
	}
	if req.CredentialIssuedAtMS > 0 {
		ageMS := req.RequestedAtMS - req.CredentialIssuedAtMS
		if ageMS < 0 {
			return contractErr(ReasonAuthRotationRequired, FailureAuth, "credential issued in the future")
		}
		ageSecs := time.Duration(ageMS) * time.Millisecond
		if ageSecs > contract.AuthPolicy.MaxCredentialAge {
			return contractErr(ReasonAuthRotationRequired, FailureAuth,
				fmt.Sprintf("credential age %s exceeds max %s", ageSecs, contract.AuthPolicy.MaxCredentialAge))
		}
	}

	for _, required := range contract.AuthPolicy.RequiredScopes {
		found := false
		for _, granted := range auth.Scopes {
			if strings.EqualFold(granted, required) {
				found = true
				break
			}
		}
		if !found {
			return contractErr(ReasonAuthScopeDenied, FailureAuth, required)
		}
	}

	if contract.AuthPolicy.VerifyHostIdentity {
		if _, trusted := contract.AuthPolicy.TrustedHostFingerprints[auth.HostFingerprint]; !trusted {
			if auth.HostFingerprint == "" {
				return contractErr(ReasonHostIdentityMissing, FailureHostValidation, "")
			}
			return contractErr(ReasonHostIdentityMismatch, FailureHostValidation, auth.HostFingerprint)
		}
	}

	return nil
}
