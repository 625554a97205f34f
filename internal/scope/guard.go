package scope

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// EnvironmentPolicy controls per-environment authorization requirements.
type EnvironmentPolicy struct {
	RequireDualApproval    bool `yaml:"require_dual_approval" json:"require_dual_approval"`
	AllowEmergencyOverride bool `yaml:"allow_emergency_override" json:"allow_emergency_override"`
}

// Decision is the outcome of one authorization evaluation. The decision
// function is pure — recording the decision in the evidence trail is the
// caller's job, so this logic stays testable without an evidence store.
type Decision struct {
	Authorized bool
	Risky      bool
	Violation  *Violation
	// Artifact is the parsed scope artifact, nil when absent or malformed.
	Artifact *Artifact
}

// Guard is the authorization decision point for potentially destructive
// operations. Stateless and safe for concurrent use — no I/O, no locks.
type Guard struct {
	riskyOps     []string
	environments map[string]EnvironmentPolicy
	now          func() time.Time
}

// NewGuard builds a Guard from the configured risky-operation patterns
// (exact names or glob-style prefixes like "kubectl-*") and per-environment
// policies.
func NewGuard(riskyOps []string, environments map[string]EnvironmentPolicy) *Guard {
	return &Guard{
		riskyOps:     riskyOps,
		environments: environments,
		now:          time.Now,
	}
}

// Validate evaluates an operation against an optional scope artifact,
// short-circuiting on the first failure. Fail-closed: any ambiguity resolves
// to denial, never to allow.
func (g *Guard) Validate(operation, target string, rawArtifact json.RawMessage, environment string) Decision {
	now := g.now()

	// Safe operations never require a scope artifact.
	if !matchPattern(operation, g.riskyOps) {
		return Decision{Authorized: true}
	}

	if len(rawArtifact) == 0 {
		return Decision{
			Risky: true,
			Violation: newViolation(ViolationMissingScope, operation, target,
				fmt.Sprintf("operation %q is risky and no scope artifact was supplied", operation), now),
		}
	}

	// Format validation comes before any time or target check — a malformed
	// artifact cannot be trusted for those.
	artifact, err := ParseArtifact(rawArtifact)
	if err != nil {
		return Decision{
			Risky: true,
			Violation: newViolation(ViolationInvalidScopeFormat, operation, target,
				err.Error(), now),
		}
	}

	env := environment
	if env == "" {
		env = artifact.Environment
	}
	policy, known := g.environments[env]
	if !known {
		return Decision{
			Risky:    true,
			Artifact: artifact,
			Violation: newViolation(ViolationInvalidScopeFormat, operation, target,
				fmt.Sprintf("unknown environment %q", env), now),
		}
	}

	if now.Before(artifact.WindowStart) || now.After(artifact.WindowEnd) {
		return Decision{
			Risky:    true,
			Artifact: artifact,
			Violation: newViolation(ViolationExpiredWindow, operation, target,
				fmt.Sprintf("current time %s is outside the maintenance window [%s, %s]",
					now.UTC().Format(time.RFC3339),
					artifact.WindowStart.UTC().Format(time.RFC3339),
					artifact.WindowEnd.UTC().Format(time.RFC3339)), now),
		}
	}

	if !matchPattern(operation, artifact.Operations) {
		return Decision{
			Risky:    true,
			Artifact: artifact,
			Violation: newViolation(ViolationUnauthorizedOp, operation, target,
				fmt.Sprintf("operation %q is not in the artifact's authorized operation set", operation), now),
		}
	}

	if !matchTarget(target, artifact.Targets) {
		return Decision{
			Risky:    true,
			Artifact: artifact,
			Violation: newViolation(ViolationUnauthorizedTarget, operation, target,
				fmt.Sprintf("target %q is not in the artifact's target set", target), now),
		}
	}

	if policy.RequireDualApproval && !artifact.DualApproved {
		return Decision{
			Risky:    true,
			Artifact: artifact,
			Violation: newViolation(ViolationDualApprovalRequired, operation, target,
				fmt.Sprintf("environment %q requires dual approval and the artifact is not dual-approved", env), now),
		}
	}

	return Decision{Authorized: true, Risky: true, Artifact: artifact}
}

// EmergencyOverrideAllowed reports whether the environment's policy permits
// the audited emergency escape hatch for dual_approval_required denials.
func (g *Guard) EmergencyOverrideAllowed(environment string) bool {
	return g.environments[environment].AllowEmergencyOverride
}

// matchPattern reports whether op matches any pattern: exact name, the "*"
// wildcard, or a prefix pattern ending in "*".
func matchPattern(op string, patterns []string) bool {
	for _, p := range patterns {
		if p == "*" || p == op {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(op, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// matchTarget reports whether target is covered by the artifact's target
// set: literal IP equality, CIDR containment, literal hostname or namespace
// equality, or a "*" wildcard in any category. Malformed entries in the
// artifact are skipped — they can never authorize anything.
func matchTarget(target string, set TargetSet) bool {
	for _, list := range [][]string{set.IPAddresses, set.CIDRBlocks, set.Hostnames, set.Namespaces} {
		for _, entry := range list {
			if entry == "*" {
				return true
			}
		}
	}

	if addr, err := netip.ParseAddr(target); err == nil {
		for _, entry := range set.IPAddresses {
			if other, err := netip.ParseAddr(entry); err == nil && other == addr {
				return true
			}
		}
		for _, entry := range set.CIDRBlocks {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
		}
		return false
	}

	for _, entry := range set.Hostnames {
		if strings.EqualFold(entry, target) {
			return true
		}
	}
	for _, entry := range set.Namespaces {
		if entry == target {
			return true
		}
	}
	return false
}
