package scope

import "time"

// ViolationKind enumerates the reasons a request can be denied.
type ViolationKind string

const (
	ViolationMissingScope         ViolationKind = "missing_scope"
	ViolationInvalidScopeFormat   ViolationKind = "invalid_scope_format"
	ViolationExpiredWindow        ViolationKind = "expired_window"
	ViolationUnauthorizedOp       ViolationKind = "unauthorized_operation"
	ViolationUnauthorizedTarget   ViolationKind = "unauthorized_target"
	ViolationDualApprovalRequired ViolationKind = "dual_approval_required"
)

// Violation is the structured outcome of a denied request. Created fresh per
// evaluation, never mutated, always logged by the caller.
type Violation struct {
	Kind        ViolationKind `json:"violation_type"`
	Operation   string        `json:"operation"`
	Target      string        `json:"target"`
	Message     string        `json:"message"`
	Remediation string        `json:"remediation"`
	Timestamp   time.Time     `json:"timestamp"`
}

// remediations maps each violation kind to the suggestion returned to the
// caller. Every denial carries one.
var remediations = map[ViolationKind]string{
	ViolationMissingScope:         "Attach a signed scope artifact for this engagement before retrying.",
	ViolationInvalidScopeFormat:   "Fix the scope artifact: all required fields must be present and well-typed.",
	ViolationExpiredWindow:        "Request a new maintenance window from the engagement approver.",
	ViolationUnauthorizedOp:       "Add the operation to the artifact's authorized operation set and re-approve.",
	ViolationUnauthorizedTarget:   "Add the target to the artifact's target set (IP, CIDR, hostname, or namespace) and re-approve.",
	ViolationDualApprovalRequired: "Obtain a second approval and set dual_approved on the artifact, or use the audited emergency override.",
}

func newViolation(kind ViolationKind, operation, target, message string, now time.Time) *Violation {
	return &Violation{
		Kind:        kind,
		Operation:   operation,
		Target:      target,
		Message:     message,
		Remediation: remediations[kind],
		Timestamp:   now,
	}
}
