package api

import (
	"encoding/json"
	"time"
)

// --- POST /v1/authorize request/response ---

// AuthorizeRequest is the JSON body for POST /v1/authorize.
type AuthorizeRequest struct {
	Operation     string          `json:"operation"`
	Target        string          `json:"target"`
	ScopeArtifact json.RawMessage `json:"scope_artifact,omitempty"`
	Environment   string          `json:"environment,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	// ApprovalID references a pending proposal in the external approval
	// workflow; when set, a dual_approval_required denial waits (bounded)
	// for that proposal instead of failing immediately.
	ApprovalID string `json:"approval_id,omitempty"`
	// EmergencyOverride requests the audited escape hatch for
	// dual_approval_required denials. Honored only when the environment
	// policy allows it and the artifact carries an emergency contact.
	EmergencyOverride bool `json:"emergency_override,omitempty"`
}

// ViolationResp mirrors scope.Violation for JSON responses.
type ViolationResp struct {
	ViolationType string    `json:"violation_type"`
	Operation     string    `json:"operation"`
	Target        string    `json:"target"`
	Message       string    `json:"message"`
	Remediation   string    `json:"remediation"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuthorizeResponse is the JSON response for POST /v1/authorize.
type AuthorizeResponse struct {
	Authorized        bool           `json:"authorized"`
	RequestID         string         `json:"request_id"`
	Risky             bool           `json:"risky"`
	Violation         *ViolationResp `json:"violation,omitempty"`
	EmergencyOverride bool           `json:"emergency_override,omitempty"`
	LatencyMs         float64        `json:"latency_ms"`
}

// --- Evidence read API ---

// SessionResp is one entry in the session list response.
type SessionResp struct {
	ID        string     `json:"id"`
	Agent     string     `json:"agent"`
	Task      string     `json:"task"`
	CreatedAt time.Time  `json:"created_at"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
}

// SessionListResp is the response for GET /v1/evidence/sessions.
type SessionListResp struct {
	Sessions []SessionResp `json:"sessions"`
	Total    int           `json:"total"`
}

// VerifyResp is the response for a session integrity check.
type VerifyResp struct {
	SessionID  string             `json:"session_id"`
	Tampered   bool               `json:"tampered"`
	Mismatches []MismatchResp     `json:"mismatches"`
}

// MismatchResp reports one file whose digest no longer matches the manifest.
type MismatchResp struct {
	Path     string `json:"path"`
	Recorded string `json:"recorded_sha256"`
	Actual   string `json:"actual_sha256"`
}

// --- Tenant admin CRUD ---

// CreateTenantReq is the JSON body for POST /api/scopeguard/tenants.
type CreateTenantReq struct {
	Name string `json:"name"`
}

// CreateTenantResp includes the plaintext token secret (shown once).
type CreateTenantResp struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TokenSecret string    `json:"token_secret"`
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"created_at"`
}

// TenantResp mirrors a tenant row without its secret.
type TenantResp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RotateSecretResp includes the new plaintext token secret (shown once).
type RotateSecretResp struct {
	ID          string    `json:"id"`
	TokenSecret string    `json:"token_secret"`
	Token       string    `json:"token"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// --- Decision events ---

// EventResp mirrors one authorization_events row.
type EventResp struct {
	RequestID         string    `json:"request_id"`
	Timestamp         time.Time `json:"timestamp"`
	AgentID           string    `json:"agent_id"`
	TaskID            string    `json:"task_id"`
	Operation         string    `json:"operation"`
	Target            string    `json:"target"`
	Environment       string    `json:"environment"`
	Authorized        bool      `json:"authorized"`
	Risky             bool      `json:"risky"`
	ViolationType     *string   `json:"violation_type"`
	Message           *string   `json:"message"`
	Severity          string    `json:"severity"`
	EmergencyOverride bool      `json:"emergency_override"`
	LatencyMs         float32   `json:"latency_ms"`
}

// EventListResp is the paginated event list response.
type EventListResp struct {
	Events   []EventResp `json:"events"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// ErrorResp is the generic error envelope.
type ErrorResp struct {
	Detail string `json:"detail"`
}
