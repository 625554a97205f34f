package scope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidArtifact wraps every parse or validation failure of a scope
// artifact. Callers map it to an invalid_scope_format denial — a malformed
// artifact is never trusted for time or target checks.
var ErrInvalidArtifact = errors.New("invalid scope artifact")

// TargetSet holds the authorized target categories of an engagement.
// Each entry may be "*" for a category-wide wildcard.
type TargetSet struct {
	IPAddresses []string `json:"ip_addresses"`
	CIDRBlocks  []string `json:"cidr_blocks"`
	Hostnames   []string `json:"hostnames"`
	Namespaces  []string `json:"namespaces"`
}

// Empty reports whether no target category has any entry.
func (t TargetSet) Empty() bool {
	return len(t.IPAddresses) == 0 && len(t.CIDRBlocks) == 0 &&
		len(t.Hostnames) == 0 && len(t.Namespaces) == 0
}

// Artifact is the signed-off authorization contract for a client engagement.
// Immutable input: created by a human approval process outside this service,
// passed in per request, never persisted beyond the evidence trail.
type Artifact struct {
	ClientName       string    `json:"client_name"`
	EngagementID     string    `json:"engagement_id"`
	ApproverName     string    `json:"approver_name"`
	ApproverEmail    string    `json:"approver_email"`
	TicketID         string    `json:"ticket_id"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	Targets          TargetSet `json:"targets"`
	Operations       []string  `json:"operations"`
	EmergencyContact string    `json:"emergency_contact"`
	Environment      string    `json:"environment"`
	DualApproved     bool      `json:"dual_approved"`
}

const artifactSchemaJSON = `{
	"type": "object",
	"required": [
		"client_name", "engagement_id", "approver_name", "approver_email",
		"ticket_id", "window_start", "window_end", "targets", "operations",
		"environment", "dual_approved"
	],
	"properties": {
		"client_name":       {"type": "string", "minLength": 1},
		"engagement_id":     {"type": "string", "minLength": 1},
		"approver_name":     {"type": "string", "minLength": 1},
		"approver_email":    {"type": "string", "minLength": 3},
		"ticket_id":         {"type": "string", "minLength": 1},
		"window_start":      {"type": "string", "minLength": 1},
		"window_end":        {"type": "string", "minLength": 1},
		"targets": {
			"type": "object",
			"properties": {
				"ip_addresses": {"type": "array", "items": {"type": "string"}},
				"cidr_blocks":  {"type": "array", "items": {"type": "string"}},
				"hostnames":    {"type": "array", "items": {"type": "string"}},
				"namespaces":   {"type": "array", "items": {"type": "string"}}
			}
		},
		"operations": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"emergency_contact": {"type": "string"},
		"environment":       {"type": "string", "minLength": 1},
		"dual_approved":     {"type": "boolean"}
	}
}`

var artifactSchema = mustCompileArtifactSchema()

func mustCompileArtifactSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(artifactSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("artifact schema unmarshal: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("scope_artifact.json", doc); err != nil {
		panic(fmt.Sprintf("artifact schema resource: %v", err))
	}
	sch, err := c.Compile("scope_artifact.json")
	if err != nil {
		panic(fmt.Sprintf("artifact schema compile: %v", err))
	}
	return sch
}

// ParseArtifact is the single entry point that turns a loosely-typed JSON
// payload into a validated Artifact. Any missing or mistyped required field,
// unparseable timestamp, or broken invariant rejects the whole artifact.
func ParseArtifact(raw json.RawMessage) (*Artifact, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidArtifact)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidArtifact, err)
	}
	if err := artifactSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}

	if a.WindowStart.After(a.WindowEnd) {
		return nil, fmt.Errorf("%w: window_start is after window_end", ErrInvalidArtifact)
	}
	if len(a.Operations) == 0 {
		return nil, fmt.Errorf("%w: operations must not be empty", ErrInvalidArtifact)
	}
	if a.Targets.Empty() {
		return nil, fmt.Errorf("%w: at least one target category must be non-empty", ErrInvalidArtifact)
	}

	return &a, nil
}
