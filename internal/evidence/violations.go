package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opsrange/scopeguard/internal/pathsafe"
	"github.com/opsrange/scopeguard/internal/redact"
	"go.uber.org/zap"
)

// SeverityHigh tags denials in the violation stream.
const SeverityHigh = "HIGH"

// ViolationRecord is one line in a tenant's scope_violations stream.
// Always blocked, never deleted or edited.
type ViolationRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	ViolationType string    `json:"violation_type"`
	Operation     string    `json:"operation"`
	Target        string    `json:"target"`
	Message       string    `json:"message"`
	Remediation   string    `json:"remediation,omitempty"`
	Severity      string    `json:"severity"`
	Blocked       bool      `json:"blocked"`
}

// DecisionRecord is one line in a tenant's scope_decisions stream: every
// denial and every authorized risky operation lands here.
type DecisionRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestID         string    `json:"request_id"`
	Operation         string    `json:"operation"`
	Target            string    `json:"target"`
	Environment       string    `json:"environment,omitempty"`
	Authorized        bool      `json:"authorized"`
	ViolationType     string    `json:"violation_type,omitempty"`
	Severity          string    `json:"severity"`
	EmergencyOverride bool      `json:"emergency_override,omitempty"`
	Message           string    `json:"message,omitempty"`
}

// AppendDecision appends one decision record to the tenant-scoped
// scope_decisions stream.
func (s *Store) AppendDecision(tenant string, rec DecisionRecord) error {
	path, err := pathsafe.SafeJoin(s.root, tenant, "scope_decisions.jsonl")
	if err != nil {
		return fmt.Errorf("AppendDecision: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("AppendDecision: %w", err)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Operation = redact.Redact(rec.Operation)
	rec.Target = redact.Redact(rec.Target)
	rec.Message = redact.Redact(rec.Message)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendDecision: %w", err)
	}
	if err := appendLine(path, data); err != nil {
		return fmt.Errorf("AppendDecision: %w", err)
	}
	return nil
}

// AppendViolation appends one violation record to the tenant-scoped
// scope_violations stream. The message and target pass through redaction —
// a denied request may quote secret material from its input.
func (s *Store) AppendViolation(tenant string, rec ViolationRecord) error {
	path, err := pathsafe.SafeJoin(s.root, tenant, "scope_violations.jsonl")
	if err != nil {
		return fmt.Errorf("AppendViolation: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("AppendViolation: %w", err)
	}

	rec.Blocked = true
	if rec.Severity == "" {
		rec.Severity = SeverityHigh
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Operation = redact.Redact(rec.Operation)
	rec.Target = redact.Redact(rec.Target)
	rec.Message = redact.Redact(rec.Message)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("AppendViolation: %w", err)
	}
	if err := appendLine(path, data); err != nil {
		return fmt.Errorf("AppendViolation: %w", err)
	}

	s.logger.Warn("scope violation recorded",
		zap.String("tenant", tenant),
		zap.String("violation_type", rec.ViolationType),
		zap.String("operation", rec.Operation),
		zap.String("target", rec.Target),
	)
	return nil
}
