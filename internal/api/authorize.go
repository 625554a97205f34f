package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opsrange/scopeguard/internal/evidence"
	"github.com/opsrange/scopeguard/internal/scope"
	"github.com/opsrange/scopeguard/internal/storage"
	"go.uber.org/zap"
)

// handleAuthorize is the decision point: evaluate the request against its
// scope artifact, record the outcome in the tenant's evidence trail, and
// emit an analytics event. The decision itself never blocks on storage.
func (d *Dependencies) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenant := tenantFromContext(r.Context())

	var req AuthorizeRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	if req.Operation == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "operation is required"})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "target is required"})
		return
	}

	requestID := uuid.New().String()
	decision := d.Guard.Validate(req.Operation, req.Target, req.ScopeArtifact, req.Environment)

	env := req.Environment
	if env == "" && decision.Artifact != nil {
		env = decision.Artifact.Environment
	}

	overridden := false
	if !decision.Authorized && decision.Violation != nil &&
		decision.Violation.Kind == scope.ViolationDualApprovalRequired {
		switch {
		case req.EmergencyOverride:
			if d.Guard.EmergencyOverrideAllowed(env) &&
				decision.Artifact != nil && decision.Artifact.EmergencyContact != "" {
				overridden = true
				d.Logger.Warn("emergency override granted",
					zap.String("tenant_id", tenant),
					zap.String("request_id", requestID),
					zap.String("operation", req.Operation),
					zap.String("target", req.Target),
					zap.String("emergency_contact", decision.Artifact.EmergencyContact))
			}
		case req.ApprovalID != "" && d.Approvals != nil:
			approved, err := d.Approvals.Wait(r.Context(), req.ApprovalID)
			if err != nil && !errors.Is(err, scope.ErrApprovalTimeout) {
				d.Logger.Warn("approval check failed",
					zap.String("request_id", requestID),
					zap.String("approval_id", req.ApprovalID),
					zap.Error(err))
			}
			if approved {
				overridden = false
				decision.Authorized = true
				decision.Violation = nil
			}
		}
	}

	authorized := decision.Authorized || overridden
	latency := time.Since(start)

	d.recordDecision(tenant, requestID, env, req, decision, authorized, overridden, latency)

	resp := AuthorizeResponse{
		Authorized:        authorized,
		RequestID:         requestID,
		Risky:             decision.Risky,
		EmergencyOverride: overridden,
		LatencyMs:         float64(latency.Microseconds()) / 1000.0,
	}
	if !authorized && decision.Violation != nil {
		resp.Violation = violationResp(decision.Violation)
	}

	status := http.StatusOK
	if !authorized {
		status = http.StatusForbidden
	}
	writeJSON(w, status, resp)
}

// recordDecision writes the evidence trail entries and the analytics event
// for one decision. Evidence write failures are logged, never surfaced — the
// decision already happened.
func (d *Dependencies) recordDecision(tenant, requestID, env string, req AuthorizeRequest,
	decision scope.Decision, authorized, overridden bool, latency time.Duration) {

	now := time.Now().UTC()

	if !authorized && decision.Violation != nil {
		if err := d.Evidence.AppendViolation(tenant, evidence.ViolationRecord{
			Timestamp:     now,
			ViolationType: string(decision.Violation.Kind),
			Operation:     req.Operation,
			Target:        req.Target,
			Message:       decision.Violation.Message,
			Remediation:   decision.Violation.Remediation,
		}); err != nil {
			d.Logger.Error("violation record write failed",
				zap.String("tenant_id", tenant), zap.Error(err))
		}
	}

	// Denials and risky allows both land in the decision stream; safe
	// operations stay out of the evidence trail.
	if decision.Risky {
		rec := evidence.DecisionRecord{
			Timestamp:         now,
			RequestID:         requestID,
			Operation:         req.Operation,
			Target:            req.Target,
			Environment:       env,
			Authorized:        authorized,
			EmergencyOverride: overridden,
		}
		if !authorized || overridden {
			rec.Severity = evidence.SeverityHigh
		}
		if decision.Violation != nil {
			rec.ViolationType = string(decision.Violation.Kind)
			rec.Message = decision.Violation.Message
		}
		if err := d.Evidence.AppendDecision(tenant, rec); err != nil {
			d.Logger.Error("decision record write failed",
				zap.String("tenant_id", tenant), zap.Error(err))
		}
	}

	event := &storage.DecisionEvent{
		RequestID:         requestID,
		TenantID:          tenant,
		Timestamp:         now,
		AgentID:           req.AgentID,
		TaskID:            req.TaskID,
		Operation:         req.Operation,
		Target:            req.Target,
		Environment:       env,
		Authorized:        authorized,
		Risky:             decision.Risky,
		EmergencyOverride: overridden,
		LatencyMs:         float32(latency.Microseconds()) / 1000.0,
		Source:            "api",
	}
	if !authorized || overridden {
		event.Severity = evidence.SeverityHigh
	}
	if decision.Violation != nil && !authorized {
		event.ViolationType = string(decision.Violation.Kind)
		event.Message = storage.TruncateMessage(decision.Violation.Message, storage.MessagePreviewLength)
	}
	if decision.Artifact != nil {
		event.EngagementID = decision.Artifact.EngagementID
		event.TicketID = decision.Artifact.TicketID
	}
	d.Writer.Write(event)
}

func violationResp(v *scope.Violation) *ViolationResp {
	return &ViolationResp{
		ViolationType: string(v.Kind),
		Operation:     v.Operation,
		Target:        v.Target,
		Message:       v.Message,
		Remediation:   v.Remediation,
		Timestamp:     v.Timestamp,
	}
}
