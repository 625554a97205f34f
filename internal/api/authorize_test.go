package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opsrange/scopeguard/internal/scope"
	"go.uber.org/zap"
)

func validArtifact(overrides map[string]any) map[string]any {
	base := map[string]any{
		"client_name":    "Acme Corp",
		"engagement_id":  "ENG-2026-001",
		"approver_name":  "Dana Smith",
		"approver_email": "dana@acme.example",
		"ticket_id":      "SEC-4411",
		"window_start":   time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
		"window_end":     time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"targets": map[string]any{
			"ip_addresses": []string{"192.168.1.50"},
			"cidr_blocks":  []string{"192.168.1.0/24"},
			"namespaces":   []string{"payments"},
		},
		"operations":        []string{"nmap", "kubectl-apply"},
		"emergency_contact": "oncall@acme.example",
		"environment":       "staging",
		"dual_approved":     false,
	}
	for k, v := range overrides {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return base
}

func postAuthorize(t *testing.T, srv *httptest.Server, tenant string, body map[string]any) (*http.Response, AuthorizeResponse) {
	t.Helper()
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/authorize", tenant, body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out AuthorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestAuthorize_SafeOperation(t *testing.T) {
	srv := testServer(t, testDeps(t))

	resp, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation": "ls",
		"target":    "anything",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !out.Authorized || out.Risky {
		t.Errorf("safe op: authorized=%v risky=%v", out.Authorized, out.Risky)
	}
	if out.RequestID == "" {
		t.Error("missing request_id")
	}
}

func TestAuthorize_MissingFields(t *testing.T) {
	srv := testServer(t, testDeps(t))

	for _, body := range []map[string]any{
		{"target": "10.0.0.1"},
		{"operation": "nmap"},
	} {
		resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, srv.URL+"/v1/authorize", "tenant-a", body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestAuthorize_RiskyWithoutArtifact(t *testing.T) {
	deps := testDeps(t)
	srv := testServer(t, deps)

	resp, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation": "nmap",
		"target":    "192.168.1.50",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if out.Authorized {
		t.Error("expected denial")
	}
	if out.Violation == nil || out.Violation.ViolationType != "missing_scope" {
		t.Errorf("violation = %+v", out.Violation)
	}
	if out.Violation.Remediation == "" {
		t.Error("expected remediation text")
	}

	// The denial lands in the tenant's violation stream.
	data, err := os.ReadFile(filepath.Join(deps.Evidence.Root(), "tenant-a", "scope_violations.jsonl"))
	if err != nil {
		t.Fatalf("violation stream not written: %v", err)
	}
	if !strings.Contains(string(data), "missing_scope") {
		t.Errorf("violation stream missing entry: %s", data)
	}
}

func TestAuthorize_InScopeScan(t *testing.T) {
	deps := testDeps(t)
	srv := testServer(t, deps)

	resp, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation":      "nmap",
		"target":         "192.168.1.50",
		"scope_artifact": validArtifact(nil),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !out.Authorized || !out.Risky {
		t.Errorf("authorized=%v risky=%v", out.Authorized, out.Risky)
	}
	if out.Violation != nil {
		t.Errorf("unexpected violation: %+v", out.Violation)
	}

	// A risky allow lands in the decision stream but not the violation stream.
	decisions, err := os.ReadFile(filepath.Join(deps.Evidence.Root(), "tenant-a", "scope_decisions.jsonl"))
	if err != nil {
		t.Fatalf("decision stream not written: %v", err)
	}
	if !strings.Contains(string(decisions), out.RequestID) {
		t.Errorf("decision stream missing request id: %s", decisions)
	}
	if _, err := os.Stat(filepath.Join(deps.Evidence.Root(), "tenant-a", "scope_violations.jsonl")); !os.IsNotExist(err) {
		t.Error("risky allow must not write a violation record")
	}
}

func TestAuthorize_OutOfScopeTarget(t *testing.T) {
	srv := testServer(t, testDeps(t))

	resp, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation":      "nmap",
		"target":         "10.99.0.1",
		"scope_artifact": validArtifact(nil),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if out.Violation == nil || out.Violation.ViolationType != "unauthorized_target" {
		t.Errorf("violation = %+v", out.Violation)
	}
}

func TestAuthorize_DualApprovalDenied(t *testing.T) {
	srv := testServer(t, testDeps(t))

	_, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation": "kubectl-apply",
		"target":    "payments",
		"scope_artifact": validArtifact(map[string]any{
			"environment": "production",
		}),
	})
	if out.Authorized {
		t.Fatal("production change without dual approval allowed")
	}
	if out.Violation.ViolationType != "dual_approval_required" {
		t.Errorf("violation = %+v", out.Violation)
	}
}

func TestAuthorize_EmergencyOverride(t *testing.T) {
	deps := testDeps(t)
	srv := testServer(t, deps)

	resp, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation": "kubectl-apply",
		"target":    "payments",
		"scope_artifact": validArtifact(map[string]any{
			"environment": "production",
		}),
		"emergency_override": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !out.Authorized || !out.EmergencyOverride {
		t.Errorf("authorized=%v override=%v", out.Authorized, out.EmergencyOverride)
	}

	// The override is still recorded in the decision stream.
	decisions, err := os.ReadFile(filepath.Join(deps.Evidence.Root(), "tenant-a", "scope_decisions.jsonl"))
	if err != nil {
		t.Fatalf("decision stream not written: %v", err)
	}
	if !strings.Contains(string(decisions), `"emergency_override":true`) {
		t.Errorf("override not flagged in decision stream: %s", decisions)
	}
}

func TestAuthorize_EmergencyOverrideRequiresPolicy(t *testing.T) {
	deps := testDeps(t)
	// Staging never requires dual approval, so force the denial via an
	// environment that requires it but forbids overrides.
	deps.Guard = scope.NewGuard(
		[]string{"kubectl-*"},
		map[string]scope.EnvironmentPolicy{
			"production": {RequireDualApproval: true, AllowEmergencyOverride: false},
		},
	)
	srv := testServer(t, deps)

	_, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation": "kubectl-apply",
		"target":    "payments",
		"scope_artifact": validArtifact(map[string]any{
			"environment": "production",
		}),
		"emergency_override": true,
	})
	if out.Authorized {
		t.Error("override honored despite policy forbidding it")
	}
}

func TestAuthorize_EmergencyOverrideRequiresContact(t *testing.T) {
	srv := testServer(t, testDeps(t))

	_, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation": "kubectl-apply",
		"target":    "payments",
		"scope_artifact": validArtifact(map[string]any{
			"environment":       "production",
			"emergency_contact": nil,
		}),
		"emergency_override": true,
	})
	if out.Authorized {
		t.Error("override honored without an emergency contact on the artifact")
	}
}

func TestAuthorize_OverrideIgnoredForOtherViolations(t *testing.T) {
	srv := testServer(t, testDeps(t))

	// The escape hatch exists for dual approval only — never for an
	// out-of-scope target.
	_, out := postAuthorize(t, srv, "tenant-a", map[string]any{
		"operation": "nmap",
		"target":    "10.99.0.1",
		"scope_artifact": validArtifact(map[string]any{
			"environment": "production",
		}),
		"emergency_override": true,
	})
	if out.Authorized {
		t.Error("override bypassed a target scope violation")
	}
}

func TestAuthorize_ApprovalFlow(t *testing.T) {
	deps := testDeps(t)
	approvals := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/prop-ok") {
			fmt.Fprint(w, `{"status": "approved"}`)
			return
		}
		fmt.Fprint(w, `{"status": "rejected"}`)
	}))
	t.Cleanup(approvals.Close)
	deps.Approvals = scope.NewApprovalWaiter(
		scope.NewHTTPApprovalSource(approvals.URL),
		10*time.Millisecond, time.Second, zap.NewNop(),
	)
	srv := testServer(t, deps)

	body := map[string]any{
		"operation": "kubectl-apply",
		"target":    "payments",
		"scope_artifact": validArtifact(map[string]any{
			"environment": "production",
		}),
	}

	body["approval_id"] = "prop-ok"
	resp, out := postAuthorize(t, srv, "tenant-a", body)
	if resp.StatusCode != http.StatusOK || !out.Authorized {
		t.Errorf("approved proposal: status=%d authorized=%v", resp.StatusCode, out.Authorized)
	}
	if out.EmergencyOverride {
		t.Error("approval path must not report an override")
	}

	body["approval_id"] = "prop-no"
	resp, out = postAuthorize(t, srv, "tenant-a", body)
	if resp.StatusCode != http.StatusForbidden || out.Authorized {
		t.Errorf("rejected proposal: status=%d authorized=%v", resp.StatusCode, out.Authorized)
	}
}
