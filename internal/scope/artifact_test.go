package scope

import (
	"errors"
	"testing"
	"time"
)

func TestParseArtifact_Valid(t *testing.T) {
	a, err := ParseArtifact(testArtifact(t, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ClientName != "Acme Corp" {
		t.Errorf("client_name = %q", a.ClientName)
	}
	if a.EngagementID != "ENG-2026-001" {
		t.Errorf("engagement_id = %q", a.EngagementID)
	}
	wantStart := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if !a.WindowStart.Equal(wantStart) {
		t.Errorf("window_start = %v, want %v", a.WindowStart, wantStart)
	}
	if len(a.Targets.IPAddresses) != 1 || a.Targets.IPAddresses[0] != "192.168.1.50" {
		t.Errorf("targets.ip_addresses = %v", a.Targets.IPAddresses)
	}
	if a.DualApproved {
		t.Error("dual_approved should be false")
	}
	if a.EmergencyContact != "oncall@acme.example" {
		t.Errorf("emergency_contact = %q", a.EmergencyContact)
	}
}

func TestParseArtifact_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty payload", nil},
		{"not json", []byte("not-json")},
		{"json array", []byte(`["a", "b"]`)},
		{"missing client_name", testArtifact(t, map[string]any{"client_name": nil})},
		{"empty client_name", testArtifact(t, map[string]any{"client_name": ""})},
		{"missing ticket_id", testArtifact(t, map[string]any{"ticket_id": nil})},
		{"operations wrong type", testArtifact(t, map[string]any{"operations": "nmap"})},
		{"operations empty", testArtifact(t, map[string]any{"operations": []string{}})},
		{"no target categories", testArtifact(t, map[string]any{"targets": map[string]any{}})},
		{"bad timestamp", testArtifact(t, map[string]any{"window_start": "yesterday"})},
		{"inverted window", testArtifact(t, map[string]any{
			"window_start": "2026-02-01T00:00:00Z",
			"window_end":   "2026-01-01T00:00:00Z",
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArtifact(tt.raw)
			if !errors.Is(err, ErrInvalidArtifact) {
				t.Errorf("expected ErrInvalidArtifact, got: %v", err)
			}
		})
	}
}

func TestParseArtifact_EmergencyContactOptional(t *testing.T) {
	a, err := ParseArtifact(testArtifact(t, map[string]any{"emergency_contact": nil}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.EmergencyContact != "" {
		t.Errorf("emergency_contact = %q, want empty", a.EmergencyContact)
	}
}

func TestTargetSetEmpty(t *testing.T) {
	if !(TargetSet{}).Empty() {
		t.Error("zero TargetSet should be empty")
	}
	if (TargetSet{Namespaces: []string{"payments"}}).Empty() {
		t.Error("TargetSet with a namespace should not be empty")
	}
}
