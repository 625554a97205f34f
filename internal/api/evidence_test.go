package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func seedSession(t *testing.T, deps *Dependencies, tenant string) (sessionID, artifactPath string) {
	t.Helper()
	sess, err := deps.Evidence.OpenSession(tenant, "agent-1", "recon")
	if err != nil {
		t.Fatal(err)
	}
	path, _, err := sess.WriteArtifact("scan.txt", []byte("3 open ports\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Finalize(); err != nil {
		t.Fatal(err)
	}
	return sess.ID(), path
}

func getEvidence(t *testing.T, srv *httptest.Server, tenant, rel string) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, srv.URL+"/v1/evidence/files/"+rel, tenant, nil))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestListSessions(t *testing.T) {
	deps := testDeps(t)
	id, _ := seedSession(t, deps, "tenant-a")
	srv := testServer(t, deps)

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, srv.URL+"/v1/evidence/sessions", "tenant-a", nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out SessionListResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 1 || len(out.Sessions) != 1 {
		t.Fatalf("sessions = %+v", out)
	}
	if out.Sessions[0].ID != id {
		t.Errorf("session id = %s, want %s", out.Sessions[0].ID, id)
	}
	if out.Sessions[0].SealedAt == nil {
		t.Error("sealed session missing sealed_at")
	}
}

func TestListSessions_TenantScoped(t *testing.T) {
	deps := testDeps(t)
	seedSession(t, deps, "tenant-a")
	srv := testServer(t, deps)

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, srv.URL+"/v1/evidence/sessions", "tenant-b", nil))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out SessionListResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 0 {
		t.Errorf("tenant-b sees %d foreign sessions", out.Total)
	}
}

func TestReadEvidenceFile(t *testing.T) {
	deps := testDeps(t)
	id, _ := seedSession(t, deps, "tenant-a")
	srv := testServer(t, deps)

	resp := getEvidence(t, srv, "tenant-a", "sessions/"+id+"/artifacts/scan.txt")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "3 open ports\n" {
		t.Errorf("body = %q", data)
	}
}

func TestReadEvidenceFile_NotFound(t *testing.T) {
	deps := testDeps(t)
	seedSession(t, deps, "tenant-a")
	srv := testServer(t, deps)

	resp := getEvidence(t, srv, "tenant-a", "sessions/nope/artifacts/missing.txt")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReadEvidenceFile_ExtensionAllowlist(t *testing.T) {
	deps := testDeps(t)
	sess, err := deps.Evidence.OpenSession("tenant-a", "agent-1", "recon")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sess.WriteArtifact("payload.sh", []byte("#!/bin/sh\n")); err != nil {
		t.Fatal(err)
	}
	srv := testServer(t, deps)

	resp := getEvidence(t, srv, "tenant-a", "sessions/"+sess.ID()+"/artifacts/payload.sh")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for disallowed extension", resp.StatusCode)
	}
}

func TestReadEvidenceFile_SizeCeiling(t *testing.T) {
	deps := testDeps(t)
	deps.MaxResponseBytes = 16
	sess, err := deps.Evidence.OpenSession("tenant-a", "agent-1", "recon")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sess.WriteArtifact("big.txt", []byte("this artifact is larger than sixteen bytes")); err != nil {
		t.Fatal(err)
	}
	srv := testServer(t, deps)

	resp := getEvidence(t, srv, "tenant-a", "sessions/"+sess.ID()+"/artifacts/big.txt")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestReadEvidenceFile_TraversalRejected(t *testing.T) {
	deps := testDeps(t)
	seedSession(t, deps, "tenant-a")
	// Plant a file outside tenant-a so a successful escape would be visible.
	other := filepath.Join(deps.Evidence.Root(), "tenant-b")
	if err := os.MkdirAll(other, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(other, "loot.txt"), []byte("other tenant data"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := testServer(t, deps)

	for _, rel := range []string{
		url.PathEscape("../tenant-b/loot.txt"),
		"%252e%252e/tenant-b/loot.txt",
	} {
		resp := getEvidence(t, srv, "tenant-a", rel)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			t.Errorf("traversal %q succeeded: %s", rel, body)
		}
	}
}

func TestVerifySessionEndpoint(t *testing.T) {
	deps := testDeps(t)
	id, artifactPath := seedSession(t, deps, "tenant-a")
	srv := testServer(t, deps)

	verify := func() VerifyResp {
		resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet,
			srv.URL+"/v1/evidence/sessions/"+id+"/verify", "tenant-a", nil))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var out VerifyResp
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	if out := verify(); out.Tampered || len(out.Mismatches) != 0 {
		t.Errorf("clean session reported tampered: %+v", out)
	}

	if err := os.WriteFile(artifactPath, []byte("doctored"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := verify()
	if !out.Tampered || len(out.Mismatches) != 1 {
		t.Errorf("tampering not reported: %+v", out)
	}
}

func TestVerifySessionEndpoint_UnknownSession(t *testing.T) {
	deps := testDeps(t)
	seedSession(t, deps, "tenant-a")
	srv := testServer(t, deps)

	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet,
		srv.URL+"/v1/evidence/sessions/20990101T000000-deadbeef/verify", "tenant-a", nil))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEventsEndpoints_UnconfiguredReader(t *testing.T) {
	srv := testServer(t, testDeps(t))

	for _, path := range []string{"/v1/events", "/v1/events/req-123", "/v1/analytics"} {
		resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, srv.URL+path, "tenant-a", nil))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", path, resp.StatusCode)
		}
	}
}
