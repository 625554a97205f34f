package evidence

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStore_SessionIndex(t *testing.T) {
	s := testStore(t)

	first, err := s.OpenSession("tenant-a", "agent-1", "recon")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.OpenSession("tenant-a", "agent-2", "exploit")
	if err != nil {
		t.Fatal(err)
	}

	records, err := s.ListSessions("tenant-a")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(records))
	}
	if records[0].ID != first.ID() || records[1].ID != second.ID() {
		t.Errorf("index order wrong: %+v", records)
	}
	if records[0].SealedAt != nil {
		t.Error("open session should have no sealed_at")
	}

	if _, err := first.Finalize(); err != nil {
		t.Fatal(err)
	}
	records, err = s.ListSessions("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if records[0].SealedAt == nil {
		t.Error("sealed session missing sealed_at in index")
	}
	if records[1].SealedAt != nil {
		t.Error("sealing one session must not seal the other")
	}
}

func TestStore_TenantIsolation(t *testing.T) {
	s := testStore(t)
	if _, err := s.OpenSession("tenant-a", "agent-1", "recon"); err != nil {
		t.Fatal(err)
	}

	records, err := s.ListSessions("tenant-b")
	if err != nil {
		t.Fatalf("ListSessions for fresh tenant: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("tenant-b sees tenant-a sessions: %+v", records)
	}
}

func TestStore_ConcurrentSessionOpens(t *testing.T) {
	s := testStore(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.OpenSession("tenant-a", "agent", "task")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent OpenSession: %v", err)
		}
	}

	records, err := s.ListSessions("tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != n {
		t.Errorf("index lost entries under concurrency: %d of %d", len(records), n)
	}
}

func TestStore_AppendViolation(t *testing.T) {
	s := testStore(t)

	err := s.AppendViolation("tenant-a", ViolationRecord{
		Timestamp:     time.Now().UTC(),
		ViolationType: "unauthorized_target",
		Operation:     "nmap",
		Target:        "10.0.0.1",
		Message:       "target not in scope; token=secret123",
		Remediation:   "Add the target to the artifact's target set.",
		Blocked:       false, // forced true on write
	})
	if err != nil {
		t.Fatalf("AppendViolation: %v", err)
	}

	lines := readLines(t, filepath.Join(s.Root(), "tenant-a", "scope_violations.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 violation line, got %d", len(lines))
	}
	rec := lines[0]
	if rec["blocked"] != true {
		t.Error("violation record must always be blocked")
	}
	if rec["severity"] != SeverityHigh {
		t.Errorf("severity = %v, want %s", rec["severity"], SeverityHigh)
	}
	if msg := rec["message"].(string); strings.Contains(msg, "secret123") {
		t.Errorf("secret survived into violation record: %s", msg)
	}
}

func TestStore_AppendDecision(t *testing.T) {
	s := testStore(t)

	for _, rec := range []DecisionRecord{
		{Timestamp: time.Now().UTC(), RequestID: "req-1", Operation: "nmap", Target: "192.168.1.50", Authorized: true, Severity: SeverityHigh},
		{Timestamp: time.Now().UTC(), RequestID: "req-2", Operation: "nmap", Target: "10.0.0.1", Authorized: false, ViolationType: "unauthorized_target", Severity: SeverityHigh},
	} {
		if err := s.AppendDecision("tenant-a", rec); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}

	lines := readLines(t, filepath.Join(s.Root(), "tenant-a", "scope_decisions.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 decision lines, got %d", len(lines))
	}
	if lines[0]["request_id"] != "req-1" || lines[0]["authorized"] != true {
		t.Errorf("first decision wrong: %v", lines[0])
	}
	if lines[1]["violation_type"] != "unauthorized_target" {
		t.Errorf("second decision wrong: %v", lines[1])
	}
}

func TestStore_OpenFileTraversalRejected(t *testing.T) {
	s := testStore(t)
	if _, err := s.OpenSession("tenant-a", "agent-1", "recon"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.OpenFile("tenant-a", "../tenant-b/index.json"); err == nil {
		t.Error("traversal through OpenFile allowed")
	}
	if _, _, err := s.OpenFile("tenant-a", "/etc/passwd"); err == nil {
		t.Error("absolute path through OpenFile allowed")
	}
}

func TestStore_OpenFileReadsEvidence(t *testing.T) {
	s := testStore(t)
	sess, err := s.OpenSession("tenant-a", "agent-1", "recon")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sess.WriteArtifact("scan.txt", []byte("results")); err != nil {
		t.Fatal(err)
	}

	rel := filepath.Join("sessions", sess.ID(), "artifacts", "scan.txt")
	f, info, err := s.OpenFile("tenant-a", rel)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	if info.Size() != int64(len("results")) {
		t.Errorf("size = %d", info.Size())
	}
}

func TestAcquireLock_Exclusive(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "index.lock")

	unlock, err := acquireLock(lockPath)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	unlock()
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file not removed on unlock")
	}
}
