// Package evidence owns the per-tenant, per-session, append-only record of
// what was attempted and what was denied. Everything written here passes
// through redaction first, and every filesystem path is resolved through
// pathsafe — the store never concatenates attacker-influenced paths.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opsrange/scopeguard/internal/pathsafe"
	"go.uber.org/zap"
)

var (
	ErrIndexLocked = errors.New("tenant index lock held too long")
)

const (
	lockRetryInterval = 10 * time.Millisecond
	lockWaitDeadline  = 5 * time.Second
)

// SessionRecord is one entry in a tenant's session index.
type SessionRecord struct {
	ID        string     `json:"id"`
	Agent     string     `json:"agent"`
	Task      string     `json:"task"`
	CreatedAt time.Time  `json:"created_at"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
}

// tenantIndex tracks all sessions for a tenant. Shared across concurrent
// sessions, so every mutation goes through an atomic read-modify-write under
// the tenant's file lock.
type tenantIndex struct {
	Sessions []SessionRecord `json:"sessions"`
}

// Store is the evidence root. One Store serves all tenants; tenant isolation
// is enforced by pathsafe at every resolution.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates (if needed) and opens the evidence root directory.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("NewStore: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute evidence root path.
func (s *Store) Root() string { return s.root }

// OpenSession starts a new evidence session for one authorization/execution
// episode and registers it in the tenant's index.
func (s *Store) OpenSession(tenant, agent, task string) (*Session, error) {
	id := time.Now().UTC().Format("20060102T150405") + "-" + uuid.New().String()[:8]

	dir, err := pathsafe.SafeJoin(s.root, tenant, filepath.Join("sessions", id))
	if err != nil {
		return nil, fmt.Errorf("OpenSession: %w", err)
	}
	for _, sub := range []string{"logs", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("OpenSession: %w", err)
		}
	}

	createdAt := time.Now().UTC()
	err = s.updateIndex(tenant, func(idx *tenantIndex) error {
		idx.Sessions = append(idx.Sessions, SessionRecord{
			ID:        id,
			Agent:     agent,
			Task:      task,
			CreatedAt: createdAt,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("OpenSession: %w", err)
	}

	s.logger.Info("evidence session opened",
		zap.String("tenant", tenant),
		zap.String("session_id", id),
		zap.String("agent", agent),
		zap.String("task", task),
	)

	return &Session{
		store:  s,
		tenant: tenant,
		id:     id,
		agent:  agent,
		task:   task,
		dir:    dir,
		seq:    make(map[string]int),
	}, nil
}

// ListSessions returns the tenant's session index entries, newest last.
func (s *Store) ListSessions(tenant string) ([]SessionRecord, error) {
	var out []SessionRecord
	err := s.updateIndex(tenant, func(idx *tenantIndex) error {
		out = append(out, idx.Sessions...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ListSessions: %w", err)
	}
	return out, nil
}

// OpenFile opens a tenant-relative evidence file for reading. The path is
// resolved through pathsafe; a traversal attempt is a hard error.
func (s *Store) OpenFile(tenant, rel string) (*os.File, os.FileInfo, error) {
	path, err := pathsafe.SafeJoin(s.root, tenant, rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// IntegrityMismatch reports one manifest entry whose stored bytes no longer
// hash to the recorded digest.
type IntegrityMismatch struct {
	Path     string `json:"path"`
	Recorded string `json:"recorded_sha256"`
	Actual   string `json:"actual_sha256"`
}

// VerifySession recomputes the digest of every file listed in a sealed
// session's manifest and returns the mismatches. Tampering is flagged, never
// repaired.
func (s *Store) VerifySession(tenant, sessionID string) ([]IntegrityMismatch, error) {
	manifestRel := filepath.Join("sessions", sessionID, "manifest.json")
	path, err := pathsafe.SafeJoin(s.root, tenant, manifestRel)
	if err != nil {
		return nil, fmt.Errorf("VerifySession: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("VerifySession: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("VerifySession: %w", err)
	}

	var mismatches []IntegrityMismatch
	for _, entry := range m.Files {
		filePath, err := pathsafe.SafeJoin(s.root, tenant, filepath.Join("sessions", sessionID, entry.Path))
		if err != nil {
			return nil, fmt.Errorf("VerifySession: %w", err)
		}
		actual, err := hashFile(filePath)
		if err != nil {
			mismatches = append(mismatches, IntegrityMismatch{
				Path:     entry.Path,
				Recorded: entry.SHA256,
				Actual:   "",
			})
			continue
		}
		if actual != entry.SHA256 {
			mismatches = append(mismatches, IntegrityMismatch{
				Path:     entry.Path,
				Recorded: entry.SHA256,
				Actual:   actual,
			})
		}
	}
	return mismatches, nil
}

// updateIndex performs an atomic read-modify-write of the tenant's session
// index under a file-level lock, so two concurrent sessions never corrupt
// each other's entries.
func (s *Store) updateIndex(tenant string, mutate func(*tenantIndex) error) error {
	indexPath, err := pathsafe.SafeJoin(s.root, tenant, "index.json")
	if err != nil {
		return err
	}
	lockPath, err := pathsafe.SafeJoin(s.root, tenant, "index.lock")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return err
	}

	unlock, err := acquireLock(lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	var idx tenantIndex
	data, err := os.ReadFile(indexPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &idx); err != nil {
			return fmt.Errorf("index %s is corrupt: %w", indexPath, err)
		}
	case os.IsNotExist(err):
		// first session for this tenant
	default:
		return err
	}

	if err := mutate(&idx); err != nil {
		return err
	}

	out, err := json.MarshalIndent(&idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := indexPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, indexPath)
}

// acquireLock takes an exclusive lock by creating the lock file with
// O_EXCL, retrying until lockWaitDeadline.
func acquireLock(lockPath string) (func(), error) {
	deadline := time.Now().Add(lockWaitDeadline)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrIndexLocked)
		}
		time.Sleep(lockRetryInterval)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
