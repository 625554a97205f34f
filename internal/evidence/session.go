package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opsrange/scopeguard/internal/pathsafe"
	"github.com/opsrange/scopeguard/internal/redact"
	"go.uber.org/zap"
)

var (
	// ErrSessionSealed rejects any write after Finalize. A sealed session
	// has no append path — the open → sealed transition is terminal.
	ErrSessionSealed = errors.New("session is sealed")

	// ErrMetaExists rejects a second WriteMeta. Evidence files are append-only
	// or write-once; nothing reopens them for in-place modification.
	ErrMetaExists = errors.New("session metadata already written")
)

// Session is one authorization/execution episode. Append operations on a
// session are serialized by its mutex; in practice one writer owns one
// session at a time.
type Session struct {
	store  *Store
	tenant string
	id     string
	agent  string
	task   string
	dir    string

	mu        sync.Mutex
	sealed    bool
	metaDone  bool
	seq       map[string]int
	artifacts []ArtifactRecord
}

// ArtifactRecord is the metadata kept for one written artifact.
type ArtifactRecord struct {
	Name      string    `json:"name"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	WrittenAt time.Time `json:"written_at"`
}

// ManifestEntry is one file in a sealed session's manifest.
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the durable record of what a sealed session contains.
type Manifest struct {
	SessionID string          `json:"session_id"`
	Agent     string          `json:"agent"`
	Task      string          `json:"task"`
	SealedAt  time.Time       `json:"sealed_at"`
	Files     []ManifestEntry `json:"files"`
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Dir returns the session's directory under the tenant subtree.
func (s *Session) Dir() string { return s.dir }

// WriteMeta writes the session metadata file once. Every value is redacted
// before serialization.
func (s *Session) WriteMeta(fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("WriteMeta: %w", ErrSessionSealed)
	}
	if s.metaDone {
		return fmt.Errorf("WriteMeta: %w", ErrMetaExists)
	}

	meta := map[string]any{
		"session_id": s.id,
		"tenant":     s.tenant,
		"agent":      s.agent,
		"task":       s.task,
		"created_at": time.Now().UTC(),
	}
	for k, v := range fields {
		meta[k] = redact.RedactValue(v)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("WriteMeta: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "meta.json"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("WriteMeta: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("WriteMeta: %w", err)
	}
	s.metaDone = true
	return nil
}

// AppendLog adds one record to a named append-only log stream. Records are
// redacted, stamped, and sequentially numbered per stream; existing records
// are never overwritten.
func (s *Session) AppendLog(stream string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("AppendLog: %w", ErrSessionSealed)
	}

	rel := filepath.Join("sessions", s.id, "logs", stream+".jsonl")
	path, err := pathsafe.SafeJoin(s.store.root, s.tenant, rel)
	if err != nil {
		return fmt.Errorf("AppendLog: %w", err)
	}

	s.seq[stream]++
	line := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"stream":    stream,
		"seq":       s.seq[stream],
	}
	for k, v := range record {
		if _, reserved := line[k]; reserved {
			continue
		}
		line[k] = redact.RedactValue(v)
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("AppendLog: %w", err)
	}
	return appendLine(path, data)
}

// WriteArtifact stores a named byte payload under the session directory and
// returns its path and SHA-256 digest. The digest is computed over the raw,
// pre-redaction bytes — it is the integrity proof used later to detect
// tampering. Artifacts are write-once.
func (s *Session) WriteArtifact(name string, content []byte) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return "", "", fmt.Errorf("WriteArtifact: %w", ErrSessionSealed)
	}

	rel := filepath.Join("sessions", s.id, "artifacts", name)
	path, err := pathsafe.SafeJoin(s.store.root, s.tenant, rel)
	if err != nil {
		return "", "", fmt.Errorf("WriteArtifact: %w", err)
	}

	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("WriteArtifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(content); err != nil {
		return "", "", fmt.Errorf("WriteArtifact: %w", err)
	}

	s.artifacts = append(s.artifacts, ArtifactRecord{
		Name:      name,
		SHA256:    digest,
		Size:      int64(len(content)),
		WrittenAt: time.Now().UTC(),
	})

	s.store.logger.Info("artifact written",
		zap.String("tenant", s.tenant),
		zap.String("session_id", s.id),
		zap.String("name", name),
		zap.String("sha256", digest),
	)
	return path, digest, nil
}

// Finalize seals the session: it hashes every file under the session
// directory, writes the manifest, and rejects all further writes. The
// manifest itself is write-once.
func (s *Session) Finalize() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil, fmt.Errorf("Finalize: %w", ErrSessionSealed)
	}

	sealedAt := time.Now().UTC()
	manifest := &Manifest{
		SessionID: s.id,
		Agent:     s.agent,
		Task:      s.task,
		SealedAt:  sealedAt,
	}

	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		if rel == "manifest.json" {
			return nil
		}
		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, ManifestEntry{
			Path:   rel,
			SHA256: digest,
			Size:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Finalize: %w", err)
	}
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("Finalize: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "manifest.json"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("Finalize: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("Finalize: %w", err)
	}

	err = s.store.updateIndex(s.tenant, func(idx *tenantIndex) error {
		for i := range idx.Sessions {
			if idx.Sessions[i].ID == s.id {
				idx.Sessions[i].SealedAt = &sealedAt
				return nil
			}
		}
		return fmt.Errorf("session %s missing from index", s.id)
	})
	if err != nil {
		return nil, fmt.Errorf("Finalize: %w", err)
	}

	s.sealed = true
	s.store.logger.Info("evidence session sealed",
		zap.String("tenant", s.tenant),
		zap.String("session_id", s.id),
		zap.Int("files", len(manifest.Files)),
	)
	return manifest, nil
}

// appendLine appends one JSONL line, creating the file if needed. Existing
// content is never touched.
func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(data, '\n'))
	return err
}
