package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opsrange/scopeguard/internal/pathsafe"
	"go.uber.org/zap"
)

// handleListSessions returns the tenant's session index.
func (d *Dependencies) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())

	records, err := d.Evidence.ListSessions(tenant)
	if err != nil {
		d.Logger.Error("session list failed", zap.String("tenant_id", tenant), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to list sessions"})
		return
	}

	resp := SessionListResp{Sessions: []SessionResp{}, Total: len(records)}
	for _, rec := range records {
		resp.Sessions = append(resp.Sessions, SessionResp{
			ID:        rec.ID,
			Agent:     rec.Agent,
			Task:      rec.Task,
			CreatedAt: rec.CreatedAt,
			SealedAt:  rec.SealedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVerifySession recomputes every digest in a sealed session's manifest
// and reports mismatches. Tampering is reported, never repaired.
func (d *Dependencies) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	sessionID := r.PathValue("session_id")

	mismatches, err := d.Evidence.VerifySession(tenant, sessionID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "session or manifest not found"})
			return
		}
		if isPathError(err) {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
			return
		}
		d.Logger.Error("session verify failed",
			zap.String("tenant_id", tenant), zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "verification failed"})
		return
	}

	resp := VerifyResp{SessionID: sessionID, Tampered: len(mismatches) > 0, Mismatches: []MismatchResp{}}
	for _, m := range mismatches {
		resp.Mismatches = append(resp.Mismatches, MismatchResp{
			Path:     m.Path,
			Recorded: m.Recorded,
			Actual:   m.Actual,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReadEvidence streams one evidence file back to the tenant. The path
// goes through the same traversal guard as writes, the extension must be on
// the allowlist, and oversized files are refused before any bytes move.
func (d *Dependencies) handleReadEvidence(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromContext(r.Context())
	rel := r.PathValue("path")

	if !d.extensionAllowed(rel) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "file extension not allowed"})
		return
	}

	f, info, err := d.Evidence.OpenFile(tenant, rel)
	if err != nil {
		if isPathError(err) {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
			return
		}
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "evidence file not found"})
			return
		}
		d.Logger.Error("evidence read failed",
			zap.String("tenant_id", tenant), zap.String("path", rel), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to open evidence file"})
		return
	}
	defer f.Close()

	if info.IsDir() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "path is a directory"})
		return
	}
	if d.MaxResponseBytes > 0 && info.Size() > d.MaxResponseBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "evidence file exceeds response size limit"})
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(rel))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		d.Logger.Warn("evidence stream interrupted",
			zap.String("tenant_id", tenant), zap.String("path", rel), zap.Error(err))
	}
}

func (d *Dependencies) extensionAllowed(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	for _, allowed := range d.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func isPathError(err error) bool {
	return errors.Is(err, pathsafe.ErrAbsolutePath) ||
		errors.Is(err, pathsafe.ErrPathTraversal) ||
		errors.Is(err, pathsafe.ErrOutsideRoot) ||
		errors.Is(err, pathsafe.ErrBadTenant)
}

func contentTypeFor(rel string) string {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".md":
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}
