package api

import (
	"net/http"
	"time"

	"github.com/opsrange/scopeguard/internal/chread"
	"github.com/opsrange/scopeguard/internal/evidence"
	"github.com/opsrange/scopeguard/internal/scope"
	"github.com/opsrange/scopeguard/internal/storage"
	"github.com/opsrange/scopeguard/internal/store"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Guard     *scope.Guard
	Evidence  *evidence.Store
	Writer    storage.EventWriter
	Store     *store.Store          // nil → static shared-secret auth
	Reader    *chread.Reader        // nil if ClickHouse unavailable
	Approvals *scope.ApprovalWaiter // nil if no approvals endpoint
	Logger    *zap.Logger

	SharedSecret string
	AdminKeyHash string
	CacheTTL     time.Duration

	// Evidence read constraints
	AllowedExtensions []string
	MaxResponseBytes  int64

	secrets *secretCache
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	deps.secrets = newSecretCache(deps.CacheTTL)

	mux := http.NewServeMux()

	// Authorization decision point (tenant auth required)
	mux.HandleFunc("POST /v1/authorize", deps.tenantAuth(deps.handleAuthorize))

	// Evidence read/list surface (tenant auth required)
	mux.HandleFunc("GET /v1/evidence/sessions", deps.tenantAuth(deps.handleListSessions))
	mux.HandleFunc("GET /v1/evidence/sessions/{session_id}/verify", deps.tenantAuth(deps.handleVerifySession))
	mux.HandleFunc("GET /v1/evidence/files/{path...}", deps.tenantAuth(deps.handleReadEvidence))

	// Decision events & analytics (tenant auth required)
	mux.HandleFunc("GET /v1/events", deps.tenantAuth(deps.handleListEvents))
	mux.HandleFunc("GET /v1/events/{request_id}", deps.tenantAuth(deps.handleGetEvent))
	mux.HandleFunc("GET /v1/analytics", deps.tenantAuth(deps.handleGetAnalytics))

	// Tenant CRUD (admin key required)
	mux.HandleFunc("POST /api/scopeguard/tenants", deps.adminAuth(deps.handleCreateTenant))
	mux.HandleFunc("GET /api/scopeguard/tenants", deps.adminAuth(deps.handleListTenants))
	mux.HandleFunc("GET /api/scopeguard/tenants/{tenant_id}", deps.adminAuth(deps.handleGetTenant))
	mux.HandleFunc("POST /api/scopeguard/tenants/{tenant_id}/rotate-secret", deps.adminAuth(deps.handleRotateSecret))
	mux.HandleFunc("POST /api/scopeguard/tenants/{tenant_id}/suspend", deps.adminAuth(deps.handleSuspendTenant))

	// Health check — the only unauthenticated path
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
