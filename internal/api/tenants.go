package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/opsrange/scopeguard/internal/store"
	"go.uber.org/zap"
)

// handleCreateTenant provisions a new tenant and returns its token secret
// once. The derived token is included so operators can hand out a ready
// credential without computing the HMAC themselves.
func (d *Dependencies) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "tenant storage not configured"})
		return
	}

	var req CreateTenantReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name is required"})
		return
	}

	tenant, err := d.Store.CreateTenant(r.Context(), req.Name)
	if err != nil {
		d.Logger.Error("tenant create failed", zap.String("name", req.Name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to create tenant"})
		return
	}

	writeJSON(w, http.StatusCreated, CreateTenantResp{
		ID:          tenant.ID,
		Name:        tenant.Name,
		TokenSecret: tenant.TokenSecret,
		Token:       TenantToken(tenant.TokenSecret, tenant.ID),
		CreatedAt:   tenant.CreatedAt,
	})
}

// handleListTenants lists tenants without their secrets.
func (d *Dependencies) handleListTenants(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "tenant storage not configured"})
		return
	}

	tenants, err := d.Store.ListTenants(r.Context())
	if err != nil {
		d.Logger.Error("tenant list failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to list tenants"})
		return
	}

	out := make([]TenantResp, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantResp(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out, "total": len(out)})
}

func (d *Dependencies) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "tenant storage not configured"})
		return
	}

	tenant, err := d.Store.GetTenant(r.Context(), r.PathValue("tenant_id"))
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "tenant not found"})
			return
		}
		d.Logger.Error("tenant lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to fetch tenant"})
		return
	}
	writeJSON(w, http.StatusOK, tenantResp(tenant))
}

// handleRotateSecret replaces the tenant's token secret. Existing tokens stop
// working once the auth cache entry expires.
func (d *Dependencies) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "tenant storage not configured"})
		return
	}

	id := r.PathValue("tenant_id")
	tenant, err := d.Store.RotateSecret(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "tenant not found"})
			return
		}
		d.Logger.Error("secret rotation failed", zap.String("tenant_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to rotate secret"})
		return
	}

	d.secrets.set(tenant.ID, tenant.TokenSecret)
	writeJSON(w, http.StatusOK, RotateSecretResp{
		ID:          tenant.ID,
		TokenSecret: tenant.TokenSecret,
		Token:       TenantToken(tenant.TokenSecret, tenant.ID),
		UpdatedAt:   tenant.UpdatedAt,
	})
}

func (d *Dependencies) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	if d.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "tenant storage not configured"})
		return
	}

	var req struct {
		Suspended bool `json:"suspended"`
	}
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}

	id := r.PathValue("tenant_id")
	if err := d.Store.SetSuspended(r.Context(), id, req.Suspended); err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "tenant not found"})
			return
		}
		d.Logger.Error("tenant suspend failed", zap.String("tenant_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "failed to update tenant"})
		return
	}

	if req.Suspended {
		// Drop the cached secret so suspended tenants lose access promptly.
		d.secrets.delete(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "suspended": req.Suspended})
}

func tenantResp(t *store.Tenant) TenantResp {
	return TenantResp{
		ID:        t.ID,
		Name:      t.Name,
		Suspended: t.Suspended,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
