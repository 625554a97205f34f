package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Request headers carrying the tenant identity. Both must be present on
// every request to the authorize and evidence surfaces.
const (
	HeaderTenant = "X-Scopeguard-Tenant"
	HeaderToken  = "X-Scopeguard-Token"
)

// authBypassPaths is the complete allowlist of unauthenticated paths.
// Health checks only — no other bypass exists.
var authBypassPaths = map[string]bool{
	"/healthz": true,
}

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const tenantCtxKey contextKey = iota

// tenantFromContext extracts the authenticated tenant ID from the request context.
func tenantFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantCtxKey).(string)
	return v
}

// TenantToken derives the expected request token for a tenant: the keyed
// hash of the tenant identifier under the server-held secret.
func TenantToken(secret, tenantID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))
}

// --- Secret cache (stale-while-revalidate) ---

type secretEntry struct {
	secret     string
	expiresAt  time.Time
	refreshing atomic.Bool
}

type secretCache struct {
	store sync.Map // map[string]*secretEntry (keyed by tenant ID)
	ttl   time.Duration
}

func newSecretCache(ttl time.Duration) *secretCache {
	return &secretCache{ttl: ttl}
}

func (c *secretCache) get(tenantID string) (secret string, hit bool, needsRefresh bool) {
	v, ok := c.store.Load(tenantID)
	if !ok {
		return "", false, false
	}
	entry := v.(*secretEntry)
	if time.Now().Before(entry.expiresAt) {
		return entry.secret, true, false // fresh
	}
	// Stale — return value but signal refresh needed (only one goroutine refreshes)
	needsRefresh = entry.refreshing.CompareAndSwap(false, true)
	return entry.secret, true, needsRefresh
}

func (c *secretCache) set(tenantID, secret string) {
	c.store.Store(tenantID, &secretEntry{
		secret:    secret,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *secretCache) delete(tenantID string) {
	c.store.Delete(tenantID)
}

// --- Tenant access middleware ---

// tenantAuth validates the caller's tenant token before any other component
// runs. The expected token is recomputed from the server-held secret and
// compared in constant time; a missing header or mismatch rejects the
// request with no further processing.
func (d *Dependencies) tenantAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if authBypassPaths[r.URL.Path] {
			next(w, r)
			return
		}

		tenantID := r.Header.Get(HeaderTenant)
		token := r.Header.Get(HeaderToken)
		if tenantID == "" || token == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing tenant credentials"})
			return
		}

		secret, err := d.tenantSecret(r.Context(), tenantID)
		if err != nil {
			d.Logger.Warn("tenant auth failed", zap.String("tenant", tenantID), zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid tenant credentials"})
			return
		}

		expected := TenantToken(secret, tenantID)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid tenant credentials"})
			return
		}

		ctx := context.WithValue(r.Context(), tenantCtxKey, tenantID)
		next(w, r.WithContext(ctx))
	}
}

// tenantSecret resolves the server-held secret for a tenant: from the
// Postgres registry when configured (with a stale-while-revalidate cache),
// otherwise the shared static secret.
func (d *Dependencies) tenantSecret(ctx context.Context, tenantID string) (string, error) {
	if d.Store == nil {
		if d.SharedSecret == "" {
			return "", fmt.Errorf("no tenant secret source configured")
		}
		return d.SharedSecret, nil
	}

	secret, hit, needsRefresh := d.secrets.get(tenantID)
	if hit && needsRefresh {
		// Stale hit — return stale immediately, refresh in background
		go d.refreshSecret(tenantID)
	}
	if hit && secret != "" {
		return secret, nil
	}

	return d.lookupSecret(ctx, tenantID)
}

// lookupSecret validates the tenant against Postgres and caches its secret.
func (d *Dependencies) lookupSecret(ctx context.Context, tenantID string) (string, error) {
	tenant, err := d.Store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if tenant.Suspended {
		return "", fmt.Errorf("tenant %s is suspended", tenantID)
	}
	d.secrets.set(tenantID, tenant.TokenSecret)
	return tenant.TokenSecret, nil
}

// refreshSecret refreshes the cache entry in the background.
func (d *Dependencies) refreshSecret(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.lookupSecret(ctx, tenantID); err != nil {
		d.Logger.Warn("background secret refresh failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}

// --- Admin middleware ---

// adminAuth guards the tenant CRUD surface with a bearer key checked
// against a bcrypt hash held by the server. Disabled when no hash is
// configured.
func (d *Dependencies) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.AdminKeyHash == "" {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Admin API not configured"})
			return
		}
		key, ok := extractBearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(d.AdminKeyHash), []byte(key)); err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid admin key"})
			return
		}
		next(w, r)
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+HeaderTenant+", "+HeaderToken)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
