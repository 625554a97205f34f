package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrTenantNotFound is returned when a tenant ID has no row.
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant represents a row in the tenants table. TokenSecret is the
// server-held secret from which the tenant's request token is derived; it is
// never written to evidence or logs.
type Tenant struct {
	ID          string
	Name        string
	TokenSecret string
	Suspended   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GenerateTokenSecret creates a new 32-byte random secret, hex-encoded.
func GenerateTokenSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("GenerateTokenSecret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// CreateTenant inserts a new tenant with a fresh token secret.
// The secret is returned once so the operator can hand it to the tenant.
func (s *Store) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	secret, err := GenerateTokenSecret()
	if err != nil {
		return nil, fmt.Errorf("CreateTenant: %w", err)
	}

	var t Tenant
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (name, token_secret)
		VALUES ($1, $2)
		RETURNING id, name, token_secret, suspended, created_at, updated_at`,
		name, secret,
	).Scan(&t.ID, &t.Name, &t.TokenSecret, &t.Suspended, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("CreateTenant: %w", err)
	}
	return &t, nil
}

// GetTenant returns a tenant by ID, or ErrTenantNotFound.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, token_secret, suspended, created_at, updated_at
		FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.TokenSecret, &t.Suspended, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTenant: %w", err)
	}
	return &t, nil
}

// ListTenants returns all tenants ordered by created_at DESC, without their
// token secrets.
func (s *Store) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, suspended, created_at, updated_at
		FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListTenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Suspended, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListTenants: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// RotateSecret replaces the tenant's token secret and returns the new value
// (shown once). All previously issued tokens stop validating immediately.
func (s *Store) RotateSecret(ctx context.Context, id string) (*Tenant, error) {
	secret, err := GenerateTokenSecret()
	if err != nil {
		return nil, fmt.Errorf("RotateSecret: %w", err)
	}

	var t Tenant
	err = s.db.QueryRowContext(ctx, `
		UPDATE tenants SET token_secret = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, name, token_secret, suspended, created_at, updated_at`,
		id, secret,
	).Scan(&t.ID, &t.Name, &t.TokenSecret, &t.Suspended, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("RotateSecret: %w", err)
	}
	return &t, nil
}

// SetSuspended toggles the tenant's suspended flag. Suspended tenants fail
// token validation regardless of the presented token.
func (s *Store) SetSuspended(ctx context.Context, id string, suspended bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET suspended = $2, updated_at = now() WHERE id = $1`,
		id, suspended,
	)
	if err != nil {
		return fmt.Errorf("SetSuspended: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetSuspended: %w", err)
	}
	if n == 0 {
		return ErrTenantNotFound
	}
	return nil
}
