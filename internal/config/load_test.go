package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "8080" {
		t.Errorf("http_port = %s", cfg.HTTPPort)
	}
	if len(cfg.RiskyOperations) == 0 {
		t.Error("default risky operations empty")
	}
	if !cfg.Environments["production"].RequireDualApproval {
		t.Error("production should require dual approval by default")
	}
	if cfg.Environments["staging"].RequireDualApproval {
		t.Error("staging should not require dual approval by default")
	}
	if cfg.Evidence.MaxResponseBytes != 10<<20 {
		t.Errorf("max_response_bytes = %d", cfg.Evidence.MaxResponseBytes)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
http_port: "9090"
evidence_root: /var/lib/scopeguard
risky_operations:
  - nmap
  - custom-tool-*
environments:
  production:
    require_dual_approval: true
    allow_emergency_override: false
evidence:
  allowed_extensions: [".json", ".txt"]
  max_response_bytes: 1048576
approvals:
  endpoint: http://approvals.internal
  timeout_seconds: 60
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "9090" {
		t.Errorf("http_port = %s", cfg.HTTPPort)
	}
	if len(cfg.RiskyOperations) != 2 || cfg.RiskyOperations[1] != "custom-tool-*" {
		t.Errorf("risky_operations = %v", cfg.RiskyOperations)
	}
	if cfg.Environments["production"].AllowEmergencyOverride {
		t.Error("file should have disabled the production override")
	}
	if cfg.Evidence.MaxResponseBytes != 1048576 {
		t.Errorf("max_response_bytes = %d", cfg.Evidence.MaxResponseBytes)
	}
	if cfg.Approvals.Endpoint != "http://approvals.internal" {
		t.Errorf("approvals endpoint = %s", cfg.Approvals.Endpoint)
	}
	if cfg.Approvals.TimeoutSeconds != 60 {
		t.Errorf("approvals timeout = %d", cfg.Approvals.TimeoutSeconds)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCOPEGUARD_HTTP_PORT", "7070")
	t.Setenv("SCOPEGUARD_SHARED_SECRET", "from-env")
	t.Setenv("SCOPEGUARD_AUTH_CACHE_TTL_S", "120")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/scopeguard")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "7070" {
		t.Errorf("http_port = %s", cfg.HTTPPort)
	}
	if cfg.Auth.SharedSecret != "from-env" {
		t.Errorf("shared_secret = %s", cfg.Auth.SharedSecret)
	}
	if cfg.Auth.CacheTTLSeconds != 120 {
		t.Errorf("cache ttl = %d", cfg.Auth.CacheTTLSeconds)
	}
	if cfg.PostgresDSN != "postgres://localhost/scopeguard" {
		t.Errorf("postgres_dsn = %s", cfg.PostgresDSN)
	}
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty risky operations", "risky_operations: []"},
		{"zero response ceiling", "evidence:\n  max_response_bytes: 0"},
		{"bad yaml", "::: not yaml :::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
