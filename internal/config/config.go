// Package config provides the service configuration model: YAML file with
// environment-variable overrides for deployment-sensitive values.
package config

import (
	"github.com/opsrange/scopeguard/internal/scope"
)

// Config is the root configuration.
type Config struct {
	HTTPPort     string `yaml:"http_port"`
	LogLevel     string `yaml:"log_level"`
	EvidenceRoot string `yaml:"evidence_root"`

	// RiskyOperations lists the operations that require a scope artifact:
	// exact names or glob-style prefixes like "kubectl-*".
	RiskyOperations []string `yaml:"risky_operations"`

	// Environments maps environment tags to their authorization policies.
	// An environment absent from this map is unknown and fails closed.
	Environments map[string]scope.EnvironmentPolicy `yaml:"environments"`

	Auth      AuthConfig      `yaml:"auth"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Approvals ApprovalsConfig `yaml:"approvals"`

	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// AuthConfig controls tenant token validation and the admin surface.
type AuthConfig struct {
	// SharedSecret derives tenant tokens when no Postgres tenant registry is
	// configured. Overridden by SCOPEGUARD_SHARED_SECRET.
	SharedSecret string `yaml:"shared_secret"`
	// AdminKeyHash is the bcrypt hash of the admin API key guarding tenant
	// CRUD endpoints. Empty disables the admin surface.
	AdminKeyHash    string `yaml:"admin_key_hash"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// EvidenceConfig constrains the evidence read API.
type EvidenceConfig struct {
	// AllowedExtensions is the file-extension allowlist for reads. Never
	// executable or script extensions.
	AllowedExtensions []string `yaml:"allowed_extensions"`
	// MaxResponseBytes is the response size ceiling, enforced before any
	// file is streamed back.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`
}

// ApprovalsConfig points at the external approval workflow service.
type ApprovalsConfig struct {
	Endpoint            string `yaml:"endpoint"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
}

// Default returns the baseline configuration applied before any YAML file or
// env override.
func Default() *Config {
	return &Config{
		HTTPPort:     "8080",
		LogLevel:     "info",
		EvidenceRoot: "./evidence",
		RiskyOperations: []string{
			"nmap", "masscan", "nikto", "sqlmap", "hydra", "metasploit-*",
			"kubectl-*", "helm-*", "terraform-*", "ansible-*",
		},
		Environments: map[string]scope.EnvironmentPolicy{
			"production": {RequireDualApproval: true, AllowEmergencyOverride: true},
			"staging":    {RequireDualApproval: false},
			"development": {RequireDualApproval: false},
		},
		Auth: AuthConfig{
			CacheTTLSeconds: 30,
		},
		Evidence: EvidenceConfig{
			AllowedExtensions: []string{".json", ".jsonl", ".txt", ".md", ".log"},
			MaxResponseBytes:  10 << 20,
		},
		Approvals: ApprovalsConfig{
			PollIntervalSeconds: 2,
			TimeoutSeconds:      300,
		},
	}
}
