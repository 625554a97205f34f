package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then env overrides for deployment-sensitive values. Secrets are
// expected from env, not from the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config parse: %w", err)
		}
	}

	applyEnv(cfg)

	if len(cfg.RiskyOperations) == 0 {
		return nil, fmt.Errorf("config: risky_operations must not be empty")
	}
	if cfg.Evidence.MaxResponseBytes <= 0 {
		return nil, fmt.Errorf("config: evidence.max_response_bytes must be positive")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPPort, "SCOPEGUARD_HTTP_PORT")
	setString(&cfg.LogLevel, "SCOPEGUARD_LOG_LEVEL")
	setString(&cfg.EvidenceRoot, "SCOPEGUARD_EVIDENCE_ROOT")
	setString(&cfg.Auth.SharedSecret, "SCOPEGUARD_SHARED_SECRET")
	setString(&cfg.Auth.AdminKeyHash, "SCOPEGUARD_ADMIN_KEY_HASH")
	setString(&cfg.Approvals.Endpoint, "SCOPEGUARD_APPROVALS_ENDPOINT")
	setString(&cfg.ClickHouseDSN, "CLICKHOUSE_DSN")
	setString(&cfg.PostgresDSN, "POSTGRES_DSN")
	setInt(&cfg.Auth.CacheTTLSeconds, "SCOPEGUARD_AUTH_CACHE_TTL_S")
	setInt(&cfg.Approvals.TimeoutSeconds, "SCOPEGUARD_APPROVAL_TIMEOUT_S")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}
