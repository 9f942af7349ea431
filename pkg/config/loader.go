// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "FLEET_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads configuration from layered sources: defaults, an optional
// YAML file, then environment variables.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a new Loader with the default search paths and prefix.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/fleet/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the list of candidate config file paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load builds a Config with priority, lowest first:
//  1. Defaults
//  2. Config file (YAML)
//  3. Environment variables
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		// The config file is optional; a missing file is not fatal.
		fmt.Printf("Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "orchestrator-svc",
		"app.version":     "0.1.0",
		"app.environment": "development",
		"app.debug":       false,

		// HTTP
		"http.port":                   8080,
		"http.read_timeout":           30 * time.Second,
		"http.write_timeout":          30 * time.Second,
		"http.shutdown_timeout":       10 * time.Second,
		"http.cors.enabled":           true,
		"http.cors.allowed_origins":   []string{"*"},
		"http.cors.allowed_methods":   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		"http.cors.allowed_headers":   []string{"*"},
		"http.cors.allow_credentials": false,
		"http.cors.max_age":           86400,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "fleet",
		"metrics.subsystem": "orchestrator",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "orchestrator-svc",
		"tracing.sample_rate":  0.1,

		// Database
		"database.driver":             "postgres",
		"database.host":               "localhost",
		"database.port":               5432,
		"database.database":           "fleet",
		"database.username":           "postgres",
		"database.password":           "",
		"database.ssl_mode":           "disable",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  5 * time.Minute,
		"database.conn_max_idle_time": 5 * time.Minute,
		"database.migrations_path":    "migrations",
		"database.auto_migrate":       true,

		// Cache (Redis) — bootstrap suppression marker, optional event bus transport
		"cache.enabled":     true,
		"cache.driver":      "redis",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.db":          0,
		"cache.default_ttl": 5 * time.Minute,

		// Rate limit — guards the worker heartbeat endpoint (§6.3)
		"rate_limit.enabled":          true,
		"rate_limit.requests":         600,
		"rate_limit.window":           time.Minute,
		"rate_limit.strategy":         "sliding_window",
		"rate_limit.backend":          "redis",
		"rate_limit.burst_size":       50,
		"rate_limit.cleanup_interval": 5 * time.Minute,

		// Audit — Action Log (§4.9)
		"audit.enabled":              true,
		"audit.backend":              "postgres",
		"audit.buffer_size":          1000,
		"audit.flush_period":         5 * time.Second,
		"audit.export.default_format": "xlsx",
		"audit.export.company_name":   "Fleet Operations",
		"audit.export.max_rows":       50000,

		// Retry (generic, non-provider)
		"retry.max_attempts":       3,
		"retry.initial_backoff":    100 * time.Millisecond,
		"retry.max_backoff":        10 * time.Second,
		"retry.backoff_multiplier": 2.0,

		// Provisioning (§4.1, §4.3)
		"provisioning.provider_connect_timeout": 5 * time.Second,
		"provisioning.provider_call_timeout":    20 * time.Second,
		"provisioning.start_retry_budget":       60 * time.Second,
		"provisioning.heartbeat_interval":       10 * time.Second,
		"provisioning.engine_port":              8000,
		"provisioning.health_port":              8080,
		"provisioning.ssh_public_key_path":      "/etc/fleet/ssh/operator_key.pub",
		"provisioning.ssh_private_key_path":     "/etc/fleet/ssh/operator_key",

		// Health / Readiness Prober (§4.4)
		"health.worker_eligible_deadline": 1200 * time.Second,
		"health.default_deadline":         300 * time.Second,
		"health.readyz_connect_timeout":   2 * time.Second,
		"health.readyz_overall_timeout":   3 * time.Second,
		"health.ssh_connect_timeout":      3 * time.Second,
		"health.failure_threshold":        30,
		"health.bootstrap_suppress_ttl":   2 * time.Minute,
		"health.bootstrap_timeout":        900 * time.Second,
		"health.probe_interval":           10 * time.Second,

		// Terminator (§4.5)
		"terminator.verify_interval": 60 * time.Second,

		// Reconciliation (§4.6)
		"reconcile.tick_interval":            60 * time.Second,
		"reconcile.stuck_terminating_after":  5 * time.Minute,
		"reconcile.sweep_worker_concurrency": 8,

		// Routing (§4.7)
		"routing.sticky_session_header": "X-Fleet-Session",
		"routing.sticky_hash_seed":      uint64(0),
		"routing.staleness_horizon":     90 * time.Second,

		// Event bus (§4.8)
		"event_bus.backend":             "redis",
		"event_bus.orchestrator_stream": "orchestrator_events",
		"event_bus.finops_stream":       "finops_events",
		"event_bus.consumer_group":      "orchestrator-svc",
		"event_bus.consumer_name":       "orchestrator-svc-1",
		"event_bus.claim_min_idle":      30 * time.Second,

		// Providers
		"providers.default_provider":  "mock",
		"providers.generic.base_url":  "",
		"providers.generic.api_token": "",
		"providers.generic.org_id":    "",
		"providers.mock.compose_file": "internal/provider/mockprovider/fixtures/docker-compose.yaml",
		"providers.mock.project_name": "fleet-mock",

		// Proxy (§6.4)
		"proxy.connect_timeout":       30 * time.Second,
		"proxy.overall_timeout":       60 * time.Second,
		"proxy.streaming_timeout":     time.Hour,
		"proxy.sticky_header_name":    "X-Fleet-Session",
		"proxy.max_sticky_header_len": 128,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// FLEET_DATABASE_HOST -> database.host
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function using default settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}

// LoadWithServiceDefaults loads configuration and overrides the app name
// and HTTP port for a specific binary when they were left at the loader's
// own defaults (name "orchestrator-svc", port 8080).
func LoadWithServiceDefaults(serviceName string, defaultPort int) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.HTTP.Port == 8080 && defaultPort != 0 {
		cfg.HTTP.Port = defaultPort
	}

	if cfg.App.Name == "orchestrator-svc" {
		cfg.App.Name = serviceName
	}

	return cfg, nil
}
