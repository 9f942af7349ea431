// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for both services/orchestrator-svc and
// services/proxy-svc. Each binary loads the whole tree and ignores the
// sections it does not need.
type Config struct {
	App          AppConfig          `koanf:"app"`
	HTTP         HTTPConfig         `koanf:"http"`
	Log          LogConfig          `koanf:"log"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Tracing      TracingConfig      `koanf:"tracing"`
	Database     DatabaseConfig     `koanf:"database"`
	Cache        CacheConfig        `koanf:"cache"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
	Audit        AuditConfig        `koanf:"audit"`
	Retry        RetryConfig        `koanf:"retry"`
	Provisioning ProvisioningConfig `koanf:"provisioning"`
	Health       HealthConfig       `koanf:"health"`
	Terminator   TerminatorConfig   `koanf:"terminator"`
	Reconcile    ReconcileConfig    `koanf:"reconcile"`
	Routing      RoutingConfig      `koanf:"routing"`
	EventBus     EventBusConfig     `koanf:"event_bus"`
	Providers    ProvidersConfig    `koanf:"providers"`
	Proxy        ProxyConfig        `koanf:"proxy"`
}

// AppConfig holds settings common to every binary.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the worker-heartbeat / operator-token HTTP surface
// exposed by services/orchestrator-svc (§6.3) or the forwarding surface
// exposed by services/proxy-svc (§6.4).
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig configures cross-origin access to the HTTP surface.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig configures pkg/logger.
type LogConfig struct {
	Level      string `koanf:"level"`  // debug, info, warn, error
	Format     string `koanf:"format"` // json, text
	Output     string `koanf:"output"` // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"` // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the libpq connection string.
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
		)
	default:
		return ""
	}
}

// CacheConfig configures the Redis connection used for the bootstrap
// suppression marker (§4.4) and, where enabled, as the event bus transport.
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
}

// Address returns the redis host:port pair.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures the HTTP middleware rate limiter guarding the
// worker heartbeat endpoint and, where a provider enforces one, port-opening
// calls.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the Action Log (§4.9).
type AuditConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // postgres, stdout
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
	Export      ExportConfig  `koanf:"export"`
}

// ExportConfig configures the operator-facing Action Log export utility.
type ExportConfig struct {
	DefaultFormat string `koanf:"default_format"` // pdf, xlsx
	CompanyName   string `koanf:"company_name"`
	MaxRows       int    `koanf:"max_rows"`
}

// RetryConfig configures generic retry defaults consumed by callers that
// are not bound to the provider adapter's pinned schedule (§4.1).
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// ProvisioningConfig configures the Provisioning Worker (§4.3) and the
// provider adapter's bounded transient-retry schedule (§4.1).
type ProvisioningConfig struct {
	ProviderConnectTimeout time.Duration `koanf:"provider_connect_timeout"` // 5s
	ProviderCallTimeout    time.Duration `koanf:"provider_call_timeout"`    // 20s
	StartRetryBudget       time.Duration `koanf:"start_retry_budget"`       // 60s total
	HeartbeatInterval      time.Duration `koanf:"heartbeat_interval"`       // 10s, agent container
	SSHPublicKeyPath       string        `koanf:"ssh_public_key_path"`
	SSHPrivateKeyPath      string        `koanf:"ssh_private_key_path"`
	// WorkerEligiblePatterns are glob-style instance-type codes (e.g.
	// "L4-*", "L40S-*") that receive the full SSH bootstrap (engine +
	// agent install) instead of an SSH-key-only user-data (§4.3 step 4).
	WorkerEligiblePatterns []string `koanf:"worker_eligible_patterns"`
	// DefaultDataVolumeGB sizes a data volume when the model carries no
	// recommended size (§4.3 step 6).
	DefaultDataVolumeGB int `koanf:"default_data_volume_gb"`
	// EnginePort and HealthPort are the fixed ports the bootstrap script
	// opens and the health prober probes (§4.4, original_source: 8000/8080).
	EnginePort int `koanf:"engine_port"`
	HealthPort int `koanf:"health_port"`
	// WorkerAuthToken is the shared secret baked into worker-eligible
	// user-data and checked by the heartbeat endpoint (§6.3).
	WorkerAuthToken string `koanf:"worker_auth_token"`
}

// StartRetrySteps returns the pinned transient-retry backoff schedule for
// start_instance (§4.1): 0.5s, 1s, 2s, 3s, 5s, capped at 5s thereafter.
func (p ProvisioningConfig) StartRetrySteps() []time.Duration {
	return []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		5 * time.Second,
	}
}

// HealthConfig configures the Health / Readiness Prober (§4.4).
type HealthConfig struct {
	WorkerEligibleDeadline time.Duration `koanf:"worker_eligible_deadline"` // 1200s
	DefaultDeadline        time.Duration `koanf:"default_deadline"`         // 300s
	ReadyzConnectTimeout   time.Duration `koanf:"readyz_connect_timeout"`   // 2s
	ReadyzOverallTimeout   time.Duration `koanf:"readyz_overall_timeout"`   // 3s
	SSHConnectTimeout      time.Duration `koanf:"ssh_connect_timeout"`      // 3s
	FailureThreshold       int           `koanf:"failure_threshold"`        // 30
	BootstrapSuppressTTL   time.Duration `koanf:"bootstrap_suppress_ttl"`   // 2m
	BootstrapTimeout       time.Duration `koanf:"bootstrap_timeout"`        // 900s
	ProbeInterval          time.Duration `koanf:"probe_interval"`
	WarmupTimeout          time.Duration `koanf:"warmup_timeout"`
	ModelsProbeTimeout     time.Duration `koanf:"models_probe_timeout"`
	// AgentDownloadURL and EngineImage are baked into the SSH bootstrap
	// script (§4.4.1).
	AgentDownloadURL    string `koanf:"agent_download_url"`
	EngineImage         string `koanf:"engine_image"`
	StickySessionHeader string `koanf:"sticky_session_header"`
}

// TerminatorConfig configures the Terminator Worker (§4.5).
type TerminatorConfig struct {
	VerifyInterval time.Duration `koanf:"verify_interval"` // 60s terminate-verify loop
}

// ReconcileConfig configures the four reconciliation sweeps (§4.6).
type ReconcileConfig struct {
	TickInterval           time.Duration `koanf:"tick_interval"`           // 60s
	StuckTerminatingAfter  time.Duration `koanf:"stuck_terminating_after"` // 5m
	SweepWorkerConcurrency int           `koanf:"sweep_worker_concurrency"`
}

// RoutingConfig configures the Worker Routing Index (§4.7).
type RoutingConfig struct {
	StickySessionHeader string        `koanf:"sticky_session_header"`
	StickyHashSeed      uint64        `koanf:"sticky_hash_seed"`
	StalenessHorizon    time.Duration `koanf:"staleness_horizon"` // 90s
}

// EventBusConfig configures the two command/FinOps channels (§4.8).
type EventBusConfig struct {
	Backend            string        `koanf:"backend"` // redis, memory
	OrchestratorStream string        `koanf:"orchestrator_stream"`
	FinOpsStream       string        `koanf:"finops_stream"`
	ConsumerGroup      string        `koanf:"consumer_group"`
	ConsumerName       string        `koanf:"consumer_name"`
	ClaimMinIdle       time.Duration `koanf:"claim_min_idle"`
}

// ProvidersConfig holds per-provider credentials and endpoints, keyed by
// provider name as referenced in instances.provider.
type ProvidersConfig struct {
	DefaultProvider string                `koanf:"default_provider"`
	Generic         GenericProviderConfig `koanf:"generic"`
	Mock            MockProviderConfig    `koanf:"mock"`
}

// GenericProviderConfig configures internal/provider/genericcloud.
type GenericProviderConfig struct {
	BaseURL  string `koanf:"base_url"`
	APIToken string `koanf:"api_token"`
	OrgID    string `koanf:"org_id"`
}

// MockProviderConfig configures internal/provider/mockprovider.
type MockProviderConfig struct {
	ComposeFile string `koanf:"compose_file"`
	ProjectName string `koanf:"project_name"`
}

// ProxyConfig configures services/proxy-svc (§6.4).
type ProxyConfig struct {
	ConnectTimeout     time.Duration `koanf:"connect_timeout"`      // 30s
	OverallTimeout     time.Duration `koanf:"overall_timeout"`      // 60s non-streaming
	StreamingTimeout   time.Duration `koanf:"streaming_timeout"`    // 1h
	StickyHeaderName   string        `koanf:"sticky_header_name"`
	MaxStickyHeaderLen int           `koanf:"max_sticky_header_len"` // 128 bytes
}

// Validate checks the loaded configuration for obviously invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Health.FailureThreshold <= 0 {
		errs = append(errs, "health.failure_threshold must be positive")
	}

	if c.Health.WorkerEligibleDeadline <= 0 || c.Health.DefaultDeadline <= 0 {
		errs = append(errs, "health.worker_eligible_deadline and health.default_deadline must be positive")
	}

	validBackends := map[string]bool{"redis": true, "memory": true}
	if !validBackends[c.EventBus.Backend] {
		errs = append(errs, fmt.Sprintf("event_bus.backend must be one of: redis, memory, got %s", c.EventBus.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the app is running in a development
// environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the app is running in production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
