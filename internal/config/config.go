// Package config provides configuration management for the conductor.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (nested keys joined by "_", e.g. ORCHESTRATOR_START_RETRY)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// UnboundedRetry disables a retry bound. It must be set explicitly; no
// default uses it for start placement.
const UnboundedRetry = -1

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	River        RiverConfig        `mapstructure:"river"`
	Security     SecurityConfig     `mapstructure:"security"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Node         NodeConfig         `mapstructure:"node"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Reconciler   ReconcilerConfig   `mapstructure:"reconciler"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pool is shared by the stores, the advisory locks and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	VMWorkWorkers               int           `mapstructure:"vm_work_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	LaneSnooze                  time.Duration `mapstructure:"lane_snooze"`
}

// SecurityConfig contains API authentication settings. An empty signing
// key disables bearer authentication.
type SecurityConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	AgentPoolSize   int `mapstructure:"agent_pool_size"`
}

// NodeConfig identifies this management-server node. Work items and jobs
// are stamped with ID so startup recovery only touches its own records.
type NodeConfig struct {
	ID   int64  `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// OrchestratorConfig tunes the lifecycle sagas and the work ledger.
type OrchestratorConfig struct {
	StartRetry           int           `mapstructure:"start_retry"`
	MigrateRetry         int           `mapstructure:"migrate_retry"`
	LockStateRetry       int           `mapstructure:"lock_state_retry"`
	OpWaitInterval       time.Duration `mapstructure:"op_wait_interval"`
	OpWaitRetry          int           `mapstructure:"op_wait_retry"`
	OpCancelInterval     time.Duration `mapstructure:"op_cancel_interval"`
	OpCleanupInterval    time.Duration `mapstructure:"op_cleanup_interval"`
	OpCleanupWait        time.Duration `mapstructure:"op_cleanup_wait"`
	TransitionalLiveness time.Duration `mapstructure:"transitional_liveness"`
	JobCheckInterval     time.Duration `mapstructure:"job_check_interval"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	JobRetention         time.Duration `mapstructure:"job_retention"`
	OrphanSweepInterval  time.Duration `mapstructure:"orphan_sweep_interval"`
	OrphanGrace          time.Duration `mapstructure:"orphan_grace"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
	DestroyForceStop     bool          `mapstructure:"destroy_force_stop"`
	HARestartOnHostUp    bool          `mapstructure:"ha_restart_on_host_up"`
}

// ReconcilerConfig tunes power-state reconciliation.
type ReconcilerConfig struct {
	ReportInterval            time.Duration `mapstructure:"report_interval"`
	MissingReportGrace        time.Duration `mapstructure:"missing_report_grace"`
	UnreachableStallThreshold time.Duration `mapstructure:"unreachable_stall_threshold"`
	Workers                   int           `mapstructure:"workers"`
	DeferBaseDelay            time.Duration `mapstructure:"defer_base_delay"`
	DeferMaxDelay             time.Duration `mapstructure:"defer_max_delay"`
	MaxDefers                 int           `mapstructure:"max_defers"`
	// SimulateReports feeds the reconciler from the in-process agent
	// simulator instead of waiting for agents to post reports.
	SimulateReports bool `mapstructure:"simulate_reports"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/vmconductor")

	// database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Node.ID <= 0 {
		return fmt.Errorf("node.id must be positive, got %d", c.Node.ID)
	}
	if err := validateRetry("orchestrator.start_retry", c.Orchestrator.StartRetry); err != nil {
		return err
	}
	if err := validateRetry("orchestrator.migrate_retry", c.Orchestrator.MigrateRetry); err != nil {
		return err
	}
	if err := validateRetry("orchestrator.op_wait_retry", c.Orchestrator.OpWaitRetry); err != nil {
		return err
	}
	if c.Orchestrator.LockStateRetry <= 0 {
		return fmt.Errorf("orchestrator.lock_state_retry must be positive")
	}
	if c.Orchestrator.OpWaitInterval <= 0 {
		return fmt.Errorf("orchestrator.op_wait_interval must be positive")
	}
	if c.Orchestrator.JobCheckInterval <= 0 || c.Orchestrator.JobTimeout <= 0 {
		return fmt.Errorf("orchestrator.job_check_interval and orchestrator.job_timeout must be positive")
	}
	if c.Reconciler.ReportInterval <= 0 {
		return fmt.Errorf("reconciler.report_interval must be positive")
	}
	if c.Reconciler.Workers <= 0 {
		return fmt.Errorf("reconciler.workers must be positive")
	}
	if c.Security.JWTSigningKey != "" && len(c.Security.JWTSigningKey) < 32 {
		return fmt.Errorf("security.jwt_signing_key must be at least 32 characters")
	}
	return nil
}

// validateRetry accepts UnboundedRetry or a positive bound.
func validateRetry(key string, n int) error {
	if n == UnboundedRetry || n > 0 {
		return nil
	}
	return fmt.Errorf("%s must be positive or %d (unbounded), got %d", key, UnboundedRetry, n)
}

// StallThreshold is the age after which a transitional VM on a reachable
// host is considered to have missed its power report.
func (c ReconcilerConfig) StallThreshold() time.Duration {
	return c.ReportInterval + c.ReportInterval/2
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_allowed_origins", []string{})

	// Database
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "conductor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "conductor")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.vm_work_workers", 20)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.lane_snooze", "2s")

	// Security
	v.SetDefault("security.jwt_signing_key", "")
	v.SetDefault("security.jwt_issuer", "vmconductor")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.agent_pool_size", 50)

	// Node
	v.SetDefault("node.id", 1)
	v.SetDefault("node.name", "conductor-1")

	// Orchestrator
	v.SetDefault("orchestrator.start_retry", 10)
	v.SetDefault("orchestrator.migrate_retry", 5)
	v.SetDefault("orchestrator.lock_state_retry", 5)
	v.SetDefault("orchestrator.op_wait_interval", "120s")
	v.SetDefault("orchestrator.op_wait_retry", UnboundedRetry)
	v.SetDefault("orchestrator.op_cancel_interval", "1h")
	v.SetDefault("orchestrator.op_cleanup_interval", "24h")
	v.SetDefault("orchestrator.op_cleanup_wait", "1h")
	v.SetDefault("orchestrator.transitional_liveness", "1h")
	v.SetDefault("orchestrator.job_check_interval", "3s")
	v.SetDefault("orchestrator.job_timeout", "10m")
	v.SetDefault("orchestrator.job_retention", "24h")
	v.SetDefault("orchestrator.orphan_sweep_interval", "1m")
	v.SetDefault("orchestrator.orphan_grace", "1m")
	v.SetDefault("orchestrator.lock_timeout", "5s")
	v.SetDefault("orchestrator.destroy_force_stop", false)
	v.SetDefault("orchestrator.ha_restart_on_host_up", true)

	// Reconciler
	v.SetDefault("reconciler.report_interval", "60s")
	v.SetDefault("reconciler.missing_report_grace", "180s")
	v.SetDefault("reconciler.unreachable_stall_threshold", "10m")
	v.SetDefault("reconciler.workers", 4)
	v.SetDefault("reconciler.defer_base_delay", "5s")
	v.SetDefault("reconciler.defer_max_delay", "5m")
	v.SetDefault("reconciler.max_defers", 20)
	v.SetDefault("reconciler.simulate_reports", true)
}
