// Package config provides configuration management for Storage Janitor.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like ARRAY_URL, LOG_LEVEL)
// 3. Default values
//
// Command-line flags override all of the above per command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Array      ArrayConfig      `mapstructure:"array"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Mpath      MpathConfig      `mapstructure:"mpath"`
	Report     ReportConfig     `mapstructure:"report"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// ArrayConfig contains storage-array REST API settings.
type ArrayConfig struct {
	URL      string `mapstructure:"url"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	// InsecureTLS skips certificate verification. Most arrays ship
	// self-signed management certificates.
	InsecureTLS bool `mapstructure:"insecure_tls"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Login retry policy.
	LoginRetries int           `mapstructure:"login_retries"`
	LoginBackoff time.Duration `mapstructure:"login_backoff"`

	// Pagination bounds.
	PageSize      int `mapstructure:"page_size"`
	OffsetCeiling int `mapstructure:"offset_ceiling"`

	// VerifyCap bounds per-candidate detail fetches per run.
	VerifyCap int `mapstructure:"verify_cap"`

	// SessionCacheDir holds the token and cookie jar between runs.
	SessionCacheDir string `mapstructure:"session_cache_dir"`
}

// ClusterConfig contains Kubernetes access settings.
type ClusterConfig struct {
	Kubeconfig       string        `mapstructure:"kubeconfig"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// PrometheusConfig contains monitoring query settings.
type PrometheusConfig struct {
	Namespace    string        `mapstructure:"namespace"`
	Service      string        `mapstructure:"service"`
	RemotePort   int           `mapstructure:"remote_port"`
	BearerToken  string        `mapstructure:"bearer_token"`
	TokenFile    string        `mapstructure:"token_file"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// Window is the range-vector window for rate/avg queries.
	Window time.Duration `mapstructure:"window"`
}

// MpathConfig contains node access settings for multipath scans.
type MpathConfig struct {
	SSHUser     string        `mapstructure:"ssh_user"`
	SSHKeyFile  string        `mapstructure:"ssh_key_file"`
	SSHPort     int           `mapstructure:"ssh_port"`
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`

	// PolicyFile enables per-vendor cleanup categories (all off without it).
	PolicyFile string `mapstructure:"policy_file"`
}

// ReportConfig contains report artifact settings.
type ReportConfig struct {
	Dir       string        `mapstructure:"dir"`
	Retention time.Duration `mapstructure:"retention"`
	Port      int           `mapstructure:"port"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	ArrayPoolSize   int `mapstructure:"array_pool_size"`
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix: array.page_size → ARRAY_PAGE_SIZE.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/storjanitor")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
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
	if c.Array.PageSize <= 0 {
		return fmt.Errorf("array.page_size must be positive")
	}
	if c.Array.OffsetCeiling <= 0 {
		return fmt.Errorf("array.offset_ceiling must be positive")
	}
	if c.Array.LoginRetries < 1 {
		return fmt.Errorf("array.login_retries must be at least 1")
	}
	if c.Array.PageSize > c.Array.OffsetCeiling {
		return fmt.Errorf("array.offset_ceiling must be at least one page")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Array access. Credentials default empty so AutomaticEnv can bind
	// them: viper only feeds Unmarshal for keys it already knows about.
	v.SetDefault("array.url", "")
	v.SetDefault("array.user", "")
	v.SetDefault("array.password", "")
	v.SetDefault("array.insecure_tls", false)

	// Array session and pagination
	v.SetDefault("array.request_timeout", "30s")
	v.SetDefault("array.login_retries", 10)
	v.SetDefault("array.login_backoff", "2s")
	v.SetDefault("array.page_size", 200)
	v.SetDefault("array.offset_ceiling", 100000)
	v.SetDefault("array.verify_cap", 200)
	v.SetDefault("array.session_cache_dir", defaultSessionCacheDir())

	// Cluster
	v.SetDefault("cluster.kubeconfig", "")
	v.SetDefault("cluster.operation_timeout", "60s")

	// Prometheus
	v.SetDefault("prometheus.namespace", "openshift-monitoring")
	v.SetDefault("prometheus.service", "prometheus-k8s")
	v.SetDefault("prometheus.remote_port", 9091)
	v.SetDefault("prometheus.bearer_token", "")
	v.SetDefault("prometheus.token_file", "")
	v.SetDefault("prometheus.query_timeout", "30s")
	v.SetDefault("prometheus.window", "10m")

	// Mpath
	v.SetDefault("mpath.ssh_user", "core")
	v.SetDefault("mpath.ssh_key_file", "")
	v.SetDefault("mpath.ssh_port", 22)
	v.SetDefault("mpath.exec_timeout", "45s")
	v.SetDefault("mpath.policy_file", "")

	// Report
	v.SetDefault("report.dir", defaultReportDir())
	v.SetDefault("report.retention", "720h")
	v.SetDefault("report.port", 8089)

	// Worker pools
	v.SetDefault("worker.general_pool_size", 32)
	v.SetDefault("worker.array_pool_size", 8)
}

func defaultSessionCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "storjanitor-session")
	}
	return filepath.Join(home, ".storjanitor", "session")
}

func defaultReportDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "storjanitor-reports")
	}
	return filepath.Join(home, ".storjanitor", "reports")
}
