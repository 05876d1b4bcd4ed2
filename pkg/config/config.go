package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full harness configuration. Fields map 1:1 onto the
// YAML file; a handful of secrets can be overridden from the environment.
type Config struct {
	// Cadences
	DealIntervalSeconds      int `yaml:"dealIntervalSeconds"`
	RetrievalIntervalSeconds int `yaml:"retrievalIntervalSeconds"`
	RetentionIntervalSeconds int `yaml:"retentionIntervalSeconds"`

	// Inter-family stagger
	DealStartOffsetSeconds      int `yaml:"dealStartOffsetSeconds"`
	RetrievalStartOffsetSeconds int `yaml:"retrievalStartOffsetSeconds"`
	MetricsBaseOffsetSeconds    int `yaml:"metricsBaseOffsetSeconds"`

	// Maintenance windows, "HH:MM" in UTC
	MaintenanceWindowsUTC     []string `yaml:"maintenanceWindowsUtc"`
	MaintenanceWindowMinutes  int      `yaml:"maintenanceWindowMinutes"`

	// Provider selection
	UseOnlyApprovedProviders bool `yaml:"useOnlyApprovedProviders"`
	EnableIPNITesting        bool `yaml:"enableIpniTesting"`

	// Upload payload size classes in bytes
	SizeClasses []int64 `yaml:"sizeClasses"`

	// HTTP probe client
	HTTPRequestTimeoutMs  int `yaml:"httpRequestTimeoutMs"`
	HTTP2RequestTimeoutMs int `yaml:"http2RequestTimeoutMs"`
	ConnectTimeoutMs      int `yaml:"connectTimeoutMs"`

	// IPFS block DAG traversal
	IPFSBlockFetchConcurrency int `yaml:"ipfsBlockFetchConcurrency"`

	// Work queue
	WorkerConcurrency int `yaml:"workerConcurrency"`
	MaxAttempts       int `yaml:"maxAttempts"`
	RetryBackoffMs    int `yaml:"retryBackoffMs"`

	// Relational store
	DatabaseURL string `yaml:"databaseURL"`
	PoolMax     int    `yaml:"poolMax"`

	// Chain
	RPCURL       string `yaml:"rpcURL"`
	WalletKeyHex string `yaml:"walletKeyHex"`
	RegistryAddr string `yaml:"registryAddr"`
	PaymentsAddr string `yaml:"paymentsAddr"`
	SyncOnStart  bool   `yaml:"syncOnStart"`

	// External proving index
	IndexURL string `yaml:"indexURL"`

	// Retention baseline snapshot file (bbolt)
	BaselinePath string `yaml:"baselinePath"`

	// Serving
	ListenAddr string `yaml:"listenAddr"`

	// Logging
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and validates the result
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("SPPROBE_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SPPROBE_RPC_URL"); v != "" {
		c.RPCURL = v
	}
	if v := os.Getenv("SPPROBE_WALLET_KEY"); v != "" {
		c.WalletKeyHex = v
	}
	if v := os.Getenv("SPPROBE_INDEX_URL"); v != "" {
		c.IndexURL = v
	}
}

// ApplyDefaults fills zero-valued fields with working defaults
func (c *Config) ApplyDefaults() {
	if c.DealIntervalSeconds <= 0 {
		c.DealIntervalSeconds = 3600
	}
	if c.RetrievalIntervalSeconds <= 0 {
		c.RetrievalIntervalSeconds = 3600
	}
	if c.RetentionIntervalSeconds <= 0 {
		c.RetentionIntervalSeconds = 900
	}
	if c.RetrievalStartOffsetSeconds <= 0 {
		c.RetrievalStartOffsetSeconds = 600
	}
	if c.MetricsBaseOffsetSeconds <= 0 {
		c.MetricsBaseOffsetSeconds = 900
	}
	if c.MaintenanceWindowMinutes <= 0 {
		c.MaintenanceWindowMinutes = 30
	}
	if len(c.SizeClasses) == 0 {
		c.SizeClasses = []int64{0, 4096, 1 << 20, 4 << 20}
	}
	if c.HTTPRequestTimeoutMs <= 0 {
		c.HTTPRequestTimeoutMs = 60000
	}
	if c.HTTP2RequestTimeoutMs <= 0 {
		c.HTTP2RequestTimeoutMs = 60000
	}
	if c.ConnectTimeoutMs <= 0 {
		c.ConnectTimeoutMs = 5000
	}
	if c.IPFSBlockFetchConcurrency <= 0 {
		c.IPFSBlockFetchConcurrency = 6
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoffMs <= 0 {
		c.RetryBackoffMs = 5000
	}
	if c.PoolMax <= 0 {
		c.PoolMax = 10
	}
	if c.BaselinePath == "" {
		c.BaselinePath = "/var/lib/spprobe/baselines.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks required fields and window syntax
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("databaseURL is required")
	}
	for _, w := range c.MaintenanceWindowsUTC {
		if _, err := time.Parse("15:04", w); err != nil {
			return fmt.Errorf("invalid maintenance window %q: %w", w, err)
		}
	}
	for _, s := range c.SizeClasses {
		if s < 0 {
			return fmt.Errorf("size class must be >= 0, got %d", s)
		}
	}
	return nil
}

// DealInterval returns the upload probe cadence as a duration
func (c *Config) DealInterval() time.Duration {
	return time.Duration(c.DealIntervalSeconds) * time.Second
}

// RetrievalInterval returns the retrieval probe cadence as a duration
func (c *Config) RetrievalInterval() time.Duration {
	return time.Duration(c.RetrievalIntervalSeconds) * time.Second
}

// RetentionInterval returns the retention poll cadence as a duration
func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.RetentionIntervalSeconds) * time.Second
}
