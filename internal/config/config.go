// Package config loads and validates the agent market configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AGM_ prefix (e.g., AGM_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a
// config.yaml locally and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every configuration environment variable.
const EnvPrefix = "AGM"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Export    ExportConfig    `mapstructure:"export"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the Redis connection used by the redis ledger store and
// the distributed rate limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LedgerConfig selects the ledger backend and the genesis deployment.
type LedgerConfig struct {
	// Store is one of "postgres", "leveldb", "redis", "memory".
	Store       string `mapstructure:"store"`
	LevelDBPath string `mapstructure:"leveldb_path"`
	RedisPrefix string `mapstructure:"redis_prefix"`

	// Operator runs genesis and is the token minter and admin account.
	Operator string `mapstructure:"operator"`
	// InitialSupply is a decimal amount minted to the operator at genesis.
	InitialSupply string `mapstructure:"initial_supply"`
	TokenName     string `mapstructure:"token_name"`
	TokenSymbol   string `mapstructure:"token_symbol"`
	TokenDecimals uint8  `mapstructure:"token_decimals"`

	// SignatureCacheSize bounds the recovered-signer LRU. Zero disables it.
	SignatureCacheSize int `mapstructure:"signature_cache_size"`
}

// OperatorAddress parses Operator. It returns the zero address when unset.
func (c *LedgerConfig) OperatorAddress() common.Address {
	if c.Operator == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Operator)
}

// InitialSupplyAmount parses InitialSupply.
func (c *LedgerConfig) InitialSupplyAmount() (*uint256.Int, error) {
	if c.InitialSupply == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(c.InitialSupply)
}

// StorageConfig holds storage backend configuration for exported artifacts
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is "default", "static" or "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`
	APIKeys      APIKeyConfig  `mapstructure:"api_keys"`
}

// APIKeyConfig holds API key authentication configuration
type APIKeyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// Backend is "memory" (per process) or "redis" (shared across replicas)
	Backend string `mapstructure:"backend"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TracingConfig holds OTLP tracing configuration
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// LogReadOperations determines if GET requests should be logged
	LogReadOperations bool `mapstructure:"log_read_operations"`
	// LogFailedRequests determines if failed requests (4xx/5xx) should be logged
	LogFailedRequests bool `mapstructure:"log_failed_requests"`
	// ShipLedgerEvents forwards every committed ledger event to the shippers
	ShipLedgerEvents bool                 `mapstructure:"ship_ledger_events"`
	Shippers         []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file, kafka)
	Type    string              `mapstructure:"type"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
	Kafka   *AuditKafkaConfig   `mapstructure:"kafka"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
	// BatchSize > 0 queues entries and posts them as a JSON array
	BatchSize         int `mapstructure:"batch_size"`
	FlushIntervalSecs int `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditKafkaConfig holds kafka shipper configuration
type AuditKafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ExportConfig controls the scheduled artifact export.
type ExportConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Prefix is the storage path under which export bundles are written
	Prefix string `mapstructure:"prefix"`
	// SigningKeyFile is an armored OpenPGP private key; when set, SHA256SUMS is signed
	SigningKeyFile       string `mapstructure:"signing_key_file"`
	SigningKeyPassphrase string `mapstructure:"signing_key_passphrase"`
}

// JobsConfig holds background job settings.
type JobsConfig struct {
	EscrowMonitorInterval time.Duration `mapstructure:"escrow_monitor_interval"`
	// StaleAfter is how long a job may stay Funded before it is reported
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// APIKeyCleanupInterval is how often expired API keys are purged
	APIKeyCleanupInterval time.Duration `mapstructure:"api_key_cleanup_interval"`
}

// envKeys lists the dotted viper key of every leaf field reachable from t,
// following mapstructure tags. Slices and maps are leaves; pointer structs are
// skipped since they only appear inside list entries.
func envKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		switch {
		case f.Type.Kind() == reflect.Struct:
			keys = append(keys, envKeys(f.Type, key)...)
		case f.Type.Kind() == reflect.Pointer:
		case f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct:
		default:
			keys = append(keys, key)
		}
	}
	return keys
}

// bindEnv makes AGM_SECTION_FIELD visible to Unmarshal for every known key;
// AutomaticEnv alone only applies to keys viper has already seen.
func bindEnv(v *viper.Viper) error {
	for _, key := range envKeys(reflect.TypeOf(Config{}), "") {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env for %q: %w", key, err)
		}
	}
	return nil
}

// newViper builds a viper instance with defaults, config file location and
// env binding applied, and reads the config file if one exists.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/agent-market")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for _, secret := range []*string{
		&cfg.Database.Password,
		&cfg.Redis.Password,
		&cfg.Storage.Azure.AccountKey,
		&cfg.Storage.S3.AccessKeyID,
		&cfg.Storage.S3.SecretAccessKey,
		&cfg.Storage.GCS.CredentialsJSON,
		&cfg.Export.SigningKeyPassphrase,
	} {
		*secret = os.ExpandEnv(*secret)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

var defaults = map[string]any{
	"server.host":          "0.0.0.0",
	"server.port":          8080,
	"server.base_url":      "http://localhost:8080",
	"server.read_timeout":  "30s",
	"server.write_timeout": "30s",

	"database.host":                 "localhost",
	"database.port":                 5432,
	"database.name":                 "agent_market",
	"database.user":                 "market",
	"database.ssl_mode":             "require",
	"database.max_connections":      25,
	"database.min_idle_connections": 5,

	"redis.addr": "localhost:6379",

	"ledger.store":                "postgres",
	"ledger.leveldb_path":         "./data/ledger",
	"ledger.redis_prefix":         "agm",
	"ledger.initial_supply":       "1000000000000000000000000",
	"ledger.token_name":           "Agent Market Token",
	"ledger.token_symbol":         "AGT",
	"ledger.token_decimals":       18,
	"ledger.signature_cache_size": 4096,

	"storage.default_backend": "local",
	"storage.local.base_path": "./storage",
	"storage.s3.auth_method":  "default",

	"auth.token_ttl":        "1h",
	"auth.challenge_ttl":    "5m",
	"auth.api_keys.enabled": true,
	"auth.api_keys.prefix":  "agm",

	"security.cors.allowed_origins":              []string{"*"},
	"security.cors.allowed_methods":              []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
	"security.rate_limiting.enabled":             true,
	"security.rate_limiting.requests_per_minute": 120,
	"security.rate_limiting.burst":               20,
	"security.rate_limiting.backend":             "memory",

	"logging.level":  "info",
	"logging.format": "json",

	"telemetry.enabled":                 true,
	"telemetry.service_name":            "agent-market",
	"telemetry.metrics.enabled":         true,
	"telemetry.metrics.prometheus_port": 9090,
	"telemetry.tracing.otlp_endpoint":   "localhost:4317",
	"telemetry.tracing.insecure":        true,
	"telemetry.tracing.sample_ratio":    1.0,
	"telemetry.profiling.port":          6060,

	"audit.enabled":             true,
	"audit.log_failed_requests": true,

	"export.interval": "24h",
	"export.prefix":   "exports",

	"jobs.escrow_monitor_interval":  "5m",
	"jobs.stale_after":              "168h",
	"jobs.api_key_cleanup_interval": "1h",
}

func setDefaults(v *viper.Viper) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate ledger
	switch c.Ledger.Store {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	case "leveldb":
		if c.Ledger.LevelDBPath == "" {
			return fmt.Errorf("ledger.leveldb_path is required when using the leveldb store")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when using the redis store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid ledger store: %s (must be postgres, leveldb, redis, or memory)", c.Ledger.Store)
	}
	if c.Ledger.Operator != "" && !common.IsHexAddress(c.Ledger.Operator) {
		return fmt.Errorf("ledger.operator is not a valid address: %q", c.Ledger.Operator)
	}
	if _, err := c.Ledger.InitialSupplyAmount(); err != nil {
		return fmt.Errorf("ledger.initial_supply is not a valid amount: %w", err)
	}

	// Validate storage backend
	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}
	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	// Validate rate limiting backend
	if c.Security.RateLimiting.Enabled {
		switch c.Security.RateLimiting.Backend {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis.addr is required when using the redis rate limiter")
			}
		default:
			return fmt.Errorf("invalid rate limiting backend: %s (must be memory or redis)", c.Security.RateLimiting.Backend)
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		case "kafka":
			if s.Kafka == nil || len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
				return fmt.Errorf("audit.shippers[%d]: kafka.brokers and kafka.topic are required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q (must be webhook, file, or kafka)", i, s.Type)
		}
	}

	if c.Export.Enabled && c.Export.Interval <= 0 {
		return fmt.Errorf("export.interval must be positive when export is enabled")
	}
	if c.Jobs.EscrowMonitorInterval <= 0 {
		return fmt.Errorf("jobs.escrow_monitor_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// NeedsDatabase reports whether any enabled component uses PostgreSQL: the
// postgres ledger store, API keys or the audit log table.
func (c *Config) NeedsDatabase() bool {
	return c.Ledger.Store == "postgres" || c.Auth.APIKeys.Enabled || c.Audit.Enabled
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
