package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	base := DatabaseConfig{Host: "localhost", Port: 5432, User: "market", Password: "secret", Name: "agent_market", SSLMode: "require"}

	if got, want := base.GetDSN(), "host=localhost port=5432 user=market password=secret dbname=agent_market sslmode=require"; got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}

	noPass := base
	noPass.Password = ""
	noPass.SSLMode = "disable"
	if got, want := noPass.GetDSN(), "host=localhost port=5432 user=market password= dbname=agent_market sslmode=disable"; got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"localhost", ServerConfig{Host: "localhost", Port: 3000}, "localhost:3000"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
		{"port 443", ServerConfig{Host: "0.0.0.0", Port: 443}, "0.0.0.0:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetAddress()
			if got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Name: "agent_market",
			User: "market",
		},
		Ledger: LedgerConfig{Store: "postgres"},
		Storage: StorageConfig{
			DefaultBackend: "local",
			Local:          LocalStorageConfig{BasePath: "./storage"},
		},
		Logging: LoggingConfig{Level: "info"},
		Jobs:    JobsConfig{EscrowMonitorInterval: time.Minute},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid minimal config", func(*Config) {}, ""},
		{"port 0", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"port 70000", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"missing base_url", func(c *Config) { c.Server.BaseURL = "" }, "server.base_url"},
		{"postgres without host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"leveldb ignores database", func(c *Config) {
			c.Ledger.Store = "leveldb"
			c.Ledger.LevelDBPath = "/tmp/ledger"
			c.Database = DatabaseConfig{}
		}, ""},
		{"leveldb without path", func(c *Config) { c.Ledger.Store = "leveldb" }, "ledger.leveldb_path"},
		{"redis store without addr", func(c *Config) { c.Ledger.Store = "redis" }, "redis.addr"},
		{"memory store", func(c *Config) { c.Ledger.Store = "memory" }, ""},
		{"unknown store", func(c *Config) { c.Ledger.Store = "etcd" }, "invalid ledger store"},
		{"bad operator", func(c *Config) { c.Ledger.Operator = "0x123" }, "ledger.operator"},
		{"good operator", func(c *Config) { c.Ledger.Operator = "0x00000000000000000000000000000000000000aa" }, ""},
		{"bad initial supply", func(c *Config) { c.Ledger.InitialSupply = "-5" }, "ledger.initial_supply"},
		{"unknown storage backend", func(c *Config) { c.Storage.DefaultBackend = "ftp" }, "invalid storage backend"},
		{"s3 without bucket", func(c *Config) { c.Storage.DefaultBackend = "s3" }, "storage.s3.bucket"},
		{"gcs without bucket", func(c *Config) { c.Storage.DefaultBackend = "gcs" }, "storage.gcs.bucket"},
		{"azure without account", func(c *Config) { c.Storage.DefaultBackend = "azure" }, "storage.azure.account_name"},
		{"redis rate limiter without addr", func(c *Config) {
			c.Security.RateLimiting = RateLimitingConfig{Enabled: true, Backend: "redis"}
		}, "redis rate limiter"},
		{"unknown rate limiter", func(c *Config) {
			c.Security.RateLimiting = RateLimitingConfig{Enabled: true, Backend: "memcached"}
		}, "invalid rate limiting backend"},
		{"tls without cert", func(c *Config) { c.Security.TLS.Enabled = true }, "cert_file"},
		{"kafka shipper without topic", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "kafka", Kafka: &AuditKafkaConfig{Brokers: []string{"k:9092"}}}}
		}, "kafka.brokers"},
		{"disabled shipper is not checked", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: false, Type: "syslog"}}
		}, ""},
		{"unknown shipper", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "syslog"}}
		}, "unknown type"},
		{"export without interval", func(c *Config) { c.Export.Enabled = true }, "export.interval"},
		{"zero monitor interval", func(c *Config) { c.Jobs.EscrowMonitorInterval = 0 }, "escrow_monitor_interval"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "invalid logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLedgerConfig_Parsing(t *testing.T) {
	c := LedgerConfig{}
	if c.OperatorAddress() != (common.Address{}) {
		t.Error("empty operator should parse to the zero address")
	}
	amt, err := c.InitialSupplyAmount()
	if err != nil || !amt.IsZero() {
		t.Errorf("empty supply = %v, %v; want 0, nil", amt, err)
	}

	c.Operator = "0x00000000000000000000000000000000000000AA"
	c.InitialSupply = "1000000000000000000000"
	if c.OperatorAddress() != common.HexToAddress("0xaa") {
		t.Errorf("OperatorAddress() = %s", c.OperatorAddress().Hex())
	}
	amt, err = c.InitialSupplyAmount()
	if err != nil {
		t.Fatalf("InitialSupplyAmount() error: %v", err)
	}
	if amt.Dec() != "1000000000000000000000" {
		t.Errorf("InitialSupplyAmount() = %s", amt.Dec())
	}
}

func TestEnvKeys(t *testing.T) {
	keys := envKeys(reflect.TypeOf(Config{}), "")
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if set[k] {
			t.Errorf("duplicate key %q", k)
		}
		set[k] = true
	}

	for _, want := range []string{
		"server.port",
		"database.password",
		"ledger.signature_cache_size",
		"storage.s3.role_arn",
		"auth.api_keys.prefix",
		"security.cors.allowed_origins",
		"telemetry.tracing.sample_ratio",
		"jobs.stale_after",
	} {
		if !set[want] {
			t.Errorf("envKeys() missing %q", want)
		}
	}
	for _, unwanted := range []string{"audit.shippers", "storage", "telemetry.metrics"} {
		if set[unwanted] {
			t.Errorf("envKeys() should not bind %q", unwanted)
		}
	}
}

func TestDefaultsAreKnownKeys(t *testing.T) {
	known := map[string]bool{}
	for _, k := range envKeys(reflect.TypeOf(Config{}), "") {
		known[k] = true
	}
	for k := range defaults {
		if !known[k] {
			t.Errorf("default for unknown key %q", k)
		}
	}
}

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

// ---------------------------------------------------------------------------
// Load – with config file
// ---------------------------------------------------------------------------

const baseYAML = `
server:
  base_url: "http://localhost:8080"
database:
  host: "localhost"
  name: "agent_market"
  user: "market"
storage:
  default_backend: "local"
  local:
    base_path: "./storage"
logging:
  level: "info"
`

func TestLoad_WithConfigFile(t *testing.T) {
	const content = `
server:
  host: "testhost"
  port: 9999
  base_url: "http://testhost:9999"
ledger:
  store: "leveldb"
  leveldb_path: "/var/lib/agm"
  operator: "0x00000000000000000000000000000000000000aa"
audit:
  shippers:
    - enabled: true
      type: kafka
      kafka:
        brokers: ["k1:9092", "k2:9092"]
        topic: "agm-events"
logging:
  level: "debug"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "testhost" {
		t.Errorf("Server.Host = %q, want testhost", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Ledger.Store != "leveldb" || cfg.Ledger.LevelDBPath != "/var/lib/agm" {
		t.Errorf("Ledger = %+v", cfg.Ledger)
	}
	if len(cfg.Audit.Shippers) != 1 || cfg.Audit.Shippers[0].Kafka == nil {
		t.Fatalf("Audit.Shippers = %+v", cfg.Audit.Shippers)
	}
	if got := cfg.Audit.Shippers[0].Kafka.Brokers; len(got) != 2 {
		t.Errorf("kafka brokers = %v", got)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, baseYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("default Database.SSLMode = %q, want require", cfg.Database.SSLMode)
	}
	if cfg.Ledger.Store != "postgres" {
		t.Errorf("default Ledger.Store = %q, want postgres", cfg.Ledger.Store)
	}
	if cfg.Auth.APIKeys.Prefix != "agm" {
		t.Errorf("default Auth.APIKeys.Prefix = %q, want agm", cfg.Auth.APIKeys.Prefix)
	}
	if cfg.Auth.ChallengeTTL != 5*time.Minute {
		t.Errorf("default Auth.ChallengeTTL = %v, want 5m", cfg.Auth.ChallengeTTL)
	}
	if cfg.Security.RateLimiting.Backend != "memory" {
		t.Errorf("default rate limiting backend = %q, want memory", cfg.Security.RateLimiting.Backend)
	}
	if cfg.Jobs.StaleAfter != 7*24*time.Hour {
		t.Errorf("default Jobs.StaleAfter = %v, want 168h", cfg.Jobs.StaleAfter)
	}
	supply, err := cfg.Ledger.InitialSupplyAmount()
	if err != nil || supply.IsZero() {
		t.Errorf("default initial supply = %v, %v", supply, err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGM_SERVER_PORT", "9191")
	t.Setenv("AGM_LEDGER_STORE", "memory")
	t.Setenv("AGM_SECURITY_RATE_LIMITING_BACKEND", "redis")
	t.Setenv("AGM_REDIS_ADDR", "cache:6379")

	cfg, err := Load(writeTempConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Ledger.Store != "memory" {
		t.Errorf("Ledger.Store = %q, want memory", cfg.Ledger.Store)
	}
	if cfg.Redis.Addr != "cache:6379" {
		t.Errorf("Redis.Addr = %q, want cache:6379", cfg.Redis.Addr)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PASS", "mysecret")
	t.Setenv("TEST_REDIS_PASS", "redispass")
	content := baseYAML + `
redis:
  password: "${TEST_REDIS_PASS}"
`
	content = strings.Replace(content, `user: "market"`, "user: \"market\"\n  password: \"${TEST_DB_PASS}\"", 1)
	cfg, err := Load(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Password != "mysecret" {
		t.Errorf("Database.Password = %q, want mysecret", cfg.Database.Password)
	}
	if cfg.Redis.Password != "redispass" {
		t.Errorf("Redis.Password = %q, want redispass", cfg.Redis.Password)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

// ---------------------------------------------------------------------------
// Watch
// ---------------------------------------------------------------------------

func TestWatch_NoFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	watching, err := Watch("", func(*Config) {})
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	if watching {
		t.Error("Watch() reported watching with no config file")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, baseYAML)

	changed := make(chan *Config, 4)
	watching, err := Watch(path, func(c *Config) { changed <- c })
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	if !watching {
		t.Fatal("Watch() did not start watching")
	}

	updated := strings.Replace(baseYAML, `level: "info"`, `level: "debug"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Logging.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed within 5s")
		}
	}
}
