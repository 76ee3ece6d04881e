// Package config loads server configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable pointing at the config file.
const EnvConfigPath = "DAYGENT_CONFIG"

const defaultConfigFile = "config.yaml"

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Blobs    BlobConfig     `yaml:"blobs"`
	Cache    CacheConfig    `yaml:"cache"`
	Relay    RelayConfig    `yaml:"relay"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig controls the HTTP listener and request middleware.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"DAYGENT_HOST"`
	Port            int           `yaml:"port" env:"DAYGENT_PORT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"DAYGENT_REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"DAYGENT_SHUTDOWN_TIMEOUT"`
	UploadLimit     int64         `yaml:"upload_limit" env:"DAYGENT_UPLOAD_LIMIT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"DAYGENT_CORS_ORIGINS"`
}

// DatabaseConfig selects the persistence backend. Driver is "memory" or
// "postgres"; leaving it empty picks postgres when a DSN is present.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DAYGENT_DB_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DAYGENT_DB_MAX_OPEN"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DAYGENT_DB_MAX_IDLE"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DAYGENT_DB_CONN_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"DAYGENT_DB_MIGRATE"`
}

// AuthConfig carries the credentials the API trusts. Service tokens let
// the gateway call on behalf of users; operators get the audit and ops
// surfaces.
type AuthConfig struct {
	ServiceTokens  []string       `yaml:"service_tokens" env:"DAYGENT_SERVICE_TOKENS"`
	ServiceKeyFile string         `yaml:"service_key_file" env:"DAYGENT_SERVICE_KEY_FILE"`
	OperatorSecret string         `yaml:"operator_secret" env:"DAYGENT_OPERATOR_SECRET"`
	Operators      []OperatorUser `yaml:"operators"`
}

// OperatorUser is a static operator login.
type OperatorUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"DAYGENT_LOG_LEVEL"`
	Format string `yaml:"format" env:"DAYGENT_LOG_FORMAT"`
}

// BlobConfig locates attachment storage. An empty Dir disables uploads.
type BlobConfig struct {
	Dir string `yaml:"dir" env:"DAYGENT_BLOB_DIR"`
}

// CacheConfig selects the cache backend. An empty RedisURL keeps the
// in-process cache.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
}

// RelayConfig controls the OpenAI-compatible relay listener.
type RelayConfig struct {
	Enabled bool `yaml:"enabled" env:"DAYGENT_RELAY_ENABLED"`
}

// AuditConfig sizes the in-memory audit ring and optionally persists
// entries to a JSONL file.
type AuditConfig struct {
	MaxEntries int    `yaml:"max_entries" env:"DAYGENT_AUDIT_MAX"`
	Path       string `yaml:"path" env:"DAYGENT_AUDIT_LOG"`
}

// Load reads the YAML file named by DAYGENT_CONFIG (falling back to
// ./config.yaml when present), then applies environment overrides.
// Unknown YAML keys are rejected.
func Load() (*Config, error) {
	cfg := &Config{}

	path := os.Getenv(EnvConfigPath)
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	c.Database.Driver = strings.TrimSpace(strings.ToLower(c.Database.Driver))
	if c.Database.Driver == "" {
		if c.Database.DSN != "" {
			c.Database.Driver = "postgres"
		} else {
			c.Database.Driver = "memory"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Audit.MaxEntries == 0 {
		c.Audit.MaxEntries = 200
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database driver %q requires a dsn", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for _, op := range c.Auth.Operators {
		if op.Username == "" || op.Password == "" {
			return fmt.Errorf("operator entries need username and password")
		}
	}
	return nil
}

// Addr formats the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
