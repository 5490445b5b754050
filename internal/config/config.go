// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/retry"
	"github.com/cowrite/cowrite/internal/storage/local"
	s3backend "github.com/cowrite/cowrite/internal/storage/s3"
)

// FileEnv names the environment variable holding the YAML file path.
const FileEnv = "COWRITE_CONFIG"

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("privilege", func(fl validator.FieldLevel) bool {
		_, err := privilege.ParseLevel(fl.Field().String())
		return err == nil
	})
}

// Config holds server and client configuration. Environment variables
// override the file, which overrides the defaults.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`

	// Working tree ("local" or "s3")
	StorageBackend string                  `yaml:"storage_backend" validate:"oneof=local s3"`
	Local          local.Config            `yaml:"local"`
	S3             s3backend.BackendConfig `yaml:"s3"`
	Watch          bool                    `yaml:"watch"`

	// Auth
	JWTSecret        string `yaml:"jwt_secret"`
	DatabaseURL      string `yaml:"database_url"`
	DefaultPrivilege string `yaml:"default_privilege" validate:"privilege"`

	// Sessions
	LoadTimeout time.Duration `yaml:"load_timeout" validate:"gt=0"`
	RateLimit   float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int           `yaml:"rate_burst" validate:"gte=0"`
	QueueSize   int           `yaml:"queue_size" validate:"gt=0"`

	// Client
	ServerURL string       `yaml:"server_url" validate:"omitempty,url"`
	Username  string       `yaml:"username"`
	Token     string       `yaml:"token"`
	Dial      retry.Config `yaml:"dial"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8080",
		MetricsAddr:      ":9090",
		LogLevel:         "info",
		LogFormat:        "json",
		StorageBackend:   "local",
		Local:            local.Config{RootPath: ".", CreateDirs: true},
		S3:               s3backend.BackendConfig{Bucket: "cowrite", Region: "us-east-1"},
		Watch:            true,
		DefaultPrivilege: "write",
		LoadTimeout:      10 * time.Second,
		RateLimit:        200,
		RateBurst:        400,
		QueueSize:        256,
		ServerURL:        "ws://localhost:8080/ws",
		Dial:             retry.DefaultConfig(),
	}
}

// Load reads configuration from the file named by COWRITE_CONFIG, if set,
// then from environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.ListenAddr = envOr("COWRITE_LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("COWRITE_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("COWRITE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("COWRITE_LOG_FORMAT", c.LogFormat)
	c.StorageBackend = envOr("COWRITE_STORAGE_BACKEND", c.StorageBackend)
	c.Local.RootPath = envOr("COWRITE_ROOT", c.Local.RootPath)
	c.S3.Endpoint = envOr("COWRITE_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Bucket = envOr("COWRITE_S3_BUCKET", c.S3.Bucket)
	c.S3.Prefix = envOr("COWRITE_S3_PREFIX", c.S3.Prefix)
	c.S3.AccessKey = envOr("COWRITE_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = envOr("COWRITE_S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Region = envOr("COWRITE_S3_REGION", c.S3.Region)
	c.Watch = envBool("COWRITE_WATCH", c.Watch)
	c.JWTSecret = envOr("COWRITE_JWT_SECRET", c.JWTSecret)
	c.DatabaseURL = envOr("COWRITE_DATABASE_URL", c.DatabaseURL)
	c.DefaultPrivilege = envOr("COWRITE_DEFAULT_PRIVILEGE", c.DefaultPrivilege)
	c.LoadTimeout = envDuration("COWRITE_LOAD_TIMEOUT", c.LoadTimeout)
	c.RateLimit = envFloat("COWRITE_RATE_LIMIT", c.RateLimit)
	c.RateBurst = envInt("COWRITE_RATE_BURST", c.RateBurst)
	c.QueueSize = envInt("COWRITE_QUEUE_SIZE", c.QueueSize)
	c.ServerURL = envOr("COWRITE_SERVER_URL", c.ServerURL)
	c.Username = envOr("COWRITE_USERNAME", c.Username)
	c.Token = envOr("COWRITE_TOKEN", c.Token)
	c.Dial.MaxAttempts = envInt("COWRITE_DIAL_ATTEMPTS", c.Dial.MaxAttempts)
}

// Validate checks field constraints and the settings the chosen backend
// needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.StorageBackend {
	case "local":
		if c.Local.RootPath == "" {
			return fmt.Errorf("invalid config: local.root_path is required")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("invalid config: s3.bucket is required")
		}
	}
	return nil
}

// Privilege returns the privilege given to users without a stored one.
func (c *Config) Privilege() privilege.Level {
	level, err := privilege.ParseLevel(c.DefaultPrivilege)
	if err != nil {
		return privilege.ReadOnly
	}
	return level
}

// Backend returns the storage backend type and its JSON settings.
func (c *Config) Backend() (string, json.RawMessage, error) {
	var settings any = c.Local
	if c.StorageBackend == "s3" {
		settings = c.S3
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", nil, err
	}
	return c.StorageBackend, raw, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
