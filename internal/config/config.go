package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Store backends for installation identifiers.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds the gateway settings.
type Config struct {
	OCRSDK struct {
		ApplicationID string        `yaml:"application_id"`
		Password      string        `yaml:"password"`
		BaseURL       string        `yaml:"base_url"`
		DeviceID      string        `yaml:"device_id"`
		ForceActivate bool          `yaml:"force_activate"`
		Timeout       time.Duration `yaml:"timeout"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		MaxWait       time.Duration `yaml:"max_wait"`
	} `yaml:"ocrsdk"`

	Store struct {
		Backend   string `yaml:"backend"`
		FilePath  string `yaml:"file_path"`
		RedisAddr string `yaml:"redis_addr"`
		DSN       string `yaml:"database_dsn"`
	} `yaml:"store"`

	Server struct {
		HTTPAddr        string        `yaml:"http_addr"`
		GRPCAddr        string        `yaml:"grpc_addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	} `yaml:"server"`

	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		JWTAudience string `yaml:"jwt_audience"`
	} `yaml:"auth"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// Load reads path, applies environment overrides and defaults, and validates
// the result. A missing file is not an error; settings then come from the
// environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if value, ok := lookup(key); ok && value != "" {
			*dst = value
		}
	}
	set("OCRSDK_APPLICATION_ID", &c.OCRSDK.ApplicationID)
	set("OCRSDK_PASSWORD", &c.OCRSDK.Password)
	set("OCRSDK_BASE_URL", &c.OCRSDK.BaseURL)
	set("OCRSDK_DEVICE_ID", &c.OCRSDK.DeviceID)
	set("OCRSDK_STORE", &c.Store.Backend)
	set("OCRSDK_STORE_FILE", &c.Store.FilePath)
	set("REDIS_ADDR", &c.Store.RedisAddr)
	set("DATABASE_DSN", &c.Store.DSN)
	set("JWT_SECRET", &c.Auth.JWTSecret)
	set("JWT_AUDIENCE", &c.Auth.JWTAudience)
	set("HTTP_ADDR", &c.Server.HTTPAddr)
	set("GRPC_ADDR", &c.Server.GRPCAddr)
	set("LOG_LEVEL", &c.Log.Level)

	if value, ok := lookup("OCRSDK_FORCE_ACTIVATE"); ok {
		c.OCRSDK.ForceActivate = strings.EqualFold(value, "true") || value == "1"
	}
}

func (c *Config) applyDefaults() {
	if c.OCRSDK.BaseURL == "" {
		c.OCRSDK.BaseURL = "https://cloud.ocrsdk.com"
	}
	if c.OCRSDK.Timeout == 0 {
		c.OCRSDK.Timeout = time.Minute
	}
	if c.OCRSDK.PollInterval == 0 {
		c.OCRSDK.PollInterval = 2 * time.Second
	}
	if c.OCRSDK.MaxWait == 0 {
		c.OCRSDK.MaxWait = 2 * time.Minute
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreFile
	}
	if c.Store.FilePath == "" {
		c.Store.FilePath = "data/installations.yaml"
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "redis:6379"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":9090"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 32 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first setting that prevents the gateway from starting.
func (c *Config) Validate() error {
	switch {
	case c.OCRSDK.ApplicationID == "":
		return errors.New("config: ocrsdk.application_id is required")
	case c.OCRSDK.Password == "":
		return errors.New("config: ocrsdk.password is required")
	case c.OCRSDK.PollInterval < 0 || c.OCRSDK.Timeout < 0 || c.OCRSDK.MaxWait < 0:
		return errors.New("config: ocrsdk durations must not be negative")
	case c.Auth.JWTSecret == "":
		return errors.New("config: auth.jwt_secret is required")
	case c.Server.MaxUploadBytes < 0:
		return errors.New("config: server.max_upload_bytes must not be negative")
	}

	switch c.Store.Backend {
	case StoreMemory, StoreFile, StoreRedis:
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("config: store.database_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}
