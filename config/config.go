// Package config loads server configuration.
//
// Precedence, lowest to highest:
//
//	Default()  <  TOML file  <  .env / environment  <  command-line flags
//
// Flags are applied by cmd/server after Load returns.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Cache    CacheConfig    `toml:"cache"`
	Expiry   ExpiryConfig   `toml:"expiry"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Port            int           `toml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	CORSOrigins     []string      `toml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// RedisConfig enables the shared settings cache when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type CacheConfig struct {
	SettingsTTL time.Duration `toml:"settings_ttl"`
}

type ExpiryConfig struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{Path: "loyalty.db"},
		Cache:    CacheConfig{SettingsTTL: 30 * time.Second},
		Expiry:   ExpiryConfig{Enabled: true, Interval: time.Hour},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// LoadEnv loads variables from .env files if present. Variables already
// set in the environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the optional TOML file at
// path and the LOYALTY_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := GetEnv("LOYALTY_PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	c.Database.Path = GetEnv("LOYALTY_DB", c.Database.Path)
	c.Redis.Addr = GetEnv("LOYALTY_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = GetEnv("LOYALTY_REDIS_PASSWORD", c.Redis.Password)
	c.Log.Level = GetEnv("LOYALTY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnv("LOYALTY_LOG_FORMAT", c.Log.Format)
	if v := GetEnv("LOYALTY_EXPIRY_INTERVAL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOYALTY_EXPIRY_INTERVAL: %w", err)
		}
		c.Expiry.Interval = d
	}
	if v := GetEnv("LOYALTY_CORS_ORIGINS", ""); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	return nil
}

func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Expiry.Enabled && c.Expiry.Interval <= 0 {
		return errors.New("expiry interval must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// GetEnv returns an environment variable or a default value.
func GetEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
