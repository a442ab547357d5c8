// Package config loads the bucketgw configuration from a YAML file and
// BUCKETGW_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/bucketgw/internal/database"
	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/filestore"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/sesscache"
)

// Store backends for bucket metadata.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     logger.Config `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Local   LocalConfig   `yaml:"local"`
	Drivers []string      `yaml:"drivers"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	URLPrefix         string        `yaml:"url_prefix"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxUploadSize     int64         `yaml:"max_upload_size"`
}

// StoreConfig selects where bucket records live. Pool settings only apply to
// the SQL backends.
type StoreConfig struct {
	Backend  string          `yaml:"backend"`
	Table    string          `yaml:"table"`
	Database database.Config `yaml:"database"`
}

// CacheConfig tunes the remote session cache.
type CacheConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CloseGrace    time.Duration `yaml:"close_grace"`
}

// LocalConfig tunes the local filesystem driver.
type LocalConfig struct {
	// Workers bounds concurrent blocking filesystem calls.
	Workers int64 `yaml:"workers"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cache := sesscache.DefaultConfig("")
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MaxUploadSize:     1 << 30,
		},
		Log: logger.Config{
			Level:      "info",
			Format:     "json",
			TimeFormat: "rfc3339",
		},
		Store: StoreConfig{
			Backend:  StoreMemory,
			Table:    "buckets",
			Database: *database.DefaultConfig(""),
		},
		Cache: CacheConfig{
			IdleTimeout:   cache.IdleTimeout,
			SweepInterval: cache.SweepInterval,
			CloseGrace:    cache.CloseGrace,
		},
		Local: LocalConfig{Workers: 16},
		Drivers: []string{
			filestore.KeyLocal,
			filestore.KeyFTP,
			filestore.KeySFTP,
			filestore.KeyMinIO,
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "cannot read config file", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return errs.Wrap(errs.ErrKindInvalidInput, "invalid config file", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres, StoreMySQL:
		if c.Store.Database.DSN == "" {
			return errs.Newf(errs.ErrKindInvalidInput, "store.database.dsn is required for the %s backend", c.Store.Backend)
		}
	default:
		return errs.Newf(errs.ErrKindInvalidInput, "unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Table == "" {
		return errs.New(errs.ErrKindInvalidInput, "store.table must not be empty")
	}
	if c.Local.Workers <= 0 {
		return errs.New(errs.ErrKindInvalidInput, "local.workers must be positive")
	}
	if c.Cache.IdleTimeout <= 0 {
		return errs.New(errs.ErrKindInvalidInput, "cache.idle_timeout must be positive")
	}
	if c.Server.URLPrefix != "" && !strings.HasPrefix(c.Server.URLPrefix, "/") {
		return errs.New(errs.ErrKindInvalidInput, "server.url_prefix must start with /")
	}
	c.Server.URLPrefix = strings.TrimSuffix(c.Server.URLPrefix, "/")
	return nil
}

// DatabaseConfig returns the pool settings for the SQL store.
func (c *Config) DatabaseConfig() *database.Config {
	db := c.Store.Database
	db.Driver = database.Driver(c.Store.Backend)
	return &db
}

// SessionCacheConfig returns the session cache settings for driver name.
func (c *Config) SessionCacheConfig(name string, log *logger.Logger) *sesscache.Config {
	cfg := sesscache.DefaultConfig(name)
	cfg.IdleTimeout = c.Cache.IdleTimeout
	cfg.SweepInterval = c.Cache.SweepInterval
	cfg.CloseGrace = c.Cache.CloseGrace
	cfg.Logger = log
	return cfg
}

// applyEnv overrides cfg from BUCKETGW_* variables looked up through getenv.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errs.Wrap(errs.ErrKindInvalidInput, key+" is not a duration", err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int64) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errs.Wrap(errs.ErrKindInvalidInput, key+" is not a number", err)
		}
		*dst = n
		return nil
	}

	str("BUCKETGW_ADDR", &cfg.Server.Addr)
	str("BUCKETGW_URL_PREFIX", &cfg.Server.URLPrefix)
	str("BUCKETGW_LOG_LEVEL", &cfg.Log.Level)
	str("BUCKETGW_LOG_FORMAT", &cfg.Log.Format)
	str("BUCKETGW_STORE_BACKEND", &cfg.Store.Backend)
	str("BUCKETGW_STORE_TABLE", &cfg.Store.Table)
	str("BUCKETGW_STORE_DSN", &cfg.Store.Database.DSN)

	if v := getenv("BUCKETGW_DRIVERS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.Drivers = keys
	}

	for _, err := range []error{
		dur("BUCKETGW_CACHE_IDLE_TIMEOUT", &cfg.Cache.IdleTimeout),
		dur("BUCKETGW_CACHE_SWEEP_INTERVAL", &cfg.Cache.SweepInterval),
		dur("BUCKETGW_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout),
		num("BUCKETGW_MAX_UPLOAD_SIZE", &cfg.Server.MaxUploadSize),
		num("BUCKETGW_LOCAL_WORKERS", &cfg.Local.Workers),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
