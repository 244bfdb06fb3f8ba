// Package config loads the engine configuration: defaults, then an optional
// TOML file, then EVOLVE_* environment overrides, then validation. Parsing
// never touches storage; a bad config fails before any I/O.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultBackend   = "json"
	defaultPath      = "evolve.db.json"
	defaultCacheSize = 256
	defaultPoolSize  = 8
	defaultOpTimeout = 30 * time.Second

	defaultBackupDir = "backups"
	defaultRetention = 5

	defaultLogLevel     = "info"
	defaultLogMaxSizeMB = 10
	defaultLogMaxFiles  = 5
)

var ErrInvalidConfig = errors.New("invalid config")

// SupportedBackends are the accepted storage.backend values.
var SupportedBackends = []string{"json", "sqlite", "postgresql"}

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Backup  BackupConfig  `toml:"backup"`
	Logging LoggingConfig `toml:"logging"`
}

type StorageConfig struct {
	// Backend selects the engine: "json", "sqlite" or "postgresql".
	Backend string `toml:"backend"`
	// Path is the store file for the json and sqlite backends.
	Path string `toml:"path"`
	// DSN is the connection string for the postgresql backend.
	DSN string `toml:"dsn"`
	// CacheSize bounds the read-through cache; 0 disables it.
	CacheSize int `toml:"cache_size"`
	// PoolSize bounds open SQL connections.
	PoolSize int `toml:"pool_size"`
	// OpTimeout caps each manager operation.
	OpTimeout time.Duration `toml:"op_timeout"`
}

type BackupConfig struct {
	Dir string `toml:"dir"`
	// Retention keeps the newest N auto-named snapshots; 0 keeps all.
	Retention int `toml:"retention"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	// Env overrides the process environment for tests.
	Env map[string]string
}

func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Backend:   defaultBackend,
			Path:      defaultPath,
			CacheSize: defaultCacheSize,
			PoolSize:  defaultPoolSize,
			OpTimeout: defaultOpTimeout,
		},
		Backup: BackupConfig{
			Dir:       defaultBackupDir,
			Retention: defaultRetention,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	if err := loadFile(opts.ConfigPath, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// rawConfig mirrors Config with pointer fields so a TOML file only overrides
// what it mentions, and durations can be written as strings ("30s").
type rawConfig struct {
	Storage *rawStorage `toml:"storage"`
	Backup  *rawBackup  `toml:"backup"`
	Logging *rawLogging `toml:"logging"`
}

type rawStorage struct {
	Backend   *string `toml:"backend"`
	Path      *string `toml:"path"`
	DSN       *string `toml:"dsn"`
	CacheSize *int    `toml:"cache_size"`
	PoolSize  *int    `toml:"pool_size"`
	OpTimeout *string `toml:"op_timeout"`
}

type rawBackup struct {
	Dir       *string `toml:"dir"`
	Retention *int    `toml:"retention"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}

	if raw.Storage != nil {
		setString(raw.Storage.Backend, &cfg.Storage.Backend)
		setString(raw.Storage.Path, &cfg.Storage.Path)
		setString(raw.Storage.DSN, &cfg.Storage.DSN)
		setInt(raw.Storage.CacheSize, &cfg.Storage.CacheSize)
		setInt(raw.Storage.PoolSize, &cfg.Storage.PoolSize)
		if err := setDuration("storage.op_timeout", raw.Storage.OpTimeout, &cfg.Storage.OpTimeout); err != nil {
			return err
		}
	}
	if raw.Backup != nil {
		setString(raw.Backup.Dir, &cfg.Backup.Dir)
		setInt(raw.Backup.Retention, &cfg.Backup.Retention)
	}
	if raw.Logging != nil {
		setString(raw.Logging.Level, &cfg.Logging.Level)
		setString(raw.Logging.File, &cfg.Logging.File)
		setInt(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setInt(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, "EVOLVE_STORAGE_BACKEND"); ok {
		cfg.Storage.Backend = value
	}
	if value, ok := lookupEnv(opts, "EVOLVE_STORAGE_PATH"); ok {
		cfg.Storage.Path = value
	}
	if value, ok := lookupEnv(opts, "EVOLVE_STORAGE_DSN"); ok {
		cfg.Storage.DSN = value
	}
	if value, ok := lookupEnv(opts, "EVOLVE_STORAGE_CACHE_SIZE"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse EVOLVE_STORAGE_CACHE_SIZE: %v", ErrInvalidConfig, err)
		}
		cfg.Storage.CacheSize = parsed
	}
	if value, ok := lookupEnv(opts, "EVOLVE_STORAGE_POOL_SIZE"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse EVOLVE_STORAGE_POOL_SIZE: %v", ErrInvalidConfig, err)
		}
		cfg.Storage.PoolSize = parsed
	}
	if value, ok := lookupEnv(opts, "EVOLVE_STORAGE_OP_TIMEOUT"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse EVOLVE_STORAGE_OP_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Storage.OpTimeout = d
	}
	if value, ok := lookupEnv(opts, "EVOLVE_BACKUP_DIR"); ok {
		cfg.Backup.Dir = value
	}
	if value, ok := lookupEnv(opts, "EVOLVE_BACKUP_RETENTION"); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse EVOLVE_BACKUP_RETENTION: %v", ErrInvalidConfig, err)
		}
		cfg.Backup.Retention = parsed
	}
	if value, ok := lookupEnv(opts, "EVOLVE_LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, "EVOLVE_LOG_FILE"); ok {
		cfg.Logging.File = value
	}
	return nil
}

func Validate(cfg Config) error {
	supported := false
	for _, name := range SupportedBackends {
		if cfg.Storage.Backend == name {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("%w: storage.backend %q is not one of %v", ErrInvalidConfig, cfg.Storage.Backend, SupportedBackends)
	}

	switch cfg.Storage.Backend {
	case "json", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for the %s backend", ErrInvalidConfig, cfg.Storage.Backend)
		}
	case "postgresql":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for the postgresql backend", ErrInvalidConfig)
		}
	}

	if cfg.Storage.CacheSize < 0 {
		return fmt.Errorf("%w: storage.cache_size must be >= 0", ErrInvalidConfig)
	}
	if cfg.Storage.PoolSize < 1 {
		return fmt.Errorf("%w: storage.pool_size must be >= 1", ErrInvalidConfig)
	}
	if cfg.Storage.OpTimeout <= 0 {
		return fmt.Errorf("%w: storage.op_timeout must be > 0", ErrInvalidConfig)
	}
	if cfg.Backup.Retention < 0 {
		return fmt.Errorf("%w: backup.retention must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func setString(raw *string, target *string) {
	if raw != nil {
		*target = *raw
	}
}

func setInt(raw *int, target *int) {
	if raw != nil {
		*target = *raw
	}
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}
