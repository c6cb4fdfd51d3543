// Package config loads migration settings from YAML, an optional .env file
// and SQLITE3SCHEMA_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/sqlite3schema/core/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SQLITE3SCHEMA_"

type Config struct {
	Database struct {
		Path     string `yaml:"path"`
		ReadOnly bool   `yaml:"read_only"`
	} `yaml:"database"`

	Log struct {
		// debug | info | warn | error
		Level string `yaml:"level"`
		// json | text
		Format string `yaml:"format"`
	} `yaml:"log"`

	Migrate struct {
		DryRun         bool   `yaml:"dry_run"`
		IntegrityCheck bool   `yaml:"integrity_check"`
		BackupDir      string `yaml:"backup_dir"`
		SchemaFile     string `yaml:"schema_file"`
	} `yaml:"migrate"`

	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`

	Enum struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"enum"`

	Lock struct {
		// local | redis
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr   string        `yaml:"addr"`
			DB     int           `yaml:"db"`
			Prefix string        `yaml:"prefix"`
			TTL    time.Duration `yaml:"ttl"`
		} `yaml:"redis"`
	} `yaml:"lock"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads the YAML file at path, fills defaults and applies environment
// overrides. An empty path skips the file. A .env file next to the working
// directory is loaded first when present; existing variables win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewIO("read", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, errors.NewParse("yaml", path, err.Error())
		}
	}

	c.applyDefaults()
	c.ApplyEnv()
	c.Normalize()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadEnvFile loads variables from an explicit .env file.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return errors.NewIO("load env", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "database.sqlite"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Enum.CacheTTL == 0 {
		c.Enum.CacheTTL = 5 * time.Minute
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "local"
	}
	if c.Lock.Redis.Addr == "" {
		c.Lock.Redis.Addr = "localhost:6379"
	}
	if c.Lock.Redis.Prefix == "" {
		c.Lock.Redis.Prefix = "sqlite3schema:lock:"
	}
	if c.Lock.Redis.TTL == 0 {
		c.Lock.Redis.TTL = 2 * time.Minute
	}
}

// Normalize resolves settings that imply others. A read-only database
// forces dry-run so every write is planned instead of attempted.
func (c *Config) Normalize() {
	if c.Database.ReadOnly {
		c.Migrate.DryRun = true
	}
}

// ApplyEnv overrides fields from SQLITE3SCHEMA_* variables.
func (c *Config) ApplyEnv() {
	if v, ok := getEnvStr("DB_PATH"); ok {
		c.Database.Path = v
	}
	if v, ok := getEnvBool("READ_ONLY"); ok {
		c.Database.ReadOnly = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := getEnvBool("DRY_RUN"); ok {
		c.Migrate.DryRun = v
	}
	if v, ok := getEnvBool("INTEGRITY_CHECK"); ok {
		c.Migrate.IntegrityCheck = v
	}
	if v, ok := getEnvStr("BACKUP_DIR"); ok {
		c.Migrate.BackupDir = v
	}
	if v, ok := getEnvStr("SCHEMA_FILE"); ok {
		c.Migrate.SchemaFile = v
	}
	if v, ok := getEnvStr("METRICS_TEXTFILE"); ok {
		c.Metrics.Textfile = v
	}
	if v, ok := getEnvDuration("ENUM_CACHE_TTL"); ok {
		c.Enum.CacheTTL = v
	}
	if v, ok := getEnvStr("LOCK_BACKEND"); ok {
		c.Lock.Backend = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Lock.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Lock.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Lock.Redis.Prefix = v
	}
	if v, ok := getEnvDuration("REDIS_LOCK_TTL"); ok {
		c.Lock.Redis.TTL = v
	}
}

// Validate rejects values the rest of the program cannot act on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.NewValidation("log.level", "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return errors.NewValidation("log.format", "must be json or text")
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return errors.NewValidation("lock.backend", "must be local or redis")
	}
	if c.Enum.CacheTTL < 0 {
		return errors.NewValidation("enum.cache_ttl", "must not be negative")
	}
	if c.Lock.Backend == "redis" && c.Lock.Redis.TTL <= 0 {
		return errors.NewValidation("lock.redis.ttl", "must be positive")
	}
	return nil
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDuration(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	return 0, false
}
