// Package config loads settings for the sync client, the remote table server
// and their tooling from .env files, an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
)

// Conflict strategies.
const (
	StrategyManual        = "manual"
	StrategyLastWriteWins = "last_write_wins"
)

// Timestamp policies for unparsable updated_at values.
const (
	PolicyFailClosed = "fail_closed"
	PolicyFailOpen   = "fail_open"
)

// Config holds every tunable setting.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Local cache
	LocalCachePath string `yaml:"local_cache_path"`

	// Remote table API
	RemoteURL     string        `yaml:"remote_url"`
	RemoteAPIKey  string        `yaml:"remote_api_key"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`

	// Sync engine
	Tables               []string      `yaml:"tables"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
	QueueInterval        time.Duration `yaml:"queue_interval"`
	NetworkCheckInterval time.Duration `yaml:"network_check_interval"`
	BatchLimit           int           `yaml:"batch_limit"`
	TableConcurrency     int           `yaml:"table_concurrency"`
	CompactQueue         bool          `yaml:"compact_queue"`
	MaxAttempts          int           `yaml:"max_attempts"`
	ConflictStrategy     string        `yaml:"conflict_strategy"`
	TimestampPolicy      string        `yaml:"timestamp_policy"`

	// Backups
	BackupDir       string `yaml:"backup_dir"`
	BackupRetention int    `yaml:"backup_retention"`
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`
	S3UseSSL        bool   `yaml:"s3_use_ssl"`

	// Remote server
	RemoteListen    string `yaml:"remote_listen"`
	RemoteDBDriver  string `yaml:"remote_db_driver"`
	RemoteDBDSN     string `yaml:"remote_db_dsn"`
	RemoteRateLimit int    `yaml:"remote_rate_limit"`

	// Desktop local API
	DesktopListen string `yaml:"desktop_listen"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel:             "info",
		LocalCachePath:       "./data/local_cache.db",
		RemoteTimeout:        10 * time.Second,
		SyncInterval:         30 * time.Second,
		QueueInterval:        time.Minute,
		NetworkCheckInterval: 30 * time.Second,
		TableConcurrency:     1,
		CompactQueue:         true,
		MaxAttempts:          5,
		ConflictStrategy:     StrategyManual,
		TimestampPolicy:      PolicyFailClosed,
		BackupDir:            "./backups",
		BackupRetention:      10,
		S3UseSSL:             true,
		RemoteListen:         ":8090",
		RemoteDBDriver:       "sqlite",
		RemoteDBDSN:          "./data/remote.db",
		RemoteRateLimit:      600,
		DesktopListen:        "127.0.0.1:8091",
	}
}

// Load reads .env files (when present), the YAML file named by
// CLINIC_SYNC_CONFIG and then the environment, later sources winning.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := Defaults()
	if path := os.Getenv("CLINIC_SYNC_CONFIG"); path != "" {
		if err := cfg.mergeYAML(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getenv("LOG_FILE", c.LogFile)
	c.LocalCachePath = getenv("LOCAL_CACHE_PATH", c.LocalCachePath)

	c.RemoteURL = strings.TrimRight(getenv("REMOTE_URL", c.RemoteURL), "/")
	c.RemoteAPIKey = getenv("REMOTE_API_KEY", c.RemoteAPIKey)
	c.RemoteTimeout = getdur("REMOTE_TIMEOUT", c.RemoteTimeout)

	if v := os.Getenv("SYNC_TABLES"); v != "" {
		c.Tables = splitList(v)
	}
	c.SyncInterval = getdur("SYNC_INTERVAL", c.SyncInterval)
	c.QueueInterval = getdur("QUEUE_INTERVAL", c.QueueInterval)
	c.NetworkCheckInterval = getdur("NETWORK_CHECK_INTERVAL", c.NetworkCheckInterval)
	c.BatchLimit = getint("SYNC_BATCH_LIMIT", c.BatchLimit)
	c.TableConcurrency = getint("SYNC_TABLE_CONCURRENCY", c.TableConcurrency)
	c.CompactQueue = getbool("SYNC_COMPACT_QUEUE", c.CompactQueue)
	c.MaxAttempts = getint("SYNC_MAX_ATTEMPTS", c.MaxAttempts)
	c.ConflictStrategy = strings.ToLower(getenv("CONFLICT_STRATEGY", c.ConflictStrategy))
	c.TimestampPolicy = strings.ToLower(getenv("TIMESTAMP_POLICY", c.TimestampPolicy))

	c.BackupDir = getenv("BACKUP_DIR", c.BackupDir)
	c.BackupRetention = getint("BACKUP_RETENTION", c.BackupRetention)
	c.S3Endpoint = getenv("BACKUP_S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = getenv("BACKUP_S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = getenv("BACKUP_S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = getenv("BACKUP_S3_SECRET_KEY", c.S3SecretKey)
	c.S3UseSSL = getbool("BACKUP_S3_USE_SSL", c.S3UseSSL)

	c.RemoteListen = getenv("REMOTE_LISTEN", c.RemoteListen)
	c.RemoteDBDriver = strings.ToLower(getenv("REMOTE_DB_DRIVER", c.RemoteDBDriver))
	c.RemoteDBDSN = getenv("REMOTE_DB_DSN", c.RemoteDBDSN)
	c.RemoteRateLimit = getint("REMOTE_RATE_LIMIT", c.RemoteRateLimit)

	c.DesktopListen = getenv("DESKTOP_LISTEN", c.DesktopListen)
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	switch c.ConflictStrategy {
	case StrategyManual, StrategyLastWriteWins:
	default:
		return fmt.Errorf("invalid CONFLICT_STRATEGY %q", c.ConflictStrategy)
	}
	switch c.TimestampPolicy {
	case PolicyFailClosed, PolicyFailOpen:
	default:
		return fmt.Errorf("invalid TIMESTAMP_POLICY %q", c.TimestampPolicy)
	}
	switch c.RemoteDBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid REMOTE_DB_DRIVER %q", c.RemoteDBDriver)
	}
	if c.SyncInterval <= 0 || c.QueueInterval <= 0 || c.NetworkCheckInterval <= 0 || c.RemoteTimeout <= 0 {
		return fmt.Errorf("intervals and timeouts must be positive")
	}
	if c.TableConcurrency < 1 {
		return fmt.Errorf("SYNC_TABLE_CONCURRENCY must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if c.LocalCachePath == "" {
		return fmt.Errorf("LOCAL_CACHE_PATH is required")
	}
	return nil
}

// BackupUploadEnabled reports whether S3-compatible upload is configured.
func (c Config) BackupUploadEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		logging.Warn("invalid bool, using default", map[string]interface{}{"key": k, "value": v, "default": def})
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logging.Warn("invalid int, using default", map[string]interface{}{"key": k, "value": v, "default": def})
	}
	return def
}

// getdur accepts Go durations and bare integers meaning seconds.
func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		logging.Warn("invalid duration, using default", map[string]interface{}{"key": k, "value": v, "default": def.String()})
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
