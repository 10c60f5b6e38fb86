// Package config loads recall settings from ~/.recall.toml and RECALL_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"recall/internal/models"
)

const (
	DefaultRemoteURL    = "http://127.0.0.1:7433"
	DefaultListenURL    = "http://127.0.0.1:7433"
	DefaultLogLevel     = "info"
	DefaultDataDirName  = ".recall"
	DefaultDBFileName   = "recall.db"
	DefaultBlobDirName  = "blobs"
	DefaultRelayDBName  = "relay.db"
	DefaultTokenName    = "token"
	DefaultFileName     = ".recall.toml"
	DefaultFlushBatch   = 200
	DefaultSendsPerSec  = 20.0
	DefaultCacheEntryKB = 512

	DefaultFlushInterval = 5 * time.Second
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 5 * time.Minute
	DefaultDeferRetry    = 10 * time.Second
	DefaultCacheLife     = 10 * time.Minute

	configDirEnvKey = "RECALL_CONFIG_DIR"
)

// Duration is a time.Duration that reads and writes as a TOML string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// SyncConfig tunes the write buffer and reconciler.
type SyncConfig struct {
	FlushInterval     Duration `toml:"flush_interval"`
	BackoffBase       Duration `toml:"backoff_base"`
	BackoffMax        Duration `toml:"backoff_max"`
	DeferRetry        Duration `toml:"defer_retry"`
	FlushBatchSize    int      `toml:"flush_batch_size"`
	MaxSendsPerSecond float64  `toml:"max_sends_per_second"`
	EntityTypes       []string `toml:"entity_types"`
}

// ServerConfig configures the relay started by `recall srv`.
type ServerConfig struct {
	ListenURL string `toml:"listen_url"`
	DBPath    string `toml:"db_path"`
}

// CacheConfig sizes the reader cache.
type CacheConfig struct {
	LifeWindow    Duration `toml:"life_window"`
	MaxEntryBytes int      `toml:"max_entry_bytes"`
}

// Config defines runtime configuration for recall.
type Config struct {
	DBPath    string       `toml:"db_path"`
	BlobDir   string       `toml:"blob_dir"`
	TokenPath string       `toml:"token_path"`
	RemoteURL string       `toml:"remote_url"`
	Username  string       `toml:"username"`
	LogLevel  string       `toml:"log_level"`
	Sync      SyncConfig   `toml:"sync"`
	Server    ServerConfig `toml:"server"`
	Cache     CacheConfig  `toml:"cache"`
}

// Default returns default configuration values. Paths are resolved by Load.
func Default() Config {
	return Config{
		RemoteURL: DefaultRemoteURL,
		LogLevel:  DefaultLogLevel,
		Sync: SyncConfig{
			FlushInterval:     Duration{DefaultFlushInterval},
			BackoffBase:       Duration{DefaultBackoffBase},
			BackoffMax:        Duration{DefaultBackoffMax},
			DeferRetry:        Duration{DefaultDeferRetry},
			FlushBatchSize:    DefaultFlushBatch,
			MaxSendsPerSecond: DefaultSendsPerSec,
		},
		Server: ServerConfig{ListenURL: DefaultListenURL},
		Cache: CacheConfig{
			LifeWindow:    Duration{DefaultCacheLife},
			MaxEntryBytes: DefaultCacheEntryKB * 1024,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

var allowedKeys = []string{
	"db_path",
	"blob_dir",
	"token_path",
	"remote_url",
	"username",
	"log_level",
	"sync.flush_interval",
	"sync.backoff_base",
	"sync.backoff_max",
	"sync.defer_retry",
	"sync.flush_batch_size",
	"sync.max_sends_per_second",
	"sync.entity_types",
	"server.listen_url",
	"server.db_path",
	"cache.life_window",
	"cache.max_entry_bytes",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	return slices.Contains(allowedKeys, key)
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "db_path":
		return c.DBPath, nil
	case "blob_dir":
		return c.BlobDir, nil
	case "token_path":
		return c.TokenPath, nil
	case "remote_url":
		return c.RemoteURL, nil
	case "username":
		return c.Username, nil
	case "log_level":
		return c.LogLevel, nil
	case "sync.flush_interval":
		return c.Sync.FlushInterval.String(), nil
	case "sync.backoff_base":
		return c.Sync.BackoffBase.String(), nil
	case "sync.backoff_max":
		return c.Sync.BackoffMax.String(), nil
	case "sync.defer_retry":
		return c.Sync.DeferRetry.String(), nil
	case "sync.flush_batch_size":
		return strconv.Itoa(c.Sync.FlushBatchSize), nil
	case "sync.max_sends_per_second":
		return strconv.FormatFloat(c.Sync.MaxSendsPerSecond, 'f', -1, 64), nil
	case "sync.entity_types":
		return strings.Join(c.Sync.EntityTypes, ","), nil
	case "server.listen_url":
		return c.Server.ListenURL, nil
	case "server.db_path":
		return c.Server.DBPath, nil
	case "cache.life_window":
		return c.Cache.LifeWindow.String(), nil
	case "cache.max_entry_bytes":
		return strconv.Itoa(c.Cache.MaxEntryBytes), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// SyncEntityTypes returns the configured entity types, or every type when
// none are configured.
func (c *Config) SyncEntityTypes() ([]models.EntityType, error) {
	if len(c.Sync.EntityTypes) == 0 {
		return models.EntityTypes(), nil
	}
	out := make([]models.EntityType, 0, len(c.Sync.EntityTypes))
	for _, raw := range c.Sync.EntityTypes {
		et := models.EntityType(strings.TrimSpace(raw))
		if !models.IsValidEntityType(et) {
			return nil, fmt.Errorf("sync.entity_types: invalid entity type %q", raw)
		}
		out = append(out, et)
	}
	return out, nil
}

// Dir returns the directory holding the config file.
func Dir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(configDirEnvKey)); dir != "" {
		return dir, nil
	}
	return os.UserHomeDir()
}

// GlobalPath returns the path to the config file.
func GlobalPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads the config file and applies env overrides. Data paths default
// to ~/.recall/.
func Load() (*Config, error) {
	cfg := Default()

	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	if err := loadFile(path, &cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("RECALL_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RECALL_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("RECALL_REMOTE_URL"); v != "" {
		cfg.RemoteURL = v
	}
	if v := os.Getenv("RECALL_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("RECALL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) resolvePaths() error {
	if c.DBPath != "" && c.BlobDir != "" && c.TokenPath != "" && c.Server.DBPath != "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	dataDir := filepath.Join(home, DefaultDataDirName)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dataDir, DefaultDBFileName)
	}
	if c.BlobDir == "" {
		c.BlobDir = filepath.Join(filepath.Dir(c.DBPath), DefaultBlobDirName)
	}
	if c.TokenPath == "" {
		c.TokenPath = filepath.Join(filepath.Dir(c.DBPath), DefaultTokenName)
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = filepath.Join(dataDir, DefaultRelayDBName)
	}
	return nil
}

func (c *Config) normalize() {
	d := Default()
	if c.Sync.FlushInterval.Duration <= 0 {
		c.Sync.FlushInterval = d.Sync.FlushInterval
	}
	if c.Sync.BackoffBase.Duration <= 0 {
		c.Sync.BackoffBase = d.Sync.BackoffBase
	}
	if c.Sync.BackoffMax.Duration < c.Sync.BackoffBase.Duration {
		c.Sync.BackoffMax = Duration{max(d.Sync.BackoffMax.Duration, c.Sync.BackoffBase.Duration)}
	}
	if c.Sync.DeferRetry.Duration <= 0 {
		c.Sync.DeferRetry = d.Sync.DeferRetry
	}
	if c.Sync.FlushBatchSize <= 0 {
		c.Sync.FlushBatchSize = d.Sync.FlushBatchSize
	}
	if c.Sync.MaxSendsPerSecond < 0 {
		c.Sync.MaxSendsPerSecond = 0
	}
	if c.Cache.LifeWindow.Duration <= 0 {
		c.Cache.LifeWindow = d.Cache.LifeWindow
	}
	if c.Cache.MaxEntryBytes <= 0 {
		c.Cache.MaxEntryBytes = d.Cache.MaxEntryBytes
	}
	if strings.TrimSpace(c.Server.ListenURL) == "" {
		c.Server.ListenURL = d.Server.ListenURL
	}
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "sync.flush_interval", "sync.backoff_base", "sync.backoff_max", "sync.defer_retry", "cache.life_window":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration such as 5s", key)
		}
		return parsed.String(), nil
	case "sync.flush_batch_size", "cache.max_entry_bytes":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "sync.max_sends_per_second":
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a non-negative number", key)
		}
		return parsed, nil
	case "sync.entity_types":
		types := splitCSV(value)
		for _, raw := range types {
			if !models.IsValidEntityType(models.EntityType(raw)) {
				return nil, fmt.Errorf("%s: invalid entity type %q", key, raw)
			}
		}
		return types, nil
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
			return strings.ToLower(value), nil
		default:
			return nil, fmt.Errorf("log_level must be one of debug, info, warn, error")
		}
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
