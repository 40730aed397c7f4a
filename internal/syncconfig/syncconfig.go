// Package syncconfig resolves client settings. Every getter follows the
// same priority: SNAPSYNC_* env > config.json > default.
package syncconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// RemoteConfig holds server settings.
type RemoteConfig struct {
	URL      string `json:"url,omitempty"`
	Document string `json:"document,omitempty"`
}

// SyncConfig holds engine timings as duration strings.
type SyncConfig struct {
	Debounce string `json:"debounce,omitempty"` // default "1s"
	Grace    string `json:"grace,omitempty"`    // default "2s"
	Retry    string `json:"retry,omitempty"`    // default "0s" (manual only)
}

// CacheConfig holds local cache settings.
type CacheConfig struct {
	Path       string `json:"path,omitempty"`
	QuotaBytes *int64 `json:"quota_bytes,omitempty"`
}

// Config is the client config stored at ~/.config/snapsync/config.json.
type Config struct {
	Remote   RemoteConfig `json:"remote"`
	Sync     SyncConfig   `json:"sync"`
	Cache    CacheConfig  `json:"cache"`
	Defaults string       `json:"defaults,omitempty"`
}

// AuthCredentials stores the API key at ~/.config/snapsync/auth.json.
type AuthCredentials struct {
	APIKey string `json:"api_key"`
}

// Defaults for unset settings.
const (
	DefaultDocument   = "state"
	DefaultDebounce   = time.Second
	DefaultGrace      = 2 * time.Second
	DefaultCacheQuota = int64(5 << 20)
)

// ErrUnknownKey is returned by Get and Set for keys outside Keys().
var ErrUnknownKey = errors.New("unknown config key")

// ConfigDir returns $SNAPSYNC_HOME or ~/.config/snapsync, creating it if necessary.
func ConfigDir() (string, error) {
	dir := os.Getenv("SNAPSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "snapsync")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads config.json. A missing file yields an empty Config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth.json. It returns (nil, nil) when the file is absent.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth.json (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

func loaded() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		return &Config{}
	}
	return cfg
}

// GetServerURL returns the sync server URL. Empty means local-only.
// Priority: SNAPSYNC_URL env > config.json remote.url.
func GetServerURL() string {
	if v := os.Getenv("SNAPSYNC_URL"); v != "" {
		return v
	}
	return loaded().Remote.URL
}

// GetAPIKey returns the API key.
// Priority: SNAPSYNC_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("SNAPSYNC_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// GetDocumentID returns the remote document id.
// Priority: SNAPSYNC_DOC env > config.json remote.document > "state".
func GetDocumentID() string {
	if v := os.Getenv("SNAPSYNC_DOC"); v != "" {
		return v
	}
	if v := loaded().Remote.Document; v != "" {
		return v
	}
	return DefaultDocument
}

func durationSetting(env, configured string, def time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	if configured != "" {
		if d, err := time.ParseDuration(configured); err == nil && d >= 0 {
			return d
		}
	}
	return def
}

// GetDebounce returns the write debounce.
// Priority: SNAPSYNC_DEBOUNCE env > config.json sync.debounce > 1s.
func GetDebounce() time.Duration {
	return durationSetting("SNAPSYNC_DEBOUNCE", loaded().Sync.Debounce, DefaultDebounce)
}

// GetGrace returns the bootstrap grace window.
// Priority: SNAPSYNC_GRACE env > config.json sync.grace > 2s.
func GetGrace() time.Duration {
	return durationSetting("SNAPSYNC_GRACE", loaded().Sync.Grace, DefaultGrace)
}

// GetRetryInterval returns the automatic retry interval. Zero disables it.
// Priority: SNAPSYNC_RETRY env > config.json sync.retry > 0.
func GetRetryInterval() time.Duration {
	return durationSetting("SNAPSYNC_RETRY", loaded().Sync.Retry, 0)
}

// GetCachePath returns the local cache database path.
// Priority: SNAPSYNC_CACHE env > config.json cache.path > <config dir>/cache.db.
func GetCachePath() (string, error) {
	if v := os.Getenv("SNAPSYNC_CACHE"); v != "" {
		return v, nil
	}
	if v := loaded().Cache.Path; v != "" {
		return v, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// GetCacheQuota returns the local cache capacity in bytes.
// Priority: SNAPSYNC_CACHE_QUOTA env > config.json cache.quota_bytes > 5 MiB.
func GetCacheQuota() int64 {
	if v := os.Getenv("SNAPSYNC_CACHE_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if q := loaded().Cache.QuotaBytes; q != nil && *q > 0 {
		return *q
	}
	return DefaultCacheQuota
}

// GetDefaultsPath returns the path of the defaults snapshot file, or "".
// Priority: SNAPSYNC_DEFAULTS env > config.json defaults.
func GetDefaultsPath() string {
	if v := os.Getenv("SNAPSYNC_DEFAULTS"); v != "" {
		return v
	}
	return loaded().Defaults
}

// --- key/value access for the config command ---

type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func durationField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error {
			if v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", v, err)
				}
				if d < 0 {
					return fmt.Errorf("invalid duration %q: must not be negative", v)
				}
			}
			*p(c) = v
			return nil
		},
	}
}

func stringField(p func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

var fields = map[string]field{
	"remote.url":      stringField(func(c *Config) *string { return &c.Remote.URL }),
	"remote.document": stringField(func(c *Config) *string { return &c.Remote.Document }),
	"sync.debounce":   durationField(func(c *Config) *string { return &c.Sync.Debounce }),
	"sync.grace":      durationField(func(c *Config) *string { return &c.Sync.Grace }),
	"sync.retry":      durationField(func(c *Config) *string { return &c.Sync.Retry }),
	"cache.path":      stringField(func(c *Config) *string { return &c.Cache.Path }),
	"cache.quota_bytes": {
		get: func(c *Config) string {
			if c.Cache.QuotaBytes == nil {
				return ""
			}
			return strconv.FormatInt(*c.Cache.QuotaBytes, 10)
		},
		set: func(c *Config, v string) error {
			if v == "" {
				c.Cache.QuotaBytes = nil
				return nil
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid quota %q: want a positive byte count", v)
			}
			c.Cache.QuotaBytes = &n
			return nil
		},
	},
	"defaults": stringField(func(c *Config) *string { return &c.Defaults }),
}

// Keys returns the settable keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the stored value of key. Unset values are "".
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return f.get(c), nil
}

// Set validates and stores value under key. An empty value unsets it.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return f.set(c, value)
}
