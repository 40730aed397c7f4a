package syncconfig

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestConfig points SNAPSYNC_HOME at a temp dir holding cfg as config.json.
func writeTestConfig(t *testing.T, cfg *Config) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SNAPSYNC_HOME", dir)
	if cfg == nil {
		return dir
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SNAPSYNC_URL", "SNAPSYNC_API_KEY", "SNAPSYNC_DOC", "SNAPSYNC_DEBOUNCE",
		"SNAPSYNC_GRACE", "SNAPSYNC_RETRY", "SNAPSYNC_CACHE", "SNAPSYNC_CACHE_QUOTA", "SNAPSYNC_DEFAULTS"} {
		t.Setenv(k, "")
	}
}

func int64Ptr(n int64) *int64 { return &n }

func TestDefaults(t *testing.T) {
	dir := writeTestConfig(t, nil)
	clearEnv(t)

	if got := GetServerURL(); got != "" {
		t.Fatalf("server url: got %q, want empty", got)
	}
	if got := GetDocumentID(); got != DefaultDocument {
		t.Fatalf("document: got %q, want %q", got, DefaultDocument)
	}
	if got := GetDebounce(); got != DefaultDebounce {
		t.Fatalf("debounce: got %v, want %v", got, DefaultDebounce)
	}
	if got := GetGrace(); got != DefaultGrace {
		t.Fatalf("grace: got %v, want %v", got, DefaultGrace)
	}
	if got := GetRetryInterval(); got != 0 {
		t.Fatalf("retry: got %v, want 0", got)
	}
	if got := GetCacheQuota(); got != DefaultCacheQuota {
		t.Fatalf("quota: got %d, want %d", got, DefaultCacheQuota)
	}
	path, err := GetCachePath()
	if err != nil {
		t.Fatalf("cache path: %v", err)
	}
	if want := filepath.Join(dir, "cache.db"); path != want {
		t.Fatalf("cache path: got %q, want %q", path, want)
	}
	if got := GetAPIKey(); got != "" {
		t.Fatalf("api key: got %q, want empty", got)
	}
}

func TestValuesFromConfig(t *testing.T) {
	writeTestConfig(t, &Config{
		Remote:   RemoteConfig{URL: "http://sync.local:8080", Document: "notes"},
		Sync:     SyncConfig{Debounce: "250ms", Grace: "5s", Retry: "3s"},
		Cache:    CacheConfig{Path: "/tmp/c.db", QuotaBytes: int64Ptr(1024)},
		Defaults: "defaults.yaml",
	})
	clearEnv(t)

	if got := GetServerURL(); got != "http://sync.local:8080" {
		t.Fatalf("server url: got %q", got)
	}
	if got := GetDocumentID(); got != "notes" {
		t.Fatalf("document: got %q", got)
	}
	if got := GetDebounce(); got != 250*time.Millisecond {
		t.Fatalf("debounce: got %v", got)
	}
	if got := GetGrace(); got != 5*time.Second {
		t.Fatalf("grace: got %v", got)
	}
	if got := GetRetryInterval(); got != 3*time.Second {
		t.Fatalf("retry: got %v", got)
	}
	if got, _ := GetCachePath(); got != "/tmp/c.db" {
		t.Fatalf("cache path: got %q", got)
	}
	if got := GetCacheQuota(); got != 1024 {
		t.Fatalf("quota: got %d", got)
	}
	if got := GetDefaultsPath(); got != "defaults.yaml" {
		t.Fatalf("defaults: got %q", got)
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	writeTestConfig(t, &Config{
		Remote: RemoteConfig{URL: "http://from-config", Document: "notes"},
		Sync:   SyncConfig{Debounce: "250ms"},
		Cache:  CacheConfig{QuotaBytes: int64Ptr(1024)},
	})
	clearEnv(t)
	t.Setenv("SNAPSYNC_URL", "http://from-env")
	t.Setenv("SNAPSYNC_DOC", "env-doc")
	t.Setenv("SNAPSYNC_DEBOUNCE", "2s")
	t.Setenv("SNAPSYNC_CACHE_QUOTA", "4096")

	if got := GetServerURL(); got != "http://from-env" {
		t.Fatalf("server url: got %q", got)
	}
	if got := GetDocumentID(); got != "env-doc" {
		t.Fatalf("document: got %q", got)
	}
	if got := GetDebounce(); got != 2*time.Second {
		t.Fatalf("debounce: got %v", got)
	}
	if got := GetCacheQuota(); got != 4096 {
		t.Fatalf("quota: got %d", got)
	}
}

func TestInvalidValuesFallThrough(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Grace: "soon"}})
	clearEnv(t)
	t.Setenv("SNAPSYNC_DEBOUNCE", "not-a-duration")
	t.Setenv("SNAPSYNC_RETRY", "-1s")
	t.Setenv("SNAPSYNC_CACHE_QUOTA", "-5")

	if got := GetDebounce(); got != DefaultDebounce {
		t.Fatalf("debounce: got %v, want default", got)
	}
	if got := GetGrace(); got != DefaultGrace {
		t.Fatalf("grace: got %v, want default", got)
	}
	if got := GetRetryInterval(); got != 0 {
		t.Fatalf("retry: got %v, want 0", got)
	}
	if got := GetCacheQuota(); got != DefaultCacheQuota {
		t.Fatalf("quota: got %d, want default", got)
	}
}

func TestAuthRoundTrip(t *testing.T) {
	dir := writeTestConfig(t, nil)
	clearEnv(t)

	if err := SaveAuth(&AuthCredentials{APIKey: "secret"}); err != nil {
		t.Fatalf("save auth: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "auth.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("auth.json perms: got %o, want 600", perm)
	}
	if got := GetAPIKey(); got != "secret" {
		t.Fatalf("api key: got %q", got)
	}
	t.Setenv("SNAPSYNC_API_KEY", "from-env")
	if got := GetAPIKey(); got != "from-env" {
		t.Fatalf("api key: got %q, want from-env", got)
	}
}

func TestConfigGetSet(t *testing.T) {
	writeTestConfig(t, nil)
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Set("sync.debounce", "300ms"); err != nil {
		t.Fatalf("set debounce: %v", err)
	}
	if err := cfg.Set("cache.quota_bytes", "2048"); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if err := cfg.Set("sync.grace", "whenever"); err == nil {
		t.Fatal("expected invalid duration to be rejected")
	}
	if err := cfg.Set("cache.quota_bytes", "0"); err == nil {
		t.Fatal("expected non-positive quota to be rejected")
	}
	if err := cfg.Set("nope", "x"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key: got %v, want ErrUnknownKey", err)
	}
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	if got := GetDebounce(); got != 300*time.Millisecond {
		t.Fatalf("debounce after save: got %v", got)
	}
	reloaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, _ := reloaded.Get("cache.quota_bytes"); v != "2048" {
		t.Fatalf("quota: got %q", v)
	}
	if err := reloaded.Set("cache.quota_bytes", ""); err != nil {
		t.Fatalf("unset quota: %v", err)
	}
	if reloaded.Cache.QuotaBytes != nil {
		t.Fatal("expected quota to be unset")
	}
	if len(Keys()) != len(fields) {
		t.Fatalf("keys: got %d, want %d", len(Keys()), len(fields))
	}
}

func TestCorruptConfig(t *testing.T) {
	dir := writeTestConfig(t, nil)
	clearEnv(t)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
	if got := GetDocumentID(); got != DefaultDocument {
		t.Fatalf("document with corrupt config: got %q, want default", got)
	}
}
