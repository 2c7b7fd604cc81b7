package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/apierr"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CWS_USER_ID", "CWS_ACCESS_TOKEN", "CWS_CLIENT_ID", "CWS_VAULT_PASSWORD", "CWS_BEARER_TOKEN",
		"CWS_BIND_ADDRESS", "CWS_LOG_LEVEL", "CWS_REQUEST_TIMEOUT", "CWS_REQUIRE_TOKEN", "CWS_ENABLE_TRAY",
		"CWS_COURSES", "CWS_SYNC_CONCURRENCY", "CWS_DB_PATH",
	} {
		key := key
		if old, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { _ = os.Setenv(key, old) })
		}
		_ = os.Unsetenv(key)
	}
	t.Setenv("CWS_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadSuccess(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CWS_USER_ID", "student-1")
	t.Setenv("CWS_BIND_ADDRESS", "127.0.0.1:9999")
	t.Setenv("CWS_REQUIRE_TOKEN", "true")
	t.Setenv("CWS_BEARER_TOKEN", "secret")
	t.Setenv("CWS_REQUEST_TIMEOUT", "5s")
	t.Setenv("CWS_LOG_LEVEL", "debug")
	t.Setenv("CWS_COURSES", "123, https://classroom.google.com/c/NDU2")
	t.Setenv("CWS_SYNC_CONCURRENCY", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.RequestTimeout)
	}
	if cfg.UserID != "student-1" || cfg.SyncConcurrency != 8 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Courses) != 2 || cfg.Courses[0] != "123" || cfg.Courses[1] != "456" {
		t.Fatalf("unexpected courses: %v", cfg.Courses)
	}
	if cfg.RefreshEnabled() {
		t.Fatal("refresh should be disabled without a client id")
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CWS_BEARER_TOKEN=from-file\nCWS_USER_ID=file-user\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CWS_ENV_FILE", path)
	t.Setenv("CWS_USER_ID", "env-user")
	t.Cleanup(func() { _ = os.Unsetenv("CWS_BEARER_TOKEN") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BearerToken != "from-file" {
		t.Fatalf("expected token from env file, got %q", cfg.BearerToken)
	}
	if cfg.UserID != "env-user" {
		t.Fatalf("environment should win over env file, got %q", cfg.UserID)
	}
}

func TestLoadRejectsBadCourse(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CWS_BEARER_TOKEN", "secret")
	t.Setenv("CWS_COURSES", "https://example.com/c/MTIz")

	_, err := Load()
	if !errors.Is(err, apierr.ErrInvalidConfig) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	valid := Config{
		UserID: "me", DBPath: "x.db", BindAddress: "127.0.0.1:1", RequestTimeout: time.Second,
		SyncInterval: time.Minute, MirrorInterval: time.Minute, SyncConcurrency: 1, MirrorConcurrency: 1, LogLevel: "info",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}
	mutations := []func(*Config){
		func(c *Config) { c.UserID = "" },
		func(c *Config) { c.DBPath = "" },
		func(c *Config) { c.BindAddress = "" },
		func(c *Config) { c.RequireBearerToken = true },
		func(c *Config) { c.ClientID = "client" },
		func(c *Config) { c.RequestTimeout = -time.Second },
		func(c *Config) { c.SyncInterval = 0 },
		func(c *Config) { c.MirrorConcurrency = 0 },
		func(c *Config) { c.LogLevel = "trace" },
	}
	for i, mutate := range mutations {
		cfg := valid
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, cfg)
		}
	}
}

func TestDefaultsWhenEnvInvalid(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CWS_BEARER_TOKEN", "secret")
	t.Setenv("CWS_REQUEST_TIMEOUT", "oops")
	t.Setenv("CWS_REQUIRE_TOKEN", "oops")
	t.Setenv("CWS_SYNC_CONCURRENCY", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Fatalf("expected default timeout, got %v", cfg.RequestTimeout)
	}
	if !cfg.RequireBearerToken {
		t.Fatalf("expected default true for RequireBearerToken")
	}
	if cfg.SyncConcurrency != 4 || cfg.UserID != "me" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
