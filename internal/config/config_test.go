package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.conf.yml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
device_hostname: asa.example.net
device_user: gatekeeper
device_password: secret
device_enable: enable-secret
max_attempts: 5
command_timeout: 45s
lock_file: /tmp/gatekeeper.lock
server_endpoint: http://sync.internal/sessions
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.DeviceHostname != "asa.example.net" {
		t.Errorf("unexpected hostname %s", cfg.DeviceHostname)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", cfg.MaxAttempts)
	}
	if cfg.CommandTimeout != 45*time.Second {
		t.Errorf("expected 45s command timeout, got %s", cfg.CommandTimeout)
	}

	t.Run("defaults kept", func(t *testing.T) {
		if cfg.DevicePort != 22 {
			t.Errorf("expected default port 22, got %d", cfg.DevicePort)
		}
		if cfg.CacheBackend != CacheFile {
			t.Errorf("expected file cache backend, got %s", cfg.CacheBackend)
		}
		if cfg.LockRetries != 1 {
			t.Errorf("expected one lock retry, got %d", cfg.LockRetries)
		}
	})
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
device_hostname: asa.example.net
device_user: gatekeeper
server_endpoint: http://sync.internal/sessions
`)
	t.Setenv("GATEKEEPER_MAX_ATTEMPTS", "7")
	t.Setenv("GATEKEEPER_CACHE_BACKEND", "redis")
	t.Setenv("GATEKEEPER_NOTIFY_ENABLED", "true")
	t.Setenv("GATEKEEPER_NOTIFY_URL", "generic://hooks.internal/notify")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.MaxAttempts != 7 {
		t.Errorf("expected env max_attempts 7, got %d", cfg.MaxAttempts)
	}
	if cfg.CacheBackend != CacheRedis {
		t.Errorf("expected redis backend, got %s", cfg.CacheBackend)
	}
	if !cfg.NotifyEnabled {
		t.Error("expected notifications enabled")
	}
}

func TestRead_RedisSettingsWithoutDevice(t *testing.T) {
	path := writeConfig(t, "redis_addr: cache.internal:6380\nredis_db: 3\n")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "cache.internal:6380" || cfg.RedisDB != 3 || cfg.RedisPass != "hunter2" {
		t.Errorf("unexpected redis settings: %s db=%d pass=%q", cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected Load to reject a config without device settings")
	}
}

func TestRead_RedisDBFromEnv(t *testing.T) {
	path := writeConfig(t, "redis_db: 1\n")
	t.Setenv("REDIS_DB", "5")

	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisDB != 5 {
		t.Errorf("expected REDIS_DB override 5, got %d", cfg.RedisDB)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "device_hostname: a\nhipchat_room_id: 12\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	path := writeConfig(t, "device_hostname: a\ndevice_user: b\nserver_endpoint: http://c\n")
	t.Setenv("GATEKEEPER_CONNECT_TIMEOUT", "soon")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "GATEKEEPER_CONNECT_TIMEOUT") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.DeviceHostname = "asa"
	valid.DeviceUser = "gatekeeper"
	valid.ServerEndpoint = "http://sync.internal/sessions"

	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(c *Config){
		"no hostname":      func(c *Config) { c.DeviceHostname = "" },
		"no endpoint":      func(c *Config) { c.ServerEndpoint = "" },
		"zero attempts":    func(c *Config) { c.MaxAttempts = 0 },
		"notify no url":    func(c *Config) { c.NotifyEnabled = true },
		"unknown backend":  func(c *Config) { c.CacheBackend = "memcached" },
		"negative retries": func(c *Config) { c.LockRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
