package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 18080 {
		t.Fatalf("server defaults wrong: %+v", cfg.Server)
	}
	if cfg.Store.RedisURL == "" || cfg.Store.LogDBPath == "" {
		t.Fatalf("store defaults wrong: %+v", cfg.Store)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.RetentionDays != 7 {
		t.Fatalf("logging defaults wrong: %+v", cfg.Logging)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  admin_secret: fixed
store:
  redis_url: redis://example:6379/1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port not loaded: %d", cfg.Server.Port)
	}
	if cfg.Store.RedisURL != "redis://example:6379/1" {
		t.Fatalf("redis url not loaded: %s", cfg.Store.RedisURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env:6379/2")
	t.Setenv("PRIMARY_API_KEY", "sk-env")
	t.Setenv("DEFAULT_UPSTREAM_URL", "https://env.example.com")

	cfg, err := Load(writeConfig(t, "store:\n  redis_url: redis://file:6379/0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.RedisURL != "redis://env:6379/2" {
		t.Fatalf("env must override file: %s", cfg.Store.RedisURL)
	}
	if cfg.Upstream.PrimaryAPIKey != "sk-env" || cfg.Upstream.DefaultAPIURL != "https://env.example.com" {
		t.Fatalf("upstream env not applied: %+v", cfg.Upstream)
	}
}

func TestLoad_AutoSecretPersisted(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_secret: auto\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.AdminSecret == "auto" || cfg.Server.AdminSecret == "" {
		t.Fatalf("secret not generated: %q", cfg.Server.AdminSecret)
	}
	if !strings.HasPrefix(cfg.Server.AdminSecret, "relaygate-admin-") {
		t.Fatalf("unexpected secret shape: %q", cfg.Server.AdminSecret)
	}

	// 生成的密钥必须落盘
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), cfg.Server.AdminSecret) {
		t.Fatal("generated secret not persisted")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 18080 {
		t.Fatalf("defaults not applied for absent file: %+v", cfg.Server)
	}
}
