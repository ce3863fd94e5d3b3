package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Listen != ":8440" {
		t.Errorf("expected Listen=:8440, got %s", cfg.Listen)
	}
	if cfg.RedisAddr() != "127.0.0.1:6379" {
		t.Errorf("expected redis 127.0.0.1:6379, got %s", cfg.RedisAddr())
	}
	if cfg.AuthTimeout != 30*time.Second {
		t.Errorf("expected AuthTimeout=30s, got %v", cfg.AuthTimeout)
	}
	if cfg.MaxActiveSpeakers != 10 {
		t.Errorf("expected MaxActiveSpeakers=10, got %d", cfg.MaxActiveSpeakers)
	}
	if cfg.TapPortMin != 60000 || cfg.TapPortMax != 65000 {
		t.Errorf("expected tap range [60000,65000), got [%d,%d)", cfg.TapPortMin, cfg.TapPortMax)
	}
	if cfg.MessagingLockMode != "block" {
		t.Errorf("expected lock mode block, got %s", cfg.MessagingLockMode)
	}
	if cfg.WorkerCount < 1 {
		t.Errorf("expected WorkerCount >= 1, got %d", cfg.WorkerCount)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
listen: ":9550"
tempDir: /var/lib/conclave/tmp
redis:
  host: redis.internal
  port: 6380
workers:
  count: 4
  rtcMinPort: 42000
  rtcMaxPort: 42999
chat:
  lockMode: try
  authTimeout: 10s
transcriber:
  bin: /opt/whisper/transcribe.py
  model: small
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Listen != ":9550" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.RedisAddr() != "redis.internal:6380" {
		t.Errorf("redis addr = %s", cfg.RedisAddr())
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("worker count = %d", cfg.WorkerCount)
	}
	if cfg.RTCMinPort != 42000 || cfg.RTCMaxPort != 42999 {
		t.Errorf("rtc range = [%d,%d]", cfg.RTCMinPort, cfg.RTCMaxPort)
	}
	if cfg.MessagingLockMode != "try" {
		t.Errorf("lock mode = %s", cfg.MessagingLockMode)
	}
	if cfg.AuthTimeout != 10*time.Second {
		t.Errorf("auth timeout = %v", cfg.AuthTimeout)
	}
	if cfg.TranscriberBin != "/opt/whisper/transcribe.py" || cfg.TranscriberModel != "small" {
		t.Errorf("transcriber = %s / %s", cfg.TranscriberBin, cfg.TranscriberModel)
	}
	// Untouched keys keep defaults.
	if cfg.MetricsListen != ":9090" {
		t.Errorf("metrics listen = %s", cfg.MetricsListen)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("REDIS_HOST", "env-redis")
	t.Setenv("CONCLAVE_WORKER_COUNT", "2")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("redis:\n  host: file-redis\nworkers:\n  count: 8\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.RedisHost != "env-redis" {
		t.Errorf("env should beat file: redis host = %s", cfg.RedisHost)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("env should beat file: worker count = %d", cfg.WorkerCount)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() Config {
		c := defaults()
		c.JWTSecret = "s"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }, "worker count"},
		{"inverted rtc range", func(c *Config) { c.RTCMinPort = 50000; c.RTCMaxPort = 40000 }, "rtc port range"},
		{"tap range too high", func(c *Config) { c.TapPortMax = 70000 }, "65535"},
		{"bad lock mode", func(c *Config) { c.MessagingLockMode = "spin" }, "lock mode"},
		{"bad died policy", func(c *Config) { c.WorkerDiedPolicy = "ignore" }, "died policy"},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"zero speakers", func(c *Config) { c.MaxActiveSpeakers = 0 }, "active speakers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("CONCLAVE_TEST_INT", "17")
	t.Setenv("CONCLAVE_TEST_BAD_INT", "seven")
	t.Setenv("CONCLAVE_TEST_DUR", "750ms")
	t.Setenv("CONCLAVE_TEST_BOOL", "yes")

	if got := ParseInt("CONCLAVE_TEST_INT", 1); got != 17 {
		t.Errorf("ParseInt = %d", got)
	}
	if got := ParseInt("CONCLAVE_TEST_BAD_INT", 42); got != 42 {
		t.Errorf("ParseInt fallback = %d", got)
	}
	if got := ParseDuration("CONCLAVE_TEST_DUR", time.Second); got != 750*time.Millisecond {
		t.Errorf("ParseDuration = %v", got)
	}
	if got := ParseBool("CONCLAVE_TEST_BOOL", false); !got {
		t.Error("ParseBool = false, want true")
	}
	if got := ParseString("CONCLAVE_TEST_ABSENT", "fallback"); got != "fallback" {
		t.Errorf("ParseString = %s", got)
	}
}
