package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Encoder.StopTimeout != time.Second {
		t.Fatalf("expected 1s encoder stop timeout, got %v", cfg.Encoder.StopTimeout)
	}
	if cfg.Rooms.GraceWindow != 30*time.Second {
		t.Fatalf("expected 30s grace window, got %v", cfg.Rooms.GraceWindow)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_RateLimiting_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "http burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.Burst = 0
			},
		},
		{
			name: "http max concurrent must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.MaxConcurrent = -1
			},
		},
		{
			name: "ws messages per second must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
		},
		{
			name: "ws burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.Burst = 0
			},
		},
		{
			name: "ws max message size must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"pong not greater than ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero grace window", func(c *Config) { c.Rooms.GraceWindow = 0 }},
		{"zero stop timeout", func(c *Config) { c.Encoder.StopTimeout = 0 }},
		{"empty encoder binary", func(c *Config) { c.Encoder.Binary = "" }},
		{"http rtmp base url", func(c *Config) { c.Encoder.RTMPBaseURL = "http://example.com/live" }},
		{"rtmp base url without host", func(c *Config) { c.Encoder.RTMPBaseURL = "rtmp:///live" }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 40000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 50000
			c.WebRTC.PortRange.Max = 40000
		}},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  address: ":9090"
rooms:
  grace_window: 10s
encoder:
  recordings_dir: /var/recordings
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ROOMCAST_ENCODER_BINARY", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("ROOMCAST_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("expected address from file, got %q", cfg.Server.Address)
	}
	if cfg.Rooms.GraceWindow != 10*time.Second {
		t.Fatalf("expected grace window from file, got %v", cfg.Rooms.GraceWindow)
	}
	if cfg.Encoder.RecordingsDir != "/var/recordings" {
		t.Fatalf("expected recordings dir from file, got %q", cfg.Encoder.RecordingsDir)
	}
	if cfg.Encoder.Binary != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("expected encoder binary from env, got %q", cfg.Encoder.Binary)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "redis:6379" {
		t.Fatalf("expected redis enabled from env, got enabled=%v address=%q", cfg.Redis.Enabled, cfg.Redis.Address)
	}
	// untouched sections keep defaults
	if cfg.Signal.SendBuffer != 64 {
		t.Fatalf("expected default send buffer, got %d", cfg.Signal.SendBuffer)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address, got %q", cfg.Server.Address)
	}
}
