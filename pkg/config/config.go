package config

import (
	"fmt"
	"os"
	"time"

	"roomcast/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		SendBuffer     int           `yaml:"send_buffer"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		AnnouncedIPs     []string      `yaml:"announced_ips"`
		NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`
		TapHost          string        `yaml:"tap_host"`
		TapDir           string        `yaml:"tap_dir"`
	} `yaml:"webrtc"`

	Rooms struct {
		GraceWindow time.Duration `yaml:"grace_window"`
	} `yaml:"rooms"`

	Presence struct {
		StoreTimeout time.Duration `yaml:"store_timeout"`
	} `yaml:"presence"`

	Encoder struct {
		Binary        string        `yaml:"binary"`
		RecordingsDir string        `yaml:"recordings_dir"`
		StopTimeout   time.Duration `yaml:"stop_timeout"`
		RTMPBaseURL   string        `yaml:"rtmp_base_url"`
		VideoBitrate  string        `yaml:"video_bitrate"`
		AudioBitrate  string        `yaml:"audio_bitrate"`
		Preset        string        `yaml:"preset"`
		KeyframeEvery int           `yaml:"keyframe_every"`
		StderrLines   int           `yaml:"stderr_lines"`
	} `yaml:"encoder"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.RequestTimeout <= 0 {
		return fmt.Errorf("signal.request_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.NegotiateTimeout <= 0 {
		return fmt.Errorf("webrtc.negotiate_timeout must be > 0")
	}

	if c.Rooms.GraceWindow <= 0 {
		return fmt.Errorf("rooms.grace_window must be > 0")
	}
	if c.Presence.StoreTimeout <= 0 {
		return fmt.Errorf("presence.store_timeout must be > 0")
	}

	if c.Encoder.Binary == "" {
		return fmt.Errorf("encoder.binary must not be empty")
	}
	if c.Encoder.RecordingsDir == "" {
		return fmt.Errorf("encoder.recordings_dir must not be empty")
	}
	if c.Encoder.StopTimeout <= 0 {
		return fmt.Errorf("encoder.stop_timeout must be > 0")
	}
	if err := validation.ValidateRTMPURL(c.Encoder.RTMPBaseURL); err != nil {
		return fmt.Errorf("encoder.rtmp_base_url: %w", err)
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.RequestTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.WebRTC.NegotiateTimeout = 5 * time.Second
	cfg.WebRTC.TapHost = "127.0.0.1"
	cfg.WebRTC.TapDir = os.TempDir()

	cfg.Rooms.GraceWindow = 30 * time.Second
	cfg.Presence.StoreTimeout = 2 * time.Second

	cfg.Encoder.Binary = "ffmpeg"
	cfg.Encoder.RecordingsDir = "recordings"
	cfg.Encoder.StopTimeout = time.Second
	cfg.Encoder.RTMPBaseURL = "rtmp://a.rtmp.youtube.com/live2"
	cfg.Encoder.VideoBitrate = "2500k"
	cfg.Encoder.AudioBitrate = "128k"
	cfg.Encoder.Preset = "veryfast"
	cfg.Encoder.KeyframeEvery = 60
	cfg.Encoder.StderrLines = 20

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "roomcast:room:"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 256 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ROOMCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("ROOMCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if bin := os.Getenv("ROOMCAST_ENCODER_BINARY"); bin != "" {
		c.Encoder.Binary = bin
	}
	if dir := os.Getenv("ROOMCAST_RECORDINGS_DIR"); dir != "" {
		c.Encoder.RecordingsDir = dir
	}
	if rtmp := os.Getenv("ROOMCAST_RTMP_BASE_URL"); rtmp != "" {
		c.Encoder.RTMPBaseURL = rtmp
	}
	if addr := os.Getenv("ROOMCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if pw := os.Getenv("ROOMCAST_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
}
