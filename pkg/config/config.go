package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Backend struct {
		BaseURL        string        `yaml:"base_url"`
		Token          string        `yaml:"token"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"backend"`

	Streaming struct {
		Transport      string        `yaml:"transport"` // websocket or mjpeg
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		Cameras        []string      `yaml:"cameras"` // cameras to start streaming on boot
	} `yaml:"streaming"`

	Client struct {
		DeviceClass    string `yaml:"device_class"`    // desktop or mobile
		ConnectionType string `yaml:"connection_type"` // 4g, 3g, 2g, unknown
	} `yaml:"client"`

	Registry struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"registry"`

	Console struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"console"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Backend
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must not be empty")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be > 0")
	}

	// Streaming
	switch c.Streaming.Transport {
	case "websocket", "mjpeg":
	default:
		return fmt.Errorf("streaming.transport must be websocket or mjpeg, got %q", c.Streaming.Transport)
	}
	if c.Streaming.ReconnectDelay <= 0 {
		return fmt.Errorf("streaming.reconnect_delay must be > 0")
	}

	// Client
	switch c.Client.DeviceClass {
	case "desktop", "mobile":
	default:
		return fmt.Errorf("client.device_class must be desktop or mobile, got %q", c.Client.DeviceClass)
	}

	// Registry
	if c.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("registry.refresh_interval must be > 0")
	}

	// Console
	if c.Console.Address == "" {
		return fmt.Errorf("console.address must not be empty")
	}
	if c.Console.ReadTimeout <= 0 {
		return fmt.Errorf("console.read_timeout must be > 0")
	}
	if c.Console.WriteTimeout <= 0 {
		return fmt.Errorf("console.write_timeout must be > 0")
	}
	if c.Console.ShutdownTimeout <= 0 {
		return fmt.Errorf("console.shutdown_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
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

	cfg.Backend.BaseURL = "http://localhost:8080"
	cfg.Backend.RequestTimeout = 10 * time.Second

	cfg.Streaming.Transport = "websocket"
	cfg.Streaming.ReconnectDelay = 2 * time.Second

	cfg.Client.DeviceClass = "desktop"
	cfg.Client.ConnectionType = "unknown"

	cfg.Registry.RefreshInterval = 10 * time.Second

	cfg.Console.Address = ":8090"
	cfg.Console.ReadTimeout = 30 * time.Second
	cfg.Console.WriteTimeout = 30 * time.Second
	cfg.Console.ShutdownTimeout = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "labstream"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("LABSTREAM_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if token := os.Getenv("LABSTREAM_BACKEND_TOKEN"); token != "" {
		c.Backend.Token = token
	}
	if addr := os.Getenv("LABSTREAM_CONSOLE_ADDRESS"); addr != "" {
		c.Console.Address = addr
	}
	if level := os.Getenv("LABSTREAM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
