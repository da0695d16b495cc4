package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	HTTP      HTTPConfig      `yaml:"http"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Web       WebConfig       `yaml:"web"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains control listener configuration
type ServerConfig struct {
	Port          int    `yaml:"port"` // 0 lets the OS choose
	BindAddress   string `yaml:"bind_address"`
	MaxLineLength int    `yaml:"max_line_length"` // bytes
	EventQueue    int    `yaml:"event_queue"`
}

// StreamConfig contains video side-channel listener configuration
type StreamConfig struct {
	Port            int    `yaml:"port"` // 0 lets the OS choose
	BindAddress     string `yaml:"bind_address"`
	SubscriberQueue int    `yaml:"subscriber_queue"` // frames buffered per client
}

// HTTPConfig contains monitoring API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// DiscoveryConfig contains service advertisement configuration
type DiscoveryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	ProtocolTag string `yaml:"protocol_tag"`
	Domain      string `yaml:"domain"`
}

// ActuatorConfig contains the robot bridge configuration
type ActuatorConfig struct {
	NATSURL        string `yaml:"nats_url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	RequestTimeout int    `yaml:"request_timeout"` // milliseconds
	Language       string `yaml:"language"`
}

// SensorsConfig contains tactile sensor and double-click configuration
type SensorsConfig struct {
	DoubleClickWindow int    `yaml:"double_click_window"` // milliseconds
	Calibrate         string `yaml:"calibrate"`
	CalibrateHeld     string `yaml:"calibrate_held"`
	CalibrateReleased string `yaml:"calibrate_released"`
	ToggleAutoDrive   string `yaml:"toggle_auto_drive"`
}

// WebConfig contains static page configuration
type WebConfig struct {
	IndexPath string `yaml:"index_path"` // empty serves the built-in page
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration matching the robot's factory setup
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          0,
			BindAddress:   "0.0.0.0",
			MaxLineLength: 8192,
			EventQueue:    256,
		},
		Stream: StreamConfig{
			Port:            0,
			BindAddress:     "0.0.0.0",
			SubscriberQueue: 4,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Discovery: DiscoveryConfig{
			Enabled:     true,
			ServiceName: "nao-car",
			ProtocolTag: "_http._tcp",
			Domain:      "local.",
		},
		Actuator: ActuatorConfig{
			NATSURL:        "nats://127.0.0.1:4222",
			SubjectPrefix:  "naocar",
			RequestTimeout: 2000,
			Language:       "English",
		},
		Sensors: SensorsConfig{
			DoubleClickWindow: 500,
			Calibrate:         "RearTactilTouched",
			CalibrateHeld:     "FrontTactilTouched",
			CalibrateReleased: "MiddleTactilTouched",
			ToggleAutoDrive:   "MiddleTactilTouched",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}

	if err := c.Actuator.Validate(); err != nil {
		return fmt.Errorf("actuator config: %w", err)
	}

	if err := c.Sensors.Validate(); err != nil {
		return fmt.Errorf("sensors config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates control listener configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxLineLength < 64 {
		return fmt.Errorf("max_line_length must be at least 64 bytes, got %d", s.MaxLineLength)
	}

	if s.EventQueue < 1 {
		return fmt.Errorf("event_queue must be at least 1, got %d", s.EventQueue)
	}

	return nil
}

// Validate validates stream listener configuration
func (s *StreamConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.SubscriberQueue < 1 {
		return fmt.Errorf("subscriber_queue must be at least 1, got %d", s.SubscriberQueue)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates discovery configuration
func (d *DiscoveryConfig) Validate() error {
	if !d.Enabled {
		return nil
	}

	if d.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty when discovery is enabled")
	}

	if d.ProtocolTag == "" {
		return fmt.Errorf("protocol_tag cannot be empty when discovery is enabled")
	}

	return nil
}

// Validate validates actuator bridge configuration
func (a *ActuatorConfig) Validate() error {
	if a.NATSURL == "" {
		return fmt.Errorf("nats_url cannot be empty")
	}

	if a.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix cannot be empty")
	}

	if a.RequestTimeout < 1 {
		return fmt.Errorf("request_timeout must be at least 1 millisecond, got %d", a.RequestTimeout)
	}

	return nil
}

// Validate validates sensor configuration
func (s *SensorsConfig) Validate() error {
	if s.DoubleClickWindow < 1 {
		return fmt.Errorf("double_click_window must be positive, got %d", s.DoubleClickWindow)
	}

	if s.Calibrate == "" || s.ToggleAutoDrive == "" {
		return fmt.Errorf("calibrate and toggle_auto_drive sensor names are required")
	}

	if s.Calibrate == s.ToggleAutoDrive {
		return fmt.Errorf("calibrate and toggle_auto_drive must be distinct sensors, both are '%s'", s.Calibrate)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetRequestTimeoutDuration returns the actuator request timeout as a time.Duration
func (a *ActuatorConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Millisecond
}

// GetDoubleClickWindowDuration returns the double-click window as a time.Duration
func (s *SensorsConfig) GetDoubleClickWindowDuration() time.Duration {
	return time.Duration(s.DoubleClickWindow) * time.Millisecond
}
