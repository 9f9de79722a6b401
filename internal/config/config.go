// Package config implements the configuration surface of the end-device
// demo.
//
// Precedence: built-in defaults, then the YAML file (LWN_CONFIG path or
// config/default.yaml), then LWN_* environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for the end-device demo.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Radio     RadioConfig     `yaml:"radio"`
	API       APIConfig       `yaml:"api"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DeviceConfig holds the application-controller settings.
type DeviceConfig struct {
	// AppPort is the application port for uplinks and downlinks.
	AppPort uint8 `yaml:"appPort"`

	// DutyCycleOn enables the periodic-send loop and the would-block
	// retry path. Off means the device only reacts to downlinks.
	DutyCycleOn bool `yaml:"dutyCycleOn"`

	// ConfirmedRetries is the retry budget for confirmed uplinks.
	ConfirmedRetries int `yaml:"confirmedRetries"`

	// InitialClass is the operating class at boot, "A" or "C".
	InitialClass string `yaml:"initialClass"`

	// RetryDelaySec is the fixed delay before a would-block re-send.
	RetryDelaySec int `yaml:"retryDelaySec"`
}

// RadioConfig holds the simulated-network timings.
type RadioConfig struct {
	JoinDelaySec    int  `yaml:"joinDelaySec"`
	TxAirtimeMs     int  `yaml:"txAirtimeMs"`
	DutyIntervalSec int  `yaml:"dutyIntervalSec"`
	FailJoin        bool `yaml:"failJoin"`
}

// APIConfig holds the operator HTTP surface settings.
type APIConfig struct {
	// Addr is the listen address; empty disables the API server.
	Addr string `yaml:"addr"`

	// AuthSecret is the HS256 bearer-token secret. Empty disables auth
	// (demo mode).
	AuthSecret string `yaml:"authSecret"`
}

// AuditConfig holds the activity-log settings.
type AuditConfig struct {
	// Dir is the log directory; empty disables audit logging.
	Dir string `yaml:"dir"`

	MaxSizeMB  int `yaml:"maxSizeMb"`
	MaxBackups int `yaml:"maxBackups"`
	MaxAgeDays int `yaml:"maxAgeDays"`
}

// TelemetryConfig holds the SSE hub settings.
type TelemetryConfig struct {
	EventBufferSize int `yaml:"eventBufferSize"`
	HeartbeatSec    int `yaml:"heartbeatSec"`
}

// Load builds the effective configuration from defaults, the optional
// config file and environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	path := "config/default.yaml"
	explicit := false
	if p := os.Getenv("LWN_CONFIG"); p != "" {
		path = p
		explicit = true
	}
	if err := loadFromFile(cfg, path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		// No default file is fine; built-in defaults apply.
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			AppPort:          15,
			DutyCycleOn:      true,
			ConfirmedRetries: 3,
			InitialClass:     "A",
			RetryDelaySec:    3,
		},
		Radio: RadioConfig{
			JoinDelaySec:    2,
			TxAirtimeMs:     150,
			DutyIntervalSec: 10,
		},
		API: APIConfig{
			Addr: ":8000",
		},
		Audit: AuditConfig{
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{
			EventBufferSize: 64,
			HeartbeatSec:    15,
		},
	}
}

// loadFromFile merges settings from a YAML file into cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyEnvOverrides applies LWN_* environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LWN_APP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port >= 1 && port <= 223 {
			cfg.Device.AppPort = uint8(port)
		}
	}
	if v := os.Getenv("LWN_DUTY_CYCLE_ON"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			cfg.Device.DutyCycleOn = on
		}
	}
	if v := os.Getenv("LWN_CONFIRMED_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Device.ConfirmedRetries = n
		}
	}
	if v := os.Getenv("LWN_INITIAL_CLASS"); v != "" {
		cfg.Device.InitialClass = v
	}
	if v := os.Getenv("LWN_RETRY_DELAY_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Device.RetryDelaySec = n
		}
	}
	if v := os.Getenv("LWN_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("LWN_API_AUTH_SECRET"); v != "" {
		cfg.API.AuthSecret = v
	}
	if v := os.Getenv("LWN_AUDIT_DIR"); v != "" {
		cfg.Audit.Dir = v
	}
	if v := os.Getenv("LWN_FAIL_JOIN"); v != "" {
		if fail, err := strconv.ParseBool(v); err == nil {
			cfg.Radio.FailJoin = fail
		}
	}
	if v := os.Getenv("LWN_JOIN_DELAY_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Radio.JoinDelaySec = n
		}
	}
	if v := os.Getenv("LWN_DUTY_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Radio.DutyIntervalSec = n
		}
	}
}

// Validate checks cross-field constraints on the final configuration.
func Validate(cfg *Config) error {
	if cfg.Device.AppPort < 1 || cfg.Device.AppPort > 223 {
		return fmt.Errorf("device.appPort must be within [1, 223], got %d", cfg.Device.AppPort)
	}
	if cfg.Device.ConfirmedRetries < 0 || cfg.Device.ConfirmedRetries > 8 {
		return fmt.Errorf("device.confirmedRetries must be within [0, 8], got %d", cfg.Device.ConfirmedRetries)
	}
	if cfg.Device.InitialClass != "A" && cfg.Device.InitialClass != "C" {
		return fmt.Errorf("device.initialClass must be \"A\" or \"C\", got %q", cfg.Device.InitialClass)
	}
	if cfg.Device.RetryDelaySec <= 0 {
		return fmt.Errorf("device.retryDelaySec must be positive, got %d", cfg.Device.RetryDelaySec)
	}
	if cfg.Radio.JoinDelaySec < 0 {
		return fmt.Errorf("radio.joinDelaySec must not be negative, got %d", cfg.Radio.JoinDelaySec)
	}
	if cfg.Radio.TxAirtimeMs <= 0 {
		return fmt.Errorf("radio.txAirtimeMs must be positive, got %d", cfg.Radio.TxAirtimeMs)
	}
	if cfg.Radio.DutyIntervalSec < 0 {
		return fmt.Errorf("radio.dutyIntervalSec must not be negative, got %d", cfg.Radio.DutyIntervalSec)
	}
	if cfg.Telemetry.EventBufferSize <= 0 {
		return fmt.Errorf("telemetry.eventBufferSize must be positive, got %d", cfg.Telemetry.EventBufferSize)
	}
	if cfg.Telemetry.HeartbeatSec <= 0 {
		return fmt.Errorf("telemetry.heartbeatSec must be positive, got %d", cfg.Telemetry.HeartbeatSec)
	}
	if cfg.Audit.Dir != "" {
		if cfg.Audit.MaxSizeMB <= 0 {
			return fmt.Errorf("audit.maxSizeMb must be positive, got %d", cfg.Audit.MaxSizeMB)
		}
		if cfg.Audit.MaxBackups < 0 || cfg.Audit.MaxAgeDays < 0 {
			return fmt.Errorf("audit retention limits must not be negative")
		}
	}
	return nil
}

// RetryDelay returns the would-block re-send delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Device.RetryDelaySec) * time.Second
}

// JoinDelay returns the simulated join latency as a duration.
func (c *Config) JoinDelay() time.Duration {
	return time.Duration(c.Radio.JoinDelaySec) * time.Second
}

// TxAirtime returns the simulated uplink airtime as a duration.
func (c *Config) TxAirtime() time.Duration {
	return time.Duration(c.Radio.TxAirtimeMs) * time.Millisecond
}

// DutyInterval returns the simulated duty-cycle cooldown as a duration.
func (c *Config) DutyInterval() time.Duration {
	return time.Duration(c.Radio.DutyIntervalSec) * time.Second
}

// HeartbeatInterval returns the SSE heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Telemetry.HeartbeatSec) * time.Second
}
