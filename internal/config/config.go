package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when no -c flag is given.
const DefaultPath = "config.yaml"

// Config represents the application configuration
type Config struct {
	Log             LogConfig      `yaml:"log"`
	Bridge          BridgeConfig   `yaml:"bridge"`
	Loop            LoopConfig     `yaml:"loop"`
	SSDP            SSDPConfig     `yaml:"ssdp"`
	MDNS            MDNSConfig     `yaml:"mdns"`
	Actions         ActionsConfig  `yaml:"actions"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	Status          StatusConfig   `yaml:"status"`
	Backends        BackendsConfig `yaml:"backends"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// GetLevel returns the configured level, "info" when unset
func (c LogConfig) GetLevel() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// BridgeConfig describes the emulated Hue bridge
type BridgeConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`   // Externally visible address, autodetected when empty
	Port int    `yaml:"port"` // 0 = OS assigned
}

// LoopConfig tunes the single control loop
type LoopConfig struct {
	PollTimeout Duration `yaml:"poll_timeout"`
	IdleDelay   Duration `yaml:"idle_delay"` // Fixed pause after each poll round
}

// SSDPConfig contains discovery responder settings
type SSDPConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	Group         string   `yaml:"group"`
	Port          int      `yaml:"port"`
	ResponseDelay Duration `yaml:"response_delay"`
	RateLimit     float64  `yaml:"rate_limit"` // Answered searches per second, negative disables limiting
	Burst         int      `yaml:"burst"`
}

// IsEnabled returns true unless SSDP was explicitly disabled
func (c SSDPConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MDNSConfig controls _hue._tcp advertisement
type MDNSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ActionsConfig sizes the action handler worker pool
type ActionsConfig struct {
	Workers   int      `yaml:"workers"`
	QueueSize int      `yaml:"queue_size"`
	Timeout   Duration `yaml:"timeout"` // Per handler call
}

// LedgerConfig contains action ledger settings. An empty path disables the ledger.
type LedgerConfig struct {
	Path            string   `yaml:"path"`
	RetentionDays   int      `yaml:"retention_days"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// StatusConfig contains status API server settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// BackendsConfig lists the lighting backends to probe at startup
type BackendsConfig struct {
	Static    StaticConfig    `yaml:"static"`
	HueBridge HueBridgeConfig `yaml:"huebridge"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Script    ScriptConfig    `yaml:"script"`
}

// StaticLight is a light declared directly in the config file
type StaticLight struct {
	Name string `yaml:"name"`
	On   bool   `yaml:"on"`
	Bri  int    `yaml:"bri"`
}

// StaticConfig declares in-memory lights that only log the calls they receive
type StaticConfig struct {
	Enabled bool          `yaml:"enabled"`
	Lights  []StaticLight `yaml:"lights"`
}

// HueBridgeConfig points at an upstream Hue bridge whose lights are re-exported
type HueBridgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
}

// MQTTLight maps an emulated light to an MQTT command topic
type MQTTLight struct {
	Name         string `yaml:"name"`
	CommandTopic string `yaml:"command_topic"`
	On           bool   `yaml:"on"`
	Bri          int    `yaml:"bri"`
}

// MQTTConfig contains MQTT backend settings
type MQTTConfig struct {
	Enabled        bool        `yaml:"enabled"`
	Broker         string      `yaml:"broker"`
	ClientID       string      `yaml:"client_id"`
	Username       string      `yaml:"username"`
	Password       string      `yaml:"password"`
	QoS            byte        `yaml:"qos"`
	Retained       bool        `yaml:"retained"`
	ConnectTimeout Duration    `yaml:"connect_timeout"`
	Lights         []MQTTLight `yaml:"lights"`
}

// ScriptConfig points at a Lua script implementing lights
type ScriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and parses the configuration file.
// A missing file at DefaultPath is not an error: defaults are used instead.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}

	return Parse(data)
}

// Parse decodes YAML bytes, expanding environment variables first
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Bridge.Name == "" {
		cfg.Bridge.Name = "Fauxhue"
	}

	if cfg.Loop.PollTimeout == 0 {
		cfg.Loop.PollTimeout = Duration(100 * time.Millisecond)
	}
	if cfg.Loop.IdleDelay == 0 {
		cfg.Loop.IdleDelay = Duration(10 * time.Millisecond)
	}

	// SSDP defaults
	if cfg.SSDP.Group == "" {
		cfg.SSDP.Group = "239.255.255.250"
	}
	if cfg.SSDP.Port == 0 {
		cfg.SSDP.Port = 1900
	}
	if cfg.SSDP.ResponseDelay == 0 {
		cfg.SSDP.ResponseDelay = Duration(100 * time.Millisecond)
	}
	if cfg.SSDP.RateLimit == 0 {
		cfg.SSDP.RateLimit = 5.0
	}
	if cfg.SSDP.Burst == 0 {
		cfg.SSDP.Burst = 10
	}

	// Action worker pool defaults
	if cfg.Actions.Workers <= 0 {
		cfg.Actions.Workers = 4
	}
	if cfg.Actions.QueueSize <= 0 {
		cfg.Actions.QueueSize = 32
	}
	if cfg.Actions.Timeout == 0 {
		cfg.Actions.Timeout = Duration(5 * time.Second)
	}

	// Ledger defaults
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}

	// Status server defaults
	if cfg.Status.Host == "" {
		cfg.Status.Host = "0.0.0.0"
	}
	if cfg.Status.Port == 0 {
		cfg.Status.Port = 9090
	}

	if cfg.Backends.MQTT.ClientID == "" {
		cfg.Backends.MQTT.ClientID = "fauxhue"
	}
	if cfg.Backends.MQTT.ConnectTimeout == 0 {
		cfg.Backends.MQTT.ConnectTimeout = Duration(10 * time.Second)
	}
	if cfg.Backends.Script.Path == "" {
		cfg.Backends.Script.Path = "lights.lua"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// envVarPattern matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
