package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gatehw.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Hardware    Hardware                  `yaml:"hardware"`
	Access      Access                    `yaml:"access"`
	Assignments map[string]AssignmentSeed `yaml:"assignments"`
	Publish     Publish                   `yaml:"publish"`
}

type Hardware struct {
	Relay    Relay             `yaml:"relay"`
	Reader   Reader            `yaml:"reader"`
	Ceilings Ceilings          `yaml:"ceilings"`
	Aliases  map[string]string `yaml:"aliases"`
}

type Relay struct {
	BaudRate         int `yaml:"baud_rate"`
	Channels         int `yaml:"channels"`
	GateChannel      int `yaml:"gate_channel"`
	RedLEDChannel    int `yaml:"red_led_channel"`
	GreenLEDChannel  int `yaml:"green_led_channel"`
	YellowLEDChannel int `yaml:"yellow_led_channel"`
	BuzzerChannel    int `yaml:"buzzer_channel"`
	GateOpenSeconds  int `yaml:"gate_open_seconds"`
	TestHoldMillis   int `yaml:"test_hold_ms"`
}

type Reader struct {
	CardTimeoutSeconds       int  `yaml:"card_timeout_seconds"`
	IntegratedTimeoutSeconds int  `yaml:"integrated_timeout_seconds"`
	PollIntervalMillis       int  `yaml:"poll_interval_ms"`
	SerialBaudRate           int  `yaml:"serial_baud_rate"`
	StrictChecksum           bool `yaml:"strict_checksum"`
}

type Ceilings struct {
	ConnectSeconds        int `yaml:"connect_seconds"`
	ReadMarginSeconds     int `yaml:"read_margin_seconds"`
	SequenceMarginSeconds int `yaml:"sequence_margin_seconds"`
}

type Access struct {
	Allowed []string `yaml:"allowed"`

	// A card read again within DebounceSeconds is ignored; read again before BlockSeconds
	// it is denied and blocked for BlockSeconds.
	DebounceSeconds int `yaml:"debounce_seconds"`
	BlockSeconds    int `yaml:"block_seconds"`
}

type AssignmentSeed struct {
	DeviceKey  string `yaml:"device_key"`
	DevicePath string `yaml:"device_path"`
	DeviceType string `yaml:"device_type"`
}

type Publish struct {
	Redis struct {
		Enabled    bool   `yaml:"enabled"`
		Addr       string `yaml:"addr"`
		Password   string `yaml:"password"`
		DB         int    `yaml:"db"`
		Prefix     string `yaml:"prefix"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"redis"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		QoS         byte   `yaml:"qos"`
	} `yaml:"mqtt"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gatehw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	r := c.Hardware.Relay
	if r.Channels <= 0 || r.Channels > 8 {
		return fmt.Errorf("config.hardware.relay.channels must be between 1 and 8")
	}
	if r.BaudRate <= 0 {
		return fmt.Errorf("config.hardware.relay.baud_rate must be positive")
	}
	for name, ch := range map[string]int{
		"gate_channel":       r.GateChannel,
		"red_led_channel":    r.RedLEDChannel,
		"green_led_channel":  r.GreenLEDChannel,
		"yellow_led_channel": r.YellowLEDChannel,
		"buzzer_channel":     r.BuzzerChannel,
	} {
		if ch < 1 || ch > r.Channels {
			return fmt.Errorf("config.hardware.relay.%s must be between 1 and %d", name, r.Channels)
		}
	}
	if r.GateOpenSeconds <= 0 {
		return fmt.Errorf("config.hardware.relay.gate_open_seconds must be positive")
	}
	if r.TestHoldMillis <= 0 {
		return fmt.Errorf("config.hardware.relay.test_hold_ms must be positive")
	}
	rd := c.Hardware.Reader
	if rd.CardTimeoutSeconds <= 0 || rd.IntegratedTimeoutSeconds <= 0 {
		return fmt.Errorf("config.hardware.reader timeouts must be positive")
	}
	if rd.PollIntervalMillis <= 0 {
		return fmt.Errorf("config.hardware.reader.poll_interval_ms must be positive")
	}
	if c.Hardware.Ceilings.ConnectSeconds <= 0 {
		return fmt.Errorf("config.hardware.ceilings.connect_seconds must be positive")
	}
	if c.Access.DebounceSeconds < 0 || c.Access.BlockSeconds < c.Access.DebounceSeconds {
		return fmt.Errorf("config.access.block_seconds must be at least debounce_seconds")
	}
	for role := range c.Assignments {
		if role != "card_reader" && role != "relay_controller" {
			return fmt.Errorf("config.assignments has unknown role %s", role)
		}
	}
	if c.Publish.Redis.Enabled && c.Publish.Redis.Addr == "" {
		return fmt.Errorf("config.publish.redis.addr is required when redis is enabled")
	}
	if c.Publish.MQTT.Enabled && c.Publish.MQTT.Broker == "" {
		return fmt.Errorf("config.publish.mqtt.broker is required when mqtt is enabled")
	}
	if c.Publish.MQTT.QoS > 2 {
		return fmt.Errorf("config.publish.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// ResolvePath maps a configured alias to its target path.
func (h Hardware) ResolvePath(path string) string {
	if target, ok := h.Aliases[path]; ok && target != "" {
		return target
	}
	return path
}

func (c Ceilings) Connect() time.Duration {
	return time.Duration(c.ConnectSeconds) * time.Second
}

func (c Ceilings) ReadMargin() time.Duration {
	return time.Duration(c.ReadMarginSeconds) * time.Second
}

func (c Ceilings) SequenceMargin() time.Duration {
	return time.Duration(c.SequenceMarginSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gatehw.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their
// default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: json

hardware:
  relay:
    baud_rate: 19200
    channels: 8
    gate_channel: 1
    red_led_channel: 2
    green_led_channel: 3
    yellow_led_channel: 4
    buzzer_channel: 5
    gate_open_seconds: 8
    test_hold_ms: 500
  reader:
    card_timeout_seconds: 10
    integrated_timeout_seconds: 60
    poll_interval_ms: 500
    serial_baud_rate: 9600
    strict_checksum: false
  ceilings:
    connect_seconds: 5
    read_margin_seconds: 2
    sequence_margin_seconds: 2
  # Maps operator-created paths (e.g. udev symlinks) to the real device node.
  aliases: {}

access:
  allowed: []
  debounce_seconds: 10
  block_seconds: 60

assignments:
  relay_controller:
    device_key: /dev/ttyUSB0
    device_path: /dev/ttyUSB0
    device_type: USB-RLY08

publish:
  redis:
    enabled: false
    addr: 127.0.0.1:6379
    prefix: "gatehw:"
    ttl_seconds: 3600
  mqtt:
    enabled: false
    broker: tcp://127.0.0.1:1883
    client_id: gatehw
    topic_prefix: gatehw
    qos: 1
`
