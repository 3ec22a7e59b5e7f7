package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultModel is the register table used when no model is configured.
	DefaultModel = "quick-6101a2"

	// MaxAddress is the highest unicast Modbus slave address.
	MaxAddress = 247

	defaultAddress         = 2
	defaultBaud            = 19200
	defaultPollInterval    = 500 * time.Millisecond
	defaultTimeout         = 300 * time.Millisecond
	defaultRetries         = 2
	defaultRetryBackoff    = 20 * time.Millisecond
	defaultDisconnectAfter = 3
	defaultBackoffMax      = 5 * time.Second
	defaultQueueSize       = 16
	defaultEventBuffer     = 64
	defaultHistory         = 240
	defaultLiveViewListen  = ":18080"
	defaultMQTTPrefix      = "fumewatch"
	defaultMQTTKeepAlive   = 30 * time.Second
	defaultMQTTConnect     = 10 * time.Second
	defaultDiscoveryPrefix = "homeassistant"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DeviceConfig identifies the appliance on the bus.
type DeviceConfig struct {
	Model   string `yaml:"model"`
	Address uint8  `yaml:"address"`

	// addressSet records an explicit address in the file, so that 0 reaches Validate.
	addressSet bool
}

// UnmarshalYAML decodes the device section and notes whether address was given.
func (d *DeviceConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DeviceConfig
	decoded := plain(*d)
	if err := value.Decode(&decoded); err != nil {
		return fmt.Errorf("decode device: %w", err)
	}
	*d = DeviceConfig(decoded)
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			if value.Content[i].Value == "address" {
				d.addressSet = true
			}
		}
	}
	return nil
}

// SerialConfig describes the physical line.
type SerialConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits,omitempty"`
	Parity   string `yaml:"parity,omitempty"`
	StopBits int    `yaml:"stop_bits,omitempty"`
	// Silence overrides the inter-frame silent interval derived from the baud rate.
	Silence Duration `yaml:"silence,omitempty"`
}

// SimulationConfig tunes the simulated line used when Simulate is set.
type SimulationConfig struct {
	Latency     Duration `yaml:"latency,omitempty"`
	Seed        *int64   `yaml:"seed,omitempty"`
	DropRate    float64  `yaml:"drop_rate,omitempty"`
	CorruptRate float64  `yaml:"corrupt_rate,omitempty"`
}

// PollConfig controls the refresh cadence and read batching.
type PollConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxGap      uint16   `yaml:"max_gap,omitempty"`
	MaxQuantity uint16   `yaml:"max_quantity,omitempty"`
	BackoffMax  Duration `yaml:"backoff_max,omitempty"`
}

// TransactionConfig configures the timeout and retry policy of every transaction.
type TransactionConfig struct {
	Timeout         Duration `yaml:"timeout"`
	Retries         *int     `yaml:"retries,omitempty"`
	RetryBackoff    Duration `yaml:"retry_backoff,omitempty"`
	DisconnectAfter int      `yaml:"disconnect_after,omitempty"`
}

// CommandConfig sizes the operator command queue and the outcome stream.
type CommandConfig struct {
	QueueSize   int `yaml:"queue_size,omitempty"`
	EventBuffer int `yaml:"event_buffer,omitempty"`
}

// RegisterConfig adds or overrides a register descriptor of the selected model.
type RegisterConfig struct {
	Key      string   `yaml:"key"`
	Name     string   `yaml:"name,omitempty"`
	Address  uint16   `yaml:"address"`
	Width    int      `yaml:"width,omitempty"`
	Access   string   `yaml:"access,omitempty"`
	Unit     string   `yaml:"unit,omitempty"`
	Scale    string   `yaml:"scale,omitempty"`
	Signed   bool     `yaml:"signed,omitempty"`
	WordSwap bool     `yaml:"word_swap,omitempty"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
}

// AlertConfig declares an expression evaluated against every snapshot.
type AlertConfig struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
	Severity   string `yaml:"severity,omitempty"`
}

// HistoryConfig sizes the in-memory trend buffers.
type HistoryConfig struct {
	Capacity int      `yaml:"capacity,omitempty"`
	Keys     []string `yaml:"keys,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig selects the metrics backend.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// LiveViewConfig configures the HTTP live view.
type LiveViewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// MQTTTLSConfig enables TLS towards the broker. CAFile trusts a private broker CA on top
// of the system roots.
type MQTTTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// HomeAssistantConfig controls MQTT discovery announcements.
type HomeAssistantConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DiscoveryPrefix string `yaml:"discovery_prefix,omitempty"`
	NodeID          string `yaml:"node_id,omitempty"`
	Name            string `yaml:"name,omitempty"`
}

// MQTTConfig configures the optional MQTT bridge.
type MQTTConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Broker         string   `yaml:"broker"`
	ClientID       string   `yaml:"client_id,omitempty"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	TopicPrefix    string   `yaml:"topic_prefix,omitempty"`
	QoS            byte     `yaml:"qos,omitempty"`
	Retain         bool     `yaml:"retain,omitempty"`
	KeepAlive      Duration `yaml:"keep_alive,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
	// MinInterval throttles state publications; zero publishes every change.
	MinInterval   Duration            `yaml:"min_interval,omitempty"`
	TLS           MQTTTLSConfig       `yaml:"tls,omitempty"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Device       DeviceConfig      `yaml:"device"`
	Serial       SerialConfig      `yaml:"serial"`
	Simulate     bool              `yaml:"simulate"`
	Simulation   SimulationConfig  `yaml:"simulation"`
	ReadOnly     bool              `yaml:"read_only"`
	Poll         PollConfig        `yaml:"poll"`
	Transaction  TransactionConfig `yaml:"transaction"`
	Commands     CommandConfig     `yaml:"commands"`
	RegisterFile string            `yaml:"register_file,omitempty"`
	Registers    []RegisterConfig  `yaml:"registers,omitempty"`
	Alerts       []AlertConfig     `yaml:"alerts,omitempty"`
	History      HistoryConfig     `yaml:"history"`
	Logging      LoggingConfig     `yaml:"logging"`
	Telemetry    TelemetryConfig   `yaml:"telemetry"`
	LiveView     LiveViewConfig    `yaml:"live_view"`
	MQTT         MQTTConfig        `yaml:"mqtt"`
	HotReload    bool              `yaml:"hot_reload"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-"`
	// RegisterSource is the resolved path of RegisterFile.
	RegisterSource string `yaml:"-"`
}

type registerFile struct {
	Registers []RegisterConfig `yaml:"registers"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Source = path
	if cfg.RegisterFile != "" {
		regPath := cfg.RegisterFile
		if !filepath.IsAbs(regPath) {
			regPath = filepath.Join(filepath.Dir(path), regPath)
		}
		regs, err := loadRegisterFile(regPath)
		if err != nil {
			return nil, err
		}
		cfg.RegisterSource = regPath
		cfg.Registers = append(regs, cfg.Registers...)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func loadRegisterFile(path string) ([]RegisterConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read register file: %w", err)
	}
	var file registerFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("unmarshal register file %s: %w", path, err)
	}
	return file.Registers, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Device.Model == "" {
		c.Device.Model = DefaultModel
	}
	if c.Device.Address == 0 && !c.Device.addressSet {
		c.Device.Address = defaultAddress
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = defaultBaud
	}
	if c.Serial.DataBits == 0 {
		c.Serial.DataBits = 8
	}
	if c.Serial.Parity == "" {
		c.Serial.Parity = "N"
	}
	if c.Serial.StopBits == 0 {
		c.Serial.StopBits = 1
	}
	if c.Poll.Interval.Duration <= 0 {
		c.Poll.Interval.Duration = defaultPollInterval
	}
	if c.Poll.MaxQuantity == 0 {
		c.Poll.MaxQuantity = 125
	}
	if c.Poll.BackoffMax.Duration <= 0 {
		c.Poll.BackoffMax.Duration = defaultBackoffMax
	}
	if c.Transaction.Timeout.Duration <= 0 {
		c.Transaction.Timeout.Duration = defaultTimeout
	}
	if c.Transaction.Retries == nil {
		retries := defaultRetries
		c.Transaction.Retries = &retries
	}
	if c.Transaction.RetryBackoff.Duration <= 0 {
		c.Transaction.RetryBackoff.Duration = defaultRetryBackoff
	}
	if c.Transaction.DisconnectAfter <= 0 {
		c.Transaction.DisconnectAfter = defaultDisconnectAfter
	}
	if c.Commands.QueueSize <= 0 {
		c.Commands.QueueSize = defaultQueueSize
	}
	if c.Commands.EventBuffer <= 0 {
		c.Commands.EventBuffer = defaultEventBuffer
	}
	if c.History.Capacity <= 0 {
		c.History.Capacity = defaultHistory
	}
	if len(c.History.Keys) == 0 {
		c.History.Keys = []string{"real_flow", "speed_rpm"}
	}
	if c.LiveView.Listen == "" {
		c.LiveView.Listen = defaultLiveViewListen
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "fumewatch-" + strings.ToLower(c.Device.Model)
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaultMQTTPrefix
	}
	c.MQTT.TopicPrefix = strings.Trim(c.MQTT.TopicPrefix, "/")
	if c.MQTT.KeepAlive.Duration <= 0 {
		c.MQTT.KeepAlive.Duration = defaultMQTTKeepAlive
	}
	if c.MQTT.ConnectTimeout.Duration <= 0 {
		c.MQTT.ConnectTimeout.Duration = defaultMQTTConnect
	}
	if c.MQTT.HomeAssistant.DiscoveryPrefix == "" {
		c.MQTT.HomeAssistant.DiscoveryPrefix = defaultDiscoveryPrefix
	}
	if c.MQTT.HomeAssistant.NodeID == "" {
		c.MQTT.HomeAssistant.NodeID = fmt.Sprintf("fumewatch_%d", c.Device.Address)
	}
}

// tlsBroker reports whether the broker URL selects a TLS transport in the MQTT client.
func tlsBroker(broker string) bool {
	scheme, _, ok := strings.Cut(broker, "://")
	if !ok {
		return false
	}
	switch strings.ToLower(scheme) {
	case "ssl", "tls", "mqtts", "mqtt+ssl", "tcps", "wss":
		return true
	default:
		return false
	}
}

// Validate reports configuration values the engine cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	var errs []error
	if c.Device.Address == 0 || c.Device.Address > MaxAddress {
		errs = append(errs, fmt.Errorf("device.address %d out of range 1..%d", c.Device.Address, MaxAddress))
	}
	if !c.Simulate && strings.TrimSpace(c.Serial.Port) == "" {
		errs = append(errs, errors.New("serial.port is required unless simulate is enabled"))
	}
	if c.Serial.Baud < 0 {
		errs = append(errs, fmt.Errorf("serial.baud %d must be positive", c.Serial.Baud))
	}
	switch strings.ToUpper(c.Serial.Parity) {
	case "", "N", "E", "O":
	default:
		errs = append(errs, fmt.Errorf("serial.parity %q must be N, E or O", c.Serial.Parity))
	}
	if c.Poll.MaxQuantity > 125 {
		errs = append(errs, fmt.Errorf("poll.max_quantity %d exceeds 125", c.Poll.MaxQuantity))
	}
	if c.Transaction.Retries != nil && *c.Transaction.Retries < 0 {
		errs = append(errs, fmt.Errorf("transaction.retries %d must not be negative", *c.Transaction.Retries))
	}
	if c.Simulation.DropRate < 0 || c.Simulation.DropRate > 1 {
		errs = append(errs, fmt.Errorf("simulation.drop_rate %v out of range 0..1", c.Simulation.DropRate))
	}
	if c.Simulation.CorruptRate < 0 || c.Simulation.CorruptRate > 1 {
		errs = append(errs, fmt.Errorf("simulation.corrupt_rate %v out of range 0..1", c.Simulation.CorruptRate))
	}
	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d out of range 0..2", c.MQTT.QoS))
		}
		if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q must not contain wildcards", c.MQTT.TopicPrefix))
		}
		if c.MQTT.TLS.Enabled && !tlsBroker(c.MQTT.Broker) {
			errs = append(errs, fmt.Errorf("mqtt.tls needs an ssl://, tls://, mqtts:// or wss:// broker, got %q", c.MQTT.Broker))
		}
	}
	seen := make(map[string]struct{}, len(c.Alerts))
	for _, alert := range c.Alerts {
		if alert.ID == "" {
			errs = append(errs, errors.New("alert id must not be empty"))
			continue
		}
		if _, dup := seen[alert.ID]; dup {
			errs = append(errs, fmt.Errorf("alert %s declared twice", alert.ID))
		}
		seen[alert.ID] = struct{}{}
	}
	return errors.Join(errs...)
}

// PollInterval returns the configured poll cadence.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Poll.Interval.Duration <= 0 {
		return defaultPollInterval
	}
	return c.Poll.Interval.Duration
}

// RetryCount returns the number of additional attempts after a retryable failure.
func (c *Config) RetryCount() int {
	if c == nil || c.Transaction.Retries == nil {
		return defaultRetries
	}
	return *c.Transaction.Retries
}
