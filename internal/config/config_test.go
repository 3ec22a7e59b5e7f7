package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("serial:\n  port: /dev/ttyUSB0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Serial.Baud != 19200 {
		t.Fatalf("expected baud 19200, got %d", cfg.Serial.Baud)
	}
	if cfg.Device.Address != 2 {
		t.Fatalf("expected address 2, got %d", cfg.Device.Address)
	}
	if cfg.PollInterval() != 500*time.Millisecond {
		t.Fatalf("expected poll interval 500ms, got %s", cfg.PollInterval())
	}
	if cfg.RetryCount() != 2 {
		t.Fatalf("expected 2 retries, got %d", cfg.RetryCount())
	}
	if cfg.Device.Model != DefaultModel {
		t.Fatalf("expected model %s, got %s", DefaultModel, cfg.Device.Model)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `device:
  address: 7
serial:
  port: /dev/ttyS1
  baud: 9600
read_only: true
poll:
  interval: 250ms
transaction:
  timeout: 1s
  retries: 0
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Device.Address != 7 || cfg.Serial.Baud != 9600 || !cfg.ReadOnly {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.PollInterval())
	}
	if cfg.Transaction.Timeout.Duration != time.Second {
		t.Fatalf("expected 1s timeout, got %s", cfg.Transaction.Timeout.Duration)
	}
	if cfg.RetryCount() != 0 {
		t.Fatalf("explicit zero retries must survive defaults, got %d", cfg.RetryCount())
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadRegisterFile(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registers.yaml")
	if err := os.WriteFile(regPath, []byte(`registers:
  - key: extra
    address: 32
    access: rw
`), 0o600); err != nil {
		t.Fatalf("write registers: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("simulate: true\nregister_file: registers.yaml\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Registers) != 1 || cfg.Registers[0].Key != "extra" {
		t.Fatalf("expected register from file, got %+v", cfg.Registers)
	}

	files := SourceFiles(cfg)
	if len(files) != 2 {
		t.Fatalf("expected config and register file to be tracked, got %v", files)
	}
}

func TestValidateRejectsMissingPort(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "serial.port") {
		t.Fatalf("expected serial.port error, got %v", err)
	}

	cfg.Simulate = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("simulate must not require a port: %v", err)
	}
}

func TestValidateRejectsBroadcastAddress(t *testing.T) {
	cfg := Default()
	cfg.Simulate = true
	cfg.Device.Address = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected address 0 to be rejected")
	}
}

func TestLoadKeepsExplicitBroadcastAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("simulate: true\ndevice:\n  model: quick-6101a2\n  address: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Device.Address != 0 {
		t.Fatalf("expected explicit address 0 to survive defaults, got %d", cfg.Device.Address)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "device.address 0") {
		t.Fatalf("expected address 0 to be rejected, got %v", err)
	}

	cfg.ApplyDefaults()
	if cfg.Device.Address != 0 {
		t.Fatalf("expected reapplied defaults to keep address 0, got %d", cfg.Device.Address)
	}
}

func TestLoadRejectsAddressBeyondByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("device:\n  address: 258\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected address 258 to fail decoding")
	}
}

func TestDurationUnmarshalError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("poll:\n  interval: soon\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid duration to fail")
	}
}

func TestMQTTDefaultsAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `simulate: true
mqtt:
  enabled: true
  topic_prefix: /shop/extractor/
  home_assistant:
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MQTT.TopicPrefix != "shop/extractor" {
		t.Fatalf("expected trimmed prefix, got %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.ClientID != "fumewatch-quick-6101a2" {
		t.Fatalf("unexpected client id %q", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.HomeAssistant.DiscoveryPrefix != "homeassistant" || cfg.MQTT.HomeAssistant.NodeID != "fumewatch_2" {
		t.Fatalf("unexpected discovery defaults %+v", cfg.MQTT.HomeAssistant)
	}

	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "mqtt.broker") {
		t.Fatalf("expected mqtt.broker error, got %v", err)
	}
	cfg.MQTT.Broker = "tcp://127.0.0.1:1883"
	cfg.MQTT.QoS = 3
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "mqtt.qos") {
		t.Fatalf("expected mqtt.qos error, got %v", err)
	}
	cfg.MQTT.QoS = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.MQTT.TLS.Enabled = true
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "mqtt.tls") {
		t.Fatalf("expected mqtt.tls error for a plain tcp broker, got %v", err)
	}
	cfg.MQTT.Broker = "mqtts://broker.local:8883"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate tls broker: %v", err)
	}
}
