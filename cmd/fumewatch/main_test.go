package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/telemetry"
)

func TestLoadConfigAppliesOverridesBeforeDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial:\n  port: /dev/ttyUSB0\npoll:\n  interval: 1s\n"), 0o600))

	cfg, err := loadConfig(path, func(cfg *config.Config) {
		cfg.Simulate = true
		cfg.MQTT.Broker = "tcp://broker:1883"
		cfg.MQTT.Enabled = true
	})
	require.NoError(t, err)
	require.True(t, cfg.Simulate)
	require.Equal(t, time.Second, cfg.PollInterval())
	require.Equal(t, "fumewatch", cfg.MQTT.TopicPrefix)
	require.NoError(t, cfg.Validate())

	defaults, err := loadConfig("", func(*config.Config) {})
	require.NoError(t, err)
	require.Equal(t, config.DefaultModel, defaults.Device.Model)
}

func TestNewTelemetryCollector(t *testing.T) {
	collector, err := newTelemetryCollector(config.TelemetryConfig{})
	require.NoError(t, err)
	require.Equal(t, telemetry.Noop(), collector)

	_, err = newTelemetryCollector(config.TelemetryConfig{Enabled: true, Provider: "statsd"})
	require.Error(t, err)
}

func TestSlaveAddressRejectsBroadcastAndOverflow(t *testing.T) {
	for _, v := range []uint{0, 248, 258, 1 << 16} {
		_, err := slaveAddress(v)
		require.Error(t, err, "address %d", v)
	}
	got, err := slaveAddress(247)
	require.NoError(t, err)
	require.Equal(t, uint8(247), got)

	cfg, err := loadConfig("", func(cfg *config.Config) { cfg.Device.Address = got })
	require.NoError(t, err)
	require.Equal(t, uint8(247), cfg.Device.Address)
}
