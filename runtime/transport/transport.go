// Package transport owns the half-duplex line to the appliance.
//
// A Transport moves complete RTU frames. It performs no retries and no PDU validation;
// callers must not issue overlapping SendReceive calls.
package transport

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/fumewatch/drivers/simulator"
	"github.com/timzifer/fumewatch/internal/config"
)

// ErrOpenFailed reports that the configured line could not be opened.
var ErrOpenFailed = errors.New("transport: open failed")

// Transport exchanges one request frame for one response frame.
type Transport interface {
	// SendReceive writes request and waits up to timeout for the reply. expected is the
	// full reply length when known, 0 otherwise. Errors wrap rtu.ErrTimeout, rtu.ErrFraming
	// or rtu.ErrLineIO. A reply that completes after timeout is rtu.ErrTimeout.
	SendReceive(request []byte, expected int, timeout time.Duration) ([]byte, error)
	Close() error
}

const (
	bitsPerChar = 10
	// fastBaudInterval is the fixed silent interval for baud rates above 19200.
	fastBaudInterval = 1750 * time.Microsecond
	// minResponseSilence keeps the end-of-frame detection above USB adapter latency.
	minResponseSilence = 5 * time.Millisecond
)

// CharTime returns the time one character occupies on the line.
func CharTime(baud int) time.Duration {
	if baud <= 0 {
		baud = 19200
	}
	return time.Second * bitsPerChar / time.Duration(baud)
}

// SilentInterval returns the 3.5 character gap that separates RTU frames.
func SilentInterval(baud int) time.Duration {
	if baud > 19200 {
		return fastBaudInterval
	}
	return CharTime(baud) * 35 / 10
}

// Open returns the transport selected by the configuration. A simulated line is used only
// when simulate is set; a serial open failure is never replaced by the simulation.
func Open(cfg *config.Config, logger zerolog.Logger) (Transport, error) {
	if cfg.Simulate {
		device := simulator.New(simulator.Options{
			Address: cfg.Device.Address,
			Baud:    cfg.Serial.Baud,
		})
		logger.Info().Str("model", cfg.Device.Model).Msg("using simulated line")
		return NewSimulated(cfg.Device.Address, device, SimulatedOptions{
			Latency:     cfg.Simulation.Latency.Duration,
			Seed:        cfg.Simulation.Seed,
			DropRate:    cfg.Simulation.DropRate,
			CorruptRate: cfg.Simulation.CorruptRate,
		}), nil
	}
	return OpenSerial(cfg.Serial, logger)
}
