package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/rs/zerolog"

	"github.com/timzifer/fumewatch/drivers/rtu"
	"github.com/timzifer/fumewatch/internal/config"
)

// Serial is an RTU line over a serial port.
type Serial struct {
	mu       sync.Mutex
	port     io.ReadWriteCloser
	name     string
	interval time.Duration
	silence  time.Duration
	lastIO   time.Time
	// dirty is set after a failed exchange; the next frame first drains the line.
	dirty  bool
	logger zerolog.Logger
}

// OpenSerial opens the configured serial device. Failures wrap ErrOpenFailed.
func OpenSerial(cfg config.SerialConfig, logger zerolog.Logger) (*Serial, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port is not configured", ErrOpenFailed)
	}
	interval := SilentInterval(cfg.Baud)
	silence := responseSilence(cfg, interval)
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  silence,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, cfg.Port, err)
	}
	logger.Info().
		Str("port", cfg.Port).
		Int("baud", cfg.Baud).
		Dur("silent_interval", interval).
		Dur("response_silence", silence).
		Msg("serial line opened")
	return newSerial(port, cfg.Port, interval, silence, logger), nil
}

func responseSilence(cfg config.SerialConfig, interval time.Duration) time.Duration {
	if cfg.Silence.Duration > 0 {
		return cfg.Silence.Duration
	}
	if interval < minResponseSilence {
		return minResponseSilence
	}
	return interval
}

func newSerial(port io.ReadWriteCloser, name string, interval, silence time.Duration, logger zerolog.Logger) *Serial {
	return &Serial{
		port:     port,
		name:     name,
		interval: interval,
		silence:  silence,
		logger:   logger,
	}
}

// SendReceive implements Transport.
func (s *Serial) SendReceive(request []byte, expected int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, fmt.Errorf("%w: %s is closed", rtu.ErrLineIO, s.name)
	}

	quiet := s.lastIO.Add(s.interval)
	if s.dirty {
		if settle := time.Now().Add(s.silence); settle.After(quiet) {
			quiet = settle
		}
		s.dirty = false
	}
	if dropped := s.drain(quiet); dropped > 0 {
		s.logger.Debug().Int("bytes", dropped).Msg("discarded late bytes before frame")
	}
	if _, err := s.port.Write(request); err != nil {
		s.lastIO = time.Now()
		s.dirty = true
		return nil, fmt.Errorf("%w: write %s: %w", rtu.ErrLineIO, s.name, err)
	}
	start := time.Now()
	s.lastIO = start
	resp, err := s.receive(start.Add(timeout), expected)
	s.lastIO = time.Now()
	s.dirty = err != nil
	s.logger.Trace().Hex("request", request).Hex("response", resp).Dur("elapsed", s.lastIO.Sub(start)).Msg("frame exchanged")
	return resp, err
}

// receive collects one reply. Bytes that arrive after deadline turn the exchange into a
// timeout even when they would complete the frame.
func (s *Serial) receive(deadline time.Time, expected int) ([]byte, error) {
	resp := make([]byte, 0, rtu.MaxFrameSize)
	var chunk [rtu.MaxFrameSize]byte
	var lastByte time.Time
	for {
		now := time.Now()
		if !now.Before(deadline) {
			if len(resp) == 0 {
				return nil, rtu.ErrTimeout
			}
			return nil, fmt.Errorf("%w: incomplete frame of %d bytes before timeout", rtu.ErrFraming, len(resp))
		}
		readStart := now
		n, err := s.port.Read(chunk[:])
		if n > 0 {
			lastByte = time.Now()
			if lastByte.After(deadline) {
				return nil, fmt.Errorf("%w: %d bytes arrived %s after the deadline", rtu.ErrTimeout, len(resp)+n, lastByte.Sub(deadline))
			}
			resp = append(resp, chunk[:n]...)
			if refined := rtu.ResponseLength(resp); refined > 0 {
				expected = refined
			}
			if len(resp) > rtu.MaxFrameSize {
				return nil, fmt.Errorf("%w: frame exceeds %d bytes", rtu.ErrFraming, rtu.MaxFrameSize)
			}
			if expected > 0 && len(resp) >= expected {
				return resp[:expected], nil
			}
			continue
		}
		if len(resp) > 0 && time.Since(lastByte) >= s.silence {
			if expected > 0 && len(resp) < expected {
				return nil, fmt.Errorf("%w: frame ended after %d of %d bytes", rtu.ErrFraming, len(resp), expected)
			}
			return resp, nil
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: read %s: %w", rtu.ErrLineIO, s.name, err)
			}
			// Read timeouts surface as errors; avoid spinning when the port fails fast.
			if time.Since(readStart) < time.Millisecond {
				time.Sleep(time.Millisecond)
			}
		}
	}
}

// drain waits until deadline and discards whatever the line delivers meanwhile.
func (s *Serial) drain(deadline time.Time) int {
	var chunk [rtu.MaxFrameSize]byte
	dropped := 0
	for time.Now().Before(deadline) {
		readStart := time.Now()
		n, err := s.port.Read(chunk[:])
		dropped += n
		if n == 0 && err != nil && time.Since(readStart) < time.Millisecond {
			time.Sleep(time.Millisecond)
		}
	}
	return dropped
}

// Close releases the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
