package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/timzifer/fumewatch/drivers/rtu"
)

// Device answers request PDUs addressed to the simulated slave. The second result is
// false when the device stays silent.
type Device interface {
	Handle(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, bool)
}

// SimulatedOptions tunes timing and fault injection of the simulated line.
type SimulatedOptions struct {
	Latency     time.Duration
	Seed        *int64
	DropRate    float64
	CorruptRate float64
	// Sleep replaces time.Sleep in tests.
	Sleep func(time.Duration)
}

// Simulated is a Transport backed by an in-process Device instead of a serial port.
type Simulated struct {
	mu      sync.Mutex
	address byte
	device  Device
	opts    SimulatedOptions
	faults  *faultSource
	closed  bool
}

// NewSimulated returns a simulated line answering for address.
func NewSimulated(address byte, device Device, opts SimulatedOptions) *Simulated {
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Simulated{
		address: address,
		device:  device,
		opts:    opts,
		faults:  newFaultSource(opts.Seed),
	}
}

// SendReceive implements Transport.
func (s *Simulated) SendReceive(request []byte, _ int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: simulated line is closed", rtu.ErrLineIO)
	}

	frame, err := rtu.Decode(request)
	if err != nil || frame.Address != s.address {
		// A real slave ignores frames it cannot parse or that are not addressed to it.
		s.opts.Sleep(timeout)
		return nil, rtu.ErrTimeout
	}
	if s.faults.hit(s.opts.DropRate) {
		s.opts.Sleep(timeout)
		return nil, rtu.ErrTimeout
	}
	resp, ok := s.device.Handle(frame.PDU)
	if !ok {
		s.opts.Sleep(timeout)
		return nil, rtu.ErrTimeout
	}
	raw, err := rtu.Encode(s.address, resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rtu.ErrFraming, err)
	}
	if s.opts.Latency >= timeout {
		s.opts.Sleep(timeout)
		return nil, rtu.ErrTimeout
	}
	if s.opts.Latency > 0 {
		s.opts.Sleep(s.opts.Latency)
	}
	if s.faults.hit(s.opts.CorruptRate) {
		raw[len(raw)-1] ^= 0xFF
	}
	return raw, nil
}

// Close implements Transport.
func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
