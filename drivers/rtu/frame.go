package rtu

import (
	"fmt"

	"github.com/goburrow/modbus"
)

const (
	minFrameSize = 4
	// MaxFrameSize is the largest RTU frame allowed on the wire.
	MaxFrameSize = 256
)

// Frame is a decoded RTU application data unit.
type Frame struct {
	Address byte
	PDU     modbus.ProtocolDataUnit
}

// Encode builds address | function code | payload | CRC.
func Encode(address byte, pdu modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + minFrameSize
	if length > MaxFrameSize {
		return nil, fmt.Errorf("rtu: frame length %d exceeds %d", length, MaxFrameSize)
	}
	raw := make([]byte, 0, length)
	raw = append(raw, address, pdu.FunctionCode)
	raw = append(raw, pdu.Data...)
	return AppendCRC(raw), nil
}

// Decode validates the checksum of raw and splits it into address and PDU.
// The returned PDU data aliases raw.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < minFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than the minimum frame", ErrFraming, len(raw))
	}
	if len(raw) > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes exceeds the maximum frame", ErrFraming, len(raw))
	}
	if err := VerifyCRC(raw); err != nil {
		return Frame{}, err
	}
	return Frame{
		Address: raw[0],
		PDU: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : len(raw)-2],
		},
	}, nil
}
