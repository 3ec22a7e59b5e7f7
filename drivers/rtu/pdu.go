package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/goburrow/modbus"
)

const (
	// MaxReadQuantity is the largest register count a single FC03 request may ask for.
	MaxReadQuantity = 125
	// MaxWriteQuantity is the largest register count a single FC16 request may carry.
	MaxWriteQuantity = 123

	exceptionBit = 0x80
)

// ReadHoldingRegisters builds an FC03 request.
func ReadHoldingRegisters(start, quantity uint16) (modbus.ProtocolDataUnit, error) {
	if quantity < 1 || quantity > MaxReadQuantity {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("rtu: read quantity %d out of range 1..%d", quantity, MaxReadQuantity)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReadHoldingRegisters, Data: data}, nil
}

// WriteSingleRegister builds an FC06 request.
func WriteSingleRegister(address, value uint16) modbus.ProtocolDataUnit {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], value)
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteSingleRegister, Data: data}
}

// WriteMultipleRegisters builds an FC16 request.
func WriteMultipleRegisters(start uint16, values []uint16) (modbus.ProtocolDataUnit, error) {
	if len(values) < 1 || len(values) > MaxWriteQuantity {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("rtu: write quantity %d out of range 1..%d", len(values), MaxWriteQuantity)
	}
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], start)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: data}, nil
}

// ExpectedLength returns the full response frame length for a successful reply to req,
// or 0 when the function code is not one this package builds.
func ExpectedLength(req modbus.ProtocolDataUnit) int {
	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		if len(req.Data) < 4 {
			return 0
		}
		quantity := int(binary.BigEndian.Uint16(req.Data[2:4]))
		return 3 + 2*quantity + 2
	case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		return 8
	default:
		return 0
	}
}

// ResponseLength refines the expected length of a response from the bytes received so far.
// Exception replies are always five bytes; reads carry their own byte count in the third byte.
// It returns 0 while the header is still incomplete.
func ResponseLength(partial []byte) int {
	if len(partial) < 2 {
		return 0
	}
	fc := partial[1]
	if fc&exceptionBit != 0 {
		return 5
	}
	switch fc {
	case modbus.FuncCodeReadHoldingRegisters:
		if len(partial) < 3 {
			return 0
		}
		return 3 + int(partial[2]) + 2
	case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		return 8
	default:
		return 0
	}
}

// IsException reports whether pdu is a device exception reply.
func IsException(pdu modbus.ProtocolDataUnit) bool {
	return pdu.FunctionCode&exceptionBit != 0
}

// Exception builds the reply a device sends when it rejects a request.
func Exception(functionCode, code byte) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{FunctionCode: functionCode | exceptionBit, Data: []byte{code}}
}

// ParseResponse validates resp against req. Read replies yield the register words;
// write replies must echo the request and yield nil. A device exception is returned
// as *modbus.ModbusError.
func ParseResponse(req, resp modbus.ProtocolDataUnit) ([]uint16, error) {
	if IsException(resp) {
		if resp.FunctionCode&^exceptionBit != req.FunctionCode {
			return nil, fmt.Errorf("%w: exception for function 0x%02X, requested 0x%02X", ErrFraming, resp.FunctionCode&^exceptionBit, req.FunctionCode)
		}
		if len(resp.Data) != 1 {
			return nil, fmt.Errorf("%w: exception payload of %d bytes", ErrFraming, len(resp.Data))
		}
		return nil, &modbus.ModbusError{FunctionCode: resp.FunctionCode, ExceptionCode: resp.Data[0]}
	}
	if resp.FunctionCode != req.FunctionCode {
		return nil, fmt.Errorf("%w: response function 0x%02X, requested 0x%02X", ErrFraming, resp.FunctionCode, req.FunctionCode)
	}
	switch req.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		return parseRead(req, resp)
	case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		return nil, verifyEcho(req, resp)
	default:
		return nil, fmt.Errorf("rtu: unsupported function code 0x%02X", req.FunctionCode)
	}
}

func parseRead(req, resp modbus.ProtocolDataUnit) ([]uint16, error) {
	quantity := int(binary.BigEndian.Uint16(req.Data[2:4]))
	if len(resp.Data) < 1 {
		return nil, fmt.Errorf("%w: read response without byte count", ErrFraming)
	}
	count := int(resp.Data[0])
	if count != 2*quantity {
		return nil, fmt.Errorf("%w: byte count %d, expected %d", ErrFraming, count, 2*quantity)
	}
	if len(resp.Data) != count+1 {
		return nil, fmt.Errorf("%w: read payload of %d bytes, byte count says %d", ErrFraming, len(resp.Data)-1, count)
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp.Data[1+2*i:])
	}
	return values, nil
}

func verifyEcho(req, resp modbus.ProtocolDataUnit) error {
	if len(resp.Data) != 4 || len(req.Data) < 4 {
		return fmt.Errorf("%w: write response payload of %d bytes", ErrFraming, len(resp.Data))
	}
	if binary.BigEndian.Uint16(resp.Data[0:2]) != binary.BigEndian.Uint16(req.Data[0:2]) {
		return fmt.Errorf("%w: write response address 0x%04X does not match request", ErrFraming, binary.BigEndian.Uint16(resp.Data[0:2]))
	}
	// FC06 echoes the value, FC16 echoes the quantity; both sit in the same two bytes.
	if binary.BigEndian.Uint16(resp.Data[2:4]) != binary.BigEndian.Uint16(req.Data[2:4]) {
		return fmt.Errorf("%w: write response does not echo the request", ErrFraming)
	}
	return nil
}
