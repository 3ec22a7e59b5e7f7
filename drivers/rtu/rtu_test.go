package rtu

import (
	"errors"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/require"
)

func TestCRC16ReferenceVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "check string", data: []byte("123456789"), want: 0x4B37},
		{name: "read one register", data: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, want: 0x0A84},
		{name: "read three registers", data: []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}, want: 0x8776},
		{name: "write single register", data: []byte{0x11, 0x06, 0x00, 0x01, 0x00, 0x03}, want: 0x9B9A},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CRC16(tt.data))
		})
	}
}

func TestAppendCRCWritesLowByteFirst(t *testing.T) {
	frame := AppendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	require.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, frame)
	require.NoError(t, VerifyCRC(frame))
}

func TestVerifyCRCRejectsTamperedFrame(t *testing.T) {
	frame := AppendCRC([]byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03})
	frame[3] ^= 0xFF
	err := VerifyCRC(frame)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCRCMismatch))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pdus := []modbus.ProtocolDataUnit{
		WriteSingleRegister(0x0001, 1),
	}
	read, err := ReadHoldingRegisters(0x0000, 21)
	require.NoError(t, err)
	pdus = append(pdus, read)
	multi, err := WriteMultipleRegisters(0x000B, []uint16{0x4B00, 0x0000})
	require.NoError(t, err)
	pdus = append(pdus, multi)

	for _, pdu := range pdus {
		raw, err := Encode(0x02, pdu)
		require.NoError(t, err)
		frame, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, byte(0x02), frame.Address)
		require.Equal(t, pdu.FunctionCode, frame.PDU.FunctionCode)
		require.Equal(t, pdu.Data, frame.PDU.Data)

		again, err := Encode(frame.Address, frame.PDU)
		require.NoError(t, err)
		require.Equal(t, raw, again)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x02, 0x03, 0x00})
	require.ErrorIs(t, err, ErrFraming)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(0x02, modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: make([]byte, 253)})
	require.Error(t, err)
}

func TestParseReadResponse(t *testing.T) {
	req, err := ReadHoldingRegisters(0x0000, 2)
	require.NoError(t, err)
	raw := AppendCRC([]byte{0x02, 0x03, 0x04, 0x00, 0x01, 0x00, 0x46})
	require.Equal(t, ExpectedLength(req), len(raw))

	frame, err := Decode(raw)
	require.NoError(t, err)
	values, err := ParseResponse(req, frame.PDU)
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 70}, values)
}

func TestParseReadResponseRejectsWrongByteCount(t *testing.T) {
	req, err := ReadHoldingRegisters(0x0000, 2)
	require.NoError(t, err)
	_, err = ParseResponse(req, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x02, 0x00, 0x01}})
	require.ErrorIs(t, err, ErrFraming)
}

func TestParseExceptionResponse(t *testing.T) {
	req := WriteSingleRegister(0x0001, 99)
	_, err := ParseResponse(req, Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue))
	var mbErr *modbus.ModbusError
	require.True(t, errors.As(err, &mbErr))
	require.Equal(t, byte(modbus.ExceptionCodeIllegalDataValue), mbErr.ExceptionCode)
}

func TestParseWriteResponseRequiresEcho(t *testing.T) {
	req := WriteSingleRegister(0x0001, 1)
	_, err := ParseResponse(req, WriteSingleRegister(0x0001, 1))
	require.NoError(t, err)

	_, err = ParseResponse(req, WriteSingleRegister(0x0001, 0))
	require.ErrorIs(t, err, ErrFraming)
}

func TestResponseLength(t *testing.T) {
	require.Equal(t, 0, ResponseLength([]byte{0x02}))
	require.Equal(t, 5, ResponseLength([]byte{0x02, 0x83}))
	require.Equal(t, 0, ResponseLength([]byte{0x02, 0x03}))
	require.Equal(t, 9, ResponseLength([]byte{0x02, 0x03, 0x04}))
	require.Equal(t, 8, ResponseLength([]byte{0x02, 0x06}))
}

func TestReadQuantityBounds(t *testing.T) {
	_, err := ReadHoldingRegisters(0, 0)
	require.Error(t, err)
	_, err = ReadHoldingRegisters(0, MaxReadQuantity+1)
	require.Error(t, err)
	_, err = WriteMultipleRegisters(0, nil)
	require.Error(t, err)
}
