package rtu

import "fmt"

const crcPolynomial = 0xA001

var crcTable = func() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRC16 computes the CRC-16/Modbus checksum of data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[uint8(crc)^b]
	}
	return crc
}

// AppendCRC appends the checksum of frame, low byte first.
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// VerifyCRC checks the trailing two checksum bytes of a complete frame.
func VerifyCRC(frame []byte) error {
	if len(frame) < 3 {
		return fmt.Errorf("%w: frame of %d bytes has no checksum", ErrFraming, len(frame))
	}
	body := frame[:len(frame)-2]
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	expected := CRC16(body)
	if got != expected {
		return fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, expected, got)
	}
	return nil
}
