package rtu

import "errors"

var (
	// ErrTimeout reports that no response arrived before the transaction timeout.
	ErrTimeout = errors.New("rtu: response timeout")
	// ErrFraming reports an incomplete or structurally invalid frame.
	ErrFraming = errors.New("rtu: framing error")
	// ErrCRCMismatch reports a frame whose trailing checksum does not match its content.
	ErrCRCMismatch = errors.New("rtu: crc mismatch")
	// ErrLineIO reports that the port itself failed to read or write.
	ErrLineIO = errors.New("rtu: line i/o error")
)
