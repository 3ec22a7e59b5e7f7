package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/timzifer/fumewatch/drivers/rtu"
)

// Kind classifies the outcome of a transaction.
type Kind int

const (
	KindReadOk Kind = iota
	KindWriteOk
	KindTimeout
	KindMalformed
	KindCRCMismatch
	KindNak
	// KindCanceled is returned when the caller gave up before its transaction reached the line.
	KindCanceled
	// KindLinkError means the port failed before the device could answer.
	KindLinkError
)

func (k Kind) String() string {
	switch k {
	case KindReadOk:
		return "read_ok"
	case KindWriteOk:
		return "write_ok"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	case KindCRCMismatch:
		return "crc_mismatch"
	case KindNak:
		return "nak"
	case KindCanceled:
		return "canceled"
	case KindLinkError:
		return "link_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// OK reports whether the transaction succeeded.
func (k Kind) OK() bool {
	return k == KindReadOk || k == KindWriteOk
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindCRCMismatch || k == KindLinkError
}

// answered reports whether the device produced a valid reply.
func (k Kind) answered() bool {
	return k.OK() || k == KindNak
}

// Result is the outcome of one transaction, including its retries.
type Result struct {
	Kind Kind
	// Values holds the register words of a successful read.
	Values []uint16
	// ExceptionCode is set for KindNak.
	ExceptionCode byte
	Err           error
	Attempts      int
	// Seq orders transactions on the line. It is zero for requests that never started.
	Seq      uint64
	Started  time.Time
	Duration time.Duration
}

// classify maps the error of one attempt to an outcome kind. Errors that carry no
// recognised cause are treated as timeouts, since the line produced no usable answer.
func classify(err error) (Kind, byte) {
	var mbErr *modbus.ModbusError
	switch {
	case err == nil:
		return KindReadOk, 0
	case errors.As(err, &mbErr):
		return KindNak, mbErr.ExceptionCode
	case errors.Is(err, rtu.ErrCRCMismatch):
		return KindCRCMismatch, 0
	case errors.Is(err, rtu.ErrFraming):
		return KindMalformed, 0
	case errors.Is(err, rtu.ErrLineIO):
		return KindLinkError, 0
	default:
		return KindTimeout, 0
	}
}

// ExceptionName returns the Modbus name of an exception code.
func ExceptionName(code byte) string {
	switch code {
	case modbus.ExceptionCodeIllegalFunction:
		return "illegal function"
	case modbus.ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case modbus.ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case modbus.ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case modbus.ExceptionCodeAcknowledge:
		return "acknowledge"
	case modbus.ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case modbus.ExceptionCodeMemoryParityError:
		return "memory parity error"
	case modbus.ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("exception 0x%02X", code)
	}
}
