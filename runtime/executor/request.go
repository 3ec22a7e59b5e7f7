package executor

import (
	"github.com/goburrow/modbus"

	"github.com/timzifer/fumewatch/drivers/rtu"
)

// Request is a transaction the executor can put on the line.
type Request interface {
	// Function names the request for logs and metrics.
	Function() string
	pdu() (modbus.ProtocolDataUnit, error)
}

// ReadRequest reads Quantity holding registers starting at Start (FC03).
type ReadRequest struct {
	Start    uint16
	Quantity uint16
}

// Function implements Request.
func (ReadRequest) Function() string { return "read" }

func (r ReadRequest) pdu() (modbus.ProtocolDataUnit, error) {
	return rtu.ReadHoldingRegisters(r.Start, r.Quantity)
}

// WriteRequest writes Values starting at Address. A single word uses FC06, more words
// use FC16.
type WriteRequest struct {
	Address uint16
	Values  []uint16
}

// Function implements Request.
func (WriteRequest) Function() string { return "write" }

func (w WriteRequest) pdu() (modbus.ProtocolDataUnit, error) {
	if len(w.Values) == 1 {
		return rtu.WriteSingleRegister(w.Address, w.Values[0]), nil
	}
	return rtu.WriteMultipleRegisters(w.Address, w.Values)
}
