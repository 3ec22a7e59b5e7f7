// Package commands turns operator intents into write transactions.
//
// Submit never blocks the caller on the line. Accepted commands are applied
// optimistically to the device state and executed by a single worker through the
// shared executor; every command resolves to exactly one Event.
package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/runtime/executor"
)

var (
	// ErrReadOnly rejects writes while the engine runs in read-only mode.
	ErrReadOnly = errors.New("commands: read-only mode")
	// ErrInvalid rejects commands for unknown or non-writable registers and out of range values.
	ErrInvalid = errors.New("commands: invalid command")
	// ErrBusy rejects commands while the queue is full.
	ErrBusy = errors.New("commands: queue full")
)

// Command is one operator write. It is consumed exactly once.
type Command struct {
	ID          string          `json:"id"`
	Target      uint16          `json:"target"`
	Value       decimal.Decimal `json:"value"`
	RequestedAt time.Time       `json:"requested_at"`
	// Origin names the presentation layer that issued the command.
	Origin string `json:"origin,omitempty"`
}

// Outcome is the terminal state of a command.
type Outcome int

const (
	OutcomeWriteOk Outcome = iota
	OutcomeTimeout
	OutcomeNak
	OutcomeReadOnlyRejected
	// OutcomeFailed covers CRC mismatches and malformed replies.
	OutcomeFailed
	OutcomeInvalid
	OutcomeBusy
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWriteOk:
		return "write_ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNak:
		return "nak"
	case OutcomeReadOnlyRejected:
		return "read_only_rejected"
	case OutcomeFailed:
		return "failed"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeBusy:
		return "busy"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome name in JSON.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Event reports how a command resolved.
type Event struct {
	Command Command `json:"command"`
	// Register is the key of the target register, empty when the address is unknown.
	Register      string    `json:"register,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	ExceptionCode byte      `json:"exception_code,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Err           error     `json:"-"`
	At            time.Time `json:"at"`
}

// Message describes the event for an operator, naming register, command and cause.
func (e Event) Message() string {
	target := e.Register
	if target == "" {
		target = fmt.Sprintf("0x%04X", e.Command.Target)
	}
	id := shortID(e.Command.ID)
	switch e.Outcome {
	case OutcomeWriteOk:
		return fmt.Sprintf("%s: write of %s accepted by device [%s]", target, e.Command.Value, id)
	case OutcomeTimeout:
		return fmt.Sprintf("%s: device unreachable, write of %s timed out after %d attempts [%s]", target, e.Command.Value, e.Attempts, id)
	case OutcomeNak:
		return fmt.Sprintf("%s: device rejected write of %s (%s) [%s]", target, e.Command.Value, executor.ExceptionName(e.ExceptionCode), id)
	case OutcomeReadOnlyRejected:
		return fmt.Sprintf("%s: write of %s blocked by read-only mode [%s]", target, e.Command.Value, id)
	case OutcomeFailed:
		return fmt.Sprintf("%s: write of %s failed: %v [%s]", target, e.Command.Value, e.Err, id)
	case OutcomeInvalid:
		return fmt.Sprintf("%s: invalid write of %s: %v [%s]", target, e.Command.Value, e.Err, id)
	case OutcomeBusy:
		return fmt.Sprintf("%s: command queue full, write of %s dropped [%s]", target, e.Command.Value, id)
	case OutcomeCanceled:
		return fmt.Sprintf("%s: write of %s canceled before it reached the device [%s]", target, e.Command.Value, id)
	default:
		return fmt.Sprintf("%s: %s [%s]", target, e.Outcome, id)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func outcomeOf(kind executor.Kind) Outcome {
	switch kind {
	case executor.KindWriteOk, executor.KindReadOk:
		return OutcomeWriteOk
	case executor.KindTimeout:
		return OutcomeTimeout
	case executor.KindNak:
		return OutcomeNak
	case executor.KindCanceled:
		return OutcomeCanceled
	default:
		return OutcomeFailed
	}
}
