// Package state holds the published view of the device.
//
// A Store owns one mutable copy of the register states and publishes immutable
// snapshots after every change. Readers only ever hold *Snapshot values, so they
// never observe a partially applied update.
package state

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RegisterState is the engine's knowledge about one register.
type RegisterState struct {
	Address  uint16 `json:"address"`
	Key      string `json:"key"`
	Name     string `json:"name"`
	Unit     string `json:"unit,omitempty"`
	Writable bool   `json:"writable"`
	// Value is the last value confirmed by the device. It is meaningful only when HasValue is set.
	Value       decimal.Decimal `json:"value"`
	Raw         []uint16        `json:"raw,omitempty"`
	HasValue    bool            `json:"has_value"`
	LastUpdated time.Time       `json:"last_updated"`
	// Stale is set when the most recent transaction covering the register failed.
	Stale bool `json:"stale"`
	// Pending marks an accepted operator write that no poll has confirmed yet.
	Pending      bool            `json:"pending"`
	PendingValue decimal.Decimal `json:"pending_value"`
	CommandID    string          `json:"command_id,omitempty"`

	lastSeq      uint64
	confirmAfter uint64
}

// Displayed returns the value a presentation layer should show: the requested target
// while a write is pending, the confirmed value otherwise.
func (r RegisterState) Displayed() (decimal.Decimal, bool) {
	if r.Pending {
		return r.PendingValue, true
	}
	return r.Value, r.HasValue
}

func (r RegisterState) clone() RegisterState {
	if r.Raw != nil {
		r.Raw = append([]uint16(nil), r.Raw...)
	}
	return r
}

// LinkHealth aggregates transaction outcomes on the line.
type LinkHealth struct {
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	TotalFailures       uint64    `json:"total_failures"`
	Transactions        uint64    `json:"transactions"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// HasSucceeded reports whether any transaction has completed since start.
func (l LinkHealth) HasSucceeded() bool {
	return !l.LastSuccessAt.IsZero()
}

// Disconnected reports whether threshold consecutive transactions have failed.
func (l LinkHealth) Disconnected(threshold uint32) bool {
	if threshold == 0 {
		threshold = 1
	}
	return l.ConsecutiveFailures >= threshold
}

// Snapshot is an immutable view of the device. Accessors return copies.
type Snapshot struct {
	Version   uint64     `json:"version"`
	Model     string     `json:"model"`
	ReadOnly  bool       `json:"read_only"`
	UpdatedAt time.Time  `json:"updated_at"`
	Link      LinkHealth `json:"link"`

	registers []RegisterState
	byAddr    map[uint16]int
	byKey     map[string]int
}

// Registers returns all register states ordered by address.
func (s *Snapshot) Registers() []RegisterState {
	if s == nil {
		return nil
	}
	out := make([]RegisterState, len(s.registers))
	for i, reg := range s.registers {
		out[i] = reg.clone()
	}
	return out
}

// Register returns the state of the register starting at address.
func (s *Snapshot) Register(address uint16) (RegisterState, bool) {
	if s == nil {
		return RegisterState{}, false
	}
	idx, ok := s.byAddr[address]
	if !ok {
		return RegisterState{}, false
	}
	return s.registers[idx].clone(), true
}

// ByKey returns the state of the register with key, case-insensitively.
func (s *Snapshot) ByKey(key string) (RegisterState, bool) {
	if s == nil {
		return RegisterState{}, false
	}
	idx, ok := s.byKey[strings.ToLower(key)]
	if !ok {
		return RegisterState{}, false
	}
	return s.registers[idx].clone(), true
}

// Values returns the displayed value of every register that has one, keyed by register
// key. Values are float64 so expression rules and JSON consumers can use them directly.
func (s *Snapshot) Values() map[string]float64 {
	out := make(map[string]float64)
	if s == nil {
		return out
	}
	for _, reg := range s.registers {
		if value, ok := reg.Displayed(); ok {
			out[reg.Key] = value.InexactFloat64()
		}
	}
	return out
}

// clone copies the register slice. Lookup maps never change after construction and
// are shared.
func (s *Snapshot) clone() *Snapshot {
	next := *s
	next.registers = make([]RegisterState, len(s.registers))
	copy(next.registers, s.registers)
	return &next
}
