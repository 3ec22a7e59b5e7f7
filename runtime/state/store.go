package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/runtime/registers"
)

// ErrUnknownRegister reports an address that is not part of the register map.
var ErrUnknownRegister = errors.New("state: unknown register")

// Store is the single writer of device state. All methods are safe for concurrent use;
// mutations are serialized and each one publishes a new snapshot.
type Store struct {
	mu          sync.Mutex
	current     atomic.Pointer[Snapshot]
	descriptors map[uint16]registers.Descriptor
	notify      chan struct{}
	now         func() time.Time
}

// NewStore returns a store with one empty entry per register of m.
func NewStore(m *registers.Map, readOnly bool) *Store {
	descs := m.Descriptors()
	snap := &Snapshot{
		Model:     m.Model(),
		ReadOnly:  readOnly,
		registers: make([]RegisterState, len(descs)),
		byAddr:    make(map[uint16]int, len(descs)),
		byKey:     make(map[string]int, len(descs)),
	}
	s := &Store{
		descriptors: make(map[uint16]registers.Descriptor, len(descs)),
		notify:      make(chan struct{}, 1),
		now:         time.Now,
	}
	for i, desc := range descs {
		snap.registers[i] = RegisterState{
			Address:  desc.Address,
			Key:      desc.Key,
			Name:     desc.Name,
			Unit:     desc.Unit,
			Writable: desc.Writable(),
		}
		snap.byAddr[desc.Address] = i
		snap.byKey[strings.ToLower(desc.Key)] = i
		s.descriptors[desc.Address] = desc
	}
	snap.UpdatedAt = s.now()
	s.current.Store(snap)
	return s
}

// Snapshot returns the latest published snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Updates signals after a new snapshot has been published. Signals coalesce; readers
// should load the latest snapshot on every receive.
func (s *Store) Updates() <-chan struct{} {
	return s.notify
}

// Link returns the current link health.
func (s *Store) Link() LinkHealth {
	return s.current.Load().Link
}

// ApplyRead applies the words of one successful read starting at start. Every register
// that lies completely inside the read is updated and un-staled in the same snapshot.
// Results older than the last applied transaction for a register are ignored. It returns
// the number of registers updated.
func (s *Store) ApplyRead(seq uint64, start uint16, words []uint16, at time.Time) int {
	end := int(start) + len(words)
	updated := 0
	s.update(func(next *Snapshot) bool {
		for i := range next.registers {
			reg := &next.registers[i]
			desc := s.descriptors[reg.Address]
			if int(desc.Address) < int(start) || int(desc.Address)+desc.Width > end {
				continue
			}
			if seq < reg.lastSeq {
				continue
			}
			offset := int(desc.Address) - int(start)
			raw := append([]uint16(nil), words[offset:offset+desc.Width]...)
			value, err := desc.Decode(raw)
			if err != nil {
				continue
			}
			reg.Value = value
			reg.Raw = raw
			reg.HasValue = true
			reg.LastUpdated = at
			reg.Stale = false
			reg.lastSeq = seq
			if reg.Pending && reg.confirmAfter > 0 && seq > reg.confirmAfter {
				reg.Pending = false
				reg.PendingValue = decimal.Decimal{}
				reg.CommandID = ""
				reg.confirmAfter = 0
			}
			updated++
		}
		return updated > 0
	})
	return updated
}

// MarkStale flags the registers at addresses as stale. Values are kept.
func (s *Store) MarkStale(addresses ...uint16) {
	s.update(func(next *Snapshot) bool {
		changed := false
		for _, addr := range addresses {
			idx, ok := next.byAddr[addr]
			if !ok || next.registers[idx].Stale {
				continue
			}
			next.registers[idx].Stale = true
			changed = true
		}
		return changed
	})
}

// SetPending records an optimistic write of value issued by command commandID.
func (s *Store) SetPending(address uint16, value decimal.Decimal, commandID string) error {
	var err error
	s.update(func(next *Snapshot) bool {
		idx, ok := next.byAddr[address]
		if !ok {
			err = fmt.Errorf("%w: 0x%04X", ErrUnknownRegister, address)
			return false
		}
		reg := &next.registers[idx]
		reg.Pending = true
		reg.PendingValue = value
		reg.CommandID = commandID
		reg.confirmAfter = 0
		return true
	})
	return err
}

// ConfirmWrite records that the write of commandID succeeded as transaction seq. The
// pending flag clears with the first read applied after seq.
func (s *Store) ConfirmWrite(address uint16, commandID string, seq uint64) {
	s.update(func(next *Snapshot) bool {
		idx, ok := next.byAddr[address]
		if !ok {
			return false
		}
		reg := &next.registers[idx]
		if reg.CommandID != commandID || !reg.Pending {
			return false
		}
		if reg.lastSeq > seq {
			// A read already overtook the write result.
			reg.Pending = false
			reg.PendingValue = decimal.Decimal{}
			reg.CommandID = ""
			reg.confirmAfter = 0
			return true
		}
		reg.confirmAfter = seq
		return true
	})
}

// ClearPending drops the optimistic value of commandID, reverting the register to its
// last confirmed value. A newer command on the same register is left untouched.
func (s *Store) ClearPending(address uint16, commandID string) {
	s.update(func(next *Snapshot) bool {
		idx, ok := next.byAddr[address]
		if !ok {
			return false
		}
		reg := &next.registers[idx]
		if !reg.Pending || reg.CommandID != commandID {
			return false
		}
		reg.Pending = false
		reg.PendingValue = decimal.Decimal{}
		reg.CommandID = ""
		reg.confirmAfter = 0
		return true
	})
}

// RecordTransaction folds one transaction outcome into the link health. A nil err is a
// success. It returns the updated health.
func (s *Store) RecordTransaction(at time.Time, err error) LinkHealth {
	var link LinkHealth
	s.update(func(next *Snapshot) bool {
		next.Link.Transactions++
		if err == nil {
			next.Link.ConsecutiveFailures = 0
			next.Link.LastSuccessAt = at
		} else {
			next.Link.ConsecutiveFailures++
			next.Link.TotalFailures++
			next.Link.LastFailureAt = at
			next.Link.LastError = err.Error()
		}
		link = next.Link
		return true
	})
	return link
}

// SetReadOnly updates the read-only flag shown to presentation layers.
func (s *Store) SetReadOnly(readOnly bool) {
	s.update(func(next *Snapshot) bool {
		if next.ReadOnly == readOnly {
			return false
		}
		next.ReadOnly = readOnly
		return true
	})
}

func (s *Store) update(fn func(next *Snapshot) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current.Load()
	next := cur.clone()
	if !fn(next) {
		return
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	s.current.Store(next)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
