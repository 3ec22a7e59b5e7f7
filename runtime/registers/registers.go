package registers

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Access describes whether a register may be written by the operator.
type Access int

const (
	// AccessRead marks registers that are only ever polled.
	AccessRead Access = iota
	// AccessReadWrite marks registers that accept operator writes.
	AccessReadWrite
)

func (a Access) String() string {
	if a == AccessReadWrite {
		return "rw"
	}
	return "r"
}

// ParseAccess maps configuration strings to an Access value.
func ParseAccess(value string) (Access, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "r", "read", "ro":
		return AccessRead, nil
	case "rw", "readwrite", "read_write", "write":
		return AccessReadWrite, nil
	default:
		return AccessRead, fmt.Errorf("unsupported access mode %q", value)
	}
}

// Descriptor describes one addressable device register. Descriptors are immutable
// once a Map has been built from them.
type Descriptor struct {
	Address uint16
	// Width is the number of consecutive 16 bit words, 1 or 2.
	Width  int
	Access Access
	Key    string
	Name   string
	Unit   string
	// Scale converts raw counts to engineering values. Zero means 1.
	Scale  decimal.Decimal
	Signed bool
	// WordSwap stores the low word first for two word registers.
	WordSwap bool
	Min      *decimal.Decimal
	Max      *decimal.Decimal
}

// End returns the last word address occupied by the register.
func (d Descriptor) End() uint16 {
	return d.Address + uint16(d.Width) - 1
}

// Writable reports whether operator commands may target the register.
func (d Descriptor) Writable() bool {
	return d.Access == AccessReadWrite
}

func (d Descriptor) scale() decimal.Decimal {
	if d.Scale.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d.Scale
}

// Decode converts raw register words into an engineering value.
func (d Descriptor) Decode(raw []uint16) (decimal.Decimal, error) {
	if len(raw) != d.Width {
		return decimal.Decimal{}, fmt.Errorf("register %s: expected %d words, got %d", d.Key, d.Width, len(raw))
	}
	var counts int64
	switch d.Width {
	case 1:
		if d.Signed {
			counts = int64(int16(raw[0]))
		} else {
			counts = int64(raw[0])
		}
	case 2:
		hi, lo := raw[0], raw[1]
		if d.WordSwap {
			hi, lo = lo, hi
		}
		combined := uint32(hi)<<16 | uint32(lo)
		if d.Signed {
			counts = int64(int32(combined))
		} else {
			counts = int64(combined)
		}
	default:
		return decimal.Decimal{}, fmt.Errorf("register %s: unsupported width %d", d.Key, d.Width)
	}
	return decimal.NewFromInt(counts).Mul(d.scale()), nil
}

// Encode converts an engineering value into raw register words. Values outside the
// configured bounds or the word range are rejected.
func (d Descriptor) Encode(value decimal.Decimal) ([]uint16, error) {
	if d.Min != nil && value.LessThan(*d.Min) {
		return nil, fmt.Errorf("register %s: value %s below minimum %s", d.Key, value, d.Min)
	}
	if d.Max != nil && value.GreaterThan(*d.Max) {
		return nil, fmt.Errorf("register %s: value %s above maximum %s", d.Key, value, d.Max)
	}
	counts := value.Div(d.scale()).Round(0).IntPart()
	switch d.Width {
	case 1:
		if d.Signed {
			if counts < math.MinInt16 || counts > math.MaxInt16 {
				return nil, fmt.Errorf("register %s: value %s out of range for int16", d.Key, value)
			}
			return []uint16{uint16(int16(counts))}, nil
		}
		if counts < 0 || counts > math.MaxUint16 {
			return nil, fmt.Errorf("register %s: value %s out of range for uint16", d.Key, value)
		}
		return []uint16{uint16(counts)}, nil
	case 2:
		var combined uint32
		if d.Signed {
			if counts < math.MinInt32 || counts > math.MaxInt32 {
				return nil, fmt.Errorf("register %s: value %s out of range for int32", d.Key, value)
			}
			combined = uint32(int32(counts))
		} else {
			if counts < 0 || counts > math.MaxUint32 {
				return nil, fmt.Errorf("register %s: value %s out of range for uint32", d.Key, value)
			}
			combined = uint32(counts)
		}
		hi, lo := uint16(combined>>16), uint16(combined)
		if d.WordSwap {
			return []uint16{lo, hi}, nil
		}
		return []uint16{hi, lo}, nil
	default:
		return nil, fmt.Errorf("register %s: unsupported width %d", d.Key, d.Width)
	}
}

// Clamp limits value to the descriptor bounds.
func (d Descriptor) Clamp(value decimal.Decimal) decimal.Decimal {
	if d.Min != nil && value.LessThan(*d.Min) {
		return *d.Min
	}
	if d.Max != nil && value.GreaterThan(*d.Max) {
		return *d.Max
	}
	return value
}
