package registers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/internal/config"
)

// Map is the immutable register table of one device model.
type Map struct {
	model   string
	ordered []Descriptor
	byAddr  map[uint16]int
	byKey   map[string]int
}

// Block is one contiguous FC03 read covering a set of registers.
type Block struct {
	Start     uint16
	Quantity  uint16
	Registers []uint16
}

// End returns the last word address covered by the block.
func (b Block) End() uint16 {
	return b.Start + b.Quantity - 1
}

// New validates descriptors and builds a map. Registers must not overlap and keys
// must be unique.
func New(model string, descriptors []Descriptor) (*Map, error) {
	ordered := make([]Descriptor, len(descriptors))
	copy(ordered, descriptors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Address < ordered[j].Address
	})
	m := &Map{
		model:   model,
		ordered: ordered,
		byAddr:  make(map[uint16]int, len(ordered)),
		byKey:   make(map[string]int, len(ordered)),
	}
	for i, desc := range ordered {
		if desc.Key == "" {
			return nil, fmt.Errorf("register at 0x%04X: key is required", desc.Address)
		}
		if desc.Width != 1 && desc.Width != 2 {
			return nil, fmt.Errorf("register %s: width %d must be 1 or 2", desc.Key, desc.Width)
		}
		if int(desc.Address)+desc.Width-1 > 0xFFFF {
			return nil, fmt.Errorf("register %s: exceeds the address space", desc.Key)
		}
		if i > 0 && ordered[i-1].End() >= desc.Address {
			return nil, fmt.Errorf("register %s at 0x%04X overlaps %s", desc.Key, desc.Address, ordered[i-1].Key)
		}
		key := strings.ToLower(desc.Key)
		if _, dup := m.byKey[key]; dup {
			return nil, fmt.Errorf("register key %s declared twice", desc.Key)
		}
		m.byAddr[desc.Address] = i
		m.byKey[key] = i
	}
	return m, nil
}

// Model returns the device model the map describes.
func (m *Map) Model() string {
	return m.model
}

// Lookup returns the descriptor starting at address.
func (m *Map) Lookup(address uint16) (Descriptor, bool) {
	idx, ok := m.byAddr[address]
	if !ok {
		return Descriptor{}, false
	}
	return m.ordered[idx], true
}

// ByKey returns the descriptor with the given key, case-insensitively.
func (m *Map) ByKey(key string) (Descriptor, bool) {
	idx, ok := m.byKey[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Descriptor{}, false
	}
	return m.ordered[idx], true
}

// Descriptors returns all registers ordered by address.
func (m *Map) Descriptors() []Descriptor {
	out := make([]Descriptor, len(m.ordered))
	copy(out, m.ordered)
	return out
}

// Plan batches the map into the fewest FC03 reads. Neighbouring registers are merged
// while the hole between them is at most maxGap words and the read stays within
// maxQuantity words.
func (m *Map) Plan(maxGap, maxQuantity uint16) []Block {
	if len(m.ordered) == 0 {
		return nil
	}
	if maxQuantity == 0 || maxQuantity > 125 {
		maxQuantity = 125
	}
	blocks := make([]Block, 0, 1)
	current := Block{Start: m.ordered[0].Address, Quantity: uint16(m.ordered[0].Width), Registers: []uint16{m.ordered[0].Address}}
	for _, desc := range m.ordered[1:] {
		gap := int(desc.Address) - int(current.End()) - 1
		span := int(desc.End()) - int(current.Start) + 1
		if gap <= int(maxGap) && span <= int(maxQuantity) {
			current.Quantity = uint16(span)
			current.Registers = append(current.Registers, desc.Address)
			continue
		}
		blocks = append(blocks, current)
		current = Block{Start: desc.Address, Quantity: uint16(desc.Width), Registers: []uint16{desc.Address}}
	}
	return append(blocks, current)
}

// Build returns the built-in table of the configured model with configuration overrides
// applied. An override replaces the built-in register with the same key or address.
func Build(device config.DeviceConfig, overrides []config.RegisterConfig) (*Map, error) {
	base, err := Builtin(device.Model)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return New(device.Model, base)
	}
	merged := make([]Descriptor, 0, len(base)+len(overrides))
	replaced := make(map[int]struct{})
	extra := make([]Descriptor, 0, len(overrides))
	for _, cfg := range overrides {
		desc, err := fromConfig(cfg)
		if err != nil {
			return nil, err
		}
		for i, b := range base {
			if strings.EqualFold(b.Key, desc.Key) || b.Address == desc.Address {
				replaced[i] = struct{}{}
			}
		}
		extra = append(extra, desc)
	}
	for i, b := range base {
		if _, ok := replaced[i]; ok {
			continue
		}
		merged = append(merged, b)
	}
	return New(device.Model, append(merged, extra...))
}

func fromConfig(cfg config.RegisterConfig) (Descriptor, error) {
	access, err := ParseAccess(cfg.Access)
	if err != nil {
		return Descriptor{}, fmt.Errorf("register %s: %w", cfg.Key, err)
	}
	desc := Descriptor{
		Address:  cfg.Address,
		Width:    cfg.Width,
		Access:   access,
		Key:      cfg.Key,
		Name:     cfg.Name,
		Unit:     cfg.Unit,
		Signed:   cfg.Signed,
		WordSwap: cfg.WordSwap,
	}
	if desc.Width == 0 {
		desc.Width = 1
	}
	if desc.Name == "" {
		desc.Name = cfg.Key
	}
	if cfg.Scale != "" {
		scale, err := decimal.NewFromString(cfg.Scale)
		if err != nil {
			return Descriptor{}, fmt.Errorf("register %s: parse scale: %w", cfg.Key, err)
		}
		desc.Scale = scale
	}
	if cfg.Min != nil {
		v := decimal.NewFromFloat(*cfg.Min)
		desc.Min = &v
	}
	if cfg.Max != nil {
		v := decimal.NewFromFloat(*cfg.Max)
		desc.Max = &v
	}
	return desc, nil
}
