// Package history keeps short in-memory trends of selected registers.
package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/fumewatch/runtime/state"
)

// Sample is one recorded value.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Ring is a fixed capacity buffer that overwrites its oldest sample.
type Ring struct {
	samples []Sample
	next    int
	full    bool
}

// NewRing returns an empty ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{samples: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when the ring is full.
func (r *Ring) Push(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of stored samples.
func (r *Ring) Len() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// Samples returns the stored samples, oldest first.
func (r *Ring) Samples() []Sample {
	if !r.full {
		return append([]Sample(nil), r.samples[:r.next]...)
	}
	out := make([]Sample, 0, len(r.samples))
	out = append(out, r.samples[r.next:]...)
	return append(out, r.samples[:r.next]...)
}

// Recorder samples the configured registers from every new snapshot. A register is
// recorded only when a read refreshed it, so stale values never enter the trend.
type Recorder struct {
	mu    sync.RWMutex
	rings map[string]*Ring
	last  map[string]time.Time
	keys  []string
}

// NewRecorder returns a recorder for keys with capacity samples each.
func NewRecorder(keys []string, capacity int) *Recorder {
	r := &Recorder{
		rings: make(map[string]*Ring, len(keys)),
		last:  make(map[string]time.Time, len(keys)),
	}
	for _, key := range keys {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, dup := r.rings[key]; dup {
			continue
		}
		r.rings[key] = NewRing(capacity)
		r.keys = append(r.keys, key)
	}
	return r
}

// Keys returns the recorded register keys.
func (r *Recorder) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Observe records the registers of snap that were updated since the last observation.
func (r *Recorder) Observe(snap *state.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ring := range r.rings {
		reg, ok := snap.ByKey(key)
		if !ok || !reg.HasValue || reg.Stale {
			continue
		}
		if !reg.LastUpdated.After(r.last[key]) {
			continue
		}
		r.last[key] = reg.LastUpdated
		ring.Push(Sample{At: reg.LastUpdated, Value: reg.Value.InexactFloat64()})
	}
}

// Series returns the samples of key, oldest first.
func (r *Recorder) Series(key string) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring, ok := r.rings[strings.ToLower(key)]
	if !ok {
		return nil
	}
	return ring.Samples()
}

// All returns every series keyed by register key.
func (r *Recorder) All() map[string][]Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Sample, len(r.rings))
	for key, ring := range r.rings {
		out[key] = ring.Samples()
	}
	return out
}

// Run observes every snapshot signalled by updates until ctx is done.
func (r *Recorder) Run(ctx context.Context, updates <-chan struct{}, load func() *state.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			r.Observe(load())
		}
	}
}
