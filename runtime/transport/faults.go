package transport

import (
	mathrand "math/rand"
	"sync"
	"time"
)

// faultSource decides which simulated exchanges fail. It is deterministic for a fixed seed.
type faultSource struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

func newFaultSource(seed *int64) *faultSource {
	var src mathrand.Source
	if seed != nil {
		src = mathrand.NewSource(*seed)
	} else {
		src = mathrand.NewSource(time.Now().UnixNano())
	}
	return &faultSource{rng: mathrand.New(src)}
}

// hit reports true with probability rate.
func (f *faultSource) hit(rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64() < rate
}
