package service

import (
	"sync"

	"github.com/timzifer/fumewatch/runtime/commands"
)

// hub fans store updates and command events out to any number of subscribers. Each
// subscriber owns its buffer, so a slow console never starves the alert monitor.
type hub struct {
	mu          sync.Mutex
	updates     []chan struct{}
	events      []chan commands.Event
	eventBuffer int
	recent      []commands.Event
	recentSize  int
}

func newHub(eventBuffer, recentSize int) *hub {
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	if recentSize <= 0 {
		recentSize = 32
	}
	return &hub{eventBuffer: eventBuffer, recentSize: recentSize}
}

func (h *hub) subscribeUpdates() <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.updates = append(h.updates, ch)
	h.mu.Unlock()
	return ch
}

func (h *hub) subscribeEvents() <-chan commands.Event {
	ch := make(chan commands.Event, h.eventBuffer)
	h.mu.Lock()
	h.events = append(h.events, ch)
	h.mu.Unlock()
	return ch
}

func (h *hub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.updates {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// publish hands ev to every subscriber and returns how many older events had to be
// discarded to make room.
func (h *hub) publish(ev commands.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, ev)
	if len(h.recent) > h.recentSize {
		h.recent = h.recent[len(h.recent)-h.recentSize:]
	}
	dropped := 0
	for _, ch := range h.events {
		if !offer(ch, ev) {
			dropped++
		}
	}
	return dropped
}

func (h *hub) recentEvents() []commands.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]commands.Event(nil), h.recent...)
}

// offer sends ev without blocking, discarding the oldest buffered event when ch is full.
// It reports false when something was discarded.
func offer(ch chan commands.Event, ev commands.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
	return false
}
