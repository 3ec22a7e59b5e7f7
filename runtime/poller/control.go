package poller

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MinInterval is the shortest poll interval the controller accepts.
const MinInterval = 10 * time.Millisecond

// Mode reports whether the loop ticks on its own.
type Mode string

const (
	ModeRun   Mode = "run"
	ModePause Mode = "pause"
)

// Status describes the loop cadence. NextTick is nil while paused.
type Status struct {
	Mode        Mode       `json:"mode"`
	IntervalMS  int64      `json:"interval_ms"`
	NextTick    *time.Time `json:"next_tick,omitempty"`
	PausedSince *time.Time `json:"paused_since,omitempty"`
	StepQueued  bool       `json:"step_queued"`
}

// Controller schedules poll ticks on a fixed grid: each tick is due one interval after the
// previous due time, so a slow tick does not drift the cadence. Slots missed while a tick
// was outstanding are dropped, never replayed. The first tick after start or resume is due
// at once.
type Controller struct {
	mu       sync.Mutex
	interval time.Duration
	paused   bool
	pausedAt time.Time
	due      time.Time
	step     bool
	wake     chan struct{}
	now      func() time.Time
}

// NewController returns a running controller.
func NewController(interval time.Duration) *Controller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Controller{
		interval: interval,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Wait blocks until the next tick is due and returns its time.
func (c *Controller) Wait(ctx context.Context) (time.Time, error) {
	for {
		c.mu.Lock()
		now := c.now()
		if c.step {
			c.step = false
			c.mu.Unlock()
			return now, nil
		}
		var timer <-chan time.Time
		var stop func() bool
		if !c.paused {
			if c.due.IsZero() || !now.Before(c.due) {
				c.advance(now)
				c.mu.Unlock()
				return now, nil
			}
			t := time.NewTimer(c.due.Sub(now))
			timer, stop = t.C, t.Stop
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			if stop != nil {
				stop()
			}
			return time.Time{}, ctx.Err()
		case <-timer:
		case <-c.wake:
			if stop != nil {
				stop()
			}
		}
	}
}

// advance moves the due time past now. Callers hold mu.
func (c *Controller) advance(now time.Time) {
	if c.due.IsZero() {
		c.due = now
	}
	missed := now.Sub(c.due) / c.interval
	c.due = c.due.Add((missed + 1) * c.interval)
}

// Pause stops scheduled ticks. Step still polls once.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.pausedAt = c.now()
	c.signal()
}

// Resume restarts scheduled ticks with an immediate poll.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	c.pausedAt = time.Time{}
	c.due = time.Time{}
	c.signal()
}

// Step requests one poll now. The mode is unchanged: while running it pulls the next
// tick forward, while paused it is the only way to poll.
func (c *Controller) Step() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = true
	c.signal()
}

// SetInterval changes the cadence. The next tick is rescheduled one new interval after
// the last one.
func (c *Controller) SetInterval(d time.Duration) error {
	if d < MinInterval {
		return fmt.Errorf("poll interval %s below minimum %s", d, MinInterval)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval == d {
		return nil
	}
	if !c.due.IsZero() {
		c.due = c.due.Add(d - c.interval)
	}
	c.interval = d
	c.signal()
	return nil
}

// Interval returns the tick interval.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Paused reports whether scheduled ticks are stopped.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Status returns the current cadence.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		Mode:       ModeRun,
		IntervalMS: c.interval.Milliseconds(),
		StepQueued: c.step,
	}
	if c.paused {
		status.Mode = ModePause
		since := c.pausedAt
		status.PausedSince = &since
	} else if !c.due.IsZero() {
		next := c.due
		status.NextTick = &next
	}
	return status
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
