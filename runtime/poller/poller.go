// Package poller refreshes the device state on a fixed cadence.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/timzifer/fumewatch/runtime/executor"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
	"github.com/timzifer/fumewatch/telemetry"
)

// Executor runs one transaction on the line.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
}

// Store receives the outcome of every read.
type Store interface {
	ApplyRead(seq uint64, start uint16, words []uint16, at time.Time) int
	MarkStale(addresses ...uint16)
	Snapshot() *state.Snapshot
}

// Options configures a Poller.
type Options struct {
	Interval    time.Duration
	MaxGap      uint16
	MaxQuantity uint16
	// DisconnectAfter is the number of consecutive failures after which the link counts
	// as down and ticks are thinned out.
	DisconnectAfter uint32
	BackoffMax      time.Duration
	Telemetry       telemetry.Collector
	Logger          zerolog.Logger
}

// TickResult summarizes one poll tick.
type TickResult struct {
	Blocks  int
	Applied int
	// Failure is the first failed read of the tick, nil when every block succeeded.
	Failure *executor.Result
}

// Poller issues the batched reads of a register map.
type Poller struct {
	exec    Executor
	store   Store
	blocks  []registers.Block
	opts    Options
	control *Controller

	busy    atomic.Bool
	ticks   atomic.Uint64
	skipped atomic.Uint64

	// Owned by the Run goroutine.
	retry       *backoff.Backoff
	nextAttempt time.Time
}

// New plans the reads for m and returns a poller feeding store.
func New(exec Executor, store Store, m *registers.Map, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.DisconnectAfter == 0 {
		opts.DisconnectAfter = 3
	}
	if opts.BackoffMax < opts.Interval {
		opts.BackoffMax = opts.Interval
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	opts.Logger = opts.Logger.With().Str("component", "poller").Logger()
	return &Poller{
		exec:    exec,
		store:   store,
		blocks:  m.Plan(opts.MaxGap, opts.MaxQuantity),
		opts:    opts,
		control: NewController(opts.Interval),
		retry: &backoff.Backoff{
			Min:    opts.Interval,
			Max:    opts.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Blocks returns the planned reads of one tick.
func (p *Poller) Blocks() []registers.Block {
	out := make([]registers.Block, len(p.blocks))
	copy(out, p.blocks)
	return out
}

// Control exposes run, pause, step and interval control.
func (p *Poller) Control() *Controller {
	return p.control
}

// Stats returns the number of started and skipped ticks.
func (p *Poller) Stats() (ticks, skipped uint64) {
	return p.ticks.Load(), p.skipped.Load()
}

// Run ticks until ctx is done. A tick that fires while the previous one is still
// outstanding is skipped, never queued.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	p.opts.Logger.Info().
		Int("blocks", len(p.blocks)).
		Dur("interval", p.control.Interval()).
		Msg("poll loop started")
	for {
		now, err := p.control.Wait(ctx)
		if err != nil {
			p.opts.Logger.Info().Msg("poll loop stopped")
			return nil
		}
		if p.throttled(now) {
			continue
		}
		if !p.busy.CompareAndSwap(false, true) {
			p.skipped.Add(1)
			p.opts.Telemetry.IncSkippedTick()
			p.opts.Logger.Debug().Msg("previous tick outstanding, skipping")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.busy.Store(false)
			p.Tick(ctx)
		}()
	}
}

// throttled thins out ticks while the link is down. The first tick after the link
// drops goes through, later ones are spaced by an exponential backoff.
func (p *Poller) throttled(now time.Time) bool {
	link := p.store.Snapshot().Link
	if !link.Disconnected(p.opts.DisconnectAfter) {
		if p.retry.Attempt() > 0 {
			p.opts.Logger.Info().Msg("link restored, resuming regular polling")
		}
		p.retry.Reset()
		p.nextAttempt = time.Time{}
		return false
	}
	if now.Before(p.nextAttempt) {
		return true
	}
	wait := p.retry.Duration()
	p.nextAttempt = now.Add(wait)
	p.opts.Logger.Debug().
		Uint32("consecutive_failures", link.ConsecutiveFailures).
		Dur("next_attempt_in", wait).
		Msg("link down, polling with backoff")
	return false
}

// Tick runs one poll pass synchronously. The first transport failure ends the pass: the
// failed block and all blocks not yet read are marked stale, so link health moves by
// one per tick. A rejected read only stales its own block.
func (p *Poller) Tick(ctx context.Context) TickResult {
	p.ticks.Add(1)
	result := TickResult{Blocks: len(p.blocks)}
	defer p.publish()
	for i, block := range p.blocks {
		res := p.exec.Execute(ctx, executor.ReadRequest{Start: block.Start, Quantity: block.Quantity})
		switch {
		case res.Kind == executor.KindReadOk:
			result.Applied += p.store.ApplyRead(res.Seq, block.Start, res.Values, res.Started.Add(res.Duration))
		case res.Kind == executor.KindCanceled:
			return result
		case res.Kind == executor.KindNak:
			p.store.MarkStale(block.Registers...)
			if result.Failure == nil {
				result.Failure = &res
			}
			p.opts.Logger.Warn().
				Uint16("start", block.Start).
				Uint16("quantity", block.Quantity).
				Str("exception", executor.ExceptionName(res.ExceptionCode)).
				Msg("device rejected poll read")
		default:
			for _, pending := range p.blocks[i:] {
				p.store.MarkStale(pending.Registers...)
			}
			result.Failure = &res
			p.opts.Logger.Warn().
				Err(res.Err).
				Uint16("start", block.Start).
				Str("outcome", res.Kind.String()).
				Int("skipped_blocks", len(p.blocks)-i-1).
				Msg("poll read failed")
			return result
		}
	}
	return result
}

func (p *Poller) publish() {
	for _, reg := range p.store.Snapshot().Registers() {
		if !reg.HasValue {
			continue
		}
		p.opts.Telemetry.SetRegister(reg.Key, reg.Value.InexactFloat64(), reg.Stale)
	}
}
