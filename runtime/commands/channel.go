package commands

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/runtime/executor"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/telemetry"
)

// Executor runs one transaction on the line.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
}

// Store tracks the optimistic state of submitted writes.
type Store interface {
	SetPending(address uint16, value decimal.Decimal, commandID string) error
	ConfirmWrite(address uint16, commandID string, seq uint64)
	ClearPending(address uint16, commandID string)
	SetReadOnly(readOnly bool)
}

// Options configures a Channel.
type Options struct {
	ReadOnly    bool
	QueueSize   int
	EventBuffer int
	Telemetry   telemetry.Collector
	Logger      zerolog.Logger
	Now         func() time.Time
}

type queued struct {
	cmd  Command
	desc registers.Descriptor
	raw  []uint16
}

// Channel gates, queues and executes operator commands.
type Channel struct {
	exec     Executor
	store    Store
	regs     *registers.Map
	opts     Options
	readOnly atomic.Bool

	queue   chan queued
	events  chan Event
	emitMu  sync.Mutex
	dropped atomic.Uint64
}

// New returns a channel writing through exec.
func New(exec Executor, store Store, m *registers.Map, opts Options) *Channel {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Logger = opts.Logger.With().Str("component", "commands").Logger()
	c := &Channel{
		exec:   exec,
		store:  store,
		regs:   m,
		opts:   opts,
		queue:  make(chan queued, opts.QueueSize),
		events: make(chan Event, opts.EventBuffer),
	}
	c.readOnly.Store(opts.ReadOnly)
	store.SetReadOnly(opts.ReadOnly)
	return c
}

// Events delivers one event per resolved command. When nobody keeps up, the oldest
// events are discarded.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Dropped returns the number of discarded events.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// ReadOnly reports whether writes are currently gated.
func (c *Channel) ReadOnly() bool {
	return c.readOnly.Load()
}

// SetReadOnly toggles the read-only gate. Commands already queued still execute.
func (c *Channel) SetReadOnly(readOnly bool) {
	c.readOnly.Store(readOnly)
	c.store.SetReadOnly(readOnly)
	c.opts.Logger.Info().Bool("read_only", readOnly).Msg("read-only mode changed")
}

// Submit gates cmd and queues it for execution. It never waits for the line. The
// returned command carries the assigned ID; rejected commands also produce an event.
func (c *Channel) Submit(cmd Command) (Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = c.opts.Now()
	}
	desc, known := c.regs.Lookup(cmd.Target)

	if c.readOnly.Load() {
		c.reject(cmd, desc.Key, OutcomeReadOnlyRejected, ErrReadOnly)
		return cmd, ErrReadOnly
	}

	var raw []uint16
	err := func() error {
		if !known {
			return fmt.Errorf("%w: no register at 0x%04X", ErrInvalid, cmd.Target)
		}
		if !desc.Writable() {
			return fmt.Errorf("%w: register %s is read-only", ErrInvalid, desc.Key)
		}
		var encErr error
		raw, encErr = desc.Encode(cmd.Value)
		if encErr != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, encErr)
		}
		return nil
	}()
	if err != nil {
		c.reject(cmd, desc.Key, OutcomeInvalid, err)
		return cmd, err
	}

	if err := c.store.SetPending(desc.Address, cmd.Value, cmd.ID); err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalid, err)
		c.reject(cmd, desc.Key, OutcomeInvalid, err)
		return cmd, err
	}
	select {
	case c.queue <- queued{cmd: cmd, desc: desc, raw: raw}:
	default:
		c.store.ClearPending(desc.Address, cmd.ID)
		c.reject(cmd, desc.Key, OutcomeBusy, ErrBusy)
		return cmd, ErrBusy
	}
	c.opts.Logger.Debug().
		Str("command", cmd.ID).
		Str("register", desc.Key).
		Str("value", cmd.Value.String()).
		Str("origin", cmd.Origin).
		Msg("command queued")
	return cmd, nil
}

// Run executes queued commands until ctx is done. Commands still queued at shutdown
// resolve as canceled.
func (c *Channel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil
		case item := <-c.queue:
			c.execute(ctx, item)
		}
	}
}

func (c *Channel) execute(ctx context.Context, item queued) {
	res := c.exec.Execute(ctx, executor.WriteRequest{Address: item.desc.Address, Values: item.raw})
	ev := Event{
		Command:       item.cmd,
		Register:      item.desc.Key,
		Outcome:       outcomeOf(res.Kind),
		ExceptionCode: res.ExceptionCode,
		Attempts:      res.Attempts,
		Err:           res.Err,
		At:            c.opts.Now(),
	}
	if ev.Outcome == OutcomeWriteOk {
		c.store.ConfirmWrite(item.desc.Address, item.cmd.ID, res.Seq)
		ev.Err = nil
	} else {
		c.store.ClearPending(item.desc.Address, item.cmd.ID)
	}
	c.emit(ev)
}

func (c *Channel) drain() {
	for {
		select {
		case item := <-c.queue:
			c.store.ClearPending(item.desc.Address, item.cmd.ID)
			c.emit(Event{
				Command:  item.cmd,
				Register: item.desc.Key,
				Outcome:  OutcomeCanceled,
				Err:      context.Canceled,
				At:       c.opts.Now(),
			})
		default:
			return
		}
	}
}

func (c *Channel) reject(cmd Command, key string, outcome Outcome, err error) {
	c.emit(Event{Command: cmd, Register: key, Outcome: outcome, Err: err, At: c.opts.Now()})
}

func (c *Channel) emit(ev Event) {
	c.opts.Telemetry.IncCommand(ev.Outcome.String())
	logEvent := c.opts.Logger.Info()
	if ev.Outcome != OutcomeWriteOk {
		logEvent = c.opts.Logger.Warn().Err(ev.Err)
	}
	logEvent.
		Str("command", ev.Command.ID).
		Str("register", ev.Register).
		Str("outcome", ev.Outcome.String()).
		Msg(ev.Message())

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case old := <-c.events:
			c.dropped.Add(1)
			c.opts.Telemetry.IncEventsDropped("commands")
			c.opts.Logger.Warn().Str("dropped", old.Message()).Msg("command event buffer full, dropping oldest")
		default:
		}
	}
}
