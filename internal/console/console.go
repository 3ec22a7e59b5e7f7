// Package console is a line-oriented operator console for the engine.
//
// Each input line is one command. The console renders snapshots as plain text and
// prints command outcomes and alert changes as they arrive.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/fumewatch/runtime/alerts"
	"github.com/timzifer/fumewatch/runtime/commands"
	"github.com/timzifer/fumewatch/runtime/history"
	"github.com/timzifer/fumewatch/runtime/registers"
	"github.com/timzifer/fumewatch/runtime/state"
)

const origin = "console"

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("console: quit")

// Engine is the part of the service the console drives.
type Engine interface {
	Snapshot() *state.Snapshot
	Submit(cmd commands.Command) (commands.Command, error)
	Events() <-chan commands.Event
	AlertChanges() <-chan alerts.Alert
	Alerts() []alerts.Alert
	History() map[string][]history.Sample
	ReadOnly() bool
	SetReadOnly(readOnly bool)
	Registers() *registers.Map
	Disconnected() bool
}

// Console reads commands from in and writes to out.
type Console struct {
	in     io.Reader
	out    io.Writer
	logger zerolog.Logger
	mu     sync.Mutex

	engineMu sync.RWMutex
	engine   Engine
	swapped  chan struct{}
}

// New returns a console for engine.
func New(engine Engine, in io.Reader, out io.Writer, logger zerolog.Logger) *Console {
	return &Console{
		engine:  engine,
		in:      in,
		out:     out,
		logger:  logger.With().Str("component", "console").Logger(),
		swapped: make(chan struct{}, 1),
	}
}

// SetEngine points the console at a new engine, for example after a configuration reload.
func (c *Console) SetEngine(engine Engine) {
	c.engineMu.Lock()
	c.engine = engine
	c.engineMu.Unlock()
	select {
	case c.swapped <- struct{}{}:
	default:
	}
}

func (c *Console) current() Engine {
	c.engineMu.RLock()
	defer c.engineMu.RUnlock()
	return c.engine
}

// Run processes input lines until ctx is done, the input ends or quit is entered. It
// returns io.EOF when the input ends and nil after quit or cancellation.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.notifications(ctx)
	}()
	defer wg.Wait()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("fumewatch console, type help for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == nil {
				return io.EOF
			}
			return err
		case line := <-lines:
			if err := c.Execute(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *Console) notifications(ctx context.Context) {
	engine := c.current()
	events := engine.Events()
	changes := engine.AlertChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.swapped:
			engine = c.current()
			events = engine.Events()
			changes = engine.AlertChanges()
		case ev := <-events:
			c.printf("%s %s\n", ev.At.Format(time.TimeOnly), ev.Message())
		case alert := <-changes:
			if alert.Active {
				c.printf("ALERT [%s] %s\n", alert.Severity, alert.Message)
			} else {
				c.printf("cleared [%s] %s\n", alert.Severity, alert.Message)
			}
		}
	}
}

// Execute runs one console command line.
func (c *Console) Execute(line string) error {
	engine := c.current()
	submit := c.submitTo(engine)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	switch name {
	case "help", "?":
		c.printf("%s", helpText)
		return nil
	case "quit", "exit", "q":
		return ErrQuit
	case "status", "s":
		c.printStatus(engine)
		return nil
	case "toggle", "t", "power":
		return submit(commands.PowerToggle(engine.Snapshot()))
	case "+", "up":
		return submit(commands.AdjustTargetFlow(engine.Snapshot(), stepArg(args, 1)))
	case "-", "down":
		return submit(commands.AdjustTargetFlow(engine.Snapshot(), -stepArg(args, 1)))
	case "set":
		if len(args) != 1 {
			return errors.New("usage: set <flow>")
		}
		value, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid flow %q", args[0])
		}
		return submit(commands.SetTargetFlow(engine.Snapshot(), value))
	case "write":
		if len(args) != 2 {
			return errors.New("usage: write <register> <value>")
		}
		target, err := resolve(engine, args[0])
		if err != nil {
			return err
		}
		value, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("invalid value %q", args[1])
		}
		return submit(commands.Command{Target: target, Value: value}, nil)
	case "read-only", "ro":
		readOnly := !engine.ReadOnly()
		if len(args) == 1 {
			parsed, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("invalid flag %q", args[0])
			}
			readOnly = parsed
		}
		engine.SetReadOnly(readOnly)
		c.printf("read-only %s\n", onOff(readOnly))
		return nil
	case "alerts":
		c.printAlerts(engine)
		return nil
	case "history", "h":
		c.printHistory(engine, args)
		return nil
	default:
		return fmt.Errorf("unknown command %q, type help", name)
	}
}

// submitTo returns a function that hands intent results to engine. Gate rejections are
// not console errors; the outcome event reports them.
func (c *Console) submitTo(engine Engine) func(commands.Command, error) error {
	return func(cmd commands.Command, err error) error {
		if err != nil {
			return err
		}
		cmd.Origin = origin
		accepted, err := engine.Submit(cmd)
		if err != nil {
			c.logger.Debug().Err(err).Msg("command rejected")
			return nil
		}
		c.logger.Debug().Str("command", accepted.ID).Msg("command submitted")
		return nil
	}
}

func resolve(engine Engine, ref string) (uint16, error) {
	if desc, ok := engine.Registers().ByKey(ref); ok {
		return desc.Address, nil
	}
	addr, err := strconv.ParseUint(ref, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown register %q", ref)
	}
	return uint16(addr), nil
}

func stepArg(args []string, fallback int64) int64 {
	if len(args) == 0 {
		return fallback
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func (c *Console) printStatus(engine Engine) {
	snap := engine.Snapshot()
	link := "connected"
	switch {
	case engine.Disconnected():
		link = fmt.Sprintf("DISCONNECTED (%d failures, %s)", snap.Link.ConsecutiveFailures, snap.Link.LastError)
	case !snap.Link.HasSucceeded():
		link = "connecting"
	}
	c.printf("%s  link %s  read-only %s\n", snap.Model, link, onOff(snap.ReadOnly))
	for _, reg := range snap.Registers() {
		c.printf("  0x%04X %-10s %s\n", reg.Address, reg.Name, formatRegister(reg))
	}
}

// formatRegister renders a value with its unit and flags: an asterisk marks a pending
// write, a question mark a stale value and dashes a register never read.
func formatRegister(reg state.RegisterState) string {
	value, ok := reg.Displayed()
	if !ok {
		return "--"
	}
	text := value.String()
	if reg.Unit != "" {
		text += " " + reg.Unit
	}
	if reg.Pending {
		text += " *"
	}
	if reg.Stale {
		text += " ?"
	}
	return text
}

func (c *Console) printAlerts(engine Engine) {
	active := engine.Alerts()
	if len(active) == 0 {
		c.printf("no active alerts\n")
		return
	}
	for _, alert := range active {
		c.printf("  [%s] %s since %s\n", alert.Severity, alert.Message, alert.Since.Format(time.TimeOnly))
	}
}

func (c *Console) printHistory(engine Engine, args []string) {
	all := engine.History()
	keys := make([]string, 0, len(all))
	for key := range all {
		if len(args) > 0 && !strings.EqualFold(args[0], key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		c.printf("no history\n")
		return
	}
	for _, key := range keys {
		samples := all[key]
		if len(samples) == 0 {
			c.printf("  %-10s --\n", key)
			continue
		}
		lo, hi := samples[0].Value, samples[0].Value
		for _, s := range samples {
			if s.Value < lo {
				lo = s.Value
			}
			if s.Value > hi {
				hi = s.Value
			}
		}
		last := samples[len(samples)-1].Value
		c.printf("  %-10s last %g  min %g  max %g  (%d samples)\n", key, last, lo, hi, len(samples))
	}
}

func (c *Console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

const helpText = `commands:
  status | s              show all registers
  toggle | t              switch the extractor on or off
  + [n] | - [n]           raise or lower the target flow
  set <flow>              set the target flow (0..50)
  write <register> <v>    write a register by key or address
  read-only [true|false]  toggle or set read-only mode
  alerts                  list active alerts
  history [key]           summarize recorded trends
  quit                    leave the console
`
