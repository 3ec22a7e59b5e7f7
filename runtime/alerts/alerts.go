// Package alerts evaluates operator alert rules against device snapshots.
//
// Rules are expr-lang expressions. The environment exposes every confirmed register value by key,
// a stale map keyed the same way, link health under link and the read_only flag.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/fumewatch/internal/config"
	"github.com/timzifer/fumewatch/runtime/state"
	"github.com/timzifer/fumewatch/telemetry"
)

// Defaults returns the built-in rules: filter service limits and a lost link.
func Defaults() []config.AlertConfig {
	return []config.AlertConfig{
		{ID: "p_filter_due", Expression: "p_limit > 0 && p_total >= p_limit", Message: "pre-filter reached its service limit", Severity: "warning"},
		{ID: "m_filter_due", Expression: "m_limit > 0 && m_total >= m_limit", Message: "main filter reached its service limit", Severity: "warning"},
		{ID: "c_filter_due", Expression: "c_limit > 0 && c_total >= c_limit", Message: "carbon filter reached its service limit", Severity: "warning"},
		{ID: "link_down", Expression: "link.disconnected", Message: "device unreachable", Severity: "critical"},
	}
}

// Alert is the state of one rule.
type Alert struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	Active   bool      `json:"active"`
	Since    time.Time `json:"since"`
}

type rule struct {
	cfg     config.AlertConfig
	program *vm.Program
}

// Options configures an Evaluator.
type Options struct {
	DisconnectAfter uint32
	Telemetry       telemetry.Collector
	Logger          zerolog.Logger
}

// Evaluator tracks which rules fire.
type Evaluator struct {
	mu      sync.Mutex
	rules   []rule
	state   map[string]Alert
	opts    Options
	changes chan Alert
}

// New compiles the default rules merged with cfgs. A configured rule replaces the
// default with the same id.
func New(cfgs []config.AlertConfig, opts Options) (*Evaluator, error) {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	opts.Logger = opts.Logger.With().Str("component", "alerts").Logger()

	merged := make([]config.AlertConfig, 0, len(cfgs)+4)
	overridden := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		overridden[cfg.ID] = struct{}{}
	}
	for _, def := range Defaults() {
		if _, ok := overridden[def.ID]; !ok {
			merged = append(merged, def)
		}
	}
	merged = append(merged, cfgs...)

	e := &Evaluator{
		state:   make(map[string]Alert, len(merged)),
		opts:    opts,
		changes: make(chan Alert, 16),
	}
	for _, cfg := range merged {
		if strings.TrimSpace(cfg.Expression) == "" {
			return nil, fmt.Errorf("alert %s: expression must not be empty", cfg.ID)
		}
		program, err := expr.Compile(cfg.Expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("alert %s: compile: %w", cfg.ID, err)
		}
		if cfg.Severity == "" {
			cfg.Severity = "warning"
		}
		if cfg.Message == "" {
			cfg.Message = cfg.ID
		}
		e.rules = append(e.rules, rule{cfg: cfg, program: program})
		e.state[cfg.ID] = Alert{ID: cfg.ID, Message: cfg.Message, Severity: cfg.Severity}
	}
	return e, nil
}

// Changes delivers alerts whose active flag flipped. Changes are dropped when nobody reads.
func (e *Evaluator) Changes() <-chan Alert {
	return e.changes
}

// Evaluate runs every rule against snap and returns the alerts that changed.
func (e *Evaluator) Evaluate(snap *state.Snapshot) []Alert {
	env := e.environment(snap)
	now := snap.UpdatedAt

	e.mu.Lock()
	defer e.mu.Unlock()
	var changed []Alert
	for _, r := range e.rules {
		active := false
		out, err := vm.Run(r.program, env)
		if err != nil {
			// Rules referencing registers that were never read fail until the first poll.
			e.opts.Logger.Trace().Err(err).Str("alert", r.cfg.ID).Msg("alert evaluation failed")
		} else if v, ok := out.(bool); ok {
			active = v
		}
		current := e.state[r.cfg.ID]
		if current.Active == active {
			continue
		}
		current.Active = active
		current.Since = now
		e.state[r.cfg.ID] = current
		changed = append(changed, current)
		e.opts.Telemetry.SetAlert(current.ID, active)

		logEvent := e.opts.Logger.Info()
		if active {
			logEvent = e.opts.Logger.Warn()
		}
		logEvent.Str("alert", current.ID).Str("severity", current.Severity).Bool("active", active).Msg(current.Message)
	}
	return changed
}

// Active returns the firing alerts ordered by id.
func (e *Evaluator) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.state))
	for _, a := range e.state {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run evaluates every snapshot signalled by updates until ctx is done.
func (e *Evaluator) Run(ctx context.Context, updates <-chan struct{}, load func() *state.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			for _, change := range e.Evaluate(load()) {
				select {
				case e.changes <- change:
				default:
					e.opts.Telemetry.IncEventsDropped("alerts")
				}
			}
		}
	}
}

func (e *Evaluator) environment(snap *state.Snapshot) map[string]interface{} {
	env := make(map[string]interface{})
	stale := make(map[string]interface{})
	for _, reg := range snap.Registers() {
		if reg.HasValue {
			env[reg.Key] = reg.Value.InexactFloat64()
		}
		stale[reg.Key] = reg.Stale
	}
	env["stale"] = stale
	env["read_only"] = snap.ReadOnly
	env["link"] = map[string]interface{}{
		"consecutive_failures": float64(snap.Link.ConsecutiveFailures),
		"disconnected":         snap.Link.Disconnected(e.opts.DisconnectAfter),
		"connected":            snap.Link.HasSucceeded() && !snap.Link.Disconnected(e.opts.DisconnectAfter),
	}
	return env
}
