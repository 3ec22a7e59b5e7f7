package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fumewatch"

// Collector captures telemetry events emitted by the engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the transaction path.
type Collector interface {
	IncHotReload(file string)
	ObserveTransaction(function, outcome string, attempts int, elapsed time.Duration)
	SetLinkFailures(consecutive uint32)
	IncSkippedTick()
	IncCommand(outcome string)
	IncEventsDropped(stream string)
	SetRegister(key string, value float64, stale bool)
	SetAlert(id string, active bool)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                                   {}
func (noopCollector) ObserveTransaction(string, string, int, time.Duration) {}
func (noopCollector) SetLinkFailures(uint32)                                {}
func (noopCollector) IncSkippedTick()                                       {}
func (noopCollector) IncCommand(string)                                     {}
func (noopCollector) IncEventsDropped(string)                               {}
func (noopCollector) SetRegister(string, float64, bool)                     {}
func (noopCollector) SetAlert(string, bool)                                 {}

// PrometheusCollector exposes engine metrics via Prometheus.
type PrometheusCollector struct {
	hotReloads    *prometheus.CounterVec
	transactions  *prometheus.CounterVec
	retries       *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	linkFailures  prometheus.Gauge
	skippedTicks  prometheus.Counter
	commands      *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	registers     *prometheus.GaugeVec
	stale         *prometheus.GaugeVec
	alerts        *prometheus.GaugeVec
}

// NewPrometheusCollector registers the engine metrics with reg. Metrics that are
// already registered with reg are reused, so collectors can be rebuilt on reload.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	p := &PrometheusCollector{}
	if p.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_hot_reload_total",
		Help:      "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if p.transactions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Modbus transactions by function and outcome.",
	}, []string{"function", "outcome"})); err != nil {
		return nil, err
	}
	if p.retries, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_retries_total",
		Help:      "Additional attempts spent on transactions after a transient failure.",
	}, []string{"function"})); err != nil {
		return nil, err
	}
	if p.latency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transaction_duration_seconds",
		Help:      "Duration of complete transactions including retries.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"function"})); err != nil {
		return nil, err
	}
	if p.linkFailures, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "link_consecutive_failures",
		Help:      "Consecutive failed transactions on the serial line.",
	})); err != nil {
		return nil, err
	}
	if p.skippedTicks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_ticks_skipped_total",
		Help:      "Poll ticks skipped because the previous tick was still outstanding.",
	})); err != nil {
		return nil, err
	}
	if p.commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Operator commands by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if p.eventsDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events discarded because no consumer drained the stream in time.",
	}, []string{"stream"})); err != nil {
		return nil, err
	}
	if p.registers, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "register_value",
		Help:      "Last confirmed engineering value per register.",
	}, []string{"register"})); err != nil {
		return nil, err
	}
	if p.stale, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "register_stale",
		Help:      "1 while the most recent read of a register failed.",
	}, []string{"register"})); err != nil {
		return nil, err
	}
	if p.alerts, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alert_active",
		Help:      "1 while an alert rule is firing.",
	}, []string{"alert"})); err != nil {
		return nil, err
	}
	return p, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveTransaction records one finished transaction.
func (p *PrometheusCollector) ObserveTransaction(function, outcome string, attempts int, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.transactions.WithLabelValues(function, outcome).Inc()
	if attempts > 1 {
		p.retries.WithLabelValues(function).Add(float64(attempts - 1))
	}
	p.latency.WithLabelValues(function).Observe(elapsed.Seconds())
}

// SetLinkFailures publishes the consecutive failure count.
func (p *PrometheusCollector) SetLinkFailures(consecutive uint32) {
	if p == nil {
		return
	}
	p.linkFailures.Set(float64(consecutive))
}

// IncSkippedTick counts a skipped poll tick.
func (p *PrometheusCollector) IncSkippedTick() {
	if p == nil {
		return
	}
	p.skippedTicks.Inc()
}

// IncCommand counts a resolved operator command.
func (p *PrometheusCollector) IncCommand(outcome string) {
	if p == nil {
		return
	}
	p.commands.WithLabelValues(outcome).Inc()
}

// IncEventsDropped counts an event lost on stream.
func (p *PrometheusCollector) IncEventsDropped(stream string) {
	if p == nil {
		return
	}
	p.eventsDropped.WithLabelValues(stream).Inc()
}

// SetRegister publishes the value and stale flag of a register.
func (p *PrometheusCollector) SetRegister(key string, value float64, stale bool) {
	if p == nil {
		return
	}
	p.registers.WithLabelValues(key).Set(value)
	flag := 0.0
	if stale {
		flag = 1
	}
	p.stale.WithLabelValues(key).Set(flag)
}

// SetAlert publishes whether an alert is firing.
func (p *PrometheusCollector) SetAlert(id string, active bool) {
	if p == nil {
		return
	}
	flag := 0.0
	if active {
		flag = 1
	}
	p.alerts.WithLabelValues(id).Set(flag)
}
