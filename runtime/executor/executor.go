// Package executor serializes every Modbus transaction on the line.
//
// Execute is the only path to the transport. It owns the half-duplex discipline, the
// retry policy and the link health bookkeeping.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/timzifer/fumewatch/drivers/rtu"
	"github.com/timzifer/fumewatch/runtime/state"
	"github.com/timzifer/fumewatch/runtime/transport"
	"github.com/timzifer/fumewatch/telemetry"
)

// HealthRecorder receives one outcome per transaction. A nil error is a success.
type HealthRecorder interface {
	RecordTransaction(at time.Time, err error) state.LinkHealth
}

// Options configures an Executor.
type Options struct {
	// Address is the slave address every request is sent to.
	Address byte
	Timeout time.Duration
	// Retries is the number of additional attempts after a timeout or CRC mismatch.
	Retries      int
	RetryBackoff time.Duration
	Health       HealthRecorder
	Telemetry    telemetry.Collector
	Logger       zerolog.Logger
	Now          func() time.Time
	Sleep        func(time.Duration)
}

// Executor runs transactions one at a time.
type Executor struct {
	transport transport.Transport
	opts      Options
	// line is a one slot semaphore; holding the slot is owning the line.
	line chan struct{}
	seq  atomic.Uint64
	busy atomic.Bool
}

// New returns an executor that owns t.
func New(t transport.Transport, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Millisecond
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	opts.Logger = opts.Logger.With().Str("component", "executor").Logger()
	return &Executor{
		transport: t,
		opts:      opts,
		line:      make(chan struct{}, 1),
	}
}

// Busy reports whether a transaction currently owns the line.
func (e *Executor) Busy() bool {
	return e.busy.Load()
}

// Execute runs req to completion. Callers block while another transaction owns the line
// and may abandon the wait through ctx; once started, a transaction is never interrupted.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	pdu, err := req.pdu()
	if err != nil {
		return Result{Kind: KindMalformed, Err: fmt.Errorf("build %s request: %w", req.Function(), err)}
	}
	frame, err := rtu.Encode(e.opts.Address, pdu)
	if err != nil {
		return Result{Kind: KindMalformed, Err: fmt.Errorf("encode %s request: %w", req.Function(), err)}
	}

	select {
	case e.line <- struct{}{}:
	case <-ctx.Done():
		return Result{Kind: KindCanceled, Err: ctx.Err()}
	}
	defer func() { <-e.line }()
	if err := ctx.Err(); err != nil {
		return Result{Kind: KindCanceled, Err: err}
	}
	e.busy.Store(true)
	defer e.busy.Store(false)

	res := Result{Seq: e.seq.Add(1), Started: e.opts.Now()}
	expected := rtu.ExpectedLength(pdu)
	retry := &backoff.Backoff{
		Min:    e.opts.RetryBackoff,
		Max:    8 * e.opts.RetryBackoff,
		Factor: 2,
	}
	for {
		res.Attempts++
		values, err := e.attempt(frame, expected, pdu)
		res.Kind, res.ExceptionCode = classify(err)
		res.Err = err
		if err == nil {
			res.Values = values
			if req.Function() == "write" {
				res.Kind = KindWriteOk
			}
			break
		}
		if !res.Kind.Retryable() || res.Attempts > e.opts.Retries {
			break
		}
		wait := retry.Duration()
		e.opts.Logger.Debug().
			Err(err).
			Str("function", req.Function()).
			Int("attempt", res.Attempts).
			Dur("backoff", wait).
			Msg("retrying transaction")
		e.opts.Sleep(wait)
	}
	res.Duration = e.opts.Now().Sub(res.Started)
	e.finish(req, res)
	return res
}

func (e *Executor) attempt(frame []byte, expected int, req modbus.ProtocolDataUnit) ([]uint16, error) {
	raw, err := e.transport.SendReceive(frame, expected, e.opts.Timeout)
	if err != nil {
		return nil, err
	}
	reply, err := rtu.Decode(raw)
	if err != nil {
		return nil, err
	}
	if reply.Address != e.opts.Address {
		return nil, fmt.Errorf("%w: reply from address %d, expected %d", rtu.ErrFraming, reply.Address, e.opts.Address)
	}
	return rtu.ParseResponse(req, reply.PDU)
}

func (e *Executor) finish(req Request, res Result) {
	var linkErr error
	if !res.Kind.answered() {
		linkErr = fmt.Errorf("%s: %w", res.Kind, res.Err)
	}
	if e.opts.Health != nil {
		link := e.opts.Health.RecordTransaction(res.Started.Add(res.Duration), linkErr)
		e.opts.Telemetry.SetLinkFailures(link.ConsecutiveFailures)
	}
	e.opts.Telemetry.ObserveTransaction(req.Function(), res.Kind.String(), res.Attempts, res.Duration)

	event := e.opts.Logger.Trace()
	switch {
	case res.Kind == KindNak:
		event = e.opts.Logger.Info().Str("exception", ExceptionName(res.ExceptionCode))
	case !res.Kind.OK():
		event = e.opts.Logger.Warn().Err(res.Err)
	}
	event.
		Uint64("seq", res.Seq).
		Str("function", req.Function()).
		Str("outcome", res.Kind.String()).
		Int("attempts", res.Attempts).
		Dur("elapsed", res.Duration).
		Msg("transaction finished")
}
