// Package billing drives periodic settlement for every stream a processor
// party operates. The loop is sequential per tick: each stream's round
// completes (success or failure) before the next starts, because every round
// consumes a snapshot and a stream identity has exactly one writer at any
// instant. Failures on one stream never stop the others.
package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/processor"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

// Runner bills the active streams operated by one processor party.
type Runner struct {
	proc     *processor.Processor
	gateway  ledger.Gateway
	party    ledger.Party
	interval time.Duration

	readyPoll    time.Duration
	readyTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithInterval sets the billing tick interval.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) { r.interval = d }
}

// WithReadyBounds shapes the startup readiness poll.
func WithReadyBounds(poll, timeout time.Duration) Option {
	return func(r *Runner) {
		r.readyPoll = poll
		r.readyTimeout = timeout
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger.With("component", "billing") }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a billing runner for the streams party processes.
func NewRunner(proc *processor.Processor, gw ledger.Gateway, party ledger.Party, opts ...Option) *Runner {
	r := &Runner{
		proc:         proc,
		gateway:      gw,
		party:        party,
		interval:     30 * time.Second,
		readyPoll:    2 * time.Second,
		readyTimeout: 2 * time.Minute,
		logger:       slog.Default().With("component", "billing"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run waits for the gateway and then ticks until ctx is cancelled. A tick
// that fails wholesale (listing broke) is logged and the next tick retries;
// per-stream failures are handled inside Tick.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.waitReady(ctx); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "billing loop started", "party", r.party, "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Tick(ctx); err != nil {
			r.logger.ErrorContext(ctx, "billing tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "billing loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// waitReady polls the gateway until it reports ready, bounded by the
// configured timeout. Non-transient probe failures (a version gate, bad
// credentials) end the wait immediately.
func (r *Runner) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(r.readyPoll)
	defer ticker.Stop()
	for {
		err := r.gateway.Ready(ctx)
		if err == nil {
			return nil
		}
		if !fault.Retryable(err) {
			return err
		}
		r.logger.WarnContext(ctx, "gateway not ready", "error", err)
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Transient, "billing.waitReady", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Streams returns the live streams this runner's party currently processes.
// Statement export uses it to know which receipt trails to publish.
func (r *Runner) Streams(ctx context.Context) ([]streams.ActiveStream, error) {
	return r.listStreams(ctx)
}

// Tick bills every due stream once, sequentially.
func (r *Runner) Tick(ctx context.Context) error {
	due, err := r.listStreams(ctx)
	if err != nil {
		return err
	}
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.bill(ctx, s); err != nil {
			r.logger.ErrorContext(ctx, "stream not billed",
				"stream", s.LineageID(),
				"class", fault.ClassOf(err),
				"error", err)
		}
	}
	return nil
}

// listStreams drains the live streams this party processes. A truncated
// stream returns an error rather than a partial set.
func (r *Runner) listStreams(ctx context.Context) ([]streams.ActiveStream, error) {
	stream, err := r.gateway.ActiveContracts(ctx, ledger.ActiveQuery{
		Parties: []ledger.Party{r.party},
		Kind:    ledger.KindStream,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out []streams.ActiveStream
	for {
		rec, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		s, err := streams.ParseStream(rec)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping undecodable stream record",
				"contract", rec.Contract, "error", err)
			continue
		}
		if s.Terms.Processor != r.party {
			continue // visible as observer, processed by someone else
		}
		out = append(out, s)
	}
}

// bill runs the one operation a stream is due for: expiry once its end bound
// passed, a trial round while the trial window is open, otherwise a payment
// for the period since the watermark.
func (r *Runner) bill(ctx context.Context, s streams.ActiveStream) error {
	now := r.now()

	if end, ok := s.EndDeadline(); ok && !now.Before(end) {
		return r.proc.Expire(ctx, s, r.party)
	}
	if trial, ok := s.TrialDeadline(); ok && now.Before(trial) {
		_, err := r.proc.ProcessFreeTrial(ctx, s)
		return err
	}
	elapsed := now.Sub(s.PaidWatermark())
	if elapsed <= 0 {
		return nil // prepaid ahead of now, nothing due
	}
	_, err := r.proc.ProcessPayment(ctx, s, elapsed)
	return err
}
