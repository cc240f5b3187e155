// Package stage wraps calls to external pipeline services (speech-to-text,
// the language model orchestrator, text-to-speech and delivery) with a hard
// deadline, bounded retries and one observability record per attempt.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request is the envelope for one stage call. Attempt is filled in by the
// client before each backend call.
type Request[T any] struct {
	CorrelationID string
	Payload       T
	Deadline      time.Time
	Attempt       int
}

// Result is a successful stage call.
type Result[T any] struct {
	CorrelationID string
	Payload       T
	Attempts      int
	Latency       time.Duration
}

// Backend performs a single attempt against an external service.
type Backend[Req, Resp any] interface {
	Call(ctx context.Context, req Request[Req]) (Resp, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc[Req, Resp any] func(ctx context.Context, req Request[Req]) (Resp, error)

func (f BackendFunc[Req, Resp]) Call(ctx context.Context, req Request[Req]) (Resp, error) {
	return f(ctx, req)
}

// Invoker is what the pipeline runner depends on.
type Invoker[Req, Resp any] interface {
	Invoke(ctx context.Context, req Request[Req]) (Result[Resp], error)
}

// Policy bounds retries and per-attempt time.
type Policy struct {
	// AttemptTimeout caps one attempt; zero leaves only the request deadline.
	AttemptTimeout    time.Duration
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// Jitter is the randomization factor applied to each backoff interval.
	Jitter float64
}

// PolicyFromConfig converts the yaml policy.
func PolicyFromConfig(p config.StagePolicy) Policy {
	return Policy{
		AttemptTimeout:    p.AttemptTimeout(),
		MaxRetries:        p.MaxRetries,
		BackoffInitial:    p.BackoffInitial(),
		BackoffMax:        p.BackoffMax(),
		BackoffMultiplier: p.BackoffMultiplier,
		Jitter:            0.2,
	}
}

func (p Policy) newBackOff() backoff.BackOff {
	if p.BackoffInitial <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffInitial
	b.MaxInterval = p.BackoffMax
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = p.BackoffMultiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	return b
}

// Client runs one stage. It holds no per-request state and is safe for
// concurrent use.
type Client[Req, Resp any] struct {
	name    string
	backend Backend[Req, Resp]
	policy  Policy
	sink    events.Sink
	log     *slog.Logger
	tracer  trace.Tracer
}

// New returns a client for the stage called name.
func New[Req, Resp any](name string, backend Backend[Req, Resp], policy Policy, sink events.Sink, log *slog.Logger) *Client[Req, Resp] {
	if sink == nil {
		sink = events.Discard
	}
	return &Client[Req, Resp]{
		name:    name,
		backend: backend,
		policy:  policy,
		sink:    sink,
		log:     log.With(slog.String("component", "stage"), slog.String("stage", name)),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-pipeline/stage"),
	}
}

// Name is the stage label used in events and errors.
func (c *Client[Req, Resp]) Name() string { return c.name }

// Invoke calls the backend until it succeeds, fails permanently, runs out
// of retries or the request deadline passes. Every attempt carries the same
// correlation id and produces exactly one event.
func (c *Client[Req, Resp]) Invoke(ctx context.Context, req Request[Req]) (Result[Resp], error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	start := time.Now()
	var (
		attempts int
		lastErr  error
		pending  *events.Event
	)
	flush := func(outcome events.Outcome) {
		if pending == nil {
			return
		}
		pending.Outcome = outcome
		c.sink.Emit(ctx, *pending)
		pending = nil
	}

	op := func() (Resp, error) {
		var zero Resp
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		flush(events.OutcomeRetry)
		attempts++
		began := time.Now()
		resp, err := c.attempt(ctx, req, attempts)
		evt := events.Event{
			Type:          events.TypeStageAttempt,
			CorrelationID: req.CorrelationID,
			Stage:         c.name,
			Attempt:       attempts,
			Latency:       time.Since(began),
			Timestamp:     began,
		}
		if err == nil {
			evt.Outcome = events.OutcomeSuccess
			c.sink.Emit(ctx, evt)
			return resp, nil
		}
		lastErr = err
		evt.Error = err.Error()
		pending = &evt
		if !Transient(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.policy.newBackOff()),
		backoff.WithMaxTries(uint(c.policy.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug("stage attempt failed, retrying",
				slog.String("correlation_id", req.CorrelationID),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()))
		}),
	)
	if err == nil {
		return Result[Resp]{
			CorrelationID: req.CorrelationID,
			Payload:       resp,
			Attempts:      attempts,
			Latency:       time.Since(start),
		}, nil
	}
	flush(events.OutcomeFailure)

	stageErr := c.classify(ctx, req.CorrelationID, attempts, lastErr, err)
	c.log.Warn("stage failed",
		slog.String("correlation_id", req.CorrelationID),
		slog.Int("attempts", attempts),
		slog.String("kind", stageErr.Kind.String()),
		slog.String("error", stageErr.Err.Error()))
	return Result[Resp]{CorrelationID: req.CorrelationID, Attempts: attempts, Latency: time.Since(start)}, stageErr
}

func (c *Client[Req, Resp]) classify(ctx context.Context, correlationID string, attempts int, lastErr, retryErr error) *Error {
	cause := lastErr
	if cause == nil {
		cause = retryErr
	}
	e := &Error{Stage: c.name, Attempts: attempts, CorrelationID: correlationID, Err: cause}
	switch {
	case lastErr != nil && !Transient(lastErr) && !errors.Is(lastErr, context.Canceled):
		e.Kind = KindRejected
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(cause):
		e.Kind = KindTimeout
	default:
		e.Kind = KindUnavailable
	}
	return e
}

// attempt runs one backend call bounded by the attempt timeout. The call is
// abandoned when its context ends, even if the backend ignores cancellation.
func (c *Client[Req, Resp]) attempt(ctx context.Context, req Request[Req], n int) (Resp, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.policy.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
	}
	defer cancel()

	attemptCtx, span := c.tracer.Start(attemptCtx, "stage."+c.name,
		trace.WithAttributes(
			attribute.String("correlation.id", req.CorrelationID),
			attribute.Int("stage.attempt", n),
		))
	defer span.End()

	req.Attempt = n
	type outcome struct {
		resp Resp
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := c.backend.Call(attemptCtx, req)
		done <- outcome{resp, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res.err = fmt.Errorf("attempt %d: %w", n, attemptCtx.Err())
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.resp, res.err
}
