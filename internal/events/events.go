// Package events carries the structured records the pipeline emits for
// every stage attempt and every finished run.
//
// Records flow one way: the pipeline writes them to a Sink and never reads
// them back. Sinks fan out to logs, the bus, the optional event store and
// OpenTelemetry metrics.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a record kind.
type Type string

const (
	TypeStageAttempt Type = "stage.attempt"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"
	TypeNoticeSent   Type = "run.notice"
)

// Outcome of an attempt or run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailure Outcome = "failure"
)

// Event is one observability record. Latency is the attempt duration for
// stage attempts and the end-to-end duration for run records.
type Event struct {
	Type          Type          `json:"type"`
	CorrelationID string        `json:"correlation_id"`
	Source        string        `json:"source,omitempty"`
	Stage         string        `json:"stage"`
	Attempt       int           `json:"attempt,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	Latency       time.Duration `json:"latency_ns"`
	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Sink receives events. Emit must not block for long; callers are on the
// hot path of a run.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

type multiSink []Sink

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Emit(ctx, evt)
	}
}

type logSink struct {
	log *slog.Logger
}

// NewLogSink writes each event as one structured log line.
func NewLogSink(log *slog.Logger) Sink {
	return &logSink{log: log.With(slog.String("component", "events"))}
}

func (s *logSink) Emit(ctx context.Context, evt Event) {
	attrs := []slog.Attr{
		slog.String("type", string(evt.Type)),
		slog.String("correlation_id", evt.CorrelationID),
		slog.String("stage", evt.Stage),
		slog.String("outcome", string(evt.Outcome)),
		slog.Duration("latency", evt.Latency),
	}
	if evt.Source != "" {
		attrs = append(attrs, slog.String("source", evt.Source))
	}
	if evt.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", evt.Attempt))
	}
	level := slog.LevelInfo
	if evt.Error != "" {
		attrs = append(attrs, slog.String("error", evt.Error))
		level = slog.LevelWarn
	}
	s.log.LogAttrs(ctx, level, "pipeline event", attrs...)
}

// Recorder keeps events in memory. The debug endpoint and tests use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events, dropping the oldest. A limit of
// zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0:0], r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns recorded events accepted by keep.
func (r *Recorder) Filter(keep func(Event) bool) []Event {
	var out []Event
	for _, e := range r.Events() {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
