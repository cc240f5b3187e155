package events

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-pipeline"

// latencyBuckets are histogram boundaries in seconds sized for voice
// pipeline stages.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// MetricsSink records events as OpenTelemetry instruments.
type MetricsSink struct {
	attemptDuration metric.Float64Histogram
	attempts        metric.Int64Counter
	runDuration     metric.Float64Histogram
	runs            metric.Int64Counter
}

// NewMetricsSink creates the instruments on mp.
func NewMetricsSink(mp metric.MeterProvider) (*MetricsSink, error) {
	m := mp.Meter(meterName)
	var err error
	s := &MetricsSink{}

	if s.attemptDuration, err = m.Float64Histogram("loqa.stage.attempt.duration",
		metric.WithDescription("Latency of a single stage attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if s.attempts, err = m.Int64Counter("loqa.stage.attempts",
		metric.WithDescription("Stage attempts by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if s.runDuration, err = m.Float64Histogram("loqa.run.duration",
		metric.WithDescription("End-to-end latency of a pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if s.runs, err = m.Int64Counter("loqa.runs",
		metric.WithDescription("Finished pipeline runs by outcome and stage reached."),
	); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MetricsSink) Emit(ctx context.Context, evt Event) {
	attrs := metric.WithAttributes(
		attribute.String("stage", evt.Stage),
		attribute.String("outcome", string(evt.Outcome)),
	)
	switch evt.Type {
	case TypeStageAttempt:
		s.attemptDuration.Record(ctx, evt.Latency.Seconds(), attrs)
		s.attempts.Add(ctx, 1, attrs)
	case TypeRunCompleted, TypeRunFailed:
		s.runDuration.Record(ctx, evt.Latency.Seconds(), attrs)
		s.runs.Add(ctx, 1, attrs)
	}
}
