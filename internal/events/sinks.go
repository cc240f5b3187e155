package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/eventstore"
)

// SubjectPrefix is where BusSink publishes, suffixed with the event type.
const SubjectPrefix = "pipeline.events"

type busSink struct {
	bus *bus.Client
	log *slog.Logger
}

// NewBusSink publishes events as JSON on pipeline.events.<type>.
func NewBusSink(client *bus.Client, log *slog.Logger) Sink {
	return &busSink{bus: client, log: log.With(slog.String("component", "events-bus"))}
}

func (s *busSink) Emit(_ context.Context, evt Event) {
	if err := s.bus.PublishJSON(SubjectPrefix+"."+string(evt.Type), evt); err != nil {
		s.log.Warn("failed to publish event",
			slog.String("correlation_id", evt.CorrelationID),
			slog.String("error", err.Error()))
	}
}

type storeSink struct {
	store   *eventstore.Store
	log     *slog.Logger
	timeout time.Duration
}

// NewStoreSink appends events to the SQLite audit store. Returns nil when
// the store does not persist, so Multi skips it.
func NewStoreSink(store *eventstore.Store, log *slog.Logger) Sink {
	if !store.Enabled() {
		return nil
	}
	return &storeSink{
		store:   store,
		log:     log.With(slog.String("component", "events-store")),
		timeout: 2 * time.Second,
	}
}

func (s *storeSink) Emit(ctx context.Context, evt Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	err := s.store.AppendEvent(ctx, eventstore.Event{
		CorrelationID: evt.CorrelationID,
		Type:          string(evt.Type),
		Stage:         evt.Stage,
		Outcome:       string(evt.Outcome),
		Attempt:       evt.Attempt,
		LatencyMS:     evt.Latency.Milliseconds(),
		Error:         evt.Error,
		CreatedAt:     evt.Timestamp.UTC(),
	})
	if err == nil && (evt.Type == TypeRunCompleted || evt.Type == TypeRunFailed) {
		err = s.store.AppendRun(ctx, eventstore.Run{
			CorrelationID: evt.CorrelationID,
			Source:        evt.Source,
			Outcome:       string(evt.Outcome),
		})
	}
	if err != nil {
		s.log.Warn("failed to store event",
			slog.String("correlation_id", evt.CorrelationID),
			slog.String("error", err.Error()))
	}
}
