package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := es.AppendEvent(ctx, Event{CorrelationID: "c1", Type: "stage.attempt"}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
	events, err := es.ListRunEvents(ctx, "c1", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected nothing stored, got %d (%v)", len(events), err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	id := "corr-123"
	if err := es.AppendRun(context.Background(), Run{CorrelationID: id, Source: "mic", Channel: "room"}); err != nil {
		t.Fatalf("append run: %v", err)
	}
	attempts := []Event{
		{CorrelationID: id, Type: "stage.attempt", Stage: "stt", Outcome: "retry", Attempt: 1, LatencyMS: 12, Error: "status 503"},
		{CorrelationID: id, Type: "stage.attempt", Stage: "stt", Outcome: "success", Attempt: 2, LatencyMS: 40, Payload: []byte("hello")},
	}
	for _, evt := range attempts {
		if err := es.AppendEvent(context.Background(), evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListRunEvents(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Attempt != 1 || events[0].Error != "status 503" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if string(events[1].Payload) != "hello" || events[1].Outcome != "success" {
		t.Fatalf("unexpected second event %+v", events[1])
	}
}

func TestAppendEventCreatesRun(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.AppendEvent(context.Background(), Event{CorrelationID: "orphan", Type: "run.failed", Stage: "stt"}); err != nil {
		t.Fatalf("append event without run row: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{Type: "run.failed"}); err == nil {
		t.Fatal("expected error for missing correlation id")
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxRuns: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRun(context.Background(), Run{CorrelationID: "old-run", Source: "mic"}); err != nil {
		t.Fatalf("append run: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{CorrelationID: "old-run", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRun(context.Background(), Run{CorrelationID: "new-run", Source: "mic"}); err != nil {
		t.Fatalf("append run: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRunEvents(context.Background(), "old-run", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old run pruned")
	}
}
