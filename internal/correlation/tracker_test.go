package correlation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLifecycleRecordsStageLatencies(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(time.Minute, newLogger())
	tr.clock = clock.Now
	t.Cleanup(tr.Close)

	if _, err := tr.Begin("c1", "mic", "room"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	steps := []struct {
		stage Stage
		spent time.Duration
	}{
		{StageTranscribing, 5 * time.Millisecond},
		{StageReasoning, 50 * time.Millisecond},
		{StageSynthesizing, 200 * time.Millisecond},
		{StageDelivering, 300 * time.Millisecond},
	}
	for _, s := range steps {
		clock.Advance(s.spent)
		if err := tr.Advance("c1", s.stage); err != nil {
			t.Fatalf("advance to %s: %v", s.stage, err)
		}
	}
	clock.Advance(20 * time.Millisecond)
	ctx, err := tr.Finish("c1", Outcome{Stage: StageCompleted})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	want := map[Stage]time.Duration{
		StageReceived:     5 * time.Millisecond,
		StageTranscribing: 50 * time.Millisecond,
		StageReasoning:    200 * time.Millisecond,
		StageSynthesizing: 300 * time.Millisecond,
		StageDelivering:   20 * time.Millisecond,
	}
	for stage, d := range want {
		if ctx.Latencies[stage] != d {
			t.Fatalf("stage %s: expected %v, got %v", stage, d, ctx.Latencies[stage])
		}
	}
	if ctx.Outcome == nil || ctx.Outcome.Stage != StageCompleted {
		t.Fatalf("expected completed outcome, got %+v", ctx.Outcome)
	}
}

func TestFinishedContextRejectsFurtherUpdates(t *testing.T) {
	tr := NewTracker(time.Minute, newLogger())
	t.Cleanup(tr.Close)
	if _, err := tr.Begin("c1", "mic", "room"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tr.Finish("c1", Outcome{Stage: StageFailed, FailedAt: StageReceived, Reason: "boom"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := tr.Advance("c1", StageTranscribing); !errors.Is(err, ErrUnknownCorrelation) {
		t.Fatalf("expected unknown correlation after finish, got %v", err)
	}
	if _, err := tr.Finish("c1", Outcome{Stage: StageCompleted}); !errors.Is(err, ErrUnknownCorrelation) {
		t.Fatalf("expected unknown correlation on double finish, got %v", err)
	}
	if ctx, ok := tr.Lookup("c1"); !ok || ctx.Stage != StageFailed {
		t.Fatalf("expected finished context visible during grace, got %+v %v", ctx, ok)
	}
}

func TestFinishedContextRemovedAfterGrace(t *testing.T) {
	tr := NewTracker(20*time.Millisecond, newLogger())
	t.Cleanup(tr.Close)
	if _, err := tr.Begin("c1", "mic", "room"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tr.Finish("c1", Outcome{Stage: StageCompleted}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Lookup("c1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected context removed after grace period")
}

func TestAdvanceRules(t *testing.T) {
	tr := NewTracker(0, newLogger())
	if err := tr.Advance("missing", StageTranscribing); !errors.Is(err, ErrUnknownCorrelation) {
		t.Fatalf("expected unknown correlation, got %v", err)
	}
	if _, err := tr.Begin("c1", "mic", "room"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tr.Begin("c1", "mic", "room"); !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := tr.Advance("c1", StageReasoning); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := tr.Advance("c1", StageReasoning); err != nil {
		t.Fatalf("retry in same stage must be allowed: %v", err)
	}
	if err := tr.Advance("c1", StageTranscribing); !errors.Is(err, ErrStageRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}
	if err := tr.Advance("c1", StageCompleted); err == nil {
		t.Fatal("expected terminal advance rejected")
	}
	if _, err := tr.Finish("c1", Outcome{Stage: StageCompleted}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, ok := tr.Lookup("c1"); ok {
		t.Fatal("expected immediate removal with zero grace")
	}
}

func TestConcurrentContextsAreIsolated(t *testing.T) {
	tr := NewTracker(time.Minute, newLogger())
	t.Cleanup(tr.Close)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if _, err := tr.Begin(id, "src", "chan"); err != nil {
				t.Errorf("begin %s: %v", id, err)
				return
			}
			for _, st := range []Stage{StageTranscribing, StageReasoning, StageSynthesizing, StageDelivering} {
				if err := tr.Advance(id, st); err != nil {
					t.Errorf("advance %s: %v", id, err)
					return
				}
			}
			if _, err := tr.Finish(id, Outcome{Stage: StageCompleted}); err != nil {
				t.Errorf("finish %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	live := tr.Live()
	if len(live) != 50 {
		t.Fatalf("expected 50 contexts in grace, got %d", len(live))
	}
	for _, c := range live {
		if c.Stage != StageCompleted {
			t.Fatalf("context %s ended in %s", c.ID, c.Stage)
		}
	}
}
