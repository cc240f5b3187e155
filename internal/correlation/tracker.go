// Package correlation tracks the lifecycle of every in-flight utterance.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnknownCorrelation   = errors.New("unknown correlation")
	ErrDuplicateCorrelation = errors.New("duplicate correlation")
	ErrStageRegression      = errors.New("stage regression")
)

// Stage is a pipeline run state. Values are ordered; a run only moves to a
// stage greater than or equal to its current one.
type Stage int

const (
	StageReceived Stage = iota
	StageTranscribing
	StageReasoning
	StageSynthesizing
	StageDelivering
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageTranscribing:
		return "transcribing"
	case StageReasoning:
		return "reasoning"
	case StageSynthesizing:
		return "synthesizing"
	case StageDelivering:
		return "delivering"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Terminal reports whether s ends a run.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Stage    Stage  `json:"stage"`
	FailedAt Stage  `json:"failed_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Context is a snapshot of one correlation's lifecycle.
type Context struct {
	ID             string                  `json:"id"`
	Source         string                  `json:"source"`
	Channel        string                  `json:"channel"`
	CreatedAt      time.Time               `json:"created_at"`
	Stage          Stage                   `json:"stage"`
	StageEnteredAt time.Time               `json:"stage_entered_at"`
	Latencies      map[Stage]time.Duration `json:"latencies"`
	Outcome        *Outcome                `json:"outcome,omitempty"`
	FinishedAt     time.Time               `json:"finished_at,omitempty"`
}

type entry struct {
	mu       sync.Mutex
	ctx      Context
	finished bool
	timer    *time.Timer
}

func (e *entry) snapshot() Context {
	c := e.ctx
	c.Latencies = make(map[Stage]time.Duration, len(e.ctx.Latencies))
	for k, v := range e.ctx.Latencies {
		c.Latencies[k] = v
	}
	if e.ctx.Outcome != nil {
		o := *e.ctx.Outcome
		c.Outcome = &o
	}
	return c
}

// Tracker is the shared index of correlation contexts. Mutations on one id
// are serialised by that entry's lock; the index lock is only held for map
// access.
type Tracker struct {
	grace time.Duration
	clock func() time.Time
	log   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// NewTracker returns a tracker that keeps finished contexts visible for
// grace before removing them.
func NewTracker(grace time.Duration, log *slog.Logger) *Tracker {
	t := &Tracker{
		grace:   grace,
		clock:   time.Now,
		log:     log.With(slog.String("component", "correlation-tracker")),
		entries: make(map[string]*entry),
	}
	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return t
}

// Begin registers a new context in StageReceived.
func (t *Tracker) Begin(id, source, channel string) (Context, error) {
	if id == "" {
		return Context{}, fmt.Errorf("%w: empty id", ErrUnknownCorrelation)
	}
	now := t.clock()
	e := &entry{ctx: Context{
		ID:             id,
		Source:         source,
		Channel:        channel,
		CreatedAt:      now,
		Stage:          StageReceived,
		StageEnteredAt: now,
		Latencies:      make(map[Stage]time.Duration),
	}}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return Context{}, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, id)
	}
	t.entries[id] = e
	return e.snapshot(), nil
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

// Advance moves id to stage, recording the time spent in the stage it
// leaves. Re-entering the current stage is allowed for retries.
func (t *Tracker) Advance(id string, stage Stage) error {
	if stage.Terminal() {
		return fmt.Errorf("advance to terminal stage %s: use Finish", stage)
	}
	e := t.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return fmt.Errorf("%w: %s already finished", ErrUnknownCorrelation, id)
	}
	if stage < e.ctx.Stage {
		return fmt.Errorf("%w: %s from %s to %s", ErrStageRegression, id, e.ctx.Stage, stage)
	}
	if stage == e.ctx.Stage {
		return nil
	}
	now := t.clock()
	e.ctx.Latencies[e.ctx.Stage] += now.Sub(e.ctx.StageEnteredAt)
	e.ctx.Stage = stage
	e.ctx.StageEnteredAt = now
	return nil
}

// Finish marks id terminal and schedules its removal after the grace
// period. Further Advance or Finish calls fail with ErrUnknownCorrelation.
func (t *Tracker) Finish(id string, outcome Outcome) (Context, error) {
	if !outcome.Stage.Terminal() {
		return Context{}, fmt.Errorf("finish with non-terminal stage %s", outcome.Stage)
	}
	e := t.lookup(id)
	if e == nil {
		return Context{}, fmt.Errorf("%w: %s", ErrUnknownCorrelation, id)
	}
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return Context{}, fmt.Errorf("%w: %s already finished", ErrUnknownCorrelation, id)
	}
	now := t.clock()
	e.ctx.Latencies[e.ctx.Stage] += now.Sub(e.ctx.StageEnteredAt)
	e.ctx.Stage = outcome.Stage
	e.ctx.StageEnteredAt = now
	e.ctx.Outcome = &outcome
	e.ctx.FinishedAt = now
	e.finished = true
	snap := e.snapshot()
	e.mu.Unlock()

	t.scheduleRemoval(id, e)
	return snap, nil
}

func (t *Tracker) scheduleRemoval(id string, e *entry) {
	if t.grace <= 0 {
		t.remove(id, e)
		return
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return
	}
	timer := time.AfterFunc(t.grace, func() { t.remove(id, e) })
	e.mu.Lock()
	e.timer = timer
	e.mu.Unlock()
}

func (t *Tracker) remove(id string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[id] == e {
		delete(t.entries, id)
	}
}

// Lookup returns a snapshot of id, including finished contexts still within
// their grace period.
func (t *Tracker) Lookup(id string) (Context, bool) {
	e := t.lookup(id)
	if e == nil {
		return Context{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Live returns snapshots of every tracked context.
func (t *Tracker) Live() []Context {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]Context, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	return out
}

// Close stops pending removal timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
	}
}

func (t *Tracker) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-pipeline/correlation")
	gauge, err := meter.Int64ObservableGauge("loqa.correlation.live",
		metric.WithDescription("Correlation contexts currently tracked"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		t.mu.RLock()
		n := len(t.entries)
		t.mu.RUnlock()
		obs.ObserveInt64(gauge, int64(n))
		return nil
	}, gauge)
	return err
}
