// Package pipeline drives one utterance segment through transcription,
// reasoning, synthesis and delivery under a single correlation id.
//
// A run moves strictly forward:
//
//	Received -> Transcribing -> Reasoning -> Synthesizing -> Delivering -> Completed
//
// and may end in Failed from any non-terminal state. Failures while
// transcribing end the run quietly. Failures while reasoning or
// synthesizing send the configured failure notice to the origin channel,
// and an empty reply counts as a reasoning failure. If the tracker loses
// or rejects the run's context, the run fails where it stands.
// A delivery failure is terminal and leaves earlier outcomes untouched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
	"github.com/loqalabs/loqa-pipeline/internal/correlation"
	"github.com/loqalabs/loqa-pipeline/internal/delivery"
	"github.com/loqalabs/loqa-pipeline/internal/events"
	"github.com/loqalabs/loqa-pipeline/internal/llm"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
	"github.com/loqalabs/loqa-pipeline/internal/stt"
	"github.com/loqalabs/loqa-pipeline/internal/tts"
)

var (
	ErrRunnerClosed    = errors.New("pipeline runner closed")
	ErrEmptyTranscript = errors.New("empty transcript")
	ErrEmptyReply      = errors.New("empty reply")
)

// Stages are the four external calls of a run.
type Stages struct {
	STT      stage.Invoker[stt.Request, stt.Transcript]
	LLM      stage.Invoker[llm.Request, llm.Reply]
	TTS      stage.Invoker[tts.Request, tts.Audio]
	Delivery stage.Invoker[delivery.Message, delivery.Receipt]
}

// Deadlines bound each stage call end to end, retries included.
type Deadlines struct {
	STT      time.Duration
	LLM      time.Duration
	TTS      time.Duration
	Delivery time.Duration
}

type Options struct {
	Deadlines Deadlines
	// FailureNotice is delivered when reasoning or synthesis fails. Empty
	// disables the notice.
	FailureNotice string
	Language      string
}

// StageOutcome records one stage of a run.
type StageOutcome struct {
	Stage    correlation.Stage
	Attempts int
	Latency  time.Duration
	Err      error
}

// Run is the record of one segment's trip through the pipeline.
type Run struct {
	CorrelationID string
	Source        string
	Channel       string
	State         correlation.Stage
	// FailedAt is the stage that failed when State is StageFailed.
	FailedAt   correlation.Stage
	Err        error
	Transcript string
	Reply      string
	Receipt    delivery.Receipt
	NoticeSent bool
	Outcomes   []StageOutcome
	Started    time.Time
	Finished   time.Time
}

func (r *Run) Failed() bool { return r.State == correlation.StageFailed }

// Runner executes runs. One goroutine per submitted segment; runs share
// nothing except the tracker.
type Runner struct {
	stages  Stages
	tracker *correlation.Tracker
	sink    events.Sink
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewRunner(stages Stages, tracker *correlation.Tracker, sink events.Sink, opts Options, log *slog.Logger) *Runner {
	if sink == nil {
		sink = events.Discard
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		stages:  stages,
		tracker: tracker,
		sink:    sink,
		opts:    opts,
		log:     log.With(slog.String("component", "pipeline")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-pipeline/pipeline"),
		base:    base,
		cancel:  cancel,
	}
}

// Submit starts a run for seg in its own goroutine. The run keeps ctx's
// values but not its cancellation; only Shutdown cancels submitted runs.
func (r *Runner) Submit(ctx context.Context, seg audio.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(r.base, cancel)
		defer stop()
		r.Run(runCtx, seg)
	}()
	return nil
}

// Shutdown stops accepting segments and waits for in-flight runs. If ctx
// ends first the remaining runs are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// Run drives seg through every stage and blocks until the run is terminal.
func (r *Runner) Run(ctx context.Context, seg audio.Segment) *Run {
	run := &Run{
		CorrelationID: seg.CorrelationID,
		Source:        seg.Source,
		Channel:       seg.Channel,
		State:         correlation.StageReceived,
		Started:       time.Now(),
	}
	log := r.log.With(slog.String("correlation_id", run.CorrelationID), slog.String("source", run.Source))

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("correlation.id", run.CorrelationID),
		attribute.String("audio.source", run.Source),
		attribute.String("delivery.channel", run.Channel),
		attribute.Int64("audio.duration_ms", seg.Duration.Milliseconds()),
	))
	defer span.End()

	if _, err := r.tracker.Begin(run.CorrelationID, run.Source, run.Channel); err != nil {
		r.fail(ctx, run, log, correlation.StageReceived, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}

	// Transcribing: failures end the run without telling the user.
	if err := r.advance(run, log, correlation.StageTranscribing); err != nil {
		r.fail(ctx, run, log, correlation.StageTranscribing, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}
	sttRes, err := r.stages.STT.Invoke(ctx, stage.Request[stt.Request]{
		CorrelationID: run.CorrelationID,
		Deadline:      deadline(r.opts.Deadlines.STT),
		Payload: stt.Request{
			Source:     seg.Source,
			PCM:        seg.PCM,
			SampleRate: seg.SampleRate,
			Channels:   seg.Channels,
			Language:   r.opts.Language,
		},
	})
	r.record(run, correlation.StageTranscribing, sttRes.Attempts, sttRes.Latency, err)
	if err == nil && sttRes.Payload.Empty() {
		err = ErrEmptyTranscript
	}
	if err != nil {
		r.fail(ctx, run, log, correlation.StageTranscribing, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}
	run.Transcript = sttRes.Payload.Text

	// Reasoning
	if err := r.advance(run, log, correlation.StageReasoning); err != nil {
		r.fail(ctx, run, log, correlation.StageReasoning, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}
	llmRes, err := r.stages.LLM.Invoke(ctx, stage.Request[llm.Request]{
		CorrelationID: run.CorrelationID,
		Deadline:      deadline(r.opts.Deadlines.LLM),
		Payload: llm.Request{
			SessionID:  seg.Source,
			Channel:    seg.Channel,
			Transcript: sttRes.Payload.Text,
			Language:   sttRes.Payload.Language,
		},
	})
	r.record(run, correlation.StageReasoning, llmRes.Attempts, llmRes.Latency, err)
	if err == nil && llmRes.Payload.Empty() {
		log.Warn("empty reply from orchestrator", slog.Int("tool_calls", len(llmRes.Payload.ToolCalls)))
		err = ErrEmptyReply
	}
	if err != nil {
		r.failWithNotice(ctx, run, log, correlation.StageReasoning, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}
	run.Reply = llmRes.Payload.Text

	// Synthesizing
	if err := r.advance(run, log, correlation.StageSynthesizing); err != nil {
		r.fail(ctx, run, log, correlation.StageSynthesizing, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}
	ttsRes, err := r.stages.TTS.Invoke(ctx, stage.Request[tts.Request]{
		CorrelationID: run.CorrelationID,
		Deadline:      deadline(r.opts.Deadlines.TTS),
		Payload:       tts.Request{Text: run.Reply},
	})
	r.record(run, correlation.StageSynthesizing, ttsRes.Attempts, ttsRes.Latency, err)
	if err != nil {
		r.failWithNotice(ctx, run, log, correlation.StageSynthesizing, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}

	// Delivering: terminal on failure, no notice.
	if err := r.advance(run, log, correlation.StageDelivering); err != nil {
		r.fail(ctx, run, log, correlation.StageDelivering, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}
	delRes, err := r.stages.Delivery.Invoke(ctx, stage.Request[delivery.Message]{
		CorrelationID: run.CorrelationID,
		Deadline:      deadline(r.opts.Deadlines.Delivery),
		Payload: delivery.Message{
			Channel:     seg.Channel,
			Kind:        delivery.KindReply,
			Text:        run.Reply,
			Audio:       ttsRes.Payload.Data,
			ContentType: ttsRes.Payload.ContentType,
		},
	})
	r.record(run, correlation.StageDelivering, delRes.Attempts, delRes.Latency, err)
	if err != nil {
		err = fmt.Errorf("%w: %w", delivery.ErrDeliveryFailure, err)
		r.fail(ctx, run, log, correlation.StageDelivering, err)
		span.SetStatus(codes.Error, err.Error())
		return run
	}
	run.Receipt = delRes.Payload

	r.complete(ctx, run, log)
	return run
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// advance moves the run and its tracked context to the next stage. A
// tracker error means the context was finished, evicted or moved behind
// the run's back; the caller must fail the run.
func (r *Runner) advance(run *Run, log *slog.Logger, to correlation.Stage) error {
	if err := r.tracker.Advance(run.CorrelationID, to); err != nil {
		log.Error("tracker rejected stage transition", slog.String("stage", to.String()), slog.String("error", err.Error()))
		return err
	}
	run.State = to
	return nil
}

func (r *Runner) record(run *Run, st correlation.Stage, attempts int, latency time.Duration, err error) {
	run.Outcomes = append(run.Outcomes, StageOutcome{Stage: st, Attempts: attempts, Latency: latency, Err: err})
}

func (r *Runner) complete(ctx context.Context, run *Run, log *slog.Logger) {
	run.State = correlation.StageCompleted
	run.Finished = time.Now()
	if _, err := r.tracker.Finish(run.CorrelationID, correlation.Outcome{Stage: correlation.StageCompleted}); err != nil {
		log.Warn("tracker finish failed", slog.String("error", err.Error()))
	}
	r.sink.Emit(ctx, events.Event{
		Type:          events.TypeRunCompleted,
		CorrelationID: run.CorrelationID,
		Source:        run.Source,
		Stage:         correlation.StageCompleted.String(),
		Outcome:       events.OutcomeSuccess,
		Latency:       run.Finished.Sub(run.Started),
		Timestamp:     run.Finished,
	})
	log.Info("run completed", slog.Duration("latency", run.Finished.Sub(run.Started)))
}

func (r *Runner) fail(ctx context.Context, run *Run, log *slog.Logger, at correlation.Stage, err error) {
	run.State = correlation.StageFailed
	run.FailedAt = at
	run.Err = err
	run.Finished = time.Now()
	// Nothing to finish if Begin failed or the context is already gone.
	if at != correlation.StageReceived && !errors.Is(err, correlation.ErrUnknownCorrelation) {
		_, ferr := r.tracker.Finish(run.CorrelationID, correlation.Outcome{
			Stage:    correlation.StageFailed,
			FailedAt: at,
			Reason:   err.Error(),
		})
		if ferr != nil {
			log.Warn("tracker finish failed", slog.String("error", ferr.Error()))
		}
	}
	r.sink.Emit(ctx, events.Event{
		Type:          events.TypeRunFailed,
		CorrelationID: run.CorrelationID,
		Source:        run.Source,
		Stage:         at.String(),
		Outcome:       events.OutcomeFailure,
		Latency:       run.Finished.Sub(run.Started),
		Error:         err.Error(),
		Timestamp:     run.Finished,
	})
	log.Warn("run failed",
		slog.String("stage", at.String()),
		slog.Bool("notice_sent", run.NoticeSent),
		slog.String("error", err.Error()))
}

// failWithNotice tells the origin channel that the request could not be
// completed, then fails the run. The notice reuses the run's correlation id.
func (r *Runner) failWithNotice(ctx context.Context, run *Run, log *slog.Logger, at correlation.Stage, cause error) {
	if r.opts.FailureNotice != "" {
		_, err := r.stages.Delivery.Invoke(ctx, stage.Request[delivery.Message]{
			CorrelationID: run.CorrelationID,
			Deadline:      deadline(r.opts.Deadlines.Delivery),
			Payload: delivery.Message{
				Channel: run.Channel,
				Kind:    delivery.KindFailureNotice,
				Text:    r.opts.FailureNotice,
			},
		})
		evt := events.Event{
			Type:          events.TypeNoticeSent,
			CorrelationID: run.CorrelationID,
			Source:        run.Source,
			Stage:         at.String(),
			Outcome:       events.OutcomeSuccess,
			Timestamp:     time.Now(),
		}
		if err != nil {
			evt.Outcome = events.OutcomeFailure
			evt.Error = err.Error()
			log.Warn("failure notice not delivered", slog.String("error", err.Error()))
		} else {
			run.NoticeSent = true
		}
		r.sink.Emit(ctx, evt)
	}
	r.fail(ctx, run, log, at, cause)
}
