// Package ingest turns audio frames arriving on the bus into segments and
// hands each closed segment to the pipeline runner.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/protocol"
)

// Submitter accepts closed segments. *pipeline.Runner satisfies it.
type Submitter interface {
	Submit(ctx context.Context, seg audio.Segment) error
}

var ErrInvalidFrame = errors.New("invalid audio frame")

type Service struct {
	cfg       config.IngestConfig
	audioCfg  config.AudioConfig
	buffer    *audio.FrameBuffer
	assembler *audio.Assembler
	submit    Submitter
	bus       *bus.Client
	log       *slog.Logger
	dropped   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	ready  bool

	mu      sync.Mutex
	workers map[string]*worker
}

// worker owns the assembler state of one source. mu guards retirement so
// a frame is never pushed into a source that is being forgotten.
type worker struct {
	source   string
	signal   chan struct{}
	flush    chan struct{}
	mu       sync.Mutex
	lastSeen time.Time
	retired  bool
}

func NewService(parent context.Context, cfg config.IngestConfig, audioCfg config.AudioConfig, busClient *bus.Client, submit Submitter, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	buffer := audio.NewFrameBuffer(audioCfg.MaxBufferedFrames)
	log = log.With(slog.String("component", "ingest"))
	dropped, err := otel.Meter("github.com/loqalabs/loqa-pipeline/ingest").Int64Counter("loqa.ingest.frames_dropped",
		metric.WithDescription("Audio frames dropped by source and reason"))
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return &Service{
		cfg:      cfg,
		audioCfg: audioCfg,
		buffer:   buffer,
		assembler: audio.NewAssembler(audio.SegmenterConfig{
			RMSThreshold:  audioCfg.RMSThreshold,
			SilenceFrames: audioCfg.SilenceFrames,
			MaxDuration:   time.Duration(audioCfg.MaxSegmentMS) * time.Millisecond,
			MinDuration:   time.Duration(audioCfg.MinSegmentMS) * time.Millisecond,
		}, buffer),
		submit:  submit,
		bus:     busClient,
		log:     log,
		dropped: dropped,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

func (s *Service) prefix() string {
	if s.cfg.SubjectPrefix == "" {
		return "audio"
	}
	return s.cfg.SubjectPrefix
}

// Start subscribes to <prefix>.frame.> and <prefix>.flush.>.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus == nil {
		return errors.New("ingest requires a bus connection")
	}
	frameSub, err := s.bus.Conn().Subscribe(s.prefix()+".frame.>", s.handleFrameMsg)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frameSub)
	flushSub, err := s.bus.Conn().Subscribe(s.prefix()+".flush.>", s.handleFlushMsg)
	if err != nil {
		_ = frameSub.Unsubscribe()
		return fmt.Errorf("subscribe audio flush: %w", err)
	}
	s.subs = append(s.subs, flushSub)
	s.ready = true
	s.log.Info("ingest started", slog.String("subjects", s.prefix()+".{frame,flush}.>"))
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// Sources lists sources with a live worker.
func (s *Service) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for source := range s.workers {
		out = append(out, source)
	}
	return out
}

func (s *Service) handleFrameMsg(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.Source == "" {
		frame.Source = subjectSource(msg.Subject, s.prefix()+".frame.")
	}
	if err := s.HandleFrame(frame); errors.Is(err, ErrInvalidFrame) {
		s.log.Warn("audio frame rejected", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

func (s *Service) handleFlushMsg(msg *nats.Msg) {
	var signal protocol.FlushSignal
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &signal); err != nil {
			s.log.Warn("failed to decode flush signal", slog.String("error", err.Error()))
			return
		}
	}
	if signal.Source == "" {
		signal.Source = subjectSource(msg.Subject, s.prefix()+".flush.")
	}
	s.Flush(signal.Source)
}

func subjectSource(subject, prefix string) string {
	return strings.TrimPrefix(subject, prefix)
}

// HandleFrame buffers one frame and wakes the source's worker. Sequence
// and overflow drops are logged, counted and returned; the stream
// continues.
func (s *Service) HandleFrame(in protocol.AudioFrame) error {
	if in.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidFrame)
	}
	if len(in.PCM) == 0 || len(in.PCM)%2 != 0 {
		return fmt.Errorf("%w: pcm length %d", ErrInvalidFrame, len(in.PCM))
	}
	rate, channels := in.SampleRate, in.Channels
	if rate <= 0 {
		rate = s.audioCfg.SampleRate
	}
	if channels <= 0 {
		channels = s.audioCfg.Channels
	}
	channel := in.Channel
	if channel == "" {
		channel = in.Source
	}
	captured := in.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	frame := audio.NewFrame(in.Source, channel, in.Sequence, in.PCM, rate, channels, captured)

	w := s.acquire(in.Source)
	err := s.buffer.Push(frame)
	w.lastSeen = time.Now()
	w.mu.Unlock()

	if err != nil {
		s.recordDrop(in, err)
	}
	notify(w.signal)
	if in.Final {
		notify(w.flush)
	}
	return err
}

func (s *Service) recordDrop(in protocol.AudioFrame, err error) {
	reason := "overflow"
	if errors.Is(err, audio.ErrOutOfOrderFrame) {
		reason = "out_of_order"
	}
	s.log.Warn("audio frame dropped",
		slog.String("source", in.Source),
		slog.Uint64("sequence", in.Sequence),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	if s.dropped != nil {
		s.dropped.Add(s.ctx, 1, metric.WithAttributes(
			attribute.String("source", in.Source),
			attribute.String("reason", reason),
		))
	}
}

// Flush closes any open segment of source.
func (s *Service) Flush(source string) {
	s.mu.Lock()
	w := s.workers[source]
	s.mu.Unlock()
	if w != nil {
		notify(w.flush)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// acquire returns the live worker for source with its mu held, starting
// one if needed.
func (s *Service) acquire(source string) *worker {
	for {
		s.mu.Lock()
		w := s.workers[source]
		if w == nil {
			w = &worker{
				source:   source,
				signal:   make(chan struct{}, 1),
				flush:    make(chan struct{}, 1),
				lastSeen: time.Now(),
			}
			s.workers[source] = w
			s.wg.Add(1)
			go s.run(w)
		}
		s.mu.Unlock()

		w.mu.Lock()
		if !w.retired {
			return w
		}
		w.mu.Unlock()
	}
}

func (s *Service) idleTimeout() time.Duration {
	if s.cfg.IdleTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.IdleTimeoutMS) * time.Millisecond
}

func (s *Service) run(w *worker) {
	defer s.wg.Done()
	idle := s.idleTimeout()
	check := idle / 2
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-w.signal:
			s.dispatch(w, s.assembler.Collect(w.source))
		case <-w.flush:
			s.dispatch(w, s.assembler.Flush(w.source))
		case <-ticker.C:
			if s.retireIfIdle(w, idle) {
				return
			}
		}
	}
}

// retireIfIdle flushes and forgets a source that has sent nothing for
// idle. The worker leaves the map before its lock is released so the next
// frame starts a fresh worker.
func (s *Service) retireIfIdle(w *worker, idle time.Duration) bool {
	w.mu.Lock()
	if time.Since(w.lastSeen) < idle {
		w.mu.Unlock()
		return false
	}
	w.retired = true
	segments := s.assembler.Flush(w.source)
	s.assembler.Forget(w.source)
	s.mu.Lock()
	if s.workers[w.source] == w {
		delete(s.workers, w.source)
	}
	s.mu.Unlock()
	w.mu.Unlock()

	s.dispatch(w, segments)
	s.log.Debug("source idle, forgotten", slog.String("source", w.source))
	return true
}

func (s *Service) dispatch(w *worker, segments []audio.Segment) {
	for _, seg := range segments {
		s.log.Debug("segment closed",
			slog.String("correlation_id", seg.CorrelationID),
			slog.String("source", seg.Source),
			slog.String("reason", string(seg.FlushReason)),
			slog.Duration("duration", seg.Duration))
		if err := s.submit.Submit(s.ctx, seg); err != nil {
			s.log.Warn("segment not submitted",
				slog.String("correlation_id", seg.CorrelationID),
				slog.String("source", w.source),
				slog.String("error", err.Error()))
		}
	}
}
