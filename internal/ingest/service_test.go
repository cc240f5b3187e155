package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/natsserver"
	"github.com/loqalabs/loqa-pipeline/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSubmitter struct {
	mu       sync.Mutex
	segments []audio.Segment
}

func (r *recordingSubmitter) Submit(_ context.Context, seg audio.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
	return nil
}

func (r *recordingSubmitter) wait(t *testing.T, n int) []audio.Segment {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		got := append([]audio.Segment(nil), r.segments...)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d segments, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func audioConfig() config.AudioConfig {
	return config.AudioConfig{
		SampleRate:        16000,
		Channels:          1,
		MaxBufferedFrames: 100,
		RMSThreshold:      0.02,
		SilenceFrames:     5,
		MaxSegmentMS:      10000,
		MinSegmentMS:      0,
	}
}

// pcm returns 20ms of 16kHz mono audio at the given amplitude.
func pcm(amplitude int16) []byte {
	buf := make([]byte, 640)
	for i := 0; i < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(amplitude))
	}
	return buf
}

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func frame(source string, seq uint64, amplitude int16) protocol.AudioFrame {
	return protocol.AudioFrame{
		Source:     source,
		Channel:    "room-" + source,
		Sequence:   seq,
		SampleRate: 16000,
		Channels:   1,
		PCM:        pcm(amplitude),
		CapturedAt: base.Add(time.Duration(seq) * 20 * time.Millisecond),
	}
}

func newService(t *testing.T, cfg config.IngestConfig, submit Submitter, client *bus.Client) *Service {
	t.Helper()
	svc := NewService(context.Background(), cfg, audioConfig(), client, submit, newLogger())
	t.Cleanup(svc.Close)
	return svc
}

func TestFramesBecomeSegments(t *testing.T) {
	sub := &recordingSubmitter{}
	svc := newService(t, config.IngestConfig{IdleTimeoutMS: 60000}, sub, nil)

	seq := uint64(1)
	for i := 0; i < 10; i++ {
		if err := svc.HandleFrame(frame("kitchen", seq, 16384)); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
		seq++
	}
	for i := 0; i < 5; i++ {
		if err := svc.HandleFrame(frame("kitchen", seq, 0)); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
		seq++
	}

	segs := sub.wait(t, 1)
	seg := segs[0]
	if seg.Source != "kitchen" || seg.Channel != "room-kitchen" || seg.FlushReason != audio.FlushSilence {
		t.Fatalf("unexpected segment %+v", seg)
	}
	if seg.FrameCount != 15 || seg.CorrelationID == "" {
		t.Fatalf("expected 15 frames with an id, got %d (%q)", seg.FrameCount, seg.CorrelationID)
	}
}

func TestFinalFrameFlushes(t *testing.T) {
	sub := &recordingSubmitter{}
	svc := newService(t, config.IngestConfig{IdleTimeoutMS: 60000}, sub, nil)

	for seq := uint64(1); seq <= 4; seq++ {
		f := frame("desk", seq, 12000)
		f.Final = seq == 4
		if err := svc.HandleFrame(f); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}
	segs := sub.wait(t, 1)
	if segs[0].FlushReason != audio.FlushExplicit || segs[0].FrameCount != 4 {
		t.Fatalf("unexpected segment %+v", segs[0])
	}
}

func TestOutOfOrderFrameIsReported(t *testing.T) {
	svc := newService(t, config.IngestConfig{IdleTimeoutMS: 60000}, &recordingSubmitter{}, nil)
	if err := svc.HandleFrame(frame("mic", 5, 0)); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if err := svc.HandleFrame(frame("mic", 5, 0)); !errors.Is(err, audio.ErrOutOfOrderFrame) {
		t.Fatalf("expected out-of-order error, got %v", err)
	}
	if err := svc.HandleFrame(frame("mic", 6, 0)); err != nil {
		t.Fatalf("stream should continue: %v", err)
	}
	if err := svc.HandleFrame(protocol.AudioFrame{Source: "mic", PCM: []byte{1}}); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid frame, got %v", err)
	}
}

func TestDroppedFramesAreWarnedAndCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = mp.Shutdown(context.Background())
	})

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc := NewService(context.Background(), config.IngestConfig{IdleTimeoutMS: 60000}, audioConfig(), nil, &recordingSubmitter{}, log)
	t.Cleanup(svc.Close)

	if err := svc.HandleFrame(frame("hall", 1, 0)); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if err := svc.HandleFrame(frame("hall", 1, 0)); !errors.Is(err, audio.ErrOutOfOrderFrame) {
		t.Fatalf("expected out-of-order error, got %v", err)
	}
	if err := svc.HandleFrame(frame("hall", 2, 0)); err != nil {
		t.Fatalf("stream should continue: %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "audio frame dropped") || !strings.Contains(out, "reason=out_of_order") {
		t.Fatalf("expected a warning for the dropped frame, got %q", out)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "loqa.ingest.frames_dropped" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, _ := dp.Attributes.Value(attribute.Key("reason")); v.AsString() != "out_of_order" {
					t.Fatalf("unexpected drop reason %q", v.AsString())
				}
				total += dp.Value
			}
		}
	}
	if total != 1 {
		t.Fatalf("expected one dropped frame counted, got %d", total)
	}
}

func TestIdleSourceIsFlushedAndForgotten(t *testing.T) {
	sub := &recordingSubmitter{}
	svc := newService(t, config.IngestConfig{IdleTimeoutMS: 50}, sub, nil)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := svc.HandleFrame(frame("porch", seq, 16384)); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}
	segs := sub.wait(t, 1)
	if segs[0].FlushReason != audio.FlushExplicit {
		t.Fatalf("expected idle flush, got %s", segs[0].FlushReason)
	}
	deadline := time.Now().Add(time.Second)
	for len(svc.Sources()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle worker not retired: %v", svc.Sources())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// a forgotten source re-anchors its sequence
	if err := svc.HandleFrame(frame("porch", 1, 0)); err != nil {
		t.Fatalf("restarted source rejected: %v", err)
	}
}

func TestBusFramesAndFlush(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sub := &recordingSubmitter{}
	svc := newService(t, config.IngestConfig{Enabled: true, SubjectPrefix: "audio", IdleTimeoutMS: 60000}, sub, client)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("expected healthy after start")
	}

	for seq := uint64(1); seq <= 3; seq++ {
		f := frame("", seq, 16384)
		if err := client.PublishJSON("audio.frame.garage", f); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush conn: %v", err)
	}
	// frames and the flush travel on different subjects; wait for the
	// worker before signalling
	deadline := time.Now().Add(2 * time.Second)
	for len(svc.Sources()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("frames never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if err := client.PublishJSON("audio.flush.garage", protocol.FlushSignal{}); err != nil {
		t.Fatalf("publish flush: %v", err)
	}

	segs := sub.wait(t, 1)
	if segs[0].Source != "garage" || segs[0].FrameCount != 3 || segs[0].FlushReason != audio.FlushExplicit {
		t.Fatalf("unexpected segment %+v", segs[0])
	}
}
