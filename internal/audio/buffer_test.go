package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testFrame(source string, seq uint64, rms float64) Frame {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return Frame{
		Source:     source,
		Channel:    "chan-" + source,
		Sequence:   seq,
		SampleRate: 16000,
		Channels:   1,
		PCM:        make([]byte, 640),
		CapturedAt: base.Add(time.Duration(seq) * 20 * time.Millisecond),
		Duration:   20 * time.Millisecond,
		RMS:        rms,
	}
}

func TestFrameBufferDrainIsFIFO(t *testing.T) {
	buf := NewFrameBuffer(10)
	for seq := uint64(1); seq <= 5; seq++ {
		if err := buf.Push(testFrame("mic", seq, 0)); err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}
	frames := buf.Drain("mic")
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Sequence != uint64(i+1) {
			t.Fatalf("frame %d has sequence %d", i, f.Sequence)
		}
	}
	if again := buf.Drain("mic"); len(again) != 0 {
		t.Fatalf("expected empty queue after drain, got %d", len(again))
	}
}

func TestFrameBufferRejectsOutOfOrder(t *testing.T) {
	buf := NewFrameBuffer(10)
	if err := buf.Push(testFrame("mic", 7, 0)); err != nil {
		t.Fatalf("first frame anchors sequence: %v", err)
	}
	if err := buf.Push(testFrame("mic", 7, 0)); !errors.Is(err, ErrOutOfOrderFrame) {
		t.Fatalf("expected duplicate rejected, got %v", err)
	}
	if err := buf.Push(testFrame("mic", 8, 0)); err != nil {
		t.Fatalf("expected next frame accepted, got %v", err)
	}
	if err := buf.Push(testFrame("mic", 11, 0)); !errors.Is(err, ErrOutOfOrderFrame) {
		t.Fatalf("expected gap rejected, got %v", err)
	}
	if err := buf.Push(testFrame("mic", 12, 0)); err != nil {
		t.Fatalf("expected stream to resume after gap, got %v", err)
	}

	frames := buf.Drain("mic")
	if len(frames) != 3 {
		t.Fatalf("expected 3 accepted frames, got %d", len(frames))
	}
	stats, ok := buf.Stats("mic")
	if !ok || stats.OutOfOrder != 2 || stats.Accepted != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestFrameBufferOverflowDropsOldest(t *testing.T) {
	buf := NewFrameBuffer(3)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := buf.Push(testFrame("mic", seq, 0)); err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}
	if err := buf.Push(testFrame("mic", 4, 0)); !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	frames := buf.Drain("mic")
	if len(frames) != 3 || frames[0].Sequence != 2 || frames[2].Sequence != 4 {
		t.Fatalf("expected frames 2..4, got %+v", sequences(frames))
	}
}

func TestFrameBufferSourcesAreIndependent(t *testing.T) {
	buf := NewFrameBuffer(1000)
	var wg sync.WaitGroup
	for _, source := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			for seq := uint64(1); seq <= 200; seq++ {
				if err := buf.Push(testFrame(source, seq, 0)); err != nil {
					t.Errorf("push %s/%d: %v", source, seq, err)
					return
				}
			}
		}(source)
	}
	wg.Wait()
	for _, source := range []string{"a", "b", "c"} {
		if got := len(buf.Drain(source)); got != 200 {
			t.Fatalf("source %s: expected 200 frames, got %d", source, got)
		}
	}
}

func sequences(frames []Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Sequence
	}
	return out
}
