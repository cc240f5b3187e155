package audio

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfOrderFrame is returned when a frame does not follow the last
	// accepted sequence number of its source. The frame is dropped.
	ErrOutOfOrderFrame = errors.New("out of order frame")
	// ErrBufferOverflow is returned when older frames were discarded to make
	// room for a new one. The new frame is kept.
	ErrBufferOverflow = errors.New("frame buffer overflow")
)

// BufferStats reports per-source counters.
type BufferStats struct {
	Source       string `json:"source"`
	Buffered     int    `json:"buffered"`
	Accepted     uint64 `json:"accepted"`
	OutOfOrder   uint64 `json:"out_of_order"`
	Overflowed   uint64 `json:"overflowed"`
	LastSequence uint64 `json:"last_sequence"`
}

// FrameBuffer holds a bounded FIFO of frames per source. Each source has its
// own lock, so producers for different sources never wait on each other.
type FrameBuffer struct {
	capacity int

	mu      sync.RWMutex
	sources map[string]*sourceQueue
}

type sourceQueue struct {
	mu      sync.Mutex
	frames  []Frame
	lastSeq uint64
	started bool
	stats   BufferStats
}

// NewFrameBuffer returns a buffer that keeps at most capacity frames per source.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameBuffer{
		capacity: capacity,
		sources:  make(map[string]*sourceQueue),
	}
}

func (b *FrameBuffer) queue(source string) *sourceQueue {
	b.mu.RLock()
	q := b.sources[source]
	b.mu.RUnlock()
	if q != nil {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q = b.sources[source]; q == nil {
		q = &sourceQueue{stats: BufferStats{Source: source}}
		b.sources[source] = q
	}
	return q
}

// Push appends frame to its source queue without blocking on other sources.
//
// The first frame seen for a source anchors its sequence. A frame at or
// behind the last accepted sequence is a duplicate or late arrival; a frame
// ahead of last+1 means frames were lost. Both are dropped with
// ErrOutOfOrderFrame, but a forward gap moves the anchor to the new sequence
// so the stream resumes with the next frame.
func (b *FrameBuffer) Push(frame Frame) error {
	q := b.queue(frame.Source)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started && frame.Sequence != q.lastSeq+1 {
		q.stats.OutOfOrder++
		expected := q.lastSeq + 1
		if frame.Sequence > q.lastSeq {
			q.lastSeq = frame.Sequence
		}
		return fmt.Errorf("%w: source %s expected %d got %d", ErrOutOfOrderFrame, frame.Source, expected, frame.Sequence)
	}
	q.started = true
	q.lastSeq = frame.Sequence
	q.stats.LastSequence = frame.Sequence
	q.stats.Accepted++

	var err error
	if len(q.frames) >= b.capacity {
		dropped := len(q.frames) - b.capacity + 1
		q.frames = append(q.frames[:0:0], q.frames[dropped:]...)
		q.stats.Overflowed += uint64(dropped)
		err = fmt.Errorf("%w: source %s dropped %d frames", ErrBufferOverflow, frame.Source, dropped)
	}
	q.frames = append(q.frames, frame)
	return err
}

// Drain returns the buffered frames of source in arrival order and empties
// its queue.
func (b *FrameBuffer) Drain(source string) []Frame {
	b.mu.RLock()
	q := b.sources[source]
	b.mu.RUnlock()
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.frames
	q.frames = nil
	return frames
}

// Forget drops all state for source, including its sequence anchor.
func (b *FrameBuffer) Forget(source string) {
	b.mu.Lock()
	delete(b.sources, source)
	b.mu.Unlock()
}

// Stats returns a snapshot of the counters for source.
func (b *FrameBuffer) Stats(source string) (BufferStats, bool) {
	b.mu.RLock()
	q := b.sources[source]
	b.mu.RUnlock()
	if q == nil {
		return BufferStats{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Buffered = len(q.frames)
	return stats, true
}

// Sources lists the sources with live state.
func (b *FrameBuffer) Sources() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.sources))
	for source := range b.sources {
		out = append(out, source)
	}
	return out
}
