package audio

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FlushReason records why a segment was closed.
type FlushReason string

const (
	FlushSilence     FlushReason = "silence"
	FlushMaxDuration FlushReason = "max_duration"
	FlushExplicit    FlushReason = "explicit"
)

// Segment is one utterance: the frames between speech onset and closure,
// concatenated.
type Segment struct {
	CorrelationID string
	Source        string
	Channel       string
	PCM           []byte
	SampleRate    int
	Channels      int
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	FrameCount    int
	FirstSequence uint64
	LastSequence  uint64
	FlushReason   FlushReason
}

// SegmenterConfig holds the voice activity tunables.
type SegmenterConfig struct {
	// RMSThreshold is the energy a frame must exceed to count as speech.
	RMSThreshold float64
	// SilenceFrames is the run of quiet frames that closes a segment.
	SilenceFrames int
	MaxDuration   time.Duration
	// MinDuration discards shorter segments as noise.
	MinDuration time.Duration
}

// Assembler groups buffered frames into segments, one state machine per
// source.
type Assembler struct {
	cfg    SegmenterConfig
	buffer *FrameBuffer
	newID  func() string

	mu     sync.RWMutex
	states map[string]*segmentState
}

type segmentState struct {
	mu       sync.Mutex
	open     bool
	speaking bool
	frames   []Frame
	quietRun int
}

// NewAssembler returns an assembler that consumes frames from buffer.
func NewAssembler(cfg SegmenterConfig, buffer *FrameBuffer) *Assembler {
	return &Assembler{
		cfg:    cfg,
		buffer: buffer,
		newID:  uuid.NewString,
		states: make(map[string]*segmentState),
	}
}

func (a *Assembler) state(source string) *segmentState {
	a.mu.RLock()
	st := a.states[source]
	a.mu.RUnlock()
	if st != nil {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st = a.states[source]; st == nil {
		st = &segmentState{}
		a.states[source] = st
	}
	return st
}

// Collect drains the buffered frames of source and returns every segment
// they close, in order.
func (a *Assembler) Collect(source string) []Segment {
	st := a.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	return a.collectLocked(st, source)
}

// Flush drains source like Collect and then force-closes the segment still
// open, if it is long enough to keep.
func (a *Assembler) Flush(source string) []Segment {
	st := a.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	closed := a.collectLocked(st, source)
	if !st.open {
		return closed
	}
	if seg, ok := a.close(st, FlushExplicit); ok {
		closed = append(closed, seg)
	}
	return closed
}

func (a *Assembler) collectLocked(st *segmentState, source string) []Segment {
	var out []Segment
	for _, frame := range a.buffer.Drain(source) {
		if seg, ok := a.consume(st, frame); ok {
			out = append(out, seg)
		}
	}
	return out
}

// Speaking reports whether the last frame seen for source was above the
// threshold.
func (a *Assembler) Speaking(source string) bool {
	a.mu.RLock()
	st := a.states[source]
	a.mu.RUnlock()
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.speaking
}

// Forget discards any open segment and the buffered frames for source.
func (a *Assembler) Forget(source string) {
	a.mu.Lock()
	delete(a.states, source)
	a.mu.Unlock()
	a.buffer.Forget(source)
}

func (a *Assembler) consume(st *segmentState, frame Frame) (Segment, bool) {
	loud := frame.RMS > a.cfg.RMSThreshold
	st.speaking = loud

	if !st.open {
		if !loud {
			return Segment{}, false
		}
		st.open = true
		st.quietRun = 0
		st.frames = st.frames[:0]
	}

	st.frames = append(st.frames, frame)
	if loud {
		st.quietRun = 0
	} else {
		st.quietRun++
	}

	if st.quietRun >= a.cfg.SilenceFrames {
		return a.close(st, FlushSilence)
	}
	if a.cfg.MaxDuration > 0 && span(st.frames) >= a.cfg.MaxDuration {
		return a.close(st, FlushMaxDuration)
	}
	return Segment{}, false
}

func (a *Assembler) close(st *segmentState, reason FlushReason) (Segment, bool) {
	frames := st.frames
	st.open = false
	st.quietRun = 0
	st.frames = nil

	if len(frames) == 0 {
		return Segment{}, false
	}
	duration := span(frames)
	if duration < a.cfg.MinDuration {
		return Segment{}, false
	}

	first, last := frames[0], frames[len(frames)-1]
	size := 0
	for _, f := range frames {
		size += len(f.PCM)
	}
	pcm := make([]byte, 0, size)
	for _, f := range frames {
		pcm = append(pcm, f.PCM...)
	}

	return Segment{
		CorrelationID: a.newID(),
		Source:        first.Source,
		Channel:       first.Channel,
		PCM:           pcm,
		SampleRate:    first.SampleRate,
		Channels:      first.Channels,
		Start:         first.CapturedAt,
		End:           last.CapturedAt.Add(last.Duration),
		Duration:      duration,
		FrameCount:    len(frames),
		FirstSequence: first.Sequence,
		LastSequence:  last.Sequence,
		FlushReason:   reason,
	}, true
}

// span is the wall time covered by frames, never negative.
func span(frames []Frame) time.Duration {
	if len(frames) == 0 {
		return 0
	}
	first, last := frames[0], frames[len(frames)-1]
	d := last.CapturedAt.Add(last.Duration).Sub(first.CapturedAt)
	if d < 0 {
		return 0
	}
	return d
}
