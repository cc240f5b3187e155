// Package audio turns streamed PCM frames into utterance segments.
//
// Frames land in a per-source FrameBuffer and an Assembler drains that
// buffer, opening a segment on the first loud frame and closing it after a
// run of quiet frames, at a maximum duration, or on an explicit flush.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is one chunk of 16-bit little-endian PCM from a single source.
// Frames are not modified after NewFrame returns them.
type Frame struct {
	Source     string
	Channel    string
	Sequence   uint64
	SampleRate int
	Channels   int
	PCM        []byte
	CapturedAt time.Time
	Duration   time.Duration
	RMS        float64
}

// NewFrame builds a frame and derives its duration and RMS energy from pcm.
func NewFrame(source, channel string, seq uint64, pcm []byte, sampleRate, channels int, capturedAt time.Time) Frame {
	return Frame{
		Source:     source,
		Channel:    channel,
		Sequence:   seq,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
		CapturedAt: capturedAt,
		Duration:   PCMDuration(len(pcm), sampleRate, channels),
		RMS:        RMS(pcm),
	}
}

// RMS returns the root mean square of the int16 samples in pcm, normalised
// to [0, 1]. A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// PCMDuration is the playback time of size bytes of 16-bit PCM.
func PCMDuration(size, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := size / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
