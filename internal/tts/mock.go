package tts

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns silence sized to the reply, 80ms per word.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	words := len(strings.Fields(req.Text))
	samples := words * m.sampleRate * 80 / 1000
	pcm := make([]byte, samples*2*m.channels)
	data, err := audio.EncodeWAV(pcm, m.sampleRate, m.channels)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: data, ContentType: "audio/wav", SampleRate: m.sampleRate, Channels: m.channels}, nil
}
