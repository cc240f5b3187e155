package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
)

// silenceRMS is the energy below which the mock hears nothing.
const silenceRMS = 0.01

type mockRecognizer struct{}

// NewMockRecognizer describes the audio it is given instead of
// transcribing it. Silent audio yields an empty transcript.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	duration := audio.PCMDuration(len(req.PCM), req.SampleRate, req.Channels)
	out := Transcript{Language: req.Language, Duration: duration.Seconds()}
	if audio.RMS(req.PCM) < silenceRMS {
		return out, nil
	}
	out.Text = fmt.Sprintf("utterance from %s lasting %dms", req.Source, duration.Milliseconds())
	out.Confidence = 1
	return out, nil
}
