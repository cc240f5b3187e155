package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

// Request contains parameters to synthesize speech.
type Request struct {
	CorrelationID string `json:"correlation_id"`
	Text          string `json:"text"`
	Voice         string `json:"voice,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
}

// Audio is a synthesized reply ready for delivery.
type Audio struct {
	Data        []byte
	ContentType string
	SampleRate  int
	Channels    int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Backend adapts s to the stage client, filling voice and sample rate from
// cfg when the request leaves them unset.
func Backend(s Synthesizer, cfg config.TTSConfig) stage.Backend[Request, Audio] {
	return stage.BackendFunc[Request, Audio](func(ctx context.Context, req stage.Request[Request]) (Audio, error) {
		payload := req.Payload
		payload.CorrelationID = req.CorrelationID
		if payload.Voice == "" {
			payload.Voice = cfg.Voice
		}
		if payload.SampleRate == 0 {
			payload.SampleRate = cfg.SampleRate
		}
		return s.Synthesize(ctx, payload)
	})
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, endpoint string, log *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "http":
		return NewHTTPSynth(endpoint, cfg.Policy.MaxConns), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, log)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
