package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

// Request is one utterance to transcribe.
type Request struct {
	CorrelationID string
	Source        string
	PCM           []byte
	SampleRate    int
	Channels      int
	Language      string
}

// Segment is a timed span reported by recognizers that support it.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript captures recognizer output.
type Transcript struct {
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
}

// Empty reports whether the transcript carries no speech.
func (t Transcript) Empty() bool {
	return strings.TrimSpace(t.Text) == ""
}

// Recognizer abstracts STT backends. One call is one attempt; retries are
// the stage client's job.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// Backend adapts r to the stage client.
func Backend(r Recognizer) stage.Backend[Request, Transcript] {
	return stage.BackendFunc[Request, Transcript](func(ctx context.Context, req stage.Request[Request]) (Transcript, error) {
		payload := req.Payload
		payload.CorrelationID = req.CorrelationID
		return r.Transcribe(ctx, payload)
	})
}

// New builds the recognizer selected by cfg.Mode. endpoint is the resolved
// service URL for http mode.
func New(cfg config.STTConfig, endpoint string, log *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "http":
		return NewHTTPRecognizer(endpoint, cfg.Language, cfg.Policy.MaxConns), nil
	case "exec":
		return NewExecRecognizer(cfg, log)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
