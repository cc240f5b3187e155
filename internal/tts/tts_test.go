package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPSynthReturnsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.CorrelationID != "corr-1" || req.Voice != "amber" || req.SampleRate != 22050 {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write([]byte("OggS-fake"))
	}))
	t.Cleanup(srv.Close)

	cfg := config.TTSConfig{Mode: "http", Voice: "amber", SampleRate: 22050}
	synth, err := New(cfg, srv.URL, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := Backend(synth, cfg).Call(context.Background(), stage.Request[Request]{
		CorrelationID: "corr-1",
		Payload:       Request{Text: "Lights on."},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.ContentType != "audio/ogg" || string(got.Data) != "OggS-fake" {
		t.Fatalf("unexpected audio %+v", got)
	}
}

func TestHTTPSynthEmptyBodyIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPSynth(srv.URL, 1).Synthesize(context.Background(), Request{Text: "hi"})
	if err == nil || stage.Transient(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestMockSynthProducesWav(t *testing.T) {
	got, err := NewMockSynth(16000, 1).Synthesize(context.Background(), Request{Text: "one two three"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got.ContentType != "audio/wav" || len(got.Data) < 44 || string(got.Data[:4]) != "RIFF" {
		t.Fatalf("unexpected mock audio: %s %d bytes", got.ContentType, len(got.Data))
	}
}
