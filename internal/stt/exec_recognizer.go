package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a local command per utterance. The command receives
// --audio <wav> plus optional --model and --language flags and prints a
// transcript as JSON on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	log *slog.Logger
}

func NewExecRecognizer(cfg config.STTConfig, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, log: log.With(slog.String("component", "stt-exec"))}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, req.PCM, req.SampleRate, req.Channels); err != nil {
		return Transcript{}, stage.Reject(err)
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	language := req.Language
	if language == "" {
		language = r.cfg.Language
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	command.Env = append(os.Environ(), "LOQA_CORRELATION_ID="+req.CorrelationID)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Transcript{}, ctx.Err()
		}
		return Transcript{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}
	if stderr.Len() > 0 {
		r.log.Debug("stt command stderr",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("stderr", stderr.String()))
	}

	var out Transcript
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Transcript{}, stage.Reject(fmt.Errorf("decode stt response: %w", err))
	}
	return out, nil
}
