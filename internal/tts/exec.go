package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
	"github.com/mattn/go-shellwords"
)

// execSynth writes the request as JSON to a local command which streams
// newline-delimited {pcm_base64, final} chunks back on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	log        *slog.Logger
}

type execRequest struct {
	CorrelationID string `json:"correlation_id"`
	Text          string `json:"text"`
	Voice         string `json:"voice"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int, log *slog.Logger) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if channels <= 0 {
		channels = 1
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels, log: log.With(slog.String("component", "tts-exec"))}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	rate := req.SampleRate
	if rate == 0 {
		rate = e.sampleRate
	}
	data, err := json.Marshal(execRequest{
		CorrelationID: req.CorrelationID,
		Text:          req.Text,
		Voice:         req.Voice,
		SampleRate:    rate,
		Channels:      e.channels,
	})
	if err != nil {
		return Audio{}, stage.Reject(err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("start tts command: %w", err)
	}

	var pcm bytes.Buffer
	final := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var decodeErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			decodeErr = stage.Reject(fmt.Errorf("decode tts chunk: %w", err))
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			decodeErr = stage.Reject(fmt.Errorf("decode tts pcm: %w", err))
			break
		}
		pcm.Write(chunk)
		if resp.Final {
			final = true
		}
	}
	if decodeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Audio{}, decodeErr
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}
	if err := scanner.Err(); err != nil {
		return Audio{}, err
	}
	if !final {
		e.log.Debug("tts command ended without final chunk", slog.String("correlation_id", req.CorrelationID))
	}
	if pcm.Len() == 0 {
		return Audio{}, stage.Reject(errors.New("tts command produced no audio"))
	}
	wav, err := audio.EncodeWAV(pcm.Bytes(), rate, e.channels)
	if err != nil {
		return Audio{}, stage.Reject(err)
	}
	return Audio{Data: wav, ContentType: "audio/wav", SampleRate: rate, Channels: e.channels}, nil
}
