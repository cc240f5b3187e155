package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/loqalabs/loqa-pipeline/internal/stage"
	"github.com/mattn/go-shellwords"
)

// execGenerator pipes the request as JSON to a local command and reads a
// reply object from stdout.
type execGenerator struct {
	cmd []string
	log *slog.Logger
}

type execResponse struct {
	Content          string     `json:"content"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string, log *slog.Logger) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args, log: log.With(slog.String("component", "llm-exec"))}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	input, err := json.Marshal(map[string]any{
		"correlation_id": req.CorrelationID,
		"session_id":     req.SessionID,
		"prompt":         req.Transcript,
		"system":         req.System,
		"max_tokens":     req.MaxTokens,
		"temperature":    req.Temperature,
	})
	if err != nil {
		return Reply{}, stage.Reject(err)
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("llm exec command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Reply{}, stage.Reject(fmt.Errorf("decode llm exec response: %w", err))
	}
	g.log.Debug("llm exec complete",
		slog.String("correlation_id", req.CorrelationID),
		slog.Int("completion_tokens", resp.CompletionTokens))
	return Reply{
		Text:             resp.Content,
		ToolCalls:        resp.ToolCalls,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}, nil
}
