package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

// Request describes one reasoning turn. SessionID identifies the
// conversation; history lives with the orchestrator, not here.
type Request struct {
	CorrelationID string  `json:"correlation_id"`
	SessionID     string  `json:"session_id,omitempty"`
	Channel       string  `json:"channel,omitempty"`
	Transcript    string  `json:"transcript"`
	Language      string  `json:"language,omitempty"`
	System        string  `json:"system,omitempty"`
	Tier          string  `json:"tier,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
}

// ToolCall is an action the orchestrator decided on alongside its reply.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Reply is the model output for one turn.
type Reply struct {
	Text             string     `json:"reply"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Model            string     `json:"model,omitempty"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
}

// Empty reports whether the reply has nothing to speak.
func (r Reply) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// WithDefaults fills unset request options from config.
func WithDefaults(cfg config.LLMConfig, req Request) Request {
	if req.Tier == "" {
		req.Tier = cfg.DefaultTier
	}
	if req.System == "" {
		req.System = cfg.System
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = cfg.Temperature
	}
	return req
}

// ModelForTier picks the configured model for a tier, falling back to
// whichever model is set.
func ModelForTier(cfg config.LLMConfig, tier string) string {
	switch tier {
	case "fast":
		if cfg.ModelFast != "" {
			return cfg.ModelFast
		}
	case "balanced":
		if cfg.ModelBalanced != "" {
			return cfg.ModelBalanced
		}
	}
	if cfg.ModelBalanced != "" {
		return cfg.ModelBalanced
	}
	return cfg.ModelFast
}

// Backend adapts g to the stage client, applying cfg defaults to every
// request.
func Backend(g Generator, cfg config.LLMConfig) stage.Backend[Request, Reply] {
	return stage.BackendFunc[Request, Reply](func(ctx context.Context, req stage.Request[Request]) (Reply, error) {
		payload := WithDefaults(cfg, req.Payload)
		payload.CorrelationID = req.CorrelationID
		return g.Generate(ctx, payload)
	})
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig, endpoint string, log *slog.Logger) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "http":
		return NewHTTPGenerator(endpoint, cfg.Policy.MaxConns), nil
	case "ollama":
		return NewOllamaGenerator(endpoint, cfg), nil
	case "openai":
		return NewOpenAIGenerator(endpoint, cfg), nil
	case "exec":
		return NewExecGenerator(cfg.Command, log)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
