package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/httpc"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

const defaultOllamaModel = "llama3.2:latest"

type ollamaGenerator struct {
	endpoint string
	cfg      config.LLMConfig
	client   *http.Client
}

func NewOllamaGenerator(endpoint string, cfg config.LLMConfig) Generator {
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		cfg:      cfg,
		client:   httpc.New(cfg.Policy.MaxConns),
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Generate streams /api/generate and accumulates the chunks into one reply.
func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	model := ModelForTier(g.cfg, req.Tier)
	if model == "" {
		model = defaultOllamaModel
	}
	body, err := json.Marshal(ollamaRequest{
		Model:  model,
		Prompt: req.Transcript,
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return Reply{}, stage.Reject(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Reply{}, stage.Reject(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(httpc.CorrelationHeader, req.CorrelationID)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	if err := httpc.CheckStatus(resp); err != nil {
		return Reply{}, err
	}

	reply := Reply{Model: model}
	var text strings.Builder
	done := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Reply{}, stage.Reject(fmt.Errorf("decode ollama chunk: %w", err))
		}
		if chunk.Error != "" {
			return Reply{}, fmt.Errorf("ollama: %s", chunk.Error)
		}
		text.WriteString(chunk.Response)
		if chunk.EvalCount > 0 {
			reply.CompletionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			reply.PromptTokens = chunk.PromptEvalCount
		}
		if chunk.Done {
			done = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Reply{}, err
	}
	if !done {
		// stream cut before the final chunk
		return Reply{}, fmt.Errorf("ollama stream ended early")
	}
	reply.Text = strings.TrimSpace(text.String())
	return reply, nil
}
