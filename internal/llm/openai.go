package llm

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/httpc"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

// openaiGenerator talks to any OpenAI-compatible chat completions API.
type openaiGenerator struct {
	client oai.Client
	cfg    config.LLMConfig
}

// NewOpenAIGenerator builds a chat completions client. An empty endpoint
// uses the SDK default base URL. SDK retries are disabled; the stage client
// owns retry policy.
func NewOpenAIGenerator(endpoint string, cfg config.LLMConfig) Generator {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpc.New(cfg.Policy.MaxConns)),
		option.WithMaxRetries(0),
	}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	return &openaiGenerator{client: oai.NewClient(opts...), cfg: cfg}
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	model := ModelForTier(g.cfg, req.Tier)
	if model == "" {
		return Reply{}, stage.Reject(errors.New("openai: no model configured"))
	}
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.Transcript))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.SessionID != "" {
		params.User = param.NewOpt(req.SessionID)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params,
		option.WithHeader(httpc.CorrelationHeader, req.CorrelationID))
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return Reply{}, &stage.StatusError{Code: apiErr.StatusCode, Body: err.Error()}
		}
		return Reply{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, stage.Reject(errors.New("openai: empty choices in response"))
	}

	choice := resp.Choices[0]
	reply := Reply{
		Text:             choice.Message.Content,
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return reply, nil
}
