package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// mockLatency stands in for model think time.
const mockLatency = 20 * time.Millisecond

type mockGenerator struct{}

// NewMockGenerator acknowledges the transcript without calling a model.
// Token counts are word counts.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	timer := time.NewTimer(mockLatency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-timer.C:
	}

	heard := strings.TrimSpace(req.Transcript)
	text := fmt.Sprintf("I heard: %s", heard)
	if req.MaxTokens > 0 {
		if words := strings.Fields(text); len(words) > req.MaxTokens {
			text = strings.Join(words[:req.MaxTokens], " ")
		}
	}
	return Reply{
		Text:             text,
		Model:            "mock",
		PromptTokens:     len(strings.Fields(req.System)) + len(strings.Fields(heard)),
		CompletionTokens: len(strings.Fields(text)),
	}, nil
}
