package llm

import (
	"context"
	"net/http"

	"github.com/loqalabs/loqa-pipeline/internal/httpc"
)

// httpGenerator forwards the turn to an external orchestrator that owns
// conversation history and tool execution.
type httpGenerator struct {
	endpoint string
	client   *http.Client
}

func NewHTTPGenerator(endpoint string, maxConns int) Generator {
	return &httpGenerator{endpoint: endpoint, client: httpc.New(maxConns)}
}

func (g *httpGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	var reply Reply
	if err := httpc.PostJSON(ctx, g.client, g.endpoint, httpc.WithCorrelation(req.CorrelationID), req, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}
