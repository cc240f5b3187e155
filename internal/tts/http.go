package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/loqalabs/loqa-pipeline/internal/httpc"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

type httpSynth struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSynth posts JSON to endpoint and treats the response body as the
// encoded audio.
func NewHTTPSynth(endpoint string, maxConns int) Synthesizer {
	return &httpSynth{endpoint: endpoint, client: httpc.New(maxConns)}
}

func (s *httpSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Audio{}, stage.Reject(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, stage.Reject(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(httpc.CorrelationHeader, req.CorrelationID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()
	if err := httpc.CheckStatus(resp); err != nil {
		return Audio{}, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read tts response: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, stage.Reject(errors.New("tts returned no audio"))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Audio{Data: data, ContentType: contentType, SampleRate: req.SampleRate}, nil
}
