package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/loqalabs/loqa-pipeline/internal/audio"
	"github.com/loqalabs/loqa-pipeline/internal/httpc"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

type httpRecognizer struct {
	endpoint string
	language string
	client   *http.Client
}

// NewHTTPRecognizer posts each utterance as a multipart WAV upload.
func NewHTTPRecognizer(endpoint, language string, maxConns int) Recognizer {
	return &httpRecognizer{endpoint: endpoint, language: language, client: httpc.New(maxConns)}
}

func (r *httpRecognizer) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	wav, err := audio.EncodeWAV(req.PCM, req.SampleRate, req.Channels)
	if err != nil {
		return Transcript{}, stage.Reject(err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return Transcript{}, stage.Reject(fmt.Errorf("create form file: %w", err))
	}
	if _, err := part.Write(wav); err != nil {
		return Transcript{}, stage.Reject(fmt.Errorf("write form file: %w", err))
	}
	language := req.Language
	if language == "" {
		language = r.language
	}
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	_ = mw.WriteField("correlation_id", req.CorrelationID)
	if err := mw.Close(); err != nil {
		return Transcript{}, stage.Reject(fmt.Errorf("close multipart: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return Transcript{}, stage.Reject(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set(httpc.CorrelationHeader, req.CorrelationID)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Transcript{}, err
	}
	defer resp.Body.Close()
	if err := httpc.CheckStatus(resp); err != nil {
		return Transcript{}, err
	}

	var out Transcript
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcript{}, stage.Reject(fmt.Errorf("decode stt response: %w", err))
	}
	return out, nil
}
