// Package httpc builds the pooled HTTP clients used by stage backends and
// maps non-2xx responses onto stage errors.
package httpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second

	// maxErrorBody caps how much of a failed response ends up in errors.
	maxErrorBody = 512
)

// New returns a client whose transport keeps at most maxConns connections
// per host. It sets no overall timeout; callers bound requests with the
// stage context.
func New(maxConns int) *http.Client {
	if maxConns <= 0 {
		maxConns = 16
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: DefaultKeepAlive,
			}).DialContext,
			MaxIdleConns:          maxConns * 2,
			MaxIdleConnsPerHost:   maxConns,
			MaxConnsPerHost:       maxConns,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// CheckStatus returns a *stage.StatusError for non-2xx responses. The body
// is read (truncated) but not closed.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &stage.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// PostJSON sends in as JSON and decodes the response into out. A body that
// does not decode is reported as a rejection so it is not retried.
func PostJSON(ctx context.Context, client *http.Client, url string, header http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return stage.Reject(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return stage.Reject(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := CheckStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return stage.Reject(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// CorrelationHeader carries the correlation id on every outbound request.
const CorrelationHeader = "X-Correlation-ID"

// WithCorrelation returns a header set carrying id.
func WithCorrelation(id string) http.Header {
	h := http.Header{}
	if id != "" {
		h.Set(CorrelationHeader, id)
	}
	return h
}
