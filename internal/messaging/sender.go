// Package messaging is the outbound edge to the backend session workers:
// the SendText capability the balanced-send endpoint fans into.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Quoted references a prior message in a send.
type Quoted struct {
	Key     map[string]interface{} `json:"key,omitempty"`
	Message map[string]interface{} `json:"message,omitempty"`
}

// TextPayload is the send request forwarded to a session worker.
type TextPayload struct {
	Number           string   `json:"number"`
	Text             string   `json:"text"`
	Delay            int      `json:"delay,omitempty"`
	Quoted           *Quoted  `json:"quoted,omitempty"`
	LinkPreview      *bool    `json:"linkPreview,omitempty"`
	MentionsEveryOne bool     `json:"mentionsEveryOne,omitempty"`
	Mentioned        []string `json:"mentioned,omitempty"`
}

// Result is the backend's send result, passed through untouched so the
// balanced-send response can augment it.
type Result map[string]interface{}

// TextSender is the capability contract consumed by the public API. Errors
// surface to the caller of the balanced-send endpoint.
type TextSender interface {
	SendText(ctx context.Context, instance string, payload TextPayload) (Result, error)
}

// HTTPSender forwards sends to the session-worker HTTP API.
type HTTPSender struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSender(baseURL, apiKey string) *HTTPSender {
	return &HTTPSender{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSender) SendText(ctx context.Context, instance string, payload TextPayload) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode send payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/message/sendText/%s", s.baseURL, url.PathEscape(instance))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send to instance %s: %w", instance, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read send response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("instance %s returned status %d: %s", instance, resp.StatusCode, raw)
	}

	var result Result
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode send response: %w", err)
		}
	}
	return result, nil
}
