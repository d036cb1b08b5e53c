package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookRequest is one outbound call made by an HTTP_REQUEST step.
type WebhookRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// WebhookResponse is the decoded reply of a webhook. Body holds the JSON
// document when the response parses as JSON, the raw text otherwise.
type WebhookResponse struct {
	StatusCode int
	Body       any
}

// WebhookClient sends webhook requests.
type WebhookClient interface {
	Send(ctx context.Context, req WebhookRequest) (*WebhookResponse, error)
}

// maxWebhookBody caps how much of a response is kept in the step result.
const maxWebhookBody = 1 << 20

// HTTPWebhookClient calls webhooks over net/http. It never retries.
type HTTPWebhookClient struct {
	httpClient *http.Client
}

// NewHTTPWebhookClient returns a client with the given timeout, or 10 seconds
// when timeout is not positive.
func NewHTTPWebhookClient(timeout time.Duration) *HTTPWebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhookClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send performs the request. Any non-2xx status is an error.
func (c *HTTPWebhookClient) Send(ctx context.Context, in WebhookRequest) (*WebhookResponse, error) {
	var body io.Reader
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	out := &WebhookResponse{StatusCode: resp.StatusCode}
	if len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out.Body = decoded
		} else {
			out.Body = string(raw)
		}
	}
	return out, nil
}
