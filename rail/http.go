package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient talks to the payment rail's REST API. Network errors, timeouts,
// and 5xx responses classify as transient; 4xx responses as rejected.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type railResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) Transfer(ctx context.Context, params TransferParams) (string, error) {
	return c.post(ctx, "transfer", "/v1/transfers", params.IdempotencyKey, map[string]any{
		"destination": params.Destination,
		"amount":      params.Amount,
		"currency":    params.Currency,
	})
}

func (c *HTTPClient) Refund(ctx context.Context, params RefundParams) (string, error) {
	return c.post(ctx, "refund", "/v1/refunds", params.IdempotencyKey, map[string]any{
		"charge": params.ExternalRef,
		"amount": params.Amount,
	})
}

func (c *HTTPClient) post(ctx context.Context, op, path, idempotencyKey string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("rail: marshal %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("rail: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransientError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TransientError{Op: op, Cause: err}
	}

	var parsed railResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode < 300 {
			return "", &TransientError{Op: op, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed.ID == "" {
			return "", &TransientError{Op: op, Cause: fmt.Errorf("missing reference in response")}
		}
		return parsed.ID, nil
	case resp.StatusCode >= 500:
		return "", &TransientError{Op: op, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		code := parsed.Code
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return "", &RejectedError{Op: op, Code: code, Message: parsed.Message}
	}
}
