package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Webhook delivers approved action parameters as a JSON POST to a configured
// endpoint. The endpoint URL comes from the approval parameters themselves
// (the human saw and approved it); the bearer credential, if any, comes from
// the connector's environment, never from the record store.
type Webhook struct {
	httpClient *http.Client
	tokenEnv   string
}

// NewWebhook creates a webhook connector with a per-invocation timeout.
// tokenEnv names an environment variable holding an optional bearer token.
func NewWebhook(timeout time.Duration, tokenEnv string) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		httpClient: &http.Client{Timeout: timeout},
		tokenEnv:   tokenEnv,
	}
}

func (w *Webhook) Execute(ctx context.Context, action string, params map[string]string) (Result, error) {
	url := params["url"]
	if url == "" {
		return Result{}, Fatal(fmt.Errorf("webhook action %q missing url parameter", action))
	}

	payload := map[string]any{"action": action, "params": params}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, Fatal(fmt.Errorf("encoding webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, Fatal(fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.tokenEnv != "" {
		if token := os.Getenv(w.tokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		// Network-level failures (refused, timeout, DNS) are retryable.
		return Result{}, Transient(fmt.Errorf("posting webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, ClassifyStatus(resp.StatusCode,
			fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(detail)))
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return Result{Detail: string(detail)}, nil
}
