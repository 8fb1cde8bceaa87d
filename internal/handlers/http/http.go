package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"timerflow/internal/handlers"
)

// HTTP calls a webhook for every firing.
type HTTP struct {
	// Client defaults to a client with the request's timeout.
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

const maxErrorBody = 512

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if info, ok := handlers.TimerFrom(ctx); ok {
		httpReq.Header.Set("X-Timer-Id", info.ID)
		httpReq.Header.Set("X-Timer-Scheduled", info.Scheduled.UTC().Format(time.RFC3339))
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
