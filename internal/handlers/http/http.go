package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"cmdsched/internal/domain"
)

const Name = "http"

// Call is a stateful outbound request. Its record stays in the store while
// the request runs so that a crashed worker leaves an observable trace.
type Call struct {
	domain.Stateful
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds
}

func (c *Call) CommandName() string { return Name }

type HTTP struct {
	Client *http.Client
}

func (h HTTP) Handle(ctx context.Context, cmd domain.Command) error {
	req, ok := cmd.(*Call)
	if !ok {
		return fmt.Errorf("http: unexpected command %T", cmd)
	}
	if req.URL == "" {
		return fmt.Errorf("URL is required")
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
