// Package clients holds the thin HTTP contracts to the external analysis,
// recommendation and search collaborators. Only the narrow request/response
// shapes the orchestrator consumes are modeled; everything else stays opaque.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type httpClient struct {
	baseURL string
	http    *http.Client
}

func newHTTPClient(baseURL string, timeout time.Duration) httpClient {
	return httpClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// postJSON issues a bounded POST and decodes the JSON response into out.
// Non-2xx statuses are errors; the caller decides whether the stage is
// marked failed or simply retried by a later trigger.
func (c httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
