package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Request calls the REST API. path is relative to the versioned base, e.g.
// "/classes/Post". body, when non-nil, is sent as JSON; a JSON response is
// decoded into out when out is non-nil. Non-2xx responses return *APIError.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, c.serverURL+"/"+apiVersion+path, body, out)
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("baas: encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("baas: building request: %w", err)
	}
	req.Header.Set("X-App-Id", c.appID)
	if c.appKey != "" {
		req.Header.Set("X-App-Key", c.appKey)
	}
	if token := c.session(); token != "" {
		req.Header.Set("X-Session-Token", token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("baas: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("baas: reading response: %w", err)
	}

	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("baas: decoding response: %w", err)
	}
	return nil
}
