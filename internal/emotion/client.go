package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulse/internal/domain"
)

// Client talks to a remote emotion analysis service (cmd/emotion-server).
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) AnalyzeText(ctx context.Context, text string) (TextResult, error) {
	var out TextResult
	err := c.post(ctx, "/v1/emotion/text", map[string]string{"text": strings.TrimSpace(text)}, &out)
	return out, err
}

func (c *Client) Combine(ctx context.Context, readings []domain.ModalityReading) (domain.CombinedResult, error) {
	var out domain.CombinedResult
	err := c.post(ctx, "/v1/emotion/combine", map[string]any{"readings": readings}, &out)
	return out, err
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if !c.Enabled() {
		return fmt.Errorf("emotion service is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("emotion service status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return json.Unmarshal(respBody, out)
}
