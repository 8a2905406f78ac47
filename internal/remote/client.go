package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pulse/internal/domain"
)

const DefaultTimeout = 3 * time.Second

// StatusError is a non-2xx answer from the remote emotions API.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s %s status=%d body=%s", e.Method, e.Path, e.Code, e.Body)
}

// IsUnavailable reports whether err means the remote could not serve the
// request at all (network failure, timeout, 5xx) as opposed to rejecting it.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code >= 500:
			return true
		case statusErr.Code == http.StatusRequestTimeout, statusErr.Code == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsNotFound reports a 404 from the remote.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound
}

// Client talks to the remote emotions API served by cmd/pulse-server.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

// NewClient returns a client for baseURL. A non-empty token is sent as a
// bearer token on every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", in, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("remote login returned no token")
	}
	return out.Token, nil
}

func (c *Client) Create(ctx context.Context, rec domain.EmotionRecord) (domain.EmotionRecord, error) {
	var out domain.EmotionRecord
	err := c.do(ctx, http.MethodPost, "/api/emotions", rec, &out)
	return out, err
}

func (c *Client) Update(ctx context.Context, id string, patch domain.RecordPatch) (domain.EmotionRecord, error) {
	var out domain.EmotionRecord
	err := c.do(ctx, http.MethodPut, "/api/emotions/"+url.PathEscape(id), patch, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/emotions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) List(ctx context.Context, filter domain.Filter) ([]domain.EmotionRecord, error) {
	q := url.Values{}
	if !filter.StartDate.IsZero() {
		q.Set("startDate", filter.StartDate.UTC().Format(time.RFC3339Nano))
	}
	if !filter.EndDate.IsZero() {
		q.Set("endDate", filter.EndDate.UTC().Format(time.RFC3339Nano))
	}
	if filter.Emotion != "" {
		q.Set("emotion", filter.Emotion)
	}
	if filter.Source != "" {
		q.Set("source", filter.Source)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/emotions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []domain.EmotionRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	if !c.Enabled() {
		return fmt.Errorf("remote emotions api is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	return decodeData(respBody, out)
}

// decodeData accepts both a bare payload and the {"success":..,"data":..}
// envelope the list endpoint uses.
func decodeData(body []byte, out any) error {
	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Success != nil {
			if !*envelope.Success {
				return fmt.Errorf("remote reported failure: %s", envelope.Error)
			}
			if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
				return nil
			}
			return json.Unmarshal(envelope.Data, out)
		}
	}
	return json.Unmarshal(body, out)
}
