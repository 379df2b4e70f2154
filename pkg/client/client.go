// Package client is the Go client for the build service: a thin HTTP client
// plus a Tracker that follows builds until they finish.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("build service returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("build service returned %d %s", e.StatusCode, e.Code)
}

// Client calls the build service HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. token may be empty for anonymous deployments.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) StartBuild(ctx context.Context, req builder.StartRequest) (builder.StartResponse, error) {
	var out builder.StartResponse
	err := c.do(ctx, http.MethodPost, "/api/build/start", req, &out)
	return out, err
}

func (c *Client) GetStatus(ctx context.Context, buildID string) (builder.StatusResponse, error) {
	var out builder.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/build-status/"+url.PathEscape(buildID), nil, &out)
	return out, err
}

func (c *Client) ListBuilds(ctx context.Context) ([]builder.StatusResponse, error) {
	var out struct {
		Builds []builder.StatusResponse `json:"builds"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/builds", nil, &out); err != nil {
		return nil, err
	}
	return out.Builds, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Message = body.Message
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(payload))
	}
	return apiErr
}
