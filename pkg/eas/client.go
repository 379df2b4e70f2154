// Package eas talks to an Expo Application Services style build API.
package eas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

// ErrNotFound is returned when the build service does not know a build id.
var ErrNotFound = errors.New("eas build not found")

var _ builder.Downstream = (*Client)(nil)

// Client submits builds and reads their status.
type Client struct {
	baseURL    string
	token      string
	projectID  string
	profile    string
	httpClient *http.Client
}

// NewClient creates a client for the project. Profile defaults to "production".
func NewClient(baseURL, token, projectID, profile string) *Client {
	if profile == "" {
		profile = "production"
	}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		projectID: projectID,
		profile:   profile,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

type submitRequest struct {
	Platform string            `json:"platform"`
	Profile  string            `json:"profile"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit starts a build for job and returns the build service id.
func (c *Client) Submit(ctx context.Context, job builder.Job) (string, error) {
	meta := map[string]string{"buildId": job.ID}
	if job.AppHistoryID != "" {
		meta["appHistoryId"] = job.AppHistoryID
	}
	body, err := json.Marshal(submitRequest{
		Platform: string(job.Platform),
		Profile:  c.profile,
		Message:  summarize(job.Prompt, 120),
		Metadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/projects/%s/builds", c.baseURL, url.PathEscape(c.projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", responseError("submit build", resp)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("submit build: response carried no build id")
	}
	return out.ID, nil
}

// BuildDetails is the subset of the build resource this service reads.
type BuildDetails struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  *int   `json:"progress,omitempty"`
	Artifacts struct {
		BuildURL string `json:"buildUrl"`
	} `json:"artifacts"`
	Error *struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"error,omitempty"`
}

// GetBuild fetches the raw build resource.
func (c *Client) GetBuild(ctx context.Context, id string) (BuildDetails, error) {
	endpoint := fmt.Sprintf("%s/v2/builds/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return BuildDetails{}, fmt.Errorf("create get build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BuildDetails{}, fmt.Errorf("get build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return BuildDetails{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return BuildDetails{}, responseError("get build", resp)
	}

	var details BuildDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return BuildDetails{}, fmt.Errorf("decode build details: %w", err)
	}
	return details, nil
}

// Status maps the build service vocabulary onto builder.DownstreamStatus.
func (c *Client) Status(ctx context.Context, id string) (builder.DownstreamStatus, error) {
	details, err := c.GetBuild(ctx, id)
	if err != nil {
		return builder.DownstreamStatus{}, err
	}

	st := builder.DownstreamStatus{State: mapState(details.Status)}
	if details.Progress != nil {
		st.Progress = *details.Progress
	}
	switch st.State {
	case builder.DownstreamFinished:
		st.ArtifactURL = details.Artifacts.BuildURL
	case builder.DownstreamErrored:
		if details.Error != nil {
			st.Message = details.Error.Message
		}
	case builder.DownstreamRunning:
		st.Phase = builder.PhasePackaging
	}
	return st, nil
}

func mapState(status string) builder.DownstreamState {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "NEW", "IN_QUEUE", "PENDING":
		return builder.DownstreamQueued
	case "FINISHED":
		return builder.DownstreamFinished
	case "ERRORED":
		return builder.DownstreamErrored
	case "CANCELED", "CANCELLED":
		return builder.DownstreamCanceled
	default:
		return builder.DownstreamRunning
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func responseError(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(payload)))
}

func summarize(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
