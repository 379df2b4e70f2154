// Package artifacts moves finished build artifacts from the build service
// into storage this backend controls.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

var (
	_ builder.ArtifactStore = Passthrough{}
	_ builder.ArtifactStore = (*GCSStore)(nil)
	_ builder.ArtifactStore = (*SFTPStore)(nil)
)

// Passthrough hands out the build service URL unchanged.
type Passthrough struct{}

func (Passthrough) Copy(_ context.Context, _ string, sourceURL string) (string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return "", fmt.Errorf("empty artifact url")
	}
	return sourceURL, nil
}

var downloadClient = &http.Client{Timeout: 10 * time.Minute}

// download opens sourceURL. The caller closes the body.
func download(ctx context.Context, sourceURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		resp.Body.Close()
		return nil, "", fmt.Errorf("download artifact failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return resp.Body, contentType, nil
}

// objectName derives the stored name from the job id and the source extension.
func objectName(prefix, jobID, sourceURL string) string {
	ext := ".bin"
	if u, err := url.Parse(sourceURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = strings.ToLower(e)
		}
	}
	name := jobID + ext
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func joinURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
}
