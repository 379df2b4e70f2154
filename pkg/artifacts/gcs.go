package artifacts

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures a Cloud Storage bucket as the artifact destination.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// SignedURLTTL > 0 returns V4 signed URLs; otherwise PublicBaseURL or the
	// storage.googleapis.com URL is used.
	SignedURLTTL  time.Duration
	PublicBaseURL string
}

type GCSStore struct {
	client *storage.Client
	cfg    GCSConfig

	// newWriter opens an upload; cancelling ctx abandons it without committing.
	newWriter func(ctx context.Context, name, contentType string, meta map[string]string) io.WriteCloser
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	s := &GCSStore{client: client, cfg: cfg}
	s.newWriter = s.objectWriter
	return s, nil
}

func (s *GCSStore) objectWriter(ctx context.Context, name, contentType string, meta map[string]string) io.WriteCloser {
	w := s.client.Bucket(s.cfg.Bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = meta
	return w
}

func (s *GCSStore) Copy(ctx context.Context, jobID, sourceURL string) (string, error) {
	body, contentType, err := download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	name := objectName(s.cfg.Prefix, jobID, sourceURL)
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.newWriter(uploadCtx, name, contentType, map[string]string{"build-id": jobID})

	if _, err := io.Copy(w, body); err != nil {
		// Close would commit the partial object.
		cancel()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}

	if s.cfg.SignedURLTTL > 0 {
		url, err := s.client.Bucket(s.cfg.Bucket).SignedURL(name, &storage.SignedURLOptions{
			Scheme:  storage.SigningSchemeV4,
			Method:  "GET",
			Expires: time.Now().Add(s.cfg.SignedURLTTL),
		})
		if err != nil {
			return "", fmt.Errorf("sign url for %s: %w", name, err)
		}
		return url, nil
	}
	return s.publicURL(name), nil
}

func (s *GCSStore) publicURL(name string) string {
	if s.cfg.PublicBaseURL != "" {
		return joinURL(s.cfg.PublicBaseURL, name)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.cfg.Bucket, name)
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
