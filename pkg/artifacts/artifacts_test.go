package artifacts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/sftp"
)

func TestPassthrough(t *testing.T) {
	url, err := Passthrough{}.Copy(context.Background(), "job-1", "https://expo.example.com/a.apk")
	if err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	if url != "https://expo.example.com/a.apk" {
		t.Fatalf("unexpected url %q", url)
	}
	if _, err := (Passthrough{}).Copy(context.Background(), "job-1", " "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestObjectName(t *testing.T) {
	cases := []struct {
		prefix, src, want string
	}{
		{"", "https://expo.example.com/artifacts/app.APK?sig=1", "job-1.apk"},
		{"/builds/", "https://expo.example.com/artifacts/app.ipa", "builds/job-1.ipa"},
		{"builds", "https://expo.example.com/download", "builds/job-1.bin"},
	}
	for _, tc := range cases {
		if got := objectName(tc.prefix, "job-1", tc.src); got != tc.want {
			t.Fatalf("objectName(%q, %q) = %q, want %q", tc.prefix, tc.src, got, tc.want)
		}
	}
}

func TestDownloadRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusForbidden)
	}))
	defer srv.Close()

	if _, _, err := download(context.Background(), srv.URL+"/a.apk"); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// inMemoryDialer serves every connection from one shared in-memory filesystem.
func inMemoryDialer(handlers sftp.Handlers) func(ctx context.Context) (*sftp.Client, io.Closer, error) {
	return func(context.Context) (*sftp.Client, io.Closer, error) {
		clientRead, serverWrite := io.Pipe()
		serverRead, clientWrite := io.Pipe()
		server := sftp.NewRequestServer(pipeConn{serverRead, serverWrite}, handlers)
		go server.Serve()

		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			server.Close()
			return nil, nil, err
		}
		return client, server, nil
	}
}

func TestSFTPStoreCopy(t *testing.T) {
	artifact := []byte("PK\x03\x04 fake apk bytes")
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.android.package-archive")
		_, _ = w.Write(artifact)
	}))
	defer src.Close()

	handlers := sftp.InMemHandler()
	store := &SFTPStore{
		cfg:  SFTPConfig{Dir: "/srv/builds", PublicBaseURL: "https://downloads.example.com/builds/"},
		dial: inMemoryDialer(handlers),
	}

	url, err := store.Copy(context.Background(), "job-1", src.URL+"/artifacts/app.apk")
	if err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	if url != "https://downloads.example.com/builds/job-1.apk" {
		t.Fatalf("unexpected url %q", url)
	}

	client, closer, err := store.dial(context.Background())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer closer.Close()
	defer client.Close()

	f, err := client.Open("/srv/builds/job-1.apk")
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read uploaded file: %v", err)
	}
	if string(got) != string(artifact) {
		t.Fatalf("uploaded content mismatch: %q", got)
	}
}

func TestSFTPStoreRequiresCredentials(t *testing.T) {
	if _, err := NewSFTPStore(SFTPConfig{Addr: "localhost:22", PublicBaseURL: "https://x"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
	if _, err := NewSFTPStore(SFTPConfig{Addr: "localhost:22", Password: "pw"}); err == nil {
		t.Fatalf("expected error without public base url")
	}
}

// memObject records one upload attempt.
type memObject struct {
	ctx    context.Context
	name   string
	meta   map[string]string
	buf    strings.Builder
	failAt int
	closed bool
}

func (o *memObject) Write(p []byte) (int, error) {
	if o.failAt > 0 && o.buf.Len()+len(p) > o.failAt {
		return 0, errors.New("stream interrupted")
	}
	return o.buf.Write(p)
}

func (o *memObject) Close() error {
	o.closed = true
	return nil
}

func newTestGCSStore(obj *memObject) *GCSStore {
	return &GCSStore{
		cfg: GCSConfig{Bucket: "artifacts", Prefix: "builds", PublicBaseURL: "https://cdn.example.com/"},
		newWriter: func(ctx context.Context, name, _ string, meta map[string]string) io.WriteCloser {
			obj.ctx, obj.name, obj.meta = ctx, name, meta
			return obj
		},
	}
}

func TestGCSStoreCopy(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("apk-bytes"))
	}))
	defer src.Close()

	obj := &memObject{}
	url, err := newTestGCSStore(obj).Copy(context.Background(), "job-1", src.URL+"/out/app.APK")
	if err != nil {
		t.Fatalf("Copy returned error: %v", err)
	}
	if url != "https://cdn.example.com/builds/job-1.apk" {
		t.Fatalf("unexpected url %q", url)
	}
	if !obj.closed || obj.buf.String() != "apk-bytes" || obj.name != "builds/job-1.apk" {
		t.Fatalf("object not committed as expected: closed=%v name=%q body=%q", obj.closed, obj.name, obj.buf.String())
	}
	if obj.meta["build-id"] != "job-1" {
		t.Fatalf("missing build id metadata: %v", obj.meta)
	}
}

func TestGCSStoreAbandonsPartialUpload(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64<<10)))
	}))
	defer src.Close()

	obj := &memObject{failAt: 1024}
	if _, err := newTestGCSStore(obj).Copy(context.Background(), "job-1", src.URL+"/app.apk"); err == nil {
		t.Fatalf("expected upload error")
	}
	if obj.closed {
		t.Fatalf("a failed upload must not be committed")
	}
	if obj.ctx.Err() == nil {
		t.Fatalf("upload context should be canceled to discard the partial object")
	}
}
