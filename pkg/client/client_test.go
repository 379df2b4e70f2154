package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

func TestClientStartAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","message":"Authentication required"}`))
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/build/start":
			var req builder.StartRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Prompt != "todo app" || req.Platform != "ios" {
				t.Errorf("unexpected request body: %+v", req)
			}
			_ = json.NewEncoder(w).Encode(builder.StartResponse{BuildID: "b-1", Status: builder.StatusPending})
		case r.Method == http.MethodGet && r.URL.Path == "/api/build-status/b-1":
			_ = json.NewEncoder(w).Encode(builder.StatusResponse{BuildID: "b-1", Status: builder.StatusBuilding, Progress: 40})
		case r.Method == http.MethodGet && r.URL.Path == "/api/builds":
			_, _ = w.Write([]byte(`{"builds":[{"buildId":"b-1","status":"building","progress":40,"platform":"ios"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found","message":"Build not found"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	ctx := context.Background()

	started, err := c.StartBuild(ctx, builder.StartRequest{Prompt: "todo app", Platform: "ios"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if started.BuildID != "b-1" || started.Status != builder.StatusPending {
		t.Fatalf("unexpected start response: %+v", started)
	}

	st, err := c.GetStatus(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if st.Status != builder.StatusBuilding || st.Progress != 40 {
		t.Fatalf("unexpected status: %+v", st)
	}

	builds, err := c.ListBuilds(ctx)
	if err != nil {
		t.Fatalf("ListBuilds returned error: %v", err)
	}
	if len(builds) != 1 || builds[0].Platform != builder.PlatformIOS {
		t.Fatalf("unexpected builds: %+v", builds)
	}

	_, err = c.GetStatus(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found APIError, got %v", err)
	}

	_, err = NewClient(srv.URL, "").GetStatus(ctx, "b-1")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Authentication required" {
		t.Fatalf("expected unauthorized APIError, got %v", err)
	}
}

func TestDecodeAPIErrorWithPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").GetStatus(context.Background(), "b-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream exploded" {
		t.Fatalf("unexpected error: %v", err)
	}
}
