package builder

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingScheduler) Start(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, jobID)
}

func TestStartBuildReturnsPendingRecord(t *testing.T) {
	store := NewMemStore()
	sched := &recordingScheduler{}
	svc := NewService(store, sched, ServiceConfig{}, testLogger())

	job, err := svc.StartBuild(context.Background(), "", StartRequest{Prompt: "todo app"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if job.ID == "" || job.Status != StatusPending || job.Platform != PlatformAndroid {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(sched.ids) != 1 || sched.ids[0] != job.ID {
		t.Fatalf("build was not scheduled: %v", sched.ids)
	}

	got, err := svc.GetStatus(context.Background(), job.ID, "")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if got.Status != StatusPending || got.Progress != 0 {
		t.Fatalf("expected pending with progress 0, got %+v", got)
	}
}

func TestStartBuildValidation(t *testing.T) {
	svc := NewService(NewMemStore(), &recordingScheduler{}, ServiceConfig{}, testLogger())
	cases := []StartRequest{
		{},
		{Prompt: "   "},
		{Prompt: strings.Repeat("a", MaxPromptLength+1)},
		{Prompt: "todo app", Platform: "symbian"},
	}
	for _, req := range cases {
		if _, err := svc.StartBuild(context.Background(), "user-1", req); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation for %+v, got %v", req.Platform, err)
		}
	}

	if _, err := svc.StartBuild(context.Background(), "user-1", StartRequest{Prompt: strings.Repeat("é", MaxPromptLength)}); err != nil {
		t.Fatalf("prompt at the limit should be accepted: %v", err)
	}
}

func TestStartBuildRequiresAuth(t *testing.T) {
	sched := &recordingScheduler{}
	svc := NewService(NewMemStore(), sched, ServiceConfig{RequireAuth: true}, testLogger())

	if _, err := svc.StartBuild(context.Background(), "", StartRequest{Prompt: "todo app"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := svc.GetStatus(context.Background(), "any", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated from GetStatus, got %v", err)
	}
	if len(sched.ids) != 0 {
		t.Fatalf("rejected request must not be scheduled")
	}
}

func TestGetStatusOwnership(t *testing.T) {
	svc := NewService(NewMemStore(), &recordingScheduler{}, ServiceConfig{}, testLogger())
	ctx := context.Background()

	owned, err := svc.StartBuild(ctx, "alice", StartRequest{Prompt: "todo app", Platform: "ios"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if _, err := svc.GetStatus(ctx, owned.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.GetStatus(ctx, owned.ID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous caller must not read an owned build, got %v", err)
	}
	if _, err := svc.GetStatus(ctx, owned.ID, "alice"); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}

	anon, err := svc.StartBuild(ctx, "", StartRequest{Prompt: "notes app"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if _, err := svc.GetStatus(ctx, anon.ID, "bob"); err != nil {
		t.Fatalf("anonymous builds should be public: %v", err)
	}

	if _, err := svc.GetStatus(ctx, "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStatusIsIdempotent(t *testing.T) {
	svc := NewService(NewMemStore(), &recordingScheduler{}, ServiceConfig{}, testLogger())
	ctx := context.Background()
	job, err := svc.StartBuild(ctx, "alice", StartRequest{Prompt: "todo app"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}

	first, err := svc.GetStatus(ctx, job.ID, "alice")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	second, err := svc.GetStatus(ctx, job.ID, "alice")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated reads differ: %+v vs %+v", first, second)
	}
}

func TestStartBuildQuota(t *testing.T) {
	svc := NewService(NewMemStore(), &recordingScheduler{}, ServiceConfig{MaxActivePerOwner: 2}, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.StartBuild(ctx, "alice", StartRequest{Prompt: "todo app"}); err != nil {
			t.Fatalf("StartBuild %d returned error: %v", i, err)
		}
	}
	if _, err := svc.StartBuild(ctx, "alice", StartRequest{Prompt: "todo app"}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, err := svc.StartBuild(ctx, "bob", StartRequest{Prompt: "todo app"}); err != nil {
		t.Fatalf("quota must be per owner: %v", err)
	}

	builds, err := svc.ListBuilds(ctx, "alice")
	if err != nil {
		t.Fatalf("ListBuilds returned error: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("expected 2 builds for alice, got %d", len(builds))
	}
}

func TestStartBuildDoesNotWaitForDownstream(t *testing.T) {
	store := NewMemStore()
	ds := &blockingDownstream{submitted: make(chan string, 1)}
	poller := NewPoller(store, ds, passthroughArtifacts, nil, PollerConfig{Interval: time.Second, Timeout: time.Hour}, testLogger())
	defer poller.Stop()
	svc := NewService(store, poller, ServiceConfig{}, testLogger())

	started := time.Now()
	job, err := svc.StartBuild(context.Background(), "", StartRequest{Prompt: "todo app"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("StartBuild blocked for %v", elapsed)
	}

	select {
	case id := <-ds.submitted:
		if id != job.ID {
			t.Fatalf("unexpected submitted id %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("build was never submitted")
	}

	got, err := svc.GetStatus(context.Background(), job.ID, "")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if got.Status != StatusPending || got.Progress != 0 {
		t.Fatalf("expected pending while downstream is blocked, got %+v", got)
	}
}

func TestBuildRunsToCompletionWithSimulation(t *testing.T) {
	store := NewMemStore()
	broadcaster := NewBroadcaster()
	poller := NewPoller(store, NewSimulated(3, "https://artifacts.example.com/"), passthroughArtifacts, broadcaster,
		PollerConfig{Interval: 5 * time.Millisecond, Timeout: time.Minute}, testLogger())
	defer poller.Stop()
	svc := NewService(store, poller, ServiceConfig{}, testLogger())

	job, err := svc.StartBuild(context.Background(), "alice", StartRequest{Prompt: "todo app", Platform: "ios"})
	if err != nil {
		t.Fatalf("StartBuild returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.GetStatus(context.Background(), job.ID, "alice")
		if err != nil {
			t.Fatalf("GetStatus returned error: %v", err)
		}
		if got.Status == StatusCompleted {
			if got.DownloadURL != "https://artifacts.example.com/"+job.ID+".ipa" {
				t.Fatalf("unexpected download url %q", got.DownloadURL)
			}
			return
		}
		if got.Status == StatusFailed {
			t.Fatalf("build failed: %s", got.ErrorMessage)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("build did not complete")
}
