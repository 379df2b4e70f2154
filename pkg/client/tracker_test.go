package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

type fetchResult struct {
	status builder.StatusResponse
	err    error
}

// scriptedFetcher replays results in order; the last one repeats.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

func (f *scriptedFetcher) GetStatus(_ context.Context, buildID string) (builder.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := min(f.calls, len(f.results)-1)
	f.calls++
	r := f.results[idx]
	r.status.BuildID = buildID
	return r.status, r.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu      sync.Mutex
	updates []builder.StatusResponse
	errs    []error
}

func (r *recorder) onUpdate(st builder.StatusResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, st)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() ([]builder.StatusResponse, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]builder.StatusResponse(nil), r.updates...), append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func building(progress int) fetchResult {
	return fetchResult{status: builder.StatusResponse{Status: builder.StatusBuilding, Progress: progress}}
}

func TestTrackerStopsAtTerminalStatus(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		building(30),
		{status: builder.StatusResponse{Status: builder.StatusCompleted, Progress: 100, DownloadURL: "https://x/app.apk"}},
	}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 5 * time.Millisecond})
	defer tracker.Close()

	rec := &recorder{}
	unsubscribe := tracker.Subscribe("b-1", rec.onUpdate, rec.onError)
	defer unsubscribe()

	waitFor(t, "loop to stop", func() bool { return tracker.Active() == 0 })
	time.Sleep(30 * time.Millisecond)

	if n := fetcher.callCount(); n != 2 {
		t.Fatalf("expected polling to stop after 2 queries, got %d", n)
	}
	updates, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(updates) != 2 || updates[1].Status != builder.StatusCompleted || updates[1].DownloadURL == "" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestTrackerOnlyReportsChanges(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		building(10), building(10), building(10), building(20),
		{status: builder.StatusResponse{Status: builder.StatusFailed, ErrorMessage: "bad config"}},
	}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond})
	defer tracker.Close()

	rec := &recorder{}
	tracker.Subscribe("b-1", rec.onUpdate, rec.onError)
	waitFor(t, "loop to stop", func() bool { return tracker.Active() == 0 })

	updates, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("job failure must not be reported as a tracking error: %v", errs)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 distinct snapshots, got %+v", updates)
	}
	if updates[2].Status != builder.StatusFailed || updates[2].ErrorMessage != "bad config" {
		t.Fatalf("unexpected final update: %+v", updates[2])
	}
}

func TestTrackerSharesOneLoopPerBuild(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{building(10)}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 5 * time.Millisecond})
	defer tracker.Close()

	a, b := &recorder{}, &recorder{}
	unsubA := tracker.Subscribe("b-1", a.onUpdate, a.onError)
	unsubB := tracker.Subscribe("b-1", b.onUpdate, b.onError)

	if n := tracker.Active(); n != 1 {
		t.Fatalf("expected one polling loop, got %d", n)
	}
	waitFor(t, "both subscribers to see a snapshot", func() bool {
		ua, _ := a.snapshot()
		ub, _ := b.snapshot()
		return len(ua) == 1 && len(ub) == 1
	})

	unsubA()
	unsubA()
	if n := tracker.Active(); n != 1 {
		t.Fatalf("loop should survive while a subscriber remains, got %d", n)
	}

	unsubB()
	if n := tracker.Active(); n != 0 {
		t.Fatalf("loop should stop with the last subscriber, got %d", n)
	}
	calls := fetcher.callCount()
	time.Sleep(30 * time.Millisecond)
	if fetcher.callCount() > calls+1 {
		t.Fatalf("polling continued after unsubscribe: %d -> %d", calls, fetcher.callCount())
	}
}

func TestTrackerAbortPolicy(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
		building(50),
	}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond})
	defer tracker.Close()

	rec := &recorder{}
	tracker.Subscribe("b-1", rec.onUpdate, rec.onError)
	waitFor(t, "loop to stop", func() bool { return tracker.Active() == 0 })

	updates, errs := rec.snapshot()
	if len(updates) != 0 || len(errs) != 1 {
		t.Fatalf("expected a single tracking error, got updates=%v errs=%v", updates, errs)
	}
	var te *TrackingError
	if !errors.As(errs[0], &te) || te.BuildID != "b-1" || te.Attempts != 1 {
		t.Fatalf("expected TrackingError, got %v", errs[0])
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("abort policy should not retry, got %d calls", fetcher.callCount())
	}
}

func TestTrackerRetryPolicy(t *testing.T) {
	unavailable := &APIError{StatusCode: http.StatusServiceUnavailable, Code: "Service Unavailable"}
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: unavailable},
		{err: errors.New("connection reset")},
		{status: builder.StatusResponse{Status: builder.StatusCompleted, Progress: 100, DownloadURL: "https://x/app.apk"}},
	}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond, Policy: ErrorPolicyRetry, MaxRetries: 2})
	defer tracker.Close()

	rec := &recorder{}
	tracker.Subscribe("b-1", rec.onUpdate, rec.onError)
	waitFor(t, "loop to stop", func() bool { return tracker.Active() == 0 })

	updates, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("transient errors within budget must not surface: %v", errs)
	}
	if len(updates) != 1 || updates[0].Status != builder.StatusCompleted {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestTrackerRetryPolicyGivesUp(t *testing.T) {
	t.Run("budget exhausted", func(t *testing.T) {
		fetcher := &scriptedFetcher{results: []fetchResult{{err: &APIError{StatusCode: http.StatusBadGateway}}}}
		tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond, Policy: ErrorPolicyRetry, MaxRetries: 2})
		defer tracker.Close()

		rec := &recorder{}
		tracker.Subscribe("b-1", rec.onUpdate, rec.onError)
		waitFor(t, "loop to stop", func() bool { return tracker.Active() == 0 })

		_, errs := rec.snapshot()
		var te *TrackingError
		if len(errs) != 1 || !errors.As(errs[0], &te) || te.Attempts != 3 {
			t.Fatalf("expected TrackingError after 3 attempts, got %v", errs)
		}
	})

	t.Run("client error", func(t *testing.T) {
		fetcher := &scriptedFetcher{results: []fetchResult{{err: &APIError{StatusCode: http.StatusForbidden, Code: "forbidden"}}}}
		tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond, Policy: ErrorPolicyRetry, MaxRetries: 5})
		defer tracker.Close()

		rec := &recorder{}
		tracker.Subscribe("b-1", rec.onUpdate, rec.onError)
		waitFor(t, "loop to stop", func() bool { return tracker.Active() == 0 })

		_, errs := rec.snapshot()
		var apiErr *APIError
		if len(errs) != 1 || !errors.As(errs[0], &apiErr) || apiErr.StatusCode != http.StatusForbidden {
			t.Fatalf("expected immediate abort on 403, got %v", errs)
		}
		if fetcher.callCount() != 1 {
			t.Fatalf("4xx must not be retried, got %d calls", fetcher.callCount())
		}
	})
}

func TestTrackerClose(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{building(10)}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond})

	tracker.Subscribe("b-1", nil, nil)
	tracker.Subscribe("b-2", nil, nil)
	tracker.Close()

	if n := tracker.Active(); n != 0 {
		t.Fatalf("expected no loops after Close, got %d", n)
	}
	unsubscribe := tracker.Subscribe("b-3", nil, nil)
	unsubscribe()
	if n := tracker.Active(); n != 0 {
		t.Fatalf("Subscribe after Close should be ignored, got %d loops", n)
	}
}

func TestParseErrorPolicy(t *testing.T) {
	if p, err := ParseErrorPolicy("Retry"); err != nil || p != ErrorPolicyRetry {
		t.Fatalf("unexpected policy %v %v", p, err)
	}
	if p, err := ParseErrorPolicy(""); err != nil || p != ErrorPolicyAbort {
		t.Fatalf("empty policy should default to abort, got %v %v", p, err)
	}
	if _, err := ParseErrorPolicy("ignore"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestTrackerResubscribeFromErrorCallback(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
		{status: builder.StatusResponse{Status: builder.StatusCompleted, Progress: 100, DownloadURL: "https://x/app.apk"}},
	}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond})
	defer tracker.Close()

	retry := &recorder{}
	tracker.Subscribe("b-1", nil, func(error) {
		tracker.Subscribe("b-1", retry.onUpdate, retry.onError)
	})

	waitFor(t, "second subscription to see the result", func() bool {
		updates, _ := retry.snapshot()
		return len(updates) == 1
	})
	updates, errs := retry.snapshot()
	if len(errs) != 0 || updates[0].Status != builder.StatusCompleted {
		t.Fatalf("unexpected result for second subscription: updates=%+v errs=%v", updates, errs)
	}
	if n := fetcher.callCount(); n != 2 {
		t.Fatalf("expected a fresh loop to query again, got %d calls", n)
	}
}

func TestTrackerResubscribeAfterTerminalUpdate(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{status: builder.StatusResponse{Status: builder.StatusFailed, ErrorMessage: "bad config"}},
	}}
	tracker := NewTracker(fetcher, TrackerConfig{Interval: 2 * time.Millisecond})
	defer tracker.Close()

	again := &recorder{}
	var once sync.Once
	tracker.Subscribe("b-1", func(builder.StatusResponse) {
		once.Do(func() { tracker.Subscribe("b-1", again.onUpdate, again.onError) })
	}, nil)

	waitFor(t, "late subscription to see the final status", func() bool {
		updates, _ := again.snapshot()
		return len(updates) == 1
	})
	if updates, _ := again.snapshot(); updates[0].ErrorMessage != "bad config" {
		t.Fatalf("unexpected update: %+v", updates[0])
	}
}

func TestSubscriberSkipsStaleSnapshots(t *testing.T) {
	rec := &recorder{}
	sub := &subscriber{onUpdate: rec.onUpdate, onError: rec.onError}

	sub.deliver(2, builder.StatusResponse{Status: builder.StatusBuilding, Progress: 60})
	sub.deliver(1, builder.StatusResponse{Status: builder.StatusBuilding, Progress: 30})
	sub.deliver(2, builder.StatusResponse{Status: builder.StatusBuilding, Progress: 60})

	updates, _ := rec.snapshot()
	if len(updates) != 1 || updates[0].Progress != 60 {
		t.Fatalf("progress must never go backwards for a subscriber: %+v", updates)
	}
}
