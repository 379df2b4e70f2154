package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

// ErrorPolicy decides what a failed status query does to tracking.
type ErrorPolicy int

const (
	// ErrorPolicyAbort reports the first failure and stops tracking.
	ErrorPolicyAbort ErrorPolicy = iota
	// ErrorPolicyRetry tolerates up to MaxRetries consecutive transport or 5xx
	// failures. Client errors (4xx) still stop tracking immediately.
	ErrorPolicyRetry
)

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return ErrorPolicyAbort, nil
	case "retry":
		return ErrorPolicyRetry, nil
	default:
		return ErrorPolicyAbort, fmt.Errorf("unknown error policy %q", s)
	}
}

// TrackingError means tracking stopped; the build itself may still be running.
type TrackingError struct {
	BuildID  string
	Attempts int
	Err      error
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("tracking build %s failed after %d attempt(s): %v", e.BuildID, e.Attempts, e.Err)
}

func (e *TrackingError) Unwrap() error { return e.Err }

// StatusFetcher reads one build snapshot. *Client implements it.
type StatusFetcher interface {
	GetStatus(ctx context.Context, buildID string) (builder.StatusResponse, error)
}

type TrackerConfig struct {
	Interval   time.Duration
	Policy     ErrorPolicy
	MaxRetries int
}

// Tracker polls build status on behalf of any number of subscribers. Each
// build id has at most one polling loop, shared by its subscribers. A Tracker
// is a session: Close stops every loop it owns.
type Tracker struct {
	fetcher StatusFetcher
	cfg     TrackerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	buildID string
	cancel  context.CancelFunc
	subs    map[int]*subscriber
	nextSub int
	last    *builder.StatusResponse
	seq     uint64
}

type subscriber struct {
	onUpdate func(builder.StatusResponse)
	onError  func(error)

	mu  sync.Mutex
	seq uint64
}

// deliver calls onUpdate unless the subscriber already saw seq or a later snapshot.
func (s *subscriber) deliver(seq uint64, st builder.StatusResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.seq {
		return
	}
	s.seq = seq
	s.onUpdate(st)
}

func (s *subscriber) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError(err)
}

func NewTracker(fetcher StatusFetcher, cfg TrackerConfig) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		fetcher: fetcher,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]*watch),
	}
}

// Subscribe follows buildID. onUpdate receives the first snapshot and every
// change after it; onError receives a *TrackingError if tracking gives up.
// The returned func unsubscribes and may be called more than once.
func (t *Tracker) Subscribe(buildID string, onUpdate func(builder.StatusResponse), onError func(error)) func() {
	if onUpdate == nil {
		onUpdate = func(builder.StatusResponse) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return func() {}
	}

	w, ok := t.watches[buildID]
	if !ok {
		ctx, cancel := context.WithCancel(t.ctx)
		w = &watch{buildID: buildID, cancel: cancel, subs: make(map[int]*subscriber)}
		t.watches[buildID] = w
		t.wg.Add(1)
		go t.run(ctx, w)
	}
	subID := w.nextSub
	w.nextSub++
	sub := &subscriber{onUpdate: onUpdate, onError: onError}
	w.subs[subID] = sub
	var last *builder.StatusResponse
	if w.last != nil {
		snapshot := *w.last
		last = &snapshot
	}
	lastSeq := w.seq
	t.mu.Unlock()

	if last != nil {
		sub.deliver(lastSeq, *last)
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(w, subID) })
	}
}

func (t *Tracker) unsubscribe(w *watch, subID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(w.subs, subID)
	if len(w.subs) == 0 {
		w.cancel()
		if t.watches[w.buildID] == w {
			delete(t.watches, w.buildID)
		}
	}
}

// Active returns the number of running polling loops.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watches)
}

// Close stops all polling and waits for loops to exit. Subscribers get no
// further callbacks.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) run(ctx context.Context, w *watch) {
	defer t.wg.Done()
	defer t.finish(w)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		st, err := t.fetcher.GetStatus(ctx, w.buildID)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			failures++
			if t.giveUp(err, failures) {
				t.dispatchError(w, &TrackingError{BuildID: w.buildID, Attempts: failures, Err: err})
				return
			}
		} else {
			failures = 0
			t.dispatchUpdate(w, st)
			if st.Status.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) giveUp(err error, failures int) bool {
	if t.cfg.Policy == ErrorPolicyAbort {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return true
	}
	return failures > t.cfg.MaxRetries
}

func (t *Tracker) finish(w *watch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w.cancel()
	t.retire(w)
}

// retire detaches w so that a Subscribe for the same id starts a fresh loop.
// It must be called with the tracker lock held.
func (t *Tracker) retire(w *watch) {
	if t.watches[w.buildID] == w {
		delete(t.watches, w.buildID)
	}
}

// dispatchUpdate records st and calls subscribers when it differs from the
// last snapshot. A terminal snapshot retires the watch before any callback runs.
func (t *Tracker) dispatchUpdate(w *watch, st builder.StatusResponse) {
	t.mu.Lock()
	if st.Status.Terminal() {
		t.retire(w)
	}
	if w.last != nil && sameSnapshot(*w.last, st) {
		t.mu.Unlock()
		return
	}
	w.seq++
	w.last = &st
	seq := w.seq
	subs := w.subscribers()
	t.mu.Unlock()

	for _, s := range subs {
		s.deliver(seq, st)
	}
}

func (t *Tracker) dispatchError(w *watch, err error) {
	t.mu.Lock()
	t.retire(w)
	subs := w.subscribers()
	t.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// subscribers must be called with the tracker lock held.
func (w *watch) subscribers() []*subscriber {
	out := make([]*subscriber, 0, len(w.subs))
	for _, s := range w.subs {
		out = append(out, s)
	}
	return out
}

func sameSnapshot(a, b builder.StatusResponse) bool {
	return a.Status == b.Status &&
		a.Phase == b.Phase &&
		a.Progress == b.Progress &&
		a.DownloadURL == b.DownloadURL &&
		a.ErrorMessage == b.ErrorMessage &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
