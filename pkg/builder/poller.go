package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/appbuild/backend/pkg/metrics"
)

// DownstreamState is the build service status vocabulary, normalised.
type DownstreamState string

const (
	DownstreamQueued   DownstreamState = "queued"
	DownstreamRunning  DownstreamState = "running"
	DownstreamFinished DownstreamState = "finished"
	DownstreamErrored  DownstreamState = "errored"
	DownstreamCanceled DownstreamState = "canceled"
)

// DownstreamStatus is one observation of a downstream build.
type DownstreamStatus struct {
	State       DownstreamState
	Phase       Phase
	Progress    int
	ArtifactURL string
	Message     string
}

// Downstream is the third-party service that produces installable artifacts.
type Downstream interface {
	Submit(ctx context.Context, job Job) (string, error)
	Status(ctx context.Context, downstreamID string) (DownstreamStatus, error)
}

// ArtifactStore copies a finished artifact into storage owned by this service
// and returns the URL handed to clients.
type ArtifactStore interface {
	Copy(ctx context.Context, jobID, sourceURL string) (string, error)
}

// PollerConfig bounds how a build is driven.
type PollerConfig struct {
	Interval time.Duration
	// Timeout is the hard ceiling measured from the build's creation.
	Timeout time.Duration
	// MaxFailedTicks fails a build after that many consecutive failed ticks. Zero leaves it to Timeout.
	MaxFailedTicks int
	// ProgressStep is added per tick when the downstream does not report progress.
	ProgressStep int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.ProgressStep <= 0 {
		c.ProgressStep = 5
	}
	return c
}

const (
	casAttempts     = 3
	uploadProgress  = 95
	finishTimeout   = 10 * time.Second
	internalFailure = "Internal error"
)

// Poller owns every state transition after a build is created. Each build is
// driven by one goroutine; the poller is the only writer for that record.
type Poller struct {
	repo       Repository
	downstream Downstream
	artifacts  ArtifactStore
	notifier   Notifier
	cfg        PollerConfig
	log        *zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*pollTask
}

type pollTask struct {
	jobID       string
	failedTicks int
	done        chan struct{}
	stopOnce    sync.Once
}

func (t *pollTask) stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func NewPoller(repo Repository, downstream Downstream, artifacts ArtifactStore, notifier Notifier, cfg PollerConfig, logger *zerolog.Logger) *Poller {
	if notifier == nil {
		notifier = Notifiers(nil)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		repo:       repo,
		downstream: downstream,
		artifacts:  artifacts,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		log:        logger,
		tracer:     otel.Tracer("github.com/vyvo/appbuild/backend/pkg/builder"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]*pollTask),
	}
}

// Start begins driving jobID in the background. It returns immediately and is
// a no-op when the build is already being polled.
func (p *Poller) Start(jobID string) {
	p.mu.Lock()
	if _, exists := p.active[jobID]; exists {
		p.mu.Unlock()
		return
	}
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	task := &pollTask{jobID: jobID, done: make(chan struct{})}
	p.active[jobID] = task
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(task)
}

// Resume restarts pollers for every build that has not finished, e.g. after a restart.
func (p *Poller) Resume(ctx context.Context) (int, error) {
	jobs, err := p.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active builds: %w", err)
	}
	for _, job := range jobs {
		p.Start(job.ID)
	}
	return len(jobs), nil
}

// Stop cancels all pollers and waits for them to exit. Builds keep their
// current status and can be resumed later.
func (p *Poller) Stop() {
	p.cancel()
	p.mu.Lock()
	for _, task := range p.active {
		task.stop()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Active returns the number of running pollers.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Poller) unregister(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, jobID)
}

func (p *Poller) run(task *pollTask) {
	defer p.wg.Done()
	defer p.unregister(task.jobID)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("build_id", task.jobID).Interface("panic", r).Msg("build poller crashed")
			p.finishUntilDone(task.jobID, Update{Status: StatusFailed, ErrorMessage: internalFailure})
		}
	}()

	metrics.PollerStarted()
	defer metrics.PollerStopped()

	p.log.Debug().Str("build_id", task.jobID).Msg("starting build poller")

	if p.step(p.ctx, task) {
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-task.done:
			return
		case <-ticker.C:
			if p.step(p.ctx, task) {
				return
			}
		}
	}
}

// step performs one tick and reports whether polling should stop.
func (p *Poller) step(ctx context.Context, task *pollTask) bool {
	ctx, span := p.tracer.Start(ctx, "builder.poll", trace.WithAttributes(attribute.String("build.id", task.jobID)))
	defer span.End()

	job, err := p.repo.Get(ctx, task.jobID)
	if errors.Is(err, ErrNotFound) {
		p.log.Warn().Str("build_id", task.jobID).Msg("build record disappeared, stopping poller")
		return true
	}
	if err != nil {
		span.RecordError(err)
		return p.tickFailed(ctx, task, fmt.Errorf("load build: %w", err))
	}
	if job.Status.Terminal() {
		return true
	}

	if p.now().Sub(job.CreatedAt) >= p.cfg.Timeout {
		span.SetStatus(codes.Error, TimeoutMessage)
		p.log.Warn().Str("build_id", job.ID).Err(ErrTimeout).Dur("ceiling", p.cfg.Timeout).Msg("build exceeded ceiling")
		return p.finish(ctx, job.ID, Update{Status: StatusFailed, ErrorMessage: TimeoutMessage})
	}

	if job.DownstreamID == "" {
		return p.submit(ctx, task, job)
	}

	st, err := p.downstream.Status(ctx, job.DownstreamID)
	if err != nil {
		span.RecordError(err)
		return p.tickFailed(ctx, task, fmt.Errorf("%w: status: %v", ErrDownstream, err))
	}
	task.failedTicks = 0
	span.SetAttributes(attribute.String("downstream.state", string(st.State)))

	switch st.State {
	case DownstreamFinished:
		return p.complete(ctx, job, st)
	case DownstreamErrored:
		return p.finish(ctx, job.ID, Update{Status: StatusFailed, ErrorMessage: st.Message})
	case DownstreamCanceled:
		msg := st.Message
		if msg == "" {
			msg = "Build canceled by the build service"
		}
		return p.finish(ctx, job.ID, Update{Status: StatusFailed, ErrorMessage: msg})
	case DownstreamQueued:
		_, err = p.apply(ctx, job.ID, Update{Status: StatusBuilding, Phase: PhaseQueued, Progress: st.Progress})
	default:
		progress := st.Progress
		if progress <= 0 {
			progress = job.Progress + p.cfg.ProgressStep
		}
		phase := st.Phase
		if phase == "" {
			phase = PhasePackaging
		}
		_, err = p.apply(ctx, job.ID, Update{Status: StatusBuilding, Phase: phase, Progress: progress})
	}
	if err != nil {
		return p.writeFailed(job.ID, err)
	}
	return false
}

func (p *Poller) submit(ctx context.Context, task *pollTask, job Job) bool {
	ref, err := p.downstream.Submit(ctx, job)
	if err != nil {
		return p.tickFailed(ctx, task, fmt.Errorf("%w: submit: %v", ErrDownstream, err))
	}
	task.failedTicks = 0

	if _, err := p.apply(ctx, job.ID, Update{Status: StatusBuilding, Phase: PhaseQueued, DownstreamID: ref}); err != nil {
		return p.writeFailed(job.ID, err)
	}
	p.log.Info().Str("build_id", job.ID).Str("downstream_id", ref).Msg("build accepted by build service")
	return false
}

// complete copies the artifact and finishes the build. A failed copy must not
// leave the build in building.
func (p *Poller) complete(ctx context.Context, job Job, st DownstreamStatus) bool {
	if _, err := p.apply(ctx, job.ID, Update{Status: StatusBuilding, Phase: PhaseUploading, Progress: uploadProgress}); err != nil {
		return p.writeFailed(job.ID, err)
	}

	if st.ArtifactURL == "" {
		return p.finish(ctx, job.ID, Update{Status: StatusFailed, ErrorMessage: "Build finished without an artifact"})
	}

	url, err := p.artifacts.Copy(ctx, job.ID, st.ArtifactURL)
	if err != nil {
		p.log.Error().Str("build_id", job.ID).Err(err).Msg("artifact copy failed")
		return p.finish(ctx, job.ID, Update{Status: StatusFailed, ErrorMessage: fmt.Sprintf("Artifact upload failed: %v", err)})
	}

	return p.finish(ctx, job.ID, Update{Status: StatusCompleted, DownloadURL: url})
}

func (p *Poller) tickFailed(ctx context.Context, task *pollTask, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	metrics.IncTickError()
	task.failedTicks++
	p.log.Warn().
		Str("build_id", task.jobID).
		Int("attempt", task.failedTicks).
		Int("max_attempts", p.cfg.MaxFailedTicks).
		Err(err).
		Msg("build poll tick failed")

	if p.cfg.MaxFailedTicks > 0 && task.failedTicks >= p.cfg.MaxFailedTicks {
		return p.finish(ctx, task.jobID, Update{Status: StatusFailed, ErrorMessage: fmt.Sprintf("Build service unavailable: %v", err)})
	}
	return false
}

func (p *Poller) writeFailed(jobID string, err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminal) {
		return true
	}
	p.log.Error().Str("build_id", jobID).Err(err).Msg("failed to record build progress")
	return false
}

// finish records a terminal update and reports whether polling may stop. When
// the write fails the build is still in flight and the next tick retries it.
func (p *Poller) finish(ctx context.Context, jobID string, u Update) bool {
	_, err := p.apply(ctx, jobID, u)
	if err == nil || errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotFound) {
		return true
	}
	p.log.Error().Str("build_id", jobID).Str("status", string(u.Status)).Err(err).Msg("failed to record build result, will retry")
	return false
}

// finishUntilDone retries a terminal write every interval until it sticks or
// the poller stops. Used where there is no tick loop left to retry from.
func (p *Poller) finishUntilDone(jobID string, u Update) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		done := p.finish(ctx, jobID, u)
		cancel()
		if done {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.cfg.Interval):
		}
	}
}

// apply reads, advances and swaps a record, retrying on concurrent modification.
func (p *Poller) apply(ctx context.Context, jobID string, u Update) (Job, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := p.repo.Get(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		next, err := current.Advance(u, p.now())
		if err != nil {
			return current, err
		}
		if next.sameState(current) {
			return current, nil
		}

		stored, err := p.repo.CompareAndSwap(ctx, current, next)
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Job{}, err
		}

		p.notifier.Notify(ctx, stored)
		if stored.Status.Terminal() {
			metrics.ObserveBuildFinished(string(stored.Status), stored.UpdatedAt.Sub(stored.CreatedAt))
			p.log.Info().
				Str("build_id", stored.ID).
				Str("status", string(stored.Status)).
				Str("error", stored.ErrorMessage).
				Msg("build finished")
		}
		return stored, nil
	}
	return Job{}, lastErr
}
