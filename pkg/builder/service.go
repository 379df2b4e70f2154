package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vyvo/appbuild/backend/pkg/metrics"
)

// MaxPromptLength bounds the description accepted by StartBuild, in characters.
const MaxPromptLength = 10000

// Scheduler hands a created build to whatever drives it. Start must not block.
type Scheduler interface {
	Start(jobID string)
}

type ServiceConfig struct {
	// RequireAuth rejects callers without an identity. When false, anonymous
	// builds are stored without an owner and are readable by anyone.
	RequireAuth bool
	// MaxActivePerOwner caps unfinished builds per caller. Zero disables the cap.
	MaxActivePerOwner int
}

// Service is the synchronous entry point for starting and reading builds.
type Service struct {
	repo      Repository
	scheduler Scheduler
	cfg       ServiceConfig
	log       *zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, scheduler Scheduler, cfg ServiceConfig, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		repo:      repo,
		scheduler: scheduler,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
	}
}

// StartBuild validates req, records a pending build and schedules it. It
// returns as soon as the record exists.
func (s *Service) StartBuild(ctx context.Context, callerID string, req StartRequest) (Job, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Job{}, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return Job{}, fmt.Errorf("%w: prompt exceeds %d characters", ErrValidation, MaxPromptLength)
	}
	platform, err := ParsePlatform(req.Platform)
	if err != nil {
		return Job{}, err
	}

	if callerID == "" && s.cfg.RequireAuth {
		return Job{}, ErrUnauthenticated
	}

	if err := s.checkQuota(ctx, callerID); err != nil {
		return Job{}, err
	}

	now := s.now().UTC()
	job := Job{
		ID:           uuid.NewString(),
		OwnerID:      callerID,
		Status:       StatusPending,
		Progress:     0,
		Platform:     platform,
		Prompt:       prompt,
		AppHistoryID: strings.TrimSpace(req.AppHistoryID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, job); err != nil {
		return Job{}, fmt.Errorf("create build: %w", err)
	}
	job.Version = 1

	metrics.IncBuildStarted(string(platform))
	s.log.Info().
		Str("build_id", job.ID).
		Str("owner_id", job.OwnerID).
		Str("platform", string(platform)).
		Msg("build requested")

	s.scheduler.Start(job.ID)
	return job, nil
}

func (s *Service) checkQuota(ctx context.Context, callerID string) error {
	if s.cfg.MaxActivePerOwner <= 0 || callerID == "" {
		return nil
	}
	jobs, err := s.repo.ListByOwner(ctx, callerID)
	if err != nil {
		return fmt.Errorf("list builds: %w", err)
	}
	active := 0
	for _, j := range jobs {
		if !j.Status.Terminal() {
			active++
		}
	}
	if active >= s.cfg.MaxActivePerOwner {
		return fmt.Errorf("%w: %d builds already in progress", ErrQuotaExceeded, active)
	}
	return nil
}

// GetStatus returns one snapshot of the build. Builds without an owner are public.
func (s *Service) GetStatus(ctx context.Context, id, callerID string) (Job, error) {
	if callerID == "" && s.cfg.RequireAuth {
		return Job{}, ErrUnauthenticated
	}

	job, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("load build: %w", err)
	}

	if job.OwnerID != "" && job.OwnerID != callerID {
		return Job{}, ErrForbidden
	}
	return job, nil
}

// ListBuilds returns the caller's builds, newest first. Anonymous builds are
// not enumerable.
func (s *Service) ListBuilds(ctx context.Context, callerID string) ([]Job, error) {
	if callerID == "" {
		if s.cfg.RequireAuth {
			return nil, ErrUnauthenticated
		}
		return []Job{}, nil
	}
	jobs, err := s.repo.ListByOwner(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return jobs, nil
}
