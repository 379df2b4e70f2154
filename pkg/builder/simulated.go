package builder

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Simulated stands in for a real build service. Every Status call advances
// the build by one step; after Steps calls the build reports finished.
type Simulated struct {
	Steps           int
	ArtifactBaseURL string

	mu     sync.Mutex
	builds map[string]*simulatedBuild
}

type simulatedBuild struct {
	jobID    string
	platform Platform
	step     int
}

func NewSimulated(steps int, artifactBaseURL string) *Simulated {
	if steps <= 0 {
		steps = 6
	}
	return &Simulated{
		Steps:           steps,
		ArtifactBaseURL: strings.TrimSuffix(artifactBaseURL, "/"),
		builds:          make(map[string]*simulatedBuild),
	}
}

func (s *Simulated) Submit(_ context.Context, job Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := "sim-" + job.ID
	if _, ok := s.builds[ref]; !ok {
		s.builds[ref] = &simulatedBuild{jobID: job.ID, platform: job.Platform}
	}
	return ref, nil
}

func (s *Simulated) Status(_ context.Context, downstreamID string) (DownstreamStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[downstreamID]
	if !ok {
		return DownstreamStatus{}, fmt.Errorf("simulated build %s not found", downstreamID)
	}

	b.step++
	if b.step >= s.Steps {
		return DownstreamStatus{
			State:       DownstreamFinished,
			Progress:    100,
			ArtifactURL: s.artifactURL(b),
		}, nil
	}

	progress := b.step * 100 / s.Steps
	phase := PhasePackaging
	switch {
	case progress < 34:
		phase = PhasePlanning
	case progress < 67:
		phase = PhaseGenerating
	}
	return DownstreamStatus{State: DownstreamRunning, Phase: phase, Progress: progress}, nil
}

func (s *Simulated) artifactURL(b *simulatedBuild) string {
	ext := "apk"
	if b.platform == PlatformIOS {
		ext = "ipa"
	}
	return fmt.Sprintf("%s/%s.%s", s.ArtifactBaseURL, b.jobID, ext)
}
