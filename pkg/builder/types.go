package builder

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase is a finer-grained step reported while a build is in StatusBuilding.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhasePlanning   Phase = "planning"
	PhaseGenerating Phase = "generating"
	PhasePackaging  Phase = "packaging"
	PhaseUploading  Phase = "uploading"
)

// Platform is the artifact kind requested by the caller.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ParsePlatform normalises a platform name. An empty value yields PlatformAndroid.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformIOS:
		return PlatformIOS, nil
	default:
		return "", fmt.Errorf("%w: unsupported platform %q", ErrValidation, raw)
	}
}

// TimeoutMessage is recorded on builds that exceed the configured ceiling.
const TimeoutMessage = "Build timeout"

const defaultFailureMessage = "Build failed"

// Job is one tracked build from request to artifact or failure.
type Job struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Status       Status    `json:"status"`
	Phase        Phase     `json:"phase,omitempty"`
	Progress     int       `json:"progress"`
	Platform     Platform  `json:"platform"`
	Prompt       string    `json:"prompt"`
	AppHistoryID string    `json:"app_history_id,omitempty"`
	DownstreamID string    `json:"downstream_id,omitempty"`
	DownloadURL  string    `json:"download_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int64     `json:"version"`
}

// StartRequest captures the payload needed to request a new build.
type StartRequest struct {
	Prompt       string `json:"prompt"`
	Platform     string `json:"platform,omitempty"`
	AppHistoryID string `json:"appHistoryId,omitempty"`
}

// StartResponse is returned by the initiator before any downstream work happens.
type StartResponse struct {
	BuildID string `json:"buildId"`
	Status  Status `json:"status"`
}

// StatusResponse is the public representation of a Job.
type StatusResponse struct {
	BuildID      string    `json:"buildId"`
	Status       Status    `json:"status"`
	Phase        Phase     `json:"phase,omitempty"`
	Progress     int       `json:"progress"`
	Platform     Platform  `json:"platform"`
	DownloadURL  string    `json:"downloadUrl,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Response converts a job to its API representation.
func (j Job) Response() StatusResponse {
	return StatusResponse{
		BuildID:      j.ID,
		Status:       j.Status,
		Phase:        j.Phase,
		Progress:     j.Progress,
		Platform:     j.Platform,
		DownloadURL:  j.DownloadURL,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

var validTransitions = map[Status][]Status{
	StatusPending:   {StatusBuilding, StatusFailed},
	StatusBuilding:  {StatusBuilding, StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Update describes a state change requested by the poller.
type Update struct {
	Status       Status
	Phase        Phase
	Progress     int
	DownstreamID string
	DownloadURL  string
	ErrorMessage string
}

// Advance applies u to a copy of j. It is the only place job state changes,
// so every store sees records that satisfy the lifecycle invariants.
func (j Job) Advance(u Update, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, fmt.Errorf("%w: build %s is %s", ErrTerminal, j.ID, j.Status)
	}
	if !CanTransition(j.Status, u.Status) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, u.Status)
	}

	next := j
	next.Status = u.Status
	if u.DownstreamID != "" {
		next.DownstreamID = u.DownstreamID
	}

	switch u.Status {
	case StatusBuilding:
		if u.Phase != "" {
			next.Phase = u.Phase
		}
		next.Progress = min(max(j.Progress, u.Progress), 99)
	case StatusCompleted:
		url := strings.TrimSpace(u.DownloadURL)
		if url == "" {
			return j, fmt.Errorf("%w: completed build %s has no download URL", ErrInvalidTransition, j.ID)
		}
		next.Phase = ""
		next.Progress = 100
		next.DownloadURL = url
		next.ErrorMessage = ""
	case StatusFailed:
		msg := strings.TrimSpace(u.ErrorMessage)
		if msg == "" {
			msg = defaultFailureMessage
		}
		next.Phase = ""
		next.DownloadURL = ""
		next.ErrorMessage = msg
	}

	next.UpdatedAt = now.UTC()
	return next, nil
}

// sameState reports whether two snapshots differ only in bookkeeping fields.
func (j Job) sameState(o Job) bool {
	return j.Status == o.Status &&
		j.Phase == o.Phase &&
		j.Progress == o.Progress &&
		j.DownstreamID == o.DownstreamID &&
		j.DownloadURL == o.DownloadURL &&
		j.ErrorMessage == o.ErrorMessage
}
