package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress milestones used by the worker pipeline.
const (
	ProgressPickedUp    = 10
	ProgressSourceReady = 30
	ProgressDone        = 100
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrNotOwner    = errors.New("job is owned by another worker")
	ErrJobClaimed  = errors.New("job already claimed")
)

// Job is one accepted conversion request and its tracked lifecycle state.
// Exactly one of SourceFilePath and SourceURL is set at creation. Once a
// worker has claimed the job, only that worker may update it until the job
// reaches a terminal state.
type Job struct {
	JobID             string    `json:"job_id"`
	FromFormat        string    `json:"from_format"`
	ToFormat          string    `json:"to_format"`
	Status            Status    `json:"status"`
	Progress          int       `json:"progress"`
	SourceFilePath    string    `json:"-"`
	SourceURL         string    `json:"-"`
	ConvertedFilePath string    `json:"-"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Owner             string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewJob creates a queued job with a fresh identifier.
func NewJob(fromFormat, toFormat string) *Job {
	now := time.Now().UTC()
	return &Job{
		JobID:      uuid.NewString(),
		FromFormat: fromFormat,
		ToFormat:   toFormat,
		Status:     StatusQueued,
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Start moves the job from queued to processing with the nominal pickup
// progress.
func (j *Job) Start() error {
	if j.Status != StatusQueued {
		return fmt.Errorf("invalid transition: %s -> %s", j.Status, StatusProcessing)
	}
	j.Status = StatusProcessing
	j.Progress = ProgressPickedUp
	j.touch()
	return nil
}

// Advance records pipeline progress. Decreases are ignored so that progress
// stays monotonic while the job is in flight.
func (j *Job) Advance(progress int) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("cannot advance progress in status %s", j.Status)
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.touch()
	return nil
}

// Complete moves a processing job to completed. The converted artifact path
// is required and progress is forced to 100.
func (j *Job) Complete(artifactPath string) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("invalid transition: %s -> %s", j.Status, StatusCompleted)
	}
	if artifactPath == "" {
		return errors.New("completed job requires an artifact path")
	}
	j.Status = StatusCompleted
	j.ConvertedFilePath = artifactPath
	j.Progress = ProgressDone
	j.touch()
	return nil
}

// Fail moves a processing job to failed, preserving whatever progress had
// been reached. The error detail is required.
func (j *Job) Fail(detail string) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("invalid transition: %s -> %s", j.Status, StatusFailed)
	}
	if detail == "" {
		return errors.New("failed job requires an error detail")
	}
	j.Status = StatusFailed
	j.ErrorMessage = detail
	j.touch()
	return nil
}

func (j *Job) touch() {
	now := time.Now().UTC()
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
}

// Stats summarizes recent job activity for the status endpoint.
type Stats struct {
	Total        int
	Completed    int
	Failed       int
	ByConversion map[string]ConversionStats
}

type ConversionStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobStore is the durable keyed storage for job records. Implementations
// must support concurrent calls from independent workers touching disjoint
// records.
//
// Updates are guarded by an ownership lease: Claim records the calling
// worker as the job's owner, Update rejects writers that do not hold the
// lease, and a terminal update releases it. ForceFail is the administrative
// override used by stale-job recovery when the owning worker is gone.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	Claim(ctx context.Context, jobID, owner string) (*Job, error)
	Update(ctx context.Context, job *Job, owner string) error
	ForceFail(ctx context.Context, jobID, detail string) error
	CountByStatus(ctx context.Context, status Status) (int, error)
	RecentStats(ctx context.Context, since time.Time) (Stats, error)
}
