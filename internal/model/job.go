package model

import "time"

// JobType identifies which handler processes an async job.
type JobType string

const (
	JobTypeReconstruct JobType = "reconstruct"
	JobTypeExport      JobType = "export"
)

// JobStatus represents the lifecycle state of an async job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

// Terminal reports whether no further transitions happen without an operator reset.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDead:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts is used when Enqueue is called without an explicit cap.
const DefaultMaxAttempts = 3

// AsyncJob is a unit of background work persisted by the job engine.
type AsyncJob struct {
	ID          string         `json:"id" yaml:"id"`
	JobType     JobType        `json:"job_type" yaml:"job_type"`
	Status      JobStatus      `json:"status" yaml:"status"`
	Payload     map[string]any `json:"payload" yaml:"payload"`
	Result      map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
	Error       *string        `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts    int            `json:"attempts" yaml:"attempts"`
	MaxAttempts int            `json:"max_attempts" yaml:"max_attempts"`
	DeadLetter  bool           `json:"dead_letter" yaml:"dead_letter"`
	Stage       string         `json:"stage" yaml:"stage"`
	Progress    int            `json:"progress" yaml:"progress"`
	AvailableAt time.Time      `json:"available_at" yaml:"available_at"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"updated_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// ErrorMessage returns the last recorded error or "".
func (j *AsyncJob) ErrorMessage() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}

// CanRetry returns true if the job has attempts left before dead-lettering.
func (j *AsyncJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status     JobStatus `json:"status,omitempty"`
	JobType    JobType   `json:"job_type,omitempty"`
	DeadLetter *bool     `json:"dead_letter,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Offset     int       `json:"offset,omitempty"`
}
