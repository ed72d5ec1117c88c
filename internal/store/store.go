// Package store persists async jobs, reconstruction records and export
// artifacts in SQLite or Postgres.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/orthogenesis/recon-cli/internal/db"
	"github.com/orthogenesis/recon-cli/internal/model"
)

// ErrNotFound is returned when a row does not exist or is soft-deleted.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a row exists but is not in the state a
// transition requires, such as finishing a job whose lease was lost or
// resetting a job that is still running.
var ErrConflict = eris.New("store: conflict")

// DefaultListLimit caps list queries without an explicit limit.
const DefaultListLimit = 100

// QueueStats summarises the job table for metrics.
type QueueStats struct {
	ByStatus       map[model.JobStatus]int `json:"by_status" yaml:"by_status"`
	DeadLetter     int                     `json:"dead_letter" yaml:"dead_letter"`
	OldestQueuedAt *time.Time              `json:"oldest_queued_at,omitempty" yaml:"oldest_queued_at,omitempty"`
}

// JobStore persists async jobs. Every state transition is a single
// statement; LeaseJob hands a job to exactly one caller.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.AsyncJob) error
	CreateJobs(ctx context.Context, jobs []*model.AsyncJob) error
	GetJob(ctx context.Context, id string) (*model.AsyncJob, error)
	// LeaseJob claims the oldest queued job available at now, marking it
	// running and counting the attempt. It returns nil, nil when none is due.
	LeaseJob(ctx context.Context, now time.Time) (*model.AsyncJob, error)
	// CompleteJob, RequeueJob and DeadLetterJob finish the lease identified
	// by attempt. They return ErrConflict unless the job is still running
	// under that attempt.
	CompleteJob(ctx context.Context, id string, attempt int, result map[string]any, now time.Time) error
	RequeueJob(ctx context.Context, id string, attempt int, errMsg string, availableAt, now time.Time) error
	DeadLetterJob(ctx context.Context, id string, attempt int, errMsg string, now time.Time) error
	// ResetJob requeues a dead or failed job with attempts cleared. Any
	// other status is ErrConflict.
	ResetJob(ctx context.Context, id string, now time.Time) error
	UpdateJobProgress(ctx context.Context, id, stage string, progress int, now time.Time) error
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.AsyncJob, error)
	JobStats(ctx context.Context) (*QueueStats, error)
}

// ReconstructionStore persists reconstruction records with soft delete.
type ReconstructionStore interface {
	CreateReconstruction(ctx context.Context, r *model.Reconstruction) error
	GetReconstruction(ctx context.Context, id string) (*model.Reconstruction, error)
	UpdateReconstruction(ctx context.Context, r *model.Reconstruction) error
	DeleteReconstruction(ctx context.Context, id string, now time.Time) error
}

// ArtifactStore persists export artifacts.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, a *model.ExportArtifact) error
	GetArtifact(ctx context.Context, id string) (*model.ExportArtifact, error)
	// ListArtifacts returns live artifacts for a reconstruction, newest first.
	ListArtifacts(ctx context.Context, reconstructionID string) ([]model.ExportArtifact, error)
	// CountArtifacts counts every artifact ever created for a reconstruction
	// in format, deleted ones included, so version numbers never repeat.
	CountArtifacts(ctx context.Context, reconstructionID, format string) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	ReconstructionStore
	ArtifactStore

	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	Pool        db.PoolConfig `yaml:",inline" mapstructure:",squash"`
}

// Open connects to the configured backend. It does not migrate.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	case "postgres", "postgresql":
		return NewPostgres(ctx, cfg.DatabaseURL, &cfg.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// NewID returns a dashless random UUID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func prepareJob(job *model.AsyncJob, now time.Time) {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if job.Stage == "" {
		job.Stage = string(model.JobStatusQueued)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = model.DefaultMaxAttempts
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
}

func prepareReconstruction(r *model.Reconstruction, now time.Time) {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = model.ReconstructionQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
}

func prepareArtifact(a *model.ExportArtifact, now time.Time) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Status == "" {
		a.Status = model.ExportReady
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
}

func listLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}
