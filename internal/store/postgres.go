package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/orthogenesis/recon-cli/internal/db"
	"github.com/orthogenesis/recon-cli/internal/model"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The store does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS async_jobs (
	id           TEXT PRIMARY KEY,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
	result       JSONB,
	error        TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	dead_letter  BOOLEAN NOT NULL DEFAULT false,
	stage        TEXT NOT NULL DEFAULT 'queued',
	progress     INTEGER NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_async_jobs_lease ON async_jobs(status, dead_letter, available_at, created_at);
CREATE INDEX IF NOT EXISTS idx_async_jobs_updated ON async_jobs(updated_at DESC);

CREATE TABLE IF NOT EXISTS reconstructions (
	id                  TEXT PRIMARY KEY,
	status              TEXT NOT NULL DEFAULT 'queued',
	model_name          TEXT NOT NULL DEFAULT '',
	confidence          DOUBLE PRECISION,
	mesh_key            TEXT NOT NULL DEFAULT '',
	notes               TEXT NOT NULL DEFAULT '',
	input_set_hash      TEXT NOT NULL DEFAULT '',
	pipeline_version    TEXT NOT NULL DEFAULT '',
	confidence_version  TEXT NOT NULL DEFAULT '',
	uncertainty_map_key TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS export_artifacts (
	id                TEXT PRIMARY KEY,
	reconstruction_id TEXT NOT NULL REFERENCES reconstructions(id),
	format            TEXT NOT NULL,
	file_key          TEXT NOT NULL,
	checksum_sha256   TEXT NOT NULL,
	signature         TEXT NOT NULL,
	version           INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'ready',
	expires_at        TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_export_artifacts_reconstruction ON export_artifacts(reconstruction_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_export_artifacts_version ON export_artifacts(reconstruction_id, format, version);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.AsyncJob) error {
	prepareJob(job, time.Now().UTC())
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO async_jobs (id, job_type, status, payload, attempts, max_attempts, dead_letter, stage, progress, available_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, string(job.JobType), string(job.Status), payload, job.Attempts, job.MaxAttempts,
		job.DeadLetter, job.Stage, job.Progress, job.AvailableAt, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

// CreateJobs bulk-inserts jobs with COPY.
func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []*model.AsyncJob) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(jobs))
	for _, job := range jobs {
		prepareJob(job, now)
		payload, err := json.Marshal(job.Payload)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal payload")
		}
		rows = append(rows, []any{
			job.ID, string(job.JobType), string(job.Status), payload, job.Attempts, job.MaxAttempts,
			job.DeadLetter, job.Stage, job.Progress, job.AvailableAt, job.CreatedAt, job.UpdatedAt,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "async_jobs", []string{
		"id", "job_type", "status", "payload", "attempts", "max_attempts",
		"dead_letter", "stage", "progress", "available_at", "created_at", "updated_at",
	}, rows)
	return eris.Wrap(err, "postgres: create jobs")
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.AsyncJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM async_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, err
}

// LeaseJob claims a job with FOR UPDATE SKIP LOCKED so concurrent workers
// never block on or share a row.
func (s *PostgresStore) LeaseJob(ctx context.Context, now time.Time) (*model.AsyncJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		UPDATE async_jobs
		SET status = 'running', attempts = attempts + 1, stage = 'running', progress = 0, updated_at = $1
		WHERE id = (
			SELECT id FROM async_jobs
			WHERE status = 'queued' AND dead_letter = false AND available_at <= $1
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'queued'
		RETURNING `+jobColumns,
		now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lease job")
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, attempt int, result map[string]any, now time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	return s.transitionJob(ctx, "complete job", id,
		`UPDATE async_jobs SET status = 'succeeded', result = $1, error = NULL, stage = 'complete', progress = 100, updated_at = $2, finished_at = $2
		WHERE id = $3 AND status = 'running' AND attempts = $4`,
		resultJSON, now, id, attempt,
	)
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id string, attempt int, errMsg string, availableAt, now time.Time) error {
	return s.transitionJob(ctx, "requeue job", id,
		`UPDATE async_jobs SET status = 'queued', error = $1, stage = 'queued', progress = 0, available_at = $2, updated_at = $3
		WHERE id = $4 AND status = 'running' AND attempts = $5`,
		errMsg, availableAt, now, id, attempt,
	)
}

func (s *PostgresStore) DeadLetterJob(ctx context.Context, id string, attempt int, errMsg string, now time.Time) error {
	return s.transitionJob(ctx, "dead-letter job", id,
		`UPDATE async_jobs SET status = 'dead', dead_letter = true, error = $1, stage = 'dead', updated_at = $2, finished_at = $2
		WHERE id = $3 AND status = 'running' AND attempts = $4`,
		errMsg, now, id, attempt,
	)
}

func (s *PostgresStore) ResetJob(ctx context.Context, id string, now time.Time) error {
	return s.transitionJob(ctx, "reset job", id,
		`UPDATE async_jobs SET status = 'queued', dead_letter = false, error = NULL, attempts = 0, stage = 'queued', progress = 0, available_at = $1, updated_at = $1, finished_at = NULL
		WHERE id = $2 AND status IN ('dead', 'failed')`,
		now, id,
	)
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id, stage string, progress int, now time.Time) error {
	return s.transitionJob(ctx, "update job progress", id,
		`UPDATE async_jobs SET stage = $1, progress = $2, updated_at = $3 WHERE id = $4 AND status = 'running'`,
		stage, progress, now, id,
	)
}

// transitionJob runs a guarded job update. When no row changes it tells a
// missing job (ErrNotFound) apart from one in the wrong state (ErrConflict).
func (s *PostgresStore) transitionJob(ctx context.Context, op, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM async_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	return eris.Wrapf(ErrConflict, "%s %s: job is %s", op, id, status)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.AsyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM async_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.JobType != "" {
		query += fmt.Sprintf(` AND job_type = $%d`, argIdx)
		args = append(args, string(filter.JobType))
		argIdx++
	}
	if filter.DeadLetter != nil {
		query += fmt.Sprintf(` AND dead_letter = $%d`, argIdx)
		args = append(args, *filter.DeadLetter)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.AsyncJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) JobStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByStatus: make(map[model.JobStatus]int)}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM async_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job stats")
		}
		stats.ByStatus[model.JobStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: job stats iterate")
	}

	var dead int64
	err = s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM async_jobs WHERE dead_letter = true),
		        (SELECT MIN(created_at) FROM async_jobs WHERE status = 'queued')`,
	).Scan(&dead, &stats.OldestQueuedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue depth")
	}
	stats.DeadLetter = int(dead)
	return stats, nil
}

// --- reconstructions ---

func (s *PostgresStore) CreateReconstruction(ctx context.Context, r *model.Reconstruction) error {
	prepareReconstruction(r, time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconstructions (id, status, model_name, confidence, mesh_key, notes, input_set_hash, pipeline_version, confidence_version, uncertainty_map_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, string(r.Status), r.ModelName, r.Confidence, r.MeshKey, r.Notes, r.InputSetHash,
		r.PipelineVersion, r.ConfidenceVersion, r.UncertaintyMapKey, r.CreatedAt, r.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert reconstruction %s", r.ID)
}

func (s *PostgresStore) GetReconstruction(ctx context.Context, id string) (*model.Reconstruction, error) {
	var r model.Reconstruction
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT `+reconstructionColumns+` FROM reconstructions WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&r.ID, &status, &r.ModelName, &r.Confidence, &r.MeshKey, &r.Notes, &r.InputSetHash,
		&r.PipelineVersion, &r.ConfidenceVersion, &r.UncertaintyMapKey, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "reconstruction %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get reconstruction %s", id)
	}
	r.Status = model.ReconstructionStatus(status)
	return &r, nil
}

func (s *PostgresStore) UpdateReconstruction(ctx context.Context, r *model.Reconstruction) error {
	r.UpdatedAt = time.Now().UTC()
	return s.execOne(ctx, "update reconstruction", r.ID,
		`UPDATE reconstructions SET status = $1, model_name = $2, confidence = $3, mesh_key = $4, notes = $5, input_set_hash = $6,
		 pipeline_version = $7, confidence_version = $8, uncertainty_map_key = $9, updated_at = $10
		 WHERE id = $11 AND deleted_at IS NULL`,
		string(r.Status), r.ModelName, r.Confidence, r.MeshKey, r.Notes, r.InputSetHash,
		r.PipelineVersion, r.ConfidenceVersion, r.UncertaintyMapKey, r.UpdatedAt, r.ID,
	)
}

func (s *PostgresStore) DeleteReconstruction(ctx context.Context, id string, now time.Time) error {
	return s.execOne(ctx, "delete reconstruction", id,
		`UPDATE reconstructions SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		now, id,
	)
}

// --- artifacts ---

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *model.ExportArtifact) error {
	prepareArtifact(a, time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO export_artifacts (id, reconstruction_id, format, file_key, checksum_sha256, signature, version, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ReconstructionID, a.Format, a.FileKey, a.ChecksumSHA256, a.Signature, a.Version,
		string(a.Status), a.ExpiresAt, a.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return eris.Wrapf(ErrConflict, "postgres: artifact %s v%d already exists", a.Format, a.Version)
	}
	return eris.Wrapf(err, "postgres: insert artifact %s", a.ID)
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*model.ExportArtifact, error) {
	a, err := scanPgArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM export_artifacts WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "artifact %s", id)
	}
	return a, err
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, reconstructionID string) ([]model.ExportArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM export_artifacts
		 WHERE reconstruction_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC, version DESC`,
		reconstructionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts")
	}
	defer rows.Close()

	var out []model.ExportArtifact
	for rows.Next() {
		a, err := scanPgArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list artifacts iterate")
}

func (s *PostgresStore) CountArtifacts(ctx context.Context, reconstructionID, format string) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM export_artifacts WHERE reconstruction_id = $1 AND format = $2`, reconstructionID, format,
	).Scan(&n)
	return int(n), eris.Wrap(err, "postgres: count artifacts")
}

func (s *PostgresStore) execOne(ctx context.Context, op, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", op, id)
	}
	return nil
}

func scanPgJob(row pgx.Row) (*model.AsyncJob, error) {
	var (
		j               model.AsyncJob
		jobType, status string
		payload         []byte
		result          *[]byte
	)
	err := row.Scan(&j.ID, &jobType, &status, &payload, &result, &j.Error, &j.Attempts, &j.MaxAttempts,
		&j.DeadLetter, &j.Stage, &j.Progress, &j.AvailableAt, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	j.JobType = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal payload")
	}
	if result != nil {
		if err := json.Unmarshal(*result, &j.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &j, nil
}

func scanPgArtifact(row pgx.Row) (*model.ExportArtifact, error) {
	var a model.ExportArtifact
	var status string
	err := row.Scan(&a.ID, &a.ReconstructionID, &a.Format, &a.FileKey, &a.ChecksumSHA256, &a.Signature,
		&a.Version, &status, &a.ExpiresAt, &a.CreatedAt, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan artifact")
	}
	a.Status = model.ExportStatus(status)
	return &a, nil
}
