package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/orthogenesis/recon-cli/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// sqliteTime is fixed-width so stored timestamps sort lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, job_type, status, payload, result, error, attempts, max_attempts, dead_letter, stage, progress, available_at, created_at, updated_at, finished_at`

const reconstructionColumns = `id, status, model_name, confidence, mesh_key, notes, input_set_hash, pipeline_version, confidence_version, uncertainty_map_key, created_at, updated_at, deleted_at`

const artifactColumns = `id, reconstruction_id, format, file_key, checksum_sha256, signature, version, status, expires_at, created_at, deleted_at`

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if strings.Contains(dsn, ":memory:") {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: enable WAL")
	}
	return &SQLiteStore{db: db}, nil
}

// withPragmas adds per-connection pragmas to the DSN so every pooled
// connection waits on locks instead of failing with SQLITE_BUSY.
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "sqlite: migrate up")
	}
	return nil
}

// MigrationVersion returns the applied schema version. 0 means none.
func (s *SQLiteStore) MigrationVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, eris.Wrap(err, "sqlite: migration version")
}

func (s *SQLiteStore) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: migration source")
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: migrate instance")
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	zap.S().Debugf("migrate: "+strings.TrimSuffix(format, "\n"), v...)
}

func (migrateLogger) Verbose() bool { return false }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.AsyncJob) error {
	return s.insertJob(ctx, s.db, job)
}

func (s *SQLiteStore) CreateJobs(ctx context.Context, jobs []*model.AsyncJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck
	for _, job := range jobs {
		if err := s.insertJob(ctx, tx, job); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit jobs")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertJob(ctx context.Context, ex execer, job *model.AsyncJob) error {
	prepareJob(job, time.Now().UTC())
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO async_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		job.ID, string(job.JobType), string(job.Status), string(payload),
		job.Attempts, job.MaxAttempts, job.DeadLetter, job.Stage, job.Progress,
		formatTime(job.AvailableAt), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.AsyncJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM async_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, err
}

func (s *SQLiteStore) LeaseJob(ctx context.Context, now time.Time) (*model.AsyncJob, error) {
	ts := formatTime(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE async_jobs
		SET status = 'running', attempts = attempts + 1, stage = 'running', progress = 0, updated_at = ?
		WHERE id = (
			SELECT id FROM async_jobs
			WHERE status = 'queued' AND dead_letter = 0 AND available_at <= ?
			ORDER BY created_at, id
			LIMIT 1
		) AND status = 'queued'
		RETURNING `+jobColumns,
		ts, ts,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lease job")
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, attempt int, result map[string]any, now time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	ts := formatTime(now)
	return s.transitionJob(ctx, "complete job", id,
		`UPDATE async_jobs SET status = 'succeeded', result = ?, error = NULL, stage = 'complete', progress = 100, updated_at = ?, finished_at = ?
		WHERE id = ? AND status = 'running' AND attempts = ?`,
		string(resultJSON), ts, ts, id, attempt,
	)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, id string, attempt int, errMsg string, availableAt, now time.Time) error {
	return s.transitionJob(ctx, "requeue job", id,
		`UPDATE async_jobs SET status = 'queued', error = ?, stage = 'queued', progress = 0, available_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND attempts = ?`,
		errMsg, formatTime(availableAt), formatTime(now), id, attempt,
	)
}

func (s *SQLiteStore) DeadLetterJob(ctx context.Context, id string, attempt int, errMsg string, now time.Time) error {
	ts := formatTime(now)
	return s.transitionJob(ctx, "dead-letter job", id,
		`UPDATE async_jobs SET status = 'dead', dead_letter = 1, error = ?, stage = 'dead', updated_at = ?, finished_at = ?
		WHERE id = ? AND status = 'running' AND attempts = ?`,
		errMsg, ts, ts, id, attempt,
	)
}

func (s *SQLiteStore) ResetJob(ctx context.Context, id string, now time.Time) error {
	ts := formatTime(now)
	return s.transitionJob(ctx, "reset job", id,
		`UPDATE async_jobs SET status = 'queued', dead_letter = 0, error = NULL, attempts = 0, stage = 'queued', progress = 0, available_at = ?, updated_at = ?, finished_at = NULL
		WHERE id = ? AND status IN ('dead', 'failed')`,
		ts, ts, id,
	)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id, stage string, progress int, now time.Time) error {
	return s.transitionJob(ctx, "update job progress", id,
		`UPDATE async_jobs SET stage = ?, progress = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		stage, progress, formatTime(now), id,
	)
}

// transitionJob runs a guarded job update. When no row changes it tells a
// missing job (ErrNotFound) apart from one in the wrong state (ErrConflict).
func (s *SQLiteStore) transitionJob(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM async_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, id)
	}
	return eris.Wrapf(ErrConflict, "%s %s: job is %s", op, id, status)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.AsyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM async_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, string(filter.JobType))
	}
	if filter.DeadLetter != nil {
		query += ` AND dead_letter = ?`
		args = append(args, *filter.DeadLetter)
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.AsyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) JobStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByStatus: make(map[model.JobStatus]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM async_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job stats")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job stats")
		}
		stats.ByStatus[model.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: job stats iterate")
	}

	var oldest sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM async_jobs WHERE dead_letter = 1),
		        (SELECT MIN(created_at) FROM async_jobs WHERE status = 'queued')`,
	).Scan(&stats.DeadLetter, &oldest)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue depth")
	}
	if stats.OldestQueuedAt, err = parseNullTime(oldest); err != nil {
		return nil, err
	}
	return stats, nil
}

// --- reconstructions ---

func (s *SQLiteStore) CreateReconstruction(ctx context.Context, r *model.Reconstruction) error {
	prepareReconstruction(r, time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconstructions (`+reconstructionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, string(r.Status), r.ModelName, nullFloat(r.Confidence), r.MeshKey, r.Notes, r.InputSetHash,
		r.PipelineVersion, r.ConfidenceVersion, r.UncertaintyMapKey,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert reconstruction %s", r.ID)
}

func (s *SQLiteStore) GetReconstruction(ctx context.Context, id string) (*model.Reconstruction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reconstructionColumns+` FROM reconstructions WHERE id = ? AND deleted_at IS NULL`, id)
	r, err := scanReconstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "reconstruction %s", id)
	}
	return r, err
}

func (s *SQLiteStore) UpdateReconstruction(ctx context.Context, r *model.Reconstruction) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE reconstructions SET status = ?, model_name = ?, confidence = ?, mesh_key = ?, notes = ?, input_set_hash = ?,
		 pipeline_version = ?, confidence_version = ?, uncertainty_map_key = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		string(r.Status), r.ModelName, nullFloat(r.Confidence), r.MeshKey, r.Notes, r.InputSetHash,
		r.PipelineVersion, r.ConfidenceVersion, r.UncertaintyMapKey, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update reconstruction %s", r.ID)
	}
	return checkRowsAffected(res, "reconstruction", r.ID)
}

func (s *SQLiteStore) DeleteReconstruction(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reconstructions SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(now), formatTime(now), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete reconstruction %s", id)
	}
	return checkRowsAffected(res, "reconstruction", id)
}

// --- artifacts ---

func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *model.ExportArtifact) error {
	prepareArtifact(a, time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		a.ID, a.ReconstructionID, a.Format, a.FileKey, a.ChecksumSHA256, a.Signature, a.Version,
		string(a.Status), formatTime(a.ExpiresAt), formatTime(a.CreatedAt),
	)
	var se *moderncsqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return eris.Wrapf(ErrConflict, "sqlite: artifact %s v%d already exists", a.Format, a.Version)
	}
	return eris.Wrapf(err, "sqlite: insert artifact %s", a.ID)
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*model.ExportArtifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM export_artifacts WHERE id = ? AND deleted_at IS NULL`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "artifact %s", id)
	}
	return a, err
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, reconstructionID string) ([]model.ExportArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM export_artifacts
		 WHERE reconstruction_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, version DESC`,
		reconstructionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExportArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list artifacts iterate")
}

func (s *SQLiteStore) CountArtifacts(ctx context.Context, reconstructionID, format string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM export_artifacts WHERE reconstruction_id = ? AND format = ?`, reconstructionID, format,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count artifacts")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.AsyncJob, error) {
	var (
		j                                 model.AsyncJob
		jobType, status, payload          string
		result, errMsg, finished          sql.NullString
		availableAt, createdAt, updatedAt string
	)
	err := row.Scan(&j.ID, &jobType, &status, &payload, &result, &errMsg, &j.Attempts, &j.MaxAttempts,
		&j.DeadLetter, &j.Stage, &j.Progress, &availableAt, &createdAt, &updatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	j.JobType = model.JobType(jobType)
	j.Status = model.JobStatus(status)

	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal payload")
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	if errMsg.Valid {
		msg := errMsg.String
		j.Error = &msg
	}
	if j.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseNullTime(finished); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanReconstruction(row scannable) (*model.Reconstruction, error) {
	var (
		r                    model.Reconstruction
		status               string
		confidence           sql.NullFloat64
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&r.ID, &status, &r.ModelName, &confidence, &r.MeshKey, &r.Notes, &r.InputSetHash,
		&r.PipelineVersion, &r.ConfidenceVersion, &r.UncertaintyMapKey, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan reconstruction")
	}
	r.Status = model.ReconstructionStatus(status)
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanArtifact(row scannable) (*model.ExportArtifact, error) {
	var (
		a                    model.ExportArtifact
		status               string
		expiresAt, createdAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&a.ID, &a.ReconstructionID, &a.Format, &a.FileKey, &a.ChecksumSHA256, &a.Signature,
		&a.Version, &status, &expiresAt, &createdAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan artifact")
	}
	a.Status = model.ExportStatus(status)
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
