package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthogenesis/recon-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func queuedJob(created time.Time) *model.AsyncJob {
	return &model.AsyncJob{
		JobType:     model.JobTypeReconstruct,
		Payload:     map[string]any{"reconstruction_id": "r1"},
		CreatedAt:   created,
		UpdatedAt:   created,
		AvailableAt: created,
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))

	version, dirty, err := st.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestSQLite_CreateAndGetJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := queuedJob(t0)
	require.NoError(t, st.CreateJob(ctx, job))
	assert.Len(t, job.ID, 32)
	assert.Equal(t, model.DefaultMaxAttempts, job.MaxAttempts)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, "r1", got.Payload["reconstruction_id"])
	assert.Equal(t, t0, got.AvailableAt)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.FinishedAt)

	_, err = st.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_LeaseOrderAndAvailability(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	older := queuedJob(t0)
	newer := queuedJob(t0.Add(time.Second))
	later := queuedJob(t0.Add(-time.Minute))
	later.AvailableAt = t0.Add(time.Hour)
	require.NoError(t, st.CreateJobs(ctx, []*model.AsyncJob{newer, older, later}))

	leased, err := st.LeaseJob(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, older.ID, leased.ID)
	assert.Equal(t, model.JobStatusRunning, leased.Status)
	assert.Equal(t, 1, leased.Attempts)

	leased, err = st.LeaseJob(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, newer.ID, leased.ID)

	leased, err = st.LeaseJob(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, leased, "remaining job is not yet available")

	leased, err = st.LeaseJob(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, later.ID, leased.ID)
}

func TestSQLite_LeaseIsExclusive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, st.CreateJob(ctx, queuedJob(t0.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := st.LeaseJob(ctx, t0.Add(time.Hour))
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "job %s leased more than once", id)
	}
}

func TestSQLite_JobTransitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := queuedJob(t0)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := st.LeaseJob(ctx, t0)
	require.NoError(t, err)

	require.NoError(t, st.UpdateJobProgress(ctx, job.ID, "refinement", 85, t0))
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "refinement", got.Stage)
	assert.Equal(t, 85, got.Progress)

	retryAt := t0.Add(2 * time.Second)
	require.NoError(t, st.RequeueJob(ctx, job.ID, 1, "boom", retryAt, t0))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage())
	assert.Equal(t, retryAt, got.AvailableAt)
	assert.Equal(t, 1, got.Attempts)

	leased, err := st.LeaseJob(ctx, retryAt)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 2, leased.Attempts)
	require.NoError(t, st.DeadLetterJob(ctx, job.ID, 2, "fatal", retryAt))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.True(t, got.DeadLetter)
	require.NotNil(t, got.FinishedAt)

	leased, err = st.LeaseJob(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, leased, "dead jobs are never leased")

	require.NoError(t, st.ResetJob(ctx, job.ID, t0.Add(time.Minute)))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.False(t, got.DeadLetter)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 0, got.Progress)

	_, err = st.LeaseJob(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, st.CompleteJob(ctx, job.ID, 1, map[string]any{"mesh_key": "models/x.glb"}, t0.Add(2*time.Minute)))
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, got.Status)
	assert.Equal(t, "models/x.glb", got.Result["mesh_key"])
	assert.Equal(t, 100, got.Progress)

	assert.ErrorIs(t, st.CompleteJob(ctx, "missing", 1, nil, t0), ErrNotFound)
	assert.ErrorIs(t, st.ResetJob(ctx, "missing", t0), ErrNotFound)
}

func TestSQLite_TransitionsRequireCurrentLease(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job := queuedJob(t0)
	require.NoError(t, st.CreateJob(ctx, job))

	// Nothing to finish or reset while queued.
	assert.ErrorIs(t, st.CompleteJob(ctx, job.ID, 1, nil, t0), ErrConflict)
	assert.ErrorIs(t, st.ResetJob(ctx, job.ID, t0), ErrConflict)

	leased, err := st.LeaseJob(ctx, t0)
	require.NoError(t, err)
	require.NotNil(t, leased)

	// A running job cannot be reset under its worker.
	err = st.ResetJob(ctx, job.ID, t0)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "job is running")
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	again, err := st.LeaseJob(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again, "a running job is never leased twice")

	// An outcome from an older attempt is refused.
	require.NoError(t, st.RequeueJob(ctx, job.ID, 1, "boom", t0, t0))
	_, err = st.LeaseJob(ctx, t0)
	require.NoError(t, err)
	assert.ErrorIs(t, st.CompleteJob(ctx, job.ID, 1, nil, t0), ErrConflict)
	assert.ErrorIs(t, st.DeadLetterJob(ctx, job.ID, 1, "stale", t0), ErrConflict)
	require.NoError(t, st.CompleteJob(ctx, job.ID, 2, nil, t0))

	// Succeeded jobs stay succeeded.
	assert.ErrorIs(t, st.ResetJob(ctx, job.ID, t0), ErrConflict)
	assert.ErrorIs(t, st.UpdateJobProgress(ctx, job.ID, "late", 50, t0), ErrConflict)
}

func TestSQLite_ListJobsAndStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, b, c := queuedJob(t0), queuedJob(t0.Add(time.Second)), queuedJob(t0.Add(2*time.Second))
	c.JobType = model.JobTypeExport
	require.NoError(t, st.CreateJobs(ctx, []*model.AsyncJob{a, b, c}))
	_, err := st.LeaseJob(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, st.DeadLetterJob(ctx, a.ID, 1, "fatal", t0.Add(time.Hour)))

	all, err := st.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a.ID, all[0].ID, "most recently updated first")

	dead := true
	dl, err := st.ListJobs(ctx, model.JobFilter{DeadLetter: &dead})
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, a.ID, dl[0].ID)

	exports, err := st.ListJobs(ctx, model.JobFilter{JobType: model.JobTypeExport})
	require.NoError(t, err)
	require.Len(t, exports, 1)

	limited, err := st.ListJobs(ctx, model.JobFilter{Status: model.JobStatusQueued, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stats, err := st.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[model.JobStatusQueued])
	assert.Equal(t, 1, stats.ByStatus[model.JobStatusDead])
	assert.Equal(t, 1, stats.DeadLetter)
	require.NotNil(t, stats.OldestQueuedAt)
	assert.Equal(t, b.CreatedAt, *stats.OldestQueuedAt)
}

func TestSQLite_Reconstructions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := &model.Reconstruction{ModelName: "heightmap"}
	require.NoError(t, st.CreateReconstruction(ctx, r))
	require.NotEmpty(t, r.ID)

	got, err := st.GetReconstruction(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconstructionQueued, got.Status)
	assert.Nil(t, got.Confidence)

	got.ApplyResult(&model.ReconstructionResult{
		CalibratedConfidence: 0.61,
		MeshKey:              "models/a.glb",
		Notes:                "Single-image heightmap mesh",
		PipelineVersion:      "heightmap-v1",
		ConfidenceVersion:    "calib-v1",
	})
	require.NoError(t, st.UpdateReconstruction(ctx, got))

	again, err := st.GetReconstruction(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconstructionComplete, again.Status)
	require.NotNil(t, again.Confidence)
	assert.InDelta(t, 0.61, *again.Confidence, 1e-12)
	assert.Equal(t, "models/a.glb", again.MeshKey)

	require.NoError(t, st.DeleteReconstruction(ctx, r.ID, t0))
	_, err = st.GetReconstruction(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteReconstruction(ctx, r.ID, t0), ErrNotFound)
}

func TestSQLite_Artifacts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := &model.Reconstruction{ModelName: "heightmap"}
	require.NoError(t, st.CreateReconstruction(ctx, r))

	for v := 1; v <= 3; v++ {
		a := &model.ExportArtifact{
			ReconstructionID: r.ID,
			Format:           "stl",
			FileKey:          "exports/x.stl",
			ChecksumSHA256:   "abc",
			Signature:        "sig",
			Version:          v,
			ExpiresAt:        t0.Add(72 * time.Hour),
			CreatedAt:        t0.Add(time.Duration(v) * time.Minute),
		}
		require.NoError(t, st.CreateArtifact(ctx, a))
	}

	n, err := st.CountArtifacts(ctx, r.ID, "stl")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = st.CountArtifacts(ctx, r.ID, "obj")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	list, err := st.ListArtifacts(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{list[0].Version, list[1].Version, list[2].Version})

	got, err := st.GetArtifact(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExportReady, got.Status)
	assert.Equal(t, t0.Add(72*time.Hour), got.ExpiresAt)

	_, err = st.GetArtifact(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	dup := &model.ExportArtifact{
		ReconstructionID: r.ID,
		Format:           "stl",
		FileKey:          "exports/y.stl",
		ChecksumSHA256:   "def",
		Signature:        "sig",
		Version:          2,
		ExpiresAt:        t0.Add(72 * time.Hour),
	}
	err = st.CreateArtifact(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)
	dup.Format = "obj"
	assert.NoError(t, st.CreateArtifact(ctx, dup), "versions are per format")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestOpen_SQLiteMemory(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "sqlite", DatabaseURL: ":memory:"})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	job := queuedJob(t0)
	require.NoError(t, st.CreateJob(context.Background(), job))
	_, err = st.GetJob(context.Background(), job.ID)
	assert.NoError(t, err)
}
