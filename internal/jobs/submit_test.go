package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/orthogenesis/recon-cli/internal/store"
)

func newSubmitter(t *testing.T) (*Submitter, *handlerFixture) {
	t.Helper()
	f, _ := newHandlerFixture(t)
	reg := reconstruction.DefaultRegistry(f.blobs, reconstruction.DefaultHeightmapOptions())
	return NewSubmitter(f.engine, f.st, f.blobs, reg, 0), f
}

func TestSubmitReconstruction_QueuesAndRuns(t *testing.T) {
	ctx := context.Background()
	s, f := newSubmitter(t)
	seed := int64(9)

	rec, job, err := s.SubmitReconstruction(ctx, Submission{
		Inputs: []model.RadiographInput{{View: "ap", ContentType: "image/png", Data: radiographPNG(t)}},
		Seed:   &seed,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReconstructionQueued, rec.Status)
	assert.Equal(t, "Queued with job:"+job.ID, rec.Notes)
	assert.Equal(t, model.JobTypeReconstruct, job.JobType)

	ok, err := f.blobs.Exists(ctx, "uploads/"+rec.ID+"/0.png")
	require.NoError(t, err)
	assert.True(t, ok)

	processed, err := f.engine.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.st.GetReconstruction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconstructionComplete, got.Status)
	assert.NotEmpty(t, got.InputSetHash)
}

func TestSubmitReconstruction_Rejects(t *testing.T) {
	ctx := context.Background()
	s, f := newSubmitter(t)

	_, _, err := s.SubmitReconstruction(ctx, Submission{})
	assert.True(t, resilience.IsPermanent(err))

	_, _, err = s.SubmitReconstruction(ctx, Submission{
		Inputs: []model.RadiographInput{{ContentType: "application/pdf", Data: []byte("%PDF")}},
	})
	assert.True(t, resilience.IsPermanent(err))

	_, _, err = s.SubmitReconstruction(ctx, Submission{
		Inputs:    []model.RadiographInput{{ContentType: "image/png", Data: radiographPNG(t)}},
		ModelName: "nerf",
	})
	assert.True(t, resilience.IsPermanent(err))

	list, err := f.st.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmitExport(t *testing.T) {
	ctx := context.Background()
	s, f := newSubmitter(t)

	rec, _, err := s.SubmitReconstruction(ctx, Submission{
		Inputs: []model.RadiographInput{{View: "ap", ContentType: "image/png", Data: radiographPNG(t)}},
	})
	require.NoError(t, err)

	_, err = s.SubmitExport(ctx, rec.ID, "stl")
	assert.True(t, resilience.IsPermanent(err), "queued reconstruction is not exportable")

	_, err = f.engine.ProcessOne(ctx)
	require.NoError(t, err)

	job, err := s.SubmitExport(ctx, rec.ID, "GLB")
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeExport, job.JobType)
	assert.Equal(t, "gltf", job.Payload["format"])

	_, err = s.SubmitExport(ctx, rec.ID, "ply")
	assert.True(t, resilience.IsPermanent(err))

	_, err = s.SubmitExport(ctx, "missing", "stl")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestUploadExt(t *testing.T) {
	assert.Equal(t, "png", uploadExt("image/PNG"))
	assert.Equal(t, "jpg", uploadExt("image/jpeg"))
	assert.Equal(t, "bin", uploadExt("image/x-unknown"))
}
