package jobs

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/export"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/orthogenesis/recon-cli/internal/store"
)

// Submission is a reconstruction request before it is queued.
type Submission struct {
	Inputs    []model.RadiographInput
	ModelName string
	Seed      *int64
}

// Submitter persists reconstruction requests and queues the work for them.
type Submitter struct {
	engine      *Engine
	records     store.ReconstructionStore
	blobs       blob.Store
	registry    *reconstruction.Registry
	maxAttempts int
}

// NewSubmitter creates a Submitter. A nil registry skips model name checks.
func NewSubmitter(engine *Engine, records store.ReconstructionStore, blobs blob.Store, reg *reconstruction.Registry, maxAttempts int) *Submitter {
	return &Submitter{engine: engine, records: records, blobs: blobs, registry: reg, maxAttempts: maxAttempts}
}

// SubmitReconstruction validates the inputs, creates a queued reconstruction
// record, stores the radiographs and enqueues a reconstruct job for them.
func (s *Submitter) SubmitReconstruction(ctx context.Context, sub Submission) (*model.Reconstruction, *model.AsyncJob, error) {
	if err := reconstruction.ValidateInputs(sub.Inputs); err != nil {
		return nil, nil, err
	}
	if sub.ModelName != "" && s.registry != nil {
		if _, err := s.registry.Get(sub.ModelName); err != nil {
			return nil, nil, err
		}
	}

	rec := &model.Reconstruction{
		ID:              store.NewID(),
		Status:          model.ReconstructionQueued,
		ModelName:       sub.ModelName,
		PipelineVersion: "queued",
	}
	if err := s.records.CreateReconstruction(ctx, rec); err != nil {
		return nil, nil, eris.Wrap(err, "jobs: create reconstruction")
	}

	payload := ReconstructPayload{ReconstructionID: rec.ID, ModelName: sub.ModelName, Seed: sub.Seed}
	for i, in := range sub.Inputs {
		key := blob.UploadKey(rec.ID, i, uploadExt(in.ContentType))
		if err := s.blobs.Write(ctx, key, in.Data); err != nil {
			return nil, nil, eris.Wrapf(err, "jobs: store radiograph %d", i)
		}
		payload.Inputs = append(payload.Inputs, InputRef{View: in.View, ContentType: in.ContentType, Key: key})
	}

	job, err := s.engine.Enqueue(ctx, model.JobTypeReconstruct, payload.Map(), s.maxAttempts)
	if err != nil {
		return nil, nil, err
	}

	rec.Notes = "Queued with job:" + job.ID
	if err := s.records.UpdateReconstruction(ctx, rec); err != nil {
		return nil, nil, eris.Wrap(err, "jobs: record job reference")
	}

	zap.L().Info("reconstruction queued",
		zap.String("reconstruction_id", rec.ID),
		zap.String("job_id", job.ID),
		zap.Int("inputs", len(sub.Inputs)),
	)
	return rec, job, nil
}

// SubmitExport enqueues an export job for a completed reconstruction.
func (s *Submitter) SubmitExport(ctx context.Context, reconstructionID, format string) (*model.AsyncJob, error) {
	format, err := export.NormalizeFormat(format)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.GetReconstruction(ctx, reconstructionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.ReconstructionComplete || rec.MeshKey == "" {
		return nil, resilience.Permanent(eris.Errorf("jobs: reconstruction %s not ready for export", reconstructionID))
	}
	payload := ExportPayload{ReconstructionID: rec.ID, Format: format}
	return s.engine.Enqueue(ctx, model.JobTypeExport, payload.Map(), s.maxAttempts)
}

func uploadExt(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/tiff":
		return "tif"
	case "image/bmp":
		return "bmp"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}
