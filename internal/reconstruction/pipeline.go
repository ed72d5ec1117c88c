// Package reconstruction turns radiographs into closed, confidence-colored
// meshes and calibrates the resulting confidence.
package reconstruction

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/model"
)

const (
	DefaultModelName = HeightmapModelName
	DefaultSeed      = 42
	DefaultBatchSize = 4
)

// PipelineOptions selects the model and seeding for a Pipeline.
type PipelineOptions struct {
	ModelName string
	Seed      int64
	BatchSize int
}

// Pipeline runs a registered model under a fixed seed and calibrates the
// result. A Pipeline is not safe for concurrent use; build one per worker.
type Pipeline struct {
	model      Model
	rng        *RngContext
	batchSize  int
	calibrator *Calibrator
	blobs      blob.Store
}

// NewPipeline looks up the model by name. An unknown name fails immediately.
// calibrator and blobs may be nil, in which case results are not calibrated
// or uncertainty maps are not stored.
func NewPipeline(reg *Registry, calibrator *Calibrator, blobs blob.Store, opts PipelineOptions) (*Pipeline, error) {
	if opts.ModelName == "" {
		opts.ModelName = DefaultModelName
	}
	m, err := reg.Get(opts.ModelName)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		model:      m,
		rng:        NewRngContext(opts.Seed),
		batchSize:  max(1, opts.BatchSize),
		calibrator: calibrator,
		blobs:      blobs,
	}, nil
}

// Model returns the selected model.
func (p *Pipeline) Model() Model { return p.model }

// CalibrationVersion names the calibration applied to results, or "" when
// the pipeline has no calibrator.
func (p *Pipeline) CalibrationVersion() string {
	if p.calibrator == nil {
		return ""
	}
	return p.calibrator.Version
}

// Run reconstructs one case and returns the result with the stages it passed.
func (p *Pipeline) Run(ctx context.Context, inputs []model.RadiographInput) (*model.ReconstructionResult, []model.PipelineStatus, error) {
	return p.RunWithProgress(ctx, inputs, nil)
}

// RunWithProgress is Run with a callback invoked as each stage is reached.
func (p *Pipeline) RunWithProgress(ctx context.Context, inputs []model.RadiographInput, onStage func(model.PipelineStatus)) (*model.ReconstructionResult, []model.PipelineStatus, error) {
	var stages []model.PipelineStatus
	report := func(stage string, progress int, detail string) {
		s := model.PipelineStatus{Stage: stage, Progress: progress, Detail: detail}
		stages = append(stages, s)
		if onStage != nil {
			onStage(s)
		}
	}

	report("preprocessing", 10, "Noise reduction and normalization")
	report("alignment", 35, "Aligning multi-view geometry")
	report("inference", 65, fmt.Sprintf("Running inference with model '%s'", p.model.Name()))
	if err := ctx.Err(); err != nil {
		return nil, stages, eris.Wrap(err, "reconstruction: cancelled")
	}

	p.rng.Reset()
	res, err := p.reconstruct(ctx, inputs)
	if err != nil {
		return nil, stages, err
	}

	report("refinement", 85, "Refining mesh and confidence maps")
	if err := p.refine(ctx, res); err != nil {
		return nil, stages, err
	}
	report("complete", 100, "Reconstruction ready")
	return res, stages, nil
}

// RunBatch reconstructs several cases in chunks of the configured batch size
// after a single seed reset. Results keep input order.
func (p *Pipeline) RunBatch(ctx context.Context, batches [][]model.RadiographInput) ([]*model.ReconstructionResult, error) {
	p.rng.Reset()
	results := make([]*model.ReconstructionResult, 0, len(batches))
	for start := 0; start < len(batches); start += p.batchSize {
		end := min(start+p.batchSize, len(batches))
		for i, inputs := range batches[start:end] {
			if err := ctx.Err(); err != nil {
				return results, eris.Wrap(err, "reconstruction: batch cancelled")
			}
			res, err := p.reconstruct(ctx, inputs)
			if err != nil {
				return results, eris.Wrapf(err, "reconstruction: batch case %d", start+i)
			}
			if err := p.refine(ctx, res); err != nil {
				return results, err
			}
			results = append(results, res)
		}
		zap.L().Debug("reconstruction batch chunk complete", zap.Int("start", start), zap.Int("end", end))
	}
	return results, nil
}

func (p *Pipeline) reconstruct(ctx context.Context, inputs []model.RadiographInput) (*model.ReconstructionResult, error) {
	res, err := p.model.Reconstruct(ctx, p.rng, inputs)
	if err != nil {
		return nil, eris.Wrapf(err, "reconstruction: model %s", p.model.Name())
	}
	res.PipelineVersion = p.model.PipelineVersion()
	return res, nil
}

// refine applies calibration and stores the uncertainty map beside the mesh.
func (p *Pipeline) refine(ctx context.Context, res *model.ReconstructionResult) error {
	if p.calibrator == nil {
		res.CalibratedConfidence = res.Confidence
		return nil
	}
	res.CalibratedConfidence = p.calibrator.Calibrate(res.Confidence)
	if p.blobs == nil || res.MeshKey == "" {
		return nil
	}
	key := blob.SidecarKey(res.MeshKey, "uncertainty")
	if err := blob.WriteJSON(ctx, p.blobs, key, p.calibrator.BuildUncertaintyMap(res.ConfidenceReport)); err != nil {
		return eris.Wrap(err, "reconstruction: save uncertainty map")
	}
	res.UncertaintyMapKey = key
	return nil
}
