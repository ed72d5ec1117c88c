package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/config"
	"github.com/orthogenesis/recon-cli/internal/export"
	"github.com/orthogenesis/recon-cli/internal/jobs"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
	"github.com/orthogenesis/recon-cli/internal/store"
)

// reconEnv bundles everything the service commands share.
type reconEnv struct {
	Store      store.Store
	Blobs      blob.Store
	Registry   *reconstruction.Registry
	Calibrator *reconstruction.Calibrator
	Engine     *jobs.Engine
	Exporter   *export.Exporter
	Submitter  *jobs.Submitter
}

// Close releases the store.
func (e *reconEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates cfg for mode, opens and migrates the store, and wires
// the engine with both job handlers registered.
func initEnv(ctx context.Context, mode string) (*reconEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	blobs := blob.NewLocal(cfg.Blob.Root)
	reg := reconstruction.DefaultRegistry(blobs, heightmapOptions(cfg.Reconstruction))
	cal := reconstruction.NewCalibrator(cfg.Calibration.ProfileDir, cfg.Calibration.Version)

	engine := jobs.NewEngine(st, engineOptions(cfg.Worker))
	exporter := export.NewExporter(st, blobs, cfg.Export.Secret, cfg.Export.TTL())
	engine.Register(model.JobTypeReconstruct,
		jobs.NewReconstructHandler(st, blobs, reg, cal, pipelineOptions(cfg.Reconstruction)))
	engine.Register(model.JobTypeExport, jobs.NewExportHandler(exporter))

	return &reconEnv{
		Store:      st,
		Blobs:      blobs,
		Registry:   reg,
		Calibrator: cal,
		Engine:     engine,
		Exporter:   exporter,
		Submitter:  jobs.NewSubmitter(engine, st, blobs, reg, cfg.Worker.MaxAttempts),
	}, nil
}

// heightmapOptions maps the reconstruction config onto the model options,
// keeping defaults for unset values.
func heightmapOptions(rc config.ReconstructionConfig) reconstruction.HeightmapOptions {
	opts := reconstruction.DefaultHeightmapOptions()
	if rc.TargetSize > 0 {
		opts.Extract.TargetSize = rc.TargetSize
	}
	if rc.BlurSigma > 0 {
		opts.Extract.BlurSigma = rc.BlurSigma
	}
	if rc.HeightScale > 0 {
		opts.HeightScale = rc.HeightScale
	}
	if rc.SurfaceFloor > 0 {
		opts.SurfaceFloor = rc.SurfaceFloor
	}
	if rc.MaxPixels > 0 {
		opts.Extract.MaxPixels = rc.MaxPixels
	}
	return opts
}

func pipelineOptions(rc config.ReconstructionConfig) reconstruction.PipelineOptions {
	return reconstruction.PipelineOptions{ModelName: rc.Model, Seed: rc.Seed, BatchSize: rc.BatchSize}
}

func engineOptions(wc config.WorkerConfig) jobs.Options {
	opts := jobs.DefaultOptions()
	if d := wc.PollInterval(); d > 0 {
		opts.PollInterval = d
	}
	if wc.MaxAttempts > 0 {
		opts.MaxAttempts = wc.MaxAttempts
	}
	return opts
}
