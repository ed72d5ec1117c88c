package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/export"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/orthogenesis/recon-cli/internal/store"
)

// InputRef points at an uploaded radiograph in the blob store.
type InputRef struct {
	View        string `json:"view"`
	ContentType string `json:"content_type"`
	Key         string `json:"key"`
}

// ReconstructPayload is the payload of a reconstruct job.
type ReconstructPayload struct {
	ReconstructionID string
	Inputs           []InputRef
	ModelName        string
	// Seed is nil when the job should use the worker's configured seed.
	Seed *int64
}

// Map renders the payload in the form stored on the job.
func (p ReconstructPayload) Map() map[string]any {
	inputs := make([]any, 0, len(p.Inputs))
	for _, in := range p.Inputs {
		inputs = append(inputs, map[string]any{
			"view":         in.View,
			"content_type": in.ContentType,
			"key":          in.Key,
		})
	}
	m := map[string]any{
		"reconstruction_id": p.ReconstructionID,
		"inputs":            inputs,
	}
	if p.ModelName != "" {
		m["model_name"] = p.ModelName
	}
	if p.Seed != nil {
		m["seed"] = *p.Seed
	}
	return m
}

// ParseReconstructPayload reads a reconstruct payload. Numbers may arrive as
// float64 after a JSON round trip, so fields are coerced with cast. Any
// malformed field is a permanent error.
func ParseReconstructPayload(raw map[string]any) (*ReconstructPayload, error) {
	id := cast.ToString(raw["reconstruction_id"])
	if id == "" {
		return nil, resilience.Permanent(eris.New("jobs: reconstruct payload missing reconstruction_id"))
	}
	p := &ReconstructPayload{ReconstructionID: id, ModelName: cast.ToString(raw["model_name"])}

	if v, ok := raw["seed"]; ok && v != nil {
		seed, err := cast.ToInt64E(v)
		if err != nil {
			return nil, resilience.Permanent(eris.Wrap(err, "jobs: reconstruct payload seed"))
		}
		p.Seed = &seed
	}

	items, err := cast.ToSliceE(raw["inputs"])
	if err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "jobs: reconstruct payload inputs"))
	}
	if len(items) == 0 {
		return nil, resilience.Permanent(eris.New("jobs: reconstruct payload has no inputs"))
	}
	for i, item := range items {
		fields, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, resilience.Permanent(eris.Wrapf(err, "jobs: reconstruct payload input %d", i))
		}
		ref := InputRef{
			View:        cast.ToString(fields["view"]),
			ContentType: cast.ToString(fields["content_type"]),
			Key:         cast.ToString(fields["key"]),
		}
		if ref.Key == "" {
			return nil, resilience.Permanent(eris.Errorf("jobs: reconstruct payload input %d has no key", i))
		}
		if ref.ContentType == "" {
			ref.ContentType = "image/png"
		}
		p.Inputs = append(p.Inputs, ref)
	}
	return p, nil
}

// InputSetHash is the hex SHA-256 of the canonical JSON form of the
// reconstruction id and its input references.
func InputSetHash(p *ReconstructPayload) string {
	views := make([]string, len(p.Inputs))
	keys := make([]string, len(p.Inputs))
	for i, in := range p.Inputs {
		views[i] = in.View
		keys[i] = in.Key
	}
	// encoding/json sorts map keys and emits no insignificant whitespace.
	canonical, _ := json.Marshal(map[string]any{
		"reconstruction_id": p.ReconstructionID,
		"views":             views,
		"file_keys":         keys,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ReconstructHandler runs the reconstruction pipeline for a persisted
// reconstruction record and stores the outcome on it.
type ReconstructHandler struct {
	records    store.ReconstructionStore
	blobs      blob.Store
	registry   *reconstruction.Registry
	calibrator *reconstruction.Calibrator
	defaults   reconstruction.PipelineOptions
}

// NewReconstructHandler creates a handler. defaults supplies the model and
// seed when a payload omits them.
func NewReconstructHandler(records store.ReconstructionStore, blobs blob.Store, reg *reconstruction.Registry,
	calibrator *reconstruction.Calibrator, defaults reconstruction.PipelineOptions) *ReconstructHandler {
	return &ReconstructHandler{
		records:    records,
		blobs:      blobs,
		registry:   reg,
		calibrator: calibrator,
		defaults:   defaults,
	}
}

func (h *ReconstructHandler) Handle(ctx context.Context, job *model.AsyncJob, progress ProgressFunc) (map[string]any, error) {
	payload, err := ParseReconstructPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	rec, err := h.records.GetReconstruction(ctx, payload.ReconstructionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, resilience.Permanent(eris.Errorf("jobs: reconstruction %s not found", payload.ReconstructionID))
	}
	if err != nil {
		return nil, eris.Wrap(err, "jobs: load reconstruction")
	}

	rec.Status = model.ReconstructionRunning
	if err := h.records.UpdateReconstruction(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "jobs: mark reconstruction running")
	}

	result, err := h.reconstruct(ctx, rec, payload, progress)
	if err != nil {
		h.markFailed(context.WithoutCancel(ctx), rec, err)
		return nil, err
	}
	return result, nil
}

func (h *ReconstructHandler) reconstruct(ctx context.Context, rec *model.Reconstruction, payload *ReconstructPayload, progress ProgressFunc) (map[string]any, error) {
	progress("loading", 5)
	inputs := make([]model.RadiographInput, 0, len(payload.Inputs))
	for _, ref := range payload.Inputs {
		data, err := h.blobs.Read(ctx, ref.Key)
		if errors.Is(err, blob.ErrNotFound) {
			return nil, resilience.Permanent(eris.Wrapf(err, "jobs: radiograph %s", ref.Key))
		}
		if err != nil {
			return nil, eris.Wrapf(err, "jobs: read radiograph %s", ref.Key)
		}
		inputs = append(inputs, model.RadiographInput{View: ref.View, ContentType: ref.ContentType, Data: data})
	}

	opts := h.defaults
	if payload.ModelName != "" {
		opts.ModelName = payload.ModelName
	} else if rec.ModelName != "" {
		opts.ModelName = rec.ModelName
	}
	if payload.Seed != nil {
		opts.Seed = *payload.Seed
	}
	pipeline, err := reconstruction.NewPipeline(h.registry, h.calibrator, h.blobs, opts)
	if err != nil {
		return nil, err
	}

	res, stages, err := pipeline.RunWithProgress(ctx, inputs, func(s model.PipelineStatus) {
		progress(s.Stage, s.Progress)
	})
	if err != nil {
		return nil, err
	}

	rec.ApplyResult(res)
	rec.ModelName = pipeline.Model().Name()
	rec.InputSetHash = InputSetHash(payload)
	if v := pipeline.CalibrationVersion(); v != "" {
		rec.ConfidenceVersion = v
	}
	if err := h.records.UpdateReconstruction(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "jobs: save reconstruction")
	}

	zap.L().Info("reconstruction complete",
		zap.String("reconstruction_id", rec.ID),
		zap.String("mesh_key", rec.MeshKey),
		zap.Float64("confidence", res.CalibratedConfidence),
	)

	return map[string]any{
		"reconstruction_id": rec.ID,
		"status":            string(rec.Status),
		"mesh_key":          rec.MeshKey,
		"pipeline_version":  rec.PipelineVersion,
		"confidence":        res.CalibratedConfidence,
		"steps":             stages,
	}, nil
}

func (h *ReconstructHandler) markFailed(ctx context.Context, rec *model.Reconstruction, cause error) {
	rec.Status = model.ReconstructionFailed
	rec.Notes = resilience.TruncateError(cause.Error())
	if err := h.records.UpdateReconstruction(ctx, rec); err != nil {
		zap.L().Warn("failed to mark reconstruction failed",
			zap.String("reconstruction_id", rec.ID),
			zap.Error(err),
		)
	}
}

// ExportPayload is the payload of an export job.
type ExportPayload struct {
	ReconstructionID string
	Format           string
}

// Map renders the payload in the form stored on the job.
func (p ExportPayload) Map() map[string]any {
	return map[string]any{"reconstruction_id": p.ReconstructionID, "format": p.Format}
}

// ParseExportPayload reads an export payload. The format defaults to stl.
func ParseExportPayload(raw map[string]any) (*ExportPayload, error) {
	p := &ExportPayload{
		ReconstructionID: cast.ToString(raw["reconstruction_id"]),
		Format:           strings.ToLower(cast.ToString(raw["format"])),
	}
	if p.ReconstructionID == "" {
		return nil, resilience.Permanent(eris.New("jobs: export payload missing reconstruction_id"))
	}
	if p.Format == "" {
		p.Format = "stl"
	}
	return p, nil
}

// ExportHandler produces a signed export artifact.
type ExportHandler struct {
	exporter *export.Exporter
}

func NewExportHandler(exporter *export.Exporter) *ExportHandler {
	return &ExportHandler{exporter: exporter}
}

func (h *ExportHandler) Handle(ctx context.Context, job *model.AsyncJob, progress ProgressFunc) (map[string]any, error) {
	payload, err := ParseExportPayload(job.Payload)
	if err != nil {
		return nil, err
	}
	progress("exporting", 10)
	a, err := h.exporter.Export(ctx, payload.ReconstructionID, payload.Format)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"reconstruction_id": a.ReconstructionID,
		"artifact_id":       a.ID,
		"format":            a.Format,
		"file_key":          a.FileKey,
		"checksum_sha256":   a.ChecksumSHA256,
		"signature":         a.Signature,
		"version":           a.Version,
		"expires_at":        a.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}
