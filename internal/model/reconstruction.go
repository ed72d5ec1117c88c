package model

import "time"

// RadiographInput is one uploaded image and its view label.
type RadiographInput struct {
	View        string `json:"view"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// PipelineStatus is a progress stage emitted by the reconstruction pipeline.
type PipelineStatus struct {
	Stage    string `json:"stage" yaml:"stage"`
	Progress int    `json:"progress" yaml:"progress"`
	Detail   string `json:"detail" yaml:"detail"`
}

// ConfidenceReport summarizes per-vertex confidence over the referenced
// vertices of a reconstructed mesh.
type ConfidenceReport struct {
	OverallConfidence float64 `json:"overall_confidence" yaml:"overall_confidence"`
	ObservedRatio     float64 `json:"observed_ratio" yaml:"observed_ratio"`
	AdjustedRatio     float64 `json:"adjusted_ratio" yaml:"adjusted_ratio"`
	InferredRatio     float64 `json:"inferred_ratio" yaml:"inferred_ratio"`
	VertexCount       int     `json:"vertex_count" yaml:"vertex_count"`
	Histogram         []int   `json:"confidence_histogram_10bin" yaml:"confidence_histogram_10bin"`
	ObservedThreshold float64 `json:"observed_threshold" yaml:"observed_threshold"`
	AdjustedThreshold float64 `json:"adjusted_threshold" yaml:"adjusted_threshold"`
	SurfaceFloor      float64 `json:"surface_floor" yaml:"surface_floor"`
	Mode              string  `json:"mode" yaml:"mode"`
}

// UncertaintyMap is the calibrated, normalized view of a ConfidenceReport.
type UncertaintyMap struct {
	CalibrationVersion string    `json:"calibration_version" yaml:"calibration_version"`
	Histogram          []float64 `json:"uncertainty_histogram_10bin" yaml:"uncertainty_histogram_10bin"`
	ObservedRatio      float64   `json:"observed_ratio" yaml:"observed_ratio"`
	AdjustedRatio      float64   `json:"adjusted_ratio" yaml:"adjusted_ratio"`
	InferredRatio      float64   `json:"inferred_ratio" yaml:"inferred_ratio"`
}

// ReconstructionResult is the immutable output of one pipeline run.
type ReconstructionResult struct {
	Confidence           float64           `json:"confidence" yaml:"confidence"`
	CalibratedConfidence float64           `json:"calibrated_confidence" yaml:"calibrated_confidence"`
	MeshKey              string            `json:"mesh_key" yaml:"mesh_key"`
	Notes                string            `json:"notes" yaml:"notes"`
	ConfidenceReport     *ConfidenceReport `json:"confidence_report,omitempty" yaml:"confidence_report,omitempty"`
	PipelineVersion      string            `json:"pipeline_version" yaml:"pipeline_version"`
	ConfidenceVersion    string            `json:"confidence_version" yaml:"confidence_version"`
	UncertaintyMapKey    string            `json:"uncertainty_map_key,omitempty" yaml:"uncertainty_map_key,omitempty"`
}

// ReconstructionStatus represents the state of a persisted reconstruction.
type ReconstructionStatus string

const (
	ReconstructionQueued   ReconstructionStatus = "queued"
	ReconstructionRunning  ReconstructionStatus = "running"
	ReconstructionComplete ReconstructionStatus = "complete"
	ReconstructionFailed   ReconstructionStatus = "failed"
)

// Reconstruction is the persisted record of a reconstruction request.
type Reconstruction struct {
	ID                string               `json:"id" yaml:"id"`
	Status            ReconstructionStatus `json:"status" yaml:"status"`
	ModelName         string               `json:"model_name" yaml:"model_name"`
	Confidence        *float64             `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	MeshKey           string               `json:"mesh_key,omitempty" yaml:"mesh_key,omitempty"`
	Notes             string               `json:"notes,omitempty" yaml:"notes,omitempty"`
	InputSetHash      string               `json:"input_set_hash,omitempty" yaml:"input_set_hash,omitempty"`
	PipelineVersion   string               `json:"pipeline_version,omitempty" yaml:"pipeline_version,omitempty"`
	ConfidenceVersion string               `json:"confidence_version,omitempty" yaml:"confidence_version,omitempty"`
	UncertaintyMapKey string               `json:"uncertainty_map_key,omitempty" yaml:"uncertainty_map_key,omitempty"`
	CreatedAt         time.Time            `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at" yaml:"updated_at"`
	DeletedAt         *time.Time           `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// ApplyResult copies a pipeline result onto the record and marks it complete.
func (r *Reconstruction) ApplyResult(res *ReconstructionResult) {
	conf := res.CalibratedConfidence
	r.Confidence = &conf
	r.MeshKey = res.MeshKey
	r.Notes = res.Notes
	r.PipelineVersion = res.PipelineVersion
	r.ConfidenceVersion = res.ConfidenceVersion
	r.UncertaintyMapKey = res.UncertaintyMapKey
	r.Status = ReconstructionComplete
}
