package reconstruction

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/heightmap"
	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/resilience"
)

// Model is a reconstruction strategy registered by name.
type Model interface {
	Name() string
	PipelineVersion() string
	Reconstruct(ctx context.Context, rng *RngContext, inputs []model.RadiographInput) (*model.ReconstructionResult, error)
}

const (
	HeightmapModelName       = "heightmap"
	HeightmapPipelineVersion = "heightmap-v1"
	EngineConfidenceVersion  = "confidence-v1"

	stubConfidence = 0.86
)

// HeightmapOptions tunes the single-view heightmap model.
type HeightmapOptions struct {
	Extract      heightmap.ExtractOptions
	HeightScale  float64
	SurfaceFloor float64
}

// DefaultHeightmapOptions returns the production settings.
func DefaultHeightmapOptions() HeightmapOptions {
	return HeightmapOptions{
		Extract:      heightmap.DefaultExtractOptions(),
		HeightScale:  DefaultHeightScale,
		SurfaceFloor: DefaultSurfaceFloor,
	}
}

// HeightmapModel reconstructs a relief mesh from a single radiograph. With
// more than one view it emits a placeholder cube until multi-view alignment
// exists.
type HeightmapModel struct {
	blobs blob.Store
	opts  HeightmapOptions
}

// NewHeightmapModel stores meshes and confidence reports in blobs.
func NewHeightmapModel(blobs blob.Store, opts HeightmapOptions) *HeightmapModel {
	return &HeightmapModel{blobs: blobs, opts: opts}
}

func (h *HeightmapModel) Name() string            { return HeightmapModelName }
func (h *HeightmapModel) PipelineVersion() string { return HeightmapPipelineVersion }

// Reconstruct runs extract, clean and mesh on a single input. The generator
// in rng is not consulted: every step is deterministic.
func (h *HeightmapModel) Reconstruct(ctx context.Context, _ *RngContext, inputs []model.RadiographInput) (*model.ReconstructionResult, error) {
	if err := ValidateInputs(inputs); err != nil {
		return nil, err
	}
	if len(inputs) > 1 {
		return h.stub(ctx)
	}

	grid, err := heightmap.Extract(inputs[0].Data, h.opts.Extract)
	if err != nil {
		return nil, err
	}
	grid = heightmap.Clean(grid)

	m, report, err := BuildMesh(grid, h.opts.HeightScale, h.opts.SurfaceFloor)
	if err != nil {
		return nil, err
	}
	key, err := h.saveMesh(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := blob.WriteJSON(ctx, h.blobs, blob.SidecarKey(key, "confidence"), report); err != nil {
		return nil, eris.Wrap(err, "reconstruction: save confidence report")
	}

	zap.L().Debug("heightmap reconstruction complete",
		zap.String("mesh_key", key),
		zap.Int("grid_width", grid.Width),
		zap.Int("grid_height", grid.Height),
		zap.Int("faces", len(m.Faces)),
		zap.Float64("confidence", report.OverallConfidence),
	)

	return &model.ReconstructionResult{
		Confidence:        report.OverallConfidence,
		MeshKey:           key,
		Notes:             "Single-image heightmap mesh",
		ConfidenceReport:  report,
		PipelineVersion:   HeightmapPipelineVersion,
		ConfidenceVersion: EngineConfidenceVersion,
	}, nil
}

func (h *HeightmapModel) stub(ctx context.Context) (*model.ReconstructionResult, error) {
	m := mesh.Box(r3.Vec{X: -0.5, Y: -0.5, Z: -0.5}, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5})
	m.ComputeNormals()
	key, err := h.saveMesh(ctx, m)
	if err != nil {
		return nil, err
	}
	return &model.ReconstructionResult{
		Confidence:        stubConfidence,
		MeshKey:           key,
		Notes:             "Stub mesh",
		PipelineVersion:   "stub-v1",
		ConfidenceVersion: EngineConfidenceVersion,
	}, nil
}

func (h *HeightmapModel) saveMesh(ctx context.Context, m *mesh.Mesh) (string, error) {
	data, err := mesh.EncodeGLB(m)
	if err != nil {
		return "", eris.Wrap(err, "reconstruction: encode mesh")
	}
	key := blob.ModelKey(mesh.FormatGLB.Extension())
	if err := h.blobs.Write(ctx, key, data); err != nil {
		return "", eris.Wrap(err, "reconstruction: save mesh")
	}
	return key, nil
}

// ValidateInputs rejects empty input sets and non-image content types.
func ValidateInputs(inputs []model.RadiographInput) error {
	if len(inputs) == 0 {
		return resilience.Permanent(eris.New("reconstruction: no radiographs supplied"))
	}
	for i, in := range inputs {
		if !strings.HasPrefix(strings.ToLower(in.ContentType), "image/") {
			return resilience.Permanent(eris.Errorf("reconstruction: input %d has unsupported content type %q", i, in.ContentType))
		}
		if len(in.Data) == 0 {
			return resilience.Permanent(eris.Errorf("reconstruction: input %d is empty", i))
		}
	}
	return nil
}
