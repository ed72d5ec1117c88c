package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/export"
	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/reconstruction"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/orthogenesis/recon-cli/internal/store"
)

func TestParseReconstructPayload(t *testing.T) {
	seed := int64(7)
	want := ReconstructPayload{
		ReconstructionID: "r1",
		Inputs:           []InputRef{{View: "ap", ContentType: "image/png", Key: "uploads/a.png"}},
		ModelName:        "heightmap",
		Seed:             &seed,
	}

	// Through JSON, numbers come back as float64.
	raw, err := json.Marshal(want.Map())
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	for name, in := range map[string]map[string]any{"direct": want.Map(), "json": decoded} {
		t.Run(name, func(t *testing.T) {
			got, err := ParseReconstructPayload(in)
			require.NoError(t, err)
			assert.Equal(t, want, *got)
		})
	}
}

func TestParseReconstructPayload_Defaults(t *testing.T) {
	got, err := ParseReconstructPayload(map[string]any{
		"reconstruction_id": "r1",
		"inputs":            []any{map[string]any{"key": "uploads/a.png"}},
		"seed":              "11",
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.Inputs[0].ContentType)
	require.NotNil(t, got.Seed)
	assert.EqualValues(t, 11, *got.Seed)
}

func TestParseReconstructPayload_Invalid(t *testing.T) {
	tests := map[string]map[string]any{
		"missing id":  {"inputs": []any{map[string]any{"key": "k"}}},
		"no inputs":   {"reconstruction_id": "r1", "inputs": []any{}},
		"inputs type": {"reconstruction_id": "r1", "inputs": 4},
		"missing key": {"reconstruction_id": "r1", "inputs": []any{map[string]any{"view": "ap"}}},
		"bad seed":    {"reconstruction_id": "r1", "inputs": []any{map[string]any{"key": "k"}}, "seed": "lots"},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseReconstructPayload(raw)
			require.Error(t, err)
			assert.True(t, resilience.IsPermanent(err))
		})
	}
}

func TestInputSetHash(t *testing.T) {
	a := &ReconstructPayload{ReconstructionID: "r1", Inputs: []InputRef{
		{View: "ap", ContentType: "image/png", Key: "uploads/a.png"},
		{View: "lat", ContentType: "image/png", Key: "uploads/b.png"},
	}}
	same := &ReconstructPayload{ReconstructionID: "r1", ModelName: "other", Inputs: []InputRef{
		{View: "ap", ContentType: "image/jpeg", Key: "uploads/a.png"},
		{View: "lat", ContentType: "image/jpeg", Key: "uploads/b.png"},
	}}
	swapped := &ReconstructPayload{ReconstructionID: "r1", Inputs: []InputRef{a.Inputs[1], a.Inputs[0]}}

	assert.Len(t, InputSetHash(a), 64)
	assert.Equal(t, InputSetHash(a), InputSetHash(same))
	assert.NotEqual(t, InputSetHash(a), InputSetHash(swapped))
}

func TestParseExportPayload(t *testing.T) {
	p, err := ParseExportPayload(map[string]any{"reconstruction_id": "r1"})
	require.NoError(t, err)
	assert.Equal(t, "stl", p.Format)

	p, err = ParseExportPayload(ExportPayload{ReconstructionID: "r1", Format: "OBJ"}.Map())
	require.NoError(t, err)
	assert.Equal(t, "obj", p.Format)

	_, err = ParseExportPayload(map[string]any{"format": "stl"})
	assert.True(t, resilience.IsPermanent(err))
}

func radiographPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(25 + (x+y)%9)
			if x > 18 && x < 46 && y > 8 && y < 40 {
				v = uint8(170 + (x*y)%50)
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type handlerFixture struct {
	engine *Engine
	st     *store.SQLiteStore
	blobs  *blob.FSStore
}

func newHandlerFixture(t *testing.T) (*handlerFixture, *model.Reconstruction) {
	t.Helper()
	ctx := context.Background()
	st := newTestStore(t)
	blobs := blob.NewMemory()
	require.NoError(t, blobs.Write(ctx, "uploads/knee.png", radiographPNG(t)))

	rec := &model.Reconstruction{ModelName: reconstruction.DefaultModelName}
	require.NoError(t, st.CreateReconstruction(ctx, rec))

	reg := reconstruction.DefaultRegistry(blobs, reconstruction.DefaultHeightmapOptions())
	cal := reconstruction.NewCalibrator("", "")
	e, _ := newTestEngine(t, st)
	e.Register(model.JobTypeReconstruct, NewReconstructHandler(st, blobs, reg, cal,
		reconstruction.PipelineOptions{ModelName: reconstruction.DefaultModelName, Seed: reconstruction.DefaultSeed}))

	exp := export.NewExporter(st, blobs, "secret", 0)
	e.Register(model.JobTypeExport, NewExportHandler(exp))

	return &handlerFixture{engine: e, st: st, blobs: blobs}, rec
}

func TestReconstructHandler_CompletesRecord(t *testing.T) {
	ctx := context.Background()
	f, rec := newHandlerFixture(t)

	payload := ReconstructPayload{
		ReconstructionID: rec.ID,
		Inputs:           []InputRef{{View: "ap", ContentType: "image/png", Key: "uploads/knee.png"}},
	}
	job, err := f.engine.Enqueue(ctx, model.JobTypeReconstruct, payload.Map(), 0)
	require.NoError(t, err)

	processed, err := f.engine.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusSucceeded, got.Status, got.ErrorMessage())
	assert.Equal(t, rec.ID, got.Result["reconstruction_id"])
	assert.Equal(t, "complete", got.Result["status"])
	steps, ok := got.Result["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 5)

	saved, err := f.st.GetReconstruction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconstructionComplete, saved.Status)
	assert.Equal(t, reconstruction.HeightmapPipelineVersion, saved.PipelineVersion)
	assert.Equal(t, reconstruction.DefaultCalibrationVersion, saved.ConfidenceVersion)
	assert.Equal(t, InputSetHash(&payload), saved.InputSetHash)
	require.NotNil(t, saved.Confidence)
	assert.InDelta(t, got.Result["confidence"], *saved.Confidence, 1e-12)

	exists, err := f.blobs.Exists(ctx, saved.MeshKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReconstructHandler_MissingRadiographIsPermanent(t *testing.T) {
	ctx := context.Background()
	f, rec := newHandlerFixture(t)

	payload := ReconstructPayload{ReconstructionID: rec.ID, Inputs: []InputRef{{View: "ap", Key: "uploads/gone.png"}}}
	job, err := f.engine.Enqueue(ctx, model.JobTypeReconstruct, payload.Map(), 0)
	require.NoError(t, err)
	_, err = f.engine.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDead, got.Status)

	saved, err := f.st.GetReconstruction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReconstructionFailed, saved.Status)
	assert.Contains(t, saved.Notes, "uploads/gone.png")
}

func TestReconstructHandler_UnknownRecordIsPermanent(t *testing.T) {
	ctx := context.Background()
	f, _ := newHandlerFixture(t)

	payload := ReconstructPayload{ReconstructionID: "nope", Inputs: []InputRef{{Key: "uploads/knee.png"}}}
	job, err := f.engine.Enqueue(ctx, model.JobTypeReconstruct, payload.Map(), 0)
	require.NoError(t, err)
	_, err = f.engine.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Contains(t, got.ErrorMessage(), "not found")
}

func TestReconstructHandler_UnknownModelIsPermanent(t *testing.T) {
	ctx := context.Background()
	f, rec := newHandlerFixture(t)

	payload := ReconstructPayload{ReconstructionID: rec.ID, ModelName: "nerf", Inputs: []InputRef{{Key: "uploads/knee.png"}}}
	job, err := f.engine.Enqueue(ctx, model.JobTypeReconstruct, payload.Map(), 0)
	require.NoError(t, err)
	_, err = f.engine.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Contains(t, got.ErrorMessage(), `unknown model "nerf"`)
}

func TestExportHandler_ProducesArtifact(t *testing.T) {
	ctx := context.Background()
	f, rec := newHandlerFixture(t)

	glb, err := mesh.EncodeGLB(mesh.Box(r3.Vec{}, r3.Vec{X: 2, Y: 2, Z: 2}))
	require.NoError(t, err)
	require.NoError(t, f.blobs.Write(ctx, "models/box.glb", glb))

	saved, err := f.st.GetReconstruction(ctx, rec.ID)
	require.NoError(t, err)
	saved.Status = model.ReconstructionComplete
	saved.MeshKey = "models/box.glb"
	require.NoError(t, f.st.UpdateReconstruction(ctx, saved))

	job, err := f.engine.Enqueue(ctx, model.JobTypeExport, ExportPayload{ReconstructionID: rec.ID, Format: "glb"}.Map(), 0)
	require.NoError(t, err)
	_, err = f.engine.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusSucceeded, got.Status, got.ErrorMessage())
	assert.Equal(t, "gltf", got.Result["format"])
	assert.EqualValues(t, 1, got.Result["version"])
	assert.NotEmpty(t, got.Result["artifact_id"])

	expires, err := time.Parse(time.RFC3339, got.Result["expires_at"].(string))
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	data, err := f.blobs.Read(ctx, got.Result["file_key"].(string))
	require.NoError(t, err)
	assert.NoError(t, export.VerifyArtifact(data, got.Result["checksum_sha256"].(string), got.Result["signature"].(string), []byte("secret")))
}

func TestExportHandler_NotReadyIsPermanent(t *testing.T) {
	ctx := context.Background()
	f, rec := newHandlerFixture(t)

	job, err := f.engine.Enqueue(ctx, model.JobTypeExport, ExportPayload{ReconstructionID: rec.ID, Format: "stl"}.Map(), 0)
	require.NoError(t, err)
	_, err = f.engine.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDead, got.Status)
	assert.Contains(t, got.ErrorMessage(), "not ready")
}
