package reconstruction

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthogenesis/recon-cli/internal/model"
)

func TestCalibrator_Defaults(t *testing.T) {
	c := NewCalibrator(t.TempDir(), "")
	assert.Equal(t, DefaultCalibrationVersion, c.Version)
	assert.InDelta(t, 0.04, c.Calibrate(0), 1e-12)
	assert.InDelta(t, 0.96, c.Calibrate(1), 1e-12)
	assert.InDelta(t, 0.0, c.Calibrate(-5), 1e-12)
}

func TestCalibrator_LoadsJSONProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calib-v2.json"), []byte(`{"slope": 1.5, "intercept": -0.1}`), 0o644))
	c := NewCalibrator(dir, "calib-v2")
	assert.InDelta(t, 1.5, c.Slope, 1e-12)
	assert.InDelta(t, -0.1, c.Intercept, 1e-12)
	assert.InDelta(t, 1.0, c.Calibrate(0.9), 1e-12)
}

func TestCalibrator_LoadsYAMLProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calib-v3.yaml"), []byte("slope: 1\n"), 0o644))
	c := NewCalibrator(dir, "calib-v3")
	assert.InDelta(t, 1.0, c.Slope, 1e-12)
	assert.InDelta(t, 0.04, c.Intercept, 1e-12)
}

func TestCalibrator_MalformedKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calib-v1.json"), []byte(`{not json`), 0o644))
	c := NewCalibrator(dir, "calib-v1")
	assert.InDelta(t, 0.92, c.Slope, 1e-12)
	assert.InDelta(t, 0.04, c.Intercept, 1e-12)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "calib-v1.json"), []byte(`{"slope": "steep"}`), 0o644))
	c = NewCalibrator(dir, "calib-v1")
	assert.InDelta(t, 0.92, c.Slope, 1e-12)
}

func TestBuildUncertaintyMap(t *testing.T) {
	c := NewCalibrator("", "")
	um := c.BuildUncertaintyMap(&model.ConfidenceReport{
		Histogram:     []int{1, 0, 0, 0, 0, 0, 0, 0, 0, 3},
		ObservedRatio: 0.75,
		InferredRatio: 0.25,
	})
	assert.Equal(t, "calib-v1", um.CalibrationVersion)
	assert.InDelta(t, 0.25, um.Histogram[0], 1e-12)
	assert.InDelta(t, 0.75, um.Histogram[9], 1e-12)
	assert.InDelta(t, 0.75, um.ObservedRatio, 1e-12)

	var sum float64
	for _, p := range um.Histogram {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestBuildUncertaintyMap_Empty(t *testing.T) {
	c := NewCalibrator("", "")
	um := c.BuildUncertaintyMap(EmptyReport(DefaultSurfaceFloor))
	for _, p := range um.Histogram {
		assert.Equal(t, 0.0, p)
	}
	assert.Equal(t, 1.0, um.InferredRatio)

	um = c.BuildUncertaintyMap(nil)
	assert.Empty(t, um.Histogram)
	assert.Equal(t, 1.0, um.InferredRatio)
}

func TestCalibrator_MonotonicAndBounded(t *testing.T) {
	c := NewCalibrator("", "")
	prev := c.Calibrate(-0.5)
	for raw := -0.5; raw <= 1.5; raw += 0.01 {
		got := c.Calibrate(raw)
		assert.GreaterOrEqual(t, got, prev, "raw=%v", raw)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
		prev = got
	}
}

func TestCalibrator_NonFiniteProfileKeepsDefaults(t *testing.T) {
	profiles := map[string]string{
		"calib-nan.yaml":  "slope: .nan\nintercept: 0.1\n",
		"calib-inf.yaml":  "slope: 0.5\nintercept: -.inf\n",
		"calib-text.json": `{"slope": "NaN", "intercept": 0.1}`,
		"calib-infs.json": `{"slope": 1, "intercept": "+Inf"}`,
	}
	dir := t.TempDir()
	for name, body := range profiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	for name := range profiles {
		version := strings.TrimSuffix(name, filepath.Ext(name))
		t.Run(version, func(t *testing.T) {
			c := NewCalibrator(dir, version)
			assert.InDelta(t, 0.92, c.Slope, 1e-12)
			assert.InDelta(t, 0.04, c.Intercept, 1e-12)
			v := c.Calibrate(0.5)
			assert.False(t, math.IsNaN(v))
			assert.InDelta(t, 0.5, v, 1e-12)
		})
	}
}

func TestCalibrator_NegativeSlopeKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calib-neg.json"), []byte(`{"slope": -1, "intercept": 1}`), 0o644))
	c := NewCalibrator(dir, "calib-neg")
	assert.InDelta(t, 0.92, c.Slope, 1e-12)
	assert.InDelta(t, 0.04, c.Intercept, 1e-12)
}
