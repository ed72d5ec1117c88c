package heightmap

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orthogenesis/recon-cli/internal/resilience"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// boneImage draws a bright disc on a dark background.
func boneImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	cx, cy, r := w/2, h/2, min(w, h)/3
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x-cx, y-cy
			v := uint8(20 + (x+y)%7)
			if dx*dx+dy*dy <= r*r {
				v = 220
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestExtract_ValuesInUnitRange(t *testing.T) {
	g, err := Extract(encodePNG(t, boneImage(64, 48)), DefaultExtractOptions())
	require.NoError(t, err)
	assert.Equal(t, 64, g.Width)
	assert.Equal(t, 48, g.Height)
	for _, v := range g.Values {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	assert.InDelta(t, 1.0, g.Max(), 1e-9)
}

func TestExtract_DownscalesToTarget(t *testing.T) {
	g, err := Extract(encodePNG(t, boneImage(200, 100)), ExtractOptions{TargetSize: 50, BlurSigma: 1.1})
	require.NoError(t, err)
	assert.Equal(t, 50, g.Width)
	assert.Equal(t, 25, g.Height)
}

func TestExtract_TinyBlackImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	g, err := Extract(encodePNG(t, img), DefaultExtractOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, g.Width)
	assert.Equal(t, 2, g.Height)
	assert.Equal(t, 0.0, g.Max())
}

func TestExtract_UniformImageIsFinite(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	g, err := Extract(encodePNG(t, img), DefaultExtractOptions())
	require.NoError(t, err)
	for _, v := range g.Values {
		assert.False(t, v != v, "NaN in grid")
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestExtract_Undecodable(t *testing.T) {
	_, err := Extract([]byte("not an image"), DefaultExtractOptions())
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

// withDeclaredSize rewrites the IHDR dimensions of a PNG without adding
// pixel data, so only the header claims the new size.
func withDeclaredSize(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	require.Equal(t, "IHDR", string(data[12:16]))
	out := bytes.Clone(data)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestExtract_RejectsOversizedHeader(t *testing.T) {
	bomb := withDeclaredSize(t, encodePNG(t, boneImage(8, 8)), 100_000, 100_000)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(bomb))
	require.NoError(t, err)
	require.Equal(t, 100_000, cfg.Width)

	_, err = Extract(bomb, DefaultExtractOptions())
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "exceeds 89478485 pixels")
}

func TestExtract_MaxPixelsIsConfigurable(t *testing.T) {
	data := encodePNG(t, boneImage(64, 48))

	opts := DefaultExtractOptions()
	opts.MaxPixels = 64*48 - 1
	_, err := Extract(data, opts)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))

	opts.MaxPixels = 64 * 48
	_, err = Extract(data, opts)
	assert.NoError(t, err)

	opts.MaxPixels = 0
	_, err = Extract(data, opts)
	assert.NoError(t, err, "zero falls back to the default limit")
}

func TestPercentile_MatchesNumpyLinear(t *testing.T) {
	tests := []struct {
		values []float64
		p      float64
		want   float64
	}{
		{[]float64{1, 2, 3, 4}, 0.72, 3.16},
		{[]float64{10, 20, 30, 40, 50}, 0.02, 10.8},
		{[]float64{10, 20, 30, 40, 50}, 0.98, 49.2},
		{[]float64{0, 0, 0, 255}, 0.72, 40.8},
		{[]float64{7}, 0.5, 7},
		{[]float64{1, 2, 3}, 1, 3},
		{[]float64{1, 2, 3}, 0, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Percentile(tt.values, tt.p), 1e-9, "%v p=%v", tt.values, tt.p)
	}
	assert.True(t, math.IsNaN(Percentile(nil, 0.5)))
}

func TestExtract_Deterministic(t *testing.T) {
	data := encodePNG(t, boneImage(80, 80))
	a, err := Extract(data, DefaultExtractOptions())
	require.NoError(t, err)
	b, err := Extract(data, DefaultExtractOptions())
	require.NoError(t, err)
	assert.Equal(t, a.Values, b.Values)
}

func TestEqualize_SingleLevelUnchanged(t *testing.T) {
	pix := []uint8{7, 7, 7, 7}
	assert.Equal(t, pix, equalize(pix))
}

func TestAutocontrast_Stretches(t *testing.T) {
	out := autocontrast([]uint8{50, 100, 150})
	assert.Equal(t, uint8(0), out[0])
	assert.Equal(t, uint8(255), out[2])
}

func gridFrom(w, h int, vals ...float64) *Grid {
	g := NewGrid(w, h)
	copy(g.Values, vals)
	return g
}

func TestClean_SparseUnchanged(t *testing.T) {
	g := NewGrid(10, 10)
	for i := 0; i < 10; i++ {
		g.Values[i] = 0.5
	}
	out := Clean(g)
	assert.Same(t, g, out)
}

func TestClean_KeepsLargestComponentAndFillsHoles(t *testing.T) {
	g := NewGrid(40, 40)
	// 10x10 ring with a hole in the middle.
	for y := 10; y < 20; y++ {
		for x := 10; x < 20; x++ {
			if x >= 13 && x < 16 && y >= 13 && y < 16 {
				continue
			}
			g.Set(x, y, 0.8)
		}
	}
	// Small separate blob.
	for y := 30; y < 33; y++ {
		for x := 30; x < 33; x++ {
			g.Set(x, y, 0.9)
		}
	}

	out := Clean(g)
	// Bounding box 10..19 plus margin 8 on each side.
	assert.Equal(t, 26, out.Width)
	assert.Equal(t, 26, out.Height)

	// Blob at (30..32) maps outside the crop or is zeroed.
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			gx, gy := x+2, y+2
			if gx >= 30 && gy >= 30 {
				assert.Equal(t, 0.0, out.At(x, y))
			}
		}
	}
	// Hole cells stay in the mask; their original value (0) is preserved.
	assert.Equal(t, 0.0, out.At(14-2, 14-2))
	assert.Equal(t, 0.8, out.At(10-2, 10-2))
}

func TestLargestComponent_TieKeepsFirst(t *testing.T) {
	mask := []bool{
		true, false, true,
		false, false, false,
	}
	out := LargestComponent(mask, 3, 2)
	assert.Equal(t, []bool{true, false, false, false, false, false}, out)
}

func TestLargestComponent_Idempotent(t *testing.T) {
	mask := []bool{
		true, true, false, false,
		false, true, false, true,
		true, false, false, true,
	}
	once := LargestComponent(mask, 4, 3)
	twice := LargestComponent(once, 4, 3)
	assert.Equal(t, once, twice)
	assert.Equal(t, []bool{
		true, true, false, false,
		false, true, false, false,
		false, false, false, false,
	}, once)
}

func TestFillHoles_NoInteriorFalseCells(t *testing.T) {
	mask := []bool{
		true, true, true, true,
		true, false, false, true,
		true, true, true, true,
	}
	out := FillHoles(mask, 4, 3)
	for _, v := range out {
		assert.True(t, v)
	}
	// Idempotent.
	assert.Equal(t, out, FillHoles(out, 4, 3))
}

func TestFillHoles_BorderConnectedStaysOpen(t *testing.T) {
	mask := []bool{
		true, false, true,
		true, false, true,
		true, true, true,
	}
	out := FillHoles(mask, 3, 3)
	assert.Equal(t, mask, out)
}

func TestGrid_PadTo(t *testing.T) {
	g := gridFrom(1, 1, 0.5)
	p := g.PadTo(2, 2)
	assert.Equal(t, []float64{0.5, 0, 0, 0}, p.Values)
}
