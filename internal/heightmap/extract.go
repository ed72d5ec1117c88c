package heightmap

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"math"
	"slices"

	"github.com/rotisserie/eris"
	_ "golang.org/x/image/bmp" // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
	"gonum.org/v1/gonum/stat"

	"github.com/orthogenesis/recon-cli/internal/resilience"
)

const (
	thresholdStdWeight  = 0.35
	thresholdPercentile = 0.72
	lowPercentile       = 0.02
	highPercentile      = 0.98
	maskWeight          = 0.58
	densityWeight       = 0.42
	densityOffset       = 0.18
	detailBlurSigma     = 0.6
	heightGamma         = 0.93
	noiseFloor          = 0.004
	minGridSide         = 2

	// DefaultMaxPixels is the decompression-bomb limit, about 89.5 megapixels.
	DefaultMaxPixels = 89_478_485
)

// ExtractOptions controls radiograph preprocessing.
type ExtractOptions struct {
	TargetSize int
	BlurSigma  float64
	// MaxPixels rejects images whose header declares more pixels.
	MaxPixels int
}

// DefaultExtractOptions returns the production preprocessing settings.
func DefaultExtractOptions() ExtractOptions {
	return ExtractOptions{TargetSize: 384, BlurSigma: 1.1, MaxPixels: DefaultMaxPixels}
}

// Extract decodes an encoded radiograph and converts it to a normalized
// bone-density heightmap. Undecodable or oversized images are a permanent
// input error; the size is checked from the header before decoding.
func Extract(data []byte, opts ExtractOptions) (*Grid, error) {
	limit := opts.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "heightmap: decode image header"))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > limit/cfg.Height {
		return nil, resilience.Permanent(eris.Errorf("heightmap: image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, limit))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "heightmap: decode image"))
	}
	return ExtractImage(img, opts), nil
}

// Percentile returns the p-quantile (0 <= p <= 1) of sorted using linear
// interpolation between closest ranks at the virtual index (n-1)*p, the
// same estimate numpy.percentile makes by default. It returns NaN for an
// empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * clip01(p)
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	a, b, t := sorted[lo], sorted[lo+1], h-float64(lo)
	// Interpolate from the nearer end, as numpy does, so the result is
	// exact at t == 1 and monotone in t.
	if t >= 0.5 {
		return b - (b-a)*(1-t)
	}
	return a + (b-a)*t
}

// ExtractImage converts a decoded image to a heightmap. The result is at
// least 2x2; an image with no pixels yields a 2x2 zero grid.
func ExtractImage(img image.Image, opts ExtractOptions) *Grid {
	if opts.TargetSize <= 0 {
		opts.TargetSize = DefaultExtractOptions().TargetSize
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return NewGrid(minGridSide, minGridSide)
	}

	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	gray = thumbnail(gray, opts.TargetSize)

	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	pix := plane(gray)
	pix = gaussianBlur(pix, w, h, opts.BlurSigma)
	pix = autocontrast(pix)
	pix = equalize(pix)

	px := make([]float64, len(pix))
	for i, p := range pix {
		px[i] = float64(p)
	}
	mean, std := stat.PopMeanStdDev(px, nil)
	sorted := slices.Clone(px)
	slices.Sort(sorted)
	threshold := math.Min(255, math.Max(mean+thresholdStdWeight*std, Percentile(sorted, thresholdPercentile)))
	pLow := Percentile(sorted, lowPercentile)
	pHigh := Percentile(sorted, highPercentile)

	bone := make([]uint8, len(px))
	for i, p := range px {
		norm := clip01((p - pLow) / math.Max(1, pHigh-pLow))
		mask := clip01((p - threshold) / math.Max(1, 255-threshold))
		v := maskWeight*mask + densityWeight*clip01(norm-densityOffset)
		bone[i] = uint8(math.Min(255, math.Max(0, v*255)))
	}
	bone = gaussianBlur(bone, w, h, detailBlurSigma)

	g := NewGrid(w, h)
	for i, p := range bone {
		g.Values[i] = float64(p) / 255
	}
	if peak := g.Max(); peak > 0 {
		for i, v := range g.Values {
			v = math.Pow(v/peak, heightGamma)
			if v < noiseFloor {
				v = 0
			}
			g.Values[i] = v
		}
	}
	return g.PadTo(minGridSide, minGridSide)
}

// thumbnail downsizes preserving aspect ratio so neither side exceeds size.
func thumbnail(src *image.Gray, size int) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w <= size && h <= size {
		return src
	}
	scale := float64(size) / float64(max(w, h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func plane(g *image.Gray) []uint8 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	out := make([]uint8, 0, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		out = append(out, row...)
	}
	return out
}

// gaussianBlur applies a separable Gaussian with clamped edges and rounds
// back to 8 bits.
func gaussianBlur(pix []uint8, w, h int, sigma float64) []uint8 {
	if sigma <= 0 || len(pix) == 0 {
		return slices.Clone(pix)
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := make([]float64, len(pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				sx := min(max(x+k-radius, 0), w-1)
				acc += kv * float64(pix[y*w+sx])
			}
			tmp[y*w+x] = acc
		}
	}
	out := make([]uint8, len(pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k, kv := range kernel {
				sy := min(max(y+k-radius, 0), h-1)
				acc += kv * tmp[sy*w+x]
			}
			out[y*w+x] = uint8(math.Min(255, math.Max(0, math.Round(acc))))
		}
	}
	return out
}

// autocontrast stretches the darkest pixel to 0 and the brightest to 255.
func autocontrast(pix []uint8) []uint8 {
	lo, hi := uint8(255), uint8(0)
	for _, p := range pix {
		lo = min(lo, p)
		hi = max(hi, p)
	}
	if hi <= lo {
		return slices.Clone(pix)
	}
	scale := 255 / float64(hi-lo)
	offset := -float64(lo) * scale
	var lut [256]uint8
	for i := range lut {
		v := int(float64(i)*scale + offset)
		lut[i] = uint8(min(max(v, 0), 255))
	}
	out := make([]uint8, len(pix))
	for i, p := range pix {
		out[i] = lut[p]
	}
	return out
}

// equalize flattens the histogram with the classic step-based lookup table.
func equalize(pix []uint8) []uint8 {
	var hist [256]int
	for _, p := range pix {
		hist[p]++
	}
	var total, last, nonzero int
	for _, c := range hist {
		if c > 0 {
			total += c
			last = c
			nonzero++
		}
	}
	if nonzero <= 1 {
		return slices.Clone(pix)
	}
	step := (total - last) / 255
	if step == 0 {
		return slices.Clone(pix)
	}
	var lut [256]uint8
	n := step / 2
	for i := range lut {
		lut[i] = uint8(min(n/step, 255))
		n += hist[i]
	}
	out := make([]uint8, len(pix))
	for i, p := range pix {
		out[i] = lut[p]
	}
	return out
}
