package reconstruction

import (
	"math"

	"github.com/orthogenesis/recon-cli/internal/model"
)

const (
	ObservedThreshold = 0.72
	AdjustedThreshold = 0.32
	HistogramBins     = 10
	ReportMode        = "single-view-heightmap"
)

var (
	colorLow  = [3]float64{239, 68, 68}
	colorMid  = [3]float64{245, 158, 11}
	colorHigh = [3]float64{16, 185, 129}
)

// ConfidenceColor maps a confidence in [0,1] onto the red-amber-teal ramp,
// interpolating piecewise around 0.5. Alpha is always opaque.
func ConfidenceColor(c float64) [4]uint8 {
	c = clip01(c)
	from, to, t := colorLow, colorMid, c/0.5
	if c >= 0.5 {
		from, to, t = colorMid, colorHigh, (c-0.5)/0.5
	}
	var out [4]uint8
	for k := 0; k < 3; k++ {
		out[k] = uint8(math.Round(from[k] + (to[k]-from[k])*t))
	}
	out[3] = 255
	return out
}

// BuildReport summarizes the confidences of the referenced vertices.
func BuildReport(conf []float64, referenced []bool, surfaceFloor float64) *model.ConfidenceReport {
	var (
		n                  int
		sum                float64
		observed, adjusted int
	)
	hist := make([]int, HistogramBins)
	for i, c := range conf {
		if !referenced[i] {
			continue
		}
		n++
		sum += c
		switch {
		case c >= ObservedThreshold:
			observed++
		case c >= AdjustedThreshold:
			adjusted++
		}
		hist[histogramBin(c)]++
	}
	if n == 0 {
		return EmptyReport(surfaceFloor)
	}
	total := float64(n)
	r := newReport(surfaceFloor)
	r.OverallConfidence = sum / total
	r.ObservedRatio = float64(observed) / total
	r.AdjustedRatio = float64(adjusted) / total
	r.InferredRatio = float64(n-observed-adjusted) / total
	r.VertexCount = n
	r.Histogram = hist
	return r
}

// EmptyReport is the report of a mesh with no supported surface.
func EmptyReport(surfaceFloor float64) *model.ConfidenceReport {
	r := newReport(surfaceFloor)
	r.InferredRatio = 1
	return r
}

func newReport(surfaceFloor float64) *model.ConfidenceReport {
	return &model.ConfidenceReport{
		Histogram:         make([]int, HistogramBins),
		ObservedThreshold: ObservedThreshold,
		AdjustedThreshold: AdjustedThreshold,
		SurfaceFloor:      surfaceFloor,
		Mode:              ReportMode,
	}
}

// histogramEdges are the bin edges i*(1/HistogramBins) with the last pinned
// to 1, computed the way numpy.linspace computes them.
var histogramEdges = func() [HistogramBins + 1]float64 {
	var e [HistogramBins + 1]float64
	step := 1.0 / HistogramBins
	for i := range e {
		e[i] = float64(i) * step
	}
	e[HistogramBins] = 1
	return e
}()

// histogramBin buckets [0,1] into ten half-open bins [e[i], e[i+1]) with
// 1.0 in the last. The scaled index is corrected against the edges, so a
// value like 0.3, which sits below 3*0.1 in floating point, lands in bin 2.
func histogramBin(c float64) int {
	c = clip01(c)
	i := min(int(c*HistogramBins), HistogramBins-1)
	switch {
	case c < histogramEdges[i]:
		i--
	case i < HistogramBins-1 && c >= histogramEdges[i+1]:
		i++
	}
	return i
}
