package reconstruction

import (
	"math"
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/model"
)

const (
	DefaultCalibrationVersion = "calib-v1"
	defaultSlope              = 0.92
	defaultIntercept          = 0.04
)

// Calibrator maps raw engine confidence onto a validated scale with a linear
// profile loaded once from <profileDir>/<version>.{json,yaml}.
type Calibrator struct {
	Version   string
	Slope     float64
	Intercept float64
}

// NewCalibrator loads the named profile. A missing or malformed profile keeps
// the default slope and intercept.
func NewCalibrator(profileDir, version string) *Calibrator {
	if version == "" {
		version = DefaultCalibrationVersion
	}
	c := &Calibrator{Version: version, Slope: defaultSlope, Intercept: defaultIntercept}
	c.loadProfile(profileDir)
	return c
}

func (c *Calibrator) loadProfile(dir string) {
	log := zap.L().With(zap.String("calibration_version", c.Version))
	if dir == "" {
		return
	}
	var path string
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		p := filepath.Join(dir, c.Version+ext)
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		log.Debug("calibration profile not found, using defaults", zap.String("dir", dir))
		return
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		log.Warn("calibration profile unreadable, using defaults", zap.String("path", path), zap.Error(err))
		return
	}

	slope, intercept := c.Slope, c.Intercept
	if v.IsSet("slope") {
		s, err := cast.ToFloat64E(v.Get("slope"))
		if err != nil {
			log.Warn("calibration slope invalid, using defaults", zap.String("path", path), zap.Error(err))
			return
		}
		slope = s
	}
	if v.IsSet("intercept") {
		i, err := cast.ToFloat64E(v.Get("intercept"))
		if err != nil {
			log.Warn("calibration intercept invalid, using defaults", zap.String("path", path), zap.Error(err))
			return
		}
		intercept = i
	}
	if !isFinite(slope) || !isFinite(intercept) {
		log.Warn("calibration profile not finite, using defaults",
			zap.String("path", path),
			zap.Float64("slope", slope),
			zap.Float64("intercept", intercept),
		)
		return
	}
	if slope < 0 {
		// A negative slope would make calibration decreasing.
		log.Warn("calibration slope negative, using defaults", zap.String("path", path), zap.Float64("slope", slope))
		return
	}
	c.Slope, c.Intercept = slope, intercept
	log.Debug("calibration profile loaded",
		zap.String("path", path),
		zap.Float64("slope", slope),
		zap.Float64("intercept", intercept),
	)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Calibrate returns slope·raw + intercept clipped to [0,1].
func (c *Calibrator) Calibrate(raw float64) float64 {
	return clip01(c.Slope*raw + c.Intercept)
}

// BuildUncertaintyMap normalizes the report histogram into probabilities and
// carries the ratios through. A nil report maps to fully inferred.
func (c *Calibrator) BuildUncertaintyMap(report *model.ConfidenceReport) *model.UncertaintyMap {
	um := &model.UncertaintyMap{CalibrationVersion: c.Version, InferredRatio: 1, Histogram: []float64{}}
	if report == nil {
		return um
	}
	um.ObservedRatio = report.ObservedRatio
	um.AdjustedRatio = report.AdjustedRatio
	um.InferredRatio = report.InferredRatio

	var total int
	for _, v := range report.Histogram {
		total += v
	}
	um.Histogram = make([]float64, len(report.Histogram))
	if total == 0 {
		return um
	}
	for i, v := range report.Histogram {
		um.Histogram[i] = float64(v) / float64(total)
	}
	return um
}
