package calibration

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// PTZCalibration maps normalized spotter coordinates to actuator deltas.
// Centers are fractions of the spotter frame where the actuator is at rest.
type PTZCalibration struct {
	PanScale    float64 `json:"pan_scale"`
	TiltScale   float64 `json:"tilt_scale"`
	PanCenterX  float64 `json:"pan_center_x"`
	TiltCenterY float64 `json:"tilt_center_y"`
}

// DefaultPTZCalibration is used until an operator runs calibration
func DefaultPTZCalibration() PTZCalibration {
	return PTZCalibration{
		PanScale:    0.8,
		TiltScale:   0.6,
		PanCenterX:  0.5,
		TiltCenterY: 0.5,
	}
}

// Validate checks that scales are positive and centers are inside the frame
func (c PTZCalibration) Validate() error {
	if !(c.PanScale > 0) || math.IsInf(c.PanScale, 0) {
		return errors.Errorf("pan scale must be positive, got %v", c.PanScale)
	}
	if !(c.TiltScale > 0) || math.IsInf(c.TiltScale, 0) {
		return errors.Errorf("tilt scale must be positive, got %v", c.TiltScale)
	}
	if !(c.PanCenterX >= 0 && c.PanCenterX <= 1) {
		return errors.Errorf("pan center must be in [0, 1], got %v", c.PanCenterX)
	}
	if !(c.TiltCenterY >= 0 && c.TiltCenterY <= 1) {
		return errors.Errorf("tilt center must be in [0, 1], got %v", c.TiltCenterY)
	}
	return nil
}

// Delta converts normalized point to pan/tilt deltas
func (c PTZCalibration) Delta(x, y float64) (float64, float64) {
	return (x - c.PanCenterX) * c.PanScale, (y - c.TiltCenterY) * c.TiltScale
}

// Sample is one observation of auto-calibration: actuator was commanded to (Pan, Tilt)
// and the zoom view was found at (SpotterX, SpotterY) of the spotter frame.
type Sample struct {
	Pan        float64 `json:"pan"`
	Tilt       float64 `json:"tilt"`
	SpotterX   float64 `json:"spotter_x"`
	SpotterY   float64 `json:"spotter_y"`
	Confidence float64 `json:"confidence"`
}

const (
	minFitSamples = 3
	minScale      = 0.2
	maxScale      = 3.0
	minCenter     = 0.1
	maxCenter     = 0.9
)

// FitPTZCalibration derives PTZCalibration from observed samples with weighted linear regression.
// Intercepts give centers, ratio of commanded range to observed range gives scales.
func FitPTZCalibration(samples []Sample) (PTZCalibration, error) {
	if len(samples) < minFitSamples {
		return PTZCalibration{}, errors.Wrapf(ErrInsufficientCorrespondences, "need at least %d samples, got %d", minFitSamples, len(samples))
	}
	pans := make([]float64, len(samples))
	tilts := make([]float64, len(samples))
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	weights := make([]float64, len(samples))
	for i, s := range samples {
		if s.Confidence <= 0 || math.IsNaN(s.Confidence) {
			return PTZCalibration{}, errors.Errorf("sample %d: confidence must be positive, got %v", i, s.Confidence)
		}
		pans[i], tilts[i], xs[i], ys[i], weights[i] = s.Pan, s.Tilt, s.SpotterX, s.SpotterY, s.Confidence
	}
	def := DefaultPTZCalibration()
	cal := def

	panRange, xRange := spread(pans), spread(xs)
	if panRange > 0 {
		intercept, _ := stat.LinearRegression(pans, xs, weights, false)
		cal.PanCenterX = intercept
	}
	if panRange > 0 && xRange > 0 {
		cal.PanScale = panRange / xRange
	}

	tiltRange, yRange := spread(tilts), spread(ys)
	if tiltRange > 0 {
		intercept, _ := stat.LinearRegression(tilts, ys, weights, false)
		cal.TiltCenterY = intercept
	}
	if tiltRange > 0 && yRange > 0 {
		cal.TiltScale = tiltRange / yRange
	}

	cal.PanScale = clamp(cal.PanScale, minScale, maxScale)
	cal.TiltScale = clamp(cal.TiltScale, minScale, maxScale)
	cal.PanCenterX = clamp(cal.PanCenterX, minCenter, maxCenter)
	cal.TiltCenterY = clamp(cal.TiltCenterY, minCenter, maxCenter)
	if err := cal.Validate(); err != nil {
		return def, errors.Wrap(err, "fitted calibration is invalid")
	}
	return cal, nil
}

func spread(values []float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return hi - lo
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
