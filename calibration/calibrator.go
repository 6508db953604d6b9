package calibration

import (
	"context"
	"image"
	"math"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// CandidateMatch is a zoom keypoint with its two nearest spotter descriptors
type CandidateMatch struct {
	Zoom    mot.Point
	Spotter mot.Point
	// Descriptor distance of the best spotter match
	Distance float64
	// Descriptor distance of the second best match. +Inf when there is none
	SecondDistance float64
}

// Matcher finds scale and rotation invariant keypoint matches between zoom and spotter images
type Matcher interface {
	Match(ctx context.Context, spotter, zoom image.Image) ([]CandidateMatch, error)
}

// CalibratorConfig holds parameters of a single calibration attempt
type CalibratorConfig struct {
	// Lowe's ratio test threshold
	RatioThreshold float64
	// RANSAC inlier threshold in spotter pixels
	ReprojThreshold  float64
	RANSACIterations int
	MinInliers       int
	Seed             int64
}

// DefaultCalibratorConfig returns default calibrator configuration
func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		RatioThreshold:   0.75,
		ReprojThreshold:  5.0,
		RANSACIterations: 2000,
		MinInliers:       8,
		Seed:             1,
	}
}

// Validate checks configuration
func (cfg CalibratorConfig) Validate() error {
	if !(cfg.RatioThreshold > 0 && cfg.RatioThreshold <= 1) {
		return errors.Errorf("ratio threshold must be in (0, 1], got %v", cfg.RatioThreshold)
	}
	if !(cfg.ReprojThreshold > 0) {
		return errors.Errorf("reprojection threshold must be positive, got %v", cfg.ReprojThreshold)
	}
	if cfg.RANSACIterations < 1 {
		return errors.Errorf("RANSAC iterations must be positive, got %d", cfg.RANSACIterations)
	}
	if cfg.MinInliers < 4 {
		return errors.Errorf("min inliers must be at least 4, got %d", cfg.MinInliers)
	}
	return nil
}

// Option configures Calibrator
type Option func(*Calibrator)

// WithLogger sets logger of calibration attempts
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Calibrator) {
		c.logger = logger
	}
}

// Calibrator estimates where the zoom view lies in the spotter view at one zoom level
type Calibrator struct {
	matcher Matcher
	cfg     CalibratorConfig
	logger  zerolog.Logger
}

// NewCalibrator creates calibrator with given feature matcher
func NewCalibrator(matcher Matcher, cfg CalibratorConfig, options ...Option) (*Calibrator, error) {
	if matcher == nil {
		return nil, errors.New("matcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid calibrator configuration")
	}
	c := &Calibrator{
		matcher: matcher,
		cfg:     cfg,
		logger:  zerolog.Nop(),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// Calibrate runs one attempt on a synchronized still pair
func (c *Calibrator) Calibrate(ctx context.Context, spotter, zoom image.Image, zoomLevel float64) (CalibrationPoint, error) {
	if math.IsNaN(zoomLevel) || zoomLevel < 0 || zoomLevel > 1 {
		return CalibrationPoint{}, errors.Errorf("zoom level must be in [0, 1], got %v", zoomLevel)
	}
	spotterSize := spotter.Bounds().Size()
	zoomSize := zoom.Bounds().Size()
	if spotterSize.X <= 0 || spotterSize.Y <= 0 || zoomSize.X <= 0 || zoomSize.Y <= 0 {
		return CalibrationPoint{}, errors.New("empty image")
	}
	matches, err := c.matcher.Match(ctx, spotter, zoom)
	if err != nil {
		return CalibrationPoint{}, errors.Wrap(err, "feature matching failed")
	}
	point, err := c.fromMatches(matches, zoomLevel, zoomSize, spotterSize)
	if err != nil {
		c.logger.Warn().Err(err).Float64("zoom_level", zoomLevel).Int("matches", len(matches)).Msg("Calibration attempt failed")
		return CalibrationPoint{}, err
	}
	c.logger.Info().Float64("zoom_level", zoomLevel).Int("inliers", point.Inliers).Float64("residual", point.Residual).Msg("Calibration attempt accepted")
	return point, nil
}

// ratioTest keeps matches whose best distance is clearly better than the second best
func (c *Calibrator) ratioTest(matches []CandidateMatch) []Correspondence {
	corrs := make([]Correspondence, 0, len(matches))
	for _, m := range matches {
		if m.Distance < c.cfg.RatioThreshold*m.SecondDistance {
			corrs = append(corrs, Correspondence{Zoom: m.Zoom, Spotter: m.Spotter})
		}
	}
	return corrs
}

func (c *Calibrator) fromMatches(matches []CandidateMatch, zoomLevel float64, zoomSize, spotterSize image.Point) (CalibrationPoint, error) {
	corrs := c.ratioTest(matches)
	if len(corrs) < c.cfg.MinInliers {
		return CalibrationPoint{}, errors.Wrapf(ErrInsufficientCorrespondences, "%d matches passed ratio test, need %d", len(corrs), c.cfg.MinInliers)
	}
	h, inliers, err := FitHomographyRANSAC(corrs, RANSACConfig{
		Iterations: c.cfg.RANSACIterations,
		Threshold:  c.cfg.ReprojThreshold,
		Seed:       c.cfg.Seed,
	}, c.cfg.MinInliers)
	if err != nil {
		return CalibrationPoint{}, err
	}

	sw, sh := float64(spotterSize.X), float64(spotterSize.Y)
	zoomFrame := mot.NewRectFrom(image.Rectangle{Max: zoomSize})
	var region Region
	for i, corner := range zoomFrame.Corners() {
		projected, ok := h.Apply(corner)
		if !ok {
			return CalibrationPoint{}, errors.Wrap(ErrDegenerateTransform, "zoom corner projects to infinity")
		}
		region[i] = mot.Point{X: projected.X / sw, Y: projected.Y / sh}
	}
	if !region.Valid() || !region.Convex() {
		return CalibrationPoint{}, errors.Wrapf(ErrDegenerateTransform, "back-projected region %v is not convex", region)
	}
	return CalibrationPoint{
		ZoomLevel: zoomLevel,
		Region:    region,
		Residual:  rmsError(h, corrs, inliers),
		Inliers:   len(inliers),
	}, nil
}
