package calibration

import (
	"context"
	"image"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Attempt is a record of one calibration run at one zoom level
type Attempt struct {
	ID        uuid.UUID
	ZoomLevel float64
	Accepted  bool
	Residual  float64
	Inliers   int
	Error     string
	CreatedAt time.Time
}

// AttemptRecorder keeps history of calibration attempts
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// BuilderOption configures Builder
type BuilderOption func(*Builder)

// WithRecorder stores every attempt made through the builder
func WithRecorder(recorder AttemptRecorder) BuilderOption {
	return func(b *Builder) {
		b.recorder = recorder
	}
}

// WithBuilderLogger sets logger of the builder
func WithBuilderLogger(logger zerolog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// Builder accumulates accepted calibration points across attempts.
// A failed attempt never invalidates points accepted before.
type Builder struct {
	meta     Meta
	points   map[float64]CalibrationPoint
	recorder AttemptRecorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewBuilder creates empty builder for given camera pair
func NewBuilder(meta Meta, options ...BuilderOption) *Builder {
	b := &Builder{
		meta:   meta,
		points: make(map[float64]CalibrationPoint),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Add accepts point. A point at already calibrated zoom level replaces the previous one
func (b *Builder) Add(point CalibrationPoint) error {
	if err := point.Validate(); err != nil {
		return errors.Wrap(err, "can't accept calibration point")
	}
	b.points[point.ZoomLevel] = point
	return nil
}

// Attempt runs calibrator on a still pair and accepts the result on success.
// Recording failures are logged and never fail the attempt.
func (b *Builder) Attempt(ctx context.Context, calibrator *Calibrator, spotter, zoom image.Image, zoomLevel float64) (CalibrationPoint, error) {
	point, err := calibrator.Calibrate(ctx, spotter, zoom, zoomLevel)
	if err == nil {
		err = b.Add(point)
	}
	attempt := Attempt{
		ID:        uuid.New(),
		ZoomLevel: zoomLevel,
		Accepted:  err == nil,
		CreatedAt: b.now().UTC(),
	}
	if err != nil {
		attempt.Error = err.Error()
	} else {
		attempt.Residual = point.Residual
		attempt.Inliers = point.Inliers
	}
	if b.recorder != nil {
		if recErr := b.recorder.RecordAttempt(ctx, attempt); recErr != nil {
			b.logger.Error().Err(recErr).Str("attempt_id", attempt.ID.String()).Msg("Can't record calibration attempt")
		}
	}
	if err != nil {
		return CalibrationPoint{}, err
	}
	return point, nil
}

// Points returns accepted points sorted by zoom level
func (b *Builder) Points() []CalibrationPoint {
	points := make([]CalibrationPoint, 0, len(b.points))
	for _, p := range b.points {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].ZoomLevel < points[j].ZoomLevel
	})
	return points
}

// Publish yields immutable calibration out of accepted points
func (b *Builder) Publish() (*ZoomFOVCalibration, error) {
	meta := b.meta
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = b.now().UTC()
	}
	return NewZoomFOVCalibration(meta, b.Points())
}
