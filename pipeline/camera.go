package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/LdDl/ptz-tracker/ptz"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const stopSubmitTimeout = time.Second

// CameraOption configures Camera
type CameraOption func(*Camera)

// WithLogger sets camera logger
func WithLogger(logger zerolog.Logger) CameraOption {
	return func(c *Camera) {
		c.logger = logger
	}
}

// WithSinks adds track sinks
func WithSinks(sinks ...TrackSink) CameraOption {
	return func(c *Camera) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithReacquisitionGap enables re-acquisition lookups for newly confirmed tracks.
// Earlier tracks which ended less than maxGap frames before are reported
func WithReacquisitionGap(maxGap uint64) CameraOption {
	return func(c *Camera) {
		c.reacquisitionGap = maxGap
	}
}

// Camera owns one stream and its tracker
type Camera struct {
	source           FrameSource
	detector         Detector
	tracker          *mot.Tracker
	sinks            []TrackSink
	logger           zerolog.Logger
	reacquisitionGap uint64
}

// NewCamera creates camera loop. Camera id is taken from the tracker
func NewCamera(source FrameSource, detector Detector, tracker *mot.Tracker, options ...CameraOption) (*Camera, error) {
	if source == nil || detector == nil || tracker == nil {
		return nil, errors.New("source, detector and tracker are required")
	}
	c := &Camera{
		source:   source,
		detector: detector,
		tracker:  tracker,
		logger:   zerolog.Nop(),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// ID returns camera identifier
func (c *Camera) ID() string {
	return c.tracker.CameraID()
}

// Run processes frames until the stream ends or context is cancelled.
// On exit the controller is told that the camera stopped so it releases authority.
func (c *Camera) Run(ctx context.Context, events EventSink) (err error) {
	cameraID := c.ID()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopSubmitTimeout)
		defer cancel()
		if submitErr := events.Submit(stopCtx, ptz.CameraStopped{CameraID: cameraID, Err: err}); submitErr != nil {
			c.logger.Error().Err(submitErr).Str("camera_id", cameraID).Msg("Can't report camera stop")
		}
	}()
	for {
		frame, err := c.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.logger.Info().Str("camera_id", cameraID).Msg("Camera stream finished")
				return nil
			}
			return errors.Wrapf(err, "camera '%s': can't read frame", cameraID)
		}
		c.processFrame(ctx, cameraID, frame, events)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Camera) processFrame(ctx context.Context, cameraID string, frame Frame, events EventSink) {
	if frame.CameraID == "" {
		frame.CameraID = cameraID
	}
	detections, err := c.detector.Detect(ctx, frame)
	if err != nil {
		c.logger.Warn().Err(err).Str("camera_id", cameraID).Uint64("frame_id", frame.FrameID).Msg("Detection failed, skipping frame")
		return
	}
	for i := range detections {
		if detections[i].CameraID == "" {
			detections[i].CameraID = cameraID
		}
	}
	snapshots, err := c.tracker.Update(frame.FrameID, detections)
	if err != nil {
		c.logger.Warn().Err(err).Str("camera_id", cameraID).Uint64("frame_id", frame.FrameID).Msg("Tracker rejected frame")
		return
	}
	for _, sink := range c.sinks {
		if err := sink.PublishTracks(ctx, frame, snapshots); err != nil {
			c.logger.Warn().Err(err).Str("camera_id", cameraID).Msg("Track sink failed")
		}
	}
	c.reportReacquisitions(ctx, frame, snapshots)
	capturedAt := frame.At
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	err = events.Submit(ctx, ptz.TrackUpdate{
		CameraID:    cameraID,
		FrameID:     frame.FrameID,
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		Tracks:      snapshots,
		CapturedAt:  capturedAt,
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Str("camera_id", cameraID).Msg("Can't submit track update")
	}
}

func (c *Camera) reportReacquisitions(ctx context.Context, frame Frame, snapshots []mot.TrackSnapshot) {
	if c.reacquisitionGap == 0 {
		return
	}
	for _, snapshot := range snapshots {
		if snapshot.State != mot.TrackConfirmed || snapshot.ConfirmedAtFrame != frame.FrameID {
			continue
		}
		previous, ok := c.tracker.ReacquisitionOf(snapshot.TrackID, c.reacquisitionGap)
		if !ok {
			continue
		}
		for _, sink := range c.sinks {
			reacquisitionSink, ok := sink.(ReacquisitionSink)
			if !ok {
				continue
			}
			if err := reacquisitionSink.PublishReacquisition(ctx, frame, snapshot, previous); err != nil {
				c.logger.Warn().Err(err).Str("camera_id", frame.CameraID).Msg("Reacquisition sink failed")
			}
		}
	}
}
