// Package pipeline runs per-camera acquisition, detection and tracking loops.
package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/LdDl/ptz-tracker/ptz"
)

// Frame is one image of a camera stream
type Frame struct {
	CameraID string
	FrameID  uint64
	Width    int
	Height   int
	At       time.Time
	// Nil for replayed streams
	Image image.Image
	// Detections recorded with the frame, used by PrecomputedDetector
	Detections []mot.Detection
}

// FrameSource delivers frames of one camera. io.EOF ends the stream
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// Detector is a detection backend
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]mot.Detection, error)
}

// TrackSink receives track snapshots of every processed frame (clip writer, notifier)
type TrackSink interface {
	PublishTracks(ctx context.Context, frame Frame, tracks []mot.TrackSnapshot) error
}

// ReacquisitionSink is an optional extension of TrackSink. It is told when a newly
// confirmed track could be the same subject as an earlier track of the camera
type ReacquisitionSink interface {
	PublishReacquisition(ctx context.Context, frame Frame, current mot.TrackSnapshot, previous mot.TrackSpan) error
}

// EventSink accepts controller events. Implemented by ptz.Controller
type EventSink interface {
	Submit(ctx context.Context, ev ptz.Event) error
}

// PrecomputedDetector returns detections stored in the frame
type PrecomputedDetector struct{}

// Detect implements Detector
func (PrecomputedDetector) Detect(ctx context.Context, frame Frame) ([]mot.Detection, error) {
	return frame.Detections, nil
}
