package pipeline

import (
	"context"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/rs/zerolog"
)

// LogSink logs confirmed tracks of every frame
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates LogSink
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// PublishTracks implements TrackSink
func (s *LogSink) PublishTracks(ctx context.Context, frame Frame, tracks []mot.TrackSnapshot) error {
	for _, track := range tracks {
		if track.State != mot.TrackConfirmed {
			continue
		}
		s.logger.Debug().
			Str("camera_id", frame.CameraID).
			Uint64("frame_id", frame.FrameID).
			Str("track_id", track.TrackID.String()).
			Str("class", track.Class).
			Float64("confidence", track.Confidence).
			Msg("Track")
	}
	return nil
}

// PublishReacquisition implements ReacquisitionSink
func (s *LogSink) PublishReacquisition(ctx context.Context, frame Frame, current mot.TrackSnapshot, previous mot.TrackSpan) error {
	s.logger.Info().
		Str("camera_id", frame.CameraID).
		Uint64("frame_id", frame.FrameID).
		Str("track_id", current.TrackID.String()).
		Str("previous_track_id", previous.TrackID.String()).
		Uint64("gap", current.FirstFrame-previous.LastFrame).
		Str("class", current.Class).
		Msg("Track re-acquired")
	return nil
}
