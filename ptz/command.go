package ptz

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PTZCommand is an incremental move of the shared actuator
type PTZCommand struct {
	PanDelta  float64
	TiltDelta float64
	// Absolute zoom level in [0, 1]
	ZoomLevel      float64
	IssuedAt       time.Time
	SourceCameraID string
}

// Actuator drives the physical pan/tilt/zoom head (e.g. ONVIF relative move)
type Actuator interface {
	Move(ctx context.Context, cmd PTZCommand) error
}

// LogActuator only logs commands. Used for replays and dry runs
type LogActuator struct {
	logger zerolog.Logger
}

// NewLogActuator creates LogActuator
func NewLogActuator(logger zerolog.Logger) *LogActuator {
	return &LogActuator{logger: logger}
}

// Move implements Actuator
func (a *LogActuator) Move(ctx context.Context, cmd PTZCommand) error {
	a.logger.Info().
		Str("source_camera_id", cmd.SourceCameraID).
		Float64("pan_delta", cmd.PanDelta).
		Float64("tilt_delta", cmd.TiltDelta).
		Float64("zoom", cmd.ZoomLevel).
		Time("issued_at", cmd.IssuedAt).
		Msg("PTZ move")
	return ctx.Err()
}
