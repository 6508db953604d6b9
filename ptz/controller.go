// Package ptz arbitrates control of the shared pan/tilt/zoom actuator between spotter and zoom cameras.
package ptz

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/LdDl/ptz-tracker/calibration"
	"github.com/LdDl/ptz-tracker/mot"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// State is controller's authority state
type State uint32

const (
	// StateIdle - nothing to track
	StateIdle State = iota
	// StateSearching - spotter has authority and slews toward the subject
	StateSearching
	// StateTrackingCoarse - spotter has authority, subject is in view
	StateTrackingCoarse
	// StateTrackingFine - zoom camera has authority
	StateTrackingFine
	// StateLost - no camera holds a confirmed track, position is held
	StateLost
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateTrackingCoarse:
		return "tracking_coarse"
	case StateTrackingFine:
		return "tracking_fine"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is an input of controller loop
type Event interface {
	event()
}

// TrackUpdate carries snapshots of one camera frame
type TrackUpdate struct {
	CameraID    string
	FrameID     uint64
	FrameWidth  int
	FrameHeight int
	Tracks      []mot.TrackSnapshot
	// Capture time reported by the camera, informational only
	CapturedAt time.Time
	// Arrival time on the controller clock. Set by the controller, staleness is measured from it
	At time.Time
}

// CameraStopped is sent by a camera pipeline on exit
type CameraStopped struct {
	CameraID string
	Err      error
}

// Tick re-evaluates time based transitions (cooldown, staleness).
// It never repeats a command for an update that was already acted on.
type Tick struct{}

func (TrackUpdate) event()   {}
func (CameraStopped) event() {}
func (Tick) event()          {}

// TrackLost is emitted once when every camera has lost the subject
type TrackLost struct {
	At            time.Time
	PreviousState State
}

// Config holds controller parameters
type Config struct {
	SpotterCameraID string
	// Empty for single-camera mode
	ZoomCameraID string
	// No command while both normalized deltas are below it
	DeadZone float64
	// Gain of zoom camera offsets in fine mode
	FineGain float64
	// Desired fraction of zoom frame occupied by subject
	TargetFill  float64
	ZoomGain    float64
	MaxZoomStep float64
	// Smaller zoom changes are not worth a command
	MinZoomChange      float64
	InitialZoom        float64
	MinCommandInterval time.Duration
	// Updates older than this count as no confirmed track
	StaleAfter   time.Duration
	LostCooldown time.Duration
	// Tracks smaller than this fraction of frame are ignored
	MinTrackArea    float64
	TickInterval    time.Duration
	QueueSize       int
	DecisionLogSize int
}

// DefaultConfig returns default controller configuration
func DefaultConfig() Config {
	return Config{
		SpotterCameraID:    "spotter",
		DeadZone:           0.02,
		FineGain:           0.5,
		TargetFill:         0.3,
		ZoomGain:           0.5,
		MaxZoomStep:        0.1,
		MinZoomChange:      0.02,
		MinCommandInterval: 500 * time.Millisecond,
		StaleAfter:         2 * time.Second,
		LostCooldown:       5 * time.Second,
		MinTrackArea:       0.0005,
		TickInterval:       250 * time.Millisecond,
		QueueSize:          64,
		DecisionLogSize:    256,
	}
}

// Validate checks configuration
func (cfg Config) Validate() error {
	if cfg.SpotterCameraID == "" {
		return errors.New("spotter camera id is required")
	}
	if cfg.ZoomCameraID == cfg.SpotterCameraID {
		return errors.Errorf("zoom camera id must differ from spotter camera id '%s'", cfg.SpotterCameraID)
	}
	if cfg.DeadZone < 0 {
		return errors.Errorf("dead zone can't be negative, got %v", cfg.DeadZone)
	}
	if cfg.FineGain <= 0 || cfg.ZoomGain < 0 {
		return errors.Errorf("gains must be positive, got fine=%v zoom=%v", cfg.FineGain, cfg.ZoomGain)
	}
	if cfg.TargetFill <= 0 || cfg.TargetFill > 1 {
		return errors.Errorf("target fill must be in (0, 1], got %v", cfg.TargetFill)
	}
	if cfg.MaxZoomStep < 0 || cfg.MinZoomChange < 0 {
		return errors.New("zoom steps can't be negative")
	}
	if cfg.InitialZoom < 0 || cfg.InitialZoom > 1 {
		return errors.Errorf("initial zoom must be in [0, 1], got %v", cfg.InitialZoom)
	}
	if cfg.MinCommandInterval < 0 || cfg.StaleAfter < 0 || cfg.LostCooldown < 0 {
		return errors.New("durations can't be negative")
	}
	if cfg.TickInterval <= 0 {
		return errors.Errorf("tick interval must be positive, got %s", cfg.TickInterval)
	}
	if cfg.QueueSize < 1 {
		return errors.Errorf("queue size must be positive, got %d", cfg.QueueSize)
	}
	return nil
}

// Option configures Controller
type Option func(*Controller)

// WithLogger sets logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithClock replaces real clock
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithLostListener registers listener of TrackLost events. Listeners run on the controller goroutine
func WithLostListener(listener func(TrackLost)) Option {
	return func(c *Controller) {
		c.lostListeners = append(c.lostListeners, listener)
	}
}

// Controller fuses track updates of both cameras into rate-limited actuator commands.
// All state below is owned by the goroutine executing Run.
type Controller struct {
	cfg           Config
	actuator      Actuator
	clock         Clock
	logger        zerolog.Logger
	lostListeners []func(TrackLost)
	events        chan Event
	calibration   atomic.Pointer[calibration.Bundle]
	decisions     *decisionLog
	state         atomic.Uint32

	latest map[string]TrackUpdate
	// Frame of the last update each camera had a command issued from
	acted         map[string]uint64
	zoom          float64
	commanded     bool
	lastCommandAt time.Time
	lostAt        time.Time
}

// NewController creates controller with default calibration
func NewController(cfg Config, actuator Actuator, options ...Option) (*Controller, error) {
	if actuator == nil {
		return nil, errors.New("actuator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid controller configuration")
	}
	c := &Controller{
		cfg:       cfg,
		actuator:  actuator,
		clock:     RealClock{},
		logger:    zerolog.Nop(),
		events:    make(chan Event, cfg.QueueSize),
		decisions: newDecisionLog(cfg.DecisionLogSize),
		latest:    make(map[string]TrackUpdate),
		acted:     make(map[string]uint64),
		zoom:      cfg.InitialZoom,
	}
	for _, option := range options {
		option(c)
	}
	c.calibration.Store(&calibration.Bundle{PTZ: calibration.DefaultPTZCalibration()})
	return c, nil
}

// SetCalibration atomically replaces calibration snapshot used by the controller
func (c *Controller) SetCalibration(bundle calibration.Bundle) error {
	if err := bundle.Validate(); err != nil {
		return errors.Wrap(err, "invalid calibration")
	}
	c.calibration.Store(&bundle)
	c.logger.Info().Bool("fov", bundle.FOV != nil).Msg("Calibration replaced")
	return nil
}

// Calibration returns current calibration snapshot
func (c *Controller) Calibration() calibration.Bundle {
	return *c.calibration.Load()
}

// State returns current authority state. Safe for concurrent use
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Decisions returns decision log, oldest first
func (c *Controller) Decisions() []Decision {
	return c.decisions.between(time.Time{}, time.Time{})
}

// DecisionsBetween returns decisions made in [from, to]
func (c *Controller) DecisionsBetween(from, to time.Time) []Decision {
	return c.decisions.between(from, to)
}

// Submit queues event for the controller loop
func (c *Controller) Submit(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events one at a time until context is cancelled
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			// Failures are logged and retried on the next cycle
			_ = c.handle(ctx, ev)
		case <-ticker.C():
			_ = c.handle(ctx, Tick{})
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case TrackUpdate:
		if e.CameraID != c.cfg.SpotterCameraID && e.CameraID != c.cfg.ZoomCameraID {
			c.logger.Warn().Str("camera_id", e.CameraID).Msg("Update from unknown camera")
			return nil
		}
		if prev, ok := c.latest[e.CameraID]; ok && e.FrameID <= prev.FrameID {
			return nil
		}
		e.At = c.clock.Now()
		c.latest[e.CameraID] = e
	case CameraStopped:
		delete(c.latest, e.CameraID)
		delete(c.acted, e.CameraID)
		c.logger.Info().Str("camera_id", e.CameraID).AnErr("cause", e.Err).Msg("Camera stopped")
	case Tick:
	default:
		return errors.Errorf("unknown event %T", ev)
	}
	return c.evaluate(ctx)
}

// candidate is the active track of one camera in normalized coordinates
type candidate struct {
	cameraID string
	track    mot.TrackSnapshot
	bbox     mot.Rectangle
	center   mot.Point
}

// activeTrack picks confirmed track with highest confidence; ties go to the most recently confirmed one
func (c *Controller) activeTrack(cameraID string, now time.Time) (candidate, bool) {
	if cameraID == "" {
		return candidate{}, false
	}
	upd, ok := c.latest[cameraID]
	if !ok || upd.FrameWidth <= 0 || upd.FrameHeight <= 0 {
		return candidate{}, false
	}
	if c.cfg.StaleAfter > 0 && now.Sub(upd.At) > c.cfg.StaleAfter {
		return candidate{}, false
	}
	var best candidate
	found := false
	for _, track := range upd.Tracks {
		if track.State != mot.TrackConfirmed {
			continue
		}
		bbox := track.BBox.Normalize(float64(upd.FrameWidth), float64(upd.FrameHeight))
		if bbox.Area() < c.cfg.MinTrackArea {
			continue
		}
		if found {
			if track.Confidence < best.track.Confidence {
				continue
			}
			if track.Confidence == best.track.Confidence && track.ConfirmedAtFrame <= best.track.ConfirmedAtFrame {
				continue
			}
		}
		best = candidate{cameraID: cameraID, track: track, bbox: bbox, center: bbox.Center()}
		found = true
	}
	return best, found
}

func (c *Controller) evaluate(ctx context.Context) error {
	now := c.clock.Now()
	bundle := c.calibration.Load()
	state := c.State()
	spotter, spotterOK := c.activeTrack(c.cfg.SpotterCameraID, now)
	zoomCand, zoomOK := c.activeTrack(c.cfg.ZoomCameraID, now)

	// While Idle or Lost a zoom-only track doesn't count: its subject was never handed off
	if !spotterOK && (!zoomOK || state == StateIdle || state == StateLost) {
		switch state {
		case StateIdle:
		case StateLost:
			if now.Sub(c.lostAt) >= c.cfg.LostCooldown {
				c.transition(StateIdle, now, "", "cooldown elapsed")
			}
		default:
			c.lostAt = now
			c.transition(StateLost, now, "", "no confirmed track")
			c.notifyLost(now, state)
		}
		return nil
	}

	fine := false
	if zoomOK {
		switch state {
		case StateTrackingFine:
			fine = true
		case StateSearching, StateTrackingCoarse:
			fine = spotterOK && c.sameSubject(bundle, spotter, now)
		}
	}

	var (
		next State
		cmd  *PTZCommand
	)
	switch {
	case fine:
		next = StateTrackingFine
		cmd = c.fineCommand(bundle, zoomCand, now)
	case spotterOK:
		pan, tilt := bundle.PTZ.Delta(spotter.center.X, spotter.center.Y)
		inDeadZone := math.Abs(pan) < c.cfg.DeadZone && math.Abs(tilt) < c.cfg.DeadZone
		switch state {
		case StateIdle, StateLost:
			next = StateSearching
		case StateSearching:
			next = StateSearching
			if c.converged(bundle, spotter, inDeadZone, now) {
				next = StateTrackingCoarse
			}
		default:
			next = StateTrackingCoarse
		}
		if !inDeadZone {
			cmd = &PTZCommand{
				PanDelta:       pan,
				TiltDelta:      tilt,
				ZoomLevel:      c.zoom,
				IssuedAt:       now,
				SourceCameraID: spotter.cameraID,
			}
		}
	default:
		// Only the zoom camera sees something and the handoff can't be verified
		return nil
	}

	if cmd != nil && c.alreadyActed(cmd.SourceCameraID) {
		cmd = nil
	}
	if cmd != nil {
		if err := c.issue(ctx, *cmd, next); err != nil {
			return err
		}
	}
	if next != state {
		source := spotter.cameraID
		if next == StateTrackingFine {
			source = zoomCand.cameraID
		}
		c.transition(next, now, source, "authority update")
	}
	return nil
}

// issue sends command unless rate limit forbids it. Failed write is reported and the state is not advanced
func (c *Controller) issue(ctx context.Context, cmd PTZCommand, next State) error {
	if c.commanded && cmd.IssuedAt.Sub(c.lastCommandAt) < c.cfg.MinCommandInterval {
		c.record(cmd.IssuedAt, DecisionRateLimited, cmd.SourceCameraID, fmt.Sprintf("last command at %s", c.lastCommandAt.Format(time.RFC3339Nano)))
		return nil
	}
	if err := c.actuator.Move(ctx, cmd); err != nil {
		c.logger.Error().Err(err).Str("camera_id", cmd.SourceCameraID).Str("state", c.State().String()).Msg("Actuator move failed")
		c.record(cmd.IssuedAt, DecisionActuatorErr, cmd.SourceCameraID, err.Error())
		return errors.Wrap(err, "actuator move failed")
	}
	c.commanded = true
	c.lastCommandAt = cmd.IssuedAt
	c.acted[cmd.SourceCameraID] = c.latest[cmd.SourceCameraID].FrameID
	c.zoom = cmd.ZoomLevel
	c.logger.Debug().Str("camera_id", cmd.SourceCameraID).Float64("pan_delta", cmd.PanDelta).Float64("tilt_delta", cmd.TiltDelta).Float64("zoom", cmd.ZoomLevel).Str("state", next.String()).Msg("Command issued")
	c.record(cmd.IssuedAt, DecisionCommand, cmd.SourceCameraID, fmt.Sprintf("pan=%.4f tilt=%.4f zoom=%.3f", cmd.PanDelta, cmd.TiltDelta, cmd.ZoomLevel))
	return nil
}

// sameSubject infers that zoom camera sees spotter's subject: spotter position lies inside zoom camera's view.
// Without a usable calibration this is ambiguous and current authority is kept.
// alreadyActed reports whether the latest update of camera has been turned into a command.
// Deltas are relative: one observation yields at most one command.
func (c *Controller) alreadyActed(cameraID string) bool {
	frameID, ok := c.acted[cameraID]
	return ok && frameID == c.latest[cameraID].FrameID
}

func (c *Controller) sameSubject(bundle *calibration.Bundle, spotter candidate, now time.Time) bool {
	if bundle.FOV == nil {
		c.record(now, DecisionAmbiguous, spotter.cameraID, "no zoom FOV calibration")
		return false
	}
	inside, err := bundle.FOV.ContainsPoint(spotter.center, c.zoom)
	if err != nil {
		c.record(now, DecisionAmbiguous, spotter.cameraID, err.Error())
		return false
	}
	return inside
}

// converged reports whether the slew toward subject is done
func (c *Controller) converged(bundle *calibration.Bundle, spotter candidate, inDeadZone bool, now time.Time) bool {
	if bundle.FOV == nil || c.cfg.ZoomCameraID == "" {
		return inDeadZone
	}
	inside, err := bundle.FOV.ContainsPoint(spotter.center, c.zoom)
	if err != nil {
		c.record(now, DecisionAmbiguous, spotter.cameraID, err.Error())
		return false
	}
	return inside
}

// fineCommand centers subject in zoom frame and drives zoom toward target fill
func (c *Controller) fineCommand(bundle *calibration.Bundle, zoomCand candidate, now time.Time) *PTZCommand {
	pan := (zoomCand.center.X - 0.5) * c.cfg.FineGain
	tilt := (zoomCand.center.Y - 0.5) * c.cfg.FineGain

	fill := math.Max(zoomCand.bbox.Width, zoomCand.bbox.Height)
	step := clamp(c.cfg.ZoomGain*(c.cfg.TargetFill-fill), -c.cfg.MaxZoomStep, c.cfg.MaxZoomStep)
	lo, hi := 0.0, 1.0
	if bundle.FOV != nil {
		lo, hi = bundle.FOV.ZoomRange()
	}
	zoom := clamp(c.zoom+step, lo, hi)

	if math.Abs(pan) < c.cfg.DeadZone && math.Abs(tilt) < c.cfg.DeadZone && math.Abs(zoom-c.zoom) < c.cfg.MinZoomChange {
		return nil
	}
	return &PTZCommand{
		PanDelta:       pan,
		TiltDelta:      tilt,
		ZoomLevel:      zoom,
		IssuedAt:       now,
		SourceCameraID: zoomCand.cameraID,
	}
}

func (c *Controller) transition(next State, now time.Time, cameraID, reason string) {
	prev := c.State()
	c.state.Store(uint32(next))
	c.logger.Info().Str("from", prev.String()).Str("to", next.String()).Str("camera_id", cameraID).Msg("PTZ state changed")
	c.record(now, DecisionTransition, cameraID, fmt.Sprintf("%s -> %s: %s", prev, next, reason))
}

func (c *Controller) notifyLost(now time.Time, prev State) {
	c.logger.Warn().Str("previous_state", prev.String()).Msg("Track lost by all cameras, holding position")
	c.record(now, DecisionTrackLost, "", fmt.Sprintf("lost while %s", prev))
	ev := TrackLost{At: now, PreviousState: prev}
	for _, listener := range c.lostListeners {
		listener(ev)
	}
}

func (c *Controller) record(at time.Time, kind DecisionKind, cameraID, details string) {
	c.decisions.add(Decision{
		Timestamp: at,
		Kind:      kind,
		State:     c.State(),
		CameraID:  cameraID,
		Details:   details,
	})
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
