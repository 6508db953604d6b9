package mot

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrFrameOutOfOrder is returned when frame id does not increase
	ErrFrameOutOfOrder = errors.New("frame out of order")
)

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	// Minimum IoU for a detection to be admitted to a track
	MinIoU float64
	// Consecutive matches needed for confirmation
	ConfirmHits int
	// Consecutive misses before confirmed track becomes lost (or tentative one is deleted)
	LostAfterMisses int
	// Frames a lost track keeps its identity before deletion
	RetentionFrames int
	// Number of trailing labels used for class majority vote
	ClassVoteWindow int
	// Time step for Kalman filter
	Dt float64
	// Algorithm to use for matching
	Algorithm MatchingAlgorithm
	// Number of spans of deleted tracks kept for re-acquisition queries
	MaxRetiredSpans int
}

// DefaultTrackerConfig returns default tracker configuration for 15 FPS stream.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MinIoU:          0.3,
		ConfirmHits:     3,
		LostAfterMisses: 5,
		RetentionFrames: RetentionFrames(15, 4*time.Second),
		ClassVoteWindow: 15,
		Dt:              1.0,
		Algorithm:       MatchingAlgorithmHungarian,
		MaxRetiredSpans: 32,
	}
}

// RetentionFrames converts retention window to number of frames at given stream rate
func RetentionFrames(fps float64, window time.Duration) int {
	if fps <= 0 || window <= 0 {
		return 0
	}
	return int(math.Ceil(fps * window.Seconds()))
}

// Validate checks configuration
func (cfg TrackerConfig) Validate() error {
	if math.IsNaN(cfg.MinIoU) || cfg.MinIoU <= 0 || cfg.MinIoU > 1 {
		return errors.Errorf("min IoU must be in (0, 1], got %v", cfg.MinIoU)
	}
	if cfg.ConfirmHits < 1 {
		return errors.Errorf("confirm hits must be positive, got %d", cfg.ConfirmHits)
	}
	if cfg.LostAfterMisses < 1 {
		return errors.Errorf("lost-after-misses must be positive, got %d", cfg.LostAfterMisses)
	}
	if cfg.RetentionFrames < 0 {
		return errors.Errorf("retention frames can't be negative, got %d", cfg.RetentionFrames)
	}
	if cfg.ClassVoteWindow < 1 {
		return errors.Errorf("class vote window must be positive, got %d", cfg.ClassVoteWindow)
	}
	if cfg.Dt <= 0 {
		return errors.Errorf("dt must be positive, got %v", cfg.Dt)
	}
	return nil
}

// TrackerOption configures Tracker
type TrackerOption func(*Tracker)

// WithLogger sets logger for dropped detections and lifecycle events
func WithLogger(logger zerolog.Logger) TrackerOption {
	return func(tracker *Tracker) {
		tracker.logger = logger
	}
}

// Tracker is IoU-based multi-object tracker for a single camera stream.
// It is not safe for concurrent use: each camera pipeline owns its tracker.
type Tracker struct {
	cameraID  string
	cfg       TrackerConfig
	logger    zerolog.Logger
	lastFrame uint64
	started   bool
	retired   []TrackSpan
	// Main storage
	Objects map[uuid.UUID]*Track
}

// NewTracker creates tracker for given camera
func NewTracker(cameraID string, cfg TrackerConfig, options ...TrackerOption) (*Tracker, error) {
	if cameraID == "" {
		return nil, errors.New("camera id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker configuration")
	}
	tracker := &Tracker{
		cameraID: cameraID,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		retired:  make([]TrackSpan, 0, cfg.MaxRetiredSpans),
		Objects:  make(map[uuid.UUID]*Track),
	}
	for _, option := range options {
		option(tracker)
	}
	return tracker, nil
}

// CameraID returns camera the tracker belongs to
func (tracker *Tracker) CameraID() string {
	return tracker.cameraID
}

// Update matches detections of the frame with existing tracks and returns snapshots of live tracks.
func (tracker *Tracker) Update(frameID uint64, detections []Detection) ([]TrackSnapshot, error) {
	if tracker.started && frameID <= tracker.lastFrame {
		return nil, errors.Wrapf(ErrFrameOutOfOrder, "camera '%s': frame %d after %d", tracker.cameraID, frameID, tracker.lastFrame)
	}
	tracker.started = true
	tracker.lastFrame = frameID

	valid := tracker.filterDetections(frameID, detections)

	// Predict next positions for all live tracks via Kalman filter
	live := tracker.sortedTracks()
	for _, track := range live {
		track.predictNextPosition()
	}

	matchedTracks := make(map[int]struct{}, len(live))
	matchedDetections := make(map[int]struct{}, len(valid))
	for _, match := range associate(live, valid, tracker.cfg.MinIoU, tracker.cfg.Algorithm) {
		track := live[match[0]]
		if err := track.update(valid[match[1]]); err != nil {
			return nil, errors.Wrapf(err, "failed to update track %s", track.id)
		}
		tracker.onMatched(track, frameID)
		matchedTracks[match[0]] = struct{}{}
		matchedDetections[match[1]] = struct{}{}
	}

	for i, track := range live {
		if _, ok := matchedTracks[i]; ok {
			continue
		}
		tracker.onMissed(track, frameID)
	}

	for j, det := range valid {
		if _, ok := matchedDetections[j]; ok {
			continue
		}
		track := newTrack(det, tracker.cfg.Dt, tracker.cfg.ClassVoteWindow)
		if tracker.cfg.ConfirmHits <= 1 {
			track.state = TrackConfirmed
			track.confirmedAt = frameID
		}
		tracker.Objects[track.id] = track
	}

	tracker.removeDeleted()
	return tracker.Snapshots(), nil
}

// filterDetections drops malformed detections before they can reach the match step
func (tracker *Tracker) filterDetections(frameID uint64, detections []Detection) []Detection {
	valid := make([]Detection, 0, len(detections))
	for _, det := range detections {
		det.FrameID = frameID
		if err := det.Validate(tracker.cameraID); err != nil {
			tracker.logger.Warn().Err(err).Str("camera_id", tracker.cameraID).Uint64("frame_id", frameID).Msg("Dropping detection")
			continue
		}
		valid = append(valid, det)
	}
	return valid
}

func (tracker *Tracker) onMatched(track *Track, frameID uint64) {
	switch track.state {
	case TrackTentative:
		if track.hits >= tracker.cfg.ConfirmHits {
			track.state = TrackConfirmed
			track.confirmedAt = frameID
		}
	case TrackLost:
		track.state = TrackConfirmed
		track.confirmedAt = frameID
		tracker.logger.Debug().Str("camera_id", tracker.cameraID).Str("track_id", track.id.String()).Msg("Lost track re-acquired")
	}
}

func (tracker *Tracker) onMissed(track *Track, frameID uint64) {
	track.misses++
	track.hits = 0
	switch track.state {
	case TrackTentative:
		if track.misses >= tracker.cfg.LostAfterMisses {
			track.state = TrackDeleted
		}
	case TrackConfirmed:
		if track.misses >= tracker.cfg.LostAfterMisses {
			track.state = TrackLost
			track.lostAt = frameID
			tracker.logger.Debug().Str("camera_id", tracker.cameraID).Str("track_id", track.id.String()).Msg("Track lost")
		}
	case TrackLost:
		if frameID-track.lostAt > uint64(tracker.cfg.RetentionFrames) {
			track.state = TrackDeleted
			// Only tracks which were ever confirmed are worth re-acquisition queries
			tracker.retire(track.Span())
		}
	}
}

func (tracker *Tracker) removeDeleted() {
	for id, track := range tracker.Objects {
		if track.state == TrackDeleted {
			delete(tracker.Objects, id)
		}
	}
}

func (tracker *Tracker) retire(span TrackSpan) {
	if tracker.cfg.MaxRetiredSpans <= 0 {
		return
	}
	if len(tracker.retired) == tracker.cfg.MaxRetiredSpans {
		tracker.retired = tracker.retired[1:]
	}
	tracker.retired = append(tracker.retired, span)
}

// sortedTracks returns live tracks ordered by creation frame and then by id
func (tracker *Tracker) sortedTracks() []*Track {
	tracks := make([]*Track, 0, len(tracker.Objects))
	for _, track := range tracker.Objects {
		tracks = append(tracks, track)
	}
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].firstFrame != tracks[j].firstFrame {
			return tracks[i].firstFrame < tracks[j].firstFrame
		}
		return tracks[i].id.String() < tracks[j].id.String()
	})
	return tracks
}

// Snapshots returns snapshots of all live tracks
func (tracker *Tracker) Snapshots() []TrackSnapshot {
	tracks := tracker.sortedTracks()
	snapshots := make([]TrackSnapshot, 0, len(tracks))
	for _, track := range tracks {
		snapshots = append(snapshots, track.Snapshot())
	}
	return snapshots
}

// Track returns live track by its identifier
func (tracker *Tracker) Track(id uuid.UUID) (*Track, bool) {
	track, ok := tracker.Objects[id]
	return track, ok
}

// Spans returns spans of live tracks followed by spans of retired ones
func (tracker *Tracker) Spans() []TrackSpan {
	spans := make([]TrackSpan, 0, len(tracker.Objects)+len(tracker.retired))
	for _, track := range tracker.sortedTracks() {
		spans = append(spans, track.Span())
	}
	return append(spans, tracker.retired...)
}

// ReacquisitionOf looks for the most recently ended track which could be the same subject as given one
func (tracker *Tracker) ReacquisitionOf(id uuid.UUID, maxGap uint64) (TrackSpan, bool) {
	track, ok := tracker.Objects[id]
	if !ok {
		return TrackSpan{}, false
	}
	current := track.Span()
	var best TrackSpan
	found := false
	for _, span := range tracker.Spans() {
		if span.FirstFrame > current.FirstFrame {
			continue
		}
		if !SameSubjectEligible(current, span, maxGap) {
			continue
		}
		if !found || span.LastFrame > best.LastFrame {
			best = span
			found = true
		}
	}
	return best, found
}
