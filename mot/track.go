package mot

import (
	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TrackState is lifecycle state of a track
type TrackState uint8

const (
	// TrackTentative is a track with too few consecutive matches to be trusted
	TrackTentative TrackState = iota
	// TrackConfirmed is a stable track
	TrackConfirmed
	// TrackLost is a confirmed track which has not been matched for a while. It keeps identity until retention window ends
	TrackLost
	// TrackDeleted is a terminated track
	TrackDeleted
)

func (s TrackState) String() string {
	switch s {
	case TrackTentative:
		return "tentative"
	case TrackConfirmed:
		return "confirmed"
	case TrackLost:
		return "lost"
	case TrackDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

type classVote struct {
	class      string
	confidence float64
}

// Track is a persistent identity of a physical object within one camera stream.
// Kalman filter state is [cx, cy, w, h, vx, vy, vw, vh].
type Track struct {
	id            uuid.UUID
	cameraID      string
	state         TrackState
	history       []Detection
	currentBBox   Rectangle
	predictedBBox Rectangle
	confidence    float64
	hits          int
	misses        int
	firstFrame    uint64
	lastSeenFrame uint64
	confirmedAt   uint64
	lostAt        uint64
	votes         []classVote
	voteWindow    int
	tally         map[string]int
	tracker       *kalman_filter.KalmanBBox
}

// newTrack creates a tentative track from an unmatched detection
func newTrack(det Detection, dt float64, voteWindow int) *Track {
	center := det.BBox.Center()

	// Kalman filter props. Zero control input keeps the model constant-velocity
	uCx := 0.0
	uCy := 0.0
	uW := 0.0
	uH := 0.0
	stdDevA := 2.0
	stdDevMCx := 0.1
	stdDevMCy := 0.1
	stdDevMW := 0.1
	stdDevMH := 0.1
	kf := kalman_filter.NewKalmanBBox(
		dt, uCx, uCy, uW, uH,
		stdDevA, stdDevMCx, stdDevMCy, stdDevMW, stdDevMH,
		kalman_filter.WithStateBBox(center.X, center.Y, det.BBox.Width, det.BBox.Height),
	)
	if voteWindow < 1 {
		voteWindow = 1
	}
	track := Track{
		id:            uuid.New(),
		cameraID:      det.CameraID,
		state:         TrackTentative,
		history:       make([]Detection, 0, 16),
		currentBBox:   det.BBox,
		predictedBBox: det.BBox,
		confidence:    det.Confidence,
		hits:          1,
		misses:        0,
		firstFrame:    det.FrameID,
		lastSeenFrame: det.FrameID,
		votes:         make([]classVote, 0, voteWindow),
		voteWindow:    voteWindow,
		tally:         make(map[string]int),
		tracker:       kf,
	}
	track.history = append(track.history, det)
	track.vote(det)
	return &track
}

// GetID returns track's identifier
func (track *Track) GetID() uuid.UUID {
	return track.id
}

// GetCameraID returns camera which owns the track
func (track *Track) GetCameraID() string {
	return track.cameraID
}

// GetState returns track's lifecycle state
func (track *Track) GetState() TrackState {
	return track.state
}

// GetBBox returns last observed bounding box
func (track *Track) GetBBox() Rectangle {
	return track.currentBBox
}

// GetPredictedBBox returns predicted bounding box from Kalman filter
func (track *Track) GetPredictedBBox() Rectangle {
	return track.predictedBBox
}

// GetConfidence returns confidence of last matched detection
func (track *Track) GetConfidence() float64 {
	return track.confidence
}

// GetHistory returns detections matched to the track. Be careful: this is not copy of history, but reference to it
func (track *Track) GetHistory() []Detection {
	return track.history
}

// GetNoMatchTimes returns number of consecutive misses
func (track *Track) GetNoMatchTimes() int {
	return track.misses
}

// GetLastSeenFrame returns frame where track was matched last time
func (track *Track) GetLastSeenFrame() uint64 {
	return track.lastSeenFrame
}

// GetVelocity returns current velocity estimates (vx, vy, vw, vh) from Kalman filter
func (track *Track) GetVelocity() (float64, float64, float64, float64) {
	return track.tracker.GetVelocity()
}

// GetClass returns stabilized class: majority over trailing window of labels.
// Ties are broken by summed confidence and then by the most recent label.
func (track *Track) GetClass() string {
	best := ""
	bestCount := 0
	bestConf := 0.0
	bestRecency := -1
	confs := make(map[string]float64, len(track.tally))
	recency := make(map[string]int, len(track.tally))
	for i, v := range track.votes {
		confs[v.class] += v.confidence
		recency[v.class] = i
	}
	for class, count := range track.tally {
		switch {
		case count > bestCount:
		case count == bestCount && confs[class] > bestConf:
		case count == bestCount && confs[class] == bestConf && recency[class] > bestRecency:
		default:
			continue
		}
		best, bestCount, bestConf, bestRecency = class, count, confs[class], recency[class]
	}
	return best
}

// GetClassTally returns copy of vote counts over trailing window
func (track *Track) GetClassTally() map[string]int {
	tally := make(map[string]int, len(track.tally))
	for k, v := range track.tally {
		tally[k] = v
	}
	return tally
}

func (track *Track) vote(det Detection) {
	if len(track.votes) == track.voteWindow {
		oldest := track.votes[0]
		track.tally[oldest.class]--
		if track.tally[oldest.class] <= 0 {
			delete(track.tally, oldest.class)
		}
		track.votes = track.votes[1:]
	}
	track.votes = append(track.votes, classVote{class: det.Class, confidence: det.Confidence})
	track.tally[det.Class]++
}

// predictNextPosition executes Kalman filter prediction step
func (track *Track) predictNextPosition() {
	track.tracker.Predict()
	cx, cy, w, h := track.tracker.GetState()
	track.predictedBBox = Rectangle{
		X:      cx - w/2.0,
		Y:      cy - h/2.0,
		Width:  w,
		Height: h,
	}
}

// update appends matched detection and executes Kalman filter update step
func (track *Track) update(det Detection) error {
	center := det.BBox.Center()
	err := track.tracker.Update(center.X, center.Y, det.BBox.Width, det.BBox.Height)
	if err != nil {
		return errors.Wrap(err, "Can't update object tracker")
	}
	track.currentBBox = det.BBox
	track.confidence = det.Confidence
	track.lastSeenFrame = det.FrameID
	track.history = append(track.history, det)
	track.vote(det)
	track.misses = 0
	track.hits++
	return nil
}

// matchScore is IoU against the better of predicted and last observed box
func (track *Track) matchScore(bbox Rectangle) float64 {
	return maxFloat64(IoU(track.predictedBBox, bbox), IoU(track.currentBBox, bbox))
}

// Snapshot returns immutable copy of track for collaborators
func (track *Track) Snapshot() TrackSnapshot {
	return TrackSnapshot{
		TrackID:          track.id,
		CameraID:         track.cameraID,
		BBox:             track.currentBBox,
		Class:            track.GetClass(),
		Confidence:       track.confidence,
		State:            track.state,
		FirstFrame:       track.firstFrame,
		LastSeenFrame:    track.lastSeenFrame,
		ConfirmedAtFrame: track.confirmedAt,
		Detections:       len(track.history),
	}
}

// Span returns frame range of the track
func (track *Track) Span() TrackSpan {
	return TrackSpan{
		TrackID:    track.id,
		CameraID:   track.cameraID,
		Class:      track.GetClass(),
		FirstFrame: track.firstFrame,
		LastFrame:  track.lastSeenFrame,
	}
}

// TrackSnapshot is a copy of track state handed out of the tracker
type TrackSnapshot struct {
	TrackID          uuid.UUID
	CameraID         string
	BBox             Rectangle
	Class            string
	Confidence       float64
	State            TrackState
	FirstFrame       uint64
	LastSeenFrame    uint64
	ConfirmedAtFrame uint64
	Detections       int
}
