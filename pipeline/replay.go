package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/pkg/errors"
)

const maxReplayLine = 4 * 1024 * 1024

type replayDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
}

type replayFrame struct {
	CameraID   string            `json:"camera_id"`
	FrameID    uint64            `json:"frame_id"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Timestamp  time.Time         `json:"timestamp"`
	Detections []replayDetection `json:"detections"`
}

// ReplaySource replays recorded detections from JSON lines:
//
//	{"camera_id":"spotter","frame_id":1,"width":1920,"height":1080,"detections":[{"bbox":[x,y,w,h],"class":"deer","confidence":0.9}]}
//
// Lines of other cameras are skipped, so one recording may hold several streams.
type ReplaySource struct {
	cameraID string
	scanner  *bufio.Scanner
	closer   io.Closer
	interval time.Duration
	line     int
}

// ReplayOption configures ReplaySource
type ReplayOption func(*ReplaySource)

// WithInterval paces replay: one frame per interval
func WithInterval(interval time.Duration) ReplayOption {
	return func(s *ReplaySource) {
		s.interval = interval
	}
}

// NewReplaySource reads recording from reader
func NewReplaySource(cameraID string, r io.Reader, options ...ReplayOption) *ReplaySource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	s := &ReplaySource{
		cameraID: cameraID,
		scanner:  scanner,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// OpenReplayFile opens recording file. Caller must Close the source
func OpenReplayFile(cameraID, path string, options ...ReplayOption) (*ReplaySource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open replay '%s'", path)
	}
	s := NewReplaySource(cameraID, file, options...)
	s.closer = file
	return s, nil
}

// Close releases underlying file if any
func (s *ReplaySource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Next implements FrameSource
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	if s.interval > 0 && s.line > 0 {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		case <-timer.C:
		}
	}
	for s.scanner.Scan() {
		s.line++
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rf replayFrame
		if err := json.Unmarshal(raw, &rf); err != nil {
			return Frame{}, errors.Wrapf(err, "replay line %d", s.line)
		}
		if rf.CameraID != "" && rf.CameraID != s.cameraID {
			continue
		}
		return rf.frame(s.cameraID), nil
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, errors.Wrap(err, "can't read replay")
	}
	return Frame{}, io.EOF
}

func (rf replayFrame) frame(cameraID string) Frame {
	frame := Frame{
		CameraID:   cameraID,
		FrameID:    rf.FrameID,
		Width:      rf.Width,
		Height:     rf.Height,
		At:         rf.Timestamp,
		Detections: make([]mot.Detection, 0, len(rf.Detections)),
	}
	for _, d := range rf.Detections {
		frame.Detections = append(frame.Detections, mot.Detection{
			FrameID:    rf.FrameID,
			BBox:       mot.NewRect(d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]),
			Class:      d.Class,
			Confidence: d.Confidence,
			CameraID:   cameraID,
		})
	}
	return frame
}
