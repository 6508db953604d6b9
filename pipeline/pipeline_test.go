package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/LdDl/ptz-tracker/ptz"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	frames []Frame
	err    error
	pos    int
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if s.pos >= len(s.frames) {
		if s.err != nil {
			return Frame{}, s.err
		}
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

type failingDetector struct {
	failOn map[uint64]bool
}

func (d failingDetector) Detect(ctx context.Context, frame Frame) ([]mot.Detection, error) {
	if d.failOn[frame.FrameID] {
		return nil, errors.New("inference failed")
	}
	return PrecomputedDetector{}.Detect(ctx, frame)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []ptz.Event
}

func (r *recordingEvents) Submit(ctx context.Context, ev ptz.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) forCamera(cameraID string) []ptz.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []ptz.Event{}
	for _, ev := range r.events {
		switch e := ev.(type) {
		case ptz.TrackUpdate:
			if e.CameraID == cameraID {
				out = append(out, e)
			}
		case ptz.CameraStopped:
			if e.CameraID == cameraID {
				out = append(out, e)
			}
		}
	}
	return out
}

type countingSink struct {
	frames int
}

func (s *countingSink) PublishTracks(ctx context.Context, frame Frame, tracks []mot.TrackSnapshot) error {
	s.frames++
	return nil
}

func framesWithDeer(n int) []Frame {
	frames := make([]Frame, 0, n)
	for i := 1; i <= n; i++ {
		frames = append(frames, Frame{
			FrameID: uint64(i),
			Width:   1000,
			Height:  1000,
			Detections: []mot.Detection{
				{FrameID: uint64(i), BBox: mot.NewRect(100+float64(i), 100, 50, 50), Class: "deer", Confidence: 0.9},
			},
		})
	}
	return frames
}

func newTestCamera(t *testing.T, cameraID string, source FrameSource, detector Detector, options ...CameraOption) *Camera {
	t.Helper()
	tracker, err := mot.NewTracker(cameraID, mot.DefaultTrackerConfig())
	require.NoError(t, err)
	camera, err := NewCamera(source, detector, tracker, options...)
	require.NoError(t, err)
	return camera
}

func TestCameraRunPublishesUpdatesThenStop(t *testing.T) {
	events := &recordingEvents{}
	sink := &countingSink{}
	camera := newTestCamera(t, "spotter", &sliceSource{frames: framesWithDeer(5)}, PrecomputedDetector{}, WithSinks(sink))

	require.NoError(t, camera.Run(context.Background(), events))

	got := events.forCamera("spotter")
	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		update, ok := got[i].(ptz.TrackUpdate)
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), update.FrameID)
		assert.Equal(t, 1000, update.FrameWidth)
		assert.False(t, update.CapturedAt.IsZero())
		require.Len(t, update.Tracks, 1)
	}
	last := got[4].(ptz.TrackUpdate)
	assert.Equal(t, mot.TrackConfirmed, last.Tracks[0].State)
	stopped, ok := got[5].(ptz.CameraStopped)
	require.True(t, ok)
	assert.NoError(t, stopped.Err)
	assert.Equal(t, 5, sink.frames)
}

func TestCameraSkipsFramesWithDetectorErrors(t *testing.T) {
	events := &recordingEvents{}
	detector := failingDetector{failOn: map[uint64]bool{2: true, 4: true}}
	camera := newTestCamera(t, "spotter", &sliceSource{frames: framesWithDeer(5)}, detector)

	require.NoError(t, camera.Run(context.Background(), events))

	ids := []uint64{}
	for _, ev := range events.forCamera("spotter") {
		if update, ok := ev.(ptz.TrackUpdate); ok {
			ids = append(ids, update.FrameID)
		}
	}
	assert.Equal(t, []uint64{1, 3, 5}, ids)
}

func TestCameraSourceFailureReportedInStop(t *testing.T) {
	events := &recordingEvents{}
	source := &sliceSource{frames: framesWithDeer(2), err: errors.New("stream reset")}
	camera := newTestCamera(t, "zoom", source, PrecomputedDetector{})

	err := camera.Run(context.Background(), events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream reset")

	got := events.forCamera("zoom")
	require.Len(t, got, 3)
	stopped, ok := got[2].(ptz.CameraStopped)
	require.True(t, ok)
	assert.Error(t, stopped.Err)
}

func TestCameraStopsOnCancelledContext(t *testing.T) {
	events := &recordingEvents{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	camera := newTestCamera(t, "spotter", &cancelSource{}, PrecomputedDetector{})

	require.NoError(t, camera.Run(ctx, events))
	got := events.forCamera("spotter")
	require.Len(t, got, 1)
	assert.IsType(t, ptz.CameraStopped{}, got[0])
}

type cancelSource struct{}

func (cancelSource) Next(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}

type reacquisitionRecorder struct {
	countingSink
	previous []mot.TrackSpan
	current  []mot.TrackSnapshot
}

func (r *reacquisitionRecorder) PublishReacquisition(ctx context.Context, frame Frame, current mot.TrackSnapshot, previous mot.TrackSpan) error {
	r.current = append(r.current, current)
	r.previous = append(r.previous, previous)
	return nil
}

func TestCameraReportsReacquisition(t *testing.T) {
	frames := make([]Frame, 0, 13)
	for i := uint64(1); i <= 13; i++ {
		frame := Frame{FrameID: i, Width: 1000, Height: 1000}
		switch {
		case i <= 5:
			frame.Detections = []mot.Detection{{FrameID: i, BBox: mot.NewRect(100, 100, 50, 50), Class: "deer", Confidence: 0.9}}
		case i >= 11:
			// Reappears far away, no overlap with the old box
			frame.Detections = []mot.Detection{{FrameID: i, BBox: mot.NewRect(700, 600, 50, 50), Class: "deer", Confidence: 0.9}}
		}
		frames = append(frames, frame)
	}
	recorder := &reacquisitionRecorder{}
	camera := newTestCamera(t, "spotter", &sliceSource{frames: frames}, PrecomputedDetector{},
		WithSinks(recorder, NewLogSink(zerolog.Nop())),
		WithReacquisitionGap(30),
	)

	require.NoError(t, camera.Run(context.Background(), &recordingEvents{}))

	require.Len(t, recorder.current, 1)
	assert.Equal(t, uint64(13), recorder.current[0].ConfirmedAtFrame)
	assert.Equal(t, uint64(1), recorder.previous[0].FirstFrame)
	assert.Equal(t, uint64(5), recorder.previous[0].LastFrame)
	assert.NotEqual(t, recorder.current[0].TrackID, recorder.previous[0].TrackID)
	assert.Equal(t, 13, recorder.frames)
}

func TestCameraReacquisitionDisabledByDefault(t *testing.T) {
	recorder := &reacquisitionRecorder{}
	camera := newTestCamera(t, "spotter", &sliceSource{frames: framesWithDeer(5)}, PrecomputedDetector{}, WithSinks(recorder))
	require.NoError(t, camera.Run(context.Background(), &recordingEvents{}))
	assert.Empty(t, recorder.current)
}

func TestRunIsolatesCameraFailures(t *testing.T) {
	events := &recordingEvents{}
	healthy := newTestCamera(t, "spotter", &sliceSource{frames: framesWithDeer(20)}, PrecomputedDetector{})
	broken := newTestCamera(t, "zoom", &sliceSource{err: errors.New("no signal")}, PrecomputedDetector{})

	err := Run(context.Background(), events, zerolog.Nop(), healthy, broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no signal")

	assert.Len(t, events.forCamera("spotter"), 21)
	assert.Len(t, events.forCamera("zoom"), 1)
}

func TestNewCameraRequiresParts(t *testing.T) {
	tracker, err := mot.NewTracker("spotter", mot.DefaultTrackerConfig())
	require.NoError(t, err)
	_, err = NewCamera(nil, PrecomputedDetector{}, tracker)
	assert.Error(t, err)
	_, err = NewCamera(&sliceSource{}, nil, tracker)
	assert.Error(t, err)
	_, err = NewCamera(&sliceSource{}, PrecomputedDetector{}, nil)
	assert.Error(t, err)
}

func TestCameraFeedsController(t *testing.T) {
	clock := ptz.NewManualClock(testEpoch)
	actuator := ptz.NewLogActuator(zerolog.Nop())
	cfg := ptz.DefaultConfig()
	cfg.SpotterCameraID = "spotter"
	controller, err := ptz.NewController(cfg, actuator, ptz.WithClock(clock))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- controller.Run(ctx)
	}()

	frames := framesWithDeer(5)
	for i := range frames {
		frames[i].At = testEpoch
	}
	camera := newTestCamera(t, "spotter", &sliceSource{frames: frames}, PrecomputedDetector{})
	require.NoError(t, camera.Run(ctx, controller))

	require.Eventually(t, func() bool {
		return len(controller.Decisions()) > 0
	}, testWait, testPoll)
	cancel()
	require.NoError(t, <-done)
}

type countingActuator struct {
	mu       sync.Mutex
	commands int
}

func (a *countingActuator) Move(ctx context.Context, cmd ptz.PTZCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands++
	return nil
}

func (a *countingActuator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commands
}

func TestReplayWithRecordedTimestampsDrivesController(t *testing.T) {
	var recording strings.Builder
	recorded := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	for i := 1; i <= 10; i++ {
		at := recorded.Add(time.Duration(i) * 66 * time.Millisecond).Format(time.RFC3339Nano)
		fmt.Fprintf(&recording, `{"camera_id":"spotter","frame_id":%d,"width":1000,"height":1000,"timestamp":%q,"detections":[{"bbox":[600,475,50,50],"class":"deer","confidence":0.9}]}`+"\n", i, at)
	}

	actuator := &countingActuator{}
	controller, err := ptz.NewController(ptz.DefaultConfig(), actuator)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- controller.Run(ctx)
	}()

	source := NewReplaySource("spotter", strings.NewReader(recording.String()))
	camera := newTestCamera(t, "spotter", source, PrecomputedDetector{})
	require.NoError(t, camera.Run(ctx, controller))

	require.Eventually(t, func() bool {
		return actuator.count() > 0
	}, testWait, testPoll, "recorded capture time must not make updates stale")
	cancel()
	require.NoError(t, <-done)
}

const replayRecording = `{"camera_id":"spotter","frame_id":1,"width":1920,"height":1080,"detections":[{"bbox":[10,20,30,40],"class":"deer","confidence":0.8}]}
{"camera_id":"zoom","frame_id":1,"width":640,"height":480,"detections":[]}

{"camera_id":"spotter","frame_id":2,"width":1920,"height":1080,"detections":[{"bbox":[12,20,30,40],"class":"deer","confidence":0.7},{"bbox":[500,500,60,60],"class":"boar","confidence":0.6}]}
`

func TestReplaySource(t *testing.T) {
	source := NewReplaySource("spotter", strings.NewReader(replayRecording))
	ctx := context.Background()

	first, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.FrameID)
	assert.Equal(t, 1920, first.Width)
	require.Len(t, first.Detections, 1)
	assert.Equal(t, mot.NewRect(10, 20, 30, 40), first.Detections[0].BBox)
	assert.Equal(t, "spotter", first.Detections[0].CameraID)
	assert.Equal(t, uint64(1), first.Detections[0].FrameID)

	second, err := source.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.FrameID)
	assert.Len(t, second.Detections, 2)

	_, err = source.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, source.Close())
}

func TestReplaySourceMalformedLine(t *testing.T) {
	source := NewReplaySource("spotter", strings.NewReader("{\"frame_id\":1}\nnot json\n"))
	_, err := source.Next(context.Background())
	require.NoError(t, err)
	_, err = source.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay line 2")
}

func TestOpenReplayFileMissing(t *testing.T) {
	_, err := OpenReplayFile("spotter", "/nonexistent/recording.jsonl")
	assert.Error(t, err)
}
