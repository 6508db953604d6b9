package mot

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func testConfig() TrackerConfig {
	cfg := DefaultTrackerConfig()
	cfg.ConfirmHits = 3
	cfg.LostAfterMisses = 5
	cfg.RetentionFrames = 10
	return cfg
}

func det(bbox Rectangle, class string, conf float64) Detection {
	return Detection{BBox: bbox, Class: class, Confidence: conf, CameraID: "spotter"}
}

func mustTracker(t *testing.T, cfg TrackerConfig) *Tracker {
	t.Helper()
	tracker, err := NewTracker("spotter", cfg)
	if err != nil {
		t.Fatalf("Can't create tracker: %v", err)
	}
	return tracker
}

func singleSnapshot(t *testing.T, snapshots []TrackSnapshot) TrackSnapshot {
	t.Helper()
	if len(snapshots) != 1 {
		t.Fatalf("Expected 1 track, got %d", len(snapshots))
	}
	return snapshots[0]
}

func TestNewTrackerValidation(t *testing.T) {
	if _, err := NewTracker("", DefaultTrackerConfig()); err == nil {
		t.Errorf("Expected error for empty camera id")
	}
	cfg := DefaultTrackerConfig()
	cfg.MinIoU = 0
	if _, err := NewTracker("spotter", cfg); err == nil {
		t.Errorf("Expected error for zero min IoU")
	}
	cfg = DefaultTrackerConfig()
	cfg.ClassVoteWindow = 0
	if _, err := NewTracker("spotter", cfg); err == nil {
		t.Errorf("Expected error for zero class vote window")
	}
}

func TestRetentionFrames(t *testing.T) {
	if v := RetentionFrames(15, 4*time.Second); v != 60 {
		t.Errorf("Expected 60 frames, got %d", v)
	}
	if v := RetentionFrames(12.5, time.Second); v != 13 {
		t.Errorf("Expected 13 frames, got %d", v)
	}
	if v := RetentionFrames(0, time.Second); v != 0 {
		t.Errorf("Expected 0 frames for zero fps, got %d", v)
	}
}

func TestTrackerStableIdentity(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	var id uuid.UUID
	for frame := uint64(1); frame <= 30; frame++ {
		x := 100.0 + 2.0*float64(frame)
		snapshots, err := tracker.Update(frame, []Detection{det(NewRect(x, 50, 40, 30), "deer", 0.8)})
		if err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
		snap := singleSnapshot(t, snapshots)
		if frame == 1 {
			id = snap.TrackID
		}
		if snap.TrackID != id {
			t.Fatalf("Frame %d: identity changed from %s to %s", frame, id, snap.TrackID)
		}
	}
	track, ok := tracker.Track(id)
	if !ok {
		t.Fatalf("Track %s not found", id)
	}
	if len(track.GetHistory()) != 30 {
		t.Errorf("Expected 30 detections in history, got %d", len(track.GetHistory()))
	}
	if track.GetState() != TrackConfirmed {
		t.Errorf("Expected confirmed track, got %s", track.GetState())
	}
}

func TestTrackerConfirmation(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	box := NewRect(10, 10, 50, 50)
	states := []TrackState{TrackTentative, TrackTentative, TrackConfirmed}
	for i, expected := range states {
		frame := uint64(i + 1)
		snapshots, err := tracker.Update(frame, []Detection{det(box, "deer", 0.9)})
		if err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
		snap := singleSnapshot(t, snapshots)
		if snap.State != expected {
			t.Errorf("Frame %d: expected %s, got %s", frame, expected, snap.State)
		}
		if expected == TrackConfirmed && snap.ConfirmedAtFrame != frame {
			t.Errorf("Expected confirmation at frame %d, got %d", frame, snap.ConfirmedAtFrame)
		}
	}
}

func confirmOne(t *testing.T, tracker *Tracker, box Rectangle) uuid.UUID {
	t.Helper()
	var snap TrackSnapshot
	for frame := uint64(1); frame <= 3; frame++ {
		snapshots, err := tracker.Update(frame, []Detection{det(box, "deer", 0.9)})
		if err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
		snap = singleSnapshot(t, snapshots)
	}
	if snap.State != TrackConfirmed {
		t.Fatalf("Expected confirmed track after 3 frames, got %s", snap.State)
	}
	return snap.TrackID
}

func TestTrackerLostThresholdExact(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	id := confirmOne(t, tracker, NewRect(10, 10, 50, 50))

	// One short of the threshold: still confirmed
	for frame := uint64(4); frame <= 7; frame++ {
		snapshots, err := tracker.Update(frame, nil)
		if err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
		if snap := singleSnapshot(t, snapshots); snap.State != TrackConfirmed {
			t.Fatalf("Frame %d: expected confirmed after %d misses, got %s", frame, frame-3, snap.State)
		}
	}
	snapshots, err := tracker.Update(8, nil)
	if err != nil {
		t.Fatalf("Frame 8 failed: %v", err)
	}
	snap := singleSnapshot(t, snapshots)
	if snap.State != TrackLost {
		t.Errorf("Expected lost after exactly 5 misses, got %s", snap.State)
	}
	if snap.TrackID != id {
		t.Errorf("Expected identity %s to be kept while lost, got %s", id, snap.TrackID)
	}
}

func TestTrackerLostReacquiredKeepsIdentity(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	box := NewRect(10, 10, 50, 50)
	id := confirmOne(t, tracker, box)
	for frame := uint64(4); frame <= 8; frame++ {
		if _, err := tracker.Update(frame, nil); err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
	}
	snapshots, err := tracker.Update(12, []Detection{det(box, "deer", 0.7)})
	if err != nil {
		t.Fatalf("Frame 12 failed: %v", err)
	}
	snap := singleSnapshot(t, snapshots)
	if snap.TrackID != id {
		t.Errorf("Expected re-acquired track to keep identity %s, got %s", id, snap.TrackID)
	}
	if snap.State != TrackConfirmed {
		t.Errorf("Expected re-acquired track to be confirmed, got %s", snap.State)
	}
	if snap.LastSeenFrame != 12 {
		t.Errorf("Expected last seen frame 12, got %d", snap.LastSeenFrame)
	}
}

func TestTrackerRetentionDeletion(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	id := confirmOne(t, tracker, NewRect(10, 10, 50, 50))
	// Lost at frame 8, retention is 10 frames
	for frame := uint64(4); frame <= 18; frame++ {
		if _, err := tracker.Update(frame, nil); err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
	}
	if _, ok := tracker.Track(id); !ok {
		t.Fatalf("Expected track to be retained at frame 18")
	}
	snapshots, err := tracker.Update(19, nil)
	if err != nil {
		t.Fatalf("Frame 19 failed: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("Expected no tracks after retention window, got %d", len(snapshots))
	}
	spans := tracker.Spans()
	if len(spans) != 1 || spans[0].TrackID != id {
		t.Errorf("Expected retired span of %s, got %+v", id, spans)
	}
}

func TestTrackerTentativeDeletedDirectly(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	if _, err := tracker.Update(1, []Detection{det(NewRect(10, 10, 50, 50), "deer", 0.9)}); err != nil {
		t.Fatalf("Frame 1 failed: %v", err)
	}
	for frame := uint64(2); frame <= 6; frame++ {
		if _, err := tracker.Update(frame, nil); err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
	}
	if len(tracker.Objects) != 0 {
		t.Errorf("Expected tentative track to be deleted, got %d tracks", len(tracker.Objects))
	}
	if len(tracker.Spans()) != 0 {
		t.Errorf("Expected no retired spans for never confirmed track")
	}
}

func TestTrackerClassVote(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	box := NewRect(10, 10, 50, 50)
	labels := []string{"deer", "fox", "deer", "deer", "fox"}
	var snapshots []TrackSnapshot
	var err error
	for i, label := range labels {
		snapshots, err = tracker.Update(uint64(i+1), []Detection{det(box, label, 0.9)})
		if err != nil {
			t.Fatalf("Frame %d failed: %v", i+1, err)
		}
	}
	snap := singleSnapshot(t, snapshots)
	if snap.Class != "deer" {
		t.Errorf("Expected class 'deer', got '%s'", snap.Class)
	}
	track, _ := tracker.Track(snap.TrackID)
	tally := track.GetClassTally()
	if tally["deer"] != 3 || tally["fox"] != 2 {
		t.Errorf("Unexpected tally: %v", tally)
	}
}

func TestTrackerClassVoteWindowAndTie(t *testing.T) {
	cfg := testConfig()
	cfg.ClassVoteWindow = 2
	tracker := mustTracker(t, cfg)
	box := NewRect(10, 10, 50, 50)
	if _, err := tracker.Update(1, []Detection{det(box, "fox", 0.99)}); err != nil {
		t.Fatal(err)
	}
	if _, err := tracker.Update(2, []Detection{det(box, "deer", 0.9)}); err != nil {
		t.Fatal(err)
	}
	snapshots, err := tracker.Update(3, []Detection{det(box, "boar", 0.5)})
	if err != nil {
		t.Fatal(err)
	}
	// "fox" fell out of the window; tie between deer and boar is broken by confidence
	snap := singleSnapshot(t, snapshots)
	if snap.Class != "deer" {
		t.Errorf("Expected class 'deer', got '%s'", snap.Class)
	}
}

func TestTrackerDropsMalformedDetections(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	foreign := det(NewRect(10, 10, 50, 50), "deer", 0.9)
	foreign.CameraID = "zoom"
	dets := []Detection{
		det(NewRect(10, 10, 0, 50), "deer", 0.9),
		det(NewRect(math.NaN(), 10, 50, 50), "deer", 0.9),
		det(NewRect(10, 10, 50, 50), "deer", math.NaN()),
		foreign,
	}
	snapshots, err := tracker.Update(1, dets)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("Expected malformed detections to be dropped, got %d tracks", len(snapshots))
	}
}

func TestTrackerFrameOutOfOrder(t *testing.T) {
	tracker := mustTracker(t, testConfig())
	if _, err := tracker.Update(5, []Detection{det(NewRect(10, 10, 50, 50), "deer", 0.9)}); err != nil {
		t.Fatalf("Frame 5 failed: %v", err)
	}
	_, err := tracker.Update(5, nil)
	if !errors.Is(err, ErrFrameOutOfOrder) {
		t.Errorf("Expected ErrFrameOutOfOrder for repeated frame, got %v", err)
	}
	_, err = tracker.Update(4, nil)
	if !errors.Is(err, ErrFrameOutOfOrder) {
		t.Errorf("Expected ErrFrameOutOfOrder for older frame, got %v", err)
	}
	snap := singleSnapshot(t, tracker.Snapshots())
	if snap.State != TrackTentative || snap.LastSeenFrame != 5 {
		t.Errorf("Expected rejected frames to leave state untouched, got %+v", snap)
	}
	if tracker.Objects[snap.TrackID].GetNoMatchTimes() != 0 {
		t.Errorf("Expected no misses after rejected frames")
	}
}

func TestTrackerTwoObjects(t *testing.T) {
	for _, algorithm := range []MatchingAlgorithm{MatchingAlgorithmHungarian, MatchingAlgorithmGreedy} {
		cfg := testConfig()
		cfg.Algorithm = algorithm
		tracker := mustTracker(t, cfg)
		ids := map[string]uuid.UUID{}
		for frame := uint64(1); frame <= 10; frame++ {
			shift := float64(frame)
			dets := []Detection{
				det(NewRect(100+shift, 100, 40, 40), "deer", 0.9),
				det(NewRect(400-shift, 300, 60, 40), "fox", 0.7),
			}
			snapshots, err := tracker.Update(frame, dets)
			if err != nil {
				t.Fatalf("%s: frame %d failed: %v", algorithm, frame, err)
			}
			if len(snapshots) != 2 {
				t.Fatalf("%s: frame %d: expected 2 tracks, got %d", algorithm, frame, len(snapshots))
			}
			for _, snap := range snapshots {
				if frame == 1 {
					ids[snap.Class] = snap.TrackID
					continue
				}
				if ids[snap.Class] != snap.TrackID {
					t.Errorf("%s: frame %d: identity of '%s' changed", algorithm, frame, snap.Class)
				}
			}
		}
	}
}

func TestTrackerReacquisitionOf(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionFrames = 2
	tracker := mustTracker(t, cfg)
	first := confirmOne(t, tracker, NewRect(10, 10, 50, 50))
	// Lost at frame 8, deleted at frame 11
	for frame := uint64(4); frame <= 11; frame++ {
		if _, err := tracker.Update(frame, nil); err != nil {
			t.Fatalf("Frame %d failed: %v", frame, err)
		}
	}
	snapshots, err := tracker.Update(15, []Detection{det(NewRect(300, 300, 50, 50), "deer", 0.9)})
	if err != nil {
		t.Fatalf("Frame 15 failed: %v", err)
	}
	second := singleSnapshot(t, snapshots).TrackID

	span, ok := tracker.ReacquisitionOf(second, 20)
	if !ok {
		t.Fatalf("Expected re-acquisition candidate")
	}
	if span.TrackID != first {
		t.Errorf("Expected candidate %s, got %s", first, span.TrackID)
	}
	// Gap is 15 - 3 = 12
	if _, ok := tracker.ReacquisitionOf(second, 12); ok {
		t.Errorf("Expected no candidate when gap equals threshold")
	}
}
