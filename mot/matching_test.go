package mot

import (
	"testing"
)

func newTestTrack(bbox Rectangle) *Track {
	return newTrack(Detection{FrameID: 1, BBox: bbox, Class: "deer", Confidence: 0.9, CameraID: "spotter"}, 1.0, 15)
}

func TestAssociateHungarian(t *testing.T) {
	tracks := []*Track{
		newTestTrack(NewRect(0, 0, 40, 40)),
		newTestTrack(NewRect(200, 200, 40, 40)),
	}
	dets := []Detection{
		{BBox: NewRect(202, 201, 40, 40), Class: "deer", Confidence: 0.8, CameraID: "spotter"},
		{BBox: NewRect(2, 1, 40, 40), Class: "deer", Confidence: 0.8, CameraID: "spotter"},
		{BBox: NewRect(500, 500, 40, 40), Class: "deer", Confidence: 0.8, CameraID: "spotter"},
	}
	matches := associate(tracks, dets, 0.3, MatchingAlgorithmHungarian)
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	expected := map[int]int{0: 1, 1: 0}
	for _, m := range matches {
		if expected[m[0]] != m[1] {
			t.Errorf("Expected track %d to match detection %d, got %d", m[0], expected[m[0]], m[1])
		}
	}
}

func TestAssociateRejectsBelowMinIoU(t *testing.T) {
	tracks := []*Track{newTestTrack(NewRect(0, 0, 10, 10))}
	// IoU = 1/3
	dets := []Detection{{BBox: NewRect(5, 0, 10, 10), Class: "deer", Confidence: 0.9, CameraID: "spotter"}}
	for _, algorithm := range []MatchingAlgorithm{MatchingAlgorithmHungarian, MatchingAlgorithmGreedy} {
		if matches := associate(tracks, dets, 0.5, algorithm); len(matches) != 0 {
			t.Errorf("%s: expected no matches under min IoU, got %v", algorithm, matches)
		}
		if matches := associate(tracks, dets, 0.3, algorithm); len(matches) != 1 {
			t.Errorf("%s: expected one match above min IoU, got %v", algorithm, matches)
		}
	}
}

func TestAssociateGreedyPrefersConfidentDetection(t *testing.T) {
	tracks := []*Track{newTestTrack(NewRect(100, 100, 40, 40))}
	dets := []Detection{
		{BBox: NewRect(100, 100, 40, 40), Class: "deer", Confidence: 0.4, CameraID: "spotter"},
		{BBox: NewRect(100, 100, 40, 40), Class: "deer", Confidence: 0.95, CameraID: "spotter"},
	}
	matches := performGreedyMatching(func() [][]float64 {
		_, scores := createScoreMatrix(tracks, dets, 0.3)
		return scores
	}())
	if len(matches) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(matches))
	}
	if matches[0][1] != 1 {
		t.Errorf("Expected more confident detection 1 to win, got %d", matches[0][1])
	}
}

func TestAssociateHungarianPrefersConfidentDetection(t *testing.T) {
	weak := Detection{BBox: NewRect(100, 100, 40, 40), Class: "deer", Confidence: 0.3, CameraID: "spotter"}
	strong := Detection{BBox: NewRect(100, 100, 40, 40), Class: "deer", Confidence: 0.8, CameraID: "spotter"}
	orders := [][]Detection{{weak, strong}, {strong, weak}}
	for i, dets := range orders {
		tracks := []*Track{newTestTrack(NewRect(100, 100, 40, 40))}
		matches := associate(tracks, dets, 0.3, MatchingAlgorithmHungarian)
		if len(matches) != 1 {
			t.Fatalf("Order %d: expected 1 match, got %d", i, len(matches))
		}
		if dets[matches[0][1]].Confidence != 0.8 {
			t.Errorf("Order %d: expected detection with confidence 0.8 to win, got %v", i, dets[matches[0][1]].Confidence)
		}
	}
}

func TestMatchingAlgorithmString(t *testing.T) {
	if MatchingAlgorithmHungarian.String() != "hungarian" {
		t.Errorf("Expected 'hungarian', got '%s'", MatchingAlgorithmHungarian.String())
	}
	if MatchingAlgorithmGreedy.String() != "greedy" {
		t.Errorf("Expected 'greedy', got '%s'", MatchingAlgorithmGreedy.String())
	}
}
