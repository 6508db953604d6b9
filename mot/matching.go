package mot

import (
	"container/heap"

	"github.com/arthurkushman/go-hungarian"
)

// MatchingAlgorithm is for algorithm type for matching detections to tracks
type MatchingAlgorithm uint16

const (
	// MatchingAlgorithmHungarian uses the Hungarian algorithm (Kuhn-Munkres) for optimal assignment
	MatchingAlgorithmHungarian MatchingAlgorithm = iota
	// MatchingAlgorithmGreedy uses a greedy algorithm for faster but potentially suboptimal assignment
	MatchingAlgorithmGreedy
)

func (a MatchingAlgorithm) String() string {
	switch a {
	case MatchingAlgorithmHungarian:
		return "hungarian"
	case MatchingAlgorithmGreedy:
		return "greedy"
	default:
		return "unknown"
	}
}

// confidenceTieBreak is small enough to never outweigh a real IoU difference
// but makes equal-IoU candidates prefer the more confident detection.
const confidenceTieBreak = 1e-6

// createScoreMatrix builds rows = tracks, columns = detections.
// Pairs below minimum IoU get zero and can never be admitted.
func createScoreMatrix(tracks []*Track, detections []Detection, minIoU float64) ([][]float64, [][]float64) {
	iouMatrix := make([][]float64, len(tracks))
	scoreMatrix := make([][]float64, len(tracks))
	for i, track := range tracks {
		iouRow := make([]float64, len(detections))
		scoreRow := make([]float64, len(detections))
		for j, det := range detections {
			iouVal := track.matchScore(det.BBox)
			iouRow[j] = iouVal
			if admissible(iouVal, minIoU) {
				scoreRow[j] = iouVal + confidenceTieBreak*det.Confidence
			}
		}
		iouMatrix[i] = iouRow
		scoreMatrix[i] = scoreRow
	}
	return iouMatrix, scoreMatrix
}

func admissible(iouVal, minIoU float64) bool {
	return iouVal > 0 && iouVal >= minIoU
}

// associate returns pairs of {trackIndex, detectionIndex}
func associate(tracks []*Track, detections []Detection, minIoU float64, algorithm MatchingAlgorithm) [][2]int {
	if len(tracks) == 0 || len(detections) == 0 {
		return [][2]int{}
	}
	iouMatrix, scoreMatrix := createScoreMatrix(tracks, detections, minIoU)
	var candidates [][2]int
	switch algorithm {
	case MatchingAlgorithmGreedy:
		candidates = performGreedyMatching(scoreMatrix)
	default:
		candidates = performHungarianMatching(scoreMatrix, len(tracks), len(detections))
	}
	matches := make([][2]int, 0, len(candidates))
	for _, m := range candidates {
		if admissible(iouMatrix[m[0]][m[1]], minIoU) {
			matches = append(matches, m)
		}
	}
	return matches
}

func performHungarianMatching(scoreMatrix [][]float64, numTracks, numDetections int) [][2]int {
	paddedMatrix := scoreMatrix
	if numTracks != numDetections {
		// Rectangular matrix - pad to make it square with zero scores
		paddedSize := maxInt(numTracks, numDetections)
		paddedMatrix = make([][]float64, paddedSize)
		for i := 0; i < paddedSize; i++ {
			paddedMatrix[i] = make([]float64, paddedSize)
			if i < numTracks {
				copy(paddedMatrix[i], scoreMatrix[i])
			}
		}
	}
	assignmentsMap := hungarian.SolveMax(paddedMatrix)
	matches := make([][2]int, 0, len(assignmentsMap))
	for trackIndex, rowMap := range assignmentsMap {
		for detectionIndex := range rowMap {
			if trackIndex < numTracks && detectionIndex < numDetections {
				matches = append(matches, [2]int{trackIndex, detectionIndex})
			}
			break
		}
	}
	return matches
}

// scoredPair holds a candidate pair for priority queue
type scoredPair struct {
	score     float64
	track     int
	detection int
}

// pairHeap implements heap.Interface for max-heap by score
type pairHeap []scoredPair

func (h pairHeap) Len() int { return len(h) }

// Less returns true if i has higher score (max-heap). Equal scores keep input order
func (h pairHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	if h[i].track != h[j].track {
		return h[i].track < h[j].track
	}
	return h[i].detection < h[j].detection
}

func (h pairHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pairHeap) Push(x any) {
	*h = append(*h, x.(scoredPair))
}

func (h *pairHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// performGreedyMatching pops best-scored pairs first and never reuses a track or a detection
func performGreedyMatching(scoreMatrix [][]float64) [][2]int {
	pq := &pairHeap{}
	for i, row := range scoreMatrix {
		for j, score := range row {
			if score > 0 {
				*pq = append(*pq, scoredPair{score: score, track: i, detection: j})
			}
		}
	}
	heap.Init(pq)
	usedTracks := make(map[int]struct{})
	usedDetections := make(map[int]struct{})
	matches := make([][2]int, 0)
	for pq.Len() > 0 {
		item := heap.Pop(pq).(scoredPair)
		if _, ok := usedTracks[item.track]; ok {
			continue
		}
		if _, ok := usedDetections[item.detection]; ok {
			continue
		}
		usedTracks[item.track] = struct{}{}
		usedDetections[item.detection] = struct{}{}
		matches = append(matches, [2]int{item.track, item.detection})
	}
	return matches
}
