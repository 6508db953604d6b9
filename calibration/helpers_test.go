package calibration

import (
	"context"
	"image"

	"github.com/LdDl/ptz-tracker/mot"
)

var trueHomography = Homography{
	0.25, 0.01, 400,
	0.005, 0.25, 300,
	1e-5, 2e-5, 1,
}

const (
	spotterWidth  = 1920
	spotterHeight = 1080
	zoomWidth     = 640
	zoomHeight    = 480
)

// syntheticMatches returns grid of exact matches followed by gross outliers
func syntheticMatches(h Homography, outliers int) []CandidateMatch {
	matches := make([]CandidateMatch, 0, 48+outliers)
	for row := 0; row < 6; row++ {
		for col := 0; col < 8; col++ {
			zoom := mot.Point{X: 20 + float64(col)*85, Y: 15 + float64(row)*90}
			spotter, _ := h.Apply(zoom)
			matches = append(matches, CandidateMatch{Zoom: zoom, Spotter: spotter, Distance: 10, SecondDistance: 100})
		}
	}
	for i := 0; i < outliers; i++ {
		matches = append(matches, CandidateMatch{
			Zoom:           mot.Point{X: 30 + float64(i)*41, Y: 400 - float64(i)*17},
			Spotter:        mot.Point{X: 100 + float64(i)*137, Y: 900 - float64(i)*13},
			Distance:       10,
			SecondDistance: 100,
		})
	}
	return matches
}

type fakeMatcher struct {
	matches []CandidateMatch
	err     error
	calls   int
}

func (m *fakeMatcher) Match(ctx context.Context, spotter, zoom image.Image) ([]CandidateMatch, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]CandidateMatch, len(m.matches))
	copy(out, m.matches)
	return out, nil
}

func stills() (image.Image, image.Image) {
	return image.NewGray(image.Rect(0, 0, spotterWidth, spotterHeight)), image.NewGray(image.Rect(0, 0, zoomWidth, zoomHeight))
}

func square(x1, y1, x2, y2 float64) Region {
	return Region{{X: x1, Y: y1}, {X: x2, Y: y1}, {X: x2, Y: y2}, {X: x1, Y: y2}}
}
