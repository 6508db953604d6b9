// Package gocvmatch implements calibration.Matcher with OpenCV SIFT features.
package gocvmatch

import (
	"context"
	"image"
	"math"

	"github.com/LdDl/ptz-tracker/calibration"
	"github.com/LdDl/ptz-tracker/mot"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Matcher extracts SIFT keypoints from both images and matches zoom descriptors
// against spotter descriptors with brute force kNN (k=2).
type Matcher struct{}

// New creates SIFT matcher
func New() *Matcher {
	return &Matcher{}
}

// Match implements calibration.Matcher
func (m *Matcher) Match(ctx context.Context, spotter, zoom image.Image) ([]calibration.CandidateMatch, error) {
	spotterGray, err := toGray(spotter)
	if err != nil {
		return nil, errors.Wrap(err, "spotter image")
	}
	defer spotterGray.Close()
	zoomGray, err := toGray(zoom)
	if err != nil {
		return nil, errors.Wrap(err, "zoom image")
	}
	defer zoomGray.Close()

	sift := gocv.NewSIFT()
	defer sift.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	spotterKeypoints, spotterDesc := sift.DetectAndCompute(spotterGray, mask)
	defer spotterDesc.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	zoomKeypoints, zoomDesc := sift.DetectAndCompute(zoomGray, mask)
	defer zoomDesc.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spotterDesc.Empty() || zoomDesc.Empty() {
		return []calibration.CandidateMatch{}, nil
	}

	bf := gocv.NewBFMatcher()
	defer bf.Close()
	knn := bf.KnnMatch(zoomDesc, spotterDesc, 2)

	matches := make([]calibration.CandidateMatch, 0, len(knn))
	for _, pair := range knn {
		if len(pair) == 0 {
			continue
		}
		best := pair[0]
		second := math.Inf(1)
		if len(pair) > 1 {
			second = pair[1].Distance
		}
		zk := zoomKeypoints[best.QueryIdx]
		sk := spotterKeypoints[best.TrainIdx]
		matches = append(matches, calibration.CandidateMatch{
			Zoom:           mot.NewPoint(zk.X, zk.Y),
			Spotter:        mot.NewPoint(sk.X, sk.Y),
			Distance:       best.Distance,
			SecondDistance: second,
		})
	}
	return matches, nil
}

func toGray(img image.Image) (gocv.Mat, error) {
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "can't convert image to matrix")
	}
	defer rgb.Close()
	gray := gocv.NewMat()
	if err := gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray); err != nil {
		gray.Close()
		return gocv.NewMat(), errors.Wrap(err, "can't convert to grayscale")
	}
	return gray, nil
}
