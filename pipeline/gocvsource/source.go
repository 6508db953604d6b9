// Package gocvsource reads camera frames through OpenCV video capture.
package gocvsource

import (
	"context"
	"io"
	"time"

	"github.com/LdDl/ptz-tracker/pipeline"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Source wraps gocv.VideoCapture. Device may be a file, an RTSP url or a device index
type Source struct {
	cameraID string
	capture  *gocv.VideoCapture
	img      gocv.Mat
	frameID  uint64
}

// Open opens capture device
func Open(cameraID, device string) (*Source, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open video capture '%s'", device)
	}
	return &Source{
		cameraID: cameraID,
		capture:  capture,
		img:      gocv.NewMat(),
	}, nil
}

// Close releases capture
func (s *Source) Close() error {
	s.img.Close()
	return s.capture.Close()
}

// Next implements pipeline.FrameSource. Frame ids start from 1
func (s *Source) Next(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}
	if ok := s.capture.Read(&s.img); !ok {
		return pipeline.Frame{}, io.EOF
	}
	if s.img.Empty() {
		return pipeline.Frame{}, io.EOF
	}
	at := time.Now()
	img, err := s.img.ToImage()
	if err != nil {
		return pipeline.Frame{}, errors.Wrap(err, "can't convert frame")
	}
	s.frameID++
	return pipeline.Frame{
		CameraID: s.cameraID,
		FrameID:  s.frameID,
		Width:    s.img.Cols(),
		Height:   s.img.Rows(),
		At:       at,
		Image:    img,
	}, nil
}
