package mot

import (
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedDetection is returned by Detection.Validate for boxes that can't be matched
	ErrMalformedDetection = errors.New("malformed detection")
	// ErrForeignCamera is returned by Detection.Validate when detection belongs to other camera
	ErrForeignCamera = errors.New("detection from foreign camera")
)

// Detection is a single detector output for one frame
type Detection struct {
	FrameID    uint64
	BBox       Rectangle
	Class      string
	Confidence float64
	CameraID   string
}

// Validate checks detection before it is allowed into the match step
func (d Detection) Validate(cameraID string) error {
	if d.CameraID != cameraID {
		return errors.Wrapf(ErrForeignCamera, "expected '%s', got '%s'", cameraID, d.CameraID)
	}
	if !d.BBox.Valid() {
		return errors.Wrapf(ErrMalformedDetection, "bbox %+v", d.BBox)
	}
	if math.IsNaN(d.Confidence) || math.IsInf(d.Confidence, 0) {
		return errors.Wrapf(ErrMalformedDetection, "confidence %v", d.Confidence)
	}
	return nil
}
