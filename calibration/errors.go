package calibration

import "github.com/pkg/errors"

var (
	// ErrInsufficientCorrespondences is returned when an attempt ends with too few inliers
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	// ErrDegenerateTransform is returned for singular homographies or non-convex back-projections
	ErrDegenerateTransform = errors.New("degenerate transform")
	// ErrOutOfCalibratedRange is returned for zoom levels outside calibrated points
	ErrOutOfCalibratedRange = errors.New("zoom level out of calibrated range")
	// ErrInvalidDocument is returned when stored calibration fails validation
	ErrInvalidDocument = errors.New("invalid calibration document")
)
