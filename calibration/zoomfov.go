package calibration

import (
	"math"
	"time"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/pkg/errors"
)

// Region is the zoom camera's visible area in normalized spotter coordinates.
// Corners are ordered TL, TR, BR, BL as seen by the zoom camera.
type Region [4]mot.Point

// Valid reports whether all corners are finite
func (r Region) Valid() bool {
	for _, p := range r {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return false
		}
	}
	return true
}

// Convex reports whether region is a non-degenerate convex quadrilateral
func (r Region) Convex() bool {
	sign := 0.0
	for i := 0; i < 4; i++ {
		c := cross(r[i], r[(i+1)%4], r[(i+2)%4])
		if math.Abs(c) < 1e-12 {
			return false
		}
		if sign == 0 {
			sign = math.Copysign(1, c)
			continue
		}
		if math.Copysign(1, c) != sign {
			return false
		}
	}
	return true
}

// Area is polygon area via shoelace formula
func (r Region) Area() float64 {
	return polygonArea(r[:])
}

// Contains reports whether point lies inside convex region or on its border
func (r Region) Contains(p mot.Point) bool {
	sign := 0.0
	for i := 0; i < 4; i++ {
		c := cross(r[i], r[(i+1)%4], p)
		if c == 0 {
			continue
		}
		if sign == 0 {
			sign = math.Copysign(1, c)
			continue
		}
		if math.Copysign(1, c) != sign {
			return false
		}
	}
	return true
}

// CalibrationPoint is the measured region at one zoom level
type CalibrationPoint struct {
	ZoomLevel float64
	Region    Region
	// RMS reprojection error of inliers in spotter pixels
	Residual float64
	Inliers  int
}

// Validate checks single calibration point
func (p CalibrationPoint) Validate() error {
	if math.IsNaN(p.ZoomLevel) || p.ZoomLevel < 0 || p.ZoomLevel > 1 {
		return errors.Errorf("zoom level must be in [0, 1], got %v", p.ZoomLevel)
	}
	if !p.Region.Valid() {
		return errors.Errorf("zoom level %v: region has non-finite corners", p.ZoomLevel)
	}
	if math.IsNaN(p.Residual) || p.Residual < 0 {
		return errors.Errorf("zoom level %v: residual must be non-negative, got %v", p.ZoomLevel, p.Residual)
	}
	if p.Inliers < 0 {
		return errors.Errorf("zoom level %v: inliers can't be negative", p.ZoomLevel)
	}
	return nil
}

// Meta describes the camera pair a calibration belongs to
type Meta struct {
	SpotterCameraID string
	ZoomCameraID    string
	SpotterWidth    int
	SpotterHeight   int
	CreatedAt       time.Time
}

// Containment is how much of a detection is inside the zoom camera's view
type Containment uint8

const (
	NotVisible Containment = iota
	Partial
	Full
)

func (c Containment) String() string {
	switch c {
	case NotVisible:
		return "not_visible"
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

const fullOverlap = 1 - 1e-9

// ZoomFOVCalibration maps zoom levels to visible regions. Immutable once created.
type ZoomFOVCalibration struct {
	meta   Meta
	points []CalibrationPoint
}

// NewZoomFOVCalibration validates points. They must be sorted by strictly increasing zoom level
func NewZoomFOVCalibration(meta Meta, points []CalibrationPoint) (*ZoomFOVCalibration, error) {
	if len(points) == 0 {
		return nil, errors.New("calibration needs at least one point")
	}
	copied := make([]CalibrationPoint, len(points))
	for i, p := range points {
		if err := p.Validate(); err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
		if i > 0 && !(p.ZoomLevel > points[i-1].ZoomLevel) {
			return nil, errors.Errorf("zoom levels must strictly increase: %v after %v", p.ZoomLevel, points[i-1].ZoomLevel)
		}
		copied[i] = p
	}
	return &ZoomFOVCalibration{meta: meta, points: copied}, nil
}

// Meta returns camera pair description
func (c *ZoomFOVCalibration) Meta() Meta {
	return c.meta
}

// Points returns copy of calibration points
func (c *ZoomFOVCalibration) Points() []CalibrationPoint {
	out := make([]CalibrationPoint, len(c.points))
	copy(out, c.points)
	return out
}

// ZoomRange returns lowest and highest calibrated zoom levels
func (c *ZoomFOVCalibration) ZoomRange() (float64, float64) {
	return c.points[0].ZoomLevel, c.points[len(c.points)-1].ZoomLevel
}

// RegionAt returns region at zoom level, interpolating corners linearly between neighbouring points.
// Zoom levels outside calibrated range are never extrapolated.
func (c *ZoomFOVCalibration) RegionAt(zoom float64) (Region, error) {
	lo, hi := c.ZoomRange()
	if math.IsNaN(zoom) || zoom < lo || zoom > hi {
		return Region{}, errors.Wrapf(ErrOutOfCalibratedRange, "zoom %v outside [%v, %v]", zoom, lo, hi)
	}
	for i, p := range c.points {
		if p.ZoomLevel == zoom {
			return p.Region, nil
		}
		if p.ZoomLevel > zoom {
			prev := c.points[i-1]
			t := (zoom - prev.ZoomLevel) / (p.ZoomLevel - prev.ZoomLevel)
			var region Region
			for k := range region {
				region[k] = mot.Point{
					X: prev.Region[k].X + t*(p.Region[k].X-prev.Region[k].X),
					Y: prev.Region[k].Y + t*(p.Region[k].Y-prev.Region[k].Y),
				}
			}
			return region, nil
		}
	}
	// Unreachable: zoom equals hi and the last point matches above
	return c.points[len(c.points)-1].Region, nil
}

// OverlapRatio is the fraction of normalized bbox area inside the region at given zoom
func (c *ZoomFOVCalibration) OverlapRatio(bbox mot.Rectangle, zoom float64) (float64, error) {
	if !bbox.Valid() {
		return 0, errors.Errorf("invalid bbox %+v", bbox)
	}
	region, err := c.RegionAt(zoom)
	if err != nil {
		return 0, err
	}
	clipped := clipToRect(region[:], bbox)
	ratio := polygonArea(clipped) / bbox.Area()
	return math.Min(1, ratio), nil
}

// Containment classifies normalized bbox against the region at given zoom
func (c *ZoomFOVCalibration) Containment(bbox mot.Rectangle, zoom float64) (Containment, error) {
	ratio, err := c.OverlapRatio(bbox, zoom)
	if err != nil {
		return NotVisible, err
	}
	switch {
	case ratio <= 0:
		return NotVisible, nil
	case ratio >= fullOverlap:
		return Full, nil
	default:
		return Partial, nil
	}
}

// ContainsPoint reports whether normalized point is visible by zoom camera at given zoom
func (c *ZoomFOVCalibration) ContainsPoint(p mot.Point, zoom float64) (bool, error) {
	region, err := c.RegionAt(zoom)
	if err != nil {
		return false, err
	}
	return region.Contains(p), nil
}

func polygonArea(poly []mot.Point) float64 {
	if len(poly) < 3 {
		return 0
	}
	sum := 0.0
	for i := range poly {
		j := (i + 1) % len(poly)
		sum += poly[i].X*poly[j].Y - poly[j].X*poly[i].Y
	}
	return math.Abs(sum) / 2
}

// clipToRect is Sutherland-Hodgman clipping of polygon by axis-aligned rectangle
func clipToRect(poly []mot.Point, rect mot.Rectangle) []mot.Point {
	x1, y1 := rect.X, rect.Y
	x2, y2 := rect.X+rect.Width, rect.Y+rect.Height
	edges := []struct {
		inside    func(p mot.Point) bool
		intersect func(a, b mot.Point) mot.Point
	}{
		{func(p mot.Point) bool { return p.X >= x1 }, func(a, b mot.Point) mot.Point { return atX(a, b, x1) }},
		{func(p mot.Point) bool { return p.X <= x2 }, func(a, b mot.Point) mot.Point { return atX(a, b, x2) }},
		{func(p mot.Point) bool { return p.Y >= y1 }, func(a, b mot.Point) mot.Point { return atY(a, b, y1) }},
		{func(p mot.Point) bool { return p.Y <= y2 }, func(a, b mot.Point) mot.Point { return atY(a, b, y2) }},
	}
	out := poly
	for _, edge := range edges {
		if len(out) == 0 {
			break
		}
		input := out
		out = make([]mot.Point, 0, len(input)+4)
		prev := input[len(input)-1]
		for _, cur := range input {
			curIn, prevIn := edge.inside(cur), edge.inside(prev)
			switch {
			case curIn && prevIn:
				out = append(out, cur)
			case curIn && !prevIn:
				out = append(out, edge.intersect(prev, cur), cur)
			case !curIn && prevIn:
				out = append(out, edge.intersect(prev, cur))
			}
			prev = cur
		}
	}
	return out
}

func atX(a, b mot.Point, x float64) mot.Point {
	t := (x - a.X) / (b.X - a.X)
	return mot.Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func atY(a, b mot.Point, y float64) mot.Point {
	t := (y - a.Y) / (b.Y - a.Y)
	return mot.Point{X: a.X + t*(b.X-a.X), Y: y}
}
