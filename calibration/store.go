package calibration

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/pkg/errors"
)

// DocumentVersion is the only supported version of stored calibration
const DocumentVersion = 1

// Bundle is everything the controller needs from calibration.
// FOV is nil when there is no zoom camera.
type Bundle struct {
	PTZ PTZCalibration
	FOV *ZoomFOVCalibration
}

// Validate checks bundle
func (b Bundle) Validate() error {
	return b.PTZ.Validate()
}

type documentPoint struct {
	ZoomLevel float64      `json:"zoom_level"`
	Region    [][2]float64 `json:"region"`
	Residual  float64      `json:"residual"`
	Inliers   int          `json:"inliers"`
}

// Document is the persisted form of a calibration bundle
type Document struct {
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	SpotterCameraID string          `json:"spotter_camera_id"`
	ZoomCameraID    string          `json:"zoom_camera_id,omitempty"`
	SpotterWidth    int             `json:"spotter_width,omitempty"`
	SpotterHeight   int             `json:"spotter_height,omitempty"`
	PTZ             PTZCalibration  `json:"ptz"`
	Points          []documentPoint `json:"points"`
}

// NewDocument encodes bundle
func NewDocument(spotterCameraID string, bundle Bundle) Document {
	doc := Document{
		Version:         DocumentVersion,
		CreatedAt:       time.Now().UTC(),
		SpotterCameraID: spotterCameraID,
		PTZ:             bundle.PTZ,
		Points:          []documentPoint{},
	}
	if bundle.FOV == nil {
		return doc
	}
	meta := bundle.FOV.Meta()
	if !meta.CreatedAt.IsZero() {
		doc.CreatedAt = meta.CreatedAt.UTC()
	}
	if meta.SpotterCameraID != "" {
		doc.SpotterCameraID = meta.SpotterCameraID
	}
	doc.ZoomCameraID = meta.ZoomCameraID
	doc.SpotterWidth = meta.SpotterWidth
	doc.SpotterHeight = meta.SpotterHeight
	for _, p := range bundle.FOV.Points() {
		region := make([][2]float64, 4)
		for i, corner := range p.Region {
			region[i] = [2]float64{corner.X, corner.Y}
		}
		doc.Points = append(doc.Points, documentPoint{
			ZoomLevel: p.ZoomLevel,
			Region:    region,
			Residual:  p.Residual,
			Inliers:   p.Inliers,
		})
	}
	return doc
}

// Bundle validates document and decodes it
func (doc Document) Bundle() (Bundle, error) {
	if doc.Version != DocumentVersion {
		return Bundle{}, errors.Wrapf(ErrInvalidDocument, "unsupported version %d", doc.Version)
	}
	if doc.SpotterCameraID == "" {
		return Bundle{}, errors.Wrap(ErrInvalidDocument, "spotter camera id is required")
	}
	if err := doc.PTZ.Validate(); err != nil {
		return Bundle{}, errors.Wrap(ErrInvalidDocument, err.Error())
	}
	bundle := Bundle{PTZ: doc.PTZ}
	if len(doc.Points) == 0 {
		return bundle, nil
	}
	if doc.ZoomCameraID == "" {
		return Bundle{}, errors.Wrap(ErrInvalidDocument, "zoom camera id is required with calibration points")
	}
	if doc.SpotterWidth <= 0 || doc.SpotterHeight <= 0 {
		return Bundle{}, errors.Wrapf(ErrInvalidDocument, "bad spotter size %dx%d", doc.SpotterWidth, doc.SpotterHeight)
	}
	points := make([]CalibrationPoint, len(doc.Points))
	for i, p := range doc.Points {
		if len(p.Region) != 4 {
			return Bundle{}, errors.Wrapf(ErrInvalidDocument, "point %d: region must have 4 corners, got %d", i, len(p.Region))
		}
		var region Region
		for k, corner := range p.Region {
			region[k] = mot.Point{X: corner[0], Y: corner[1]}
		}
		points[i] = CalibrationPoint{ZoomLevel: p.ZoomLevel, Region: region, Residual: p.Residual, Inliers: p.Inliers}
	}
	fov, err := NewZoomFOVCalibration(Meta{
		SpotterCameraID: doc.SpotterCameraID,
		ZoomCameraID:    doc.ZoomCameraID,
		SpotterWidth:    doc.SpotterWidth,
		SpotterHeight:   doc.SpotterHeight,
		CreatedAt:       doc.CreatedAt,
	}, points)
	if err != nil {
		return Bundle{}, errors.Wrap(ErrInvalidDocument, err.Error())
	}
	bundle.FOV = fov
	return bundle, nil
}

// FileStore keeps calibration document in a JSON file
type FileStore struct {
	path string
}

// NewFileStore creates store backed by given path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

// Path returns file path of the store
func (s *FileStore) Path() string {
	return s.path
}

// Save writes document atomically: readers see either the old file or the new one
func (s *FileStore) Save(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "can't encode calibration document")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "can't create directory '%s'", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "can't create temporary file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "can't write temporary file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "can't sync temporary file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "can't close temporary file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrapf(err, "can't replace '%s'", s.path)
	}
	return nil
}

// Load reads and validates stored document
func (s *FileStore) Load() (Bundle, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Bundle{}, errors.Wrapf(err, "can't read '%s'", s.path)
	}
	// Misspelled keys must not silently decode into zero values
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return Bundle{}, errors.Wrap(ErrInvalidDocument, err.Error())
	}
	return doc.Bundle()
}
