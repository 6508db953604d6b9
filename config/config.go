// Package config loads runtime configuration of the tracker.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LdDl/ptz-tracker/calibration"
	"github.com/LdDl/ptz-tracker/mot"
	"github.com/LdDl/ptz-tracker/ptz"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const maxFileSize = 1 * 1024 * 1024

// LogConfig is logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TrackerConfig is per camera tracker settings
type TrackerConfig struct {
	MinIoU          float64 `yaml:"min_iou"`
	ConfirmHits     int     `yaml:"confirm_hits"`
	LostAfterMisses int     `yaml:"lost_after_misses"`
	// Stream rate used to convert retention window into frames
	FPS             float64       `yaml:"fps"`
	Retention       time.Duration `yaml:"retention"`
	ClassVoteWindow int           `yaml:"class_vote_window"`
	// "hungarian" or "greedy"
	Algorithm       string `yaml:"algorithm"`
	MaxRetiredSpans int    `yaml:"max_retired_spans"`
	// Newly confirmed tracks starting within this window after an earlier one ended are reported. Zero disables
	ReacquisitionGap time.Duration `yaml:"reacquisition_gap"`
}

// ControllerConfig is PTZ controller settings
type ControllerConfig struct {
	SpotterCameraID    string        `yaml:"spotter_camera_id"`
	ZoomCameraID       string        `yaml:"zoom_camera_id"`
	DeadZone           float64       `yaml:"dead_zone"`
	FineGain           float64       `yaml:"fine_gain"`
	TargetFill         float64       `yaml:"target_fill"`
	ZoomGain           float64       `yaml:"zoom_gain"`
	MaxZoomStep        float64       `yaml:"max_zoom_step"`
	MinZoomChange      float64       `yaml:"min_zoom_change"`
	InitialZoom        float64       `yaml:"initial_zoom"`
	MinCommandInterval time.Duration `yaml:"min_command_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	LostCooldown       time.Duration `yaml:"lost_cooldown"`
	MinTrackArea       float64       `yaml:"min_track_area"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	QueueSize          int           `yaml:"queue_size"`
	DecisionLogSize    int           `yaml:"decision_log_size"`
}

// CalibrationConfig is calibration storage and fitting settings
type CalibrationConfig struct {
	Path             string  `yaml:"path"`
	AttemptsDB       string  `yaml:"attempts_db"`
	RatioThreshold   float64 `yaml:"ratio_threshold"`
	ReprojThreshold  float64 `yaml:"reproj_threshold"`
	RANSACIterations int     `yaml:"ransac_iterations"`
	MinInliers       int     `yaml:"min_inliers"`
	Seed             int64   `yaml:"seed"`
}

// CameraConfig describes one replayed detection stream
type CameraConfig struct {
	ID string `yaml:"id"`
	// JSON lines detection recording
	Replay string `yaml:"replay"`
	// Replay pacing, zero replays as fast as possible
	Interval time.Duration `yaml:"interval"`
}

// Config is the root configuration
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Controller  ControllerConfig  `yaml:"controller"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Cameras     []CameraConfig    `yaml:"cameras"`
}

// Default returns configuration with every field set to its default
func Default() *Config {
	tracker := mot.DefaultTrackerConfig()
	controller := ptz.DefaultConfig()
	calibrator := calibration.DefaultCalibratorConfig()
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Tracker: TrackerConfig{
			MinIoU:           tracker.MinIoU,
			ConfirmHits:      tracker.ConfirmHits,
			LostAfterMisses:  tracker.LostAfterMisses,
			FPS:              15,
			Retention:        4 * time.Second,
			ClassVoteWindow:  tracker.ClassVoteWindow,
			Algorithm:        tracker.Algorithm.String(),
			MaxRetiredSpans:  tracker.MaxRetiredSpans,
			ReacquisitionGap: 4 * time.Second,
		},
		Controller: ControllerConfig{
			SpotterCameraID:    controller.SpotterCameraID,
			ZoomCameraID:       controller.ZoomCameraID,
			DeadZone:           controller.DeadZone,
			FineGain:           controller.FineGain,
			TargetFill:         controller.TargetFill,
			ZoomGain:           controller.ZoomGain,
			MaxZoomStep:        controller.MaxZoomStep,
			MinZoomChange:      controller.MinZoomChange,
			InitialZoom:        controller.InitialZoom,
			MinCommandInterval: controller.MinCommandInterval,
			StaleAfter:         controller.StaleAfter,
			LostCooldown:       controller.LostCooldown,
			MinTrackArea:       controller.MinTrackArea,
			TickInterval:       controller.TickInterval,
			QueueSize:          controller.QueueSize,
			DecisionLogSize:    controller.DecisionLogSize,
		},
		Calibration: CalibrationConfig{
			Path:             "calibration.json",
			AttemptsDB:       "calibration_attempts.db",
			RatioThreshold:   calibrator.RatioThreshold,
			ReprojThreshold:  calibrator.ReprojThreshold,
			RANSACIterations: calibrator.RANSACIterations,
			MinInliers:       calibrator.MinInliers,
			Seed:             calibrator.Seed,
		},
	}
}

// Load reads YAML configuration. The file must have .yaml or .yml extension and be under 1MB.
// Fields omitted from the file keep their default values.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := strings.ToLower(filepath.Ext(cleanPath)); ext != ".yaml" && ext != ".yml" {
		return nil, errors.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "can't stat config file")
	}
	if fileInfo.Size() > maxFileSize {
		return nil, errors.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "can't read config file")
	}
	return Parse(data)
}

// Parse decodes YAML document on top of defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// Empty document keeps defaults
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "can't parse config YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks that every section can be turned into component configuration
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "bad log level '%s'", c.Log.Level)
	}
	trackerCfg, err := c.TrackerConfig()
	if err != nil {
		return err
	}
	if err := trackerCfg.Validate(); err != nil {
		return errors.Wrap(err, "tracker")
	}
	if err := c.ControllerConfig().Validate(); err != nil {
		return errors.Wrap(err, "controller")
	}
	if err := c.CalibratorConfig().Validate(); err != nil {
		return errors.Wrap(err, "calibration")
	}
	if c.Tracker.ReacquisitionGap < 0 {
		return errors.Errorf("tracker.reacquisition_gap can't be negative, got %s", c.Tracker.ReacquisitionGap)
	}
	if c.Calibration.Path == "" {
		return errors.New("calibration.path is required")
	}
	seen := make(map[string]bool, len(c.Cameras))
	for i, camera := range c.Cameras {
		if camera.ID == "" {
			return errors.Errorf("cameras[%d]: id is required", i)
		}
		if seen[camera.ID] {
			return errors.Errorf("cameras[%d]: duplicate id '%s'", i, camera.ID)
		}
		seen[camera.ID] = true
		if camera.Replay == "" {
			return errors.Errorf("camera '%s': replay is required", camera.ID)
		}
		if camera.Interval < 0 {
			return errors.Errorf("camera '%s': interval can't be negative", camera.ID)
		}
		if camera.ID != c.Controller.SpotterCameraID && camera.ID != c.Controller.ZoomCameraID {
			return errors.Errorf("camera '%s' is neither spotter nor zoom camera", camera.ID)
		}
	}
	return nil
}

// TrackerConfig converts tracker section
func (c *Config) TrackerConfig() (mot.TrackerConfig, error) {
	var algorithm mot.MatchingAlgorithm
	switch strings.ToLower(c.Tracker.Algorithm) {
	case "hungarian", "":
		algorithm = mot.MatchingAlgorithmHungarian
	case "greedy":
		algorithm = mot.MatchingAlgorithmGreedy
	default:
		return mot.TrackerConfig{}, errors.Errorf("unknown matching algorithm '%s'", c.Tracker.Algorithm)
	}
	if c.Tracker.FPS <= 0 {
		return mot.TrackerConfig{}, errors.Errorf("tracker.fps must be positive, got %v", c.Tracker.FPS)
	}
	return mot.TrackerConfig{
		MinIoU:          c.Tracker.MinIoU,
		ConfirmHits:     c.Tracker.ConfirmHits,
		LostAfterMisses: c.Tracker.LostAfterMisses,
		RetentionFrames: mot.RetentionFrames(c.Tracker.FPS, c.Tracker.Retention),
		ClassVoteWindow: c.Tracker.ClassVoteWindow,
		Dt:              1.0,
		Algorithm:       algorithm,
		MaxRetiredSpans: c.Tracker.MaxRetiredSpans,
	}, nil
}

// ReacquisitionGapFrames converts re-acquisition window into frames of the configured stream rate
func (c *Config) ReacquisitionGapFrames() uint64 {
	return uint64(mot.RetentionFrames(c.Tracker.FPS, c.Tracker.ReacquisitionGap))
}

// ControllerConfig converts controller section
func (c *Config) ControllerConfig() ptz.Config {
	cc := c.Controller
	return ptz.Config{
		SpotterCameraID:    cc.SpotterCameraID,
		ZoomCameraID:       cc.ZoomCameraID,
		DeadZone:           cc.DeadZone,
		FineGain:           cc.FineGain,
		TargetFill:         cc.TargetFill,
		ZoomGain:           cc.ZoomGain,
		MaxZoomStep:        cc.MaxZoomStep,
		MinZoomChange:      cc.MinZoomChange,
		InitialZoom:        cc.InitialZoom,
		MinCommandInterval: cc.MinCommandInterval,
		StaleAfter:         cc.StaleAfter,
		LostCooldown:       cc.LostCooldown,
		MinTrackArea:       cc.MinTrackArea,
		TickInterval:       cc.TickInterval,
		QueueSize:          cc.QueueSize,
		DecisionLogSize:    cc.DecisionLogSize,
	}
}

// CalibratorConfig converts calibration section
func (c *Config) CalibratorConfig() calibration.CalibratorConfig {
	return calibration.CalibratorConfig{
		RatioThreshold:   c.Calibration.RatioThreshold,
		ReprojThreshold:  c.Calibration.ReprojThreshold,
		RANSACIterations: c.Calibration.RANSACIterations,
		MinInliers:       c.Calibration.MinInliers,
		Seed:             c.Calibration.Seed,
	}
}
