package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LdDl/ptz-tracker/mot"
	"github.com/LdDl/ptz-tracker/ptz"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log:
  level: debug
tracker:
  fps: 25
  retention: 2s
  algorithm: greedy
controller:
  zoom_camera_id: zoom
  min_command_interval: 750ms
cameras:
  - id: spotter
    replay: testdata/spotter.jsonl
    interval: 40ms
  - id: zoom
    replay: testdata/zoom.jsonl
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	trackerCfg, err := cfg.TrackerConfig()
	require.NoError(t, err)
	if diff := cmp.Diff(mot.DefaultTrackerConfig(), trackerCfg); diff != "" {
		t.Errorf("tracker config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ptz.DefaultConfig(), cfg.ControllerConfig()); diff != "" {
		t.Errorf("controller config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadKeepsDefaultsForOmittedFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tracker.yaml", sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	trackerCfg, err := cfg.TrackerConfig()
	require.NoError(t, err)
	assert.Equal(t, 50, trackerCfg.RetentionFrames)
	assert.Equal(t, mot.MatchingAlgorithmGreedy, trackerCfg.Algorithm)
	assert.Equal(t, 3, trackerCfg.ConfirmHits)
	assert.Equal(t, uint64(100), cfg.ReacquisitionGapFrames())

	ctrl := cfg.ControllerConfig()
	assert.Equal(t, "spotter", ctrl.SpotterCameraID)
	assert.Equal(t, "zoom", ctrl.ZoomCameraID)
	assert.Equal(t, 750*time.Millisecond, ctrl.MinCommandInterval)
	assert.Equal(t, 0.02, ctrl.DeadZone)

	require.Len(t, cfg.Cameras, 2)
	assert.Equal(t, 40*time.Millisecond, cfg.Cameras[0].Interval)
	assert.Equal(t, "calibration.json", cfg.Calibration.Path)
	assert.Equal(t, 8, cfg.CalibratorConfig().MinInliers)
}

func TestLoadRejectsExtensionAndSize(t *testing.T) {
	_, err := Load(writeConfig(t, "tracker.json", "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extension")

	big := "# " + strings.Repeat("x", maxFileSize) + "\n"
	_, err = Load(writeConfig(t, "tracker.yml", big))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":      "tracker:\n  min_iuo: 0.3\n",
		"bad level":          "log:\n  level: loud\n",
		"bad algorithm":      "tracker:\n  algorithm: auction\n",
		"zero fps":           "tracker:\n  fps: 0\n",
		"negative gap":       "tracker:\n  reacquisition_gap: -1s\n",
		"bad min iou":        "tracker:\n  min_iou: 1.5\n",
		"same camera ids":    "controller:\n  zoom_camera_id: spotter\n",
		"negative dead zone": "controller:\n  dead_zone: -0.1\n",
		"few inliers":        "calibration:\n  min_inliers: 2\n",
		"no calibration":     "calibration:\n  path: \"\"\n",
		"camera without id":  "cameras:\n  - replay: a.jsonl\n",
		"camera device":      "cameras:\n  - id: spotter\n    replay: a.jsonl\n    device: \"0\"\n",
		"camera no input":    "cameras:\n  - id: spotter\n",
		"duplicate camera":   "cameras:\n  - id: spotter\n    replay: a.jsonl\n  - id: spotter\n    replay: b.jsonl\n",
		"unknown camera":     "cameras:\n  - id: thermal\n    replay: a.jsonl\n",
		"not yaml":           "tracker: [1, 2\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
