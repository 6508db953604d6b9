package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"

	"github.com/LdDl/ptz-tracker/calibration"
	"github.com/LdDl/ptz-tracker/calibration/gocvmatch"
	"github.com/LdDl/ptz-tracker/config"
	"github.com/LdDl/ptz-tracker/logging"
	"github.com/LdDl/ptz-tracker/pipeline/gocvsource"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

type options struct {
	configPath    string
	spotter       string
	zoom          string
	spotterDevice string
	zoomDevice    string
	zoomLevel     float64
	samplesPath   string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "ptz-tracker.yaml", "path to YAML configuration")
	flag.StringVar(&opts.spotter, "spotter", "", "spotter still image")
	flag.StringVar(&opts.zoom, "zoom", "", "zoom still image")
	flag.StringVar(&opts.spotterDevice, "spotter-device", "", "grab spotter still from capture device instead of file")
	flag.StringVar(&opts.zoomDevice, "zoom-device", "", "grab zoom still from capture device instead of file")
	flag.Float64Var(&opts.zoomLevel, "zoom-level", -1, "normalized zoom level of the still pair, in [0, 1]")
	flag.StringVar(&opts.samplesPath, "ptz-samples", "", "optional JSON array of pan/tilt samples to refit PTZ calibration")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't create logger: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error().Err(err).Msg("Calibration failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger zerolog.Logger) error {
	store := calibration.NewFileStore(cfg.Calibration.Path)
	bundle, err := store.Load()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		bundle = calibration.Bundle{PTZ: calibration.DefaultPTZCalibration()}
	default:
		return errors.Wrap(err, "can't load existing calibration")
	}

	if opts.samplesPath != "" {
		ptzCalibration, err := fitPTZ(opts.samplesPath)
		if err != nil {
			return err
		}
		bundle.PTZ = ptzCalibration
		logger.Info().Interface("ptz", ptzCalibration).Msg("PTZ calibration refitted")
	}

	if opts.zoomLevel >= 0 {
		fov, err := calibrateZoomLevel(ctx, cfg, opts, bundle.FOV, logger)
		if err != nil {
			if opts.samplesPath == "" {
				return err
			}
			// Refitted PTZ section is kept, zoom points stay as they were
			if saveErr := save(store, cfg, bundle, logger); saveErr != nil {
				return errors.Wrapf(err, "can't save PTZ calibration either (%v)", saveErr)
			}
			logger.Warn().Err(err).Msg("Zoom calibration failed, only PTZ calibration saved")
			return err
		}
		bundle.FOV = fov
	}
	return save(store, cfg, bundle, logger)
}

func save(store *calibration.FileStore, cfg *config.Config, bundle calibration.Bundle, logger zerolog.Logger) error {
	doc := calibration.NewDocument(cfg.Controller.SpotterCameraID, bundle)
	if err := store.Save(doc); err != nil {
		return err
	}
	logger.Info().Str("path", store.Path()).Int("points", len(doc.Points)).Msg("Calibration saved")
	return nil
}

// calibrateZoomLevel adds one calibration point to the existing set. Points at other zoom levels are kept
func calibrateZoomLevel(ctx context.Context, cfg *config.Config, opts options, existing *calibration.ZoomFOVCalibration, logger zerolog.Logger) (*calibration.ZoomFOVCalibration, error) {
	if cfg.Controller.ZoomCameraID == "" {
		return nil, errors.New("controller.zoom_camera_id is required for zoom calibration")
	}
	spotter, err := still(opts.spotter, opts.spotterDevice, cfg.Controller.SpotterCameraID)
	if err != nil {
		return nil, errors.Wrap(err, "spotter")
	}
	zoom, err := still(opts.zoom, opts.zoomDevice, cfg.Controller.ZoomCameraID)
	if err != nil {
		return nil, errors.Wrap(err, "zoom")
	}

	attempts, err := calibration.OpenAttemptStore(ctx, cfg.Calibration.AttemptsDB)
	if err != nil {
		return nil, err
	}
	defer attempts.Close()

	calibrator, err := calibration.NewCalibrator(gocvmatch.New(), cfg.CalibratorConfig(), calibration.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	bounds := spotter.Bounds()
	builder := calibration.NewBuilder(calibration.Meta{
		SpotterCameraID: cfg.Controller.SpotterCameraID,
		ZoomCameraID:    cfg.Controller.ZoomCameraID,
		SpotterWidth:    bounds.Dx(),
		SpotterHeight:   bounds.Dy(),
	}, calibration.WithRecorder(attempts), calibration.WithBuilderLogger(logger))
	if existing != nil {
		meta := existing.Meta()
		if meta.SpotterWidth != bounds.Dx() || meta.SpotterHeight != bounds.Dy() {
			logger.Warn().Int("width", meta.SpotterWidth).Int("height", meta.SpotterHeight).Msg("Spotter resolution changed, dropping previous points")
		} else {
			for _, point := range existing.Points() {
				if err := builder.Add(point); err != nil {
					return nil, err
				}
			}
		}
	}

	point, err := builder.Attempt(ctx, calibrator, spotter, zoom, opts.zoomLevel)
	if err != nil {
		// Previously accepted points stay in the stored document
		return existing, errors.Wrapf(err, "zoom level %.3f", opts.zoomLevel)
	}
	logger.Info().Float64("zoom_level", point.ZoomLevel).Float64("residual", point.Residual).Int("inliers", point.Inliers).Msg("Calibration point accepted")

	recent, err := attempts.Attempts(ctx, 5)
	if err == nil {
		for _, attempt := range recent {
			logger.Debug().Str("attempt_id", attempt.ID.String()).Float64("zoom_level", attempt.ZoomLevel).Bool("accepted", attempt.Accepted).Str("error", attempt.Error).Msg("Recent attempt")
		}
	}
	return builder.Publish()
}

func still(path, device, cameraID string) (image.Image, error) {
	switch {
	case device != "":
		source, err := gocvsource.Open(cameraID, device)
		if err != nil {
			return nil, err
		}
		defer source.Close()
		frame, err := source.Next(context.Background())
		if err != nil {
			return nil, errors.Wrapf(err, "can't grab frame from '%s'", device)
		}
		return frame.Image, nil
	case path != "":
		mat := gocv.IMRead(path, gocv.IMReadColor)
		defer mat.Close()
		if mat.Empty() {
			return nil, errors.Errorf("can't read image '%s'", path)
		}
		img, err := mat.ToImage()
		if err != nil {
			return nil, errors.Wrapf(err, "can't convert image '%s'", path)
		}
		return img, nil
	default:
		return nil, errors.New("either image path or capture device is required")
	}
}

func fitPTZ(path string) (calibration.PTZCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return calibration.PTZCalibration{}, errors.Wrapf(err, "can't read samples '%s'", path)
	}
	var samples []calibration.Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return calibration.PTZCalibration{}, errors.Wrapf(err, "can't parse samples '%s'", path)
	}
	return calibration.FitPTZCalibration(samples)
}
