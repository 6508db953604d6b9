package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LdDl/ptz-tracker/calibration"
	"github.com/LdDl/ptz-tracker/config"
	"github.com/LdDl/ptz-tracker/logging"
	"github.com/LdDl/ptz-tracker/mot"
	"github.com/LdDl/ptz-tracker/pipeline"
	"github.com/LdDl/ptz-tracker/ptz"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "ptz-tracker.yaml", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	controller, err := ptz.NewController(
		cfg.ControllerConfig(),
		ptz.NewLogActuator(logger),
		ptz.WithLogger(logger),
		ptz.WithLostListener(func(lost ptz.TrackLost) {
			logger.Info().Time("at", lost.At).Str("previous_state", lost.PreviousState.String()).Msg("Subject lost")
		}),
	)
	if err != nil {
		return err
	}
	if err := loadCalibration(cfg.Calibration.Path, controller, logger); err != nil {
		return err
	}

	trackerCfg, err := cfg.TrackerConfig()
	if err != nil {
		return err
	}
	cameras := make([]*pipeline.Camera, 0, len(cfg.Cameras))
	for _, camCfg := range cfg.Cameras {
		source, err := pipeline.OpenReplayFile(camCfg.ID, camCfg.Replay, pipeline.WithInterval(camCfg.Interval))
		if err != nil {
			return err
		}
		defer source.Close()
		camLogger := logger.With().Str("camera_id", camCfg.ID).Logger()
		tracker, err := mot.NewTracker(camCfg.ID, trackerCfg, mot.WithLogger(camLogger))
		if err != nil {
			return err
		}
		camera, err := pipeline.NewCamera(source, pipeline.PrecomputedDetector{}, tracker,
			pipeline.WithLogger(camLogger),
			pipeline.WithSinks(pipeline.NewLogSink(camLogger)),
			pipeline.WithReacquisitionGap(cfg.ReacquisitionGapFrames()),
		)
		if err != nil {
			return err
		}
		cameras = append(cameras, camera)
	}
	if len(cameras) == 0 {
		return errors.New("no cameras configured")
	}

	controllerCtx, stopController := context.WithCancel(ctx)
	defer stopController()
	var g errgroup.Group
	g.Go(func() error {
		return controller.Run(controllerCtx)
	})
	camerasErr := pipeline.Run(ctx, controller, logger, cameras...)
	// Replays are finite: keep controller running until interrupted
	if camerasErr == nil && ctx.Err() == nil {
		logger.Info().Msg("All streams finished, waiting for interrupt")
		<-ctx.Done()
	}
	stopController()
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Int("decisions", len(controller.Decisions())).Str("state", controller.State().String()).Msg("Controller stopped")
	return camerasErr
}

// loadCalibration installs stored calibration. Missing file means defaults, a broken one is fatal
func loadCalibration(path string, controller *ptz.Controller, logger zerolog.Logger) error {
	bundle, err := calibration.NewFileStore(path).Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("path", path).Msg("No calibration found, using default PTZ calibration in single camera mode")
			return nil
		}
		return errors.Wrap(err, "can't load calibration")
	}
	return controller.SetCalibration(bundle)
}
