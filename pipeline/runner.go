package pipeline

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Run executes cameras concurrently. A failing camera never cancels its siblings;
// the first error is returned after all cameras have finished.
func Run(ctx context.Context, events EventSink, logger zerolog.Logger, cameras ...*Camera) error {
	var g errgroup.Group
	for _, camera := range cameras {
		camera := camera
		g.Go(func() error {
			err := camera.Run(ctx, events)
			if err != nil {
				logger.Error().Err(err).Str("camera_id", camera.ID()).Msg("Camera failed")
			}
			return err
		})
	}
	return g.Wait()
}
