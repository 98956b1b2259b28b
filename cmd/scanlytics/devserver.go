package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/scanlytics/scanlytics/internal/config"
	"github.com/scanlytics/scanlytics/internal/platform/gateway"
	"github.com/scanlytics/scanlytics/internal/platform/telemetry"
)

func devserverCmd() *cobra.Command {
	var fixtures, addr string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve canned backend responses from a fixtures directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDevServer()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, cfg.LogLevel)

			router, err := newDevRouter(logger, afero.NewOsFs(), fixtures, cfg.MaxImageBytes)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, router, addr, logger)
		},
	}
	cmd.Flags().StringVar(&fixtures, "fixtures", "fixtures", "directory of <command>.json / <command>.error files")
	cmd.Flags().StringVar(&addr, "addr", ":8765", "listen address")
	return cmd
}

// devBodyLimit allows a batch of up to eight images at the configured
// per-file size.
// Bytes travel as decimal JSON numbers, up to four characters each.
func devBodyLimit(maxImageBytes int64) int64 {
	return maxImageBytes*4*8 + 1<<20
}

func newDevRouter(logger zerolog.Logger, fs afero.Fs, dir string, maxImageBytes int64) (*gateway.Router, error) {
	router := gateway.NewRouter(logger, devBodyLimit(maxImageBytes))
	n, err := gateway.LoadFixtures(router, fs, dir)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("no fixtures found in %s", dir)
	}
	telemetry.NewMetrics().Mount(router.Echo())
	logger.Info().Int("commands", n).Strs("names", router.Commands()).Msg("fixtures loaded")
	return router, nil
}

func serve(ctx context.Context, router *gateway.Router, addr string, logger zerolog.Logger) error {
	e := router.Echo()
	go func() {
		logger.Info().Str("addr", addr).Msg("starting devserver")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("devserver failed")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down devserver")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("devserver shutdown: %w", err)
	}
	logger.Info().Msg("devserver stopped")
	return nil
}
