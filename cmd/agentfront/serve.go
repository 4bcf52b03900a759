package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/agentfront/internal/config"
	"github.com/szaher/agentfront/internal/runtime"
	"github.com/szaher/agentfront/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the invocation server",
		Long: `Load and validate settings, then serve POST /invocations, GET /ping and
GET /metrics until interrupted. Missing required settings abort startup.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(configFile)
			if err != nil {
				return err
			}

			level, _ := telemetry.ParseLevel(settings.Log.Level)
			telemetry.SetLevel(level)
			logger := telemetry.NewLogger(os.Stderr, zerolog.TraceLevel, settings.Log.Format)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, configFile, settings, logger)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML settings file")

	return cmd
}

func serve(ctx context.Context, configFile string, settings *config.Settings, logger zerolog.Logger) error {
	rt, err := runtime.New(ctx, settings, runtime.Options{Logger: &logger})
	if err != nil {
		return fmt.Errorf("runtime error: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return rt.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return config.Watch(gctx, configFile, logger, func(s *config.Settings) {
			level, err := telemetry.ParseLevel(s.Log.Level)
			if err != nil {
				return
			}
			telemetry.SetLevel(level)
			logger.Info().Str("level", level.String()).Msg("log level updated")
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
