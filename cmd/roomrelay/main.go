package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"roomrelay/internal/app"
	"roomrelay/internal/config"
	"roomrelay/internal/logging"
)

// configFileEnv names the config file when -config is not given.
const configFileEnv = config.EnvPrefix + "CONFIG_FILE"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run is separate from main so startup failures can be tested.
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	// STEP 1: Load configuration (defaults < file < environment)
	flags := flag.NewFlagSet("roomrelay", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", os.Getenv(configFileEnv), "path to a JSON config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// STEP 2: Structured logger
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("invalid log configuration: %w", err)
	}

	// STEP 3: Create and start the application
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 4: Wait for shutdown signal or server failure
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-application.Errors():
		logger.Error().Err(runErr).Msg("server failed")
	}

	return shutdown(application, cfg, logger, runErr)
}

func shutdown(application *app.Application, cfg *config.Config, logger zerolog.Logger, runErr error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration())
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return errors.Join(runErr, fmt.Errorf("shutdown error: %w", err))
	}
	return runErr
}
