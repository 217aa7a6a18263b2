// bgpool runs a self-healing worker pool over a shared queue.
//
// Usage:
//
//	bgpool [--config FILE] run
//	bgpool [--config FILE] enqueue TYPE [PAYLOAD]
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jirevwe/bgpool/internal/app"
	"github.com/jirevwe/bgpool/internal/config"
	"github.com/jirevwe/bgpool/internal/telemetry"
)

// version is set with ldflags at build time.
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "bgpool",
		Short:         "bgpool - self-healing background worker pool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or JSON config file")

	loadFn := func() (*config.Config, error) { return loadConfig(configPath) }

	rootCmd.AddCommand(
		newRunCmd(loadFn),
		newEnqueueCmd(loadFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newRunCmd(loadFn func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool and process messages until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadFn()
			if err != nil {
				return err
			}

			logger := telemetry.SetupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)

			tracer, shutdownTracing, err := telemetry.SetupTracing(os.Stdout, cfg.Tracing.Enabled)
			if err != nil {
				return err
			}

			// graceful shutdown
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, cfg, logger, tracer)
			if err != nil {
				return err
			}

			if err := a.Server.Start(ctx); err != nil {
				_ = a.Close()
				return err
			}

			var srv *http.Server
			if cfg.Metrics.Addr != "" {
				srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: a.Handler()}
				go func() {
					logger.Info("listening", "addr", cfg.Metrics.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server error", "error", err)
						cancel()
					}
				}()
			}

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()

			var errs []error
			if srv != nil {
				errs = append(errs, srv.Shutdown(shutdownCtx))
			}
			errs = append(errs, a.Shutdown(shutdownCtx), shutdownTracing(shutdownCtx))

			logger.Info("bgpool stopped")
			return errors.Join(errs...)
		},
	}
}

func newEnqueueCmd(loadFn func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue TYPE [PAYLOAD]",
		Short: "Write a message to the configured durable queue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFn()
			if err != nil {
				return err
			}

			if cfg.Queue.Driver == config.QueueMemory {
				return errors.New("enqueue needs a durable queue, set queue.driver to sqlite or rabbitmq")
			}

			logger := telemetry.SetupLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			tracer, _, err := telemetry.SetupTracing(os.Stderr, false)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg, logger, tracer)
			if err != nil {
				return err
			}

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}

			msg, err := a.Server.Enqueue(cmd.Context(), args[0], payload)
			if err != nil {
				return errors.Join(err, a.Shutdown(cmd.Context()))
			}

			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return a.Shutdown(cmd.Context())
		},
	}
}
