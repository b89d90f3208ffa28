package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketfeed/internal/config"
	"github.com/rickgao/marketfeed/internal/database"
	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/service"
	"github.com/rickgao/marketfeed/internal/version"
)

const (
	serviceStopTimeout = 30 * time.Second
	serverStopTimeout  = 10 * time.Second
)

func main() {
	cmd := &cli.Command{
		Name:    "gatherer",
		Usage:   "Stream market data from the feed into the configured handlers",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Value:   "configs/gatherer.local.yaml",
				Sources: cli.EnvVars("GATHERER_CONFIG"),
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before the config is expanded (missing files are skipped)",
				Value: []string{".env"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
				Value: "text",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("gatherer exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd.String("log-level"), cmd.String("log-format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	configPath := cmd.String("config")
	logger.Info("starting gatherer", append(version.LogAttrs(), "config", configPath)...)

	if err := config.LoadEnvFiles(cmd.StringSlice("env-file")...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"mode", cfg.Subscriptions.Mode,
		"universe", cfg.Universe.Source,
		"direct_connect", cfg.Feed.DirectConnect,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []service.Option{service.WithMetrics(metrics.New(reg))}

	var pools *database.Pools
	if cfg.NeedsDatabase() {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		pools, err = database.NewPools(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pools.Close()
		logger.Info("database connected")
		opts = append(opts, service.WithDatabase(pools.Timescale))
	}

	svc, err := service.New(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	// Start the HTTP server early so startup can be monitored.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHTTPHandler(cfg.Metrics.Path, reg, svc, pools),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := svc.Start(gctx); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("start service: %w", err), g.Wait())
	}

	logger.Info("gatherer running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	g.Go(svc.Wait)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), serviceStopTimeout)
		defer stopCancel()
		return svc.Stop(stopCtx)
	})

	err = g.Wait()
	logger.Info("gatherer stopped", "state", svc.Status().State)
	return err
}

// newLogger builds the process logger from the level and format flags.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
