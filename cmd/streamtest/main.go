// streamtest connects to the market-data feed and prints normalized ticks to the console.
// Usage:
//
//	go run ./cmd/streamtest --config configs/gatherer.local.yaml stream --symbol RELIANCE-EQ
//	go run ./cmd/streamtest --config configs/gatherer.local.yaml verify --symbol NIFTY24DEC24000CE
//
// The access token is read from the config (usually ${UPSTOX_ACCESS_TOKEN}).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rickgao/marketfeed/internal/api"
	"github.com/rickgao/marketfeed/internal/auth"
	"github.com/rickgao/marketfeed/internal/config"
	"github.com/rickgao/marketfeed/internal/database"
	"github.com/rickgao/marketfeed/internal/model"
	"github.com/rickgao/marketfeed/internal/router"
	"github.com/rickgao/marketfeed/internal/service"
	"github.com/rickgao/marketfeed/internal/universe"
)

func main() {
	cmd := &cli.Command{
		Name:  "streamtest",
		Usage: "Stream or verify instruments against the live feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file",
				Value: "configs/gatherer.example.yaml",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before the config is expanded",
				Value: []string{".env"},
			},
			&cli.StringSliceFlag{
				Name:    "symbol",
				Aliases: []string{"s"},
				Usage:   "symbol or instrument key; replaces the configured universe (repeatable)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "stream",
				Usage: "subscribe and print ticks until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Usage: "override the subscription mode"},
					&cli.DurationFlag{Name: "duration", Usage: "stop after this long (0 runs until Ctrl+C)"},
					&cli.BoolFlag{Name: "verbose", Usage: "print full tick JSON"},
				},
				Action: streamAction,
			},
			{
				Name:   "verify",
				Usage:  "check that instruments resolve via the LTP endpoint",
				Action: verifyAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config, narrows it to console use and applies the symbol override.
func loadConfig(cmd *cli.Command) (*config.GathererConfig, error) {
	if err := config.LoadEnvFiles(cmd.StringSlice("env-file")...); err != nil {
		return nil, err
	}
	cfg, err := config.LoadWithDefaults(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if symbols := cmd.StringSlice("symbol"); len(symbols) > 0 {
		cfg.Universe = config.UniverseConfig{Source: config.UniverseSourceStatic, Symbols: symbols}
	}
	if mode := cmd.String("mode"); mode != "" {
		cfg.Subscriptions.Mode = mode
	}

	// Console only: no store, no mirrors, no bus.
	cfg.Writer.Enabled = false
	cfg.Cache.Redis.Enabled = false
	cfg.Kafka.Enabled = false

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func signalContext(ctx context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func streamAction(ctx context.Context, cmd *cli.Command) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(ctx, logger)
	defer cancel()
	if d := cmd.Duration("duration"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	verbose := cmd.Bool("verbose")
	opts := []service.Option{
		service.WithHandler(router.NewHandlerFunc("console", func(_ context.Context, t model.Tick) error {
			printTick(t, verbose)
			return nil
		})),
	}

	if cfg.NeedsDatabase() {
		pools, err := database.NewPools(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pools.Close()
		opts = append(opts, service.WithDatabase(pools.Timescale))
	}

	svc, err := service.New(cfg, logger, opts...)
	if err != nil {
		return err
	}

	logger.Info("connecting", "mode", cfg.Subscriptions.Mode, "universe", cfg.Universe.Source)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := svc.Status()
				logger.Info("stats",
					"state", st.State,
					"active", st.Subscriptions.ActiveCount,
					"failed", st.Subscriptions.FailedCount,
					"frames", st.Connection.FramesReceived,
					"protocol_errors", st.Connection.ProtocolErrors,
					"dispatched", st.Router.TicksDispatched,
					"dropped", st.Router.TicksDropped,
					"queue", st.Router.Queue.Count,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	waitErr := make(chan error, 1)
	go func() { waitErr <- svc.Wait() }()

	select {
	case <-ctx.Done():
	case err = <-waitErr:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if stopErr := svc.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("shutdown incomplete", "error", stopErr)
	}

	st := svc.Status()
	logger.Info("shutdown complete",
		"ticks", st.Router.TicksDispatched,
		"instruments_seen", st.LatestTicks,
	)
	return err
}

func printTick(t model.Tick, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(t, "", "  ")
		fmt.Printf("[TICK] %s\n", data)
		return
	}

	line := fmt.Sprintf("[TICK] key=%s mode=%s", t.Key, t.Mode)
	if t.LastPrice.IsSome() {
		line += " ltp=" + t.LastPrice.Unwrap().String()
	}
	if t.Volume.IsSome() {
		line += fmt.Sprintf(" vol=%d", t.Volume.Unwrap())
	}
	if t.Bid.Price.IsSome() && t.Ask.Price.IsSome() {
		line += fmt.Sprintf(" bid=%s ask=%s", t.Bid.Price.Unwrap(), t.Ask.Price.Unwrap())
	}
	if t.InitialUpdate {
		line += " initial"
	}
	fmt.Println(line)
}

func verifyAction(ctx context.Context, cmd *cli.Command) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	creds, err := auth.LoadCredentials(cfg.Feed.AccessToken, cfg.Feed.TokenFile)
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.Feed.RestURL, creds,
		api.WithLogger(logger),
		api.WithTimeout(cfg.Feed.Timeout),
		api.WithRetries(cfg.Feed.MaxRetries, time.Second),
	)

	var db universe.Querier
	if cfg.Universe.Source == config.UniverseSourcePostgres {
		pool, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			return err
		}
		defer pool.Close()
		db = pool
	}
	source, err := universe.NewSource(cfg.Universe, db)
	if err != nil {
		return err
	}
	reg := universe.NewRegistry(source, logger)
	if _, err := reg.Sync(ctx, nil); err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	keys := reg.Keys()
	logger.Info("verifying instruments", "source", source.Name(), "keys", len(keys))

	quotes, err := client.LTP(ctx, keys)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if q, ok := quotes[k]; ok {
			fmt.Printf("[OK]      key=%s ltp=%s vol=%d cp=%s\n", k, q.LastPrice, q.Volume, q.PrevClose)
		}
	}
	missing := api.MissingKeys(keys, quotes)
	for _, k := range missing {
		fmt.Printf("[MISSING] key=%s\n", k)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d of %d instruments did not resolve", len(missing), len(keys))
	}
	return nil
}
