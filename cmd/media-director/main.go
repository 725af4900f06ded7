package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/media-director/internal/catreq"
	"github.com/gftdcojp/media-director/internal/config"
	"github.com/gftdcojp/media-director/internal/director"
	"github.com/gftdcojp/media-director/internal/metrics"
	"github.com/gftdcojp/media-director/internal/serve"
	"github.com/gftdcojp/media-director/pkg/natsutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("media-director %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	nc, err := natsutil.Connect(cfg.NATS, cfg.Director.Name, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	d, err := director.New(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.RunScheduler(gctx) })

	if cfg.Prune.Enabled {
		g.Go(func() error { return d.Lifecycle.Run(gctx, cfg.Prune.Interval.Duration()) })
	}

	// Storage daemons reach the catalog through the same prefix as queries.
	g.Go(func() error {
		return catreq.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, d.CatReq, logger)
	})

	if cfg.API.Enabled {
		deps := serve.Deps{
			Director:  cfg.Director.Name,
			Store:     d.Store,
			Lock:      d.Lock,
			Pruner:    d.Pruner,
			Labeler:   d.Labeler,
			Changer:   d.Changer,
			Lifecycle: d.Lifecycle,
			Registry:  d.Registry,
			Devices:   d.Devices,
			Targets:   d.Target,
			Jobs:      d,
		}
		g.Go(func() error { return serve.RunHTTP(gctx, cfg.API, deps, logger) })
	}

	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, d.Store, logger)
		})
	}

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(nc, d.Store, d.S3Clients)
		g.Go(func() error { return metrics.RunHealthServer(gctx, cfg.Observability.Health, checker) })
	}

	logger.Info("media-director started",
		zap.String("version", version),
		zap.String("director", cfg.Director.Name),
		zap.Int("pools", len(cfg.Pools)),
		zap.Int("devices", len(d.Devices)),
		zap.String("nats_url", cfg.NATS.URL),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down", zap.Int("running_jobs", len(d.Registry.RunningJobIDs())))
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" && cfg.Output != "stderr" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
