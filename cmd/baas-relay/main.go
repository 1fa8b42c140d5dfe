package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/baas-go/internal/archive"
	"github.com/gftdcojp/baas-go/internal/config"
	"github.com/gftdcojp/baas-go/internal/metrics"
	"github.com/gftdcojp/baas-go/internal/relay"
	"github.com/gftdcojp/baas-go/pkg/baas"
	"github.com/gftdcojp/baas-go/pkg/natsutil"
	"github.com/gftdcojp/baas-go/pkg/realtime"
	"github.com/gftdcojp/baas-go/pkg/s3util"
	"github.com/gftdcojp/baas-go/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("baas-relay %s\n", version)
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

	store, err := openStorage(cfg.Storage, logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("opening client storage: %w", err)
	}
	defer store.Close()

	client, err := baas.New(baas.Config{
		AppID:     cfg.App.ID,
		AppKey:    cfg.App.Key,
		ServerURL: cfg.App.ServerURL,
		RouterURL: cfg.App.RouterURL,
		Timeout:   cfg.App.Timeout.Duration(),
		Storage:   store,
		Protocol:  cfg.App.Protocol,
		Realtime: realtime.Config{
			MaxRetries:        cfg.Realtime.MaxRetries,
			BaseDelay:         cfg.Realtime.BaseDelay.Duration(),
			MaxDelay:          cfg.Realtime.MaxDelay.Duration(),
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval.Duration(),
		},
		Logger: logger.Named("baas"),
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	lq, err := client.NewLiveQuery(ctx)
	if err != nil {
		return fmt.Errorf("creating live query: %w", err)
	}
	defer lq.Close()

	nc, err := natsutil.Connect(cfg.NATS, logger.Named("nats"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	var (
		s3Client *s3util.Client
		archiver *archive.Archiver
	)
	if cfg.Archive.Enabled {
		s3Client, err = s3util.NewClient(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		archiver = archive.New(s3Client.S3, cfg.Archive, logger.Named("archive"))
	}

	relayCfg := relay.Config{
		LiveQuery:     lq,
		NATS:          nc,
		Subscriptions: cfg.Subscriptions,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Logger:        logger.Named("relay"),
	}
	if archiver != nil {
		relayCfg.Archiver = archiver
	}
	r := relay.New(relayCfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.Run(gctx) })

	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		var bucket metrics.BucketPinger
		if s3Client != nil {
			bucket = s3Client
		}
		healthChecker := metrics.NewHealthChecker(nc, store, bucket, lq.Connection())
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("baas-relay started",
		zap.String("version", version),
		zap.String("app_id", cfg.App.ID),
		zap.Int("subscriptions", len(cfg.Subscriptions)),
		zap.String("nats_url", cfg.NATS.URL),
		zap.Bool("archive", archiver != nil),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if archiver != nil {
		logger.Info("shutting down, flushing archive batches...")
		if err := archiver.Flush(context.Background()); err != nil {
			logger.Error("error flushing archive", zap.Error(err))
		}
	}
	return nil
}

func openStorage(cfg config.StorageConfig, logger *zap.Logger) (storage.Storage, error) {
	if cfg.Path == "" {
		return storage.NewMemory(cfg.MaxEntries, logger), nil
	}
	return storage.OpenBolt(cfg.Path, logger)
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

	return zapCfg.Build()
}
