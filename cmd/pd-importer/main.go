package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gsleeman/osd-pd-importer/internal/config"
	"github.com/gsleeman/osd-pd-importer/internal/ingest"
	"github.com/gsleeman/osd-pd-importer/internal/metrics"
	"github.com/gsleeman/osd-pd-importer/internal/source"
	"github.com/gsleeman/osd-pd-importer/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "optional path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run_id", uuid.New().String()))
	logger.Info("pd-importer starting", zap.String("version", Version))

	token, err := config.LoadAPIKey(cfg.PagerDuty.APIKeyPath)
	if err != nil {
		logger.Fatal("Failed to load PagerDuty API key", zap.Error(err))
	}

	st, err := store.Load(cfg.Store.Path)
	switch {
	case err == nil:
		logger.Info("store loaded", zap.String("path", st.Path()), zap.Int("alerts", st.Len()))
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no store yet, starting empty", zap.String("path", cfg.Store.Path))
	default:
		logger.Warn("store unreadable, starting empty", zap.String("path", cfg.Store.Path), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.NewRun()
	pd := source.NewPagerDuty(cfg.PagerDuty, token, logger)
	ing := ingest.New(pd, st, ingest.Options{
		PolicyID:        cfg.PagerDuty.PolicyID,
		TeamID:          cfg.PagerDuty.TeamID,
		ServiceSuffix:   cfg.Sync.ServiceSuffix,
		Lookback:        cfg.Sync.Lookback,
		CheckpointEvery: cfg.Sync.CheckpointEvery,
	}, os.Stdout, logger, m)

	res, runErr := ing.Run(ctx)

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Error("Failed to write metrics", zap.Error(err))
		}
	}
	if runErr != nil {
		logger.Fatal("import failed", zap.Error(runErr))
	}
	logger.Info("import finished",
		zap.Int("imported", res.Imported),
		zap.Int("total", res.Total),
		zap.Time("since", res.Since))
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
