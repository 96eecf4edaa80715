package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fraudguard/internal/server"
	"fraudguard/pkg/abtest"
	"fraudguard/pkg/aggstore"
	"fraudguard/pkg/config"
	"fraudguard/pkg/ensemble"
	"fraudguard/pkg/pipeline"
	"fraudguard/pkg/registry"
	"fraudguard/pkg/structlog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		structlog.NewLogger("fraudguard", structlog.LevelError, os.Stderr).
			Error("invalid configuration", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	log := structlog.NewLogger("fraudguard", logLevel(cfg.LogLevel), os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing without it", structlog.Fields{"addr": cfg.RedisAddr, "error": err.Error()})
			rdb = nil
		}
	}

	local, err := registry.NewLocalStore(cfg.BlobRoot)
	if err != nil {
		log.Error("blob store init failed", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}
	blobs := &registry.RoutingStore{Local: local}
	if cfg.S3Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("aws configuration failed", structlog.Fields{"error": err.Error()})
			os.Exit(1)
		}
		blobs.S3 = registry.NewS3Store(s3.NewFromConfig(awsCfg))
	}

	var regOpts []registry.Option
	if rdb != nil {
		regOpts = append(regOpts, registry.WithRedisMirror(rdb))
	}
	reg, err := registry.New(blobs, cfg.StatePath, log, regOpts...)
	if err != nil {
		log.Error("registry init failed", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	combiner, err := ensemble.NewCombiner(cfg.Ensemble)
	if err != nil {
		log.Error("combiner init failed", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}
	if cfg.Ensemble.Strategy == ensemble.StrategyStacking {
		meta, art, err := reg.LoadAdapter(ctx, "stacking", 0)
		if err != nil {
			log.Warn("stacking meta-model unavailable, soft voting in effect", structlog.Fields{"error": err.Error()})
		} else {
			combiner.WithMetaModel(art.Name, art.Version, meta)
		}
	}

	var router *abtest.Router
	if cfg.ExperimentID != "" {
		router = abtest.NewRouter(log, rdb)
		exp := abtest.Experiment{
			ID:             cfg.ExperimentID,
			Name:           cfg.ExperimentID,
			Control:        abtest.ModelRef{Name: cfg.CandidateModel, Version: 0},
			Candidate:      abtest.ModelRef{Name: cfg.CandidateModel, Version: cfg.CandidateVersion},
			CandidateShare: cfg.CandidateShare,
			MinimumSamples: cfg.MinimumSamples,
		}
		if err := router.Start(ctx, exp); err != nil {
			log.Error("experiment start failed", structlog.Fields{"error": err.Error()})
			os.Exit(1)
		}
	}

	var aggs server.AggregateSource
	if cfg.DatabaseURL != "" {
		store, err := aggstore.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.Warn("aggregate store unreachable, builder defaults in effect", structlog.Fields{"error": err.Error()})
		} else {
			defer store.Close()
			aggs = store
		}
	}

	var cohorts pipeline.CohortRouter
	if router != nil {
		cohorts = router
	}
	scorer := pipeline.NewScorer(pipeline.Config{
		AdapterTimeout: cfg.AdapterTimeout,
		WindowLength:   cfg.WindowLength,
		ExperimentID:   cfg.ExperimentID,
	}, reg, combiner, cfg.Ensemble, cohorts, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(scorer, aggs, log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		log.Info("listening", structlog.Fields{"addr": cfg.HTTPAddr, "models": cfg.Ensemble.ModelOrder()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", structlog.Fields{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", structlog.Fields{"error": err.Error()})
	}
}

func logLevel(level string) structlog.Level {
	switch level {
	case "debug":
		return structlog.LevelDebug
	case "warn":
		return structlog.LevelWarn
	case "error":
		return structlog.LevelError
	default:
		return structlog.LevelInfo
	}
}
