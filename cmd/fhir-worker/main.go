package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jyotsnaravikumar/fhir-server/internal/config"
	"github.com/jyotsnaravikumar/fhir-server/internal/health"
	"github.com/jyotsnaravikumar/fhir-server/internal/metrics"
	"github.com/jyotsnaravikumar/fhir-server/internal/model"
	"github.com/jyotsnaravikumar/fhir-server/internal/reindex"
	"github.com/jyotsnaravikumar/fhir-server/internal/search"
	"github.com/jyotsnaravikumar/fhir-server/internal/server"
	"github.com/jyotsnaravikumar/fhir-server/internal/service"
	"github.com/jyotsnaravikumar/fhir-server/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("backend", cfg.Storage.Backend),
		zap.Int("max_concurrent_jobs", cfg.Reindex.MaxConcurrentJobs))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize stores
	dataStore, jobStore, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}
	defer dataStore.Close()
	defer jobStore.Close()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	registry := search.NewRegistry(logger)
	registry.Register(builtinParameters()...)
	extractor := search.NewExtractor(logger)

	writer := service.NewIndexWriter(dataStore, m, logger)

	worker := reindex.NewWorker(
		reindex.WorkerConfig{
			MaxConcurrent:      cfg.Reindex.MaxConcurrentJobs,
			PollInterval:       cfg.Reindex.PollInterval,
			HeartbeatThreshold: cfg.Reindex.HeartbeatThreshold,
			DefaultBatchSize:   cfg.Reindex.DefaultBatchSize,
		},
		dataStore, jobStore, writer, registry, extractor, m, logger,
	)

	reindexSvc := reindex.NewService(jobStore, registry, logger)
	reindexSvc.SetLocalCanceller(worker)

	// Health checks and metrics listener
	checker := health.NewHealthChecker(map[string]health.Pinger{
		"data_store": dataStore,
		"job_store":  jobStore,
	}, 10*time.Second, logger)
	go checker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, checker, logger)
		metricsServer.Start()
	}

	// Run the worker loop until shutdown
	worker.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Stop(shutdownCtx)
		cancel()
	}
	logger.Info("Shutdown complete")
}

// buildStores dispatches on the configured backend.
func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.DataStore, store.JobStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.Storage.Postgres.ConnString(), logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, store.NewPostgresJobStore(pg.Pool(), logger), nil
	case config.BackendRedis:
		rs, err := store.NewRedisStore(
			cfg.Storage.Redis.Host, cfg.Storage.Redis.Port,
			cfg.Storage.Redis.Password, cfg.Storage.Redis.DB, logger,
		)
		if err != nil {
			return nil, nil, err
		}
		return rs, store.NewRedisJobStore(rs.Client(), logger), nil
	default:
		return store.NewMemoryStore(logger), store.NewMemoryJobStore(logger), nil
	}
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// builtinParameters is the baseline extraction-rule set every deployment
// starts with. Deployment-specific parameters are registered on top and
// reach Searchable through a reindex.
func builtinParameters() []search.ParamInfo {
	return []search.ParamInfo{
		{
			URL:        "http://hl7.org/fhir/SearchParameter/Resource-id",
			Code:       "_id",
			Family:     model.FamilyToken,
			Expression: "id",
			Base:       []string{"Resource"},
			Status:     search.StatusSearchable,
		},
		{
			URL:        "http://hl7.org/fhir/SearchParameter/Patient-family",
			Code:       "family",
			Family:     model.FamilyString,
			Expression: "name",
			Base:       []string{"Patient"},
			Status:     search.StatusSearchable,
		},
		{
			URL:        "http://hl7.org/fhir/SearchParameter/Patient-birthdate",
			Code:       "birthdate",
			Family:     model.FamilyDate,
			Expression: "birthDate",
			Base:       []string{"Patient"},
			Status:     search.StatusSearchable,
		},
		{
			URL:        "http://hl7.org/fhir/SearchParameter/Observation-code",
			Code:       "code",
			Family:     model.FamilyToken,
			Expression: "code",
			Base:       []string{"Observation"},
			Status:     search.StatusSearchable,
		},
		{
			URL:        "http://hl7.org/fhir/SearchParameter/Observation-subject",
			Code:       "subject",
			Family:     model.FamilyReference,
			Expression: "subject",
			Base:       []string{"Observation"},
			Status:     search.StatusSearchable,
		},
		{
			URL:        "http://hl7.org/fhir/SearchParameter/Observation-value-quantity",
			Code:       "value-quantity",
			Family:     model.FamilyQuantity,
			Expression: "valueQuantity",
			Base:       []string{"Observation"},
			Status:     search.StatusSearchable,
		},
	}
}
