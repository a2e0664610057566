package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jc2409/jsonify/internal/config"
	"github.com/jc2409/jsonify/internal/extract"
	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/metrics"
	"github.com/jc2409/jsonify/internal/pipeline"
	"github.com/jc2409/jsonify/internal/redis"
	"github.com/jc2409/jsonify/internal/service/ai"
	"github.com/jc2409/jsonify/internal/service/catalog"
	"github.com/jc2409/jsonify/internal/staging"
	"github.com/jc2409/jsonify/internal/storage"
	"github.com/jc2409/jsonify/internal/worker"
)

// app holds the long-lived components shared by serve and process.
type app struct {
	cfg        *config.Config
	log        logger.Logger
	db         *sql.DB
	rdb        *redis.Client
	staging    *staging.Manager
	dispatcher *worker.Dispatcher
	metrics    *metrics.Metrics
	pipeline   *pipeline.Pipeline
	catalog    *catalog.Service
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	dbType := cfg.BasicConfig.Database
	a.db, err = storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = storage.Migrate(a.db, dbType); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.catalog = catalog.NewService(a.db, log)

	client, err := a.inferenceClient(ctx)
	if err != nil {
		return nil, err
	}

	registry, err := extract.NewDefaultRegistry(ctx, extract.Options{
		TextLimit:    cfg.Pipeline.TextLimit,
		Spreadsheets: cfg.Pipeline.ExtractSpreadsheets,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("init extractors: %w", err)
	}

	a.staging = staging.NewManager(cfg.BasicConfig.StagingDir, cfg.BasicConfig.OutputDir, cfg.Pipeline.MaxEntryBytes, log)
	if err = a.staging.PruneStaging(); err != nil {
		log.Warn("prune staging failed", logger.Error(err))
	}

	a.dispatcher = worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, log)
	a.metrics = metrics.New()
	a.pipeline = pipeline.New(a.staging, registry, client, a.dispatcher, pipeline.Options{
		WriteRetries: cfg.Pipeline.WriteRetries,
		Metrics:      a.metrics,
		Logger:       log,
	})
	return a, nil
}

func (a *app) inferenceClient(ctx context.Context) (ai.Client, error) {
	inf := a.cfg.Inference
	cm, err := ai.NewChatModel(ctx, inf.Provider, a.cfg.Providers[inf.Provider], inf.Model)
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	mc, err := ai.NewMetadataClient(ctx, cm, time.Duration(inf.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	if inf.CacheTTL <= 0 {
		return mc, nil
	}

	ttl := time.Duration(inf.CacheTTL) * time.Minute
	var cache ai.Cache
	if a.cfg.Redis.Enabled {
		a.rdb, err = redis.NewRedisClient(a.cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = ai.NewRedisCache(a.rdb, ttl, a.log)
	} else {
		cache = ai.NewMemoryCache(inf.CacheSize, ttl)
	}
	return ai.NewCachedClient(mc, cache, inf.Provider+"/"+inf.Model), nil
}

func (a *app) close() {
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
