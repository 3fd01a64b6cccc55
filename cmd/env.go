package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/fetcher"
	"github.com/fundscope/ingest-cli/internal/ingest"
	"github.com/fundscope/ingest-cli/internal/pipeline"
	"github.com/fundscope/ingest-cli/internal/queue"
	"github.com/fundscope/ingest-cli/internal/registry"
	"github.com/fundscope/ingest-cli/internal/store"
	"github.com/fundscope/ingest-cli/pkg/anthropic"
)

// appEnv holds the initialized store, queue, and pipeline shared by the
// process/jobs/serve commands.
type appEnv struct {
	Store       store.Store
	Sources     map[string]registry.Source
	Coordinator *queue.Coordinator
	Worker      *queue.Worker
	Ingest      *ingest.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres", "":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required for the sqlite driver")
		}
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, clients, source registry, pipeline, and queue.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	sources, err := registry.LoadSources(cfg.Sources.Path)
	if err != nil {
		zap.L().Warn("source registry not loaded, only direct record submission will work",
			zap.String("path", cfg.Sources.Path), zap.Error(err))
		sources = map[string]registry.Source{}
	}

	var enricher pipeline.Enricher
	if cfg.Anthropic.Key != "" {
		enricher = pipeline.NewClaudeEnricher(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)
	} else {
		zap.L().Warn("INGEST_ANTHROPIC_KEY not set, new records will pass through unscored")
		enricher = pipeline.PassthroughEnricher{}
	}

	pl := pipeline.New(cfg, st, enricher)
	coordinator := queue.NewCoordinator(st, cfg.Queue)
	aggregator := queue.NewAggregator(st)
	worker := queue.NewWorker(coordinator, aggregator, pl)

	dispatcher := &fetcher.Dispatcher{
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:      cfg.Fetch.UserAgent,
			Timeout:        time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxRetries:     cfg.Fetch.MaxRetries,
			RequestsPerSec: cfg.Fetch.RequestsPerSec,
		}),
		FTP: fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout: time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		}),
	}

	return &appEnv{
		Store:       st,
		Sources:     sources,
		Coordinator: coordinator,
		Worker:      worker,
		Ingest:      ingest.NewService(sources, dispatcher, coordinator, st),
	}, nil
}
