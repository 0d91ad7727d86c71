package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"LicitacionesExtractor/internal/config"
	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/extractor"
	"LicitacionesExtractor/internal/faults"
	"LicitacionesExtractor/internal/infrastructure/comprasmx"
	"LicitacionesExtractor/internal/infrastructure/embeddings"
	"LicitacionesExtractor/internal/infrastructure/licitaya"
	"LicitacionesExtractor/internal/infrastructure/scheduler"
	"LicitacionesExtractor/internal/infrastructure/storage"
	"LicitacionesExtractor/internal/infrastructure/tianguis"
	"LicitacionesExtractor/internal/normalizer"
	"LicitacionesExtractor/internal/retry"
	"LicitacionesExtractor/internal/usecase"
)

// App owns the composed object graph and exposes the operations the
// binary (or an embedding program) invokes.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store    *storage.Store
	registry *extractor.Registry
	runner   *usecase.ScheduleRunner
	daily    *scheduler.Daily
	client   *http.Client
}

// New connects to storage, ensures the schema and wires every source,
// the embedding providers and the orchestration layer.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.Attempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Retryable:   faults.Retryable,
	}
	client := &http.Client{Timeout: 30 * time.Second}

	registry := extractor.NewRegistry()
	registry.Register(licitaya.New(client, cfg.Sources.LicitaYa, policy, logger))
	registry.Register(tianguis.New(client, cfg.Sources.Tianguis, policy, logger))
	registry.Register(comprasmx.New(client, cfg.Sources.ComprasMX, policy, logger))

	primary := embeddings.NewOpenAIClient(
		client,
		cfg.Embeddings.Endpoint,
		cfg.Embeddings.APIKey,
		cfg.Embeddings.Model,
		cfg.Embeddings.Dimensions,
		cfg.Embeddings.RatePerSecond,
		logger,
	)
	var fallback embeddings.Provider
	if cfg.Embeddings.FallbackURL != "" {
		fallback = embeddings.NewLocalClient(
			nil,
			cfg.Embeddings.FallbackURL,
			cfg.Embeddings.FallbackModel,
			cfg.Embeddings.Dimensions,
			logger,
		)
	}
	generator := embeddings.NewGenerator(primary, fallback, policy, logger)

	pipeline := usecase.NewPipeline(
		normalizer.New(logger),
		store,
		generator,
		cfg.Embeddings.BatchSize,
		logger,
	)
	orchestrator := usecase.NewOrchestrator(
		registry,
		pipeline,
		store,
		cfg.Pipeline.Parallel,
		cfg.Pipeline.MaxWorkers,
		cfg.Sources.LicitaYa.Keywords,
		logger,
	)

	daily, err := scheduler.New(cfg.Scheduler.ExtractionTime, cfg.Scheduler.Location(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	runner := usecase.NewScheduleRunner(orchestrator, store, daily, cfg.Scheduler.Location(), logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		runner:   runner,
		daily:    daily,
		client:   client,
	}, nil
}

// Close releases held resources.
func (a *App) Close() {
	a.store.Close()
}

// RunOnce extracts a single day immediately, bypassing the scheduler
// and its same-day guard. An empty sources list runs every registered
// source.
func (a *App) RunOnce(ctx context.Context, day time.Time, sources ...string) domain.RunReport {
	return a.runner.ForceRun(ctx, day, sources...)
}

// RunScheduler arms the daily trigger and blocks until ctx is
// cancelled.
func (a *App) RunScheduler(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.runner.Stop(stopCtx)
}

// TestConnections verifies the database and every source endpoint are
// reachable. It performs no extraction.
func (a *App) TestConnections(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	for name, url := range map[string]string{
		licitaya.SourceName:  a.cfg.Sources.LicitaYa.BaseURL,
		tianguis.SourceName:  a.cfg.Sources.Tianguis.BaseURL,
		comprasmx.SourceName: a.cfg.Sources.ComprasMX.BaseURL,
	} {
		if err := a.probe(ctx, url); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (a *App) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Metrics returns the monitoring snapshot.
func (a *App) Metrics(ctx context.Context) (domain.Metrics, error) {
	return a.store.Metrics(ctx)
}

// QualityReport returns the per-source quality aggregates.
func (a *App) QualityReport(ctx context.Context) (domain.QualityReport, error) {
	return a.store.QualityReport(ctx)
}

// Health reports database reachability, scheduler liveness and the
// last run outcome.
func (a *App) Health(ctx context.Context) domain.HealthStatus {
	h := domain.HealthStatus{CheckedAt: time.Now().UTC()}

	h.Database = a.store.Ping(ctx) == nil
	h.SchedulerAlive = a.daily.Alive()

	if status, finished, ok, err := a.store.LastRun(ctx); err == nil && ok {
		h.LastRunStatus = status
		h.LastRunAt = &finished
	}

	switch {
	case !h.Database:
		h.Status = "unhealthy"
	case h.LastRunStatus == string(domain.RunFailed):
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}
