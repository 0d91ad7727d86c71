package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/extractor"
)

// Orchestrator fans one run out over every registered source and folds
// the per-source reports into a single run report. One source's failure
// never cancels its siblings.
type Orchestrator struct {
	registry   *extractor.Registry
	pipeline   *Pipeline
	recorder   RunSink
	parallel   bool
	maxWorkers int
	keywords   []string
	logger     *slog.Logger
}

// RunSink receives finished run reports. Persisting the report is best
// effort; a sink failure is logged and the report is still returned.
type RunSink interface {
	RecordRun(ctx context.Context, report domain.RunReport) error
}

// NewOrchestrator builds the fan-out coordinator.
func NewOrchestrator(registry *extractor.Registry, pipeline *Pipeline, recorder RunSink, parallel bool, maxWorkers int, keywords []string, logger *slog.Logger) *Orchestrator {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if logger != nil {
		logger = logger.With("component", "orchestrator")
	}
	return &Orchestrator{
		registry:   registry,
		pipeline:   pipeline,
		recorder:   recorder,
		parallel:   parallel,
		maxWorkers: maxWorkers,
		keywords:   keywords,
		logger:     logger,
	}
}

// Run executes the registered sources against the target day and
// always produces a report, even when all sources fail. An empty
// sources list means every registered source.
func (o *Orchestrator) Run(ctx context.Context, day time.Time, sources ...string) domain.RunReport {
	report := domain.RunReport{
		RunID:      uuid.NewString(),
		TargetDate: day,
		Started:    time.Now().UTC(),
	}
	req := extractor.Request{Day: day, Keywords: o.keywords}

	names := o.selectSources(sources)
	o.info("run started", "run_id", report.RunID, "target_date", day.Format("2006-01-02"), "sources", len(names))

	byName := map[string]domain.SourceReport{}
	if o.parallel {
		byName = o.runParallel(ctx, names, req)
	} else {
		for _, name := range names {
			ex, err := o.registry.Resolve(name)
			if err != nil {
				continue
			}
			byName[name] = o.pipeline.Process(ctx, ex, req)
		}
	}

	for _, name := range names {
		if src, ok := byName[name]; ok {
			report.Sources = append(report.Sources, src)
		}
	}

	report.Finished = time.Now().UTC()
	report.Aggregate()

	if o.recorder != nil {
		if err := o.recorder.RecordRun(ctx, report); err != nil {
			o.warn("cannot persist run report", "run_id", report.RunID, "error", err)
		}
	}

	o.info("run finished",
		"run_id", report.RunID,
		"status", string(report.Status),
		"extracted", report.Totals.Extracted,
		"inserted", report.Totals.Inserted,
		"refreshed", report.Totals.Refreshed,
		"unchanged", report.Totals.Unchanged,
		"embedded", report.Totals.Embedded,
	)
	return report
}

// selectSources narrows the registry to a requested subset, keeping
// registration order. Unknown names are logged and skipped.
func (o *Orchestrator) selectSources(requested []string) []string {
	all := o.registry.Names()
	if len(requested) == 0 {
		return all
	}
	wanted := map[string]bool{}
	for _, name := range requested {
		wanted[name] = true
	}
	var names []string
	for _, name := range all {
		if wanted[name] {
			names = append(names, name)
			delete(wanted, name)
		}
	}
	for name := range wanted {
		o.warn("requested source is not registered", "fuente", name)
	}
	return names
}

// runParallel bounds API sources by the worker limit while every
// scraper gets a dedicated slot: scrapers walk pages for minutes and
// must not starve the fast API extractors of workers.
func (o *Orchestrator) runParallel(ctx context.Context, names []string, req extractor.Request) map[string]domain.SourceReport {
	results := make(chan domain.SourceReport, len(names))

	var apiGroup, scraperGroup errgroup.Group
	apiGroup.SetLimit(o.maxWorkers)

	for _, name := range names {
		ex, err := o.registry.Resolve(name)
		if err != nil {
			continue
		}
		run := func() error {
			results <- o.pipeline.Process(ctx, ex, req)
			return nil
		}
		if ex.Kind() == domain.KindScraper {
			scraperGroup.Go(run)
		} else {
			apiGroup.Go(run)
		}
	}

	apiGroup.Wait()
	scraperGroup.Wait()
	close(results)

	byName := map[string]domain.SourceReport{}
	for src := range results {
		byName[src.Fuente] = src
	}
	return byName
}

func (o *Orchestrator) info(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Info(msg, args...)
	}
}

func (o *Orchestrator) warn(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, args...)
	}
}
