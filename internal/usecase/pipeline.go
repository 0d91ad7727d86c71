package usecase

import (
	"context"
	"log/slog"
	"time"

	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/extractor"
	"LicitacionesExtractor/internal/faults"
	"LicitacionesExtractor/internal/normalizer"
	"LicitacionesExtractor/internal/ports"
	"LicitacionesExtractor/internal/quality"
)

// Pipeline runs one source end to end: extract, normalize, score,
// upsert, embed. Failures are contained at the narrowest scope the
// taxonomy allows; only a fully failed extraction fails the source.
type Pipeline struct {
	normalizer *normalizer.Normalizer
	repo       ports.TenderRepository
	embedder   ports.Embedder
	batchSize  int
	logger     *slog.Logger
}

// NewPipeline wires the per-source stages. embedder may be nil in
// extraction-only setups; the embedding stage is then skipped and rows
// stay pending.
func NewPipeline(n *normalizer.Normalizer, repo ports.TenderRepository, embedder ports.Embedder, batchSize int, logger *slog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger != nil {
		logger = logger.With("component", "pipeline")
	}
	return &Pipeline{normalizer: n, repo: repo, embedder: embedder, batchSize: batchSize, logger: logger}
}

// Process executes one source for one target day and always returns a
// report, never panics the run.
func (p *Pipeline) Process(ctx context.Context, ex extractor.Extractor, req extractor.Request) domain.SourceReport {
	report := domain.SourceReport{
		Fuente:  ex.Name(),
		Status:  domain.SourceRunning,
		Started: time.Now().UTC(),
	}
	defer func() {
		report.Finished = time.Now().UTC()
	}()

	result, extractErr := ex.Extract(ctx, req)
	report.SegmentsFailed = result.FailedSegments
	report.Counts.Extracted = len(result.Records)

	if extractErr != nil && len(result.Records) == 0 {
		// A cancelled run cut the source short; that is an interrupted
		// extraction, not a broken source.
		if ctx.Err() != nil {
			report.Status = domain.SourcePartial
			report.Error = extractErr.Error()
			return report
		}
		report.Status = domain.SourceFailed
		report.Error = extractErr.Error()
		p.warn("source failed", "fuente", ex.Name(), "error", extractErr)
		return report
	}
	if extractErr != nil {
		report.Error = extractErr.Error()
	}

	now := time.Now().UTC()
	for _, raw := range result.Records {
		if ctx.Err() != nil {
			report.Status = domain.SourcePartial
			report.Error = ctx.Err().Error()
			return report
		}

		tender, err := p.normalizer.Normalize(raw, now)
		if err != nil {
			report.Counts.Dropped++
			p.debug("record dropped", "fuente", ex.Name(), "reason", err)
			continue
		}
		tender.Metadata.CalidadDatos = quality.Score(tender, ex.Kind())
		tender.Metadata.ParametrosBusqueda = searchParams(req, raw)

		outcome, err := p.upsertWithRetry(ctx, tender)
		if err != nil {
			report.Counts.Failed++
			p.warn("upsert failed", "fuente", ex.Name(), "tender_id", tender.TenderID, "error", err)
			continue
		}
		switch outcome {
		case domain.UpsertInserted:
			report.Counts.Inserted++
		case domain.UpsertRefreshed:
			report.Counts.Refreshed++
		case domain.UpsertUnchanged:
			report.Counts.Unchanged++
		}
	}

	p.embedPending(ctx, ex.Name(), &report)

	report.Status = p.finalStatus(report, extractErr)
	p.info("source finished",
		"fuente", ex.Name(),
		"status", string(report.Status),
		"extracted", report.Counts.Extracted,
		"inserted", report.Counts.Inserted,
		"refreshed", report.Counts.Refreshed,
		"unchanged", report.Counts.Unchanged,
		"dropped", report.Counts.Dropped,
		"embedded", report.Counts.Embedded,
	)
	return report
}

// upsertWithRetry gives a storage write exactly one extra attempt.
// Anything beyond that is an outage the run report should surface, not
// a blip worth a backoff loop.
func (p *Pipeline) upsertWithRetry(ctx context.Context, t domain.CanonicalTender) (domain.UpsertOutcome, error) {
	hash := t.ContentHash()
	outcome, err := p.repo.UpsertTender(ctx, t, hash)
	if err == nil || ctx.Err() != nil {
		return outcome, err
	}
	if faults.KindOf(err) != faults.KindStorage && faults.KindOf(err) != faults.KindConnection {
		return outcome, err
	}
	return p.repo.UpsertTender(ctx, t, hash)
}

// embedPending drains unprocessed rows for the source in batches.
// Unchanged rows never reappear here: they kept procesado=true through
// the upsert, so dedup short-circuits the embedding spend. A provider
// failure defers the remainder to the next run instead of failing the
// source.
func (p *Pipeline) embedPending(ctx context.Context, fuente string, report *domain.SourceReport) {
	if p.embedder == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.repo.PendingEmbeddings(ctx, fuente, p.batchSize)
		if err != nil {
			p.warn("cannot list pending embeddings", "fuente", fuente, "error", err)
			report.Counts.Failed++
			return
		}
		if len(batch) == 0 {
			return
		}

		texts := make([]string, len(batch))
		for i, item := range batch {
			texts[i] = item.TextoSemantico
		}

		vectors, source, err := p.embedder.Generate(ctx, texts)
		if err != nil {
			report.Counts.EmbedDeferred += len(batch)
			p.warn("embedding deferred to next run", "fuente", fuente, "rows", len(batch), "error", err)
			return
		}

		marked := 0
		for i, item := range batch {
			if err := p.repo.MarkEmbedded(ctx, item.TenderID, vectors[i], source); err != nil {
				report.Counts.Failed++
				p.warn("cannot store embedding", "tender_id", item.TenderID, "error", err)
				continue
			}
			marked++
			report.Counts.Embedded++
			if source == "fallback" {
				report.Counts.FallbackUsed++
			}
		}
		if marked == 0 {
			// Every mark failed; the same rows would come straight back.
			report.Counts.EmbedDeferred += len(batch)
			return
		}
	}
}

func (p *Pipeline) finalStatus(report domain.SourceReport, extractErr error) domain.SourceStatus {
	switch {
	case extractErr != nil,
		len(report.SegmentsFailed) > 0,
		report.Counts.Failed > 0,
		report.Counts.EmbedDeferred > 0:
		return domain.SourcePartial
	default:
		return domain.SourceSuccess
	}
}

func searchParams(req extractor.Request, raw domain.RawRecord) map[string]string {
	params := map[string]string{"fecha": req.Day.Format("2006-01-02")}
	if kw, ok := raw.Datos["palabra_clave"].(string); ok && kw != "" {
		params["palabra_clave"] = kw
	}
	return params
}

func (p *Pipeline) info(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pipeline) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

func (p *Pipeline) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}
