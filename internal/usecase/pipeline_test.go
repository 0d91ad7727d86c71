package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/extractor"
	"LicitacionesExtractor/internal/faults"
	"LicitacionesExtractor/internal/normalizer"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

// fakeExtractor returns a canned result.
type fakeExtractor struct {
	name   string
	kind   domain.SourceKind
	result extractor.Result
	err    error
}

func (f *fakeExtractor) Name() string            { return f.name }
func (f *fakeExtractor) Kind() domain.SourceKind { return f.kind }
func (f *fakeExtractor) Extract(context.Context, extractor.Request) (extractor.Result, error) {
	return f.result, f.err
}

// fakeRepo keeps tenders in memory and mimics the hash-guarded upsert.
// Sources run concurrently in parallel mode, so all access is locked.
type fakeRepo struct {
	mu          sync.Mutex
	rows        map[string]storedRow
	upsertErrs  int
	markErrs    int
	upsertCalls int
}

type storedRow struct {
	tender    domain.CanonicalTender
	hash      string
	procesado bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]storedRow{}}
}

func (r *fakeRepo) UpsertTender(_ context.Context, t domain.CanonicalTender, hash string) (domain.UpsertOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertCalls++
	if r.upsertErrs > 0 {
		r.upsertErrs--
		return 0, faults.Storage("fake.upsert", errors.New("write failed"))
	}
	prev, exists := r.rows[t.TenderID]
	switch {
	case !exists:
		r.rows[t.TenderID] = storedRow{tender: t, hash: hash}
		return domain.UpsertInserted, nil
	case prev.hash == hash:
		return domain.UpsertUnchanged, nil
	default:
		r.rows[t.TenderID] = storedRow{tender: t, hash: hash}
		return domain.UpsertRefreshed, nil
	}
}

func (r *fakeRepo) PendingEmbeddings(_ context.Context, fuente string, limit int) ([]domain.PendingTender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []domain.PendingTender
	for id, row := range r.rows {
		if row.procesado || row.tender.Fuente != fuente {
			continue
		}
		pending = append(pending, domain.PendingTender{TenderID: id, TextoSemantico: row.tender.TextoSemantico})
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (r *fakeRepo) MarkEmbedded(_ context.Context, tenderID string, vec []float32, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErrs > 0 {
		r.markErrs--
		return faults.Storage("fake.mark", errors.New("write failed"))
	}
	row, ok := r.rows[tenderID]
	if !ok {
		return faults.Storage("fake.mark", errors.New("not found"))
	}
	row.procesado = true
	row.tender.Embeddings = vec
	row.tender.Metadata.EmbeddingSource = source
	r.rows[tenderID] = row
	return nil
}

// fakeEmbedder counts calls and can fail or answer as the fallback.
type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	texts  int
	source string
	err    error
}

func (e *fakeEmbedder) Generate(_ context.Context, texts []string) ([][]float32, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.texts += len(texts)
	if e.err != nil {
		return nil, "", e.err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1, 2, 3}
	}
	source := e.source
	if source == "" {
		source = "openai"
	}
	return vectors, source, nil
}

func record(id, titulo string) domain.RawRecord {
	return domain.RawRecord{
		Fuente: "licita_ya",
		Datos:  map[string]any{"tender_id": id, "titulo": titulo, "entidad": "IMSS"},
	}
}

func newTestPipeline(repo *fakeRepo, embedder *fakeEmbedder) *Pipeline {
	return NewPipeline(normalizer.New(nil), repo, embedder, 10, nil)
}

func TestProcessHappyPath(t *testing.T) {
	repo := newFakeRepo()
	embedder := &fakeEmbedder{}
	p := newTestPipeline(repo, embedder)
	ex := &fakeExtractor{
		name: "licita_ya",
		kind: domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{
			record("LY-1", "uno"),
			record("LY-2", "dos"),
		}},
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})

	if report.Status != domain.SourceSuccess {
		t.Fatalf("status: got %s", report.Status)
	}
	c := report.Counts
	if c.Extracted != 2 || c.Inserted != 2 || c.Embedded != 2 || c.Dropped != 0 {
		t.Fatalf("counts: %+v", c)
	}
	for _, row := range repo.rows {
		if !row.procesado {
			t.Fatal("all rows must be embedded")
		}
		if row.tender.Metadata.CalidadDatos.Confiabilidad != 0.9 {
			t.Fatalf("api reliability: got %v", row.tender.Metadata.CalidadDatos.Confiabilidad)
		}
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	embedder := &fakeEmbedder{}
	p := newTestPipeline(repo, embedder)
	ex := &fakeExtractor{
		name:   "licita_ya",
		kind:   domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{record("LY-1", "uno")}},
	}

	first := p.Process(context.Background(), ex, extractor.Request{Day: day})
	if first.Counts.Inserted != 1 || first.Counts.Embedded != 1 {
		t.Fatalf("first run counts: %+v", first.Counts)
	}
	embedCallsAfterFirst := embedder.calls

	second := p.Process(context.Background(), ex, extractor.Request{Day: day})
	if second.Counts.Unchanged != 1 || second.Counts.Inserted != 0 || second.Counts.Refreshed != 0 {
		t.Fatalf("second run counts: %+v", second.Counts)
	}
	if embedder.calls != embedCallsAfterFirst {
		t.Fatal("unchanged rows must not be re-embedded")
	}
	if len(repo.rows) != 1 {
		t.Fatalf("expected 1 stored row, got %d", len(repo.rows))
	}
}

func TestProcessRefreshesChangedContent(t *testing.T) {
	repo := newFakeRepo()
	embedder := &fakeEmbedder{}
	p := newTestPipeline(repo, embedder)

	ex := &fakeExtractor{
		name:   "licita_ya",
		kind:   domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{record("LY-1", "uno")}},
	}
	p.Process(context.Background(), ex, extractor.Request{Day: day})

	ex.result = extractor.Result{Records: []domain.RawRecord{record("LY-1", "título corregido")}}
	report := p.Process(context.Background(), ex, extractor.Request{Day: day})

	if report.Counts.Refreshed != 1 {
		t.Fatalf("counts: %+v", report.Counts)
	}
	if report.Counts.Embedded != 1 {
		t.Fatal("a refreshed row must be re-embedded")
	}
}

func TestProcessDropsInvalidRecords(t *testing.T) {
	repo := newFakeRepo()
	p := newTestPipeline(repo, &fakeEmbedder{})
	ex := &fakeExtractor{
		name: "licita_ya",
		kind: domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{
			record("LY-1", "válido"),
			{Fuente: "licita_ya", Datos: map[string]any{"tender_id": "LY-2"}},
		}},
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})

	if report.Status != domain.SourceSuccess {
		t.Fatalf("validation drops must not degrade the source: %s", report.Status)
	}
	if report.Counts.Dropped != 1 || report.Counts.Inserted != 1 {
		t.Fatalf("counts: %+v", report.Counts)
	}
}

func TestProcessFailedExtractionFailsSource(t *testing.T) {
	p := newTestPipeline(newFakeRepo(), &fakeEmbedder{})
	ex := &fakeExtractor{
		name: "licita_ya",
		kind: domain.KindAPIKeyword,
		err:  faults.Connection("fake", errors.New("unreachable")),
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})
	if report.Status != domain.SourceFailed {
		t.Fatalf("status: got %s", report.Status)
	}
	if report.Error == "" {
		t.Fatal("report must carry the failure cause")
	}
}

func TestProcessCancelledExtractionIsPartial(t *testing.T) {
	p := newTestPipeline(newFakeRepo(), &fakeEmbedder{})
	ex := &fakeExtractor{
		name: "licita_ya",
		kind: domain.KindAPIKeyword,
		err:  context.Canceled,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := p.Process(ctx, ex, extractor.Request{Day: day})
	if report.Status != domain.SourcePartial {
		t.Fatalf("a cancelled extraction is interrupted, not broken: got %s", report.Status)
	}
	if report.Error == "" {
		t.Fatal("report must carry the cancellation cause")
	}
}

func TestProcessFailedSegmentsMakePartial(t *testing.T) {
	p := newTestPipeline(newFakeRepo(), &fakeEmbedder{})
	ex := &fakeExtractor{
		name: "licita_ya",
		kind: domain.KindAPIKeyword,
		result: extractor.Result{
			Records:        []domain.RawRecord{record("LY-1", "uno")},
			FailedSegments: []string{"keyword=salud page=3"},
		},
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})
	if report.Status != domain.SourcePartial {
		t.Fatalf("status: got %s", report.Status)
	}
	if report.Counts.Inserted != 1 {
		t.Fatal("surviving records must still be stored")
	}
}

func TestProcessDefersEmbeddingsWhenProviderFails(t *testing.T) {
	repo := newFakeRepo()
	embedder := &fakeEmbedder{err: faults.Embedding("fake", errors.New("both providers down"))}
	p := newTestPipeline(repo, embedder)
	ex := &fakeExtractor{
		name:   "licita_ya",
		kind:   domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{record("LY-1", "uno"), record("LY-2", "dos")}},
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})

	if report.Status != domain.SourcePartial {
		t.Fatalf("status: got %s", report.Status)
	}
	if report.Counts.EmbedDeferred != 2 || report.Counts.Embedded != 0 {
		t.Fatalf("counts: %+v", report.Counts)
	}
	for _, row := range repo.rows {
		if row.procesado {
			t.Fatal("deferred rows must stay pending")
		}
	}
}

func TestProcessDrainsDeferredRowsNextRun(t *testing.T) {
	repo := newFakeRepo()
	failing := &fakeEmbedder{err: faults.Embedding("fake", errors.New("down"))}
	p := newTestPipeline(repo, failing)
	ex := &fakeExtractor{
		name:   "licita_ya",
		kind:   domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{record("LY-1", "uno")}},
	}
	p.Process(context.Background(), ex, extractor.Request{Day: day})

	recovered := &fakeEmbedder{}
	p2 := newTestPipeline(repo, recovered)
	report := p2.Process(context.Background(), ex, extractor.Request{Day: day})

	if report.Counts.Unchanged != 1 {
		t.Fatalf("counts: %+v", report.Counts)
	}
	if report.Counts.Embedded != 1 {
		t.Fatal("the deferred row must be embedded on the next run")
	}
}

func TestProcessRecordsFallbackUsage(t *testing.T) {
	repo := newFakeRepo()
	embedder := &fakeEmbedder{source: "fallback"}
	p := newTestPipeline(repo, embedder)
	ex := &fakeExtractor{
		name:   "licita_ya",
		kind:   domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{record("LY-1", "uno")}},
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})

	if report.Counts.FallbackUsed != 1 || report.Counts.Embedded != 1 {
		t.Fatalf("counts: %+v", report.Counts)
	}
	for _, row := range repo.rows {
		if !row.procesado {
			t.Fatal("fallback-embedded rows count as processed")
		}
		if row.tender.Metadata.EmbeddingSource != "fallback" {
			t.Fatalf("embedding source: got %q", row.tender.Metadata.EmbeddingSource)
		}
	}
}

func TestProcessRetriesStorageOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.upsertErrs = 1
	p := newTestPipeline(repo, &fakeEmbedder{})
	ex := &fakeExtractor{
		name:   "licita_ya",
		kind:   domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{record("LY-1", "uno")}},
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})

	if repo.upsertCalls != 2 {
		t.Fatalf("expected one retry, got %d calls", repo.upsertCalls)
	}
	if report.Counts.Inserted != 1 || report.Counts.Failed != 0 {
		t.Fatalf("counts: %+v", report.Counts)
	}
}

func TestProcessCountsExhaustedStorageAsFailed(t *testing.T) {
	repo := newFakeRepo()
	repo.upsertErrs = 2
	p := newTestPipeline(repo, &fakeEmbedder{})
	ex := &fakeExtractor{
		name:   "licita_ya",
		kind:   domain.KindAPIKeyword,
		result: extractor.Result{Records: []domain.RawRecord{record("LY-1", "uno")}},
	}

	report := p.Process(context.Background(), ex, extractor.Request{Day: day})

	if report.Counts.Failed != 1 || report.Counts.Inserted != 0 {
		t.Fatalf("counts: %+v", report.Counts)
	}
	if report.Status != domain.SourcePartial {
		t.Fatalf("status: got %s", report.Status)
	}
}
