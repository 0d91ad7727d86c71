package ports

import (
	"context"
	"time"

	"LicitacionesExtractor/internal/domain"
)

// TenderRepository persists canonical tenders with hash-guarded upserts.
type TenderRepository interface {
	// UpsertTender atomically inserts or refreshes a tender draft. The
	// store decides insert vs refresh vs unchanged from the content hash;
	// an unchanged row only advances fecha_extraccion.
	UpsertTender(ctx context.Context, t domain.CanonicalTender, hash string) (domain.UpsertOutcome, error)
	// PendingEmbeddings returns rows with procesado=false for a source,
	// including leftovers deferred by earlier runs.
	PendingEmbeddings(ctx context.Context, fuente string, limit int) ([]domain.PendingTender, error)
	// MarkEmbedded stores the vector, flips procesado and records which
	// provider produced the embedding.
	MarkEmbedded(ctx context.Context, tenderID string, vec []float32, source string) error
}

// RunRecorder keeps run history for observability and the scheduler's
// same-day restart guard.
type RunRecorder interface {
	RecordRun(ctx context.Context, report domain.RunReport) error
	LastRun(ctx context.Context) (status string, finished time.Time, ok bool, err error)
}

// Embedder turns semantic texts into fixed-dimension vectors. The source
// tag identifies the provider that produced the batch ("openai" or
// "fallback").
type Embedder interface {
	Generate(ctx context.Context, texts []string) (vectors [][]float32, source string, err error)
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
