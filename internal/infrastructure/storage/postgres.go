package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/faults"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the pgvector-enabled Postgres adapter behind the repository
// and run-recorder ports.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens a pool against dsn and verifies connectivity. Vector types
// are registered on every new connection so embeddings scan natively.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, faults.Storage("storage.parse_dsn", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, faults.Storage("storage.connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, faults.Connection("storage.ping", err)
	}

	if logger != nil {
		logger = logger.With("component", "storage")
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS updates (
    id                 BIGSERIAL PRIMARY KEY,
    tender_id          TEXT NOT NULL UNIQUE,
    fuente             TEXT NOT NULL,
    fecha_extraccion   TIMESTAMPTZ NOT NULL,
    fecha_catalogacion DATE,
    fecha_apertura     DATE,
    titulo             TEXT,
    descripcion        TEXT,
    texto_semantico    TEXT,
    metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
    embeddings         vector(1536),
    entidad            TEXT,
    estado             TEXT,
    ciudad             TEXT,
    valor_estimado     NUMERIC,
    tipo_licitacion    TEXT,
    url_original       TEXT,
    procesado          BOOLEAN NOT NULL DEFAULT FALSE,
    content_hash       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_updates_fuente ON updates (fuente);
CREATE INDEX IF NOT EXISTS idx_updates_fecha_extraccion ON updates (fecha_extraccion);
CREATE INDEX IF NOT EXISTS idx_updates_pendientes ON updates (fuente) WHERE NOT procesado;
CREATE INDEX IF NOT EXISTS idx_updates_metadata ON updates USING GIN (metadata);

CREATE TABLE IF NOT EXISTS extraction_runs (
    run_id      TEXT PRIMARY KEY,
    target_date DATE NOT NULL,
    started     TIMESTAMPTZ NOT NULL,
    finished    TIMESTAMPTZ NOT NULL,
    status      TEXT NOT NULL,
    report      JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_finished ON extraction_runs (finished DESC);
`

// EnsureSchema creates tables, indexes and the vector extension if they
// are missing. Safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return faults.Storage("storage.ensure_schema", err)
	}
	return nil
}

// upsertSQL decides insert vs refresh vs unchanged in one statement.
// The CTE snapshots the pre-statement hash so the caller can classify
// the outcome without a second round trip; an unchanged row only
// advances fecha_extraccion, a changed one is overwritten and queued
// for re-embedding.
const upsertSQL = `
WITH prev AS (
    SELECT content_hash FROM updates WHERE tender_id = $1
)
INSERT INTO updates (
    tender_id, fuente, fecha_extraccion, fecha_catalogacion, fecha_apertura,
    titulo, descripcion, texto_semantico, metadata,
    entidad, estado, ciudad, valor_estimado, tipo_licitacion, url_original,
    procesado, content_hash
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, FALSE, $16)
ON CONFLICT (tender_id) DO UPDATE SET
    fecha_extraccion   = EXCLUDED.fecha_extraccion,
    fuente             = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.fuente ELSE EXCLUDED.fuente END,
    fecha_catalogacion = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.fecha_catalogacion ELSE EXCLUDED.fecha_catalogacion END,
    fecha_apertura     = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.fecha_apertura ELSE EXCLUDED.fecha_apertura END,
    titulo             = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.titulo ELSE EXCLUDED.titulo END,
    descripcion        = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.descripcion ELSE EXCLUDED.descripcion END,
    texto_semantico    = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.texto_semantico ELSE EXCLUDED.texto_semantico END,
    metadata           = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.metadata ELSE EXCLUDED.metadata END,
    entidad            = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.entidad ELSE EXCLUDED.entidad END,
    estado             = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.estado ELSE EXCLUDED.estado END,
    ciudad             = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.ciudad ELSE EXCLUDED.ciudad END,
    valor_estimado     = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.valor_estimado ELSE EXCLUDED.valor_estimado END,
    tipo_licitacion    = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.tipo_licitacion ELSE EXCLUDED.tipo_licitacion END,
    url_original       = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.url_original ELSE EXCLUDED.url_original END,
    embeddings         = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.embeddings ELSE NULL END,
    procesado          = CASE WHEN updates.content_hash = EXCLUDED.content_hash THEN updates.procesado ELSE FALSE END,
    content_hash       = EXCLUDED.content_hash
RETURNING (SELECT content_hash FROM prev)
`

// UpsertTender writes a tender draft and classifies what happened by
// comparing the stored hash snapshot against the incoming one.
func (s *Store) UpsertTender(ctx context.Context, t domain.CanonicalTender, hash string) (domain.UpsertOutcome, error) {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return 0, faults.Storage("storage.upsert", err)
	}

	var prevHash *string
	err = s.pool.QueryRow(ctx, upsertSQL,
		t.TenderID, t.Fuente, t.FechaExtraccion, t.FechaCatalogacion, t.FechaApertura,
		nullable(t.Titulo), nullable(t.Descripcion), nullable(t.TextoSemantico), meta,
		nullable(t.Entidad), nullable(t.Estado), nullable(t.Ciudad), t.ValorEstimado,
		nullable(t.TipoLicitacion), nullable(t.URLOriginal), hash,
	).Scan(&prevHash)
	if err != nil {
		return 0, faults.Storage("storage.upsert", err)
	}

	switch {
	case prevHash == nil:
		return domain.UpsertInserted, nil
	case *prevHash == hash:
		return domain.UpsertUnchanged, nil
	default:
		return domain.UpsertRefreshed, nil
	}
}

// PendingEmbeddings lists unprocessed rows for a source, oldest first,
// so leftovers deferred by earlier runs drain before today's records.
func (s *Store) PendingEmbeddings(ctx context.Context, fuente string, limit int) ([]domain.PendingTender, error) {
	builder := psql.
		Select("tender_id", "COALESCE(texto_semantico, '')").
		From("updates").
		Where(sq.Eq{"procesado": false}).
		OrderBy("fecha_extraccion ASC", "id ASC")
	if fuente != "" {
		builder = builder.Where(sq.Eq{"fuente": fuente})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, faults.Storage("storage.pending", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, faults.Storage("storage.pending", err)
	}
	defer rows.Close()

	var pending []domain.PendingTender
	for rows.Next() {
		var p domain.PendingTender
		if err := rows.Scan(&p.TenderID, &p.TextoSemantico); err != nil {
			return nil, faults.Storage("storage.pending", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Storage("storage.pending", err)
	}
	return pending, nil
}

// MarkEmbedded stores the vector, flips procesado and records the
// provider inside the row's metadata.
func (s *Store) MarkEmbedded(ctx context.Context, tenderID string, vec []float32, source string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE updates
		SET embeddings = $2,
		    procesado = TRUE,
		    metadata = jsonb_set(metadata, '{embedding_source}', to_jsonb($3::text), TRUE)
		WHERE tender_id = $1`,
		tenderID, pgvector.NewVector(vec), source,
	)
	if err != nil {
		return faults.Storage("storage.mark_embedded", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.Storage("storage.mark_embedded", fmt.Errorf("tender %s not found", tenderID))
	}
	return nil
}

// RecordRun persists the structured run report. Failure to record never
// bubbles into the run outcome; callers log and move on.
func (s *Store) RecordRun(ctx context.Context, report domain.RunReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return faults.Storage("storage.record_run", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO extraction_runs (run_id, target_date, started, finished, status, report)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
		    finished = EXCLUDED.finished,
		    status   = EXCLUDED.status,
		    report   = EXCLUDED.report`,
		report.RunID, report.TargetDate, report.Started, report.Finished, string(report.Status), raw,
	)
	if err != nil {
		return faults.Storage("storage.record_run", err)
	}
	return nil
}

// LastRun returns the most recently finished run, if any.
func (s *Store) LastRun(ctx context.Context) (string, time.Time, bool, error) {
	var status string
	var finished time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT status, finished FROM extraction_runs ORDER BY finished DESC LIMIT 1`,
	).Scan(&status, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, faults.Storage("storage.last_run", err)
	}
	return status, finished, true, nil
}

// Metrics assembles the monitoring snapshot.
func (s *Store) Metrics(ctx context.Context) (domain.Metrics, error) {
	m := domain.Metrics{BySource: map[string]int{}}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT procesado),
		       COUNT(*) FILTER (WHERE procesado),
		       MAX(fecha_extraccion)
		FROM updates`,
	).Scan(&m.TotalTenders, &m.PendingEmbed, &m.Processed, &m.LastExtraction)
	if err != nil {
		return domain.Metrics{}, faults.Storage("storage.metrics", err)
	}

	query, args, err := psql.
		Select("fuente", "COUNT(*)").
		From("updates").
		GroupBy("fuente").
		ToSql()
	if err != nil {
		return domain.Metrics{}, faults.Storage("storage.metrics", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.Metrics{}, faults.Storage("storage.metrics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fuente string
		var count int
		if err := rows.Scan(&fuente, &count); err != nil {
			return domain.Metrics{}, faults.Storage("storage.metrics", err)
		}
		m.BySource[fuente] = count
	}
	if err := rows.Err(); err != nil {
		return domain.Metrics{}, faults.Storage("storage.metrics", err)
	}

	if status, finished, ok, err := s.LastRun(ctx); err != nil {
		return domain.Metrics{}, err
	} else if ok {
		m.LastRunStatus = status
		m.LastRunFinished = &finished
	}
	return m, nil
}

// QualityReport derives per-source quality aggregates from stored rows.
func (s *Store) QualityReport(ctx context.Context) (domain.QualityReport, error) {
	query, args, err := psql.
		Select(
			"fuente",
			"COUNT(*)",
			"COALESCE(AVG((metadata->'calidad_datos'->>'completitud')::float), 0)",
			"COALESCE(AVG((metadata->'calidad_datos'->>'confiabilidad')::float), 0)",
			"COALESCE(AVG(CASE WHEN procesado THEN 1.0 ELSE 0.0 END), 0)",
			"COUNT(*) FILTER (WHERE titulo IS NULL OR titulo = '')",
			"COUNT(*) FILTER (WHERE entidad IS NULL OR entidad = '')",
			"COUNT(*) FILTER (WHERE valor_estimado IS NULL)",
			"COUNT(*) FILTER (WHERE metadata->>'embedding_source' = 'fallback')",
		).
		From("updates").
		GroupBy("fuente").
		OrderBy("fuente").
		ToSql()
	if err != nil {
		return domain.QualityReport{}, faults.Storage("storage.quality", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return domain.QualityReport{}, faults.Storage("storage.quality", err)
	}
	defer rows.Close()

	report := domain.QualityReport{GeneratedAt: time.Now().UTC()}
	for rows.Next() {
		var q domain.SourceQuality
		if err := rows.Scan(
			&q.Fuente, &q.Records, &q.AvgCompleteness, &q.AvgReliability,
			&q.ProcessedRatio, &q.MissingTitle, &q.MissingEntidad, &q.MissingValor,
			&q.FallbackEmbedded,
		); err != nil {
			return domain.QualityReport{}, faults.Storage("storage.quality", err)
		}
		report.Sources = append(report.Sources, q)
	}
	if err := rows.Err(); err != nil {
		return domain.QualityReport{}, faults.Storage("storage.quality", err)
	}
	return report, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
