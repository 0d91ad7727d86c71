package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SourceKind classifies how a source delivers its records. Reliability
// weights and worker placement depend on it.
type SourceKind string

const (
	KindAPIKeyword SourceKind = "api_keyword"
	KindAPIDate    SourceKind = "api_date"
	KindScraper    SourceKind = "scraper"
)

// RawRecord is the source-shaped payload an extractor hands to the
// normalizer. It is transient and never persisted directly.
type RawRecord struct {
	Fuente string
	Datos  map[string]any
}

// CalidadDatos holds the quality scores written into metadata.
type CalidadDatos struct {
	Completitud   float64 `json:"completitud"`
	Confiabilidad float64 `json:"confiabilidad"`
}

// Metadata is the structured extension map persisted as JSONB. Source
// fields the normalizer does not recognize land verbatim in
// DatosEspecificos.
type Metadata struct {
	FuenteOriginal     string            `json:"fuente_original"`
	ParametrosBusqueda map[string]string `json:"parametros_busqueda,omitempty"`
	DatosEspecificos   map[string]any    `json:"datos_especificos,omitempty"`
	CalidadDatos       CalidadDatos      `json:"calidad_datos"`
	EmbeddingSource    string            `json:"embedding_source,omitempty"`
}

// CanonicalTender is the persisted entity (table updates).
type CanonicalTender struct {
	TenderID          string
	Fuente            string
	FechaExtraccion   time.Time
	FechaCatalogacion *time.Time
	FechaApertura     *time.Time
	Titulo            string
	Descripcion       string
	TextoSemantico    string
	Metadata          Metadata
	Embeddings        []float32
	Entidad           string
	Estado            string
	Ciudad            string
	ValorEstimado     *float64
	TipoLicitacion    string
	URLOriginal       string
	Procesado         bool
}

// ContentHash covers every normalization-significant field and excludes
// the extraction timestamp, so re-extraction noise does not look like a
// content change.
func (t CanonicalTender) ContentHash() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(t.TenderID)
	write(t.Fuente)
	write(t.Titulo)
	write(t.Descripcion)
	write(t.TextoSemantico)
	write(t.Entidad)
	write(t.Estado)
	write(t.Ciudad)
	write(t.TipoLicitacion)
	write(t.URLOriginal)
	write(formatDate(t.FechaCatalogacion))
	write(formatDate(t.FechaApertura))
	if t.ValorEstimado != nil {
		write(strconv.FormatFloat(*t.ValorEstimado, 'f', 2, 64))
	} else {
		write("")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatDate(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format("2006-01-02")
}

// GenerateTenderID derives a stable business key for records whose source
// does not ship one, prefixed with the source tag so the global unique
// constraint preserves per-source uniqueness.
func GenerateTenderID(fuente, titulo, entidad, fecha, url string) string {
	sum := sha256.Sum256([]byte(fuente + "|" + titulo + "|" + entidad + "|" + fecha + "|" + url))
	return fmt.Sprintf("%s_%s", fuente, hex.EncodeToString(sum[:])[:16])
}

// PendingTender is the slice of a stored row the embedding generator needs.
type PendingTender struct {
	TenderID       string
	TextoSemantico string
}

// UpsertOutcome reports what the store did with a tender draft.
type UpsertOutcome int

const (
	// UpsertInserted: first sighting of the tender_id.
	UpsertInserted UpsertOutcome = iota
	// UpsertRefreshed: content hash changed, row overwritten, re-embedding forced.
	UpsertRefreshed
	// UpsertUnchanged: hash matched, only fecha_extraccion advanced.
	UpsertUnchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertInserted:
		return "inserted"
	case UpsertRefreshed:
		return "refreshed"
	case UpsertUnchanged:
		return "unchanged"
	}
	return "unknown"
}
