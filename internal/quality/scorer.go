package quality

import "LicitacionesExtractor/internal/domain"

// Reliability weights per source kind. Structured APIs ship typed,
// validated payloads; scraped rows depend on page markup staying stable.
const (
	ReliabilityAPI     = 0.9
	ReliabilityScraper = 0.7
)

// trackedFields is the number of optional fields completeness is scored
// over. The required ones (tender_id, fuente, fecha_extraccion) are
// guaranteed by normalization and excluded.
const trackedFields = 10

// Score computes calidad_datos for a normalized tender. It is pure: the
// caller assigns the result into the tender's metadata.
func Score(t domain.CanonicalTender, kind domain.SourceKind) domain.CalidadDatos {
	populated := 0
	for _, present := range []bool{
		t.Titulo != "",
		t.Descripcion != "",
		t.Entidad != "",
		t.Estado != "",
		t.Ciudad != "",
		t.FechaCatalogacion != nil,
		t.FechaApertura != nil,
		t.ValorEstimado != nil,
		t.TipoLicitacion != "",
		t.URLOriginal != "",
	} {
		if present {
			populated++
		}
	}
	return domain.CalidadDatos{
		Completitud:   float64(populated) / float64(trackedFields),
		Confiabilidad: ReliabilityForKind(kind),
	}
}

// ReliabilityForKind maps a source kind to its reliability weight.
func ReliabilityForKind(kind domain.SourceKind) float64 {
	if kind == domain.KindScraper {
		return ReliabilityScraper
	}
	return ReliabilityAPI
}
