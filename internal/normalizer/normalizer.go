package normalizer

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/faults"
)

// MaxSemanticLen bounds texto_semantico. Roughly a quarter of the
// embedding model's token window for Spanish text.
const MaxSemanticLen = 2000

// Field aliases observed across the three sources. The first populated
// alias wins; every raw key that is not consumed here is preserved
// verbatim in metadata.datos_especificos.
var fieldAliases = map[string][]string{
	"tender_id":          {"tender_id", "id", "numero_licitacion", "planning_id", "reference_number", "reference", "numero_referencia"},
	"titulo":             {"titulo", "title", "nombre", "name", "planning_name"},
	"descripcion":        {"descripcion", "description", "detalle", "details", "planning_description"},
	"entidad":            {"entidad", "agency", "dependencia", "entity", "organization", "institution", "institucion"},
	"estado":             {"estado", "state"},
	"ciudad":             {"ciudad", "city", "municipio", "municipality"},
	"fecha_catalogacion": {"fecha_catalogacion", "fecha_publicacion", "publication_date", "planning_date", "created_at"},
	"fecha_apertura":     {"fecha_apertura", "apertura_date", "opening_date", "submission_deadline", "deadline"},
	"valor_estimado":     {"valor_estimado", "monto", "amount", "budget", "estimated_amount", "estimated_value"},
	"tipo_licitacion":    {"tipo_licitacion", "tipo", "tipo_proceso", "category", "procurement_type", "hiring_method_name", "method", "type"},
	"url_original":       {"url_original", "url", "link", "url_anuncio"},
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2 Jan 2006",
}

// Normalizer maps raw source-shaped records to canonical tender drafts.
type Normalizer struct {
	logger *slog.Logger
}

// New builds a normalizer; the logger may be nil.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize validates and maps a raw record. A record missing both titulo
// and descripcion is rejected with a validation fault; the caller drops
// and counts it, never aborts.
func (n *Normalizer) Normalize(raw domain.RawRecord, extractedAt time.Time) (domain.CanonicalTender, error) {
	if raw.Fuente == "" {
		return domain.CanonicalTender{}, faults.Validationf("normalize", "record without fuente")
	}

	consumed := map[string]bool{}
	str := func(field string) string {
		for _, alias := range fieldAliases[field] {
			if v, ok := raw.Datos[alias]; ok {
				if s := cleanText(v); s != "" {
					consumed[alias] = true
					return s
				}
			}
		}
		return ""
	}

	t := domain.CanonicalTender{
		Fuente:          raw.Fuente,
		FechaExtraccion: extractedAt,
		Titulo:          str("titulo"),
		Descripcion:     str("descripcion"),
		Entidad:         str("entidad"),
		Estado:          str("estado"),
		Ciudad:          str("ciudad"),
		TipoLicitacion:  str("tipo_licitacion"),
		URLOriginal:     str("url_original"),
	}

	if t.Titulo == "" && t.Descripcion == "" {
		return domain.CanonicalTender{}, faults.Validationf("normalize", "%s record without titulo or descripcion", raw.Fuente)
	}

	if raw := str("fecha_catalogacion"); raw != "" {
		t.FechaCatalogacion = parseDate(raw)
	}
	if raw := str("fecha_apertura"); raw != "" {
		t.FechaApertura = parseDate(raw)
	}
	if raw := str("valor_estimado"); raw != "" {
		t.ValorEstimado = parseAmount(raw)
	}

	t.TenderID = str("tender_id")
	if t.TenderID == "" {
		t.TenderID = domain.GenerateTenderID(t.Fuente, t.Titulo, t.Entidad, formatOpt(t.FechaCatalogacion), t.URLOriginal)
	}

	extra := map[string]any{}
	for k, v := range raw.Datos {
		if !consumed[k] {
			extra[k] = v
		}
	}
	t.Metadata = domain.Metadata{
		FuenteOriginal:   raw.Fuente,
		DatosEspecificos: extra,
	}

	t.TextoSemantico = BuildTextoSemantico(t, MaxSemanticLen)

	n.debug("normalized record", "fuente", t.Fuente, "tender_id", t.TenderID)
	return t, nil
}

// BuildTextoSemantico concatenates title, description, entity, type and
// location into one compact paragraph. Truncation keeps whole semantic
// units; a unit is only cut mid-text when it is the first one and alone
// exceeds the budget.
func BuildTextoSemantico(t domain.CanonicalTender, maxLen int) string {
	var units []string
	switch {
	case t.TenderID != "" && t.Titulo != "":
		units = append(units, fmt.Sprintf("Licitación %s: %s", t.TenderID, t.Titulo))
	case t.Titulo != "":
		units = append(units, "Licitación: "+t.Titulo)
	}
	if t.Entidad != "" {
		units = append(units, "Institución: "+t.Entidad)
	}
	if t.TipoLicitacion != "" {
		units = append(units, "Tipo de procedimiento: "+t.TipoLicitacion)
	}
	if t.Descripcion != "" {
		units = append(units, "Descripción: "+t.Descripcion)
	}
	var location []string
	if t.Ciudad != "" {
		location = append(location, t.Ciudad)
	}
	if t.Estado != "" {
		location = append(location, t.Estado)
	}
	if len(location) > 0 {
		units = append(units, "Ubicación: "+strings.Join(location, ", "))
	}
	if t.ValorEstimado != nil && *t.ValorEstimado > 0 {
		units = append(units, fmt.Sprintf("Importe: $%.2f MXN", *t.ValorEstimado))
	}

	var b strings.Builder
	for i, unit := range units {
		unit = strings.Join(strings.Fields(unit), " ")
		need := len(unit) + 1
		if b.Len() > 0 {
			need++
		}
		if maxLen > 0 && b.Len()+need > maxLen {
			if b.Len() == 0 {
				return hardTruncate(unit, maxLen-1) + "."
			}
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(unit)
		b.WriteString(".")
	}
	return b.String()
}

func hardTruncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so a multibyte character is never
	// split in half.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	cut := s[:limit]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}

func cleanText(v any) string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		s = strconv.Itoa(val)
	case nil:
		return ""
	default:
		s = fmt.Sprintf("%v", val)
	}
	return strings.Join(strings.Fields(s), " ")
}

func parseDate(s string) *time.Time {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
			return &day
		}
	}
	return nil
}

func parseAmount(s string) *float64 {
	cleaned := strings.NewReplacer("$", "", ",", "", "MXN", "", "mxn", "", " ", "").Replace(s)
	if cleaned == "" {
		return nil
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || f < 0 {
		return nil
	}
	return &f
}

func formatOpt(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format("2006-01-02")
}

func (n *Normalizer) debug(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Debug(msg, args...)
	}
}
