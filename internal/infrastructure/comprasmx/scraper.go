package comprasmx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"LicitacionesExtractor/internal/config"
	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/extractor"
	"LicitacionesExtractor/internal/faults"
	"LicitacionesExtractor/internal/retry"
)

// SourceName tags records produced by this scraper. Generated tender IDs
// inherit it as their prefix.
const SourceName = "comprasmx"

var (
	dateCellRe   = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}`)
	amountCellRe = regexp.MustCompile(`^\$?\s?[\d,]+(\.\d+)?$`)
	codeCellRe   = regexp.MustCompile(`^[A-Z0-9][A-Z0-9/.\-]{4,}$`)
)

// Scraper walks the public federal procurement listing page by page.
// The listing carries no stable identifiers, so rows are classified by
// cell shape and IDs are derived from content downstream.
type Scraper struct {
	client *http.Client
	cfg    config.ComprasMXConfig
	retry  retry.Policy
	logger *slog.Logger
}

// New builds the scraper. A nil client falls back to a default with a
// conservative timeout.
func New(client *http.Client, cfg config.ComprasMXConfig, policy retry.Policy, logger *slog.Logger) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: 45 * time.Second}
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if logger != nil {
		logger = logger.With("component", "comprasmx")
	}
	return &Scraper{client: client, cfg: cfg, retry: policy, logger: logger}
}

func (s *Scraper) Name() string            { return SourceName }
func (s *Scraper) Kind() domain.SourceKind { return domain.KindScraper }

// Extract scrapes listing pages sequentially. The page loop is the
// resume cursor: each page gets its own retry budget, and a page that
// still fails ends the walk because later pages depend on the listing
// sequence. Records from completed pages are kept.
func (s *Scraper) Extract(ctx context.Context, req extractor.Request) (extractor.Result, error) {
	var res extractor.Result

	for page := 1; page <= s.cfg.MaxPages; page++ {
		rows, err := s.fetchPage(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if page == 1 {
				return res, err
			}
			res.FailedSegments = append(res.FailedSegments, fmt.Sprintf("page=%d", page))
			s.warn("page failed after retries, stopping walk", "page", page, "error", err)
			break
		}
		if len(rows) == 0 {
			break
		}
		res.Records = append(res.Records, rows...)
	}

	s.info("scrape finished", "records", len(res.Records), "failed_segments", len(res.FailedSegments))
	return res, nil
}

func (s *Scraper) fetchPage(ctx context.Context, page int) ([]domain.RawRecord, error) {
	op := "comprasmx.page"
	var rows []domain.RawRecord

	err := s.retry.Do(ctx, op, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pageURL(page), nil)
		if err != nil {
			return faults.New(faults.KindUnknown, op, err)
		}
		httpReq.Header.Set("User-Agent", "Mozilla/5.0 (compatible; licitaciones-extractor/1.0)")

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return faults.Connection(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return faults.FromHTTPStatus(op, resp.StatusCode)
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return faults.Parse(op, err)
		}
		rows = s.parseListing(doc)
		return nil
	})
	return rows, err
}

func (s *Scraper) pageURL(page int) string {
	if page == 1 {
		return s.cfg.BaseURL
	}
	sep := "?"
	if strings.Contains(s.cfg.BaseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spagina=%d", s.cfg.BaseURL, sep, page)
}

func (s *Scraper) parseListing(doc *goquery.Document) []domain.RawRecord {
	var records []domain.RawRecord

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 3 {
			return
		}

		datos := classifyCells(cells)
		if datos == nil {
			return
		}
		if href, ok := row.Find("a[href]").Attr("href"); ok {
			datos["url_original"] = absoluteURL(s.cfg.BaseURL, href)
		}
		records = append(records, domain.RawRecord{Fuente: SourceName, Datos: datos})
	})

	return records
}

// classifyCells assigns listing cells to fields by shape: procurement
// codes are short uppercase tokens, dates and amounts match fixed
// patterns, and of the remaining free-text cells the longest is the
// title and the runner-up the convening entity.
func classifyCells(cells *goquery.Selection) map[string]any {
	datos := map[string]any{}
	var freeText []string
	var dates []string

	cells.Each(func(_ int, cell *goquery.Selection) {
		text := strings.Join(strings.Fields(cell.Text()), " ")
		if text == "" {
			return
		}
		switch {
		case dateCellRe.MatchString(text):
			dates = append(dates, dateCellRe.FindString(text))
		case amountCellRe.MatchString(text):
			if _, exists := datos["monto"]; !exists {
				datos["monto"] = text
			}
		case codeCellRe.MatchString(text) && len(text) < 40:
			if _, exists := datos["numero_licitacion"]; !exists {
				datos["numero_licitacion"] = text
			}
		default:
			freeText = append(freeText, text)
		}
	})

	switch len(freeText) {
	case 0:
		return nil
	case 1:
		datos["titulo"] = freeText[0]
	default:
		first, second := freeText[0], freeText[1]
		if len(second) > len(first) {
			first, second = second, first
		}
		datos["titulo"] = first
		datos["entidad"] = second
	}

	if len(dates) > 0 {
		datos["fecha_publicacion"] = dates[0]
	}
	if len(dates) > 1 {
		datos["fecha_apertura"] = dates[1]
	}
	if id, ok := datos["numero_licitacion"].(string); ok {
		datos["tender_id"] = SourceName + "_" + id
	}
	return datos
}

func absoluteURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(href, "/")
}

func (s *Scraper) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scraper) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
