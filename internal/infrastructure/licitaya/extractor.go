package licitaya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"LicitacionesExtractor/internal/config"
	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/extractor"
	"LicitacionesExtractor/internal/faults"
	"LicitacionesExtractor/internal/retry"
)

// SourceName tags records produced by this extractor.
const SourceName = "licita_ya"

const (
	searchPath      = "/tender/search"
	apiKeyHeader    = "X-API-KEY"
	dateParamLayout = "20060102"
)

// Extractor queries the keyword-paginated tender search API. One logical
// extraction fans out over every configured keyword; a keyword/page pair
// that exhausts its retries becomes a failed segment instead of aborting
// the source.
type Extractor struct {
	client *http.Client
	cfg    config.LicitaYaConfig
	retry  retry.Policy
	logger *slog.Logger
}

// New builds the extractor. A nil client falls back to a default with a
// conservative timeout.
func New(client *http.Client, cfg config.LicitaYaConfig, policy retry.Policy, logger *slog.Logger) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if logger != nil {
		logger = logger.With("component", "licitaya")
	}
	return &Extractor{client: client, cfg: cfg, retry: policy, logger: logger}
}

func (e *Extractor) Name() string            { return SourceName }
func (e *Extractor) Kind() domain.SourceKind { return domain.KindAPIKeyword }

type searchResponse struct {
	Results []map[string]any `json:"results"`
	Total   int              `json:"total"`
}

// Extract walks every keyword page by page for the requested day. An
// auth rejection is fatal for the whole source: every remaining segment
// would fail the same way.
func (e *Extractor) Extract(ctx context.Context, req extractor.Request) (extractor.Result, error) {
	if e.cfg.APIKey == "" {
		return extractor.Result{}, faults.Auth("licitaya.extract", errors.New("api key is not configured"))
	}

	keywords := req.Keywords
	if len(keywords) == 0 {
		keywords = e.cfg.Keywords
	}

	var res extractor.Result
	seen := map[string]bool{}

	for _, keyword := range keywords {
		for page := 1; page <= e.cfg.MaxPages; page++ {
			items, err := e.fetchPage(ctx, req.Day, keyword, page)
			if err != nil {
				if faults.KindOf(err) == faults.KindAuth {
					return res, err
				}
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				segment := fmt.Sprintf("keyword=%s page=%d", keyword, page)
				res.FailedSegments = append(res.FailedSegments, segment)
				e.warn("page failed after retries", "keyword", keyword, "page", page, "error", err)
				break
			}

			for _, item := range items {
				key := itemKey(item)
				if key != "" && seen[key] {
					continue
				}
				if key != "" {
					seen[key] = true
				}
				item["palabra_clave"] = keyword
				res.Records = append(res.Records, domain.RawRecord{Fuente: SourceName, Datos: item})
			}

			if len(items) < e.cfg.PageSize {
				break
			}
		}
	}

	e.info("extraction finished", "records", len(res.Records), "failed_segments", len(res.FailedSegments))
	return res, nil
}

func (e *Extractor) fetchPage(ctx context.Context, day time.Time, keyword string, page int) ([]map[string]any, error) {
	op := "licitaya.search"
	var items []map[string]any

	err := e.retry.Do(ctx, op, func(ctx context.Context) error {
		q := url.Values{}
		q.Set("date", day.Format(dateParamLayout))
		q.Set("keyword", keyword)
		q.Set("page", strconv.Itoa(page))
		q.Set("items", strconv.Itoa(e.cfg.PageSize))
		q.Set("smartsearch", "1")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+searchPath+"?"+q.Encode(), nil)
		if err != nil {
			return faults.New(faults.KindUnknown, op, err)
		}
		httpReq.Header.Set(apiKeyHeader, e.cfg.APIKey)
		httpReq.Header.Set("Accept", "application/json")

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return faults.Connection(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return faults.FromHTTPStatus(op, resp.StatusCode)
		}

		var payload searchResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return faults.Parse(op, err)
		}
		items = payload.Results
		return nil
	})
	return items, err
}

func itemKey(item map[string]any) string {
	for _, k := range []string{"tender_id", "id", "numero_licitacion"} {
		if v, ok := item[k]; ok {
			if s := fmt.Sprintf("%v", v); s != "" {
				return s
			}
		}
	}
	return ""
}

func (e *Extractor) info(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Info(msg, args...)
	}
}

func (e *Extractor) warn(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}
