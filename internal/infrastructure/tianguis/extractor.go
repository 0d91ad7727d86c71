package tianguis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"LicitacionesExtractor/internal/config"
	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/extractor"
	"LicitacionesExtractor/internal/faults"
	"LicitacionesExtractor/internal/retry"
)

// SourceName tags records produced by this extractor.
const SourceName = "tianguis_digital"

const (
	planningsPath   = "/plannings"
	dateParamLayout = "02/01/2006"
)

// Records in these states are announcements that will never award and
// are filtered before normalization.
var excludedStates = []string{"cancelado", "cancelled", "desierto", "invalid"}

// Extractor pulls CDMX open-data procurement plannings for one day. The
// endpoint is a single date-filtered request, so retries cover the whole
// extraction rather than per-page segments.
type Extractor struct {
	client *http.Client
	cfg    config.TianguisConfig
	retry  retry.Policy
	logger *slog.Logger
}

// New builds the extractor. A nil client falls back to a default with a
// conservative timeout.
func New(client *http.Client, cfg config.TianguisConfig, policy retry.Policy, logger *slog.Logger) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger != nil {
		logger = logger.With("component", "tianguis")
	}
	return &Extractor{client: client, cfg: cfg, retry: policy, logger: logger}
}

func (e *Extractor) Name() string            { return SourceName }
func (e *Extractor) Kind() domain.SourceKind { return domain.KindAPIDate }

type planningsResponse struct {
	Data []map[string]any `json:"data"`
}

// Extract fetches all plannings published on the requested day and
// filters out cancelled or deserted announcements. Zero plannings is a
// legitimate success: CDMX publishes nothing on many days.
func (e *Extractor) Extract(ctx context.Context, req extractor.Request) (extractor.Result, error) {
	op := "tianguis.plannings"
	var payload planningsResponse

	err := e.retry.Do(ctx, op, func(ctx context.Context) error {
		day := req.Day.Format(dateParamLayout)
		q := url.Values{}
		q.Set("hiring_method", "1,2,3")
		q.Set("consolidated", "FALSE")
		q.Set("start_date", day)
		q.Set("end_date", day)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+planningsPath+"?"+q.Encode(), nil)
		if err != nil {
			return faults.New(faults.KindUnknown, op, err)
		}
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

		payload = planningsResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return faults.Parse(op, err)
		}
		return nil
	})
	if err != nil {
		return extractor.Result{}, err
	}

	var res extractor.Result
	skipped := 0
	for _, item := range payload.Data {
		if excluded(item) {
			skipped++
			continue
		}
		if item["entity"] == nil && item["organization"] == nil && item["institution"] == nil {
			item["entity"] = "Ciudad de México"
		}
		if item["estado"] == nil && item["state"] == nil {
			item["estado"] = "Ciudad de México"
		}
		res.Records = append(res.Records, domain.RawRecord{Fuente: SourceName, Datos: item})
	}

	e.info("extraction finished", "records", len(res.Records), "excluded", skipped)
	return res, nil
}

func excluded(item map[string]any) bool {
	for _, key := range []string{"status", "estado_proceso", "state_description", "status_name"} {
		v, ok := item[key].(string)
		if !ok {
			continue
		}
		v = strings.ToLower(v)
		for _, bad := range excludedStates {
			if strings.Contains(v, bad) {
				return true
			}
		}
	}
	return false
}

func (e *Extractor) info(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Info(msg, args...)
	}
}
