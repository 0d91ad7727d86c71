package domain

import "time"

// SourceStatus is the terminal state of one source inside a run.
type SourceStatus string

const (
	SourcePending SourceStatus = "PENDING"
	SourceRunning SourceStatus = "RUNNING"
	SourceSuccess SourceStatus = "SOURCE_SUCCESS"
	SourcePartial SourceStatus = "SOURCE_PARTIAL"
	SourceFailed  SourceStatus = "SOURCE_FAILED"
)

// RunStatus is the aggregated outcome of a whole run.
type RunStatus string

const (
	RunSuccess RunStatus = "RUN_SUCCESS"
	RunPartial RunStatus = "RUN_PARTIAL"
	RunFailed  RunStatus = "RUN_FAILED"
)

// Counts aggregates per-category record outcomes.
type Counts struct {
	Extracted     int `json:"extracted"`
	Dropped       int `json:"dropped"`
	Inserted      int `json:"inserted"`
	Refreshed     int `json:"refreshed"`
	Unchanged     int `json:"unchanged"`
	Embedded      int `json:"embedded"`
	FallbackUsed  int `json:"fallback_used"`
	EmbedDeferred int `json:"embed_deferred"`
	Failed        int `json:"failed"`
}

// Add folds another counter set into the receiver.
func (c *Counts) Add(other Counts) {
	c.Extracted += other.Extracted
	c.Dropped += other.Dropped
	c.Inserted += other.Inserted
	c.Refreshed += other.Refreshed
	c.Unchanged += other.Unchanged
	c.Embedded += other.Embedded
	c.FallbackUsed += other.FallbackUsed
	c.EmbedDeferred += other.EmbedDeferred
	c.Failed += other.Failed
}

// SourceReport is the per-source slice of a run report.
type SourceReport struct {
	Fuente         string       `json:"fuente"`
	Status         SourceStatus `json:"status"`
	Counts         Counts       `json:"counts"`
	SegmentsFailed []string     `json:"segments_failed,omitempty"`
	Error          string       `json:"error,omitempty"`
	Started        time.Time    `json:"started"`
	Finished       time.Time    `json:"finished"`
}

// RunReport is the structured summary of one orchestrator execution,
// emitted regardless of individual source outcomes.
type RunReport struct {
	RunID      string         `json:"run_id"`
	TargetDate time.Time      `json:"target_date"`
	Started    time.Time      `json:"started"`
	Finished   time.Time      `json:"finished"`
	Status     RunStatus      `json:"status"`
	Sources    []SourceReport `json:"sources"`
	Totals     Counts         `json:"totals"`
}

// Aggregate derives the run status and total counts from the per-source
// reports. RUN_FAILED only when every source failed; RUN_PARTIAL when at
// least one source produced usable output and at least one failed.
func (r *RunReport) Aggregate() {
	var failed, usable int
	totals := Counts{}
	for _, src := range r.Sources {
		totals.Add(src.Counts)
		switch src.Status {
		case SourceFailed:
			failed++
		default:
			usable++
		}
	}
	r.Totals = totals
	switch {
	case len(r.Sources) > 0 && failed == len(r.Sources):
		r.Status = RunFailed
	case failed > 0:
		r.Status = RunPartial
	default:
		r.Status = RunSuccess
	}
}

// Metrics is the snapshot returned by the programmatic surface for
// external monitoring.
type Metrics struct {
	TotalTenders    int            `json:"total_tenders"`
	BySource        map[string]int `json:"by_source"`
	PendingEmbed    int            `json:"pending_embeddings"`
	Processed       int            `json:"processed"`
	LastExtraction  *time.Time     `json:"last_extraction,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastRunFinished *time.Time     `json:"last_run_finished,omitempty"`
}

// SourceQuality is one row of the on-demand quality report.
type SourceQuality struct {
	Fuente           string  `json:"fuente"`
	Records          int     `json:"records"`
	AvgCompleteness  float64 `json:"avg_completeness"`
	AvgReliability   float64 `json:"avg_reliability"`
	ProcessedRatio   float64 `json:"processed_ratio"`
	MissingTitle     int     `json:"missing_title"`
	MissingEntidad   int     `json:"missing_entidad"`
	MissingValor     int     `json:"missing_valor"`
	FallbackEmbedded int     `json:"fallback_embedded"`
}

// QualityReport is a derived view over stored tenders, never persisted.
type QualityReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Sources     []SourceQuality `json:"sources"`
}

// HealthStatus mirrors the health contract exposed to monitoring.
type HealthStatus struct {
	Status         string     `json:"status"`
	Database       bool       `json:"database"`
	SchedulerAlive bool       `json:"scheduler_alive"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
}
