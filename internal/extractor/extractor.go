package extractor

import (
	"context"
	"fmt"
	"time"

	"LicitacionesExtractor/internal/domain"
)

// Request carries all parameters required to execute one extraction.
type Request struct {
	Day      time.Time
	Keywords []string
	Options  map[string]string
}

// Result is what an extractor hands back. Extraction is never
// all-or-nothing: exhausted segments are listed in FailedSegments and the
// records collected before the failures are still returned.
type Result struct {
	Records        []domain.RawRecord
	FailedSegments []string
}

// Extractor captures a single source strategy. Extract must be safe to
// call again for the same date.
type Extractor interface {
	Name() string
	Kind() domain.SourceKind
	Extract(ctx context.Context, req Request) (Result, error)
}

// Registry keeps a mapping from source names to their extractors.
type Registry struct {
	extractors map[string]Extractor
	order      []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{extractors: map[string]Extractor{}}
}

// Register adds or replaces an extractor implementation.
func (r *Registry) Register(ex Extractor) {
	if r.extractors == nil {
		r.extractors = map[string]Extractor{}
	}
	if _, exists := r.extractors[ex.Name()]; !exists {
		r.order = append(r.order, ex.Name())
	}
	r.extractors[ex.Name()] = ex
}

// Resolve returns an extractor by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Extractor, error) {
	if ex, ok := r.extractors[name]; ok {
		return ex, nil
	}
	return nil, fmt.Errorf("extractor %s is not registered", name)
}

// Names lists registered extractors in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
