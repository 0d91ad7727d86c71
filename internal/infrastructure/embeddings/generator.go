package embeddings

import (
	"context"
	"errors"
	"log/slog"

	"LicitacionesExtractor/internal/faults"
	"LicitacionesExtractor/internal/retry"
)

// Provider is one embedding backend.
type Provider interface {
	Source() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator is the ports.Embedder implementation: it prefers the
// primary provider and degrades to the local fallback when the primary
// exhausts its retries. Rows embedded through the fallback stay
// processed; re-embedding with the primary is a manual decision, not an
// automatic one.
type Generator struct {
	primary  Provider
	fallback Provider
	retry    retry.Policy
	logger   *slog.Logger
}

// NewGenerator wires the providers. fallback may be nil when no local
// service is deployed.
func NewGenerator(primary, fallback Provider, policy retry.Policy, logger *slog.Logger) *Generator {
	if logger != nil {
		logger = logger.With("component", "embeddings")
	}
	return &Generator{primary: primary, fallback: fallback, retry: policy, logger: logger}
}

// Generate produces one vector per text and reports which provider
// produced the batch. The error is returned only when every configured
// provider failed; the caller defers the affected rows to the next run.
func (g *Generator) Generate(ctx context.Context, texts []string) ([][]float32, string, error) {
	if len(texts) == 0 {
		return nil, "", nil
	}

	vectors, primaryErr := g.embedWith(ctx, g.primary, texts)
	if primaryErr == nil {
		return vectors, g.primary.Source(), nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}
	if g.fallback == nil {
		return nil, "", faults.Embedding("embeddings.generate", primaryErr)
	}

	g.warn("primary provider failed, degrading to fallback",
		"error", primaryErr, "kind", faults.KindOf(primaryErr).String())

	vectors, fallbackErr := g.embedWith(ctx, g.fallback, texts)
	if fallbackErr == nil {
		return vectors, g.fallback.Source(), nil
	}
	return nil, "", faults.Embedding("embeddings.generate", errors.Join(primaryErr, fallbackErr))
}

func (g *Generator) embedWith(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := g.retry.Do(ctx, "embeddings."+p.Source(), func(ctx context.Context) error {
		var err error
		vectors, err = p.Embed(ctx, texts)
		return err
	})
	return vectors, err
}

func (g *Generator) warn(msg string, args ...any) {
	if g.logger != nil {
		g.logger.Warn(msg, args...)
	}
}
